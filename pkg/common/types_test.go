package common

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryAdd(t *testing.T) {
	d := NewDirectory()
	require.True(t, d.Add("b", &File{}))
	require.True(t, d.Add("a", &File{}))
	assert.False(t, d.Add("b", &Link{}))

	assert.Equal(t, 2, d.Len())
	assert.Equal(t, "b", d.Entries()[0].Name)
	assert.Nil(t, d.Child("missing"))
}

func TestWalkOrder(t *testing.T) {
	root := NewDirectory()
	root.Add("a.txt", &File{})
	sub := NewDirectory()
	sub.Add("b.txt", &File{})
	deeper := NewDirectory()
	deeper.Add("c.txt", &File{})
	sub.Add("deeper", deeper)
	root.Add("sub", sub)

	var paths []string
	err := Walk(root, func(p string, node Node) error {
		paths = append(paths, p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub", "sub/b.txt", "sub/deeper", "sub/deeper/c.txt"}, paths)
}

func TestWalkStopsOnError(t *testing.T) {
	root := NewDirectory()
	root.Add("a", &File{})
	root.Add("b", &File{})

	stop := errors.New("stop")
	var visited int
	err := Walk(root, func(p string, node Node) error {
		visited++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, visited)
}

func TestArchiveMetadataIndex(t *testing.T) {
	m := NewArchiveMetadata(sampleTree(), 100)
	assert.Equal(t, int64(108), m.BodyOffset)

	root := m.Get("/")
	require.NotNil(t, root)
	assert.Equal(t, uint64(1), root.Ino)
	assert.Equal(t, uint32(syscall.S_IFDIR|0755), root.Mode())

	util := m.Get("lib/util.js")
	require.NotNil(t, util)
	assert.Equal(t, "lib/util.js", util.Path)
	assert.Equal(t, uint32(syscall.S_IFREG|0644), util.Mode())

	assert.Equal(t, uint32(syscall.S_IFREG|0755), m.Get("/main.js").Mode())
	assert.Equal(t, uint32(syscall.S_IFLNK|0777), m.Get("link").Mode())

	assert.True(t, m.Contains("empty"))
	assert.False(t, m.Contains("lib/missing.js"))
}

func TestArchiveMetadataListDirectory(t *testing.T) {
	m := NewArchiveMetadata(sampleTree(), 0)

	var names []string
	for _, e := range m.ListDirectory("") {
		names = append(names, e.Path)
	}
	assert.Equal(t, []string{"lib", "main.js", "native.node", "link", "empty"}, names)

	lib := m.ListDirectory("lib")
	require.Len(t, lib, 1)
	assert.Equal(t, "lib/util.js", lib[0].Path)

	assert.Empty(t, m.ListDirectory("empty"))
	assert.Nil(t, m.ListDirectory("main.js"))
	assert.Nil(t, m.ListDirectory("nope"))
}

func TestArchiveMetadataFiles(t *testing.T) {
	m := NewArchiveMetadata(sampleTree(), 0)

	var paths []string
	for _, e := range m.Files() {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"lib/util.js", "main.js", "native.node"}, paths)
}

func TestErrorKinds(t *testing.T) {
	formatErr := NewFormatError("bad %s", "thing")
	assert.True(t, errors.Is(formatErr, ErrFormat))
	assert.False(t, errors.Is(formatErr, ErrIO))
	assert.Contains(t, formatErr.Error(), "bad thing")

	ioErr := NewIOError("open", "/tmp/x", syscall.ENOENT)
	assert.True(t, errors.Is(ioErr, ErrIO))
	assert.True(t, errors.Is(ioErr, syscall.ENOENT))
	assert.Contains(t, ioErr.Error(), "/tmp/x")
	assert.Same(t, ioErr, NewIOError("read", "/tmp/y", ioErr))

	integrityErr := &IntegrityError{Path: "a.js", Block: 2, Expected: "aa", Actual: "bb"}
	assert.True(t, errors.Is(integrityErr, ErrIntegrity))
	assert.Contains(t, integrityErr.Error(), "a.js")
}
