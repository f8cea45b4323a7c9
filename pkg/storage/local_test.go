package storage

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/asar/pkg/archive"
	"github.com/beam-cloud/asar/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestArchive writes a two-file archive plus one unpacked file and
// returns its path.
func writeTestArchive(t *testing.T) string {
	t.Helper()

	root := common.NewDirectory()
	root.Add("a.txt", &common.File{Size: 5, Offset: 0})
	sub := common.NewDirectory()
	sub.Add("b.txt", &common.File{Size: 6, Offset: 5})
	root.Add("sub", sub)
	root.Add("native.node", &common.File{Size: 4, Unpacked: true})

	prefix, err := archive.EncodePrefix(root)
	require.NoError(t, err)

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "app.asar")
	require.NoError(t, os.WriteFile(archivePath, append(prefix, []byte("hello world!")...), 0644))

	unpacked := common.UnpackedDir(archivePath)
	require.NoError(t, os.MkdirAll(unpacked, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(unpacked, "native.node"), []byte("\x7fELF"), 0644))

	return archivePath
}

func TestLocalStorageReadFile(t *testing.T) {
	archivePath := writeTestArchive(t)

	s, err := NewArchiveStorage(ArchiveStorageOpts{ArchivePath: archivePath})
	require.NoError(t, err)
	defer s.Cleanup()

	b := s.Metadata().Get("sub/b.txt")
	require.NotNil(t, b)

	dest := make([]byte, 6)
	n, err := s.ReadFile(b, dest, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, " world", string(dest))

	dest = make([]byte, 10)
	n, err = s.ReadFile(b, dest, 3)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, "rld", string(dest[:n]))

	n, err = s.ReadFile(b, dest, 6)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)
}

func TestLocalStorageUnpackedFile(t *testing.T) {
	archivePath := writeTestArchive(t)

	s, err := NewLocalStorage(nil, LocalStorageOpts{ArchivePath: archivePath})
	require.NoError(t, err)
	defer s.Cleanup()

	entry := s.Metadata().Get("native.node")
	require.NotNil(t, entry)

	data, err := io.ReadAll(NewEntryReader(s, entry))
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF", string(data))
}

func TestLocalStorageEntryReader(t *testing.T) {
	archivePath := writeTestArchive(t)

	s, err := NewLocalStorage(nil, LocalStorageOpts{ArchivePath: archivePath})
	require.NoError(t, err)
	defer s.Cleanup()

	data, err := io.ReadAll(NewEntryReader(s, s.Metadata().Get("a.txt")))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, s.Metadata().BodyOffset+12, size)
}

func TestLocalStorageErrors(t *testing.T) {
	_, err := NewLocalStorage(nil, LocalStorageOpts{ArchivePath: filepath.Join(t.TempDir(), "missing.asar")})
	assert.True(t, errors.Is(err, common.ErrIO))

	garbage := filepath.Join(t.TempDir(), "garbage.asar")
	require.NoError(t, os.WriteFile(garbage, []byte("not an archive"), 0644))
	_, err = NewLocalStorage(nil, LocalStorageOpts{ArchivePath: garbage})
	assert.True(t, errors.Is(err, common.ErrFormat))

	archivePath := writeTestArchive(t)
	require.NoError(t, os.RemoveAll(common.UnpackedDir(archivePath)))

	s, err := NewLocalStorage(nil, LocalStorageOpts{ArchivePath: archivePath})
	require.NoError(t, err)
	defer s.Cleanup()

	_, err = s.ReadFile(s.Metadata().Get("native.node"), make([]byte, 4), 0)
	assert.True(t, errors.Is(err, common.ErrIO))

	_, err = s.ReadFile(s.Metadata().Get("sub"), make([]byte, 4), 0)
	assert.True(t, errors.Is(err, common.ErrIO))
}

func TestLocalStorageBoundsUnpackedHandles(t *testing.T) {
	root := common.NewDirectory()
	names := []string{"a.node", "b.node", "c.node", "d.node", "e.node"}
	for _, name := range names {
		root.Add(name, &common.File{Size: uint64(len(name)), Unpacked: true})
	}

	prefix, err := archive.EncodePrefix(root)
	require.NoError(t, err)

	archivePath := filepath.Join(t.TempDir(), "app.asar")
	require.NoError(t, os.WriteFile(archivePath, prefix, 0644))
	unpacked := common.UnpackedDir(archivePath)
	require.NoError(t, os.MkdirAll(unpacked, 0755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(unpacked, name), []byte(name), 0644))
	}

	s, err := NewLocalStorage(nil, LocalStorageOpts{ArchivePath: archivePath, UnpackedHandles: 2})
	require.NoError(t, err)
	defer s.Cleanup()

	// Two passes so evicted handles get reopened
	for pass := 0; pass < 2; pass++ {
		for _, name := range names {
			content, err := io.ReadAll(NewEntryReader(s, s.Metadata().Get(name)))
			require.NoError(t, err, name)
			assert.Equal(t, name, string(content))
			assert.LessOrEqual(t, s.openUnpacked(), 2)
		}
	}
}
