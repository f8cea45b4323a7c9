package asar

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestUnpackRule(t *testing.T) {
	tests := []struct {
		name     string
		rule     UnpackRule
		path     string
		expected bool
	}{
		{"no patterns", UnpackRule{}, "a.node", false},
		{"base name", UnpackRule{Unpack: "*.node"}, "lib/deep/a.node", true},
		{"base name miss", UnpackRule{Unpack: "*.node"}, "lib/a.js", false},
		{"full path", UnpackRule{Unpack: "lib/*.so"}, "lib/a.so", true},
		{"star stops at separator", UnpackRule{Unpack: "lib/*.so"}, "lib/x/a.so", false},
		{"super star", UnpackRule{Unpack: "lib/**.so"}, "lib/x/a.so", true},
		{"alternatives", UnpackRule{Unpack: "*.{node,dll}"}, "b.dll", true},
		{"dir", UnpackRule{UnpackDir: "native"}, "native/a.bin", true},
		{"nested dir", UnpackRule{UnpackDir: "native"}, "x/native/y/a.bin", true},
		{"dir path", UnpackRule{UnpackDir: "vendor/bin"}, "vendor/bin/tool", true},
		{"dir does not match file", UnpackRule{UnpackDir: "native"}, "native", false},
		{"dir sibling", UnpackRule{UnpackDir: "native"}, "natives/a.bin", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.rule.compile()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.unpacked(tt.path))
		})
	}
}

func TestUnpackRuleInvalid(t *testing.T) {
	_, err := UnpackRule{UnpackDir: "{a"}.compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid unpack-dir pattern")
}

func TestCrawl(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]testEntry{
		"b.txt":       {content: "bb"},
		"a/z.txt":     {content: "z"},
		"a/y.sh":      {content: "y", mode: 0700},
		"a/link":      {link: "../b.txt"},
		"c/empty":     {dir: true},
		"0first.node": {content: "n"},
	})
	require.NoError(t, unix.Mkfifo(filepath.Join(src, "fifo"), 0644))

	m, err := UnpackRule{Unpack: "*.node"}.compile()
	require.NoError(t, err)

	result, err := crawl(context.Background(), src, m)
	require.NoError(t, err)

	var names []string
	for _, e := range result.Root.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"0first.node", "a", "b.txt", "c"}, names)

	a := result.Root.Child("a").(*common.Directory)
	assert.Equal(t, &common.Link{Target: "../b.txt"}, a.Child("link"))
	assert.True(t, a.Child("y.sh").(*common.File).Executable)
	assert.False(t, a.Child("z.txt").(*common.File).Executable)

	empty := result.Root.Child("c").(*common.Directory).Child("empty")
	require.NotNil(t, empty)
	assert.Equal(t, 0, empty.(*common.Directory).Len())

	var order []string
	for _, f := range result.Files {
		order = append(order, f.RelPath)
		assert.Equal(t, filepath.Join(src, filepath.FromSlash(f.RelPath)), f.SourcePath)
	}
	assert.Equal(t, []string{"0first.node", "b.txt", "a/y.sh", "a/z.txt"}, order)
	assert.True(t, result.Files[0].File.Unpacked)
	assert.Equal(t, uint64(2), result.Files[1].File.Size)
}

func TestCrawlRequiresDirectory(t *testing.T) {
	p := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))

	_, err := crawl(context.Background(), p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrIO)
	assert.ErrorIs(t, err, unix.ENOTDIR)
}
