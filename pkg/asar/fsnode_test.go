package asar

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileSystem(t *testing.T, archivePath string, verify bool) *AsarFileSystem {
	t.Helper()

	s, err := storage.NewArchiveStorage(storage.ArchiveStorageOpts{ArchivePath: archivePath})
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup() })

	afs, err := NewFileSystem(s, AsarFileSystemOpts{
		VerifyIntegrity: verify,
		ModTime:         time.Unix(1700000000, 0),
	})
	require.NoError(t, err)
	return afs
}

func nodeAt(afs *AsarFileSystem, p string) *FSNode {
	return &FSNode{filesystem: afs, entry: afs.storage.Metadata().Get(p)}
}

func readNode(t *testing.T, n *FSNode, size int, off int64) ([]byte, syscall.Errno) {
	t.Helper()

	dest := make([]byte, size)
	res, errno := n.Read(context.Background(), nil, dest, off)
	if errno != fs.OK {
		return nil, errno
	}
	data, status := res.Bytes(make([]byte, size))
	require.Equal(t, fuse.OK, status)
	return data, errno
}

func TestFSNodeGetattr(t *testing.T) {
	archivePath := createTestArchive(t, sampleEntries(), CreateOptions{})
	afs := newTestFileSystem(t, archivePath, false)

	tests := []struct {
		path  string
		mode  uint32
		size  uint64
		nlink uint32
	}{
		{"", syscall.S_IFDIR | 0755, 0, 2},
		{"main.js", syscall.S_IFREG | 0644, 15, 1},
		{"bin/run.sh", syscall.S_IFREG | 0755, 19, 1},
		{"lib/current", syscall.S_IFLNK | 0777, 7, 1},
		{"assets/empty", syscall.S_IFDIR | 0755, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var out fuse.AttrOut
			errno := nodeAt(afs, tt.path).Getattr(context.Background(), nil, &out)
			require.Equal(t, fs.OK, errno)
			assert.Equal(t, tt.mode, out.Mode)
			assert.Equal(t, tt.size, out.Size)
			assert.Equal(t, tt.nlink, out.Nlink)
			assert.Equal(t, uint64(1700000000), out.Mtime)
			assert.Equal(t, afs.storage.Metadata().Get(tt.path).Ino, out.Ino)
		})
	}
}

func TestFSNodeRead(t *testing.T) {
	archivePath := createTestArchive(t, map[string]testEntry{
		"a.txt":       {content: "hello world"},
		"native.node": {content: "\x7fELF binary"},
	}, CreateOptions{Unpack: "*.node"})
	afs := newTestFileSystem(t, archivePath, false)

	tests := []struct {
		path     string
		size     int
		off      int64
		expected string
	}{
		{"a.txt", 64, 0, "hello world"},
		{"a.txt", 5, 6, "world"},
		{"a.txt", 3, 4, "o w"},
		{"a.txt", 8, 11, ""},
		{"a.txt", 8, 100, ""},
		{"native.node", 4, 0, "\x7fELF"},
		{"native.node", 64, 5, "binary"},
	}
	for _, tt := range tests {
		data, errno := readNode(t, nodeAt(afs, tt.path), tt.size, tt.off)
		require.Equal(t, fs.OK, errno)
		assert.Equal(t, tt.expected, string(data), "%s@%d", tt.path, tt.off)
	}

	_, errno := nodeAt(afs, "").Read(context.Background(), nil, make([]byte, 8), 0)
	assert.Equal(t, syscall.EISDIR, errno)
}

func TestFSNodeReadVerified(t *testing.T) {
	archivePath := createTestArchive(t, map[string]testEntry{
		"a.txt": {content: "0123456789abcdef"},
		"b.txt": {content: "ghijklmnopqrstuv"},
	}, CreateOptions{Integrity: true, BlockSize: 4})

	afs := newTestFileSystem(t, archivePath, true)
	data, errno := readNode(t, nodeAt(afs, "a.txt"), 6, 3)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "345678", string(data))

	data, errno = readNode(t, nodeAt(afs, "b.txt"), 64, 14)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "uv", string(data))

	// Corrupt the second block of b.txt
	metadata := afs.storage.Metadata()
	b := metadata.Get("b.txt").Node.(*common.File)
	raw, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	raw[metadata.BodyOffset+int64(b.Offset)+5] ^= 0xff
	require.NoError(t, os.WriteFile(archivePath, raw, 0644))

	afs = newTestFileSystem(t, archivePath, true)

	_, errno = readNode(t, nodeAt(afs, "b.txt"), 2, 6)
	assert.Equal(t, syscall.EIO, errno)

	data, errno = readNode(t, nodeAt(afs, "b.txt"), 4, 8)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "opqr", string(data))

	data, errno = readNode(t, nodeAt(afs, "a.txt"), 16, 0)
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "0123456789abcdef", string(data))
}

func TestFSNodeReadlink(t *testing.T) {
	archivePath := createTestArchive(t, sampleEntries(), CreateOptions{})
	afs := newTestFileSystem(t, archivePath, false)

	target, errno := nodeAt(afs, "lib/current").Readlink(context.Background())
	require.Equal(t, fs.OK, errno)
	assert.Equal(t, "util.js", string(target))

	_, errno = nodeAt(afs, "main.js").Readlink(context.Background())
	assert.Equal(t, syscall.EINVAL, errno)
}

func TestFSNodeReaddir(t *testing.T) {
	archivePath := createTestArchive(t, sampleEntries(), CreateOptions{})
	afs := newTestFileSystem(t, archivePath, false)

	stream, errno := nodeAt(afs, "lib").Readdir(context.Background())
	require.Equal(t, fs.OK, errno)
	defer stream.Close()

	var names []string
	var modes []uint32
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Equal(t, fs.OK, errno)
		names = append(names, e.Name)
		modes = append(modes, e.Mode)
	}
	assert.Equal(t, []string{"current", "util.js"}, names)
	assert.Equal(t, []uint32{syscall.S_IFLNK | 0777, syscall.S_IFREG | 0644}, modes)

	_, errno = nodeAt(afs, "main.js").Readdir(context.Background())
	assert.Equal(t, syscall.ENOTDIR, errno)
}

func TestFSNodeIsReadOnly(t *testing.T) {
	archivePath := createTestArchive(t, sampleEntries(), CreateOptions{})
	afs := newTestFileSystem(t, archivePath, false)
	root := nodeAt(afs, "")
	ctx := context.Background()

	_, _, _, errno := root.Create(ctx, "new", 0, 0644, &fuse.EntryOut{})
	assert.Equal(t, syscall.EROFS, errno)
	_, errno = root.Mkdir(ctx, "new", 0755, &fuse.EntryOut{})
	assert.Equal(t, syscall.EROFS, errno)
	assert.Equal(t, syscall.EROFS, root.Rmdir(ctx, "lib"))
	assert.Equal(t, syscall.EROFS, root.Unlink(ctx, "main.js"))
	assert.Equal(t, syscall.EROFS, root.Rename(ctx, "main.js", root, "other.js", 0))

	_, _, errno = nodeAt(afs, "main.js").Open(ctx, syscall.O_RDWR)
	assert.Equal(t, syscall.EROFS, errno)
	_, _, errno = nodeAt(afs, "main.js").Open(ctx, syscall.O_RDONLY)
	assert.Equal(t, fs.OK, errno)
}

func TestMountArchive(t *testing.T) {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("fuse is not available")
	}

	archivePath := createTestArchive(t, sampleEntries(), CreateOptions{Integrity: true})
	mountPoint := filepath.Join(t.TempDir(), "mnt")

	startServer, serverError, server, err := MountArchive(MountOptions{
		ArchivePath:     archivePath,
		MountPoint:      mountPoint,
		VerifyIntegrity: true,
	})
	if err != nil {
		t.Skipf("mount not permitted: %v", err)
	}
	require.NoError(t, startServer())
	if err := server.WaitMount(); err != nil {
		t.Skipf("mount not permitted: %v", err)
	}
	defer func() {
		require.NoError(t, server.Unmount())
		<-serverError
	}()

	content, err := os.ReadFile(filepath.Join(mountPoint, "main.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)\n", string(content))

	target, err := os.Readlink(filepath.Join(mountPoint, "lib", "current"))
	require.NoError(t, err)
	assert.Equal(t, "util.js", target)

	entries, err := os.ReadDir(filepath.Join(mountPoint, "assets"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "empty", entries[0].Name())
	assert.True(t, entries[0].IsDir())

	fi, err := os.Stat(filepath.Join(mountPoint, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), fi.Mode().Perm())

	err = os.WriteFile(filepath.Join(mountPoint, "new.txt"), []byte("x"), 0644)
	assert.Error(t, err)
}
