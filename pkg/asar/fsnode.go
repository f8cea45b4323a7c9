package asar

import (
	"context"
	"errors"
	"io"
	"path"
	"syscall"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/integrity"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog/log"
)

type FSNode struct {
	fs.Inode
	filesystem *AsarFileSystem
	entry      *common.IndexEntry
}

var (
	_ fs.NodeGetattrer  = (*FSNode)(nil)
	_ fs.NodeLookuper   = (*FSNode)(nil)
	_ fs.NodeReaddirer  = (*FSNode)(nil)
	_ fs.NodeReader     = (*FSNode)(nil)
	_ fs.NodeReadlinker = (*FSNode)(nil)
)

func (n *FSNode) OnAdd(ctx context.Context) {
	log.Debug().Str("path", n.entry.Path).Msg("OnAdd called")
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	log.Debug().Str("path", n.entry.Path).Msg("Getattr called")

	out.Attr = n.filesystem.attr(n.entry)
	return fs.OK
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Str("name", name).Msg("Lookup called")

	childPath := path.Join(n.entry.Path, name)

	n.filesystem.cacheMutex.RLock()
	cached, found := n.filesystem.lookupCache[childPath]
	n.filesystem.cacheMutex.RUnlock()
	if found {
		log.Debug().Str("path", childPath).Msg("Lookup cache hit")
		out.Attr = cached.attr
		return cached.inode, fs.OK
	}

	if _, ok := n.entry.Node.(*common.Directory); !ok {
		return nil, syscall.ENOTDIR
	}

	child := n.filesystem.storage.Metadata().Get(childPath)
	if child == nil {
		return nil, syscall.ENOENT
	}

	attr := n.filesystem.attr(child)
	out.Attr = attr

	childInode := n.NewInode(ctx, &FSNode{filesystem: n.filesystem, entry: child}, fs.StableAttr{Mode: attr.Mode, Ino: attr.Ino})

	n.filesystem.cacheMutex.Lock()
	n.filesystem.lookupCache[childPath] = &lookupCacheEntry{inode: childInode, attr: attr}
	n.filesystem.cacheMutex.Unlock()

	return childInode, fs.OK
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	log.Debug().Str("path", n.entry.Path).Msg("Opendir called")
	return 0
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Uint32("flags", flags).Msg("Open called")

	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FSNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Int64("offset", off).Msg("Read called")

	file, ok := n.entry.Node.(*common.File)
	if !ok {
		return nil, syscall.EISDIR
	}

	size := int64(file.Size)
	if off >= size || size == 0 {
		return fuse.ReadResultData(dest[:0]), fs.OK
	}

	readLen := int64(len(dest))
	if readLen > size-off {
		readLen = size - off
	}

	if n.filesystem.verifyIntegrity && !file.Unpacked && file.Integrity != nil {
		return n.readVerified(file, dest[:readLen], off)
	}

	nRead, err := n.filesystem.storage.ReadFile(n.entry, dest[:readLen], off)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Error().Err(err).Str("path", n.entry.Path).Msg("read failed")
		return nil, syscall.EIO
	}

	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

// readVerified reads the whole blocks that cover dest and checks each of them
// before copying the requested range out.
func (n *FSNode) readVerified(file *common.File, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	want := file.Integrity
	if err := integrity.Validate(want); err != nil {
		log.Error().Err(err).Str("path", n.entry.Path).Msg("invalid integrity")
		return nil, syscall.EIO
	}

	blockSize := int64(want.BlockSize)
	size := int64(file.Size)
	first := off / blockSize
	last := (off + int64(len(dest)) - 1) / blockSize

	start := first * blockSize
	end := (last + 1) * blockSize
	if end > size {
		end = size
	}

	buf := make([]byte, end-start)
	nRead, err := n.filesystem.storage.ReadFile(n.entry, buf, start)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Error().Err(err).Str("path", n.entry.Path).Msg("read failed")
		return nil, syscall.EIO
	}
	if nRead < len(buf) {
		log.Error().Str("path", n.entry.Path).Int("read", nRead).Int("want", len(buf)).Msg("short read")
		return nil, syscall.EIO
	}

	for block := first; block <= last; block++ {
		lo := (block - first) * blockSize
		hi := lo + blockSize
		if hi > int64(len(buf)) {
			hi = int64(len(buf))
		}
		if err := integrity.VerifyBlock(want, n.entry.Path, int(block), buf[lo:hi]); err != nil {
			log.Error().Err(err).Msg("integrity check failed")
			metrics.RecordIntegrityError(n.entry.Path)
			return nil, syscall.EIO
		}
	}

	copied := copy(dest, buf[off-start:])
	return fuse.ReadResultData(dest[:copied]), fs.OK
}

func (n *FSNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Msg("Readlink called")

	link, ok := n.entry.Node.(*common.Link)
	if !ok {
		return nil, syscall.EINVAL
	}

	return []byte(link.Target), fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Msg("Readdir called")

	if _, ok := n.entry.Node.(*common.Directory); !ok {
		return nil, syscall.ENOTDIR
	}

	children := n.filesystem.storage.Metadata().ListDirectory(n.entry.Path)
	dirEntries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: path.Base(child.Path),
			Ino:  child.Ino,
			Mode: child.Mode(),
		})
	}

	return fs.NewListDirStream(dirEntries), fs.OK
}

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (inode *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Str("name", name).Uint32("flags", flags).Uint32("mode", mode).Msg("Create called")
	return nil, nil, 0, syscall.EROFS
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	log.Debug().Str("path", n.entry.Path).Str("name", name).Uint32("mode", mode).Msg("Mkdir called")
	return nil, syscall.EROFS
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.entry.Path).Str("name", name).Msg("Rmdir called")
	return syscall.EROFS
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	log.Debug().Str("path", n.entry.Path).Str("name", name).Msg("Unlink called")
	return syscall.EROFS
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	log.Debug().Str("path", n.entry.Path).Str("old_name", oldName).Str("new_name", newName).Uint32("flags", flags).Msg("Rename called")
	return syscall.EROFS
}
