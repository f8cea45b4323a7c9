package asar

import (
	"fmt"
	"sync"
	"time"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type AsarFileSystemOpts struct {
	// VerifyIntegrity checks every block a read touches against the header.
	VerifyIntegrity bool
	// ModTime is reported as the atime, mtime and ctime of every entry.
	ModTime time.Time
}

// AsarFileSystem serves a read-only view of an archive.
type AsarFileSystem struct {
	storage         storage.ArchiveStorage
	root            *FSNode
	lookupCache     map[string]*lookupCacheEntry
	cacheMutex      sync.RWMutex
	verifyIntegrity bool
	modTime         time.Time
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(s storage.ArchiveStorage, opts AsarFileSystemOpts) (*AsarFileSystem, error) {
	afs := &AsarFileSystem{
		storage:         s,
		verifyIntegrity: opts.VerifyIntegrity,
		modTime:         opts.ModTime,
		lookupCache:     make(map[string]*lookupCacheEntry),
	}
	if afs.modTime.IsZero() {
		afs.modTime = time.Now()
	}

	rootEntry := s.Metadata().Get("")
	if rootEntry == nil {
		return nil, common.NewFormatError("archive has no root directory")
	}

	afs.root = &FSNode{
		filesystem: afs,
		entry:      rootEntry,
	}

	return afs, nil
}

func (afs *AsarFileSystem) Root() (fs.InodeEmbedder, error) {
	if afs.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return afs.root, nil
}

// attr builds the attributes reported for entry.
func (afs *AsarFileSystem) attr(entry *common.IndexEntry) fuse.Attr {
	sec := uint64(afs.modTime.Unix())
	nsec := uint32(afs.modTime.Nanosecond())

	attr := fuse.Attr{
		Ino:       entry.Ino,
		Mode:      entry.Mode(),
		Nlink:     1,
		Atime:     sec,
		Mtime:     sec,
		Ctime:     sec,
		Atimensec: nsec,
		Mtimensec: nsec,
		Ctimensec: nsec,
	}

	switch n := entry.Node.(type) {
	case *common.File:
		attr.Size = n.Size
		attr.Blocks = (n.Size + 511) / 512
	case *common.Link:
		attr.Size = uint64(len(n.Target))
	case *common.Directory:
		attr.Nlink = 2
	}

	return attr
}
