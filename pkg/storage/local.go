package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/beam-cloud/asar/pkg/archive"
	"github.com/beam-cloud/asar/pkg/common"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultUnpackedHandles is the number of unpacked sibling files a
// LocalStorage keeps open between reads.
const DefaultUnpackedHandles = 64

var errNotRegular = errors.New("not a regular file")

type LocalStorage struct {
	archivePath string
	metadata    *common.ArchiveMetadata
	fileHandle  *os.File

	mu       sync.Mutex
	unpacked *simplelru.LRU[string, *unpackedHandle]
}

// unpackedHandle is closed once it has been evicted and no read holds it.
type unpackedHandle struct {
	file    *os.File
	refs    int
	evicted bool
}

type LocalStorageOpts struct {
	ArchivePath     string
	// UnpackedHandles bounds the open unpacked sibling files. Zero means
	// DefaultUnpackedHandles.
	UnpackedHandles int
}

func NewLocalStorage(metadata *common.ArchiveMetadata, opts LocalStorageOpts) (*LocalStorage, error) {
	fileHandle, err := os.Open(opts.ArchivePath)
	if err != nil {
		return nil, common.NewIOError("open", opts.ArchivePath, err)
	}

	if metadata == nil {
		fi, err := fileHandle.Stat()
		if err != nil {
			fileHandle.Close()
			return nil, common.NewIOError("stat", opts.ArchivePath, err)
		}

		metadata, err = archive.ReadMetadata(fileHandle, fi.Size())
		if err != nil {
			fileHandle.Close()
			return nil, fmt.Errorf("%s: %w", opts.ArchivePath, err)
		}
	}

	handles := opts.UnpackedHandles
	if handles <= 0 {
		handles = DefaultUnpackedHandles
	}
	unpacked, _ := simplelru.NewLRU[string, *unpackedHandle](handles, onUnpackedEvict) // no error, size is positive

	return &LocalStorage{
		metadata:    metadata,
		archivePath: opts.ArchivePath,
		fileHandle:  fileHandle,
		unpacked:    unpacked,
	}, nil
}

func onUnpackedEvict(_ string, h *unpackedHandle) {
	h.evicted = true
	if h.refs == 0 {
		h.file.Close()
	}
}

func (s *LocalStorage) ReadFile(entry *common.IndexEntry, dest []byte, off int64) (int, error) {
	f, err := fileAt(entry, off)
	if err != nil {
		return 0, err
	}

	buf, short := clampRead(f, dest, off)
	if len(buf) == 0 {
		return 0, io.EOF
	}

	var (
		n     int
		rdErr error
		where string
	)
	if f.Unpacked {
		var h *unpackedHandle
		h, where, err = s.acquireUnpacked(entry.Path)
		if err != nil {
			return 0, err
		}
		n, rdErr = h.file.ReadAt(buf, off)
		s.releaseUnpacked(h)
	} else {
		where = s.archivePath
		n, rdErr = s.fileHandle.ReadAt(buf, s.metadata.BodyOffset+int64(f.Offset)+off)
	}

	if rdErr != nil && !errors.Is(rdErr, io.EOF) {
		return n, common.NewIOError("read", where, rdErr)
	}
	if n < len(buf) || short {
		return n, io.EOF
	}
	return n, nil
}

// acquireUnpacked returns an open handle on the unpacked sibling of rel. The
// caller must hand it back with releaseUnpacked.
func (s *LocalStorage) acquireUnpacked(rel string) (*unpackedHandle, string, error) {
	p := filepath.Join(common.UnpackedDir(s.archivePath), filepath.FromSlash(rel))

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.unpacked.Get(rel); ok {
		h.refs++
		return h, p, nil
	}

	file, err := os.Open(p)
	if err != nil {
		return nil, p, common.NewIOError("open", p, err)
	}
	h := &unpackedHandle{file: file, refs: 1}
	s.unpacked.Add(rel, h)
	return h, p, nil
}

func (s *LocalStorage) releaseUnpacked(h *unpackedHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.refs--
	if h.evicted && h.refs == 0 {
		h.file.Close()
	}
}

// openUnpacked reports how many unpacked sibling files are cached open.
func (s *LocalStorage) openUnpacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unpacked.Len()
}

func (s *LocalStorage) Metadata() *common.ArchiveMetadata {
	return s.metadata
}

// Size returns the length of the archive file.
func (s *LocalStorage) Size() (int64, error) {
	fi, err := s.fileHandle.Stat()
	if err != nil {
		return 0, common.NewIOError("stat", s.archivePath, err)
	}
	return fi.Size(), nil
}

func (s *LocalStorage) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unpacked.Purge()
	return s.fileHandle.Close()
}
