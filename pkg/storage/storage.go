package storage

import (
	"fmt"
	"io"

	"github.com/beam-cloud/asar/pkg/common"
)

// ArchiveStorage reads the content of archive entries. ReadFile behaves like
// io.ReaderAt over a single file: off is relative to the start of the file,
// and io.EOF is returned when fewer than len(dest) bytes remain.
type ArchiveStorage interface {
	ReadFile(entry *common.IndexEntry, dest []byte, off int64) (int, error)
	Metadata() *common.ArchiveMetadata
	Cleanup() error
}

type ArchiveStorageOpts struct {
	ArchivePath string
	Metadata    *common.ArchiveMetadata
	S3          *S3StorageOpts
	HTTP        *HTTPStorageOpts
}

// NewArchiveStorage returns the S3 or HTTP backend when their options are
// given and the local backend otherwise. A nil Metadata is read from the
// archive itself.
func NewArchiveStorage(opts ArchiveStorageOpts) (ArchiveStorage, error) {
	switch {
	case opts.S3 != nil:
		return NewS3Storage(opts.Metadata, *opts.S3)
	case opts.HTTP != nil:
		return NewHTTPStorage(opts.Metadata, *opts.HTTP)
	}
	return NewLocalStorage(opts.Metadata, LocalStorageOpts{
		ArchivePath: opts.ArchivePath,
	})
}

// NewEntryReader returns a reader over the full content of entry.
func NewEntryReader(s ArchiveStorage, entry *common.IndexEntry) *io.SectionReader {
	f := entry.Node.(*common.File)
	return io.NewSectionReader(&entryReaderAt{storage: s, entry: entry}, 0, int64(f.Size))
}

type entryReaderAt struct {
	storage ArchiveStorage
	entry   *common.IndexEntry
}

func (r *entryReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.storage.ReadFile(r.entry, p, off)
}

// clampRead limits dest to the bytes of f that remain after off. It reports
// whether dest had to be shortened.
func clampRead(f *common.File, dest []byte, off int64) ([]byte, bool) {
	size := int64(f.Size)
	if off >= size {
		return dest[:0], true
	}
	if remaining := size - off; int64(len(dest)) > remaining {
		return dest[:remaining], true
	}
	return dest, false
}

// fileAt checks that entry is a regular file and off a valid position in it.
func fileAt(entry *common.IndexEntry, off int64) (*common.File, error) {
	f, ok := entry.Node.(*common.File)
	if !ok {
		return nil, common.NewIOError("read", entry.Path, errNotRegular)
	}
	if off < 0 {
		return nil, common.NewIOError("read", entry.Path, fmt.Errorf("negative offset %d", off))
	}
	return f, nil
}
