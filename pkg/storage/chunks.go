package storage

import (
	"fmt"
	"io"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/beam-cloud/ristretto"
)

const defaultChunkSize int64 = 4 * 1024 * 1024

// rangeFetcher returns the bytes start..end (inclusive) of the object named
// key. It may return fewer bytes if the object is shorter.
type rangeFetcher func(key string, start int64, end int64) ([]byte, error)

// chunkReader serves reads on remote objects in fixed-size chunks kept in a
// ristretto cache. The archive object's size is known up front, so no range
// past its end is ever requested.
type chunkReader struct {
	namespace   string
	archiveKey  string
	archiveSize int64
	chunkSize   int64
	cache       *ristretto.Cache[string, []byte]
	fetch       rangeFetcher
}

func newChunkReader(namespace string, chunkSize int64, fetch rangeFetcher) (*chunkReader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 * 1e9,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	return &chunkReader{
		namespace: namespace,
		chunkSize: chunkSize,
		cache:     cache,
		fetch:     fetch,
	}, nil
}

// readAt fills dest from key starting at start, one cached chunk at a time.
// It returns io.EOF if the object ends first.
func (cr *chunkReader) readAt(key string, dest []byte, start int64) (int, error) {
	total := 0
	for total < len(dest) {
		pos := start + int64(total)
		idx := pos / cr.chunkSize

		chunk, err := cr.getChunk(key, idx)
		if err != nil {
			return total, err
		}

		within := pos - idx*cr.chunkSize
		if within >= int64(len(chunk)) {
			return total, io.EOF
		}
		total += copy(dest[total:], chunk[within:])

		if int64(len(chunk)) < cr.chunkSize && total < len(dest) {
			return total, io.EOF
		}
	}
	return total, nil
}

func (cr *chunkReader) getChunk(key string, idx int64) ([]byte, error) {
	cacheKey := fmt.Sprintf("%s/%s:%d", cr.namespace, key, idx)
	if content, ok := cr.cache.Get(cacheKey); ok {
		metrics.RecordRead(int64(len(content)), true)
		return content, nil
	}

	start := idx * cr.chunkSize
	end := start + cr.chunkSize - 1
	if key == cr.archiveKey && end >= cr.archiveSize {
		end = cr.archiveSize - 1
	}
	if key == cr.archiveKey && start > end {
		return nil, nil
	}

	content, err := cr.fetch(key, start, end)
	if err != nil {
		return nil, err
	}
	metrics.RecordRead(int64(len(content)), false)

	cr.cache.Set(cacheKey, content, int64(len(content)))
	return content, nil
}

func (cr *chunkReader) close() {
	cr.cache.Close()
}

// chunkReaderAt adapts reads on a single object to io.ReaderAt.
type chunkReaderAt struct {
	reader *chunkReader
	key    string
}

func (r *chunkReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return r.reader.readAt(r.key, p, off)
}

// readEntry is the ReadFile shared by the remote backends. The archive body
// lives in the object archiveKey and unpacked files in unpackedKey(path).
func (cr *chunkReader) readEntry(bodyOffset int64, entry *common.IndexEntry, dest []byte, off int64, unpackedKey func(string) string) (int, error) {
	f, err := fileAt(entry, off)
	if err != nil {
		return 0, err
	}

	buf, short := clampRead(f, dest, off)
	if len(buf) == 0 {
		return 0, io.EOF
	}

	key := cr.archiveKey
	start := bodyOffset + int64(f.Offset) + off
	if f.Unpacked {
		key = unpackedKey(entry.Path)
		start = off
	}

	n, err := cr.readAt(key, buf, start)
	if err != nil {
		return n, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}
