package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beam-cloud/asar/pkg/archive"
	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/rs/zerolog/log"
)

type HTTPStorageOpts struct {
	// URL of the archive. Unpacked files are fetched from URL + ".unpacked/<path>".
	URL       string
	ChunkSize int64
	Client    *http.Client
}

// HTTPStorage reads an archive served by any HTTP server or CDN that honours
// Range requests.
type HTTPStorage struct {
	client   *http.Client
	url      string
	metadata *common.ArchiveMetadata
	size     int64
	chunks   *chunkReader
}

func NewHTTPStorage(metadata *common.ArchiveMetadata, opts HTTPStorageOpts) (*HTTPStorage, error) {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	hs := &HTTPStorage{
		client: client,
		url:    strings.TrimSuffix(opts.URL, "/"),
	}

	chunks, err := newChunkReader(hs.url, opts.ChunkSize, hs.downloadChunk)
	if err != nil {
		return nil, err
	}
	hs.chunks = chunks

	size, err := hs.contentLength()
	if err != nil {
		chunks.close()
		return nil, err
	}
	hs.size = size
	chunks.archiveKey = hs.url
	chunks.archiveSize = size

	if metadata == nil {
		metadata, err = archive.ReadMetadata(&chunkReaderAt{reader: chunks, key: hs.url}, size)
		if err != nil {
			chunks.close()
			return nil, fmt.Errorf("%s: %w", hs.url, err)
		}
	}
	hs.metadata = metadata

	return hs, nil
}

func (hs *HTTPStorage) contentLength() (int64, error) {
	resp, err := hs.client.Head(hs.url)
	if err != nil {
		return 0, common.NewIOError("head", hs.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, common.NewIOError("head", hs.url, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}
	if resp.ContentLength < 0 {
		return 0, common.NewIOError("head", hs.url, fmt.Errorf("no content length"))
	}
	return resp.ContentLength, nil
}

func (hs *HTTPStorage) unpackedURL(rel string) string {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return hs.url + common.UnpackedSuffix + "/" + strings.Join(segments, "/")
}

func (hs *HTTPStorage) downloadChunk(objectURL string, start int64, end int64) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, objectURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	startTime := time.Now()
	resp, err := hs.client.Do(req)
	if err != nil {
		return nil, common.NewIOError("get", objectURL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	case http.StatusOK:
		// The server ignored the range and sent the whole object
		log.Debug().Str("url", objectURL).Msg("range request not honoured")
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, common.NewIOError("get", objectURL, err)
		}
	default:
		return nil, common.NewIOError("get", objectURL, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, end-start+1))
	if err != nil {
		return nil, common.NewIOError("get", objectURL, err)
	}

	metrics.RecordRangeGet(objectURL, int64(len(content)), time.Since(startTime))
	return content, nil
}

func (hs *HTTPStorage) ReadFile(entry *common.IndexEntry, dest []byte, off int64) (int, error) {
	return hs.chunks.readEntry(hs.metadata.BodyOffset, entry, dest, off, hs.unpackedURL)
}

func (hs *HTTPStorage) Size() (int64, error) {
	return hs.size, nil
}

func (hs *HTTPStorage) Metadata() *common.ArchiveMetadata {
	return hs.metadata
}

func (hs *HTTPStorage) Cleanup() error {
	hs.chunks.close()
	return nil
}
