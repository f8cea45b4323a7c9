package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/beam-cloud/asar/pkg/archive"
	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
)

type S3StorageCredentials struct {
	AccessKey string
	SecretKey string
}

type S3Storage struct {
	svc      *s3.Client
	bucket   string
	key      string
	metadata *common.ArchiveMetadata
	size     int64
	chunks   *chunkReader
}

type S3StorageOpts struct {
	Bucket         string
	Key            string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	// ChunkSize is the granularity of ranged GETs and of the read cache.
	ChunkSize int64
	// HTTPClient overrides the client used to reach S3.
	HTTPClient *http.Client
}

// NewS3Storage opens an archive stored at s3://Bucket/Key. A nil metadata
// is fetched from the object's header.
func NewS3Storage(metadata *common.ArchiveMetadata, opts S3StorageOpts) (*S3Storage, error) {
	s3c, err := newS3Client(opts)
	if err != nil {
		return nil, err
	}

	size, err := s3c.getFileSize(context.TODO(), s3c.key)
	if err != nil {
		return nil, common.NewIOError("head", s3c.uri(s3c.key), err)
	}
	s3c.size = size
	s3c.chunks.archiveKey = s3c.key
	s3c.chunks.archiveSize = size

	if metadata == nil {
		metadata, err = archive.ReadMetadata(&chunkReaderAt{reader: s3c.chunks, key: s3c.key}, size)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s3c.uri(s3c.key), err)
		}
	}
	s3c.metadata = metadata

	return s3c, nil
}

func newS3Client(opts S3StorageOpts) (*S3Storage, error) {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if opts.AccessKey != "" && opts.SecretKey != "" {
		accessKey = opts.AccessKey
		secretKey = opts.SecretKey
	}

	cfg, err := getAWSConfig(accessKey, secretKey, opts.Region, opts.Endpoint, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	s3c := &S3Storage{
		svc:    svc,
		bucket: opts.Bucket,
		key:    opts.Key,
	}

	s3c.chunks, err = newChunkReader(opts.Bucket, opts.ChunkSize, s3c.downloadChunk)
	if err != nil {
		return nil, err
	}

	return s3c, nil
}

func getAWSConfig(accessKey string, secretKey string, region string, endpoint string, httpClient *http.Client) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: endpoint,
			}, nil
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if accessKey != "" && secretKey != "" {
		credentials := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials))
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))

	return config.LoadDefaultConfig(context.TODO(), loadOpts...)
}

func (s3c *S3Storage) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", s3c.bucket, key)
}

func (s3c *S3Storage) unpackedKey(rel string) string {
	return path.Join(s3c.key+common.UnpackedSuffix, rel)
}

type progressReader struct {
	file *os.File
	size int64
	read int64
	ch   chan<- int
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.file.Read(p)
	if n > 0 {
		pr.read += int64(n)
		progress := 100
		if pr.size > 0 {
			progress = int(float64(pr.read) / float64(pr.size) * 100)
		}

		if pr.ch != nil {
			pr.ch <- progress
		}
	}
	return n, err
}

// Upload publishes archivePath to s3://Bucket/Key, followed by every file of
// its unpacked sibling directory under Key + ".unpacked/". Progress for the
// archive itself is reported as a percentage on progressChan when non-nil.
func Upload(ctx context.Context, archivePath string, opts S3StorageOpts, progressChan chan<- int) error {
	s3c, err := newS3Client(opts)
	if err != nil {
		return err
	}
	defer s3c.Cleanup()
	return s3c.Upload(ctx, archivePath, progressChan)
}

func (s3c *S3Storage) Upload(ctx context.Context, archivePath string, progressChan chan<- int) error {
	// Create an uploader with the S3 client
	uploader := manager.NewUploader(s3c.svc, func(u *manager.Uploader) {
		u.Concurrency = 128
	})

	if err := s3c.uploadFile(ctx, uploader, archivePath, s3c.key, progressChan); err != nil {
		return err
	}

	unpackedDir := common.UnpackedDir(archivePath)
	if _, err := os.Stat(unpackedDir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return godirwalk.Walk(unpackedDir, &godirwalk.Options{
		Callback: func(p string, de *godirwalk.Dirent) error {
			if !de.IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(unpackedDir, p)
			if err != nil {
				return err
			}
			return s3c.uploadFile(ctx, uploader, p, s3c.unpackedKey(filepath.ToSlash(rel)), nil)
		},
		Unsorted: false,
	})
}

func (s3c *S3Storage) uploadFile(ctx context.Context, uploader *manager.Uploader, localPath, key string, progressChan chan<- int) error {
	f, err := os.Open(localPath)
	if err != nil {
		return common.NewIOError("open", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return common.NewIOError("stat", localPath, err)
	}

	length := fi.Size()

	pr := &progressReader{
		file: f,
		size: length,
		ch:   progressChan,
	}

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s3c.bucket),
		Key:           aws.String(key),
		Body:          pr,
		ContentLength: &length,
	})
	if err != nil {
		return common.NewIOError("upload", s3c.uri(key), err)
	}

	log.Info().Msgf("Uploaded <%s> to %s", localPath, s3c.uri(key))
	return nil
}

func (s3c *S3Storage) getFileSize(ctx context.Context, key string) (int64, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(key),
	}

	resp, err := s3c.svc.HeadObject(ctx, input)
	if err != nil {
		return 0, err
	}
	if resp.ContentLength == nil {
		return 0, fmt.Errorf("no content length for %s", s3c.uri(key))
	}

	return *resp.ContentLength, nil
}

func (s3c *S3Storage) ReadFile(entry *common.IndexEntry, dest []byte, off int64) (int, error) {
	return s3c.chunks.readEntry(s3c.metadata.BodyOffset, entry, dest, off, s3c.unpackedKey)
}

func (s3c *S3Storage) downloadChunk(key string, start int64, end int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	getObjectInput := &s3.GetObjectInput{
		Bucket: aws.String(s3c.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	}

	startTime := time.Now()
	resp, err := s3c.svc.GetObject(context.Background(), getObjectInput)
	if err != nil {
		return nil, common.NewIOError("get", s3c.uri(key), err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewIOError("get", s3c.uri(key), err)
	}

	metrics.RecordRangeGet(key, int64(len(content)), time.Since(startTime))
	return content, nil
}

// Size returns the length of the archive object.
func (s3c *S3Storage) Size() (int64, error) {
	return s3c.size, nil
}

func (s3c *S3Storage) Metadata() *common.ArchiveMetadata {
	return s3c.metadata
}

func (s3c *S3Storage) Cleanup() error {
	s3c.chunks.close()
	return nil
}
