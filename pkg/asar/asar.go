package asar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the logging verbosity of the library.
// Valid levels: "debug", "info", "warn", "error", "disabled"
// Use "debug" to see per-file pack, extract and read logs
// Use "info" for high-level operation logs (default)
// Use "disabled" to suppress all logs
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error, disabled", level)
	}
	return nil
}

type CreateOptions struct {
	SourcePath  string
	ArchivePath string
	// Unpack and UnpackDir are glob patterns; see UnpackRule.
	Unpack    string
	UnpackDir string
	Integrity bool
	BlockSize uint32
	Workers   int
	Verbose   bool
}

type ExtractOptions struct {
	ArchivePath     string
	OutputPath      string
	VerifyIntegrity bool
	Verbose         bool
}

type MountOptions struct {
	ArchivePath     string
	MountPoint      string
	VerifyIntegrity bool
	// S3 or HTTP, when set, serve the archive remotely instead of from ArchivePath.
	S3   *storage.S3StorageOpts
	HTTP *storage.HTTPStorageOpts
}

type StoreS3Options struct {
	ArchivePath    string
	Bucket         string
	Key            string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	Credentials    storage.S3StorageCredentials
	ProgressChan   chan<- int
}

// CreatePackage packs a directory into an archive
func CreatePackage(ctx context.Context, options CreateOptions) error {
	log.Info().Msgf("creating archive from %s to %s", options.SourcePath, options.ArchivePath)
	defer recordOperation("pack", time.Now())

	a := NewAsarArchiver()
	err := a.Create(ctx, AsarArchiverOptions{
		SourcePath:  options.SourcePath,
		ArchivePath: options.ArchivePath,
		Unpack:      UnpackRule{Unpack: options.Unpack, UnpackDir: options.UnpackDir},
		Integrity:   options.Integrity,
		BlockSize:   options.BlockSize,
		Workers:     options.Workers,
		Verbose:     options.Verbose,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("archive created successfully")
	return nil
}

// ExtractAll extracts a local archive
func ExtractAll(ctx context.Context, options ExtractOptions) error {
	log.Info().Msgf("extracting archive: %s", options.ArchivePath)
	defer recordOperation("extract", time.Now())

	a := NewAsarArchiver()
	err := a.Extract(ctx, AsarArchiverOptions{
		ArchivePath:     options.ArchivePath,
		OutputPath:      options.OutputPath,
		VerifyIntegrity: options.VerifyIntegrity,
		Verbose:         options.Verbose,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("archive extracted successfully")
	return nil
}

// ExtractFromStorage extracts an archive served by s, such as one held in S3
func ExtractFromStorage(ctx context.Context, s storage.ArchiveStorage, options ExtractOptions) error {
	log.Info().Msgf("extracting archive to %s", options.OutputPath)
	defer recordOperation("extract", time.Now())

	a := NewAsarArchiver()
	err := a.ExtractFromStorage(ctx, s, AsarArchiverOptions{
		ArchivePath:     options.ArchivePath,
		OutputPath:      options.OutputPath,
		VerifyIntegrity: options.VerifyIntegrity,
		Verbose:         options.Verbose,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("archive extracted successfully")
	return nil
}

// List returns every path in the archive, parents before children
func List(archivePath string) ([]string, error) {
	return NewAsarArchiver().List(archivePath)
}

// Contains reports whether the archive has an entry at the given path
func Contains(archivePath string, entry string) (bool, error) {
	metadata, err := NewAsarArchiver().ExtractMetadata(archivePath)
	if err != nil {
		return false, err
	}
	return metadata.Contains(entry), nil
}

// Mount an archive to a directory
func MountArchive(options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Msgf("mounting archive %s to %s", options.ArchivePath, options.MountPoint)

	if _, err := os.Stat(options.MountPoint); os.IsNotExist(err) {
		err = os.MkdirAll(options.MountPoint, 0755)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create mount point directory: %w", err)
		}
	}

	mounted, err := mountinfo.Mounted(options.MountPoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to check mount point: %w", err)
	}
	if mounted {
		return nil, nil, nil, fmt.Errorf("%s is already a mount point", options.MountPoint)
	}

	s, err := storage.NewArchiveStorage(storage.ArchiveStorageOpts{
		ArchivePath: options.ArchivePath,
		S3:          options.S3,
		HTTP:        options.HTTP,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not load storage: %w", err)
	}

	modTime := time.Now()
	if fi, err := os.Stat(options.ArchivePath); err == nil {
		modTime = fi.ModTime()
	}

	asarfs, err := NewFileSystem(s, AsarFileSystemOpts{
		VerifyIntegrity: options.VerifyIntegrity,
		ModTime:         modTime,
	})
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create filesystem: %w", err)
	}

	root, _ := asarfs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), options.MountPoint, &fuse.MountOptions{
		FsName:               fsName(options),
		Name:                 "asar",
		MaxBackground:        512,
		DisableXAttrs:        true,
		EnableSymlinkCaching: true,
		SyncRead:             false,
		RememberInodes:       true,
		MaxReadAhead:         1024 * 128, // 128KB
	})
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create server: %w", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			s.Cleanup()

			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, server, nil
}

func fsName(options MountOptions) string {
	switch {
	case options.S3 != nil:
		return "s3://" + options.S3.Bucket + "/" + options.S3.Key
	case options.HTTP != nil:
		return options.HTTP.URL
	}
	return filepath.Base(options.ArchivePath)
}

// StoreS3 uploads an archive and its unpacked files to S3
func StoreS3(ctx context.Context, options StoreS3Options) error {
	log.Info().Msg("uploading archive")
	defer recordOperation("store", time.Now())

	region := options.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	// If no key is provided, use the base name of the input archive as key
	if options.Key == "" {
		options.Key = filepath.Base(options.ArchivePath)
	}

	err := storage.Upload(ctx, options.ArchivePath, storage.S3StorageOpts{
		Bucket:         options.Bucket,
		Key:            options.Key,
		Region:         region,
		Endpoint:       options.Endpoint,
		ForcePathStyle: options.ForcePathStyle,
		AccessKey:      options.Credentials.AccessKey,
		SecretKey:      options.Credentials.SecretKey,
	}, options.ProgressChan)
	if err != nil {
		return err
	}

	log.Info().Msg("done uploading archive")
	return nil
}
