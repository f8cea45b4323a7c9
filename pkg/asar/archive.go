package asar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/beam-cloud/asar/pkg/archive"
	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/integrity"
	"github.com/beam-cloud/asar/pkg/metrics"
	"github.com/beam-cloud/asar/pkg/storage"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type AsarArchiverOptions struct {
	Verbose     bool
	SourcePath  string
	ArchivePath string
	OutputPath  string

	Unpack UnpackRule
	// Integrity records SHA-256 digests for every file.
	Integrity bool
	BlockSize uint32
	// Workers bounds the number of files copied at once. Zero means one per CPU.
	Workers int

	// VerifyIntegrity checks packed files against their digests on extraction.
	VerifyIntegrity bool
}

type AsarArchiver struct {
}

func NewAsarArchiver() *AsarArchiver {
	return &AsarArchiver{}
}

// Create packs opts.SourcePath into opts.ArchivePath. The archive is written
// to a temporary file beside the destination and renamed into place only
// after every byte and the final header are on disk.
func (aa *AsarArchiver) Create(ctx context.Context, opts AsarArchiverOptions) error {
	matcher, err := opts.Unpack.compile()
	if err != nil {
		return err
	}

	crawled, err := crawl(ctx, opts.SourcePath, matcher)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("pack cancelled: %w", err)
		}
		return err
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = common.DefaultBlockSize
	}

	// Offsets are fixed before any byte is copied
	var bodySize uint64
	var unpackedCount int
	for _, f := range crawled.Files {
		if opts.Integrity {
			f.File.Integrity = integrity.Placeholder(f.File.Size, blockSize)
		}
		if f.File.Unpacked {
			unpackedCount++
			continue
		}
		f.File.Offset = bodySize
		bodySize += f.File.Size
	}

	prefix, err := archive.EncodePrefix(crawled.Root)
	if err != nil {
		return err
	}

	lockPath := fmt.Sprintf("%s.lock", opts.ArchivePath)
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return common.NewIOError("lock", lockPath, err)
	}
	if !locked {
		return common.NewIOError("lock", opts.ArchivePath, common.ErrArchiveLocked)
	}
	// The lock file stays behind: removing it while held would let the next
	// two packers lock different inodes
	defer fileLock.Unlock()

	suffix := uuid.New().String()[:6]
	tmpPath := fmt.Sprintf("%s.%s.tmp", opts.ArchivePath, suffix)
	outFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return common.NewIOError("create", tmpPath, err)
	}

	var stagingDir string
	committed := false
	defer func() {
		if committed {
			return
		}
		outFile.Close()
		os.Remove(tmpPath)
		if stagingDir != "" {
			os.RemoveAll(stagingDir)
		}
	}()

	if unpackedCount > 0 {
		stagingDir = fmt.Sprintf("%s.%s.tmp", common.UnpackedDir(opts.ArchivePath), suffix)
		if err := os.Mkdir(stagingDir, 0755); err != nil {
			return common.NewIOError("mkdir", stagingDir, err)
		}
	}

	// Write placeholder header and size the file to its final length
	if _, err := outFile.WriteAt(prefix, 0); err != nil {
		return common.NewIOError("write", tmpPath, err)
	}
	if err := outFile.Truncate(int64(len(prefix)) + int64(bodySize)); err != nil {
		return common.NewIOError("truncate", tmpPath, err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, f := range crawled.Files {
		if gctx.Err() != nil {
			break
		}
		f := f
		g.Go(func() error {
			return aa.packFile(f, outFile, int64(len(prefix)), stagingDir, blockSize, opts)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pack cancelled: %w", err)
	}

	// Replace placeholder digests with the real ones
	finalPrefix, err := archive.EncodePrefix(crawled.Root)
	if err != nil {
		return err
	}
	if len(finalPrefix) != len(prefix) {
		return fmt.Errorf("header length changed from %d to %d bytes after digesting", len(prefix), len(finalPrefix))
	}
	if _, err := outFile.WriteAt(finalPrefix, 0); err != nil {
		return common.NewIOError("write", tmpPath, err)
	}

	if err := outFile.Sync(); err != nil {
		return common.NewIOError("sync", tmpPath, err)
	}
	if err := outFile.Close(); err != nil {
		return common.NewIOError("close", tmpPath, err)
	}

	if err := commit(tmpPath, stagingDir, opts.ArchivePath, suffix); err != nil {
		return err
	}
	committed = true

	log.Info().Msgf("packed %d files (%d unpacked) into %s, body %d bytes", len(crawled.Files), unpackedCount, opts.ArchivePath, bodySize)
	return nil
}

// commit moves the packed archive and, when present, its staged unpacked
// directory into place. The previous unpacked directory is kept aside until
// the archive rename succeeds and is restored if it does not.
func commit(tmpPath, stagingDir, archivePath, suffix string) error {
	if stagingDir == "" {
		if err := os.Rename(tmpPath, archivePath); err != nil {
			return common.NewIOError("rename", tmpPath, err)
		}
		return nil
	}

	unpackedDir := common.UnpackedDir(archivePath)
	asideDir := fmt.Sprintf("%s.%s.old", unpackedDir, suffix)

	hadPrevious := true
	if err := os.Rename(unpackedDir, asideDir); err != nil {
		if !os.IsNotExist(err) {
			return common.NewIOError("rename", unpackedDir, err)
		}
		hadPrevious = false
	}

	restore := func() {
		if !hadPrevious {
			return
		}
		os.RemoveAll(unpackedDir)
		if err := os.Rename(asideDir, unpackedDir); err != nil {
			log.Error().Err(err).Str("path", asideDir).Msg("could not restore previous unpacked directory")
		}
	}

	if err := os.Rename(stagingDir, unpackedDir); err != nil {
		restore()
		return common.NewIOError("rename", stagingDir, err)
	}
	if err := renameArchive(tmpPath, archivePath); err != nil {
		os.RemoveAll(unpackedDir)
		restore()
		return common.NewIOError("rename", tmpPath, err)
	}

	if hadPrevious {
		if err := os.RemoveAll(asideDir); err != nil {
			log.Warn().Err(err).Str("path", asideDir).Msg("could not remove previous unpacked directory")
		}
	}
	return nil
}

var renameArchive = os.Rename

// packFile copies one source file to its body offset, or into the staging
// directory when unpacked, digesting the bytes as they are copied.
func (aa *AsarArchiver) packFile(f *crawledFile, outFile *os.File, bodyOffset int64, stagingDir string, blockSize uint32, opts AsarArchiverOptions) error {
	if opts.Verbose {
		log.Info().Msgf("Archiving... %s", f.RelPath)
	} else {
		log.Debug().Str("path", f.RelPath).Bool("unpacked", f.File.Unpacked).Msg("packing file")
	}

	src, err := os.Open(f.SourcePath)
	if err != nil {
		return common.NewIOError("open", f.SourcePath, err)
	}
	defer src.Close()

	var dst io.Writer
	if f.File.Unpacked {
		target := filepath.Join(stagingDir, filepath.FromSlash(f.RelPath))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return common.NewIOError("mkdir", filepath.Dir(target), err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.File.Mode())
		if err != nil {
			return common.NewIOError("create", target, err)
		}
		defer out.Close()
		if err := out.Chmod(f.File.Mode()); err != nil {
			return common.NewIOError("chmod", target, err)
		}
		dst = out
	} else {
		dst = io.NewOffsetWriter(outFile, bodyOffset+int64(f.File.Offset))
	}

	digester := integrity.NewDigester(blockSize)
	if _, err := io.CopyN(io.MultiWriter(dst, digester), src, int64(f.File.Size)); err != nil {
		if errors.Is(err, io.EOF) {
			return common.NewIOError("read", f.SourcePath, common.ErrSourceModified)
		}
		return common.NewIOError("copy", f.SourcePath, err)
	}

	// A file that grew since it was crawled no longer matches its header size
	var extra [1]byte
	if n, _ := src.Read(extra[:]); n > 0 {
		return common.NewIOError("read", f.SourcePath, common.ErrSourceModified)
	}

	if opts.Integrity {
		f.File.Integrity = digester.Sum()
	}
	metrics.RecordPackedFile(int64(f.File.Size), f.File.Unpacked)
	return nil
}

// ExtractMetadata reads the framing and header of a local archive.
func (aa *AsarArchiver) ExtractMetadata(archivePath string) (*common.ArchiveMetadata, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, common.NewIOError("open", archivePath, err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, common.NewIOError("stat", archivePath, err)
	}

	metadata, err := archive.ReadMetadata(file, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archivePath, err)
	}
	return metadata, nil
}

// Extract materializes the archive at opts.ArchivePath under opts.OutputPath.
func (aa *AsarArchiver) Extract(ctx context.Context, opts AsarArchiverOptions) error {
	s, err := storage.NewLocalStorage(nil, storage.LocalStorageOpts{
		ArchivePath: opts.ArchivePath,
	})
	if err != nil {
		return err
	}
	defer s.Cleanup()

	return aa.ExtractFromStorage(ctx, s, opts)
}

// sizedStorage is implemented by backends that know the archive length.
type sizedStorage interface {
	Size() (int64, error)
}

type pendingLink struct {
	path   string
	target string
}

// ExtractFromStorage materializes every entry of s under opts.OutputPath:
// directories before their contents, files as they are reached, and links
// after all files. Entries already present at a destination are replaced.
func (aa *AsarArchiver) ExtractFromStorage(ctx context.Context, s storage.ArchiveStorage, opts AsarArchiverOptions) error {
	metadata := s.Metadata()

	if sized, ok := s.(sizedStorage); ok {
		size, err := sized.Size()
		if err != nil {
			return err
		}
		if err := archive.CheckBody(metadata, size-metadata.BodyOffset); err != nil {
			return fmt.Errorf("%s: %w", opts.ArchivePath, err)
		}
	}

	if err := os.MkdirAll(opts.OutputPath, 0755); err != nil {
		return common.NewIOError("mkdir", opts.OutputPath, err)
	}

	var links []pendingLink
	err := common.Walk(metadata.Root, func(p string, node common.Node) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extract cancelled: %w", err)
		}

		if opts.Verbose {
			log.Info().Msgf("Extracting... %s", p)
		}

		target := filepath.Join(opts.OutputPath, filepath.FromSlash(p))
		switch n := node.(type) {
		case *common.Directory:
			return ensureDir(target)
		case *common.Link:
			links = append(links, pendingLink{path: target, target: n.Target})
			return nil
		case *common.File:
			return aa.extractFile(s, metadata.Get(p), target, opts.VerifyIntegrity)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("extract cancelled: %w", err)
		}
		if err := removeExisting(l.path); err != nil {
			return err
		}
		if err := os.Symlink(l.target, l.path); err != nil {
			return common.NewIOError("symlink", l.path, err)
		}
	}

	return nil
}

func (aa *AsarArchiver) extractFile(s storage.ArchiveStorage, entry *common.IndexEntry, target string, verify bool) error {
	f := entry.Node.(*common.File)

	if err := removeExisting(target); err != nil {
		return err
	}

	outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, f.Mode())
	if err != nil {
		return common.NewIOError("create", target, err)
	}

	var r io.Reader = storage.NewEntryReader(s, entry)
	verified := false
	if verify && !f.Unpacked && f.Integrity != nil {
		r, err = integrity.NewVerifyingReader(r, f.Integrity, int64(f.Size), entry.Path)
		if err != nil {
			outFile.Close()
			os.Remove(target)
			return fmt.Errorf("%s: %w", entry.Path, err)
		}
		verified = true
	}

	n, err := io.Copy(outFile, r)
	if err == nil && uint64(n) != f.Size {
		err = common.NewIOError("read", entry.Path, io.ErrUnexpectedEOF)
	}
	if err != nil {
		outFile.Close()
		os.Remove(target)
		if errors.Is(err, common.ErrIntegrity) {
			metrics.RecordIntegrityError(entry.Path)
			return err
		}
		return common.NewIOError("write", target, err)
	}

	if err := outFile.Close(); err != nil {
		return common.NewIOError("close", target, err)
	}
	// The umask may have masked the requested bits
	if err := os.Chmod(target, f.Mode()); err != nil {
		return common.NewIOError("chmod", target, err)
	}

	metrics.RecordExtractedFile(int64(f.Size), verified)
	return nil
}

// ensureDir creates dir, replacing anything at that path that is not a real
// directory so that no write goes through a pre-existing symlink.
func ensureDir(dir string) error {
	fi, err := os.Lstat(dir)
	if err == nil && fi.IsDir() {
		return nil
	}
	if err == nil {
		if err := os.Remove(dir); err != nil {
			return common.NewIOError("remove", dir, err)
		}
	} else if !os.IsNotExist(err) {
		return common.NewIOError("lstat", dir, err)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return common.NewIOError("mkdir", dir, err)
	}
	return nil
}

func removeExisting(p string) error {
	fi, err := os.Lstat(p)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return common.NewIOError("lstat", p, err)
	}
	if fi.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil {
		return common.NewIOError("remove", p, err)
	}
	return nil
}

// List returns every path in the archive, parents before children.
func (aa *AsarArchiver) List(archivePath string) ([]string, error) {
	metadata, err := aa.ExtractMetadata(archivePath)
	if err != nil {
		return nil, err
	}

	var paths []string
	common.Walk(metadata.Root, func(p string, node common.Node) error {
		paths = append(paths, p)
		return nil
	})
	return paths, nil
}

func recordOperation(name string, start time.Time) {
	metrics.RecordOperation(name, time.Since(start))
}
