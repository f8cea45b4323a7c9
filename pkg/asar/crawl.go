package asar

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"unicode/utf8"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	log "github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// UnpackRule selects files that stay on disk beside the archive instead of
// being written into its body. Unpack is matched against each file's
// slash-separated relative path and its base name. UnpackDir is matched the
// same way against every ancestor directory; a match unpacks everything below
// it. Empty patterns match nothing.
type UnpackRule struct {
	Unpack    string
	UnpackDir string
}

type unpackMatcher struct {
	file glob.Glob
	dir  glob.Glob
}

func (r UnpackRule) compile() (*unpackMatcher, error) {
	m := &unpackMatcher{}
	if r.Unpack != "" {
		g, err := glob.Compile(r.Unpack, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid unpack pattern %q: %w", r.Unpack, err)
		}
		m.file = g
	}
	if r.UnpackDir != "" {
		g, err := glob.Compile(r.UnpackDir, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid unpack-dir pattern %q: %w", r.UnpackDir, err)
		}
		m.dir = g
	}
	return m, nil
}

func matches(g glob.Glob, rel string) bool {
	return g != nil && (g.Match(rel) || g.Match(path.Base(rel)))
}

func (m *unpackMatcher) unpacked(rel string) bool {
	if m == nil {
		return false
	}
	if matches(m.file, rel) {
		return true
	}
	if m.dir == nil {
		return false
	}
	for dir := path.Dir(rel); dir != "."; dir = path.Dir(dir) {
		if matches(m.dir, dir) {
			return true
		}
	}
	return false
}

// crawledFile ties a file node to the source it is read from.
type crawledFile struct {
	SourcePath string
	RelPath    string
	File       *common.File
}

type crawlResult struct {
	Root *common.Directory
	// Files is in body order: each directory's files before its subdirectories.
	Files []*crawledFile
}

// crawl builds the archive tree for sourcePath. Entries are added in name
// order and symbolic links are recorded, never followed. Device files,
// fifos and sockets are skipped.
func crawl(ctx context.Context, sourcePath string, matcher *unpackMatcher) (*crawlResult, error) {
	var rootStat unix.Stat_t
	if err := unix.Lstat(sourcePath, &rootStat); err != nil {
		return nil, common.NewIOError("lstat", sourcePath, err)
	}
	if rootStat.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, common.NewIOError("crawl", sourcePath, syscall.ENOTDIR)
	}

	root := common.NewDirectory()
	dirs := map[string]*common.Directory{".": root}
	sources := make(map[*common.File]*crawledFile)

	err := godirwalk.Walk(sourcePath, &godirwalk.Options{
		Callback: func(p string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(sourcePath, p)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			name := path.Base(rel)
			if !utf8.ValidString(name) {
				return common.NewFormatError("entry name %q is not valid UTF-8", p)
			}

			parent, ok := dirs[path.Dir(rel)]
			if !ok {
				return fmt.Errorf("parent of %s was not visited", p)
			}

			var stat unix.Stat_t
			if err := unix.Lstat(p, &stat); err != nil {
				return common.NewIOError("lstat", p, err)
			}

			var node common.Node
			switch stat.Mode & unix.S_IFMT {
			case unix.S_IFDIR:
				d := common.NewDirectory()
				dirs[rel] = d
				node = d
			case unix.S_IFLNK:
				target, err := os.Readlink(p)
				if err != nil {
					return common.NewIOError("readlink", p, err)
				}
				node = &common.Link{Target: target}
			case unix.S_IFREG:
				f := &common.File{
					Size:       uint64(stat.Size),
					Executable: stat.Mode&unix.S_IXUSR != 0,
					Unpacked:   matcher.unpacked(rel),
				}
				sources[f] = &crawledFile{SourcePath: p, RelPath: rel, File: f}
				node = f
			default:
				log.Info().Msgf("skipping special file: %s", p)
				return nil
			}

			parent.Add(name, node)
			return nil
		},
		Unsorted: false,
	})
	if err != nil {
		return nil, err
	}

	return &crawlResult{Root: root, Files: bodyOrder(root, sources)}, nil
}

// bodyOrder lists the files of dir with its own files first, then the files
// of each subdirectory in turn.
func bodyOrder(dir *common.Directory, sources map[*common.File]*crawledFile) []*crawledFile {
	var files []*crawledFile
	for _, e := range dir.Entries() {
		if f, ok := e.Node.(*common.File); ok {
			files = append(files, sources[f])
		}
	}
	for _, e := range dir.Entries() {
		if sub, ok := e.Node.(*common.Directory); ok {
			files = append(files, bodyOrder(sub, sources)...)
		}
	}
	return files
}
