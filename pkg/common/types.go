package common

import (
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/tidwall/btree"
)

type NodeType string

const (
	DirNode     NodeType = "dir"
	FileNode    NodeType = "file"
	SymLinkNode NodeType = "symlink"
)

// Node is one entry of the archive header: a *File, *Directory or *Link.
type Node interface {
	Type() NodeType
}

// File is a regular file. Offset is a position in the archive body and is
// meaningless when Unpacked is set.
type File struct {
	Size       uint64
	Offset     uint64
	Executable bool
	Unpacked   bool
	Integrity  *Integrity
}

func (f *File) Type() NodeType { return FileNode }

// Mode returns the permission bits an extracted copy of f should carry.
func (f *File) Mode() os.FileMode {
	if f.Executable {
		return 0755
	}
	return 0644
}

type Link struct {
	Target string
}

func (l *Link) Type() NodeType { return SymLinkNode }

type DirEntry struct {
	Name string
	Node Node
}

// Directory keeps its entries in insertion order.
type Directory struct {
	entries []DirEntry
	names   map[string]int
}

func NewDirectory() *Directory {
	return &Directory{names: make(map[string]int)}
}

func (d *Directory) Type() NodeType { return DirNode }

// Add appends a child. It returns false if name is already present.
func (d *Directory) Add(name string, node Node) bool {
	if d.names == nil {
		d.names = make(map[string]int)
	}
	if _, exists := d.names[name]; exists {
		return false
	}
	d.names[name] = len(d.entries)
	d.entries = append(d.entries, DirEntry{Name: name, Node: node})
	return true
}

func (d *Directory) Child(name string) Node {
	i, ok := d.names[name]
	if !ok {
		return nil
	}
	return d.entries[i].Node
}

func (d *Directory) Entries() []DirEntry {
	return d.entries
}

func (d *Directory) Len() int {
	return len(d.entries)
}

type Integrity struct {
	Algorithm string   `json:"algorithm"`
	Hash      string   `json:"hash"`
	BlockSize uint32   `json:"blockSize"`
	Blocks    []string `json:"blocks"`
}

// WalkFunc is called for every node below the root. p is slash separated
// and relative to the root.
type WalkFunc func(p string, node Node) error

// Walk visits the tree depth-first, each directory before its children, in
// the order the entries appear in the tree.
func Walk(root *Directory, fn WalkFunc) error {
	return walkDir(root, "", fn)
}

func walkDir(dir *Directory, prefix string, fn WalkFunc) error {
	for _, e := range dir.entries {
		p := e.Name
		if prefix != "" {
			p = prefix + "/" + e.Name
		}
		if err := fn(p, e.Node); err != nil {
			return err
		}
		if sub, ok := e.Node.(*Directory); ok {
			if err := walkDir(sub, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// IndexEntry is a node of the archive together with its path and a stable
// inode number. The root directory has the path "".
type IndexEntry struct {
	Path string
	Ino  uint64
	Node Node
}

// Mode returns the full file mode (type and permission bits) of the entry.
func (e *IndexEntry) Mode() uint32 {
	switch n := e.Node.(type) {
	case *Directory:
		return syscall.S_IFDIR | 0755
	case *Link:
		return syscall.S_IFLNK | 0777
	case *File:
		return syscall.S_IFREG | uint32(n.Mode())
	}
	return 0
}

type ArchiveMetadata struct {
	// HeaderSize is the encoded length of the header pickle.
	HeaderSize uint32
	// BodyOffset is the absolute position of the first body byte.
	BodyOffset int64
	Root       *Directory
	Index      *btree.BTree
}

func NewArchiveMetadata(root *Directory, headerSize uint32) *ArchiveMetadata {
	m := &ArchiveMetadata{
		HeaderSize: headerSize,
		BodyOffset: int64(SizePickleLength) + int64(headerSize),
		Root:       root,
		Index:      newIndex(),
	}

	var ino uint64 = 1
	m.Index.Set(&IndexEntry{Path: "", Ino: ino, Node: root})
	Walk(root, func(p string, node Node) error {
		ino++
		m.Index.Set(&IndexEntry{Path: p, Ino: ino, Node: node})
		return nil
	})

	return m
}

func newIndex() *btree.BTree {
	compare := func(a, b interface{}) bool {
		return a.(*IndexEntry).Path < b.(*IndexEntry).Path
	}
	return btree.New(compare)
}

func (m *ArchiveMetadata) Get(p string) *IndexEntry {
	item := m.Index.Get(&IndexEntry{Path: cleanPath(p)})
	if item == nil {
		return nil
	}
	return item.(*IndexEntry)
}

func (m *ArchiveMetadata) Contains(p string) bool {
	return m.Get(p) != nil
}

// ListDirectory returns the entries directly inside the directory at p, in
// tree order. It returns nil if p is not a directory.
func (m *ArchiveMetadata) ListDirectory(p string) []*IndexEntry {
	dir := m.Get(p)
	if dir == nil {
		return nil
	}
	d, ok := dir.Node.(*Directory)
	if !ok {
		return nil
	}

	entries := make([]*IndexEntry, 0, d.Len())
	for _, e := range d.Entries() {
		child := m.Get(path.Join(dir.Path, e.Name))
		if child != nil {
			entries = append(entries, child)
		}
	}
	return entries
}

// Files returns every file entry in path order.
func (m *ArchiveMetadata) Files() []*IndexEntry {
	var files []*IndexEntry
	m.Index.Ascend(m.Index.Min(), func(a interface{}) bool {
		entry := a.(*IndexEntry)
		if entry.Node.Type() == FileNode {
			files = append(files, entry)
		}
		return true
	})
	return files
}

func cleanPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}
