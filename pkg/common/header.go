package common

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type fileJSON struct {
	Size       uint64     `json:"size"`
	Offset     string     `json:"offset,omitempty"`
	Executable bool       `json:"executable,omitempty"`
	Unpacked   bool       `json:"unpacked,omitempty"`
	Integrity  *Integrity `json:"integrity,omitempty"`
}

type linkJSON struct {
	Link string `json:"link"`
}

// nodeJSON is the union of every key a header object may carry. Pointer
// fields tell apart a missing key from a zero value.
type nodeJSON struct {
	Files      json.RawMessage `json:"files"`
	Link       *string         `json:"link"`
	Size       *uint64         `json:"size"`
	Offset     *string         `json:"offset"`
	Executable bool            `json:"executable"`
	Unpacked   bool            `json:"unpacked"`
	Integrity  *Integrity      `json:"integrity"`
}

// MarshalHeader serializes the tree rooted at root into header text.
// Entries are emitted in tree order, so equal trees give equal bytes.
func MarshalHeader(root *Directory) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeDirectory(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeDirectory(buf *bytes.Buffer, dir *Directory) error {
	buf.WriteString(`{"files":{`)
	for i, e := range dir.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSON(buf, e.Name); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeNode(buf, e.Node); err != nil {
			return err
		}
	}
	buf.WriteString(`}}`)
	return nil
}

func writeNode(buf *bytes.Buffer, node Node) error {
	switch n := node.(type) {
	case *Directory:
		return writeDirectory(buf, n)
	case *Link:
		return writeJSON(buf, linkJSON{Link: n.Target})
	case *File:
		out := fileJSON{
			Size:       n.Size,
			Executable: n.Executable,
			Unpacked:   n.Unpacked,
			Integrity:  n.Integrity,
		}
		if !n.Unpacked {
			out.Offset = strconv.FormatUint(n.Offset, 10)
		}
		return writeJSON(buf, out)
	}
	return NewFormatError("unsupported node type %T", node)
}

// writeJSON encodes v without HTML escaping, matching the header text
// produced by other asar implementations.
func writeJSON(buf *bytes.Buffer, v interface{}) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// UnmarshalHeader parses header text into a tree. Entry order is kept as it
// appears in the text.
func UnmarshalHeader(text []byte) (*Directory, error) {
	node, err := decodeNode(text)
	if err != nil {
		return nil, err
	}
	root, ok := node.(*Directory)
	if !ok {
		return nil, NewFormatError("header root is a %s, not a directory", node.Type())
	}
	return root, nil
}

func decodeNode(raw []byte) (Node, error) {
	var n nodeJSON
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, NewFormatError("invalid header entry: %v", err)
	}

	switch {
	case n.Files != nil:
		return decodeDirectory(n.Files)
	case n.Link != nil:
		return &Link{Target: *n.Link}, nil
	case n.Size != nil || n.Offset != nil:
		return decodeFile(&n)
	}
	return nil, NewFormatError("header entry has none of size, offset, files or link: %s", truncate(raw))
}

func decodeFile(n *nodeJSON) (*File, error) {
	if n.Size == nil {
		return nil, NewFormatError("file entry without size")
	}

	f := &File{
		Size:       *n.Size,
		Executable: n.Executable,
		Unpacked:   n.Unpacked,
		Integrity:  n.Integrity,
	}
	if f.Unpacked {
		return f, nil
	}

	if n.Offset == nil {
		return nil, NewFormatError("packed file entry without offset")
	}
	offset, err := strconv.ParseUint(*n.Offset, 10, 64)
	if err != nil {
		return nil, NewFormatError("invalid offset %q", *n.Offset)
	}
	if offset+f.Size < offset {
		return nil, NewFormatError("offset %d with size %d overflows", offset, f.Size)
	}
	f.Offset = offset
	return f, nil
}

func decodeDirectory(raw json.RawMessage) (*Directory, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, NewFormatError("invalid directory entry: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, NewFormatError("directory files is not an object")
	}

	dir := NewDirectory()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, NewFormatError("invalid directory entry: %v", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, NewFormatError("invalid entry name %v", tok)
		}
		if err := validateName(name); err != nil {
			return nil, err
		}

		var child json.RawMessage
		if err := dec.Decode(&child); err != nil {
			return nil, NewFormatError("invalid entry %q: %v", name, err)
		}
		node, err := decodeNode(child)
		if err != nil {
			return nil, err
		}
		if !dir.Add(name, node) {
			return nil, NewFormatError("duplicate entry %q", name)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, NewFormatError("invalid directory entry: %v", err)
	}
	return dir, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return NewFormatError("invalid entry name %q", name)
	}
	return nil
}

func truncate(raw []byte) string {
	const max = 64
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
