// Package archive reads and writes the framing at the start of an asar file:
//
//	[size pickle][header pickle][body]
//
// The size pickle carries a single uint32, the encoded length of the header
// pickle. The header pickle carries a single string, the JSON header text.
// File offsets in the header are relative to the first body byte.
package archive

import (
	"errors"
	"io"

	"github.com/beam-cloud/asar/pkg/common"
	"github.com/beam-cloud/asar/pkg/pickle"
)

// EncodePrefix returns the size pickle followed by the header pickle for root.
func EncodePrefix(root *common.Directory) ([]byte, error) {
	text, err := common.MarshalHeader(root)
	if err != nil {
		return nil, err
	}

	header, err := pickle.Encode(string(text))
	if err != nil {
		return nil, err
	}
	size, err := pickle.Encode(uint32(len(header)))
	if err != nil {
		return nil, err
	}

	return append(size, header...), nil
}

// ReadMetadata decodes the framing and header of an archive of the given
// total size. It does not check file extents against the body; see CheckBody.
func ReadMetadata(r io.ReaderAt, size int64) (*common.ArchiveMetadata, error) {
	sizeBuf := make([]byte, common.SizePickleLength)
	if err := readFull(r, sizeBuf, 0); err != nil {
		return nil, err
	}

	sizePickle, err := pickle.NewReader(sizeBuf)
	if err != nil {
		return nil, err
	}
	headerSize, err := sizePickle.ReadUInt32()
	if err != nil {
		return nil, err
	}
	if int64(headerSize) > size-common.SizePickleLength {
		return nil, common.NewFormatError("header size %d exceeds the %d bytes after the size pickle", headerSize, size-common.SizePickleLength)
	}

	headerBuf := make([]byte, headerSize)
	if err := readFull(r, headerBuf, common.SizePickleLength); err != nil {
		return nil, err
	}

	headerPickle, consumed, err := pickle.Decode(headerBuf)
	if err != nil {
		return nil, err
	}
	if consumed != int(headerSize) {
		return nil, common.NewFormatError("header pickle occupies %d bytes, size pickle declares %d", consumed, headerSize)
	}

	text, err := headerPickle.ReadString()
	if err != nil {
		return nil, err
	}

	root, err := common.UnmarshalHeader([]byte(text))
	if err != nil {
		return nil, err
	}

	return common.NewArchiveMetadata(root, headerSize), nil
}

// CheckBody verifies that every packed file lies within a body of bodySize bytes.
func CheckBody(metadata *common.ArchiveMetadata, bodySize int64) error {
	if bodySize < 0 {
		return common.NewFormatError("archive is shorter than its header")
	}
	for _, entry := range metadata.Files() {
		f := entry.Node.(*common.File)
		if f.Unpacked {
			continue
		}
		if f.Offset+f.Size > uint64(bodySize) {
			return common.NewFormatError("%s: extent [%d, %d) exceeds the %d byte body", entry.Path, f.Offset, f.Offset+f.Size, bodySize)
		}
	}
	return nil
}

func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return common.NewFormatError("archive truncated: wanted %d bytes at %d, got %d", len(buf), off, n)
	}
	return common.NewIOError("read", "archive", err)
}
