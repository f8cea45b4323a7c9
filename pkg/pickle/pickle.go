// Package pickle implements the length-framed binary encoding used for the
// header blocks of an asar archive.
//
// A pickle is a little-endian uint32 payload size followed by the payload.
// The payload is zero padded to a multiple of 4 bytes. Strings are written as
// a uint32 byte length, the UTF-8 bytes and zero padding to the next 4-byte
// boundary; uint32 values are written as 4 raw bytes.
package pickle

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/beam-cloud/asar/pkg/common"
)

const sizeOfUint32 = 4

func align(n int) int {
	return (n + sizeOfUint32 - 1) &^ (sizeOfUint32 - 1)
}

type Writer struct {
	payload []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteUInt32(v uint32) {
	w.payload = binary.LittleEndian.AppendUint32(w.payload, v)
}

func (w *Writer) WriteString(s string) {
	w.WriteUInt32(uint32(len(s)))
	w.payload = append(w.payload, s...)
	for len(w.payload)%sizeOfUint32 != 0 {
		w.payload = append(w.payload, 0)
	}
}

// Bytes returns the framed pickle: payload size followed by the payload.
func (w *Writer) Bytes() []byte {
	buf := make([]byte, sizeOfUint32, sizeOfUint32+len(w.payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(w.payload)))
	return append(buf, w.payload...)
}

// Encode frames values, which must be uint32 or string, into a single pickle.
func Encode(values ...interface{}) ([]byte, error) {
	w := NewWriter()
	for _, v := range values {
		switch v := v.(type) {
		case uint32:
			w.WriteUInt32(v)
		case string:
			w.WriteString(v)
		default:
			return nil, fmt.Errorf("pickle: unsupported value type %T", v)
		}
	}
	return w.Bytes(), nil
}

type Reader struct {
	payload []byte
	pos     int
}

// NewReader validates the framing at the start of buf. Bytes past the end of
// the pickle are ignored.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) < sizeOfUint32 {
		return nil, common.NewFormatError("pickle: %d bytes is too short for a size field", len(buf))
	}

	size := binary.LittleEndian.Uint32(buf)
	if uint64(size) > uint64(len(buf)-sizeOfUint32) {
		return nil, common.NewFormatError("pickle: declared payload size %d exceeds the %d available bytes", size, len(buf)-sizeOfUint32)
	}
	if size%sizeOfUint32 != 0 {
		return nil, common.NewFormatError("pickle: payload size %d is not a multiple of %d", size, sizeOfUint32)
	}

	return &Reader{payload: buf[sizeOfUint32 : sizeOfUint32+int(size)]}, nil
}

// Decode is NewReader that also reports how many bytes of buf the pickle occupies.
func Decode(buf []byte) (*Reader, int, error) {
	r, err := NewReader(buf)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Consumed(), nil
}

// Consumed returns the encoded length of the pickle, size field included.
func (r *Reader) Consumed() int {
	return sizeOfUint32 + len(r.payload)
}

func (r *Reader) ReadUInt32() (uint32, error) {
	if len(r.payload)-r.pos < sizeOfUint32 {
		return 0, common.NewFormatError("pickle: uint32 at %d is out of bounds", r.pos)
	}
	v := binary.LittleEndian.Uint32(r.payload[r.pos:])
	r.pos += sizeOfUint32
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	start := r.pos
	length, err := r.ReadUInt32()
	if err != nil {
		return "", err
	}
	if uint64(length) > uint64(len(r.payload)-r.pos) {
		r.pos = start
		return "", common.NewFormatError("pickle: string of %d bytes at %d is out of bounds", length, start)
	}

	b := r.payload[r.pos : r.pos+int(length)]
	if !utf8.Valid(b) {
		r.pos = start
		return "", common.NewFormatError("pickle: string at %d is not valid UTF-8", start)
	}
	r.pos = align(r.pos + int(length))
	return string(b), nil
}
