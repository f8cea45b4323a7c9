package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/beam-cloud/asar/pkg/common"
)

type verifyingReader struct {
	r       io.Reader
	want    *common.Integrity
	path    string
	buf     []byte
	pending []byte
	file    hash.Hash
	block   int
	err     error
}

// NewVerifyingReader returns a reader that yields the bytes of r only after
// the block containing them has matched its recorded digest. size is the
// length recorded for the file; the buffer never exceeds one block or size+1
// bytes, whichever is smaller. The first mismatch is returned as a
// *common.IntegrityError naming path, and every later Read returns it again.
func NewVerifyingReader(r io.Reader, want *common.Integrity, size int64, path string) (io.Reader, error) {
	if err := Validate(want); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, common.NewFormatError("negative size %d for %s", size, path)
	}

	bufSize := int64(want.BlockSize)
	if size < bufSize {
		// One byte beyond size shows whether r holds more than recorded
		bufSize = size + 1
	}

	return &verifyingReader{
		r:    r,
		want: want,
		path: path,
		buf:  make([]byte, bufSize),
		file: sha256.New(),
	}, nil
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	for len(v.pending) == 0 {
		if v.err != nil {
			return 0, v.err
		}
		v.fill()
	}

	n := copy(p, v.pending)
	v.pending = v.pending[n:]
	return n, nil
}

func (v *verifyingReader) fill() {
	n, err := io.ReadFull(v.r, v.buf)
	final := false
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		final = true
	default:
		v.err = err
		return
	}

	data := v.buf[:n]
	if v.block >= len(v.want.Blocks) {
		v.err = &common.IntegrityError{
			Path:     v.path,
			Block:    v.block,
			Expected: fmt.Sprintf("%d blocks", len(v.want.Blocks)),
			Actual:   "more data",
		}
		return
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if expected := strings.ToLower(v.want.Blocks[v.block]); actual != expected {
		v.err = &common.IntegrityError{Path: v.path, Block: v.block, Expected: expected, Actual: actual}
		return
	}
	v.file.Write(data)
	v.block++

	if final {
		if v.block != len(v.want.Blocks) {
			v.err = &common.IntegrityError{
				Path:     v.path,
				Block:    -1,
				Expected: fmt.Sprintf("%d blocks", len(v.want.Blocks)),
				Actual:   fmt.Sprintf("%d blocks", v.block),
			}
			return
		}
		actual := hex.EncodeToString(v.file.Sum(nil))
		if expected := strings.ToLower(v.want.Hash); actual != expected {
			v.err = &common.IntegrityError{Path: v.path, Block: -1, Expected: expected, Actual: actual}
			return
		}
		v.err = io.EOF
	}

	v.pending = data
}

// VerifyBlock checks data against block index of want. data must be the
// whole block, which is shorter than the block size only for the last one.
func VerifyBlock(want *common.Integrity, path string, index int, data []byte) error {
	if index < 0 || index >= len(want.Blocks) {
		return &common.IntegrityError{
			Path:     path,
			Block:    index,
			Expected: fmt.Sprintf("%d blocks", len(want.Blocks)),
			Actual:   fmt.Sprintf("block %d", index),
		}
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if expected := strings.ToLower(want.Blocks[index]); actual != expected {
		return &common.IntegrityError{Path: path, Block: index, Expected: expected, Actual: actual}
	}
	return nil
}
