// Package integrity computes and verifies the SHA-256 digests stored in an
// asar header: a hash of the whole file plus one hash per fixed-size block.
//
// A digest always ends with the hash of the trailing partial block, which is
// empty when the size is a multiple of the block size. The number of block
// hashes is therefore size/blockSize + 1.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/beam-cloud/asar/pkg/common"
)

// Digester accumulates the whole-file and block hashes of everything written to it.
type Digester struct {
	blockSize uint32
	file      hash.Hash
	block     hash.Hash
	blockFill uint32
	blocks    []string
	size      int64
}

func NewDigester(blockSize uint32) *Digester {
	if blockSize == 0 {
		blockSize = common.DefaultBlockSize
	}
	return &Digester{
		blockSize: blockSize,
		file:      sha256.New(),
		block:     sha256.New(),
	}
}

func (d *Digester) Write(p []byte) (int, error) {
	n := len(p)
	d.size += int64(n)
	d.file.Write(p)

	for len(p) > 0 {
		chunk := int(d.blockSize - d.blockFill)
		if chunk > len(p) {
			chunk = len(p)
		}
		d.block.Write(p[:chunk])
		d.blockFill += uint32(chunk)
		p = p[chunk:]

		if d.blockFill == d.blockSize {
			d.blocks = append(d.blocks, hex.EncodeToString(d.block.Sum(nil)))
			d.block.Reset()
			d.blockFill = 0
		}
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (d *Digester) Size() int64 {
	return d.size
}

// Sum returns the digest of the bytes written so far. It does not change the
// state of the Digester.
func (d *Digester) Sum() *common.Integrity {
	blocks := make([]string, len(d.blocks), len(d.blocks)+1)
	copy(blocks, d.blocks)
	blocks = append(blocks, hex.EncodeToString(d.block.Sum(nil)))

	return &common.Integrity{
		Algorithm: common.IntegrityAlgorithmSHA256,
		Hash:      hex.EncodeToString(d.file.Sum(nil)),
		BlockSize: d.blockSize,
		Blocks:    blocks,
	}
}

// Digest reads r to EOF and returns its digest and length.
func Digest(r io.Reader, blockSize uint32) (*common.Integrity, int64, error) {
	d := NewDigester(blockSize)
	if _, err := io.Copy(d, r); err != nil {
		return nil, d.Size(), err
	}
	return d.Sum(), d.Size(), nil
}

// BlockCount returns the number of block hashes a digest of size bytes carries.
func BlockCount(size uint64, blockSize uint32) int {
	return int(size/uint64(blockSize)) + 1
}

// Placeholder returns a digest with zeroed hashes that encodes to the same
// length as the real digest of a file of the given size.
func Placeholder(size uint64, blockSize uint32) *common.Integrity {
	if blockSize == 0 {
		blockSize = common.DefaultBlockSize
	}
	zero := strings.Repeat("0", sha256.Size*2)
	blocks := make([]string, BlockCount(size, blockSize))
	for i := range blocks {
		blocks[i] = zero
	}
	return &common.Integrity{
		Algorithm: common.IntegrityAlgorithmSHA256,
		Hash:      zero,
		BlockSize: blockSize,
		Blocks:    blocks,
	}
}

// Validate checks that in describes a digest this package can verify.
func Validate(in *common.Integrity) error {
	if in == nil {
		return common.NewFormatError("missing integrity")
	}
	if in.Algorithm != common.IntegrityAlgorithmSHA256 {
		return common.NewFormatError("unsupported integrity algorithm %q", in.Algorithm)
	}
	if in.BlockSize == 0 {
		return common.NewFormatError("integrity block size is zero")
	}
	if len(in.Blocks) == 0 {
		return common.NewFormatError("integrity has no block hashes")
	}
	return nil
}
