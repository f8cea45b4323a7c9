package common

import (
	"errors"
	"fmt"
)

var (
	ErrFormat    = errors.New("malformed archive")
	ErrIntegrity = errors.New("integrity check failed")
	ErrIO        = errors.New("archive i/o failure")

	ErrArchiveLocked  = errors.New("archive is locked by another writer")
	ErrSourceModified = errors.New("source file changed while packing")
)

// FormatError reports malformed framing, header text or offsets.
type FormatError struct {
	Reason string
}

func NewFormatError(format string, args ...interface{}) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", ErrFormat, e.Reason)
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormat
}

// IntegrityError reports a digest mismatch for a single archive entry.
// Block is the index of the failing block, or -1 when the whole-file hash
// or the block count did not match.
type IntegrityError struct {
	Path     string
	Block    int
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Block < 0 {
		return fmt.Sprintf("%s: %s: expected %s, got %s", ErrIntegrity, e.Path, e.Expected, e.Actual)
	}
	return fmt.Sprintf("%s: %s: block %d: expected %s, got %s", ErrIntegrity, e.Path, e.Block, e.Expected, e.Actual)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// IOError carries the path an I/O operation failed on.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func NewIOError(op, path string, err error) error {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}
