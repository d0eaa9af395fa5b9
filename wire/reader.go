// Package wire provides a pair of cursor objects over a byte buffer
// supporting typed integer, boolean, and NUL-terminated string operations
// with bounds checking. The Writer grows its buffer as needed; the Reader
// never allocates and never advances its cursor on a failed read.
//
// This mirrors the original implementation's BufferReader/BufferWriter
// (src/buffer_rw.hpp), re-expressed in the teacher's encoding/binary style
// (core/codec/packet.go).
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/iacfabric/iac"
)

// Reader is a bounds-checked cursor over a fixed byte buffer.
type Reader struct {
	buf    []byte
	cursor int
}

// NewReader wraps buf for sequential reads. buf is not copied; the caller
// must keep it alive and unmodified for the Reader's lifetime.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of bytes left to read.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.cursor
}

// Bool reports true if at least one byte remains (matches the source's
// `explicit operator bool()`).
func (r *Reader) Bool() bool {
	return r.Remaining() > 0
}

func (r *Reader) canRead(n int) bool {
	return r.cursor+n <= len(r.buf)
}

// Uint8 reads one little-endian byte.
func (r *Reader) Uint8() (uint8, error) {
	if !r.canRead(1) {
		return 0, iac.ErrReaderOutOfBounds
	}
	v := r.buf[r.cursor]
	r.cursor++
	return v, nil
}

// Uint16 reads two little-endian bytes.
func (r *Reader) Uint16() (uint16, error) {
	if !r.canRead(2) {
		return 0, iac.ErrReaderOutOfBounds
	}
	v := binary.LittleEndian.Uint16(r.buf[r.cursor:])
	r.cursor += 2
	return v, nil
}

// Uint32 reads four little-endian bytes.
func (r *Reader) Uint32() (uint32, error) {
	if !r.canRead(4) {
		return 0, iac.ErrReaderOutOfBounds
	}
	v := binary.LittleEndian.Uint32(r.buf[r.cursor:])
	r.cursor += 4
	return v, nil
}

// Boolean reads one byte and reports whether it is nonzero.
func (r *Reader) Boolean() (bool, error) {
	v, err := r.Uint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Str reads bytes up to and including the next NUL and returns the string
// without the terminator. Fails without advancing the cursor if no NUL is
// found before the end of the buffer.
func (r *Reader) Str() (string, error) {
	rest := r.buf[r.cursor:]
	idx := bytes.IndexByte(rest, 0)
	if idx < 0 {
		return "", iac.ErrReaderOutOfBounds
	}
	s := string(rest[:idx])
	r.cursor += idx + 1
	return s, nil
}

// Bytes reads exactly n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if !r.canRead(n) {
		return nil, iac.ErrReaderOutOfBounds
	}
	v := r.buf[r.cursor : r.cursor+n]
	r.cursor += n
	return v, nil
}
