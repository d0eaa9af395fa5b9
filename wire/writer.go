package wire

import (
	"encoding/binary"

	"github.com/iacfabric/iac"
)

// Management controls how a Writer grows its backing buffer.
type Management int

const (
	// External never reallocates; writes fail with ErrWriterGrow once the
	// caller-supplied buffer is exhausted.
	External Management = iota
	// InternalAggressive doubles the buffer (adding max(current, minGrow))
	// whenever more space is needed. Default for a freshly-constructed Writer.
	InternalAggressive
	// InternalConservative grows the buffer by a small constant each time.
	InternalConservative
)

const minGrowSize = 8

// Writer is a growable, bounds-checked cursor over a byte buffer.
type Writer struct {
	buf        []byte
	management Management
}

// NewWriter creates a Writer that grows aggressively from an empty buffer.
func NewWriter() *Writer {
	return &Writer{management: InternalAggressive}
}

// NewWriterWithManagement creates a Writer using the given growth policy.
func NewWriterWithManagement(m Management) *Writer {
	return &Writer{management: m}
}

// NewWriterExternal creates a Writer over a caller-owned buffer that is
// never reallocated; writes beyond cap(buf) fail with ErrWriterGrow.
func NewWriterExternal(buf []byte) *Writer {
	return &Writer{buf: buf[:0], management: External}
}

// Bytes returns the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) ensureSpace(n int) error {
	free := cap(w.buf) - len(w.buf)
	if free >= n {
		return nil
	}
	switch w.management {
	case External:
		return iac.ErrWriterGrow
	case InternalConservative:
		grown := make([]byte, len(w.buf), cap(w.buf)+minGrowSize+(n-free))
		copy(grown, w.buf)
		w.buf = grown
	default: // InternalAggressive
		add := cap(w.buf)
		if add < minGrowSize {
			add = minGrowSize
		}
		newCap := cap(w.buf) + add
		for newCap < len(w.buf)+n {
			newCap += add
		}
		grown := make([]byte, len(w.buf), newCap)
		copy(grown, w.buf)
		w.buf = grown
	}
	return nil
}

func (w *Writer) appendChecked(p []byte) error {
	if err := w.ensureSpace(len(p)); err != nil {
		return err
	}
	w.buf = append(w.buf, p...)
	return nil
}

// Uint8 writes one byte.
func (w *Writer) Uint8(v uint8) error {
	return w.appendChecked([]byte{v})
}

// Uint16 writes two little-endian bytes.
func (w *Writer) Uint16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return w.appendChecked(b[:])
}

// Uint32 writes four little-endian bytes.
func (w *Writer) Uint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return w.appendChecked(b[:])
}

// Boolean writes one byte: 1 for true, 0 for false.
func (w *Writer) Boolean(b bool) error {
	if b {
		return w.Uint8(1)
	}
	return w.Uint8(0)
}

// Str writes s followed by a NUL terminator.
func (w *Writer) Str(s string) error {
	if err := w.appendChecked([]byte(s)); err != nil {
		return err
	}
	return w.Uint8(0)
}

// Raw writes p verbatim, with no length prefix.
func (w *Writer) Raw(p []byte) error {
	return w.appendChecked(p)
}
