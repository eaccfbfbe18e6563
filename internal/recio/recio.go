// Package recio provides the small length-prefixed primitive codec the
// wire records in package wire are built from: fixed-width big-endian
// integers, and int32-length-prefixed byte buffers and strings. The wire
// form is always network byte order, so there is no platform-dependent
// byte-order detection here, just the fixed set of primitive shapes the
// record layer needs.
package recio

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncated is returned when a Reader runs out of bytes mid-field.
var ErrTruncated = errors.New("recio: truncated record")

// Reader decodes primitives from a byte slice in the order they were
// written.
type Reader struct {
	b   []byte
	off int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Int32 reads a big-endian 4-byte signed integer.
func (r *Reader) Int32() (int32, error) {
	if r.off+4 > len(r.b) {
		return 0, errors.WithStack(ErrTruncated)
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.off : r.off+4]))
	r.off += 4
	return v, nil
}

// Int64 reads a big-endian 8-byte signed integer.
func (r *Reader) Int64() (int64, error) {
	if r.off+8 > len(r.b) {
		return 0, errors.WithStack(ErrTruncated)
	}
	v := int64(binary.BigEndian.Uint64(r.b[r.off : r.off+8]))
	r.off += 8
	return v, nil
}

// Bytes reads an int32-length-prefixed byte buffer. A length of -1 decodes
// to a nil slice (the record-serialization convention for "absent").
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if r.off+int(n) > len(r.b) {
		return nil, errors.WithStack(ErrTruncated)
	}
	out := make([]byte, n)
	copy(out, r.b[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

// String reads an int32-length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Remaining returns the unread tail of the underlying buffer.
func (r *Reader) Remaining() []byte { return r.b[r.off:] }

// Writer encodes primitives by appending to an in-progress buffer.
type Writer struct{ buf []byte }

// NewWriter returns a Writer that appends onto buf (which may be nil or
// have existing content, e.g. a frame header placeholder).
func NewWriter(buf []byte) *Writer { return &Writer{buf: buf} }

// PutInt32 appends a big-endian 4-byte signed integer.
func (w *Writer) PutInt32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	w.buf = append(w.buf, tmp[:]...)
}

// PutInt64 appends a big-endian 8-byte signed integer.
func (w *Writer) PutInt64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	w.buf = append(w.buf, tmp[:]...)
}

// PutBytes appends an int32-length-prefixed byte buffer. A nil slice
// encodes as length -1.
func (w *Writer) PutBytes(b []byte) {
	if b == nil {
		w.PutInt32(-1)
		return
	}
	w.PutInt32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString appends an int32-length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }
