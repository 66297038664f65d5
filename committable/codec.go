package committable

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Appender builds a big-endian binary buffer field by field. It is shared by
// every serializer in this module so that all persisted blobs use the same
// primitive encodings.
type Appender struct {
	buf []byte
}

// NewAppender returns an Appender with capacity for a typical descriptor.
func NewAppender() *Appender {
	return &Appender{buf: make([]byte, 0, 256)}
}

func (a *Appender) Uint32(v uint32) {
	a.buf = binary.BigEndian.AppendUint32(a.buf, v)
}

func (a *Appender) Uint64(v uint64) {
	a.buf = binary.BigEndian.AppendUint64(a.buf, v)
}

func (a *Appender) Int64(v int64) {
	a.Uint64(uint64(v))
}

func (a *Appender) Bool(v bool) {
	if v {
		a.buf = append(a.buf, 1)
	} else {
		a.buf = append(a.buf, 0)
	}
}

// String appends a length-prefixed UTF-8 string.
func (a *Appender) String(s string) {
	a.Uint32(uint32(len(s)))
	a.buf = append(a.buf, s...)
}

// Time appends a timestamp with millisecond precision.
func (a *Appender) Time(t time.Time) {
	if t.IsZero() {
		a.Int64(0)
		return
	}
	a.Int64(t.UnixMilli())
}

// Bytes returns the accumulated buffer.
func (a *Appender) Bytes() []byte { return a.buf }

// Reader consumes a buffer produced by Appender. Decoding errors are sticky:
// after the first failure all subsequent reads return zero values, and the
// error is reported by Err.
type Reader struct {
	buf []byte
	off int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrCorruptData, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Int64() int64 {
	return int64(r.Uint64())
}

func (r *Reader) Bool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

func (r *Reader) String() string {
	n := r.Uint32()
	if r.err != nil {
		return ""
	}
	if n > math.MaxInt32 {
		r.err = fmt.Errorf("%w: unreasonable string length %d", ErrCorruptData, n)
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *Reader) Time() time.Time {
	ms := r.Int64()
	if r.err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Err returns the first decoding error encountered, if any.
func (r *Reader) Err() error { return r.err }
