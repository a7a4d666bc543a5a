// Package wire implements the binary wire codec, RPC framing and the
// router/dealer request substrate shared by every Kraken process (scheduler,
// node, worker) — spec.md §2 L2 and §6.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Buffer is a growable byte buffer used to encode wire messages. It mirrors
// the manual byte-writing style of the teacher's ion.Buffer (ion/write.go)
// rather than reaching for encoding/gob or encoding/binary's reflective
// Write, since the wire format here is a fixed, spec-defined byte layout
// that must round-trip bit-exactly (spec.md §8.2).
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty Buffer with the given capacity hint.
func NewBuffer(capHint int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capHint)}
}

// Bytes returns the encoded contents so far.
func (b *Buffer) Bytes() []byte { return b.buf }

// Reset empties the buffer for reuse.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

func (b *Buffer) grow(n int) []byte {
	l := len(b.buf)
	if cap(b.buf)-l < n {
		nb := make([]byte, l, 2*cap(b.buf)+n)
		copy(nb, b.buf)
		b.buf = nb
	}
	b.buf = b.buf[:l+n]
	return b.buf[l : l+n]
}

func (b *Buffer) WriteU8(v uint8) { b.grow(1)[0] = v }

func (b *Buffer) WriteU32(v uint32) {
	binary.LittleEndian.PutUint32(b.grow(4), v)
}

func (b *Buffer) WriteU64(v uint64) {
	binary.LittleEndian.PutUint64(b.grow(8), v)
}

func (b *Buffer) WriteI32(v int32) { b.WriteU32(uint32(v)) }
func (b *Buffer) WriteI64(v int64) { b.WriteU64(uint64(v)) }

func (b *Buffer) WriteF64(v float64) { b.WriteU64(math.Float64bits(v)) }

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteU8(1)
	} else {
		b.WriteU8(0)
	}
}

// WriteBytes writes a length-prefixed byte vector: u64 length then bytes.
func (b *Buffer) WriteBytes(v []byte) {
	b.WriteU64(uint64(len(v)))
	copy(b.grow(len(v)), v)
}

// WriteString writes a length-prefixed string: u64 length then bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteBytes([]byte(s))
}

// WriteU64Vector writes a vector of u64 POD values: u64 length then
// length*8 bytes.
func (b *Buffer) WriteU64Vector(v []uint64) {
	b.WriteU64(uint64(len(v)))
	for _, x := range v {
		b.WriteU64(x)
	}
}

// WriteI64Vector writes a vector of i64 POD values.
func (b *Buffer) WriteI64Vector(v []int64) {
	b.WriteU64(uint64(len(v)))
	for _, x := range v {
		b.WriteI64(x)
	}
}

// WriteF64Vector writes a vector of float64 POD values.
func (b *Buffer) WriteF64Vector(v []float64) {
	b.WriteU64(uint64(len(v)))
	for _, x := range v {
		b.WriteF64(x)
	}
}

// WriteStringVector writes a vector of strings.
func (b *Buffer) WriteStringVector(v []string) {
	b.WriteU64(uint64(len(v)))
	for _, s := range v {
		b.WriteString(s)
	}
}

// WriteStringMap writes a mapping<string,string>: u64 length then
// (key,value) pairs, in the iteration order given by keys (callers should
// pass a sorted key slice for determinism).
func (b *Buffer) WriteStringMap(m map[string]string, keys []string) {
	b.WriteU64(uint64(len(keys)))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(m[k])
	}
}

// Reader decodes a wire message previously produced by Buffer.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("wire: short read: need %d bytes, have %d", n, r.Remaining())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadI32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *Reader) ReadI64() (int64, error) {
	v, err := r.ReadU64()
	return int64(v), err
}

func (r *Reader) ReadF64() (float64, error) {
	v, err := r.ReadU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	return v != 0, err
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadU64Vector() ([]uint64, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		if out[i], err = r.ReadU64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) ReadI64Vector() ([]int64, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		if out[i], err = r.ReadI64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) ReadF64Vector() ([]float64, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		if out[i], err = r.ReadF64(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) ReadStringVector() ([]string, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		if out[i], err = r.ReadString(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reader) ReadStringMap() (map[string]string, error) {
	n, err := r.ReadU64()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
