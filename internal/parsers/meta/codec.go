package meta

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends little-endian fields to a byte slice
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with capacity hint n
func NewEncoder(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) U16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) U32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) U64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
		return
	}
	e.U8(0)
}

func (e *Encoder) Bytes(b []byte) {
	e.buf = append(e.buf, b...)
}

// Data returns the encoded bytes
func (e *Encoder) Data() []byte {
	return e.buf
}

// Decoder reads little-endian fields; the first short read sticks in Err
type Decoder struct {
	data []byte
	off  int
	err  error
}

// NewDecoder creates a decoder over data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.data) {
		d.err = fmt.Errorf("record truncated: need %d bytes at offset %d, have %d", n, d.off, len(d.data))
		return nil
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) U16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) U32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) U64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) Bytes(n int) []byte {
	if b := d.take(n); b != nil {
		out := make([]byte, n)
		copy(out, b)
		return out
	}
	return nil
}

// Count reads a length prefix and rejects values above limit
func (d *Decoder) Count(limit int) int {
	n := int(d.U32())
	if d.err == nil && n > limit {
		d.err = fmt.Errorf("record count %d exceeds limit %d", n, limit)
		return 0
	}
	return n
}

// Err returns the first decoding error
func (d *Decoder) Err() error {
	return d.err
}
