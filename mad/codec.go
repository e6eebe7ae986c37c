package mad

import (
	"encoding/binary"
	"fmt"
)

type encoder struct {
	buf []byte
}

func newEncoder(size int) *encoder {
	return &encoder{buf: make([]byte, 0, size)}
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) pad(n int) {
	for i := 0; i < n; i++ {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) portSelect(m PortSelectMask) {
	for _, w := range m {
		e.u64(w)
	}
}

func (e *encoder) bytes() ([]byte, error) {
	if len(e.buf) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.buf))
	}
	return e.buf, nil
}

// decoder reads big-endian fields and latches the first bounds error.
type decoder struct {
	buf  []byte
	off  int
	what string
	err  error
}

func newDecoder(b []byte, what string) *decoder {
	return &decoder{buf: b, what: what}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: %s needs %d bytes at offset %d, have %d", ErrShortBuffer, d.what, n, d.off, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) skip(n int) {
	if d.need(n) {
		d.off += n
	}
}

func (d *decoder) portSelect() PortSelectMask {
	var m PortSelectMask
	for i := range m {
		m[i] = d.u64()
	}
	return m
}
