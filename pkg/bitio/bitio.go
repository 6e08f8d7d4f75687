// Package bitio reads and writes little-endian bit fields at arbitrary
// bit offsets in a byte slice, the bit order used by DEFLATE.
//
// The free functions perform no bounds checking of their own. Callers
// size or pad their buffers so that the two (Read, Write) or three
// (Read16, Write16) bytes starting at pos/8 exist; an out-of-range access
// is a programming error and panics.
package bitio

// Read returns up to 9 bits starting at bit position pos, masked by mask.
func Read(buf []byte, pos int, mask uint32) uint32 {
	o := pos >> 3
	return (uint32(buf[o]) | uint32(buf[o+1])<<8) >> (pos & 7) & mask
}

// Read16 returns the bits starting at pos; at least 17 are valid.
// Callers mask the result.
func Read16(buf []byte, pos int) uint32 {
	o := pos >> 3
	return (uint32(buf[o]) | uint32(buf[o+1])<<8 | uint32(buf[o+2])<<16) >> (pos & 7)
}

// Write ORs v (at most 9 bits) into buf at bit position pos.
// Existing bits are not cleared.
func Write(buf []byte, pos int, v uint32) {
	v <<= pos & 7
	o := pos >> 3
	buf[o] |= byte(v)
	buf[o+1] |= byte(v >> 8)
}

// Write16 ORs v (at most 17 bits) into buf at bit position pos.
func Write16(buf []byte, pos int, v uint32) {
	v <<= pos & 7
	o := pos >> 3
	buf[o] |= byte(v)
	buf[o+1] |= byte(v >> 8)
	buf[o+2] |= byte(v >> 16)
}

// ByteEnd returns the index of the first whole byte at or after bit
// position pos.
func ByteEnd(pos int) int {
	return (pos + 7) >> 3
}

// Writer accumulates bit fields into a growing, zero-filled buffer.
type Writer struct {
	buf []byte
	pos int
}

// NewWriter returns a Writer with room for about sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	if sizeHint < 16 {
		sizeHint = 16
	}
	return &Writer{buf: make([]byte, sizeHint)}
}

// grow makes sure n more bits plus the three-byte write slack fit.
func (w *Writer) grow(n int) {
	need := ((w.pos + n) >> 3) + 3
	if need <= len(w.buf) {
		return
	}
	size := 2 * len(w.buf)
	if size < need {
		size = need
	}
	buf := make([]byte, size)
	copy(buf, w.buf)
	w.buf = buf
}

// WriteBits appends the low n bits of v, n ≤ 17.
func (w *Writer) WriteBits(v uint32, n int) {
	if n == 0 {
		return
	}
	w.grow(n)
	Write16(w.buf, w.pos, v)
	w.pos += n
}

// Align advances to the next byte boundary.
func (w *Writer) Align() {
	w.pos = ByteEnd(w.pos) << 3
}

// WriteBytes appends p at the next byte boundary.
func (w *Writer) WriteBytes(p []byte) {
	w.Align()
	w.grow(len(p) * 8)
	copy(w.buf[w.pos>>3:], p)
	w.pos += len(p) * 8
}

// Bits reports the number of bits written.
func (w *Writer) Bits() int { return w.pos }

// Bytes returns the written data, padded with zero bits to a whole byte.
// The slice aliases the writer's buffer until the next write.
func (w *Writer) Bytes() []byte {
	return w.buf[:ByteEnd(w.pos)]
}

// Reset discards the written bits, keeping the buffer.
func (w *Writer) Reset() {
	clear(w.buf[:min(ByteEnd(w.pos)+3, len(w.buf))])
	w.pos = 0
}
