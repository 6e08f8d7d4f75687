// Package checksum implements the incremental CRC-32 (IEEE) and Adler-32
// accumulators used by the ZIP, gzip and zlib containers.
//
// Both types implement hash.Hash32 and may be updated any number of
// times, so data can be checksummed across chunk boundaries.
package checksum

import "hash"

const crcPoly = 0xEDB88320

var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i)
		for k := 0; k < 8; k++ {
			if c&1 != 0 {
				c = crcPoly ^ c>>1
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return
}()

// CRC32 is a running CRC-32 with the IEEE polynomial.
// The zero value is ready to use.
type CRC32 struct {
	crc uint32
}

var _ hash.Hash32 = (*CRC32)(nil)

// NewCRC32 returns a new CRC-32 accumulator.
func NewCRC32() *CRC32 { return &CRC32{} }

// Update adds p to the running checksum.
func (c *CRC32) Update(p []byte) {
	s := ^c.crc
	for _, b := range p {
		s = crcTable[byte(s)^b] ^ s>>8
	}
	c.crc = ^s
}

// Sum32 returns the checksum of all data seen so far.
func (c *CRC32) Sum32() uint32 { return c.crc }

func (c *CRC32) Write(p []byte) (int, error) {
	c.Update(p)
	return len(p), nil
}

func (c *CRC32) Sum(b []byte) []byte {
	s := c.crc
	return append(b, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (c *CRC32) Reset()         { c.crc = 0 }
func (c *CRC32) Size() int      { return 4 }
func (c *CRC32) BlockSize() int { return 1 }

// ChecksumCRC32 returns the CRC-32 of data.
func ChecksumCRC32(data []byte) uint32 {
	var c CRC32
	c.Update(data)
	return c.Sum32()
}

const (
	adlerMod = 65521
	// adlerBurst is the largest n such that 255n(n+1)/2 + (n+1)(mod-1)
	// fits in 32 bits, so sums are reduced once per burst.
	adlerBurst = 5552
)

// Adler32 is a running Adler-32 checksum.
// The zero value is ready to use.
type Adler32 struct {
	// a is stored minus one so that the zero value is the initial state.
	a, b uint32
}

var _ hash.Hash32 = (*Adler32)(nil)

// NewAdler32 returns a new Adler-32 accumulator.
func NewAdler32() *Adler32 { return &Adler32{} }

// Update adds p to the running checksum.
func (d *Adler32) Update(p []byte) {
	a, b := d.a+1, d.b
	for len(p) > 0 {
		n := min(len(p), adlerBurst)
		for _, x := range p[:n] {
			a += uint32(x)
			b += a
		}
		a %= adlerMod
		b %= adlerMod
		p = p[n:]
	}
	d.a, d.b = a-1, b
}

// Sum32 returns the checksum as the big-endian packing of b<<16 | a.
func (d *Adler32) Sum32() uint32 { return d.b<<16 | (d.a + 1) }

func (d *Adler32) Write(p []byte) (int, error) {
	d.Update(p)
	return len(p), nil
}

func (d *Adler32) Sum(in []byte) []byte {
	s := d.Sum32()
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}

func (d *Adler32) Reset()         { d.a, d.b = 0, 0 }
func (d *Adler32) Size() int      { return 4 }
func (d *Adler32) BlockSize() int { return 4 }

// ChecksumAdler32 returns the Adler-32 of data.
func ChecksumAdler32(data []byte) uint32 {
	var d Adler32
	d.Update(data)
	return d.Sum32()
}
