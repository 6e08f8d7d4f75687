package checksum

import (
	"bytes"
	"hash/adler32"
	"hash/crc32"
	"math/rand"
	"testing"
)

func TestKnownValues(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		crc   uint32
		adler uint32
	}{
		{"empty", "", 0x00000000, 0x00000001},
		{"hello world", "hello world", 0x0D4A1185, 0x1A0B045D},
		{"wikipedia", "Wikipedia", 0xADAAC02E, 0x11E60398},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ChecksumCRC32([]byte(tc.data)); got != tc.crc {
				t.Errorf("CRC32 = %#08x, want %#08x", got, tc.crc)
			}
			if got := ChecksumAdler32([]byte(tc.data)); got != tc.adler {
				t.Errorf("Adler32 = %#08x, want %#08x", got, tc.adler)
			}
		})
	}
}

func TestIncrementalMatchesStdlib(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 200_000)
	rng.Read(data)
	// Long runs of 0xFF stress the Adler-32 reduction bound.
	copy(data[50_000:], bytes.Repeat([]byte{0xFF}, 20_000))

	crc := NewCRC32()
	adl := NewAdler32()
	for rest := data; len(rest) > 0; {
		n := min(len(rest), 1+rng.Intn(9000))
		crc.Write(rest[:n])
		adl.Write(rest[:n])
		rest = rest[n:]
	}

	if got, want := crc.Sum32(), crc32.ChecksumIEEE(data); got != want {
		t.Errorf("CRC32 = %#08x, want %#08x", got, want)
	}
	if got, want := adl.Sum32(), adler32.Checksum(data); got != want {
		t.Errorf("Adler32 = %#08x, want %#08x", got, want)
	}
}

func TestReset(t *testing.T) {
	c := NewCRC32()
	c.Update([]byte("garbage"))
	c.Reset()
	c.Update([]byte("hello world"))
	if c.Sum32() != 0x0D4A1185 {
		t.Errorf("CRC32 after Reset = %#08x", c.Sum32())
	}

	a := NewAdler32()
	a.Update([]byte("garbage"))
	a.Reset()
	if a.Sum32() != 1 {
		t.Errorf("Adler32 after Reset = %#08x, want 1", a.Sum32())
	}
}

func TestSumAppendsBigEndian(t *testing.T) {
	c := NewCRC32()
	c.Update([]byte("hello world"))
	got := c.Sum([]byte{0xAA})
	want := []byte{0xAA, 0x0D, 0x4A, 0x11, 0x85}
	if !bytes.Equal(got, want) {
		t.Errorf("Sum = %x, want %x", got, want)
	}
}
