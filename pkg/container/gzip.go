package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/flate"
)

const (
	gzipID1     = 0x1f
	gzipID2     = 0x8b
	gzipDeflate = 8

	gzipFlagText    = 1 << 0
	gzipFlagHCRC    = 1 << 1
	gzipFlagExtra   = 1 << 2
	gzipFlagName    = 1 << 3
	gzipFlagComment = 1 << 4

	gzipOSUnix = 3
)

// GzipHeader is the metadata of a gzip member.
type GzipHeader struct {
	Name    string
	Comment string
	ModTime time.Time // zero when MTIME is 0
	Extra   []byte
	OS      byte
	XFL     byte
}

// gzipXFL returns the extra-flags hint for level.
func gzipXFL(level int) byte {
	switch {
	case level < 2:
		return 4 // fastest
	case level == 9:
		return 2 // maximum compression
	default:
		return 0
	}
}

// latin1 encodes s as ISO 8859-1 if it can, and returns the raw bytes
// otherwise. NUL bytes would end the field early and are dropped.
func latin1(s string) []byte {
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		b = []byte(s)
	}
	return bytes.ReplaceAll(b, []byte{0}, nil)
}

func fromLatin1(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

func gzipHeader(opts codec.Options) []byte {
	hdr := make([]byte, 10, 10+len(opts.Filename)+len(opts.Comment)+2)
	hdr[0], hdr[1], hdr[2] = gzipID1, gzipID2, gzipDeflate
	if !opts.ModTime.IsZero() && opts.ModTime.Unix() > 0 {
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(opts.ModTime.Unix()))
	}
	hdr[8] = gzipXFL(opts.Level)
	hdr[9] = gzipOSUnix
	if opts.Filename != "" {
		hdr[3] |= gzipFlagName
		hdr = append(append(hdr, latin1(opts.Filename)...), 0)
	}
	if opts.Comment != "" {
		hdr[3] |= gzipFlagComment
		hdr = append(append(hdr, latin1(opts.Comment)...), 0)
	}
	return hdr
}

// parseGzipHeader parses the member header at the start of b. It
// returns n == 0 with a nil error when b does not hold the whole header
// yet.
func parseGzipHeader(b []byte) (h GzipHeader, n int, err error) {
	if len(b) < 10 {
		return h, 0, nil
	}
	if b[0] != gzipID1 || b[1] != gzipID2 {
		return h, 0, codec.Headerf("gzip: invalid magic %02x %02x", b[0], b[1])
	}
	if b[2] != gzipDeflate {
		return h, 0, fmt.Errorf("%w: gzip compression method %d", codec.ErrUnsupported, b[2])
	}
	flg := b[3]
	if flg&0xE0 != 0 {
		return h, 0, codec.Headerf("gzip: reserved flags %02x", flg)
	}
	if mtime := binary.LittleEndian.Uint32(b[4:8]); mtime != 0 {
		h.ModTime = time.Unix(int64(mtime), 0)
	}
	h.XFL, h.OS = b[8], b[9]

	p := 10
	if flg&gzipFlagExtra != 0 {
		if len(b) < p+2 {
			return h, 0, nil
		}
		xlen := int(binary.LittleEndian.Uint16(b[p:]))
		if len(b) < p+2+xlen {
			return h, 0, nil
		}
		h.Extra = bytes.Clone(b[p+2 : p+2+xlen])
		p += 2 + xlen
	}
	for _, f := range []struct {
		bit byte
		dst *string
	}{{gzipFlagName, &h.Name}, {gzipFlagComment, &h.Comment}} {
		if flg&f.bit == 0 {
			continue
		}
		i := bytes.IndexByte(b[p:], 0)
		if i < 0 {
			return h, 0, nil
		}
		*f.dst = fromLatin1(b[p : p+i])
		p += i + 1
	}
	if flg&gzipFlagHCRC != 0 {
		if len(b) < p+2 {
			return h, 0, nil
		}
		want := binary.LittleEndian.Uint16(b[p:])
		if got := uint16(checksum.ChecksumCRC32(b[:p])); got != want {
			return h, 0, codec.Headerf("gzip: header crc16 %04x, want %04x", got, want)
		}
		p += 2
	}
	return h, p, nil
}

// GzipEncoder wraps a DEFLATE stream in a single gzip member (RFC 1952).
type GzipEncoder struct {
	sink    codec.Sink
	enc     *flate.Encoder
	crc     checksum.CRC32
	size    uint32
	header  []byte
	started bool
	done    bool
}

var _ codec.Stream = (*GzipEncoder)(nil)

// NewGzipEncoder returns an encoder writing a gzip member to sink. The
// header carries opts.Filename, opts.Comment and opts.ModTime.
func NewGzipEncoder(opts codec.Options, sink codec.Sink) (*GzipEncoder, error) {
	g := &GzipEncoder{sink: sink, header: gzipHeader(opts)}
	enc, err := flate.NewEncoder(opts, g.emit)
	if err != nil {
		return nil, err
	}
	g.enc = enc
	return g, nil
}

// Push compresses chunk.
func (g *GzipEncoder) Push(chunk []byte, final bool) error {
	if g.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if g.done {
		return codec.ErrStreamFinished
	}
	g.done = final
	g.crc.Update(chunk)
	g.size += uint32(len(chunk))
	return g.enc.Push(chunk, final)
}

func (g *GzipEncoder) emit(p []byte, final bool) {
	if !g.started {
		p = append(g.header, p...)
		g.started = true
	}
	if final {
		p = binary.LittleEndian.AppendUint32(p, g.crc.Sum32())
		p = binary.LittleEndian.AppendUint32(p, g.size)
	}
	g.sink(p, final)
}

// GzipDecoder reads one gzip member. Header fields may arrive split
// across any number of pushes.
type GzipDecoder struct {
	sink     codec.Sink
	head     []byte
	hdr      GzipHeader
	dec      *flate.Decoder
	crc      checksum.CRC32
	size     uint32
	finished bool
	err      error
}

var _ codec.Stream = (*GzipDecoder)(nil)

// NewGzipDecoder returns a decoder delivering inflated data to sink.
func NewGzipDecoder(sink codec.Sink) *GzipDecoder {
	return &GzipDecoder{sink: sink}
}

// Header returns the member header once it has been parsed.
func (g *GzipDecoder) Header() (GzipHeader, bool) {
	return g.hdr, g.dec != nil
}

// Push consumes the next chunk of the gzip stream. CRC-32 and ISIZE are
// verified on the final push, after all data has been delivered.
func (g *GzipDecoder) Push(chunk []byte, final bool) error {
	if g.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if g.err != nil {
		return g.err
	}
	if g.finished {
		return codec.ErrStreamFinished
	}
	g.finished = final
	g.err = g.push(chunk, final)
	return g.err
}

func (g *GzipDecoder) push(chunk []byte, final bool) error {
	if g.dec == nil {
		g.head = append(g.head, chunk...)
		hdr, n, err := parseGzipHeader(g.head)
		if err != nil {
			return err
		}
		if n == 0 {
			if final {
				return codec.Headerf("gzip: truncated header")
			}
			return nil
		}
		g.hdr = hdr
		chunk = g.head[n:]
		g.head = nil
		g.dec = flate.NewDecoder(g.emit)
	}

	if err := g.dec.Push(chunk, false); err != nil {
		return err
	}
	if !final {
		return nil
	}
	if !g.dec.Done() {
		return codec.Corruptf("gzip: unexpected end of stream")
	}
	rest := g.dec.Rest()
	if len(rest) < 8 {
		return codec.Corruptf("gzip: truncated trailer")
	}
	g.sink(nil, true)
	if want, got := binary.LittleEndian.Uint32(rest), g.crc.Sum32(); got != want {
		return fmt.Errorf("%w: gzip crc32 %08x, want %08x", codec.ErrChecksumMismatch, got, want)
	}
	if want := binary.LittleEndian.Uint32(rest[4:]); g.size != want {
		return fmt.Errorf("%w: gzip size %d, want %d", codec.ErrChecksumMismatch, g.size, want)
	}
	return nil
}

func (g *GzipDecoder) emit(p []byte, final bool) {
	g.crc.Update(p)
	g.size += uint32(len(p))
	if len(p) > 0 {
		g.sink(p, false)
	}
}
