package flate

import (
	"bytes"

	"github.com/ha1tch/zlate/pkg/bitio"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/huffman"
	"github.com/ha1tch/zlate/pkg/lz77"
)

// inputPad is the zero slack after the input so bit reads near the end
// stay in range.
const inputPad = 4

type blockMode uint8

const (
	modeHeader blockMode = iota
	modeStored
	modeHuffman
)

// Decoder is a streaming DEFLATE decompressor. It suspends at any bit
// position when input runs out and resumes on the next Push, so chunk
// boundaries may fall anywhere, even inside a block header.
//
// Bytes that follow the final block are not consumed; they are available
// from Rest once Done reports true. Containers use this to find their
// trailers.
type Decoder struct {
	sink codec.Sink

	in  []byte // unconsumed input, starting at the byte holding bit pos
	pos int    // bit offset into in

	mode   blockMode
	last   bool // current block has BFINAL set
	stored int  // bytes left in the current stored block

	lit, dist         []uint16
	litMask, distMask uint32

	// hist ends with at least the last 32 KiB of output; new output is
	// decoded into its spare capacity
	hist []byte

	done     bool
	finished bool
	err      error
	rest     []byte
}

var _ codec.Stream = (*Decoder)(nil)

// NewDecoder returns a Decoder that delivers decompressed output to sink.
func NewDecoder(sink codec.Sink) *Decoder {
	return &Decoder{sink: sink}
}

// Done reports whether the final block has been decoded.
func (d *Decoder) Done() bool { return d.done }

// Rest returns the input that followed the end of the DEFLATE stream.
// It is only meaningful once Done is true.
func (d *Decoder) Rest() []byte { return d.rest }

// Push decodes chunk. On error nothing from this chunk is delivered and
// the decoder keeps returning the same error.
func (d *Decoder) Push(chunk []byte, final bool) error {
	if d.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if d.err != nil {
		return d.err
	}
	if d.finished {
		return codec.ErrStreamFinished
	}
	d.finished = final

	if d.done {
		d.rest = append(d.rest, chunk...)
		if final {
			d.sink(nil, true)
		}
		return nil
	}

	n := len(d.in) + len(chunk)
	buf := make([]byte, n+inputPad)
	copy(buf, d.in)
	copy(buf[len(d.in):], chunk)

	d.reserve(3*len(chunk) + 64)
	start := len(d.hist)
	out, err := d.inflate(buf, n*8, d.hist)
	if err == nil && final && !d.done {
		err = codec.Corruptf("unexpected end of stream")
	}
	if err != nil {
		d.err = err
		return err
	}

	if d.done {
		d.rest = append(d.rest, buf[bitio.ByteEnd(d.pos):n]...)
		d.in, d.pos = nil, 0
	} else {
		d.in = buf[d.pos>>3 : n]
		d.pos &= 7
	}

	d.hist = out
	data := bytes.Clone(out[start:])
	if len(data) > 0 || final {
		d.sink(data, final)
	}
	return nil
}

// reserve makes room for n more bytes of output after the history,
// keeping only the last window when the buffer has to be replaced.
func (d *Decoder) reserve(n int) {
	if cap(d.hist)-len(d.hist) >= n {
		return
	}
	keep := d.hist[max(0, len(d.hist)-lz77.WindowSize):]
	h := make([]byte, len(keep), len(keep)+max(n, 2*lz77.WindowSize))
	copy(h, keep)
	d.hist = h
}

// inflate decodes from bit d.pos up to tbts, appending to out. It returns
// normally when it needs more input; d.pos then marks the first bit not
// yet consumed.
func (d *Decoder) inflate(buf []byte, tbts int, out []byte) ([]byte, error) {
	pos := d.pos
	for !d.done {
		switch d.mode {
		case modeHeader:
			if pos+3 > tbts {
				return out, nil
			}
			hdr := bitio.Read(buf, pos, 7)
			d.last = hdr&1 != 0
			switch hdr >> 1 {
			case 0:
				s := bitio.ByteEnd(pos + 3)
				if (s+4)*8 > tbts {
					return out, nil
				}
				l := int(buf[s]) | int(buf[s+1])<<8
				nl := int(buf[s+2]) | int(buf[s+3])<<8
				if l != ^nl&0xFFFF {
					return out, codec.Corruptf("stored block length %d does not match complement", l)
				}
				pos = (s + 4) * 8
				d.stored = l
				d.mode = modeStored
			case 1:
				d.lit, d.dist = huffman.FixedLitTable, huffman.FixedDistTable
				d.litMask, d.distMask = 1<<9-1, 1<<5-1
				pos += 3
				d.mode = modeHuffman
			case 2:
				p, ok, err := d.readDynamic(buf, pos+3, tbts)
				if err != nil {
					return out, err
				}
				if !ok {
					return out, nil
				}
				pos = p
				d.mode = modeHuffman
			default:
				return out, codec.Corruptf("invalid block type 3")
			}
			d.pos = pos

		case modeStored:
			o := pos >> 3
			k := min(d.stored, tbts/8-o)
			out = append(out, buf[o:o+k]...)
			pos += k * 8
			d.stored -= k
			d.pos = pos
			if d.stored > 0 {
				return out, nil
			}
			d.endBlock()

		case modeHuffman:
			var err error
			var more bool
			out, more, err = d.decodeSymbols(buf, tbts, out)
			if err != nil || more {
				return out, err
			}
			pos = d.pos
			d.endBlock()
		}
	}
	return out, nil
}

func (d *Decoder) endBlock() {
	d.mode = modeHeader
	d.lit, d.dist = nil, nil
	if d.last {
		d.done = true
	}
}

// decodeSymbols runs the current Huffman block until its end-of-block
// symbol (more=false) or until the input runs out (more=true). d.pos is
// advanced past every complete symbol.
func (d *Decoder) decodeSymbols(buf []byte, tbts int, out []byte) ([]byte, bool, error) {
	pos := d.pos
	for {
		c := d.lit[bitio.Read16(buf, pos)&d.litMask]
		if c == 0 {
			if pos+bitLen(d.litMask) > tbts {
				return out, true, nil
			}
			return out, false, codec.Corruptf("invalid literal/length code")
		}
		lpos := pos + int(c&15)
		if lpos > tbts {
			return out, true, nil
		}
		sym := int(c >> 4)
		switch {
		case sym < 256:
			out = append(out, byte(sym))
			pos = lpos
			d.pos = pos
			continue
		case sym == 256:
			d.pos = lpos
			return out, false, nil
		}

		i := sym - 257
		if i > 28 {
			return out, false, codec.Corruptf("invalid length symbol %d", sym)
		}
		length := int(lengthBase[i])
		if eb := int(lengthExtra[i]); eb > 0 {
			length += int(bitio.Read(buf, lpos, 1<<eb-1))
			lpos += eb
		}
		if lpos > tbts {
			return out, true, nil
		}

		dc := d.dist[bitio.Read16(buf, lpos)&d.distMask]
		if dc == 0 {
			if lpos+bitLen(d.distMask) > tbts {
				return out, true, nil
			}
			return out, false, codec.Corruptf("invalid distance code")
		}
		lpos += int(dc & 15)
		if lpos > tbts {
			return out, true, nil
		}
		ds := int(dc >> 4)
		if ds > 29 {
			return out, false, codec.Corruptf("invalid distance symbol %d", ds)
		}
		dist := int(distBase[ds])
		if eb := int(distExtra[ds]); eb > 0 {
			dist += int(bitio.Read16(buf, lpos) & (1<<eb - 1))
			lpos += eb
		}
		if lpos > tbts {
			return out, true, nil
		}
		if dist > len(out) {
			return out, false, codec.Corruptf("distance %d beyond output", dist)
		}

		from := len(out) - dist
		for j := 0; j < length; j++ {
			out = append(out, out[from+j])
		}
		pos = lpos
		d.pos = pos
	}
}

// readDynamic parses a dynamic block header starting at bit p, after the
// three header bits. ok is false when the header is incomplete; nothing is
// consumed in that case.
func (d *Decoder) readDynamic(buf []byte, p, tbts int) (next int, ok bool, err error) {
	if p+14 > tbts {
		return 0, false, nil
	}
	hlit := int(bitio.Read(buf, p, 31)) + 257
	hdist := int(bitio.Read(buf, p+5, 31)) + 1
	hclen := int(bitio.Read(buf, p+10, 15)) + 4
	if hlit > 286 || hdist > 30 {
		return 0, false, codec.Corruptf("dynamic header counts %d/%d out of range", hlit, hdist)
	}
	p += 14
	if p+3*hclen > tbts {
		return 0, false, nil
	}

	var clLens [19]uint8
	for i := 0; i < hclen; i++ {
		clLens[codeLengthOrder[i]] = uint8(bitio.Read(buf, p+3*i, 7))
	}
	p += 3 * hclen
	clBits := maxLen(clLens[:])
	if clBits == 0 {
		return 0, false, codec.Corruptf("empty code-length code")
	}
	clTable, err := huffman.BuildDecodeTable(clLens[:], clBits)
	if err != nil {
		return 0, false, codec.Corruptf("code-length code: %v", err)
	}
	if !huffman.Complete(clLens[:]) {
		return 0, false, codec.Corruptf("incomplete code-length code")
	}
	clMask := uint32(1)<<clBits - 1

	lens := make([]uint8, hlit+hdist)
	for i := 0; i < len(lens); {
		c := clTable[bitio.Read16(buf, p)&clMask]
		if c == 0 {
			if p+clBits > tbts {
				return 0, false, nil
			}
			return 0, false, codec.Corruptf("invalid code-length code")
		}
		p += int(c & 15)
		if p > tbts {
			return 0, false, nil
		}
		sym := c >> 4
		if sym < 16 {
			lens[i] = uint8(sym)
			i++
			continue
		}

		var n int
		var v uint8
		switch sym {
		case 16:
			if i == 0 {
				return 0, false, codec.Corruptf("repeat with no previous length")
			}
			n, v = 3+int(bitio.Read(buf, p, 3)), lens[i-1]
			p += 2
		case 17:
			n = 3 + int(bitio.Read(buf, p, 7))
			p += 3
		default:
			n = 11 + int(bitio.Read(buf, p, 127))
			p += 7
		}
		if p > tbts {
			return 0, false, nil
		}
		if i+n > len(lens) {
			return 0, false, codec.Corruptf("code lengths overflow %d entries", len(lens))
		}
		for end := i + n; i < end; i++ {
			lens[i] = v
		}
	}

	litLens, distLens := lens[:hlit], lens[hlit:]
	if litLens[256] == 0 {
		return 0, false, codec.Corruptf("no end-of-block code")
	}
	litBits, distBits := maxLen(litLens), maxLen(distLens)
	lit, err := huffman.BuildDecodeTable(litLens, litBits)
	if err != nil {
		return 0, false, codec.Corruptf("literal/length code: %v", err)
	}
	dist, err := huffman.BuildDecodeTable(distLens, distBits)
	if err != nil {
		return 0, false, codec.Corruptf("distance code: %v", err)
	}
	if !huffman.Complete(litLens) || !huffman.Complete(distLens) {
		return 0, false, codec.Corruptf("incomplete literal/length or distance code")
	}

	d.lit, d.dist = lit, dist
	d.litMask = uint32(1)<<litBits - 1
	d.distMask = uint32(1)<<distBits - 1
	return p, true, nil
}

func maxLen(lengths []uint8) int {
	m := 0
	for _, l := range lengths {
		m = max(m, int(l))
	}
	return m
}

func bitLen(mask uint32) int {
	n := 0
	for ; mask != 0; mask >>= 1 {
		n++
	}
	return n
}
