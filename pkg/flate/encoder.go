package flate

import (
	"github.com/ha1tch/zlate/pkg/bitio"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/huffman"
	"github.com/ha1tch/zlate/pkg/lz77"
)

// Block split thresholds. A block is closed once it holds more than
// maxBlockMatches back-references or maxBlockTokens symbols; on the final
// push a block is not split when fewer than minTailBytes input bytes
// remain, to avoid a tiny trailing block.
const (
	maxBlockMatches = 7000
	maxBlockTokens  = 24576
	minTailBytes    = 423

	// minMatchInput is the shortest chunk worth running the matcher on.
	minMatchInput = 8

	maxStoredBlock = 65535

	// streamHashBits sizes the hash table when the input length is
	// unknown.
	streamHashBits = 20

	// maxHistCap bounds the array kept behind the history between pushes.
	maxHistCap = 8 * lz77.WindowSize
)

// token is a literal byte (< 256) or matchBit | length<<16 | distance.
type token uint32

const matchBit = 1 << 31

func matchToken(length, dist int) token { return token(matchBit | length<<16 | dist) }

func (t token) isMatch() bool { return t&matchBit != 0 }
func (t token) length() int   { return int(t>>16) & 0x1FF }
func (t token) dist() int     { return int(t & 0xFFFF) }

// Encoder is a streaming DEFLATE compressor.
//
// Each Push compresses its chunk into one or more complete blocks. Matches
// may reach back into earlier chunks. A non-final Push always ends on a
// byte boundary, so the concatenated output of all pushes is one valid
// DEFLATE stream.
type Encoder struct {
	opts     codec.Options
	sink     codec.Sink
	hashBits int

	matcher  *lz77.Matcher
	hist     []byte
	finished bool

	// current block
	tokens    []token
	litFreq   [286]uint16
	distFreq  [30]uint16
	extraBits int
	matches   int
}

var _ codec.Stream = (*Encoder)(nil)

// NewEncoder returns an Encoder that delivers compressed output to sink.
// opts.Container is ignored; the output is raw DEFLATE.
func NewEncoder(opts codec.Options, sink codec.Sink) (*Encoder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newEncoder(opts, sink, -1), nil
}

// newEncoder sizes the match finder for sizeHint input bytes, or for an
// unbounded stream when sizeHint is negative.
func newEncoder(opts codec.Options, sink codec.Sink, sizeHint int) *Encoder {
	bits := streamHashBits
	if opts.MemLevel > 0 || sizeHint >= 0 {
		bits = lz77.HashBits(sizeHint, opts.MemLevel)
	}
	return &Encoder{opts: opts, sink: sink, hashBits: bits}
}

// Push compresses chunk. The encoder does not retain chunk after Push
// returns.
func (e *Encoder) Push(chunk []byte, final bool) error {
	if e.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if e.finished {
		return codec.ErrStreamFinished
	}
	e.finished = final

	w := bitio.NewWriter(len(chunk) + len(chunk)/64 + 16)
	e.encode(w, chunk, final)
	e.sink(w.Bytes(), final)
	return nil
}

func (e *Encoder) encode(w *bitio.Writer, chunk []byte, final bool) {
	switch {
	case len(chunk) == 0:
		if final {
			// Empty fixed-Huffman block: BFINAL, BTYPE=01, end of block.
			w.WriteBits(1, 1)
			w.WriteBits(1, 2)
			w.WriteBits(uint32(huffman.FixedLitCodes[256].Bits), int(huffman.FixedLitCodes[256].Len))
		}
		return

	case e.opts.Level == codec.LevelStore:
		writeStored(w, chunk, final)
		return

	case len(chunk) < minMatchInput:
		writeStored(w, chunk, final)
		e.retain(append(e.hist, chunk...))
		return
	}

	dat := append(e.hist, chunk...)
	e.deflate(w, dat, len(e.hist), final)
	e.retain(dat)

	if !final && w.Bits()&7 != 0 {
		writeStored(w, nil, false)
	}
}

// retain keeps the tail of dat as history for the next push, sliding it
// down within dat's array. The amount dropped is a multiple of the window
// size, so positions recorded by the matcher stay valid, and sliding only
// happens once per window of new input.
func (e *Encoder) retain(dat []byte) {
	if len(dat) > lz77.WindowSize {
		cut := (len(dat) - lz77.WindowSize) / lz77.WindowSize * lz77.WindowSize
		dat = dat[:copy(dat, dat[cut:])]
	}
	if cap(dat) > maxHistCap {
		// a large push grew the array; don't hold on to it
		dat = append(make([]byte, 0, 3*lz77.WindowSize), dat...)
	}
	e.hist = dat
}

// deflate emits blocks for dat[start:]; dat[:start] is history.
func (e *Encoder) deflate(w *bitio.Writer, dat []byte, start int, final bool) {
	if e.matcher == nil {
		e.matcher = lz77.New(e.opts.Level, e.hashBits)
	}
	m := e.matcher
	s := len(dat)

	e.resetBlock()
	bs := start
	wait := start
	i := max(start-2, 0)
	for ; i+2 < s; i++ {
		m.Insert(dat, i)
		if i < wait {
			continue
		}
		if (e.matches > maxBlockMatches || len(e.tokens) > maxBlockTokens) && (s-i > minTailBytes || !final) {
			e.writeBlock(w, dat[bs:i], false)
			e.resetBlock()
			bs = i
		}
		if mt := m.Find(dat, i); mt.Distance != 0 {
			e.addMatch(mt.Length, mt.Distance)
			wait = i + mt.Length
		} else {
			e.addLiteral(dat[i])
		}
	}
	for i = max(i, wait); i < s; i++ {
		e.addLiteral(dat[i])
	}
	e.writeBlock(w, dat[bs:], final)
}

func (e *Encoder) resetBlock() {
	e.tokens = e.tokens[:0]
	e.litFreq = [286]uint16{}
	e.distFreq = [30]uint16{}
	e.extraBits = 0
	e.matches = 0
}

func (e *Encoder) addLiteral(b byte) {
	e.tokens = append(e.tokens, token(b))
	e.litFreq[b]++
}

func (e *Encoder) addMatch(length, dist int) {
	lc := lengthCode[length-3]
	dc := distCode(dist)
	e.tokens = append(e.tokens, matchToken(length, dist))
	e.litFreq[257+int(lc)]++
	e.distFreq[dc]++
	e.extraBits += int(lengthExtra[lc]) + int(distExtra[dc])
	e.matches++
}

// writeBlock writes the current tokens, which encode raw, as whichever of
// a stored, fixed or dynamic block is shortest.
func (e *Encoder) writeBlock(w *bitio.Writer, raw []byte, final bool) {
	e.litFreq[256]++

	lit := huffman.Build(e.litFreq[:], huffman.MaxBits)
	dist := huffman.Build(e.distFreq[:], huffman.MaxBits)
	litRuns, nlit := runLengths(lit.Lengths)
	distRuns, ndist := runLengths(dist.Lengths)

	var clFreq [19]uint16
	for _, r := range litRuns {
		clFreq[r.sym]++
	}
	for _, r := range distRuns {
		clFreq[r.sym]++
	}
	cl := huffman.Build(clFreq[:], 7)
	ncl := 19
	for ncl > 4 && cl.Lengths[codeLengthOrder[ncl-1]] == 0 {
		ncl--
	}

	pieces := max(1, (len(raw)+maxStoredBlock-1)/maxStoredBlock)
	storedLen := (len(raw) + 5*pieces) * 8
	fixedLen := bitCost(e.litFreq[:], huffman.FixedLitLengths) +
		bitCost(e.distFreq[:], huffman.FixedDistLengths) + e.extraBits
	dynLen := bitCost(e.litFreq[:], lit.Lengths) + bitCost(e.distFreq[:], dist.Lengths) + e.extraBits +
		14 + 3*ncl + bitCost(clFreq[:], cl.Lengths) +
		2*int(clFreq[16]) + 3*int(clFreq[17]) + 7*int(clFreq[18])

	if storedLen <= fixedLen && storedLen <= dynLen {
		writeStored(w, raw, final)
		return
	}

	w.WriteBits(b2u(final), 1)

	var litCodes, distCodes []huffman.Code
	if dynLen < fixedLen {
		w.WriteBits(2, 2)
		litCodes, distCodes = lit.Codes(), dist.Codes()
		clCodes := cl.Codes()

		w.WriteBits(uint32(nlit-257), 5)
		w.WriteBits(uint32(ndist-1), 5)
		w.WriteBits(uint32(ncl-4), 4)
		for _, sym := range codeLengthOrder[:ncl] {
			w.WriteBits(uint32(cl.Lengths[sym]), 3)
		}
		for _, runs := range [2][]run{litRuns, distRuns} {
			for _, r := range runs {
				c := clCodes[r.sym]
				w.WriteBits(uint32(c.Bits), int(c.Len))
				w.WriteBits(uint32(r.extra), int(r.nbits))
			}
		}
	} else {
		w.WriteBits(1, 2)
		litCodes, distCodes = huffman.FixedLitCodes, huffman.FixedDistCodes
	}

	for _, t := range e.tokens {
		if !t.isMatch() {
			c := litCodes[t]
			w.WriteBits(uint32(c.Bits), int(c.Len))
			continue
		}
		length, d := t.length(), t.dist()
		lc := lengthCode[length-3]
		c := litCodes[257+int(lc)]
		w.WriteBits(uint32(c.Bits), int(c.Len))
		w.WriteBits(uint32(length-int(lengthBase[lc])), int(lengthExtra[lc]))

		dc := distCode(d)
		c = distCodes[dc]
		w.WriteBits(uint32(c.Bits), int(c.Len))
		w.WriteBits(uint32(d-int(distBase[dc])), int(distExtra[dc]))
	}
	c := litCodes[256]
	w.WriteBits(uint32(c.Bits), int(c.Len))
}

// writeStored writes data as stored blocks of at most 65535 bytes. Only
// the last one carries final. Empty data produces one empty block.
func writeStored(w *bitio.Writer, data []byte, final bool) {
	for {
		n := min(len(data), maxStoredBlock)
		last := n == len(data)
		w.WriteBits(b2u(final && last), 1)
		w.WriteBits(0, 2)
		w.WriteBytes([]byte{byte(n), byte(n >> 8), ^byte(n), ^byte(n >> 8)})
		w.WriteBytes(data[:n])
		data = data[n:]
		if last {
			return
		}
	}
}

// run is one entry of a run-length coded code-length sequence: a length
// 0..15, or 16 (repeat previous 3-6), 17 (3-10 zeros), 18 (11-138 zeros)
// with its extra bits.
type run struct {
	sym, extra, nbits uint8
}

// runLengths run-length codes lengths without its trailing zeros and
// returns the number of lengths it covers (at least one).
func runLengths(lengths []uint8) ([]run, int) {
	n := len(lengths)
	for n > 0 && lengths[n-1] == 0 {
		n--
	}
	if n == 0 {
		n = 1
	}

	var out []run
	cur, count := lengths[0], 1
	for i := 1; i <= n; i++ {
		if i < n && lengths[i] == cur {
			count++
			continue
		}
		if cur == 0 && count > 2 {
			for ; count > 138; count -= 138 {
				out = append(out, run{18, 127, 7})
			}
			if count > 10 {
				out = append(out, run{18, uint8(count - 11), 7})
				count = 0
			} else if count > 2 {
				out = append(out, run{17, uint8(count - 3), 3})
				count = 0
			}
		} else if count > 3 {
			out = append(out, run{sym: cur})
			count--
			for ; count > 6; count -= 6 {
				out = append(out, run{16, 3, 2})
			}
			if count > 2 {
				out = append(out, run{16, uint8(count - 3), 2})
				count = 0
			}
		}
		for ; count > 0; count-- {
			out = append(out, run{sym: cur})
		}
		if i < n {
			cur, count = lengths[i], 1
		}
	}
	return out, n
}

func bitCost(freqs []uint16, lengths []uint8) int {
	n := 0
	for i, f := range freqs {
		n += int(f) * int(lengths[i])
	}
	return n
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
