// Package huffman builds the length-limited canonical prefix codes used by
// DEFLATE and the lookup tables used to encode and decode them.
//
// Only code lengths travel in a DEFLATE stream; codes are derived from
// them canonically (RFC 1951 section 3.2.2). Huffman codes are packed
// starting from their most significant bit while every other field is
// packed LSB first, so encode codes are stored bit-reversed and decode
// tables are indexed by the reversed bit window.
package huffman

import (
	"errors"
	"math"
	"math/bits"
	"sort"
)

// MaxBits is the longest code DEFLATE allows for literal/length and
// distance codes. Code-length codes are limited to 7 bits.
const MaxBits = 15

// ErrOversubscribed is returned for length sets that no prefix code can
// realise.
var ErrOversubscribed = errors.New("huffman: over-subscribed code lengths")

// Code is an encode-map entry: the bit-reversed code and its length.
type Code struct {
	Bits uint16
	Len  uint8
}

// Table is a prefix code described by its code lengths.
type Table struct {
	Lengths []uint8 // indexed by symbol, 0 = unused
	MaxBits int     // longest length present
}

// Build returns the length-limited table for freqs.
func Build(freqs []uint16, maxBits int) Table {
	lengths, n := BuildLengths(freqs, maxBits)
	return Table{Lengths: lengths, MaxBits: n}
}

// Codes returns the encode map.
func (t Table) Codes() []Code { return Canonicalize(t.Lengths) }

// DecodeTable returns the flat decode table.
func (t Table) DecodeTable() ([]uint16, error) { return BuildDecodeTable(t.Lengths, t.MaxBits) }

type node struct {
	sym         int // -1 for internal nodes
	freq        int
	left, right *node
}

// BuildLengths returns optimal code lengths for freqs, none longer than
// maxBits, along with the longest length used. The result has one entry
// per input symbol. A single used symbol receives length 1.
//
// Lengths come from a two-queue Huffman merge; when the tree is too deep
// the over-long codes are clamped to maxBits and the resulting Kraft debt
// is repaid by lengthening the shortest codes of the rarest symbols, then
// any overpayment is returned by shortening codes of length maxBits.
func BuildLengths(freqs []uint16, maxBits int) ([]uint8, int) {
	lengths := make([]uint8, len(freqs))

	var leaves []*node
	for i, f := range freqs {
		if f != 0 {
			leaves = append(leaves, &node{sym: i, freq: int(f)})
		}
	}
	s := len(leaves)
	switch s {
	case 0:
		return lengths, 0
	case 1:
		lengths[leaves[0].sym] = 1
		return lengths, 1
	}

	byFreq := make([]*node, s)
	copy(byFreq, leaves)

	// t doubles as both queues: leaves sorted by frequency from i2,
	// merged nodes written back into the front from i1.
	t := make([]*node, s, s+1)
	copy(t, leaves)
	sort.SliceStable(t, func(a, b int) bool { return t[a].freq < t[b].freq })
	t = append(t, &node{sym: -1, freq: math.MaxInt})

	l, r := t[0], t[1]
	t[0] = &node{sym: -1, freq: l.freq + r.freq, left: l, right: r}
	i0, i1, i2 := 0, 1, 2
	for i1 != s-1 {
		if i0 != i1 && t[i0].freq < t[i2].freq {
			l = t[i0]
			i0++
		} else {
			l = t[i2]
			i2++
		}
		if i0 != i1 && t[i0].freq < t[i2].freq {
			r = t[i0]
			i0++
		} else {
			r = t[i2]
			i2++
		}
		t[i1] = &node{sym: -1, freq: l.freq + r.freq, left: l, right: r}
		i1++
	}

	depth := make([]int, len(freqs))
	maxLen := assignDepths(t[i1-1], depth, 0)

	if maxLen > maxBits {
		shift := maxLen - maxBits
		cost := 1 << shift

		sort.SliceStable(byFreq, func(a, b int) bool {
			da, db := depth[byFreq[a].sym], depth[byFreq[b].sym]
			if da != db {
				return da > db
			}
			return byFreq[a].freq < byFreq[b].freq
		})

		// Kraft debt in units of 2^-maxLen, then 2^-maxBits.
		i, debt := 0, 0
		for ; i < s; i++ {
			sym := byFreq[i].sym
			if depth[sym] <= maxBits {
				break
			}
			debt += cost - 1<<(maxLen-depth[sym])
			depth[sym] = maxBits
		}
		debt >>= shift

		for debt > 0 {
			sym := byFreq[i].sym
			if depth[sym] < maxBits {
				debt -= 1 << (maxBits - depth[sym] - 1)
				depth[sym]++
			} else {
				i++
			}
		}
		for ; i >= 0 && debt != 0; i-- {
			sym := byFreq[i].sym
			if depth[sym] == maxBits {
				depth[sym]--
				debt++
			}
		}
		maxLen = maxBits
	}

	for _, n := range leaves {
		lengths[n.sym] = uint8(depth[n.sym])
	}
	return lengths, maxLen
}

func assignDepths(n *node, depth []int, d int) int {
	if n.sym >= 0 {
		depth[n.sym] = d
		return d
	}
	return max(assignDepths(n.left, depth, d+1), assignDepths(n.right, depth, d+1))
}

// nextCodes returns the first canonical code of every length and the
// number of codes per length.
func nextCodes(lengths []uint8, maxBits int) (next, count []int) {
	count = make([]int, maxBits+1)
	for _, l := range lengths {
		if l != 0 {
			count[l]++
		}
	}
	next = make([]int, maxBits+1)
	code := 0
	for l := 1; l <= maxBits; l++ {
		code = (code + count[l-1]) << 1
		next[l] = code
	}
	return next, count
}

func maxLength(lengths []uint8) int {
	m := 0
	for _, l := range lengths {
		m = max(m, int(l))
	}
	return m
}

// Canonicalize assigns canonical codes to lengths. Codes of equal length
// are numerically increasing in symbol order. The returned codes are
// bit-reversed, ready to be written LSB first.
func Canonicalize(lengths []uint8) []Code {
	maxBits := maxLength(lengths)
	next, _ := nextCodes(lengths, maxBits)
	codes := make([]Code, len(lengths))
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		c := next[l]
		next[l]++
		codes[sym] = Code{Bits: Reverse(uint16(c), int(l)), Len: l}
	}
	return codes
}

// BuildDecodeTable returns a table of 2^maxBits entries. Indexing it with
// the next maxBits input bits (LSB first) yields symbol<<4 | length, or 0
// for a bit pattern no code starts with.
func BuildDecodeTable(lengths []uint8, maxBits int) ([]uint16, error) {
	table := make([]uint16, 1<<maxBits)
	if maxBits == 0 {
		return table, nil
	}

	var count [MaxBits + 1]int
	for _, l := range lengths {
		if int(l) > maxBits {
			return nil, ErrOversubscribed
		}
		count[l]++
	}
	left := 1
	for l := 1; l <= maxBits; l++ {
		left = left<<1 - count[l]
		if left < 0 {
			return nil, ErrOversubscribed
		}
	}

	next, _ := nextCodes(lengths, maxBits)
	for sym, l := range lengths {
		if l == 0 {
			continue
		}
		entry := uint16(sym<<4) | uint16(l)
		fill := maxBits - int(l)
		v := next[l] << fill
		end := v | (1<<fill - 1)
		next[l]++
		for ; v <= end; v++ {
			table[Reverse(uint16(v), maxBits)] = entry
		}
	}
	return table, nil
}

// Reverse returns the low n bits of v in reverse order.
func Reverse(v uint16, n int) uint16 {
	return bits.Reverse16(v) >> (16 - n)
}

// Kraft returns Σ 2^(maxBits-len) over the used lengths and the limit
// 2^maxBits it must not exceed.
func Kraft(lengths []uint8, maxBits int) (sum, limit int) {
	for _, l := range lengths {
		if l != 0 {
			sum += 1 << (maxBits - int(l))
		}
	}
	return sum, 1 << maxBits
}

// Complete reports whether lengths assign every bit pattern to a code.
// An empty code and a lone code of length one also count, since a block
// may use no distances or a single one.
func Complete(lengths []uint8) bool {
	maxBits := maxLength(lengths)
	if maxBits == 0 {
		return true
	}
	sum, limit := Kraft(lengths, maxBits)
	return sum == limit || (maxBits == 1 && sum == 1)
}

// Fixed code lengths from RFC 1951 section 3.2.6.
var (
	FixedLitLengths  = fixedLitLengths()
	FixedDistLengths = fixedDistLengths()

	FixedLitCodes  = Canonicalize(FixedLitLengths)
	FixedDistCodes = Canonicalize(FixedDistLengths)

	FixedLitTable  = mustDecodeTable(FixedLitLengths, 9)
	FixedDistTable = mustDecodeTable(FixedDistLengths, 5)
)

func fixedLitLengths() []uint8 {
	l := make([]uint8, 288)
	for i := range l {
		switch {
		case i < 144:
			l[i] = 8
		case i < 256:
			l[i] = 9
		case i < 280:
			l[i] = 7
		default:
			l[i] = 8
		}
	}
	return l
}

func fixedDistLengths() []uint8 {
	l := make([]uint8, 32)
	for i := range l {
		l[i] = 5
	}
	return l
}

func mustDecodeTable(lengths []uint8, maxBits int) []uint16 {
	t, err := BuildDecodeTable(lengths, maxBits)
	if err != nil {
		panic("huffman: fixed table: " + err.Error())
	}
	return t
}
