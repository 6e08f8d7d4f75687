// Package lz77 finds back-references for the DEFLATE encoder using hash
// chains over a 32 KiB sliding window.
//
// Every position is inserted into the chains, but the encoder only asks
// for a match at positions it has not yet covered: after a match it jumps
// to the end of the matched run (greedy parsing). Decoders need none of
// this.
package lz77

import (
	"math"
)

const (
	// WindowSize is the DEFLATE history size.
	WindowSize = 1 << 15
	windowMask = WindowSize - 1

	MinMatch = 3
	MaxMatch = 258

	// MaxDistance is the furthest back the finder looks.
	MaxDistance = WindowSize - 1
)

// Match is a back-reference. A zero Distance means no match was found.
type Match struct {
	Length   int
	Distance int
}

// levelParams are (nice length, chain length) per effort level 1..9.
var levelParams = [10]struct{ nice, chain int }{
	{0, 0},
	{8, 4},
	{16, 8},
	{16, 16},
	{16, 32},
	{32, 32},
	{128, 128},
	{128, 256},
	{258, 1024},
	{258, 4096},
}

// HashBits returns the hash table exponent for n input bytes. A non-zero
// memLevel selects 11+memLevel bits explicitly.
func HashBits(n, memLevel int) int {
	if memLevel > 0 {
		return 11 + memLevel
	}
	l := 8.0
	if n > 0 {
		l = math.Max(8, math.Min(13, math.Log(float64(n))))
	}
	return int(math.Ceil(l * 1.5))
}

// Matcher holds the hash chains. Positions are stored masked to the
// window, so callers may discard history in multiples of WindowSize
// without invalidating the chains.
type Matcher struct {
	head []uint16
	prev [WindowSize]uint16

	mask     uint32
	bs1, bs2 uint

	nice, chain int
}

// New returns a Matcher for effort level 1..9 with a 2^hashBits head
// table.
func New(level, hashBits int) *Matcher {
	level = min(max(level, 1), 9)
	bs1 := uint((hashBits + 2) / 3)
	return &Matcher{
		head:  make([]uint16, 1<<hashBits),
		mask:  1<<hashBits - 1,
		bs1:   bs1,
		bs2:   2 * bs1,
		nice:  levelParams[level].nice,
		chain: levelParams[level].chain,
	}
}

func (m *Matcher) hash(dat []byte, i int) uint32 {
	return (uint32(dat[i]) ^ uint32(dat[i+1])<<m.bs1 ^ uint32(dat[i+2])<<m.bs2) & m.mask
}

// Insert records position i, which needs two bytes after it.
func (m *Matcher) Insert(dat []byte, i int) {
	hv := m.hash(dat, i)
	imod := uint16(i & windowMask)
	m.prev[imod] = m.head[hv]
	m.head[hv] = imod
}

// Find returns the longest match for position i, which must already be
// inserted. Candidates are bounded by the level's chain length; the walk
// stops early once a match of the nice length is found.
//
// When a longer match is found, the walk continues from whichever
// position inside that match has the most distant predecessor, since the
// rarest substring of the match is the best hope of extending it.
func (m *Matcher) Find(dat []byte, i int) Match {
	rem := len(dat) - i
	if rem < MinMatch || i+2 >= len(dat) {
		return Match{}
	}
	hv := m.hash(dat, i)
	imod := i & windowMask
	pimod := int(m.prev[imod])
	dif := (imod - pimod) & windowMask
	if dif == 0 || dif > i || m.hash(dat, i-dif) != hv {
		return Match{}
	}

	maxNice := min(m.nice, rem) - 1
	maxDist := min(MaxDistance, i)
	maxLen := min(MaxMatch, rem)

	l, d := 2, 0
	for ch := m.chain; dif <= maxDist; {
		ch--
		if ch == 0 || imod == pimod {
			break
		}
		if i+l < len(dat) && dat[i+l] == dat[i+l-dif] {
			nl := 0
			for nl < maxLen && dat[i+nl] == dat[i+nl-dif] {
				nl++
			}
			if nl > l {
				l, d = nl, dif
				if nl > maxNice {
					break
				}
				mmd := min(dif, nl-2)
				md := 0
				for j := 0; j < mmd; j++ {
					ti := (i - dif + j) & windowMask
					cd := (ti - int(m.prev[ti])) & windowMask
					if cd > md {
						md, pimod = cd, ti
					}
				}
			}
		}
		imod, pimod = pimod, int(m.prev[pimod])
		dif += (imod - pimod) & windowMask
	}

	if d == 0 {
		return Match{}
	}
	return Match{Length: l, Distance: d}
}
