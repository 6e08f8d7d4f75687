// Package detect classifies input data so callers can skip compressing
// data that DEFLATE cannot shrink.
package detect

import (
	"math"
)

// Type represents the detected type of input data.
type Type int

const (
	TypeText       Type = iota // Natural language prose
	TypeCode                   // Source code / structured text
	TypeBinary                 // General binary
	TypeRepetitive             // Highly repetitive data
	TypeLowEntropy             // Low entropy (restricted byte range)
	TypeRandom                 // High entropy, incompressible
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeCode:
		return "code"
	case TypeBinary:
		return "binary"
	case TypeRepetitive:
		return "repetitive"
	case TypeLowEntropy:
		return "low-entropy"
	case TypeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// SampleSize is how much of the input Detect looks at.
const SampleSize = 8192

// Profile contains statistics about input data.
type Profile struct {
	Type           Type
	Entropy        float64 // bits per byte (0-8)
	ASCIIRatio     float64 // fraction of printable ASCII
	UniqueBytes    int     // number of distinct byte values
	RepetitionRate float64 // estimated repetition (0-1)
	CodeScore      float64 // likelihood of being source code (0-1)
}

// Compressible reports whether DEFLATE is worth trying on data with
// this profile.
func (p Profile) Compressible() bool { return p.Type != TypeRandom }

// Detect analyzes data and returns its profile.
// Uses the first SampleSize bytes if data is larger.
func Detect(data []byte) Profile {
	if len(data) == 0 {
		return Profile{Type: TypeRandom}
	}
	sample := data[:min(len(data), SampleSize)]

	var freq [256]int
	for _, b := range sample {
		freq[b]++
	}

	uniqueBytes := 0
	entropy := 0.0
	n := float64(len(sample))
	for _, f := range freq {
		if f > 0 {
			uniqueBytes++
			p := float64(f) / n
			entropy -= p * math.Log2(p)
		}
	}

	// Printable ASCII plus \t, \n, \r
	asciiCount := freq['\t'] + freq['\n'] + freq['\r']
	for b := 0x20; b <= 0x7E; b++ {
		asciiCount += freq[b]
	}

	p := Profile{
		Entropy:        entropy,
		ASCIIRatio:     float64(asciiCount) / n,
		UniqueBytes:    uniqueBytes,
		RepetitionRate: estimateRepetition(sample),
		CodeScore:      computeCodeScore(sample, freq[:]),
	}

	switch {
	case p.ASCIIRatio > 0.85 && p.CodeScore >= 0.4:
		p.Type = TypeCode
	case p.ASCIIRatio > 0.85:
		p.Type = TypeText
	case p.RepetitionRate > 0.3:
		p.Type = TypeRepetitive
	case entropy < 5.0:
		p.Type = TypeLowEntropy
	case entropy > 7.5 && uniqueBytes > 250:
		p.Type = TypeRandom
	default:
		p.Type = TypeBinary
	}
	return p
}

// IsRandom reports whether non-empty data looks incompressible.
func IsRandom(data []byte) bool {
	return len(data) > 0 && !Detect(data).Compressible()
}

// estimateRepetition estimates how repetitive the data is
func estimateRepetition(data []byte) float64 {
	if len(data) < 8 {
		return 0
	}

	// Count 4-byte sequences that repeat
	seen := make(map[uint32]struct{})
	repeats := 0
	total := 0
	for i := 0; i <= len(data)-4; i += 2 {
		key := uint32(data[i]) | uint32(data[i+1])<<8 |
			uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		if _, ok := seen[key]; ok {
			repeats++
		}
		seen[key] = struct{}{}
		total++
	}
	return float64(repeats) / float64(total)
}

// computeCodeScore estimates likelihood that data is source code
func computeCodeScore(data []byte, freq []int) float64 {
	n := float64(len(data))
	ratio := func(bs ...byte) float64 {
		c := 0
		for _, b := range bs {
			c += freq[b]
		}
		return float64(c) / n
	}

	score := 0.0
	if ratio('{', '}', '[', ']', '(', ')') > 0.02 {
		score += 0.3
	}
	if ratio(';', ':') > 0.01 {
		score += 0.2
	}
	if ratio('"', '\'') > 0.02 {
		score += 0.1
	}
	if ratio('\t') > 0.02 {
		score += 0.2
	}
	// code typically 0.05-0.15 spaces vs prose 0.15-0.20
	if ratio(' ') < 0.12 {
		score += 0.1
	}
	if ratio('=', '+', '-', '*', '/', '<', '>') > 0.01 {
		score += 0.1
	}
	return min(score, 1.0)
}
