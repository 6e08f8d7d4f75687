// Package flate implements raw DEFLATE (RFC 1951) compression and
// decompression, both as one-shot functions and as push-based streams.
//
// The encoder parses greedily with the hash chains in package lz77 and
// picks, per block, whichever of a stored, fixed-Huffman or
// dynamic-Huffman encoding is shortest. The decoder is table driven and
// resumable at any bit position.
package flate

import (
	"github.com/ha1tch/zlate/pkg/codec"
)

// Compress returns the raw DEFLATE encoding of data.
func Compress(data []byte, opts codec.Options) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var out []byte
	e := newEncoder(opts, codec.Collect(&out), len(data))
	if err := e.Push(data, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Decompress decodes a complete raw DEFLATE stream. Bytes after the final
// block are ignored.
func Decompress(data []byte) ([]byte, error) {
	out := []byte{}
	d := NewDecoder(codec.Collect(&out))
	if err := d.Push(data, true); err != nil {
		return nil, err
	}
	return out, nil
}
