// Package container frames raw DEFLATE streams as zlib (RFC 1950), gzip
// (RFC 1952) or a single-entry ZIP archive, and detects the framing of
// incoming data.
//
// Every encoder and decoder here is a codec.Stream. Decoders deliver
// data as soon as it is inflated and check trailers on the final push,
// so a checksum error arrives after the data it covers.
package container

import (
	"errors"
	"fmt"

	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/flate"
)

// Detect guesses the framing of data from its first bytes: gzip magic,
// a ZIP local header or end record, a valid zlib header, and raw
// DEFLATE otherwise.
func Detect(data []byte) codec.Container {
	switch {
	case len(data) >= 3 && data[0] == gzipID1 && data[1] == gzipID2 && data[2] == gzipDeflate:
		return codec.ContainerGzip
	case len(data) >= 4 && data[0] == 'P' && data[1] == 'K' &&
		(data[2] == 3 && data[3] == 4 || data[2] == 5 && data[3] == 6):
		return codec.ContainerZipEntry
	case len(data) >= 2 && isZlibHeader(data[0], data[1]):
		return codec.ContainerZlib
	default:
		return codec.ContainerRaw
	}
}

// detectLen is how many bytes the auto decoder waits for before it
// picks a format.
const detectLen = 4

// NewEncoder returns an encoder for opts.Container. ContainerAuto writes
// raw DEFLATE.
func NewEncoder(opts codec.Options, sink codec.Sink) (codec.Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch opts.Container {
	case codec.ContainerAuto, codec.ContainerRaw:
		return flate.NewEncoder(opts, sink)
	case codec.ContainerZlib:
		return NewZlibEncoder(opts, sink)
	case codec.ContainerGzip:
		return NewGzipEncoder(opts, sink)
	case codec.ContainerZipEntry:
		return NewZipEntryEncoder(opts, sink)
	}
	return nil, fmt.Errorf("%w: %v", codec.ErrInvalidOptions, opts.Container)
}

// NewDecoderFor returns a decoder for container c. ContainerAuto detects
// the framing from the first bytes.
func NewDecoderFor(c codec.Container, sink codec.Sink) (codec.Stream, error) {
	switch c {
	case codec.ContainerAuto:
		return NewDecoder(sink), nil
	case codec.ContainerRaw:
		return flate.NewDecoder(sink), nil
	case codec.ContainerZlib:
		return NewZlibDecoder(sink), nil
	case codec.ContainerGzip:
		return NewGzipDecoder(sink), nil
	case codec.ContainerZipEntry:
		return NewZipEntryDecoder(sink), nil
	}
	return nil, fmt.Errorf("%w: %v", codec.ErrInvalidOptions, c)
}

// AutoDecoder buffers the first few bytes of a stream, detects their
// framing and hands everything to the matching decoder.
type AutoDecoder struct {
	sink     codec.Sink
	buf      []byte
	s        codec.Stream
	format   codec.Container
	finished bool
}

var _ codec.Stream = (*AutoDecoder)(nil)

// NewDecoder returns a decoder that detects gzip, zlib, ZIP or raw
// DEFLATE input.
func NewDecoder(sink codec.Sink) *AutoDecoder {
	return &AutoDecoder{sink: sink}
}

// Format returns the detected container, or ContainerAuto while still
// undecided.
func (a *AutoDecoder) Format() codec.Container { return a.format }

// Push consumes the next chunk.
func (a *AutoDecoder) Push(chunk []byte, final bool) error {
	if a.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if a.s != nil {
		return a.s.Push(chunk, final)
	}
	if a.finished {
		return codec.ErrStreamFinished
	}
	a.finished = final

	a.buf = append(a.buf, chunk...)
	if len(a.buf) < detectLen && !final {
		return nil
	}
	if len(a.buf) == 0 {
		return codec.ErrNoData
	}
	a.format = Detect(a.buf)
	s, err := NewDecoderFor(a.format, a.sink)
	if err != nil {
		return err
	}
	a.s = s
	buf := a.buf
	a.buf = nil
	return a.s.Push(buf, final)
}

// Compress encodes data in one call.
func Compress(data []byte, opts codec.Options) ([]byte, error) {
	var out []byte
	enc, err := NewEncoder(opts, codec.Collect(&out))
	if err != nil {
		return nil, err
	}
	if err := enc.Push(data, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Decompress decodes data framed as opts.Container in one call. On a
// checksum error the decoded data is returned with the error.
func Decompress(data []byte, opts codec.Options) ([]byte, error) {
	out := []byte{}
	dec, err := NewDecoderFor(opts.Container, codec.Collect(&out))
	if err != nil {
		return nil, err
	}
	if err := dec.Push(data, true); err != nil {
		if errors.Is(err, codec.ErrChecksumMismatch) {
			return out, err
		}
		return nil, err
	}
	return out, nil
}
