package container

import (
	"encoding/binary"
	"fmt"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/flate"
)

// zlib CMF byte: deflate, 32 KiB window.
const zlibCMF = 0x78

// zlibHeader returns the two header bytes for level. FLEVEL is only a
// hint; decoders ignore it.
func zlibHeader(level int) [2]byte {
	var flevel byte
	switch {
	case level == 0:
		flevel = 0
	case level < 6:
		flevel = 1
	case level == 9:
		flevel = 3
	default:
		flevel = 2
	}
	flg := flevel << 6
	if rem := (uint16(zlibCMF)<<8 | uint16(flg)) % 31; rem != 0 {
		flg += byte(31 - rem)
	}
	return [2]byte{zlibCMF, flg}
}

// isZlibHeader reports whether b0 b1 form a valid zlib header.
func isZlibHeader(b0, b1 byte) bool {
	return b0&0x0F == 8 && b0>>4 <= 7 && (uint16(b0)<<8|uint16(b1))%31 == 0
}

func checkZlibHeader(b0, b1 byte) error {
	if !isZlibHeader(b0, b1) {
		return codec.Headerf("zlib: invalid header %02x %02x", b0, b1)
	}
	if b1&0x20 != 0 {
		return fmt.Errorf("%w: zlib preset dictionary", codec.ErrUnsupported)
	}
	return nil
}

// ZlibEncoder wraps a DEFLATE stream in zlib framing (RFC 1950).
type ZlibEncoder struct {
	sink    codec.Sink
	enc     *flate.Encoder
	adler   checksum.Adler32
	header  [2]byte
	started bool
	done    bool
}

var _ codec.Stream = (*ZlibEncoder)(nil)

// NewZlibEncoder returns an encoder writing a zlib stream to sink.
func NewZlibEncoder(opts codec.Options, sink codec.Sink) (*ZlibEncoder, error) {
	z := &ZlibEncoder{sink: sink, header: zlibHeader(opts.Level)}
	enc, err := flate.NewEncoder(opts, z.emit)
	if err != nil {
		return nil, err
	}
	z.enc = enc
	return z, nil
}

// Push compresses chunk.
func (z *ZlibEncoder) Push(chunk []byte, final bool) error {
	if z.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if z.done {
		return codec.ErrStreamFinished
	}
	z.done = final
	z.adler.Update(chunk)
	return z.enc.Push(chunk, final)
}

func (z *ZlibEncoder) emit(p []byte, final bool) {
	if !z.started {
		p = append(z.header[:], p...)
		z.started = true
	}
	if final {
		p = binary.BigEndian.AppendUint32(p, z.adler.Sum32())
	}
	z.sink(p, final)
}

// ZlibDecoder unwraps a zlib stream and inflates its payload.
type ZlibDecoder struct {
	sink     codec.Sink
	head     []byte
	dec      *flate.Decoder
	adler    checksum.Adler32
	finished bool
	err      error
}

var _ codec.Stream = (*ZlibDecoder)(nil)

// NewZlibDecoder returns a decoder delivering inflated data to sink.
func NewZlibDecoder(sink codec.Sink) *ZlibDecoder {
	return &ZlibDecoder{sink: sink}
}

// Push consumes the next chunk of the zlib stream. The Adler-32 trailer
// is verified on the final push, after all data has been delivered.
func (z *ZlibDecoder) Push(chunk []byte, final bool) error {
	if z.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if z.err != nil {
		return z.err
	}
	if z.finished {
		return codec.ErrStreamFinished
	}
	z.finished = final
	z.err = z.push(chunk, final)
	return z.err
}

func (z *ZlibDecoder) push(chunk []byte, final bool) error {
	if z.dec == nil {
		z.head = append(z.head, chunk...)
		if len(z.head) < 2 {
			if final {
				return codec.Headerf("zlib: truncated header")
			}
			return nil
		}
		if err := checkZlibHeader(z.head[0], z.head[1]); err != nil {
			return err
		}
		chunk = z.head[2:]
		z.head = nil
		z.dec = flate.NewDecoder(z.emit)
	}

	if err := z.dec.Push(chunk, false); err != nil {
		return err
	}
	if !final {
		return nil
	}
	if !z.dec.Done() {
		return codec.Corruptf("zlib: unexpected end of stream")
	}
	rest := z.dec.Rest()
	if len(rest) < 4 {
		return codec.Corruptf("zlib: truncated trailer")
	}
	z.sink(nil, true)
	if want, got := binary.BigEndian.Uint32(rest), z.adler.Sum32(); got != want {
		return fmt.Errorf("%w: zlib adler32 %08x, want %08x", codec.ErrChecksumMismatch, got, want)
	}
	return nil
}

func (z *ZlibDecoder) emit(p []byte, final bool) {
	z.adler.Update(p)
	if len(p) > 0 {
		z.sink(p, false)
	}
}
