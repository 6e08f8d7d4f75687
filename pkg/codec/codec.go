// Package codec defines the push-based streaming contract shared by every
// compressor, decompressor and container adapter in this module, along
// with the options and the error taxonomy they report.
//
// A Stream consumes chunks through Push and hands its output to a Sink.
// Push processes the whole chunk before it returns; the sink is called
// synchronously from inside Push. The final chunk is marked by final=true,
// after which the stream rejects further input.
package codec

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// Sink receives output produced by a Stream. The stream hands ownership
// of data to the sink and will not modify it afterwards. final is true on
// the last call for the stream.
type Sink func(data []byte, final bool)

// Stream is implemented by every codec and container adapter.
type Stream interface {
	// Push feeds the next chunk. Chunks must arrive in stream order and
	// the last one must have final set.
	Push(chunk []byte, final bool) error
}

// Error classes. Every error returned by this module's codecs wraps one
// of these, so callers classify failures with errors.Is.
var (
	// ErrMalformedHeader reports bad magic, version or header checksum in
	// zlib, gzip or ZIP framing.
	ErrMalformedHeader = errors.New("codec: malformed header")

	// ErrCorruptStream reports an invalid DEFLATE bitstream, including a
	// stream that ends early when the final chunk has been pushed.
	ErrCorruptStream = errors.New("codec: corrupt stream")

	// ErrChecksumMismatch reports a CRC-32 or Adler-32 verification
	// failure. Output already delivered is not retracted.
	ErrChecksumMismatch = errors.New("codec: checksum mismatch")

	// ErrUnsupported reports encrypted entries, preset dictionaries and
	// unknown compression methods.
	ErrUnsupported = errors.New("codec: unsupported feature")

	// ErrProtocolMisuse reports a caller breaking the Stream contract.
	ErrProtocolMisuse = errors.New("codec: protocol misuse")
)

// Protocol misuse refinements.
var (
	ErrStreamFinished  = fmt.Errorf("%w: stream already finished", ErrProtocolMisuse)
	ErrNoOutputHandler = fmt.Errorf("%w: no output handler", ErrProtocolMisuse)
	ErrNoData          = fmt.Errorf("%w: finalized without data", ErrProtocolMisuse)
	ErrInvalidOptions  = fmt.Errorf("%w: invalid options", ErrProtocolMisuse)
)

// Corruptf returns an ErrCorruptStream with detail.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorruptStream}, args...)...)
}

// Headerf returns an ErrMalformedHeader with detail.
func Headerf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedHeader}, args...)...)
}

// Container selects the framing around a raw DEFLATE stream.
type Container uint8

const (
	// ContainerAuto detects the framing when decoding and writes raw
	// DEFLATE when encoding.
	ContainerAuto Container = iota
	ContainerRaw
	ContainerZlib
	ContainerGzip
	// ContainerZipEntry wraps the data as the single entry of a ZIP
	// archive.
	ContainerZipEntry
)

func (c Container) String() string {
	switch c {
	case ContainerAuto:
		return "auto"
	case ContainerRaw:
		return "raw"
	case ContainerZlib:
		return "zlib"
	case ContainerGzip:
		return "gzip"
	case ContainerZipEntry:
		return "zip"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseContainer parses the name returned by Container.String.
func ParseContainer(name string) (Container, error) {
	switch name {
	case "auto", "":
		return ContainerAuto, nil
	case "raw", "deflate":
		return ContainerRaw, nil
	case "zlib":
		return ContainerZlib, nil
	case "gzip", "gz":
		return ContainerGzip, nil
	case "zip":
		return ContainerZipEntry, nil
	default:
		return 0, fmt.Errorf("%w: unknown container %q", ErrInvalidOptions, name)
	}
}

// Compression levels.
const (
	LevelStore   = 0
	LevelFastest = 1
	DefaultLevel = 6
	LevelBest    = 9
)

// MaxMemLevel is the largest accepted Options.MemLevel.
const MaxMemLevel = 13

// Options configures one compression or decompression operation.
// It is passed by value and never modified by the codecs.
type Options struct {
	// Level is the effort level, 0 (store only) to 9.
	Level int

	// MemLevel sizes the encoder's match-finder hash table as
	// 2^(11+MemLevel) heads. Zero picks a size from the input length.
	MemLevel int

	Container Container

	// Container metadata: gzip FNAME/FCOMMENT/MTIME, ZIP entry
	// name/comment/modification time.
	Filename string
	Comment  string
	ModTime  time.Time
}

// DefaultOptions returns raw DEFLATE at DefaultLevel.
func DefaultOptions() Options {
	return Options{Level: DefaultLevel}
}

// Validate checks the numeric ranges.
func (o Options) Validate() error {
	if o.Level < LevelStore || o.Level > LevelBest {
		return fmt.Errorf("%w: level %d out of range 0-9", ErrInvalidOptions, o.Level)
	}
	if o.MemLevel < 0 || o.MemLevel > MaxMemLevel {
		return fmt.Errorf("%w: mem level %d out of range 0-%d", ErrInvalidOptions, o.MemLevel, MaxMemLevel)
	}
	if o.Container > ContainerZipEntry {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, o.Container)
	}
	return nil
}

// Collect returns a Sink that appends every chunk to *dst.
func Collect(dst *[]byte) Sink {
	return func(data []byte, final bool) {
		*dst = append(*dst, data...)
	}
}

// Feed reads r in chunks of size bytes and pushes them to s, reading one
// chunk ahead so the last one carries final. Every chunk is a fresh slice,
// so s may keep it. Empty input is pushed as a single empty final chunk.
func Feed(s Stream, r io.Reader, size int) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: chunk size %d", ErrInvalidOptions, size)
	}
	var total int64
	cur := make([]byte, size)
	n, err := io.ReadFull(r, cur)
	for {
		total += int64(n)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return total, s.Push(cur[:n], true)
		}
		if err != nil {
			return total, err
		}
		next := make([]byte, size)
		m, nerr := io.ReadFull(r, next)
		if nerr == io.EOF {
			return total, s.Push(cur[:n], true)
		}
		if err := s.Push(cur[:n], false); err != nil {
			return total, err
		}
		cur, n, err = next, m, nerr
	}
}
