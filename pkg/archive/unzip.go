package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/flate"
)

type unzipState uint8

const (
	unzipHeader unzipState = iota
	unzipData
	unzipDescriptor
	unzipEnd
)

// Unzipper reads an archive as it arrives, without seeking. Entries are
// discovered from their local headers; OnFile is called for each one and
// returns the sink that receives the entry's uncompressed data, or nil to
// skip it. Reading stops at the central directory.
//
// A size or CRC-32 mismatch fails only its own entry: reading continues
// with the next header and the failures are returned together by the
// final Push. Framing errors stop the stream.
//
// Entries written with a data descriptor must be DEFLATE compressed, since
// the end of stored data cannot be found without its size.
type Unzipper struct {
	OnFile func(e *Entry) codec.Sink

	buf      []byte
	state    unzipState
	finished bool
	err      error
	failed   *multierror.Error

	cur       *Entry
	sink      codec.Sink
	dec       *flate.Decoder
	remaining uint64
	crc       checksum.CRC32
	size      uint64
}

var _ codec.Stream = (*Unzipper)(nil)

// NewUnzipper returns an Unzipper that reports entries to onFile.
func NewUnzipper(onFile func(e *Entry) codec.Sink) *Unzipper {
	return &Unzipper{OnFile: onFile}
}

// Push feeds the next chunk of the archive.
func (u *Unzipper) Push(chunk []byte, final bool) error {
	if u.OnFile == nil {
		return codec.ErrNoOutputHandler
	}
	if u.err != nil {
		return u.err
	}
	if u.finished {
		return codec.ErrStreamFinished
	}
	u.finished = final

	if u.state == unzipEnd {
		if final {
			return u.failed.ErrorOrNil()
		}
		return nil
	}
	u.buf = append(u.buf, chunk...)
	if err := u.run(); err != nil {
		return u.fail(err)
	}
	if !final {
		return nil
	}
	if u.state != unzipEnd && (u.state != unzipHeader || len(u.buf) > 0) {
		return u.fail(codec.Corruptf("archive: unexpected end of archive"))
	}
	return u.failed.ErrorOrNil()
}

// fail makes err sticky, along with any entries that failed before it.
func (u *Unzipper) fail(err error) error {
	if u.failed != nil {
		err = multierror.Append(u.failed, err)
	}
	u.err = err
	return err
}

func (u *Unzipper) run() error {
	for {
		var more bool
		var err error
		switch u.state {
		case unzipHeader:
			more, err = u.readHeader()
		case unzipData:
			more, err = u.readData()
		case unzipDescriptor:
			more, err = u.readDescriptor()
		case unzipEnd:
			u.buf = nil
			return nil
		}
		if err != nil || more {
			return err
		}
	}
}

// readHeader parses a local header, or recognises the start of the
// central directory. more reports that it needs more input.
func (u *Unzipper) readHeader() (more bool, err error) {
	if len(u.buf) < 4 {
		return true, nil
	}
	switch binary.LittleEndian.Uint32(u.buf) {
	case sigLocalFile:
	case sigCentralDir, sigEndCentralD, sigZip64End:
		u.state = unzipEnd
		return false, nil
	default:
		return false, ErrInvalidFormat
	}
	if len(u.buf) < localHeaderLen {
		return true, nil
	}
	hdr := u.buf[:localHeaderLen]
	nameLen := int(binary.LittleEndian.Uint16(hdr[26:28]))
	extraLen := int(binary.LittleEndian.Uint16(hdr[28:30]))
	end := localHeaderLen + nameLen + extraLen
	if len(u.buf) < end {
		return true, nil
	}

	flags := binary.LittleEndian.Uint16(hdr[6:8])
	compSize := binary.LittleEndian.Uint32(hdr[18:22])
	uncompSize := binary.LittleEndian.Uint32(hdr[22:26])
	e := &Entry{
		Name:           decodeName(u.buf[localHeaderLen:localHeaderLen+nameLen], flags),
		Method:         Method(binary.LittleEndian.Uint16(hdr[8:10])),
		Flags:          flags,
		CRC32:          binary.LittleEndian.Uint32(hdr[14:18]),
		CompressedSize: uint64(compSize),
		Size:           uint64(uncompSize),
		ModTime:        dosToTime(binary.LittleEndian.Uint16(hdr[10:12]), binary.LittleEndian.Uint16(hdr[12:14])),
		Mode:           0644,
	}
	extra := u.buf[localHeaderLen+nameLen : end]
	applyZip64(e, extra, uncompSize == uint32max, compSize == uint32max, false)
	if t, ok := parseExtendedTimestamp(extra); ok {
		e.ModTime = t
	}
	if e.IsDir() {
		e.Mode |= os.ModeDir
	}

	switch {
	case e.IsEncrypted():
		return false, fmt.Errorf("%s: %w", e.Name, ErrEncrypted)
	case e.Method != MethodStore && e.Method != MethodDeflate:
		return false, fmt.Errorf("%s: %w (method %d)", e.Name, ErrUnsupported, e.Method)
	case e.Method == MethodStore && e.HasDataDescriptor():
		return false, fmt.Errorf("%s: %w: stored entry with data descriptor", e.Name, ErrUnsupported)
	}

	u.buf = u.buf[end:]
	u.cur = e
	u.sink = u.OnFile(e)
	u.crc = checksum.CRC32{}
	u.size = 0
	u.remaining = e.CompressedSize
	u.dec = nil
	if e.Method == MethodDeflate {
		u.dec = flate.NewDecoder(u.emit)
	}
	u.state = unzipData
	return false, nil
}

// emit tracks the CRC and size of entry output and forwards it.
func (u *Unzipper) emit(p []byte, final bool) {
	u.crc.Update(p)
	u.size += uint64(len(p))
	if u.sink != nil {
		u.sink(p, final)
	}
}

func (u *Unzipper) readData() (more bool, err error) {
	e := u.cur
	if u.dec != nil && e.HasDataDescriptor() {
		in := u.buf
		u.buf = nil
		if err := u.dec.Push(in, false); err != nil {
			return false, fmt.Errorf("%s: %w", e.Name, err)
		}
		if !u.dec.Done() {
			return true, nil
		}
		if err := u.dec.Push(nil, true); err != nil {
			return false, fmt.Errorf("%s: %w", e.Name, err)
		}
		u.buf = append([]byte(nil), u.dec.Rest()...)
		u.state = unzipDescriptor
		return false, nil
	}

	n := uint64(len(u.buf))
	if n > u.remaining {
		n = u.remaining
	}
	chunk := u.buf[:n]
	u.buf = u.buf[n:]
	u.remaining -= n
	last := u.remaining == 0

	if u.dec != nil {
		if err := u.dec.Push(chunk, last); err != nil {
			return false, fmt.Errorf("%s: %w", e.Name, err)
		}
	} else if n > 0 || last {
		u.emit(append([]byte(nil), chunk...), last)
	}
	if !last {
		return true, nil
	}
	return false, u.finishEntry()
}

func (u *Unzipper) readDescriptor() (more bool, err error) {
	e := u.cur
	off := 0
	if len(u.buf) < 4 {
		return true, nil
	}
	if binary.LittleEndian.Uint32(u.buf) == sigDataDesc {
		off = 4
	}
	need := off + 12
	if e.Zip64 {
		need = off + 20
	}
	if len(u.buf) < need {
		return true, nil
	}
	d := u.buf[off:need]
	e.CRC32 = binary.LittleEndian.Uint32(d[0:4])
	if e.Zip64 {
		e.CompressedSize = binary.LittleEndian.Uint64(d[4:12])
		e.Size = binary.LittleEndian.Uint64(d[12:20])
	} else {
		e.CompressedSize = uint64(binary.LittleEndian.Uint32(d[4:8]))
		e.Size = uint64(binary.LittleEndian.Uint32(d[8:12]))
	}
	u.buf = u.buf[need:]
	return false, u.finishEntry()
}

// finishEntry verifies the entry just decoded and moves to the next
// header. A mismatch is recorded against the entry, not the stream.
func (u *Unzipper) finishEntry() error {
	e := u.cur
	u.state = unzipHeader
	u.cur, u.sink, u.dec = nil, nil, nil
	if u.size != e.Size {
		u.failed = multierror.Append(u.failed, fmt.Errorf("%s: %w: size %d, want %d", e.Name, ErrCorrupted, u.size, e.Size))
	} else if crc := u.crc.Sum32(); crc != e.CRC32 {
		u.failed = multierror.Append(u.failed, fmt.Errorf("%s: %w: got %08x, want %08x", e.Name, ErrChecksum, crc, e.CRC32))
	}
	return nil
}
