package archive

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/flate"
)

// Writer builds an archive incrementally and hands the bytes to a sink as
// soon as they can be written. Entries appear in the archive in the order
// they were created; data pushed to a later entry is held until every
// earlier entry has finished.
//
// In buffered mode an entry is written once it is complete, with its real
// sizes in the local header. In streaming mode (Options.Streaming) the
// local header of a DEFLATE entry goes out immediately with flag bit 3
// set, the data follows as it is compressed and a data descriptor closes
// the entry. Stored entries are always buffered.
//
// A Writer and its EntryWriters may be used from multiple goroutines.
type Writer struct {
	mu      sync.Mutex
	sink    codec.Sink
	opts    Options
	offset  uint64
	queue   []*EntryWriter
	central []Entry
	closed  bool
}

// NewWriter returns a Writer delivering archive bytes to sink.
func NewWriter(sink codec.Sink, opts Options) *Writer {
	return &Writer{sink: sink, opts: opts}
}

// EntryWriter receives the uncompressed data of one entry.
type EntryWriter struct {
	w   *Writer
	hdr Entry
	enc *flate.Encoder

	crc     checksum.CRC32
	pending [][]byte
	started bool
	done    bool
}

var _ codec.Stream = (*EntryWriter)(nil)

// Create starts a new entry. Only Name, Comment, Method, ModTime and Mode
// of hdr are used. Directory names get a trailing slash.
func (w *Writer) Create(hdr Entry) (*EntryWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return nil, err
	}
	ew := &EntryWriter{w: w, hdr: Entry{
		Name:    hdr.Name,
		Comment: hdr.Comment,
		Method:  hdr.Method,
		ModTime: hdr.ModTime,
		Mode:    hdr.Mode,
	}}
	if ew.hdr.Mode.IsDir() {
		ew.hdr.Name = cleanDirName(ew.hdr.Name)
	}
	if err := checkLengths(&ew.hdr); err != nil {
		return nil, err
	}

	switch hdr.Method {
	case MethodStore:
	case MethodDeflate:
		enc, err := flate.NewEncoder(codec.Options{Level: w.opts.Level}, ew.collect)
		if err != nil {
			return nil, err
		}
		ew.enc = enc
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupported, hdr.Method)
	}
	ew.hdr.Flags = entryFlags(&ew.hdr, w.opts.Level, w.opts.Streaming && hdr.Method == MethodDeflate)
	ew.hdr.Zip64 = w.opts.ForceZip64

	w.queue = append(w.queue, ew)
	return ew, nil
}

// addCompressed queues an entry whose compressed data, CRC and size are
// already known.
func (w *Writer) addCompressed(hdr Entry, compressed []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	if err := checkLengths(&hdr); err != nil {
		return err
	}
	hdr.Flags = entryFlags(&hdr, w.opts.Level, false)
	hdr.CompressedSize = uint64(len(compressed))
	hdr.Zip64 = w.opts.ForceZip64
	ew := &EntryWriter{w: w, hdr: hdr, done: true}
	if len(compressed) > 0 {
		ew.pending = [][]byte{compressed}
	}
	w.queue = append(w.queue, ew)
	w.drain()
	return nil
}

func (w *Writer) check() error {
	if w.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if w.closed {
		return codec.ErrStreamFinished
	}
	if len(w.opts.Comment) > uint16max {
		return fmt.Errorf("%w: archive comment is %d bytes, limit %d", codec.ErrInvalidOptions, len(w.opts.Comment), uint16max)
	}
	return nil
}

// checkLengths rejects names and comments too long for their 16-bit
// length fields.
func checkLengths(e *Entry) error {
	if len(e.Name) > uint16max {
		return fmt.Errorf("%w: name is %d bytes, limit %d", codec.ErrInvalidOptions, len(e.Name), uint16max)
	}
	if len(e.Comment) > uint16max {
		return fmt.Errorf("%w: %s: comment is %d bytes, limit %d", codec.ErrInvalidOptions, e.Name, len(e.Comment), uint16max)
	}
	return nil
}

// collect is the encoder's sink; it runs with w.mu held.
func (ew *EntryWriter) collect(p []byte, final bool) {
	if len(p) == 0 {
		return
	}
	ew.pending = append(ew.pending, p)
	ew.hdr.CompressedSize += uint64(len(p))
}

// Push feeds the next chunk of entry data. The entry is complete once a
// chunk is pushed with final set.
func (ew *EntryWriter) Push(chunk []byte, final bool) error {
	w := ew.w
	w.mu.Lock()
	defer w.mu.Unlock()

	if ew.done {
		return codec.ErrStreamFinished
	}
	ew.crc.Update(chunk)
	ew.hdr.Size += uint64(len(chunk))
	if ew.enc != nil {
		if err := ew.enc.Push(chunk, final); err != nil {
			return err
		}
	} else {
		ew.collect(bytes.Clone(chunk), final)
	}
	if final {
		ew.done = true
		ew.hdr.CRC32 = ew.crc.Sum32()
	}
	w.drain()
	return nil
}

// Name returns the entry name.
func (ew *EntryWriter) Name() string { return ew.hdr.Name }

// drain writes everything the head of the queue allows.
func (w *Writer) drain() {
	for len(w.queue) > 0 {
		ew := w.queue[0]
		if !ew.started {
			streamed := ew.hdr.HasDataDescriptor()
			if !streamed && !ew.done {
				return
			}
			ew.hdr.Offset = w.offset
			if !streamed && needsZip64(&ew.hdr) {
				ew.hdr.Zip64 = true
			}
			var hdr bytes.Buffer
			writeLocalHeader(&hdr, &ew.hdr)
			w.emit(hdr.Bytes())
			ew.started = true
		}
		for _, p := range ew.pending {
			w.emit(p)
		}
		ew.pending = nil
		if !ew.done {
			return
		}

		if needsZip64(&ew.hdr) {
			ew.hdr.Zip64 = true
		}
		if ew.hdr.HasDataDescriptor() {
			var desc bytes.Buffer
			writeDataDescriptor(&desc, &ew.hdr)
			w.emit(desc.Bytes())
		}
		w.central = append(w.central, ew.hdr)
		w.queue = w.queue[1:]
	}
}

func (w *Writer) emit(p []byte) {
	w.offset += uint64(len(p))
	w.sink(p, false)
}

// Close writes the central directory and end records. Every entry must
// have received its final chunk.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.check(); err != nil {
		return err
	}
	if len(w.queue) > 0 {
		return fmt.Errorf("%w: entry %q not finished", codec.ErrProtocolMisuse, w.queue[0].hdr.Name)
	}
	w.closed = true

	var buf bytes.Buffer
	cdOffset := w.offset
	zip64 := w.opts.ForceZip64 || len(w.central) >= uint16max || cdOffset >= uint32max
	for i := range w.central {
		writeCentralDir(&buf, &w.central[i])
	}
	cdSize := uint64(buf.Len())
	if cdSize >= uint32max {
		zip64 = true
	}
	writeEndCentralDir(&buf, len(w.central), cdSize, cdOffset, w.opts.Comment, zip64)

	w.offset += uint64(buf.Len())
	w.sink(buf.Bytes(), true)
	return nil
}
