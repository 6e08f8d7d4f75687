package container

import (
	"github.com/ha1tch/zlate/pkg/archive"
	"github.com/ha1tch/zlate/pkg/codec"
)

// DefaultEntryName names the entry of a single-entry ZIP when
// Options.Filename is empty.
const DefaultEntryName = "data"

// ZipEntryEncoder writes its input as the only entry of a ZIP archive.
// The archive is streamed: the entry gets a data descriptor unless the
// level is 0.
type ZipEntryEncoder struct {
	w     *archive.Writer
	entry *archive.EntryWriter
}

var _ codec.Stream = (*ZipEntryEncoder)(nil)

// NewZipEntryEncoder returns an encoder writing a single-entry archive
// to sink.
func NewZipEntryEncoder(opts codec.Options, sink codec.Sink) (*ZipEntryEncoder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	w := archive.NewWriter(sink, archive.Options{Level: opts.Level, Streaming: true})
	hdr := archive.Entry{
		Name:    opts.Filename,
		Comment: opts.Comment,
		Method:  archive.MethodDeflate,
		ModTime: opts.ModTime,
		Mode:    0644,
	}
	if hdr.Name == "" {
		hdr.Name = DefaultEntryName
	}
	if opts.Level == codec.LevelStore {
		hdr.Method = archive.MethodStore
	}
	entry, err := w.Create(hdr)
	if err != nil {
		return nil, err
	}
	return &ZipEntryEncoder{w: w, entry: entry}, nil
}

// Push adds chunk to the entry; the final push also writes the central
// directory.
func (z *ZipEntryEncoder) Push(chunk []byte, final bool) error {
	if err := z.entry.Push(chunk, final); err != nil {
		return err
	}
	if final {
		return z.w.Close()
	}
	return nil
}

// ZipEntryDecoder extracts the first entry of a ZIP archive as it
// arrives. Later entries are checked but their data is dropped.
type ZipEntryDecoder struct {
	sink  codec.Sink
	u     *archive.Unzipper
	entry *archive.Entry
}

var _ codec.Stream = (*ZipEntryDecoder)(nil)

// NewZipEntryDecoder returns a decoder delivering the first entry's data
// to sink.
func NewZipEntryDecoder(sink codec.Sink) *ZipEntryDecoder {
	z := &ZipEntryDecoder{sink: sink}
	z.u = archive.NewUnzipper(z.onFile)
	return z
}

func (z *ZipEntryDecoder) onFile(e *archive.Entry) codec.Sink {
	if z.entry != nil {
		return nil
	}
	z.entry = e
	return func(p []byte, final bool) {
		if len(p) > 0 {
			z.sink(p, false)
		}
	}
}

// Entry returns the entry being extracted, or nil before its header has
// been read.
func (z *ZipEntryDecoder) Entry() *archive.Entry { return z.entry }

// Push consumes the next chunk of the archive.
func (z *ZipEntryDecoder) Push(chunk []byte, final bool) error {
	if z.sink == nil {
		return codec.ErrNoOutputHandler
	}
	if err := z.u.Push(chunk, final); err != nil {
		return err
	}
	if final {
		if z.entry == nil {
			return codec.Headerf("zip: archive has no entries")
		}
		z.sink(nil, true)
	}
	return nil
}
