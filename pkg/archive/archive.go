// Package archive reads and writes PKZIP archives whose entries are
// stored or compressed with this module's DEFLATE codec.
//
// The package reads and writes standard PKZIP format files. It supports:
//   - Method 0: Stored (no compression)
//   - Method 8: DEFLATE (standard ZIP compression)
//
// Extended features:
//   - UTF-8 filenames (flag bit 11), code page 437 otherwise
//   - Unix timestamps (extra field 0x5455)
//   - Unix permissions (external attributes)
//   - Zip64 sizes, offsets and entry counts
//   - Data descriptors for streamed entries (flag bit 3)
//
// Archive builds a whole archive in memory, Writer emits one through a
// codec.Sink as entry data is pushed, and Unzipper reads one as it
// arrives. List, Read and ExtractAll work on a complete archive.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/detect"
	"github.com/ha1tch/zlate/pkg/flate"
)

// Compression methods
type Method uint16

const (
	MethodStore   Method = 0 // No compression
	MethodDeflate Method = 8 // Standard DEFLATE
)

func (m Method) String() string {
	switch m {
	case MethodStore:
		return "Stored"
	case MethodDeflate:
		return "Deflate"
	default:
		return "Unknown"
	}
}

// Errors
var (
	ErrInvalidFormat = fmt.Errorf("archive: not a valid ZIP file: %w", codec.ErrMalformedHeader)
	ErrCorrupted     = fmt.Errorf("archive: corrupted data: %w", codec.ErrMalformedHeader)
	ErrTooShort      = fmt.Errorf("archive: data too short: %w", codec.ErrMalformedHeader)
	ErrUnsupported   = fmt.Errorf("archive: unsupported compression method: %w", codec.ErrUnsupported)
	ErrEncrypted     = fmt.Errorf("archive: encrypted entry: %w", codec.ErrUnsupported)
	ErrChecksum      = fmt.Errorf("archive: CRC-32 mismatch: %w", codec.ErrChecksumMismatch)
)

// Entry describes one member of an archive.
type Entry struct {
	Name           string
	Comment        string
	Method         Method
	Flags          uint16
	CRC32          uint32
	CompressedSize uint64
	Size           uint64 // uncompressed size
	Offset         uint64 // offset of local header
	ModTime        time.Time
	Mode           os.FileMode // Unix permissions
	Zip64          bool
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return strings.HasSuffix(e.Name, "/") || e.Mode.IsDir() }

// IsSymlink reports whether the entry is a symbolic link; its data is the
// link target.
func (e *Entry) IsSymlink() bool { return e.Mode&os.ModeSymlink != 0 }

func (e *Entry) IsUTF8() bool            { return e.Flags&flagUTF8 != 0 }
func (e *Entry) HasDataDescriptor() bool { return e.Flags&flagDescriptor != 0 }
func (e *Entry) IsEncrypted() bool       { return e.Flags&flagEncrypted != 0 }

// Options configures archive construction.
type Options struct {
	// Level is the DEFLATE effort, 0 (store everything) to 9.
	Level int

	// Workers bounds how many entries Archive compresses concurrently.
	// Values below 2 compress sequentially.
	Workers int

	// Streaming makes Writer emit each local header before the entry data
	// and follow the data with a descriptor.
	Streaming bool

	// ForceZip64 writes Zip64 records even when 32-bit fields suffice.
	ForceZip64 bool

	// Comment is the archive comment.
	Comment string
}

// DefaultOptions returns sequential DEFLATE at codec.DefaultLevel.
func DefaultOptions() Options {
	return Options{Level: codec.DefaultLevel}
}

// Archive builds a multi-file ZIP archive.
type Archive struct {
	opts    Options
	entries []*archiveEntry
}

type archiveEntry struct {
	hdr        Entry
	data       []byte
	compressed []byte
	auto       bool // method chosen at Bytes time
}

// NewArchive creates a new archive builder.
func NewArchive(opts Options) *Archive {
	return &Archive{opts: opts}
}

// Len returns the number of entries added so far.
func (a *Archive) Len() int { return len(a.entries) }

// Add adds a file to the archive with automatic method selection: data
// that looks random, or that DEFLATE does not shrink, is stored.
func (a *Archive) Add(data []byte, name string, modTime time.Time, mode os.FileMode) error {
	a.entries = append(a.entries, &archiveEntry{
		hdr: Entry{
			Name:    name,
			Method:  MethodDeflate,
			ModTime: modTime,
			Mode:    mode,
			CRC32:   checksum.ChecksumCRC32(data),
			Size:    uint64(len(data)),
		},
		data: data,
		auto: true,
	})
	return nil
}

// AddReader adds a file whose content is read from r.
func (a *Archive) AddReader(r io.Reader, name string, modTime time.Time, mode os.FileMode) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", name, err)
	}
	return a.Add(data, name, modTime, mode)
}

// AddStore adds a file to the archive without compression (store only).
func (a *Archive) AddStore(data []byte, name string, modTime time.Time, mode os.FileMode) error {
	a.entries = append(a.entries, storedEntry(Entry{
		Name:    name,
		ModTime: modTime,
		Mode:    mode,
	}, data))
	return nil
}

// AddDirectory adds a directory entry to the archive.
func (a *Archive) AddDirectory(name string, modTime time.Time, mode os.FileMode) error {
	a.entries = append(a.entries, storedEntry(Entry{
		Name:    cleanDirName(name),
		ModTime: modTime,
		Mode:    mode | os.ModeDir,
	}, nil))
	return nil
}

// AddSymlink adds a symbolic link entry to the archive.
// The link target is stored as the file content.
func (a *Archive) AddSymlink(name string, target string, modTime time.Time, mode os.FileMode) error {
	a.entries = append(a.entries, storedEntry(Entry{
		Name:    name,
		ModTime: modTime,
		Mode:    mode | os.ModeSymlink,
	}, []byte(target)))
	return nil
}

func storedEntry(hdr Entry, data []byte) *archiveEntry {
	hdr.Method = MethodStore
	hdr.CRC32 = checksum.ChecksumCRC32(data)
	hdr.Size = uint64(len(data))
	return &archiveEntry{hdr: hdr, data: data, compressed: data}
}

// SetComment sets the comment of the most recently added entry named name.
func (a *Archive) SetComment(name, comment string) error {
	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].hdr.Name == name {
			a.entries[i].hdr.Comment = comment
			return nil
		}
	}
	return fmt.Errorf("archive: no entry %q", name)
}

// compress picks the method for an auto entry and fills in its
// compressed data.
func (e *archiveEntry) compress(level int) error {
	if len(e.data) == 0 || level == codec.LevelStore || detect.IsRandom(e.data) {
		e.hdr.Method, e.compressed = MethodStore, e.data
		return nil
	}
	comp, err := flate.Compress(e.data, codec.Options{Level: level})
	if err != nil {
		return fmt.Errorf("archive: compressing %s: %w", e.hdr.Name, err)
	}
	if len(comp) >= len(e.data) {
		e.hdr.Method, e.compressed = MethodStore, e.data
		return nil
	}
	e.hdr.Method, e.compressed = MethodDeflate, comp
	return nil
}

// compressAll compresses the pending entries, up to opts.Workers at a
// time. Results stay in entry order.
func (a *Archive) compressAll() error {
	var pending []*archiveEntry
	for _, e := range a.entries {
		if e.auto && e.compressed == nil {
			pending = append(pending, e)
		}
	}

	errs := make([]error, len(pending))
	var g errgroup.Group
	g.SetLimit(max(a.opts.Workers, 1))
	for i, e := range pending {
		g.Go(func() error {
			errs[i] = e.compress(a.opts.Level)
			return nil
		})
	}
	g.Wait()

	var result *multierror.Error
	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Bytes returns the complete ZIP archive.
func (a *Archive) Bytes() ([]byte, error) {
	if err := a.compressAll(); err != nil {
		return nil, err
	}

	opts := a.opts
	opts.Streaming = false

	var out bytes.Buffer
	w := NewWriter(func(p []byte, final bool) { out.Write(p) }, opts)
	for _, e := range a.entries {
		if err := w.addCompressed(e.hdr, e.compressed); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// WriteTo writes the complete archive to dst.
func (a *Archive) WriteTo(dst io.Writer) (int64, error) {
	data, err := a.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(data)
	return int64(n), err
}
