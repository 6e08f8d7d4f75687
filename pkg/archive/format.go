package archive

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// ZIP signatures
const (
	sigLocalFile     = 0x04034b50
	sigDataDesc      = 0x08074b50
	sigCentralDir    = 0x02014b50
	sigEndCentralD   = 0x06054b50
	sigZip64End      = 0x06064b50
	sigZip64Locator  = 0x07064b50
	localHeaderLen   = 30
	centralHeaderLen = 46
	endCentralLen    = 22
	zip64EndLen      = 56
	zip64LocatorLen  = 20

	// maxCommentLen bounds the EOCD search.
	maxCommentLen = 0xFFFF
)

// ZIP constants
const (
	zipVersion       = 20     // 2.0 - minimum for DEFLATE
	zipVersion64     = 45     // 4.5 - Zip64
	zipVersionUnix   = 0x0314 // Unix, version 2.0
	zipVersionUnix64 = 0x032D // Unix, version 4.5

	flagEncrypted  = 0x0001 // Bit 0
	flagDescriptor = 0x0008 // Bit 3: sizes follow the data
	flagUTF8       = 0x0800 // Bit 11: UTF-8 filename

	uint16max = 0xFFFF
	uint32max = 0xFFFFFFFF
)

// Unix file type constants (for st_mode)
const (
	unixModeTypeMask = 0170000 // S_IFMT - mask for file type
	unixModeRegular  = 0100000 // S_IFREG - regular file
	unixModeDir      = 0040000 // S_IFDIR - directory
	unixModeSymlink  = 0120000 // S_IFLNK - symbolic link
)

// Extra field IDs
const (
	extraZip64      = 0x0001
	extraExtendedTS = 0x5455 // Extended timestamp
)

// levelFlags returns the DEFLATE option bits 1-2 for level.
func levelFlags(level int) uint16 {
	switch {
	case level == 1:
		return 6 // super fast
	case level == 2 || level == 3:
		return 4 // fast
	case level == 9:
		return 2 // maximum
	default:
		return 0
	}
}

// needsZip64 reports whether e cannot be described by 32-bit fields.
func needsZip64(e *Entry) bool {
	return e.Size >= uint32max || e.CompressedSize >= uint32max || e.Offset >= uint32max
}

// makeExtendedTimestamp creates the 0x5455 extra field.
// Both headers carry flags + mtime.
func makeExtendedTimestamp(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	extra := make([]byte, 9)
	binary.LittleEndian.PutUint16(extra[0:2], extraExtendedTS)
	binary.LittleEndian.PutUint16(extra[2:4], 5) // size: flags(1) + mtime(4)
	extra[4] = 0x01                              // flags: bit 0 = mtime present
	binary.LittleEndian.PutUint32(extra[5:9], uint32(t.Unix()))
	return extra
}

// makeZip64Extra builds a 0x0001 extra field holding the given values.
func makeZip64Extra(values ...uint64) []byte {
	extra := make([]byte, 4+8*len(values))
	binary.LittleEndian.PutUint16(extra[0:2], extraZip64)
	binary.LittleEndian.PutUint16(extra[2:4], uint16(8*len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(extra[4+8*i:], v)
	}
	return extra
}

// hasNonASCII returns true if the string contains any non-ASCII bytes.
func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return true
		}
	}
	return false
}

// entryFlags returns the general purpose flags for a new entry.
func entryFlags(e *Entry, level int, descriptor bool) uint16 {
	var flags uint16
	if hasNonASCII(e.Name) || hasNonASCII(e.Comment) {
		flags |= flagUTF8
	}
	if e.Method == MethodDeflate {
		flags |= levelFlags(level)
	}
	if descriptor {
		flags |= flagDescriptor
	}
	return flags
}

// writeLocalHeader writes a ZIP local file header for e. With a data
// descriptor the CRC and sizes are left zero.
func writeLocalHeader(w *bytes.Buffer, e *Entry) {
	dosTime, dosDate := timeToDOS(e.ModTime)
	extra := makeExtendedTimestamp(e.ModTime)

	version := uint16(zipVersion)
	crc := e.CRC32
	compSize, uncompSize := uint32(e.CompressedSize), uint32(e.Size)
	switch {
	case e.HasDataDescriptor():
		crc, compSize, uncompSize = 0, 0, 0
		if e.Zip64 {
			version = zipVersion64
			extra = append(makeZip64Extra(0, 0), extra...)
		}
	case e.Zip64:
		version = zipVersion64
		compSize, uncompSize = uint32max, uint32max
		extra = append(makeZip64Extra(e.Size, e.CompressedSize), extra...)
	}

	var hdr [localHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sigLocalFile)
	binary.LittleEndian.PutUint16(hdr[4:6], version)
	binary.LittleEndian.PutUint16(hdr[6:8], e.Flags)
	binary.LittleEndian.PutUint16(hdr[8:10], uint16(e.Method))
	binary.LittleEndian.PutUint16(hdr[10:12], dosTime)
	binary.LittleEndian.PutUint16(hdr[12:14], dosDate)
	binary.LittleEndian.PutUint32(hdr[14:18], crc)
	binary.LittleEndian.PutUint32(hdr[18:22], compSize)
	binary.LittleEndian.PutUint32(hdr[22:26], uncompSize)
	binary.LittleEndian.PutUint16(hdr[26:28], uint16(len(e.Name)))
	binary.LittleEndian.PutUint16(hdr[28:30], uint16(len(extra)))

	w.Write(hdr[:])
	w.WriteString(e.Name)
	w.Write(extra)
}

// writeDataDescriptor writes the signed descriptor that follows
// streamed entry data: 16 bytes, or 24 for Zip64 entries.
func writeDataDescriptor(w *bytes.Buffer, e *Entry) {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sigDataDesc)
	binary.LittleEndian.PutUint32(hdr[4:8], e.CRC32)
	if e.Zip64 {
		binary.LittleEndian.PutUint64(hdr[8:16], e.CompressedSize)
		binary.LittleEndian.PutUint64(hdr[16:24], e.Size)
		w.Write(hdr[:24])
		return
	}
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(e.CompressedSize))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(e.Size))
	w.Write(hdr[:16])
}

// writeCentralDir writes a ZIP central directory entry.
func writeCentralDir(w *bytes.Buffer, e *Entry) {
	dosTime, dosDate := timeToDOS(e.ModTime)
	extra := makeExtendedTimestamp(e.ModTime)

	madeBy, version := uint16(zipVersionUnix), uint16(zipVersion)
	compSize, uncompSize, offset := uint32(e.CompressedSize), uint32(e.Size), uint32(e.Offset)
	if e.Zip64 {
		madeBy, version = zipVersionUnix64, zipVersion64
		compSize, uncompSize, offset = uint32max, uint32max, uint32max
		extra = append(makeZip64Extra(e.Size, e.CompressedSize, e.Offset), extra...)
	}
	externalAttrs := goModeToUnix(e.Mode) << 16

	var hdr [centralHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sigCentralDir)
	binary.LittleEndian.PutUint16(hdr[4:6], madeBy)  // version made by (Unix)
	binary.LittleEndian.PutUint16(hdr[6:8], version) // version needed
	binary.LittleEndian.PutUint16(hdr[8:10], e.Flags)
	binary.LittleEndian.PutUint16(hdr[10:12], uint16(e.Method))
	binary.LittleEndian.PutUint16(hdr[12:14], dosTime)
	binary.LittleEndian.PutUint16(hdr[14:16], dosDate)
	binary.LittleEndian.PutUint32(hdr[16:20], e.CRC32)
	binary.LittleEndian.PutUint32(hdr[20:24], compSize)
	binary.LittleEndian.PutUint32(hdr[24:28], uncompSize)
	binary.LittleEndian.PutUint16(hdr[28:30], uint16(len(e.Name)))
	binary.LittleEndian.PutUint16(hdr[30:32], uint16(len(extra)))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(len(e.Comment)))
	binary.LittleEndian.PutUint16(hdr[34:36], 0) // disk number
	binary.LittleEndian.PutUint16(hdr[36:38], 0) // internal attrs
	binary.LittleEndian.PutUint32(hdr[38:42], externalAttrs)
	binary.LittleEndian.PutUint32(hdr[42:46], offset)

	w.Write(hdr[:])
	w.WriteString(e.Name)
	w.Write(extra)
	w.WriteString(e.Comment)
}

// writeEndCentralDir writes the end of central directory record, preceded
// by the Zip64 record and locator when zip64 is set.
func writeEndCentralDir(w *bytes.Buffer, numEntries int, centralDirSize, centralDirOffset uint64, comment string, zip64 bool) {
	count16 := uint16(numEntries)
	size32, offset32 := uint32(centralDirSize), uint32(centralDirOffset)

	if zip64 {
		recordOffset := centralDirOffset + centralDirSize

		var rec [zip64EndLen]byte
		binary.LittleEndian.PutUint32(rec[0:4], sigZip64End)
		binary.LittleEndian.PutUint64(rec[4:12], zip64EndLen-12) // size of the rest of the record
		binary.LittleEndian.PutUint16(rec[12:14], zipVersionUnix64)
		binary.LittleEndian.PutUint16(rec[14:16], zipVersion64)
		binary.LittleEndian.PutUint64(rec[24:32], uint64(numEntries))
		binary.LittleEndian.PutUint64(rec[32:40], uint64(numEntries))
		binary.LittleEndian.PutUint64(rec[40:48], centralDirSize)
		binary.LittleEndian.PutUint64(rec[48:56], centralDirOffset)
		w.Write(rec[:])

		var loc [zip64LocatorLen]byte
		binary.LittleEndian.PutUint32(loc[0:4], sigZip64Locator)
		binary.LittleEndian.PutUint64(loc[8:16], recordOffset)
		binary.LittleEndian.PutUint32(loc[16:20], 1) // total disks
		w.Write(loc[:])

		count16, size32, offset32 = uint16max, uint32max, uint32max
	}

	var hdr [endCentralLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], sigEndCentralD)
	binary.LittleEndian.PutUint16(hdr[4:6], 0)         // disk number
	binary.LittleEndian.PutUint16(hdr[6:8], 0)         // disk with central dir
	binary.LittleEndian.PutUint16(hdr[8:10], count16)  // entries on disk
	binary.LittleEndian.PutUint16(hdr[10:12], count16) // total entries
	binary.LittleEndian.PutUint32(hdr[12:16], size32)
	binary.LittleEndian.PutUint32(hdr[16:20], offset32)
	binary.LittleEndian.PutUint16(hdr[20:22], uint16(len(comment)))

	w.Write(hdr[:])
	w.WriteString(comment)
}

// forEachExtra calls fn for every well-formed field of an extra block.
func forEachExtra(extra []byte, fn func(id uint16, body []byte)) {
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if len(extra) < 4+size {
			return
		}
		fn(id, extra[4:4+size])
		extra = extra[4+size:]
	}
}

// parseExtendedTimestamp extracts Unix mtime from extra field 0x5455.
func parseExtendedTimestamp(extra []byte) (time.Time, bool) {
	var t time.Time
	found := false
	forEachExtra(extra, func(id uint16, body []byte) {
		if id == extraExtendedTS && len(body) >= 5 && body[0]&0x01 != 0 && !found {
			t = time.Unix(int64(binary.LittleEndian.Uint32(body[1:5])), 0)
			found = true
		}
	})
	return t, found
}

// applyZip64 replaces the saturated 32-bit fields of e with the values
// from a Zip64 extra field. Fields appear in the order uncompressed size,
// compressed size, local header offset, and only when saturated.
func applyZip64(e *Entry, extra []byte, size, compSize, offset bool) {
	forEachExtra(extra, func(id uint16, body []byte) {
		if id != extraZip64 {
			return
		}
		e.Zip64 = true
		next := func() (uint64, bool) {
			if len(body) < 8 {
				return 0, false
			}
			v := binary.LittleEndian.Uint64(body)
			body = body[8:]
			return v, true
		}
		if size {
			if v, ok := next(); ok {
				e.Size = v
			}
		}
		if compSize {
			if v, ok := next(); ok {
				e.CompressedSize = v
			}
		}
		if offset {
			if v, ok := next(); ok {
				e.Offset = v
			}
		}
	})
}

var cp437 = charmap.CodePage437

// decodeName returns raw as a string, decoding code page 437 when the
// UTF-8 flag is clear and the bytes are not plain ASCII.
func decodeName(raw []byte, flags uint16) string {
	if flags&flagUTF8 != 0 || !hasNonASCII(string(raw)) {
		return string(raw)
	}
	if s, err := cp437.NewDecoder().Bytes(raw); err == nil {
		return string(s)
	}
	return string(raw)
}

// timeToDOS converts time.Time to DOS date/time format.
func timeToDOS(t time.Time) (dosTime, dosDate uint16) {
	if t.IsZero() {
		return 0, 0
	}
	// Clamp to DOS valid range (1980-2107)
	year := t.Year()
	if year < 1980 {
		return 0, 1<<5 | 1 // 1980-01-01
	} else if year > 2107 {
		year = 2107
	}
	dosTime = uint16(t.Second()/2) | uint16(t.Minute())<<5 | uint16(t.Hour())<<11
	dosDate = uint16(t.Day()) | uint16(t.Month())<<5 | uint16(year-1980)<<9
	return
}

// dosToTime converts DOS date/time to time.Time.
func dosToTime(dosTime, dosDate uint16) time.Time {
	if dosTime == 0 && dosDate == 0 {
		return time.Time{}
	}
	sec := int(dosTime&0x1F) * 2
	min := int((dosTime >> 5) & 0x3F)
	hour := int(dosTime >> 11)
	day := int(dosDate & 0x1F)
	month := time.Month((dosDate >> 5) & 0x0F)
	year := int(dosDate>>9) + 1980
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

// goModeToUnix converts Go's os.FileMode to Unix st_mode.
func goModeToUnix(mode os.FileMode) uint32 {
	unixMode := uint32(mode.Perm())
	switch {
	case mode&os.ModeSymlink != 0:
		unixMode |= unixModeSymlink
	case mode&os.ModeDir != 0:
		unixMode |= unixModeDir
	default:
		unixMode |= unixModeRegular
	}
	return unixMode
}

// unixModeToGo converts Unix st_mode to Go's os.FileMode.
func unixModeToGo(unixMode uint32) os.FileMode {
	mode := os.FileMode(unixMode & 0777)
	switch unixMode & unixModeTypeMask {
	case unixModeSymlink:
		mode |= os.ModeSymlink
	case unixModeDir:
		mode |= os.ModeDir
	}
	return mode
}

// cleanDirName ensures a directory name ends with a slash.
func cleanDirName(name string) string {
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return name
}
