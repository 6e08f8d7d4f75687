package archive

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/ha1tch/zlate/pkg/checksum"
	"github.com/ha1tch/zlate/pkg/flate"
)

// findEndCentralDir returns the offset of the end of central directory
// record, searching backwards over the largest possible comment.
func findEndCentralDir(data []byte) int {
	stop := max(0, len(data)-endCentralLen-maxCommentLen)
	for i := len(data) - endCentralLen; i >= stop; i-- {
		if binary.LittleEndian.Uint32(data[i:i+4]) == sigEndCentralD {
			return i
		}
	}
	return -1
}

// directory locates the central directory: entry count, offset and size.
// Zip64 end records are used when the locator is present.
func directory(data []byte) (count, offset, size uint64, comment string, err error) {
	if len(data) < endCentralLen {
		return 0, 0, 0, "", ErrTooShort
	}
	eocd := findEndCentralDir(data)
	if eocd < 0 {
		return 0, 0, 0, "", ErrInvalidFormat
	}

	count = uint64(binary.LittleEndian.Uint16(data[eocd+10 : eocd+12]))
	size = uint64(binary.LittleEndian.Uint32(data[eocd+12 : eocd+16]))
	offset = uint64(binary.LittleEndian.Uint32(data[eocd+16 : eocd+20]))
	commentLen := int(binary.LittleEndian.Uint16(data[eocd+20 : eocd+22]))
	if eocd+endCentralLen+commentLen <= len(data) {
		comment = decodeName(data[eocd+endCentralLen:eocd+endCentralLen+commentLen], 0)
	}

	if loc := eocd - zip64LocatorLen; loc >= 0 && binary.LittleEndian.Uint32(data[loc:loc+4]) == sigZip64Locator {
		rec := binary.LittleEndian.Uint64(data[loc+8 : loc+16])
		if len(data) < zip64EndLen || rec > uint64(len(data)-zip64EndLen) || binary.LittleEndian.Uint32(data[rec:rec+4]) != sigZip64End {
			return 0, 0, 0, "", ErrCorrupted
		}
		count = binary.LittleEndian.Uint64(data[rec+32 : rec+40])
		size = binary.LittleEndian.Uint64(data[rec+40 : rec+48])
		offset = binary.LittleEndian.Uint64(data[rec+48 : rec+56])
	}

	if offset > uint64(len(data)) || size > uint64(len(data))-offset {
		return 0, 0, 0, "", ErrCorrupted
	}
	return count, offset, size, comment, nil
}

// List returns metadata for all entries in a ZIP archive, in central
// directory order.
func List(data []byte) ([]*Entry, error) {
	count, cdOffset, cdSize, _, err := directory(data)
	if err != nil {
		return nil, err
	}

	cd := data[cdOffset : cdOffset+cdSize]
	files := make([]*Entry, 0, min(count, uint64(len(cd)/centralHeaderLen)))
	offset := 0
	for i := uint64(0); i < count; i++ {
		if offset+centralHeaderLen > len(cd) || binary.LittleEndian.Uint32(cd[offset:offset+4]) != sigCentralDir {
			return nil, fmt.Errorf("%w: central directory entry %d", ErrCorrupted, i)
		}
		hdr := cd[offset : offset+centralHeaderLen]

		flags := binary.LittleEndian.Uint16(hdr[8:10])
		compSize := binary.LittleEndian.Uint32(hdr[20:24])
		uncompSize := binary.LittleEndian.Uint32(hdr[24:28])
		nameLen := int(binary.LittleEndian.Uint16(hdr[28:30]))
		extraLen := int(binary.LittleEndian.Uint16(hdr[30:32]))
		commentLen := int(binary.LittleEndian.Uint16(hdr[32:34]))
		externalAttrs := binary.LittleEndian.Uint32(hdr[38:42])
		localOffset := binary.LittleEndian.Uint32(hdr[42:46])

		end := offset + centralHeaderLen + nameLen + extraLen + commentLen
		if end > len(cd) {
			return nil, fmt.Errorf("%w: central directory entry %d", ErrCorrupted, i)
		}
		name := cd[offset+centralHeaderLen : offset+centralHeaderLen+nameLen]
		extra := cd[offset+centralHeaderLen+nameLen : offset+centralHeaderLen+nameLen+extraLen]
		comment := cd[end-commentLen : end]

		e := &Entry{
			Name:           decodeName(name, flags),
			Comment:        decodeName(comment, flags),
			Method:         Method(binary.LittleEndian.Uint16(hdr[10:12])),
			Flags:          flags,
			CRC32:          binary.LittleEndian.Uint32(hdr[16:20]),
			CompressedSize: uint64(compSize),
			Size:           uint64(uncompSize),
			Offset:         uint64(localOffset),
			ModTime:        dosToTime(binary.LittleEndian.Uint16(hdr[12:14]), binary.LittleEndian.Uint16(hdr[14:16])),
			Mode:           0644,
		}
		applyZip64(e, extra, uncompSize == uint32max, compSize == uint32max, localOffset == uint32max)
		if t, ok := parseExtendedTimestamp(extra); ok {
			e.ModTime = t
		}

		// Unix mode from external attributes
		versionMadeBy := binary.LittleEndian.Uint16(hdr[4:6])
		if versionMadeBy>>8 == 3 && externalAttrs>>16 != 0 {
			e.Mode = unixModeToGo(externalAttrs >> 16)
		}
		// Check if directory (fallback for non-Unix archives)
		if e.IsDir() && e.Mode&os.ModeDir == 0 {
			e.Mode |= os.ModeDir
		}

		files = append(files, e)
		offset = end
	}
	return files, nil
}

// Comment returns the archive comment.
func Comment(data []byte) (string, error) {
	_, _, _, comment, err := directory(data)
	return comment, err
}

// entryData returns the stored bytes of e.
func entryData(data []byte, e *Entry) ([]byte, error) {
	if e.Offset > uint64(len(data)) || uint64(len(data))-e.Offset < localHeaderLen {
		return nil, ErrCorrupted
	}
	offset := int(e.Offset)

	if binary.LittleEndian.Uint32(data[offset:offset+4]) != sigLocalFile {
		return nil, ErrCorrupted
	}
	// Local name and extra lengths may differ from the central directory.
	nameLen := int(binary.LittleEndian.Uint16(data[offset+26 : offset+28]))
	extraLen := int(binary.LittleEndian.Uint16(data[offset+28 : offset+30]))

	start := uint64(offset + localHeaderLen + nameLen + extraLen)
	if start > uint64(len(data)) || e.CompressedSize > uint64(len(data))-start {
		return nil, ErrCorrupted
	}
	return data[start : start+e.CompressedSize], nil
}

// Read extracts one entry. A CRC mismatch is reported together with the
// data that was produced.
func Read(data []byte, e *Entry) ([]byte, error) {
	if e.IsEncrypted() {
		return nil, fmt.Errorf("%s: %w", e.Name, ErrEncrypted)
	}
	compressed, err := entryData(data, e)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}

	var content []byte
	switch e.Method {
	case MethodStore:
		content = append([]byte(nil), compressed...)
	case MethodDeflate:
		content, err = flate.Decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
	default:
		return nil, fmt.Errorf("%s: %w (method %d)", e.Name, ErrUnsupported, e.Method)
	}

	if uint64(len(content)) != e.Size {
		return content, fmt.Errorf("%s: %w: size %d, want %d", e.Name, ErrCorrupted, len(content), e.Size)
	}
	if crc := checksum.ChecksumCRC32(content); crc != e.CRC32 {
		return content, fmt.Errorf("%s: %w: got %08x, want %08x", e.Name, ErrChecksum, crc, e.CRC32)
	}
	return content, nil
}

// ExtractAll extracts all files from a ZIP archive.
// Returns a map of filename to file contents. Entries that fail are left
// out of the map and reported together in the returned error.
func ExtractAll(data []byte) (map[string][]byte, error) {
	files, err := List(data)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte)
	var errs *multierror.Error
	for _, e := range files {
		if e.IsDir() {
			continue
		}
		content, err := Read(data, e)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		result[e.Name] = content
	}
	return result, errs.ErrorOrNil()
}

// IsValidFormat checks if data looks like a ZIP file: it starts with a
// local header, or is an empty archive.
func IsValidFormat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch binary.LittleEndian.Uint32(data[0:4]) {
	case sigLocalFile:
		return len(data) >= localHeaderLen
	case sigEndCentralD:
		return len(data) >= endCentralLen
	}
	return false
}
