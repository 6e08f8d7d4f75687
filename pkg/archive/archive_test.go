package archive

import (
	stdzip "archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"

	"github.com/ha1tch/zlate/pkg/codec"
)

func testTime() time.Time {
	return time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
}

func makeText(size int) []byte {
	rng := rand.New(rand.NewSource(7))
	words := []string{"alpha ", "beta ", "gamma ", "delta ", "epsilon ", "\n"}
	var b bytes.Buffer
	for b.Len() < size {
		b.WriteString(words[rng.Intn(len(words))])
	}
	return b.Bytes()[:size]
}

func makeRandom(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(99)).Read(data)
	return data
}

func build(t *testing.T, opts Options, fn func(a *Archive)) []byte {
	t.Helper()
	a := NewArchive(opts)
	fn(a)
	data, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return data
}

// centralHeader returns the offset of the central directory header for
// name.
func centralHeader(t *testing.T, data []byte, name string) int {
	t.Helper()
	sig := []byte("PK\x01\x02")
	for i := 0; ; {
		j := bytes.Index(data[i:], sig)
		if j < 0 {
			t.Fatalf("no central header for %q", name)
		}
		j += i
		n := int(binary.LittleEndian.Uint16(data[j+28:]))
		if string(data[j+centralHeaderLen:j+centralHeaderLen+n]) == name {
			return j
		}
		i = j + 4
	}
}

func TestStoredAndDeflatedEntries(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.AddStore([]byte("AAAA"), "a.txt", testTime(), 0644)
		a.Add(bytes.Repeat([]byte("B"), 1000), "b.txt", testTime(), 0644)
	})

	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	want := []struct {
		name   string
		size   uint64
		method Method
	}{
		{"a.txt", 4, MethodStore},
		{"b.txt", 1000, MethodDeflate},
	}
	for i, w := range want {
		e := entries[i]
		if e.Name != w.name || e.Size != w.size || e.Method != w.method {
			t.Errorf("entry %d: got %s size=%d method=%v, want %s size=%d method=%v",
				i, e.Name, e.Size, e.Method, w.name, w.size, w.method)
		}
		if !e.ModTime.Equal(testTime()) {
			t.Errorf("%s: ModTime %v, want %v", e.Name, e.ModTime, testTime())
		}
	}

	files, err := ExtractAll(data)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if diff := cmp.Diff(map[string][]byte{
		"a.txt": []byte("AAAA"),
		"b.txt": bytes.Repeat([]byte("B"), 1000),
	}, files); diff != "" {
		t.Errorf("ExtractAll mismatch (-want +got):\n%s", diff)
	}
}

func TestMethodSelection(t *testing.T) {
	testCases := []struct {
		name  string
		data  []byte
		level int
		want  Method
	}{
		{"empty", nil, codec.DefaultLevel, MethodStore},
		{"text", makeText(10_000), codec.DefaultLevel, MethodDeflate},
		{"random", makeRandom(10_000), codec.DefaultLevel, MethodStore},
		{"tiny", []byte("ab"), codec.DefaultLevel, MethodStore},
		{"level zero", makeText(10_000), codec.LevelStore, MethodStore},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := build(t, Options{Level: tc.level}, func(a *Archive) {
				a.Add(tc.data, "f", testTime(), 0644)
			})
			entries, err := List(data)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if got := entries[0].Method; got != tc.want {
				t.Errorf("method: got %v, want %v", got, tc.want)
			}
			content, err := Read(data, entries[0])
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(content, tc.data) {
				t.Errorf("content mismatch: got %d bytes, want %d", len(content), len(tc.data))
			}
		})
	}
}

func TestEmptyArchive(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {})
	if len(data) != endCentralLen {
		t.Errorf("empty archive: got %d bytes, want %d", len(data), endCentralLen)
	}
	if !IsValidFormat(data) {
		t.Error("empty archive not recognised")
	}
	entries, err := List(data)
	if err != nil || len(entries) != 0 {
		t.Errorf("List: got %d entries, err %v", len(entries), err)
	}
}

func TestDirectoriesAndSymlinks(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.AddDirectory("docs", testTime(), 0755)
		a.Add([]byte("# readme\n"), "docs/README.md", testTime(), 0600)
		a.AddSymlink("latest", "docs/README.md", testTime(), 0777)
	})

	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	dir, file, link := entries[0], entries[1], entries[2]
	if dir.Name != "docs/" || !dir.IsDir() || dir.Mode&os.ModeDir == 0 {
		t.Errorf("directory: name %q mode %v", dir.Name, dir.Mode)
	}
	if dir.Mode.Perm() != 0755 {
		t.Errorf("directory perm: got %o, want 755", dir.Mode.Perm())
	}
	if file.Mode != 0600 {
		t.Errorf("file mode: got %v, want 0600", file.Mode)
	}
	if !link.IsSymlink() {
		t.Errorf("symlink mode: got %v", link.Mode)
	}
	target, err := Read(data, link)
	if err != nil || string(target) != "docs/README.md" {
		t.Errorf("symlink target: got %q, err %v", target, err)
	}

	files, err := ExtractAll(data)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if _, ok := files["docs/"]; ok {
		t.Error("ExtractAll returned a directory")
	}
}

func TestComments(t *testing.T) {
	data := build(t, Options{Level: 6, Comment: "release build"}, func(a *Archive) {
		a.Add([]byte("x"), "x", testTime(), 0644)
		if err := a.SetComment("x", "single byte"); err != nil {
			t.Fatal(err)
		}
		if err := a.SetComment("missing", "nope"); err == nil {
			t.Error("SetComment on missing entry succeeded")
		}
	})

	comment, err := Comment(data)
	if err != nil || comment != "release build" {
		t.Errorf("archive comment: got %q, err %v", comment, err)
	}
	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries[0].Comment != "single byte" {
		t.Errorf("entry comment: got %q", entries[0].Comment)
	}
}

func TestUnicodeNames(t *testing.T) {
	names := []string{"café.txt", "日本語.txt", "emoji_🎉.txt"}
	data := build(t, DefaultOptions(), func(a *Archive) {
		for _, n := range names {
			a.Add([]byte(n), n, testTime(), 0644)
		}
	})
	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for i, e := range entries {
		if e.Name != names[i] || !e.IsUTF8() {
			t.Errorf("entry %d: got %q utf8=%v, want %q", i, e.Name, e.IsUTF8(), names[i])
		}
	}
}

func TestCodePage437Names(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.AddStore([]byte("x"), "caf\x82.txt", testTime(), 0644)
	})
	off := centralHeader(t, data, "caf\x82.txt")
	flags := binary.LittleEndian.Uint16(data[off+8:])
	binary.LittleEndian.PutUint16(data[off+8:], flags&^flagUTF8)

	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if entries[0].Name != "café.txt" {
		t.Errorf("name: got %q, want %q", entries[0].Name, "café.txt")
	}
}

func TestParallelMatchesSequential(t *testing.T) {
	add := func(a *Archive) {
		for i := 0; i < 20; i++ {
			a.Add(makeText(1000+i*517), string(rune('a'+i))+".txt", testTime(), 0644)
		}
	}
	seq := build(t, Options{Level: 6}, add)
	par := build(t, Options{Level: 6, Workers: 4}, add)
	if !bytes.Equal(seq, par) {
		t.Error("parallel archive differs from sequential archive")
	}
}

func TestStdlibReadsArchive(t *testing.T) {
	want := map[string][]byte{
		"text.txt":   makeText(50_000),
		"random.bin": makeRandom(5_000),
		"empty":      {},
		"ünï.txt":    []byte("unicode"),
	}
	for _, zip64 := range []bool{false, true} {
		data := build(t, Options{Level: 9, ForceZip64: zip64, Comment: "c"}, func(a *Archive) {
			for _, name := range []string{"text.txt", "random.bin", "empty", "ünï.txt"} {
				a.Add(want[name], name, testTime(), 0640)
			}
			a.AddDirectory("sub/", testTime(), 0755)
		})

		zr, err := stdzip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("zip64=%v: archive/zip: %v", zip64, err)
		}
		if zr.Comment != "c" {
			t.Errorf("zip64=%v: comment %q", zip64, zr.Comment)
		}
		got := map[string][]byte{}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				if f.Name != "sub/" {
					t.Errorf("zip64=%v: directory %q", zip64, f.Name)
				}
				continue
			}
			if f.Mode().Perm() != 0640 {
				t.Errorf("zip64=%v: %s mode %v", zip64, f.Name, f.Mode())
			}
			if !f.Modified.Equal(testTime()) {
				t.Errorf("zip64=%v: %s modified %v", zip64, f.Name, f.Modified)
			}
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("zip64=%v: open %s: %v", zip64, f.Name, err)
			}
			content, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("zip64=%v: read %s: %v", zip64, f.Name, err)
			}
			got[f.Name] = content
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("zip64=%v: content mismatch (-want +got):\n%s", zip64, diff)
		}

		entries, err := List(data)
		if err != nil {
			t.Fatalf("zip64=%v: List: %v", zip64, err)
		}
		for _, e := range entries {
			if e.Zip64 != zip64 {
				t.Errorf("zip64=%v: %s Zip64=%v", zip64, e.Name, e.Zip64)
			}
		}
	}
}

func TestReadStdlibArchive(t *testing.T) {
	text := makeText(30_000)
	var buf bytes.Buffer
	zw := stdzip.NewWriter(&buf)
	for _, f := range []struct {
		name   string
		method uint16
		data   []byte
	}{
		{"deflated.txt", stdzip.Deflate, text},
		{"stored.txt", stdzip.Store, []byte("plain")},
		{"dir/", stdzip.Store, nil},
	} {
		hdr := &stdzip.FileHeader{Name: f.name, Method: f.method, Modified: testTime()}
		hdr.SetMode(0644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(f.data)
	}
	zw.SetComment("from archive/zip")
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()

	if !IsValidFormat(data) {
		t.Error("IsValidFormat rejected archive/zip output")
	}
	comment, _ := Comment(data)
	if comment != "from archive/zip" {
		t.Errorf("comment: got %q", comment)
	}
	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 || !entries[2].IsDir() {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[0].HasDataDescriptor() {
		t.Error("deflated entry should carry a data descriptor")
	}

	files, err := ExtractAll(data)
	if err != nil {
		t.Fatalf("ExtractAll: %v", err)
	}
	if diff := cmp.Diff(map[string][]byte{
		"deflated.txt": text,
		"stored.txt":   []byte("plain"),
	}, files); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestChecksumMismatch(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.Add(makeText(2000), "good.txt", testTime(), 0644)
		a.Add(makeText(3000), "bad.txt", testTime(), 0644)
	})
	off := centralHeader(t, data, "bad.txt")
	data[off+16] ^= 0xFF

	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	content, err := Read(data, entries[1])
	if !errors.Is(err, ErrChecksum) || !errors.Is(err, codec.ErrChecksumMismatch) {
		t.Errorf("Read: got %v, want checksum mismatch", err)
	}
	if !bytes.Equal(content, makeText(3000)) {
		t.Error("Read should return the decoded data with a checksum error")
	}

	files, err := ExtractAll(data)
	var merr *multierror.Error
	if !errors.As(err, &merr) || len(merr.Errors) != 1 {
		t.Fatalf("ExtractAll: got %v, want one aggregated error", err)
	}
	if _, ok := files["good.txt"]; !ok {
		t.Error("good entry missing from ExtractAll result")
	}
	if _, ok := files["bad.txt"]; ok {
		t.Error("bad entry present in ExtractAll result")
	}
}

func TestEncryptedEntry(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.Add([]byte("secret"), "s", testTime(), 0644)
	})
	off := centralHeader(t, data, "s")
	data[off+8] |= flagEncrypted

	entries, err := List(data)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if _, err := Read(data, entries[0]); !errors.Is(err, ErrEncrypted) || !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("Read: got %v, want encrypted entry error", err)
	}
}

func TestCorruptArchive(t *testing.T) {
	good := build(t, DefaultOptions(), func(a *Archive) {
		a.Add(makeText(500), "f", testTime(), 0644)
	})
	badCentral := bytes.Clone(good)
	badCentral[centralHeader(t, good, "f")] ^= 0xFF
	badOffset := bytes.Clone(good)
	binary.LittleEndian.PutUint32(badOffset[len(good)-endCentralLen+16:], uint32(len(good)))

	// A Zip64 locator pointing just short of the end of the address space.
	var loc [zip64LocatorLen]byte
	binary.LittleEndian.PutUint32(loc[0:4], sigZip64Locator)
	binary.LittleEndian.PutUint64(loc[8:16], 0xFFFFFFFFFFFFFFF0)
	binary.LittleEndian.PutUint32(loc[16:20], 1)
	eocd := len(good) - endCentralLen
	badLocator := append(append(bytes.Clone(good[:eocd]), loc[:]...), good[eocd:]...)

	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"too short", []byte("PK"), ErrTooShort},
		{"no end record", bytes.Repeat([]byte{0}, 100), ErrInvalidFormat},
		{"bad central signature", badCentral, ErrCorrupted},
		{"directory past end", badOffset, ErrCorrupted},
		{"zip64 record offset overflow", badLocator, ErrCorrupted},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := List(tc.data)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if !errors.Is(err, codec.ErrMalformedHeader) {
				t.Errorf("%v should be a malformed header error", err)
			}
		})
	}
}

func TestIsValidFormat(t *testing.T) {
	testCases := []struct {
		name  string
		data  []byte
		valid bool
	}{
		{"empty", []byte{}, false},
		{"too short", []byte("PK"), false},
		{"wrong magic", []byte("RIFF0000000000000000000000000000"), false},
		{"local header", append([]byte("PK\x03\x04"), make([]byte, 26)...), true},
		{"short local header", []byte("PK\x03\x04"), false},
		{"end record", append([]byte("PK\x05\x06"), make([]byte, 18)...), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsValidFormat(tc.data); got != tc.valid {
				t.Errorf("IsValidFormat: got %v, want %v", got, tc.valid)
			}
		})
	}
}

func TestMethodString(t *testing.T) {
	testCases := []struct {
		method Method
		want   string
	}{
		{MethodStore, "Stored"},
		{MethodDeflate, "Deflate"},
		{Method(99), "Unknown"},
	}

	for _, tc := range testCases {
		if got := tc.method.String(); got != tc.want {
			t.Errorf("Method(%d).String(): got %q, want %q", tc.method, got, tc.want)
		}
	}
}

func TestDOSTime(t *testing.T) {
	testCases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"zero", time.Time{}, time.Time{}},
		{"even seconds", testTime(), testTime()},
		{"odd seconds", time.Date(2001, 2, 3, 4, 5, 7, 0, time.UTC), time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)},
		{"before 1980", time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := dosToTime(timeToDOS(tc.in))
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestModeConversion(t *testing.T) {
	for _, mode := range []os.FileMode{0644, 0755 | os.ModeDir, 0777 | os.ModeSymlink, 0600} {
		if got := unixModeToGo(goModeToUnix(mode)); got != mode {
			t.Errorf("mode %v: roundtrip got %v", mode, got)
		}
	}
}

func TestAddReader(t *testing.T) {
	text := makeText(4000)
	data := build(t, DefaultOptions(), func(a *Archive) {
		if err := a.AddReader(bytes.NewReader(text), "r.txt", testTime(), 0644); err != nil {
			t.Fatal(err)
		}
		if a.Len() != 1 {
			t.Errorf("Len: got %d, want 1", a.Len())
		}
	})
	files, err := ExtractAll(data)
	if err != nil || !bytes.Equal(files["r.txt"], text) {
		t.Errorf("AddReader roundtrip failed: %v", err)
	}
}

func TestWriteTo(t *testing.T) {
	a := NewArchive(DefaultOptions())
	a.Add(makeText(100), "a", testTime(), 0644)
	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo: reported %d bytes, wrote %d", n, buf.Len())
	}
	want, _ := a.Bytes()
	if !bytes.Equal(buf.Bytes(), want) {
		t.Error("WriteTo output differs from Bytes")
	}
}
