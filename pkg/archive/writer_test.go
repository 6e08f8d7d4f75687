package archive

import (
	stdzip "archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"

	"github.com/ha1tch/zlate/pkg/codec"
)

// unzipAll feeds data to an Unzipper in chunks of size n and returns the
// entries it reported.
func unzipAll(data []byte, n int) (map[string][]byte, []*Entry, error) {
	files := map[string][]byte{}
	var entries []*Entry
	u := NewUnzipper(func(e *Entry) codec.Sink {
		entries = append(entries, e)
		name := e.Name
		files[name] = []byte{}
		return func(p []byte, final bool) {
			files[name] = append(files[name], p...)
		}
	})
	for len(data) > n {
		if err := u.Push(data[:n], false); err != nil {
			return files, entries, err
		}
		data = data[n:]
	}
	return files, entries, u.Push(data, true)
}

func streamArchive(t *testing.T, opts Options) ([]byte, map[string][]byte) {
	t.Helper()
	one := makeText(200_000)
	two := []byte("stored entry")
	three := makeText(5_000)

	var out bytes.Buffer
	finals := 0
	w := NewWriter(func(p []byte, final bool) {
		out.Write(p)
		if final {
			finals++
		}
	}, opts)

	e1, err := w.Create(Entry{Name: "one.txt", Method: MethodDeflate, ModTime: testTime(), Mode: 0644})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := w.Create(Entry{Name: "two.txt", Method: MethodStore, ModTime: testTime(), Mode: 0644})
	if err != nil {
		t.Fatal(err)
	}
	e3, err := w.Create(Entry{Name: "three.txt", Method: MethodDeflate, ModTime: testTime(), Mode: 0644})
	if err != nil {
		t.Fatal(err)
	}

	// later entries finish first and are held back
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(e2.Push(two, true))
	must(e3.Push(three[:1000], false))
	must(e3.Push(three[1000:], true))
	for off := 0; off < len(one); off += 30_000 {
		end := min(off+30_000, len(one))
		must(e1.Push(one[off:end], end == len(one)))
	}
	must(w.Close())

	if finals != 1 {
		t.Errorf("sink saw %d final calls, want 1", finals)
	}
	return out.Bytes(), map[string][]byte{"one.txt": one, "two.txt": two, "three.txt": three}
}

func TestWriterOrdering(t *testing.T) {
	for _, streaming := range []bool{false, true} {
		data, want := streamArchive(t, Options{Level: 6, Streaming: streaming})

		entries, err := List(data)
		if err != nil {
			t.Fatalf("streaming=%v: List: %v", streaming, err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name)
			if wantDesc := streaming && e.Method == MethodDeflate; e.HasDataDescriptor() != wantDesc {
				t.Errorf("streaming=%v: %s descriptor=%v", streaming, e.Name, e.HasDataDescriptor())
			}
		}
		if diff := cmp.Diff([]string{"one.txt", "two.txt", "three.txt"}, names); diff != "" {
			t.Errorf("streaming=%v: entry order (-want +got):\n%s", streaming, diff)
		}

		files, err := ExtractAll(data)
		if err != nil {
			t.Fatalf("streaming=%v: ExtractAll: %v", streaming, err)
		}
		if diff := cmp.Diff(want, files); diff != "" {
			t.Errorf("streaming=%v: content mismatch (-want +got):\n%s", streaming, diff)
		}
	}
}

func TestStdlibReadsStreamedArchive(t *testing.T) {
	for _, zip64 := range []bool{false, true} {
		data, want := streamArchive(t, Options{Level: 6, Streaming: true, ForceZip64: zip64})
		zr, err := stdzip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("zip64=%v: archive/zip: %v", zip64, err)
		}
		got := map[string][]byte{}
		for _, f := range zr.File {
			rc, err := f.Open()
			if err != nil {
				t.Fatalf("zip64=%v: open %s: %v", zip64, f.Name, err)
			}
			got[f.Name], err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				t.Fatalf("zip64=%v: read %s: %v", zip64, f.Name, err)
			}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("zip64=%v: content mismatch (-want +got):\n%s", zip64, diff)
		}
	}
}

func TestUnzipperReadsWriterOutput(t *testing.T) {
	for _, opts := range []Options{
		{Level: 6},
		{Level: 6, Streaming: true},
		{Level: 1, Streaming: true, ForceZip64: true},
	} {
		data, want := streamArchive(t, opts)
		for _, n := range []int{1, 7, 4096, len(data)} {
			files, _, err := unzipAll(data, n)
			if err != nil {
				t.Fatalf("%+v chunk %d: %v", opts, n, err)
			}
			if diff := cmp.Diff(want, files); diff != "" {
				t.Errorf("%+v chunk %d: content mismatch (-want +got):\n%s", opts, n, diff)
			}
		}
	}
}

func TestUnzipperReadsArchive(t *testing.T) {
	text := makeText(40_000)
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.AddDirectory("d", testTime(), 0755)
		a.Add(text, "d/text.txt", testTime(), 0644)
		a.Add(makeRandom(3000), "d/noise.bin", testTime(), 0644)
		a.Add(nil, "d/empty", testTime(), 0644)
	})

	files, entries, err := unzipAll(data, 333)
	if err != nil {
		t.Fatalf("Unzipper: %v", err)
	}
	if len(entries) != 4 || !entries[0].IsDir() {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[1].ModTime.Equal(testTime()) {
		t.Errorf("ModTime: got %v", entries[1].ModTime)
	}
	if !bytes.Equal(files["d/text.txt"], text) || !bytes.Equal(files["d/noise.bin"], makeRandom(3000)) {
		t.Error("content mismatch")
	}
	if len(files["d/empty"]) != 0 {
		t.Errorf("empty entry produced %d bytes", len(files["d/empty"]))
	}
}

func TestUnzipperReadsStdlibArchive(t *testing.T) {
	text := makeText(60_000)
	var buf bytes.Buffer
	zw := stdzip.NewWriter(&buf)
	w, _ := zw.Create("text.txt")
	w.Write(text)
	zw.Create("dir/")
	w, _ = zw.Create("small.txt")
	w.Write([]byte("small"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	files, _, err := unzipAll(buf.Bytes(), 1000)
	if err != nil {
		t.Fatalf("Unzipper: %v", err)
	}
	if diff := cmp.Diff(map[string][]byte{
		"text.txt":  text,
		"dir/":      {},
		"small.txt": []byte("small"),
	}, files); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestUnzipperRejectsStoredDescriptor(t *testing.T) {
	var buf bytes.Buffer
	zw := stdzip.NewWriter(&buf)
	w, _ := zw.CreateHeader(&stdzip.FileHeader{Name: "s.txt", Method: stdzip.Store})
	w.Write([]byte("stored with descriptor"))
	zw.Close()

	_, _, err := unzipAll(buf.Bytes(), len(buf.Bytes()))
	if !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("got %v, want unsupported", err)
	}
}

func TestUnzipperSkip(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.Add(makeText(1000), "skip.txt", testTime(), 0644)
		a.Add([]byte("keep"), "keep.txt", testTime(), 0644)
	})

	var seen []string
	var kept []byte
	u := NewUnzipper(func(e *Entry) codec.Sink {
		seen = append(seen, e.Name)
		if e.Name == "skip.txt" {
			return nil
		}
		return codec.Collect(&kept)
	})
	if err := u.Push(data, true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if diff := cmp.Diff([]string{"skip.txt", "keep.txt"}, seen); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	if string(kept) != "keep" {
		t.Errorf("kept: got %q", kept)
	}
}

func TestUnzipperErrors(t *testing.T) {
	data := build(t, DefaultOptions(), func(a *Archive) {
		a.Add(makeText(10_000), "f.txt", testTime(), 0644)
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := unzipAll(data[:200], 50)
		if !errors.Is(err, codec.ErrCorruptStream) {
			t.Errorf("got %v, want corrupt stream", err)
		}
	})

	t.Run("bad crc", func(t *testing.T) {
		bad := bytes.Clone(data)
		bad[14] ^= 0xFF // local header CRC
		_, _, err := unzipAll(bad, len(bad))
		if !errors.Is(err, ErrChecksum) {
			t.Errorf("got %v, want checksum mismatch", err)
		}
	})

	t.Run("failed entry does not stop the stream", func(t *testing.T) {
		var a bytes.Buffer
		w := NewWriter(func(p []byte, final bool) { a.Write(p) }, Options{Level: 6, Streaming: true})
		for _, name := range []string{"1.txt", "2.txt", "3.txt"} {
			e, err := w.Create(Entry{Name: name, Method: MethodStore, ModTime: testTime(), Mode: 0644})
			if err != nil {
				t.Fatal(err)
			}
			if err := e.Push([]byte("contents of "+name), true); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		bad := a.Bytes()
		i := bytes.Index(bad, []byte("contents of 2.txt"))
		if i < 0 {
			t.Fatal("2.txt data not found")
		}
		bad[i] ^= 0xFF

		for _, n := range []int{len(bad), 7} {
			files, entries, err := unzipAll(bad, n)
			if !errors.Is(err, ErrChecksum) {
				t.Fatalf("chunk %d: got %v, want checksum mismatch", n, err)
			}
			var names []string
			for _, e := range entries {
				names = append(names, e.Name)
			}
			if diff := cmp.Diff([]string{"1.txt", "2.txt", "3.txt"}, names); diff != "" {
				t.Errorf("chunk %d: entries (-want +got):\n%s", n, diff)
			}
			if got := string(files["3.txt"]); got != "contents of 3.txt" {
				t.Errorf("chunk %d: 3.txt = %q", n, got)
			}
			if merr, ok := err.(*multierror.Error); !ok || len(merr.Errors) != 1 {
				t.Errorf("chunk %d: want one failed entry, got %v", n, err)
			}
		}
	})

	t.Run("not an archive", func(t *testing.T) {
		_, _, err := unzipAll([]byte("definitely not a zip file"), 10)
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("got %v, want invalid format", err)
		}
	})

	t.Run("sticky error", func(t *testing.T) {
		u := NewUnzipper(func(e *Entry) codec.Sink { return nil })
		first := u.Push([]byte("garbage!"), false)
		if first == nil {
			t.Fatal("expected an error")
		}
		if err := u.Push(data, true); err != first {
			t.Errorf("second Push: got %v, want %v", err, first)
		}
	})

	t.Run("misuse", func(t *testing.T) {
		if err := NewUnzipper(nil).Push(data, true); !errors.Is(err, codec.ErrNoOutputHandler) {
			t.Errorf("nil OnFile: got %v", err)
		}
		u := NewUnzipper(func(e *Entry) codec.Sink { return nil })
		if err := u.Push(data, true); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := u.Push(nil, true); !errors.Is(err, codec.ErrStreamFinished) {
			t.Errorf("Push after final: got %v", err)
		}
	})
}

func TestWriterMisuse(t *testing.T) {
	if _, err := NewWriter(nil, DefaultOptions()).Create(Entry{Name: "x"}); !errors.Is(err, codec.ErrNoOutputHandler) {
		t.Errorf("nil sink: got %v", err)
	}

	var out []byte
	w := NewWriter(codec.Collect(&out), DefaultOptions())
	if _, err := w.Create(Entry{Name: "x", Method: Method(12)}); !errors.Is(err, codec.ErrUnsupported) {
		t.Errorf("unknown method: got %v", err)
	}

	e, err := w.Create(Entry{Name: "x", Method: MethodDeflate})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); !errors.Is(err, codec.ErrProtocolMisuse) {
		t.Errorf("Close with open entry: got %v", err)
	}
	if err := e.Push([]byte("data"), true); err != nil {
		t.Fatal(err)
	}
	if err := e.Push([]byte("more"), true); !errors.Is(err, codec.ErrStreamFinished) {
		t.Errorf("Push after final: got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); !errors.Is(err, codec.ErrStreamFinished) {
		t.Errorf("second Close: got %v", err)
	}
	if _, err := w.Create(Entry{Name: "y"}); !errors.Is(err, codec.ErrStreamFinished) {
		t.Errorf("Create after Close: got %v", err)
	}

	files, err := ExtractAll(out)
	if err != nil || string(files["x"]) != "data" {
		t.Errorf("archive content: %q, %v", files["x"], err)
	}
}

func TestWriterDirectoryName(t *testing.T) {
	var out []byte
	w := NewWriter(codec.Collect(&out), DefaultOptions())
	e, err := w.Create(Entry{Name: "dir", Mode: 0755 | os.ModeDir})
	if err != nil {
		t.Fatal(err)
	}
	if e.Name() != "dir/" {
		t.Errorf("Name: got %q, want %q", e.Name(), "dir/")
	}
	e.Push(nil, true)
	w.Close()

	entries, err := List(out)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		t.Errorf("entries: %+v, %v", entries, err)
	}
}

func TestWriterRejectsLongFields(t *testing.T) {
	long := strings.Repeat("n", 70_000)
	var out []byte

	t.Run("entry name", func(t *testing.T) {
		w := NewWriter(codec.Collect(&out), DefaultOptions())
		if _, err := w.Create(Entry{Name: long, Method: MethodStore}); !errors.Is(err, codec.ErrInvalidOptions) {
			t.Errorf("Create: got %v, want invalid options", err)
		}
	})

	t.Run("entry comment", func(t *testing.T) {
		w := NewWriter(codec.Collect(&out), DefaultOptions())
		if _, err := w.Create(Entry{Name: "x", Comment: long, Method: MethodStore}); !errors.Is(err, codec.ErrInvalidOptions) {
			t.Errorf("Create: got %v, want invalid options", err)
		}
	})

	t.Run("archive comment", func(t *testing.T) {
		w := NewWriter(codec.Collect(&out), Options{Level: 6, Comment: long})
		if err := w.Close(); !errors.Is(err, codec.ErrInvalidOptions) {
			t.Errorf("Close: got %v, want invalid options", err)
		}
	})

	t.Run("archive builder", func(t *testing.T) {
		a := NewArchive(DefaultOptions())
		a.Add([]byte("data"), long, testTime(), 0644)
		if _, err := a.Bytes(); !errors.Is(err, codec.ErrInvalidOptions) {
			t.Errorf("Bytes: got %v, want invalid options", err)
		}
	})

	t.Run("limit is accepted", func(t *testing.T) {
		name := strings.Repeat("n", 0xFFFF)
		a := NewArchive(DefaultOptions())
		a.Add([]byte("data"), name, testTime(), 0644)
		data, err := a.Bytes()
		if err != nil {
			t.Fatalf("Bytes: %v", err)
		}
		entries, err := List(data)
		if err != nil || len(entries) != 1 || entries[0].Name != name {
			t.Errorf("List: %d entries, %v", len(entries), err)
		}
	})
}
