package main

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ha1tch/zlate/pkg/codec"
)

const workerEnv = "ZFLATE_TEST_WORKER"

// TestMain doubles as the --remote worker: the test binary re-executes
// itself with workerEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := run(context.Background(), []string{"--worker"}, os.Stdin, os.Stdout, os.Stderr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	workerCommand = func() *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), workerEnv+"=1")
		return cmd
	}
	os.Exit(m.Run())
}

var modes = []struct {
	name string
	args []string
}{
	{"sync", nil},
	{"async", []string{"--async"}},
	{"remote", []string{"--remote"}},
}

func sample() []byte {
	var b bytes.Buffer
	for i := 0; b.Len() < 300<<10; i++ {
		b.WriteString("zflate pushes chunks through a streaming codec; line ")
		b.WriteString(strings.Repeat("x", i%17))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func runZflate(t *testing.T, stdin []byte, args ...string) ([]byte, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, bytes.NewReader(stdin), &stdout, &stderr)
	return stdout.Bytes(), stderr.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// unpack decodes data with an independent implementation.
func unpack(t *testing.T, c codec.Container, data []byte) []byte {
	t.Helper()
	var r io.Reader
	switch c {
	case codec.ContainerGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("gzip: %v", err)
		}
		r = zr
	case codec.ContainerZlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("zlib: %v", err)
		}
		r = zr
	case codec.ContainerRaw:
		r = flate.NewReader(bytes.NewReader(data))
	case codec.ContainerZipEntry:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("zip: %v", err)
		}
		if len(zr.File) != 1 {
			t.Fatalf("zip has %d entries, want 1", len(zr.File))
		}
		rc, err := zr.File[0].Open()
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		r = rc
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%v decode: %v", c, err)
	}
	return out
}

func TestRoundtripFiles(t *testing.T) {
	data := sample()
	containers := []struct {
		name   string
		c      codec.Container
		suffix string
	}{
		{"gzip", codec.ContainerGzip, ".gz"},
		{"zlib", codec.ContainerZlib, ".zz"},
		{"raw", codec.ContainerRaw, ".deflate"},
		{"zip", codec.ContainerZipEntry, ".zip"},
	}

	for _, mode := range modes {
		for _, tc := range containers {
			t.Run(mode.name+"/"+tc.name, func(t *testing.T) {
				path := writeFile(t, "data.txt", data)

				args := append([]string{"--container", tc.name}, mode.args...)
				if _, _, err := runZflate(t, nil, append(args, path)...); err != nil {
					t.Fatalf("compress: %v", err)
				}
				if _, err := os.Stat(path); !os.IsNotExist(err) {
					t.Errorf("input not removed: %v", err)
				}
				packed, err := os.ReadFile(path + tc.suffix)
				if err != nil {
					t.Fatal(err)
				}
				if got := unpack(t, tc.c, packed); !bytes.Equal(got, data) {
					t.Fatalf("independent decoder returned %d bytes, want %d", len(got), len(data))
				}

				// Auto-detected on the way back, except raw DEFLATE which
				// has no magic.
				back := append([]string{"-d"}, mode.args...)
				if tc.c == codec.ContainerRaw {
					back = append(back, "--container", "raw")
				}
				if _, _, err := runZflate(t, nil, append(back, path+tc.suffix)...); err != nil {
					t.Fatalf("decompress: %v", err)
				}
				got, err := os.ReadFile(path)
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("restored %d bytes, want %d", len(got), len(data))
				}
			})
		}
	}
}

func TestStdinStdout(t *testing.T) {
	data := sample()
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			packed, _, err := runZflate(t, data, append([]string{"--chunk-size", "4KiB"}, mode.args...)...)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if got := unpack(t, codec.ContainerGzip, packed); !bytes.Equal(got, data) {
				t.Fatal("stdout is not a gzip stream of stdin")
			}

			out, _, err := runZflate(t, packed, append([]string{"-d", "-"}, mode.args...)...)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(out, data) {
				t.Errorf("restored %d bytes, want %d", len(out), len(data))
			}
		})
	}
}

func TestEmptyInput(t *testing.T) {
	packed, _, err := runZflate(t, nil, "--container", "zlib")
	if err != nil {
		t.Fatal(err)
	}
	if got := unpack(t, codec.ContainerZlib, packed); len(got) != 0 {
		t.Errorf("decoded %d bytes from empty input", len(got))
	}
}

func TestGzipHeader(t *testing.T) {
	path := writeFile(t, "notes.txt", []byte("remember the milk"))
	modTime := time.Date(2023, 7, 14, 9, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatal(err)
	}

	out, _, err := runZflate(t, nil, "-c", path)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if zr.Name != "notes.txt" {
		t.Errorf("FNAME = %q, want notes.txt", zr.Name)
	}
	if !zr.ModTime.Equal(modTime) {
		t.Errorf("MTIME = %v, want %v", zr.ModTime, modTime)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("-c removed the input: %v", err)
	}
}

func TestLevels(t *testing.T) {
	data := sample()
	var sizes []int
	for _, args := range [][]string{{"--level", "0"}, {"-1"}, {"-9"}} {
		out, _, err := runZflate(t, data, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if got := unpack(t, codec.ContainerGzip, out); !bytes.Equal(got, data) {
			t.Fatalf("%v: round trip failed", args)
		}
		sizes = append(sizes, len(out))
	}
	if sizes[0] <= len(data) {
		t.Errorf("stored output %d bytes for %d input bytes", sizes[0], len(data))
	}
	if sizes[2] > sizes[1] {
		t.Errorf("-9 output (%d) larger than -1 output (%d)", sizes[2], sizes[1])
	}
}

func TestKeepAndForce(t *testing.T) {
	path := writeFile(t, "keep.txt", []byte("keep me around"))

	if _, _, err := runZflate(t, nil, "-k", path); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("-k removed the input: %v", err)
	}

	_, _, err := runZflate(t, nil, "-k", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second run: error = %v, want already exists", err)
	}
	if _, _, err := runZflate(t, nil, "-k", "-f", path); err != nil {
		t.Errorf("-f did not overwrite: %v", err)
	}
}

func TestVerbose(t *testing.T) {
	path := writeFile(t, "v.txt", sample())
	_, stderr, err := runZflate(t, nil, "-v", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr, "replaced with "+path+".gz") {
		t.Errorf("verbose output:\n%s", stderr)
	}
}

func TestCorruptInput(t *testing.T) {
	data := sample()
	packed, _, err := runZflate(t, data)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a CRC byte in the trailer.
	packed[len(packed)-6] ^= 0xff

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			path := writeFile(t, "bad.gz", packed)
			_, _, err := runZflate(t, nil, append([]string{"-d"}, append(mode.args, path)...)...)
			if !errors.Is(err, codec.ErrChecksumMismatch) {
				t.Fatalf("error = %v, want ErrChecksumMismatch", err)
			}
			if _, err := os.Stat(strings.TrimSuffix(path, ".gz")); !os.IsNotExist(err) {
				t.Error("output of a failed decompression was kept")
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("input removed after failure: %v", err)
			}

			_, _, err = runZflate(t, nil, append([]string{"-t"}, append(mode.args, path)...)...)
			if !errors.Is(err, codec.ErrChecksumMismatch) {
				t.Errorf("-t error = %v, want ErrChecksumMismatch", err)
			}
		})
	}

	_, _, err = runZflate(t, []byte("plain text is not compressed"), "-d", "--container", "gzip")
	if !errors.Is(err, codec.ErrMalformedHeader) {
		t.Errorf("bad magic: error = %v, want ErrMalformedHeader", err)
	}
}

func TestTestMode(t *testing.T) {
	path := writeFile(t, "ok.txt", sample())
	if _, _, err := runZflate(t, nil, path); err != nil {
		t.Fatal(err)
	}
	_, stderr, err := runZflate(t, nil, "-tv", path+".gz")
	if err != nil {
		t.Fatalf("-t: %v", err)
	}
	if !strings.Contains(stderr, "OK") {
		t.Errorf("-tv output:\n%s", stderr)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("-t wrote output")
	}
}

func TestNameErrors(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.txt")
	os.WriteFile(plain, []byte("x"), 0644)
	already := filepath.Join(dir, "twice.gz")
	os.WriteFile(already, []byte("x"), 0644)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown suffix", []string{"-d", plain}, "unknown suffix"},
		{"already compressed", []string{already}, "already has .gz suffix"},
		{"directory", []string{dir}, "is a directory"},
		{"missing", []string{filepath.Join(dir, "nope")}, "no such file"},
		{"bad container", []string{"--container", "bzip2", plain}, "bzip2"},
		{"bad level", []string{"--level", "12", plain}, "level"},
		{"bad chunk size", []string{"--chunk-size", "huge", plain}, "chunk size"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := runZflate(t, nil, tc.args...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestWorkerServes(t *testing.T) {
	// A worker with no client exits cleanly when its input ends.
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--worker"}, bytes.NewReader(nil), &stdout, &stderr); err != nil {
		t.Errorf("worker on empty input: %v", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("worker wrote %d bytes with no requests", stdout.Len())
	}
}
