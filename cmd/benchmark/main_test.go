package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGenerate(t *testing.T) {
	for _, ct := range contentTypes {
		t.Run(ct.ID, func(t *testing.T) {
			for _, size := range []int{1, 100, 4096} {
				a := generate(ct, size)
				if len(a) != size {
					t.Fatalf("generate(%d) returned %d bytes", size, len(a))
				}
				if b := generate(ct, size); !bytes.Equal(a, b) {
					t.Fatalf("generate(%d) is not deterministic", size)
				}
			}
		})
	}
}

func TestCodecsRoundtrip(t *testing.T) {
	inputs := map[string][]byte{
		"en":     generate(contentTypes[0], 8192),
		"random": generate(ContentType{ID: "random", Category: CatBinary}, 2048),
	}
	for _, c := range codecs {
		for name, data := range inputs {
			t.Run(c.Name+"/"+name, func(t *testing.T) {
				packed, err := c.Compress(data, 6)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				got, err := c.Decompress(packed, len(data))
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("round trip returned %d bytes, want %d", len(got), len(data))
				}
			})
		}
	}
}

func TestSelectCodecs(t *testing.T) {
	got, err := selectCodecs([]string{"zstd", "zlate"})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range got {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"zstd", "zlate"}, names); diff != "" {
		t.Errorf("selectCodecs (-want +got):\n%s", diff)
	}

	if _, err := selectCodecs([]string{"brotli"}); err == nil {
		t.Error("selectCodecs accepted an unknown codec")
	}
}

func TestRunJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	args := []string{"--json", "--sizes", "1,2", "--repeat", "1", "--content", "en,json,random"}
	if err := run(args, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}

	var report Report
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if want := 3 * 2 * len(codecs); len(report.Results) != want {
		t.Fatalf("got %d results, want %d", len(report.Results), want)
	}
	for _, r := range report.Results {
		if r.Error != "" {
			t.Errorf("%s/%s/%dKB: %s", r.Content, r.Codec, r.SizeKB, r.Error)
		}
		if r.Codec == baseline && r.VsBaseline != 0 {
			t.Errorf("baseline compared against itself: %.2f", r.VsBaseline)
		}
	}

	wins := 0
	for _, name := range codecNames(report.Summary) {
		s := report.Summary[name]
		if s.Tests != 6 {
			t.Errorf("%s: %d tests, want 6", name, s.Tests)
		}
		wins += s.Wins
	}
	if wins != 6 {
		t.Errorf("got %d wins across codecs, want one per corpus (6)", wins)
	}
}

func TestRunTableAndFiles(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	args := []string{"-o", dir, "--sizes", "1", "--repeat", "1", "--content", "go", "--codecs", "zlate,compress/flate"}
	if err := run(args, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"zlate", "compress/flate", "avg ratio"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}

	for _, name := range []string{"report.json", "report.html"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if len(data) == 0 {
			t.Errorf("%s is empty", name)
		}
	}
	html, _ := os.ReadFile(filepath.Join(dir, "report.html"))
	if !bytes.Contains(html, []byte("<td>zlate</td>")) {
		t.Error("HTML summary has no zlate row")
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown codec", []string{"--codecs", "brotli"}, `unknown codec "brotli"`},
		{"unknown content", []string{"--content", "klingon"}, `unknown content type "klingon"`},
		{"bad size", []string{"--sizes", "4,x"}, `invalid size "x"`},
		{"zero size", []string{"--sizes", "0"}, `invalid size "0"`},
		{"bad level", []string{"--level", "12"}, "level 12 out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args, &stdout, &stderr)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}
