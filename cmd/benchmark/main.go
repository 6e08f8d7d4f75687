// Command benchmark compares this module's DEFLATE codec with
// compress/flate, klauspost/compress flate and zstd, and lz4 on
// generated corpora of several content types and sizes.
//
// Usage:
//
//	benchmark [-o output_dir] [--sizes 4,64,512] [--level 6] [--json]
//
// With -o the report is also written as report.json and report.html.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/detect"
)

// Result is one codec on one corpus.
type Result struct {
	Content        string  `json:"content"`
	Category       string  `json:"category"`
	Profile        string  `json:"profile"`
	Codec          string  `json:"codec"`
	SizeKB         int     `json:"size_kb"`
	Original       int     `json:"original_bytes"`
	Compressed     int     `json:"compressed_bytes"`
	Ratio          float64 `json:"ratio"`       // compressed/original, lower is better
	VsBaseline     float64 `json:"vs_baseline"` // % smaller than compress/flate
	CompressMBps   float64 `json:"compress_mbps"`
	DecompressMBps float64 `json:"decompress_mbps"`
	Error          string  `json:"error,omitempty"`
}

type options struct {
	sizes    []int
	level    int
	repeat   int
	codecs   []Codec
	contents []ContentType
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "benchmark: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("benchmark", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	outputDir := fs.StringP("output", "o", "", "write report.json and report.html to `dir`")
	sizesFlag := fs.String("sizes", "4,64,512", "comma-separated corpus sizes in KiB")
	level := fs.Int("level", codec.DefaultLevel, "compression level 0-9")
	repeat := fs.Int("repeat", 3, "timing runs per measurement, fastest wins")
	codecNames := fs.StringSlice("codecs", nil, "codecs to run (default all)")
	contentIDs := fs.StringSlice("content", nil, "content types to generate (default all)")
	asJSON := fs.Bool("json", false, "print the report as JSON instead of a table")
	verbose := fs.BoolP("verbose", "v", false, "log progress")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelWarn
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel}))

	opts := options{level: *level, repeat: max(*repeat, 1)}
	if *level < codec.LevelStore || *level > codec.LevelBest {
		return fmt.Errorf("level %d out of range 0-9", *level)
	}
	for _, s := range strings.Split(*sizesFlag, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid size %q", s)
		}
		opts.sizes = append(opts.sizes, n)
	}
	slices.Sort(opts.sizes)

	var err error
	if opts.codecs, err = selectCodecs(*codecNames); err != nil {
		return err
	}
	opts.contents = contentTypes
	if len(*contentIDs) > 0 {
		opts.contents = nil
		for _, id := range *contentIDs {
			ct, ok := findContentType(id)
			if !ok {
				return fmt.Errorf("unknown content type %q", id)
			}
			opts.contents = append(opts.contents, ct)
		}
	}

	report := Report{
		Generated: time.Now().UTC(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Level:     opts.level,
		SizesKB:   opts.sizes,
	}
	for _, ct := range opts.contents {
		for _, sizeKB := range opts.sizes {
			logger.Debug("benchmarking", "content", ct.ID, "size_kb", sizeKB)
			report.Results = append(report.Results, benchmark(ct, sizeKB, opts)...)
		}
	}
	report.Summary = summarize(report.Results)

	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			return err
		}
		jsonPath := filepath.Join(*outputDir, "report.json")
		if err := writeJSONReport(jsonPath, report); err != nil {
			return err
		}
		htmlPath := filepath.Join(*outputDir, "report.html")
		if err := writeHTMLReport(htmlPath, report); err != nil {
			return err
		}
		logger.Info("reports written", "json", jsonPath, "html", htmlPath)
	}

	if *asJSON {
		return encodeJSON(stdout, report)
	}
	printReport(stdout, report)
	return nil
}

// benchmark runs every codec on one generated corpus.
func benchmark(ct ContentType, sizeKB int, opts options) []Result {
	data := generate(ct, sizeKB*1024)
	profile := detect.Detect(data).Type.String()

	results := make([]Result, 0, len(opts.codecs))
	base := 0
	for _, c := range opts.codecs {
		r := Result{
			Content:  ct.ID,
			Category: string(ct.Category),
			Profile:  profile,
			Codec:    c.Name,
			SizeKB:   sizeKB,
			Original: len(data),
		}
		if err := measure(&r, c, data, opts); err != nil {
			r.Error = err.Error()
		}
		if c.Name == baseline && r.Error == "" {
			base = r.Compressed
		}
		results = append(results, r)
	}

	if base > 0 {
		for i := range results {
			if results[i].Error == "" {
				results[i].VsBaseline = 100 * (1 - float64(results[i].Compressed)/float64(base))
			}
		}
	}
	return results
}

// measure compresses and decompresses data, keeping the fastest of
// opts.repeat runs, and checks the round trip.
func measure(r *Result, c Codec, data []byte, opts options) error {
	var packed []byte
	best := time.Duration(0)
	for i := 0; i < opts.repeat; i++ {
		start := time.Now()
		out, err := c.Compress(data, opts.level)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("compress: %w", err)
		}
		if i == 0 || elapsed < best {
			best = elapsed
		}
		packed = out
	}
	r.Compressed = len(packed)
	r.Ratio = float64(len(packed)) / float64(max(len(data), 1))
	r.CompressMBps = throughput(len(data), best)

	var unpacked []byte
	for i := 0; i < opts.repeat; i++ {
		start := time.Now()
		out, err := c.Decompress(packed, len(data))
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
		if i == 0 || elapsed < best {
			best = elapsed
		}
		unpacked = out
	}
	r.DecompressMBps = throughput(len(data), best)

	if !bytes.Equal(unpacked, data) {
		return fmt.Errorf("round trip mismatch: %d bytes back, want %d", len(unpacked), len(data))
	}
	return nil
}

func throughput(n int, d time.Duration) float64 {
	if d <= 0 {
		d = time.Nanosecond
	}
	return float64(n) / d.Seconds() / 1e6
}
