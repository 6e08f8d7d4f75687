package main

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

// Report is the full benchmark output.
type Report struct {
	Generated time.Time               `json:"generated"`
	GoVersion string                  `json:"go_version"`
	Platform  string                  `json:"platform"`
	Level     int                     `json:"level"`
	SizesKB   []int                   `json:"sizes_kb"`
	Results   []Result                `json:"results"`
	Summary   map[string]CodecSummary `json:"summary"`
}

// CodecSummary aggregates one codec over every corpus.
type CodecSummary struct {
	Tests          int     `json:"tests"`
	Failures       int     `json:"failures"`
	Wins           int     `json:"wins"` // smallest output for a corpus
	AvgRatio       float64 `json:"avg_ratio"`
	AvgVsBaseline  float64 `json:"avg_vs_baseline"`
	CompressMBps   float64 `json:"compress_mbps"`
	DecompressMBps float64 `json:"decompress_mbps"`
}

type corpusKey struct {
	content string
	sizeKB  int
}

func summarize(results []Result) map[string]CodecSummary {
	summary := make(map[string]CodecSummary)
	smallest := make(map[corpusKey]Result)

	for _, r := range results {
		s := summary[r.Codec]
		s.Tests++
		if r.Error != "" {
			s.Failures++
			summary[r.Codec] = s
			continue
		}
		s.AvgRatio += r.Ratio
		s.AvgVsBaseline += r.VsBaseline
		s.CompressMBps += r.CompressMBps
		s.DecompressMBps += r.DecompressMBps
		summary[r.Codec] = s

		k := corpusKey{r.Content, r.SizeKB}
		if best, ok := smallest[k]; !ok || r.Compressed < best.Compressed {
			smallest[k] = r
		}
	}

	for _, r := range smallest {
		s := summary[r.Codec]
		s.Wins++
		summary[r.Codec] = s
	}

	for name, s := range summary {
		if ok := s.Tests - s.Failures; ok > 0 {
			n := float64(ok)
			s.AvgRatio /= n
			s.AvgVsBaseline /= n
			s.CompressMBps /= n
			s.DecompressMBps /= n
		}
		summary[name] = s
	}
	return summary
}

func encodeJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func writeJSONReport(path string, report Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeJSON(f, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// codecNames lists the summary's codecs in registration order.
func codecNames(summary map[string]CodecSummary) []string {
	var names []string
	for _, c := range codecs {
		if _, ok := summary[c.Name]; ok {
			names = append(names, c.Name)
		}
	}
	return names
}

func printReport(w io.Writer, report Report) {
	fmt.Fprintf(w, "level %d, %s, %s\n\n", report.Level, report.Platform, report.GoVersion)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "content\tsize\tcodec\tcompressed\tratio\tvs base\tcomp MB/s\tdecomp MB/s\t")
	for _, r := range report.Results {
		size := humanize.IBytes(uint64(r.Original))
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t%s\t%s\tERROR: %s\t\t\t\t\t\n", r.Content, size, r.Codec, r.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%+.1f%%\t%.1f\t%.1f\t\n",
			r.Content, size, r.Codec, humanize.IBytes(uint64(r.Compressed)),
			r.Ratio, r.VsBaseline, r.CompressMBps, r.DecompressMBps)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "codec\ttests\twins\tfailures\tavg ratio\tavg vs base\tcomp MB/s\tdecomp MB/s\t")
	for _, name := range codecNames(report.Summary) {
		s := report.Summary[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.3f\t%+.1f%%\t%.1f\t%.1f\t\n",
			name, s.Tests, s.Wins, s.Failures, s.AvgRatio, s.AvgVsBaseline, s.CompressMBps, s.DecompressMBps)
	}
	tw.Flush()
}

func writeHTMLReport(path string, report Report) error {
	tmpl := template.Must(template.New("report").Funcs(template.FuncMap{
		"pct":    func(f float64) string { return fmt.Sprintf("%+.1f", f) },
		"bytes":  func(n int) string { return humanize.IBytes(uint64(n)) },
		"mbps":   func(f float64) string { return fmt.Sprintf("%.1f", f) },
		"codecs": func() []string { return codecNames(report.Summary) },
	}).Parse(htmlTemplate))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tmpl.Execute(f, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>DEFLATE Benchmark Report</title>
    <style>
        body { font-family: -apple-system, sans-serif; background: #0d1117; color: #c9d1d9; margin: 2rem; }
        table { border-collapse: collapse; margin-bottom: 2rem; }
        th, td { border-bottom: 1px solid #30363d; padding: 0.3rem 0.8rem; }
        th { text-align: left; color: #8b949e; }
        .num { text-align: right; font-variant-numeric: tabular-nums; }
        .win { color: #3fb950; }
        .loss { color: #f85149; }
    </style>
</head>
<body>
    <h1>DEFLATE Benchmark Report</h1>
    <p>Generated {{.Generated.Format "2006-01-02 15:04:05 UTC"}} | {{.Platform}} | {{.GoVersion}} | level {{.Level}} |
    sizes {{range $i, $s := .SizesKB}}{{if $i}}, {{end}}{{$s}} KiB{{end}}</p>

    <h2>Summary</h2>
    <table>
        <tr><th>Codec</th><th class="num">Tests</th><th class="num">Wins</th><th class="num">Failures</th>
            <th class="num">Avg ratio</th><th class="num">vs baseline</th><th class="num">Comp MB/s</th><th class="num">Decomp MB/s</th></tr>
        {{range codecs}}{{$s := index $.Summary .}}
        <tr><td>{{.}}</td><td class="num">{{$s.Tests}}</td><td class="num">{{$s.Wins}}</td>
            <td class="num {{if $s.Failures}}loss{{end}}">{{$s.Failures}}</td>
            <td class="num">{{printf "%.3f" $s.AvgRatio}}</td>
            <td class="num {{if gt $s.AvgVsBaseline 0.0}}win{{else}}loss{{end}}">{{pct $s.AvgVsBaseline}}%</td>
            <td class="num">{{mbps $s.CompressMBps}}</td><td class="num">{{mbps $s.DecompressMBps}}</td></tr>
        {{end}}
    </table>

    <h2>All results</h2>
    <table>
        <tr><th>Content</th><th>Profile</th><th class="num">Size</th><th>Codec</th><th class="num">Compressed</th>
            <th class="num">Ratio</th><th class="num">vs baseline</th><th class="num">Comp MB/s</th><th class="num">Decomp MB/s</th></tr>
        {{range .Results}}
        <tr><td>{{.Content}}</td><td>{{.Profile}}</td><td class="num">{{bytes .Original}}</td><td>{{.Codec}}</td>
        {{if .Error}}<td class="loss" colspan="5">{{.Error}}</td>{{else}}
            <td class="num">{{bytes .Compressed}}</td><td class="num">{{printf "%.3f" .Ratio}}</td>
            <td class="num {{if gt .VsBaseline 0.0}}win{{else}}loss{{end}}">{{pct .VsBaseline}}%</td>
            <td class="num">{{mbps .CompressMBps}}</td><td class="num">{{mbps .DecompressMBps}}</td>{{end}}</tr>
        {{end}}
    </table>
</body>
</html>
`
