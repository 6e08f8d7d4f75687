// Command unzlate lists, tests and extracts ZIP archives.
//
// Usage matches unzip(1):
//
//	unzlate [-ltvqonpj] [-d dir] archive.zip [file...]
//
// An archive named "-" is read from standard input as it arrives.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/pflag"

	"github.com/ha1tch/zlate/pkg/archive"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/config"
)

// ErrUnsafePath is returned for entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("unsafe path")

type overwriteMode int

const (
	overwriteAsk overwriteMode = iota
	overwriteAll
	overwriteNone
)

type unzipper struct {
	quiet     bool
	pipe      bool
	junkPaths bool
	destDir   string
	patterns  []string
	overwrite overwriteMode
	chunkSize int

	prompt *bufio.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "unzlate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("unzlate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }

	list := fs.BoolP("list", "l", false, "list files (short format)")
	listVerbose := fs.BoolP("verbose", "v", false, "list files (verbose format)")
	test := fs.BoolP("test", "t", false, "test archive integrity")
	quiet := fs.BoolP("quiet", "q", false, "quiet operation")
	overwrite := fs.BoolP("overwrite", "o", false, "overwrite files without prompting")
	never := fs.BoolP("never", "n", false, "never overwrite existing files")
	pipe := fs.BoolP("pipe", "p", false, "extract to stdout (pipe)")
	junk := fs.BoolP("junk-paths", "j", false, "junk paths (extract to current directory)")
	destDir := fs.StringP("dir", "d", "", "extract files into `dir`")
	configPath := fs.String("config", "", "YAML configuration `file`")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("missing archive argument\nTry 'unzlate -h' for more information")
	}

	u := &unzipper{
		quiet:     *quiet,
		pipe:      *pipe,
		junkPaths: *junk,
		destDir:   *destDir,
		patterns:  fs.Args()[1:],
		chunkSize: int(cfg.ChunkSize),
		stdout:    stdout,
		stderr:    stderr,
		logger:    slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})),
	}
	switch {
	case *overwrite:
		u.overwrite = overwriteAll
	case *never:
		u.overwrite = overwriteNone
	}

	archivePath := fs.Arg(0)
	if archivePath == "-" && !*list && !*listVerbose {
		// Prompts would compete with the archive for standard input.
		if u.overwrite == overwriteAsk {
			u.overwrite = overwriteNone
		}
		return u.stream(archivePath, stdin, *test)
	}
	u.prompt = bufio.NewReader(stdin)

	var data []byte
	if archivePath == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(archivePath)
		if err != nil && !strings.HasSuffix(archivePath, ".zip") {
			if d, zerr := os.ReadFile(archivePath + ".zip"); zerr == nil {
				data, err, archivePath = d, nil, archivePath+".zip"
			}
		}
	}
	if err != nil {
		return fmt.Errorf("cannot open '%s': %w", archivePath, err)
	}
	if !archive.IsValidFormat(data) {
		return fmt.Errorf("'%s' is not a valid ZIP archive", archivePath)
	}
	entries, err := archive.List(data)
	if err != nil {
		return fmt.Errorf("cannot read archive: %w", err)
	}
	entries = u.selected(entries)

	switch {
	case *list || *listVerbose:
		comment, _ := archive.Comment(data)
		printListing(stdout, archivePath, comment, entries, *listVerbose)
		return nil
	case *test:
		return u.test(archivePath, data, entries)
	default:
		return u.extract(archivePath, data, entries)
	}
}

// selected filters entries by the name patterns on the command line.
func (u *unzipper) selected(entries []*archive.Entry) []*archive.Entry {
	if len(u.patterns) == 0 {
		return entries
	}
	var out []*archive.Entry
	for _, e := range entries {
		if u.matches(e.Name) {
			out = append(out, e)
		}
	}
	return out
}

func (u *unzipper) matches(name string) bool {
	if len(u.patterns) == 0 {
		return true
	}
	for _, p := range u.patterns {
		if ok, _ := path.Match(p, name); ok || p == name {
			return true
		}
	}
	return false
}

func printListing(w io.Writer, archivePath, comment string, entries []*archive.Entry, verbose bool) {
	fmt.Fprintf(w, "Archive:  %s\n", archivePath)
	if comment != "" {
		fmt.Fprintln(w, comment)
	}

	var totalSize, totalComp uint64
	for _, e := range entries {
		totalSize += e.Size
		totalComp += e.CompressedSize
	}
	files := "files"
	if len(entries) == 1 {
		files = "file"
	}

	if verbose {
		fmt.Fprintln(w, " Length   Method     Size  Cmpr    Date    Time   CRC-32   Name")
		fmt.Fprintln(w, "--------  ------  -------- ---- ---------- ----- --------  ----")
		for _, e := range entries {
			date, clock := stamp(e)
			fmt.Fprintf(w, "%8d  %-6s  %8d %3d%% %s %s %08x  %s\n",
				e.Size, methodName(e.Method), e.CompressedSize, saved(e.Size, e.CompressedSize),
				date, clock, e.CRC32, e.Name)
		}
		fmt.Fprintln(w, "--------          -------- ----                            -------")
		fmt.Fprintf(w, "%8d          %8d %3d%%                            %d %s\n",
			totalSize, totalComp, saved(totalSize, totalComp), len(entries), files)
		return
	}

	fmt.Fprintln(w, "  Length      Date    Time    Name")
	fmt.Fprintln(w, "---------  ---------- -----   ----")
	for _, e := range entries {
		date, clock := stamp(e)
		fmt.Fprintf(w, "%9d  %s %s   %s\n", e.Size, date, clock, e.Name)
	}
	fmt.Fprintln(w, "---------                     -------")
	fmt.Fprintf(w, "%9d                     %d %s\n", totalSize, len(entries), files)
}

func methodName(m archive.Method) string {
	if m == archive.MethodDeflate {
		return "Defl:N"
	}
	return m.String()
}

func stamp(e *archive.Entry) (date, clock string) {
	if e.ModTime.IsZero() {
		return "----------", "-----"
	}
	return e.ModTime.Format("2006-01-02"), e.ModTime.Format("15:04")
}

// saved returns the space saving as a percentage, floored at zero.
func saved(size, comp uint64) int {
	if size == 0 || comp >= size {
		return 0
	}
	return 100 - int(comp*100/size)
}

func (u *unzipper) test(archivePath string, data []byte, entries []*archive.Entry) error {
	var errs *multierror.Error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, err := archive.Read(data, e)
		if !u.quiet {
			status := "OK"
			if err != nil {
				status = "error"
			}
			fmt.Fprintf(u.stdout, "    testing: %-40s %s\n", e.Name, status)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("test of %s failed: %w", archivePath, err)
	}
	fmt.Fprintf(u.stdout, "No errors detected in compressed data of %s.\n", archivePath)
	return nil
}

// extract writes every selected entry to disk, or to stdout with -p.
// Failures are collected and extraction carries on with the next entry.
func (u *unzipper) extract(archivePath string, data []byte, entries []*archive.Entry) error {
	if !u.quiet && !u.pipe {
		fmt.Fprintf(u.stdout, "Archive:  %s\n", archivePath)
	}

	var errs *multierror.Error
	var total uint64
	var count int
	for _, e := range entries {
		if u.pipe {
			if e.IsDir() {
				continue
			}
			content, err := archive.Read(data, e)
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			u.stdout.Write(content)
			total += uint64(len(content))
			count++
			continue
		}

		outputPath, err := u.outputPath(e.Name)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}

		if e.IsDir() {
			if u.junkPaths {
				continue
			}
			if !u.quiet {
				fmt.Fprintf(u.stdout, "   creating: %s\n", outputPath)
			}
			if err := os.MkdirAll(outputPath, dirPerm(e.Mode)); err != nil {
				errs = multierror.Append(errs, err)
			}
			continue
		}

		if !u.shouldWrite(outputPath) {
			continue
		}

		// A bad checksum still leaves the data on disk, as unzip does.
		content, err := archive.Read(data, e)
		if err != nil {
			errs = multierror.Append(errs, err)
			if content == nil {
				continue
			}
		}

		if e.IsSymlink() {
			if !u.quiet {
				fmt.Fprintf(u.stdout, "    linking: %s -> %s\n", outputPath, content)
			}
			err = u.writeSymlink(e.Name, outputPath, string(content))
		} else {
			if !u.quiet {
				verb := "inflating"
				if e.Method == archive.MethodStore {
					verb = "extracting"
				}
				fmt.Fprintf(u.stdout, "%11s: %s\n", verb, outputPath)
			}
			err = writeFile(outputPath, content, e)
		}
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		total += uint64(len(content))
		count++
	}

	u.logger.Info("extracted", "archive", archivePath, "files", count, "size", humanize.IBytes(total))
	return errs.ErrorOrNil()
}

// outputPath maps an entry name to a path under the destination
// directory, refusing names that would escape it.
func (u *unzipper) outputPath(name string) (string, error) {
	name = strings.TrimSuffix(name, "/")
	if u.junkPaths {
		name = path.Base(name)
	}
	local := filepath.FromSlash(name)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%s: %w", name, ErrUnsafePath)
	}
	if u.destDir != "" {
		local = filepath.Join(u.destDir, local)
	}
	return local, nil
}

// shouldWrite applies -o, -n and the interactive prompt to an existing
// file.
func (u *unzipper) shouldWrite(outputPath string) bool {
	if _, err := os.Lstat(outputPath); err != nil {
		return true
	}
	switch u.overwrite {
	case overwriteAll:
		return true
	case overwriteNone:
		if !u.quiet {
			fmt.Fprintf(u.stdout, "  skipping: %s\n", outputPath)
		}
		return false
	}

	fmt.Fprintf(u.stderr, "replace %s? [y]es, [n]o, [A]ll, [N]one: ", outputPath)
	response, _ := u.prompt.ReadString('\n')
	switch strings.TrimSpace(response) {
	case "y", "yes", "Y":
		return true
	case "A", "all":
		u.overwrite = overwriteAll
		return true
	case "N", "none":
		u.overwrite = overwriteNone
	}
	if !u.quiet {
		fmt.Fprintf(u.stdout, "  skipping: %s\n", outputPath)
	}
	return false
}

// writeSymlink creates a link unless its target would resolve outside
// the extraction directory.
func (u *unzipper) writeSymlink(name, outputPath, target string) error {
	if filepath.IsAbs(target) || !filepath.IsLocal(filepath.Join(filepath.Dir(filepath.FromSlash(name)), target)) {
		return fmt.Errorf("%s -> %s: %w", name, target, ErrUnsafePath)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	os.Remove(outputPath)
	return os.Symlink(target, outputPath)
}

func writeFile(outputPath string, content []byte, e *archive.Entry) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	perm := e.Mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	if err := os.WriteFile(outputPath, content, perm); err != nil {
		return fmt.Errorf("cannot write '%s': %w", outputPath, err)
	}
	// WriteFile leaves an existing file's mode alone.
	os.Chmod(outputPath, perm)
	if !e.ModTime.IsZero() {
		os.Chtimes(outputPath, e.ModTime, e.ModTime)
	}
	return nil
}

func dirPerm(mode os.FileMode) os.FileMode {
	if p := mode.Perm(); p != 0 {
		return p
	}
	return 0755
}

// stream extracts or tests an archive read from r without buffering it.
// Entry modes are unknown until the central directory, so everything is
// written as a regular file.
func (u *unzipper) stream(archivePath string, r io.Reader, testOnly bool) error {
	var errs *multierror.Error
	var count int
	var total uint64
	var out *os.File
	var werr error

	uz := archive.NewUnzipper(func(e *archive.Entry) codec.Sink {
		if !u.matches(e.Name) {
			return nil
		}
		count++
		if testOnly {
			if !u.quiet {
				fmt.Fprintf(u.stdout, "    testing: %s\n", e.Name)
			}
			return func(p []byte, final bool) { total += uint64(len(p)) }
		}
		if u.pipe {
			if e.IsDir() {
				return nil
			}
			return func(p []byte, final bool) {
				total += uint64(len(p))
				u.stdout.Write(p)
			}
		}

		outputPath, err := u.outputPath(e.Name)
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		if e.IsDir() {
			if !u.junkPaths {
				if err := os.MkdirAll(outputPath, 0755); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
			return nil
		}
		if !u.shouldWrite(outputPath) {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		f, err := os.Create(outputPath)
		if err != nil {
			errs = multierror.Append(errs, err)
			return nil
		}
		if !u.quiet {
			fmt.Fprintf(u.stdout, "  inflating: %s\n", outputPath)
		}
		out, werr = f, nil
		modTime := e.ModTime
		return func(p []byte, final bool) {
			total += uint64(len(p))
			if werr == nil {
				_, werr = out.Write(p)
			}
			if !final {
				return
			}
			if err := out.Close(); werr == nil {
				werr = err
			}
			if werr != nil {
				errs = multierror.Append(errs, fmt.Errorf("cannot write '%s': %w", outputPath, werr))
			} else if !modTime.IsZero() {
				os.Chtimes(outputPath, modTime, modTime)
			}
			out = nil
		}
	})

	if _, err := codec.Feed(uz, r, u.chunkSize); err != nil {
		if out != nil {
			out.Close()
		}
		errs = multierror.Append(errs, err)
	}

	u.logger.Info("streamed", "archive", archivePath, "files", count, "size", humanize.IBytes(total))
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	if testOnly {
		fmt.Fprintf(u.stdout, "No errors detected in compressed data of %s.\n", archivePath)
	}
	return nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: unzlate [-ltvqonpj] [-d dir] archive[.zip] [file...]

List, test and extract files from a ZIP archive. Stored and DEFLATE
entries are supported, including Zip64 and data descriptors.

Options:
  -l             list files (short format)
  -v             list files with verbose information
  -t             test archive integrity
  -q             quiet operation
  -o             overwrite files without prompting
  -n             never overwrite existing files
  -p             extract to stdout (pipe)
  -j             junk paths (extract to current directory)
  -d dir         extract files into specified directory
  --config file  read settings from a YAML file
  -h             display this help

File arguments select entries by name; shell patterns are allowed.
An archive named - is read from standard input as it arrives.

Examples:
  unzlate archive.zip                 Extract all files
  unzlate -l archive.zip              List contents
  unzlate -v archive.zip              List with details (method, CRC, etc.)
  unzlate -t archive.zip              Test archive integrity
  unzlate -d /tmp archive.zip         Extract to /tmp
  unzlate -p archive.zip a.txt        Extract a.txt to stdout
  curl -s $URL | unzlate -            Extract while downloading

`)
}
