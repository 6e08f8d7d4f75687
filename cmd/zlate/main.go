// Command zlate adds files to a ZIP archive.
//
// Usage matches zip(1):
//
//	zlate [-0..-9] [-r] [-y] [-q] [-v] [-m] [-j] archive.zip file...
//	zlate -d archive.zip pattern...
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
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/moby/sys/atomicwriter"
	"github.com/spf13/pflag"

	"github.com/ha1tch/zlate/pkg/archive"
	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/config"
	"github.com/ha1tch/zlate/pkg/ziptree"
)

type options struct {
	level        int
	recursive    bool
	storeSymlink bool
	quiet        bool
	verbose      bool
	move         bool
	junkPaths    bool
	comment      string
	chunkSize    int
	archive      archive.Options
}

type fileEntry struct {
	path       string      // path on disk
	name       string      // name in archive
	info       os.FileInfo // from Lstat, or Stat of a followed link
	isDir      bool
	isSymlink  bool   // stored as a link (-y)
	linkTarget string // only if isSymlink
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "zlate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("zlate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }

	var digits [10]bool
	for i := range digits {
		fs.BoolVarP(&digits[i], "level-"+strconv.Itoa(i), strconv.Itoa(i), false, "compression level "+strconv.Itoa(i))
		fs.MarkHidden("level-" + strconv.Itoa(i))
	}
	recursive := fs.BoolP("recurse-paths", "r", false, "recurse into directories")
	symlinks := fs.BoolP("symlinks", "y", false, "store symbolic links as links")
	quiet := fs.BoolP("quiet", "q", false, "quiet operation")
	verbose := fs.BoolP("verbose", "v", false, "verbose operation")
	move := fs.BoolP("move", "m", false, "move into archive (delete input files)")
	junk := fs.BoolP("junk-paths", "j", false, "junk (don't record) directory names")
	comment := fs.StringP("archive-comment", "z", "", "archive comment")
	del := fs.BoolP("delete", "d", false, "delete matching entries from the archive")
	stream := fs.Bool("stream", false, "write entries with data descriptors as they are read")
	workers := fs.Int("workers", 0, "compress up to `n` entries in parallel")
	zip64 := fs.Bool("zip64", false, "always write Zip64 records")
	configPath := fs.String("config", "", "YAML configuration `file`")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	opts := options{
		level:        cfg.Level,
		recursive:    *recursive,
		storeSymlink: *symlinks,
		quiet:        *quiet,
		verbose:      *verbose,
		move:         *move,
		junkPaths:    *junk,
		comment:      *comment,
		chunkSize:    int(cfg.ChunkSize),
		archive:      cfg.ArchiveOptions(),
	}
	for i, set := range digits {
		if set {
			opts.level = i
		}
	}
	opts.archive.Level = opts.level
	opts.archive.Comment = opts.comment
	if fs.Changed("stream") {
		opts.archive.Streaming = *stream
	}
	if fs.Changed("workers") {
		opts.archive.Workers = *workers
	}
	if fs.Changed("zip64") {
		opts.archive.ForceZip64 = *zip64
	}

	level := cfg.SlogLevel()
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if fs.NArg() < 2 {
		return fmt.Errorf("missing archive or file arguments\nTry 'zlate -h' for more information")
	}
	archivePath := fs.Arg(0)
	if !strings.HasSuffix(archivePath, ".zip") {
		archivePath += ".zip"
	}

	if *del {
		return deleteEntries(archivePath, fs.Args()[1:], opts, stderr)
	}

	var entries []fileEntry
	for _, inputPath := range fs.Args()[1:] {
		collected, err := opts.collectFiles(inputPath)
		if err != nil {
			return fmt.Errorf("cannot access '%s': %w", inputPath, err)
		}
		entries = append(entries, collected...)
	}
	if len(entries) == 0 {
		return errors.New("no files to add")
	}

	start := time.Now()
	var totalIn, totalOut int64
	if opts.archive.Streaming {
		totalIn, totalOut, err = writeStreaming(archivePath, entries, opts, stderr)
	} else {
		totalIn, totalOut, err = writeBuffered(archivePath, entries, opts, stderr)
	}
	if err != nil {
		return err
	}

	logger.Debug("archive written",
		"path", archivePath,
		"entries", len(entries),
		"in", humanize.IBytes(uint64(totalIn)),
		"out", humanize.IBytes(uint64(totalOut)),
		"level", opts.level,
		"workers", opts.archive.Workers,
		"streaming", opts.archive.Streaming)

	if opts.verbose {
		ratio := float64(0)
		if totalIn > 0 {
			ratio = 100 - (float64(totalOut) * 100 / float64(totalIn))
		}
		fmt.Fprintf(stderr, "total %s -> %s (%.1f%%) in %v\n",
			humanize.IBytes(uint64(totalIn)), humanize.IBytes(uint64(totalOut)), ratio, time.Since(start).Round(time.Millisecond))
	}

	if opts.move {
		for _, entry := range entries {
			if !entry.isDir {
				os.Remove(entry.path)
			}
		}
		// Deepest directories first.
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].isDir {
				os.Remove(entries[i].path)
			}
		}
	}
	return nil
}

// openTree loads the archive at path for updating, or returns an empty
// tree if there is none yet. The existing archive comment is returned
// with it.
func openTree(path string) (*ziptree.Tree, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ziptree.New(), "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if !archive.IsValidFormat(data) {
		return nil, "", fmt.Errorf("'%s' is not a zip archive", path)
	}
	tree, err := ziptree.FromArchive(data)
	if err != nil {
		return nil, "", fmt.Errorf("cannot read '%s': %w", path, err)
	}
	comment, err := archive.Comment(data)
	if err != nil {
		return nil, "", fmt.Errorf("cannot read '%s': %w", path, err)
	}
	return tree, comment, nil
}

// writeBuffered adds entries to the archive at path, replacing entries
// of the same name, and rewrites it. Each entry's method is chosen from
// its content.
func writeBuffered(path string, entries []fileEntry, opts options, progress io.Writer) (in, out int64, err error) {
	tree, comment, err := openTree(path)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		verb := "adding"
		if n, err := tree.Find(entry.name); err == nil && !n.IsDir() {
			verb = "updating"
		}
		switch {
		case entry.isDir:
			opts.report(progress, "  %s: %s/\n", verb, entry.name)
			_, err = tree.Mkdir(entry.name, entry.info.ModTime(), entry.info.Mode())
		case entry.isSymlink:
			opts.report(progress, "  %s: %s (symlink -> %s)\n", verb, entry.name, entry.linkTarget)
			_, err = tree.Put(entry.name, []byte(entry.linkTarget), entry.info.ModTime(), entry.info.Mode())
			in += int64(len(entry.linkTarget))
		default:
			var data []byte
			data, err = os.ReadFile(entry.path)
			if err != nil {
				return 0, 0, fmt.Errorf("cannot read '%s': %w", entry.path, err)
			}
			opts.report(progress, "  %s: %s\n", verb, entry.name)
			_, err = tree.Put(entry.name, data, entry.info.ModTime(), entry.info.Mode())
			in += int64(len(data))
		}
		if err != nil {
			return 0, 0, fmt.Errorf("cannot add '%s': %w", entry.path, err)
		}
	}

	out, err = writeTree(path, tree, comment, opts)
	return in, out, err
}

// writeTree re-exports tree as the archive at path, replacing any old
// archive atomically. An explicit -z comment replaces the one the
// archive had.
func writeTree(path string, tree *ziptree.Tree, comment string, opts options) (int64, error) {
	aopts := opts.archive
	if aopts.Comment == "" {
		aopts.Comment = comment
	}
	data, err := tree.Archive(aopts)
	if err != nil {
		return 0, fmt.Errorf("cannot build '%s': %w", path, err)
	}
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("cannot write '%s': %w", path, err)
	}
	return int64(len(data)), nil
}

// deleteEntries removes the entries matching patterns from the archive
// at path. A pattern that names a directory removes everything below it.
func deleteEntries(archivePath string, patterns []string, opts options, progress io.Writer) error {
	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("cannot access '%s': %w", archivePath, err)
	}
	tree, comment, err := openTree(archivePath)
	if err != nil {
		return err
	}

	var doomed []*ziptree.Node
	err = tree.Walk(func(name string, n *ziptree.Node) error {
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, name); ok || pattern == name {
				doomed = append(doomed, n)
				if n.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(doomed) == 0 {
		return fmt.Errorf("nothing to delete from '%s'", archivePath)
	}
	for _, n := range doomed {
		if n.IsDir() {
			opts.report(progress, "deleting: %s/\n", n.Path())
		} else {
			opts.report(progress, "deleting: %s\n", n.Path())
		}
		if err := tree.Remove(n); err != nil {
			return err
		}
	}

	_, err = writeTree(archivePath, tree, comment, opts)
	return err
}

// writeStreaming reads each file in chunks and pushes it straight into
// the archive writer.
func writeStreaming(path string, entries []fileEntry, opts options, progress io.Writer) (in, out int64, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	var werr error
	w := archive.NewWriter(func(p []byte, final bool) {
		if werr != nil {
			return
		}
		n, err := bw.Write(p)
		out += int64(n)
		werr = err
	}, opts.archive)

	for _, entry := range entries {
		hdr := archive.Entry{
			Name:    entry.name,
			Method:  archive.MethodDeflate,
			ModTime: entry.info.ModTime(),
			Mode:    entry.info.Mode(),
		}
		if opts.level == 0 || entry.isDir || entry.isSymlink {
			hdr.Method = archive.MethodStore
		}
		switch {
		case entry.isDir:
			opts.report(progress, "  adding: %s/\n", entry.name)
		case entry.isSymlink:
			opts.report(progress, "  adding: %s (symlink -> %s)\n", entry.name, entry.linkTarget)
		default:
			opts.report(progress, "  adding: %s\n", entry.name)
		}

		ew, err := w.Create(hdr)
		if err != nil {
			return 0, 0, fmt.Errorf("cannot add '%s': %w", entry.path, err)
		}
		switch {
		case entry.isDir:
			err = ew.Push(nil, true)
		case entry.isSymlink:
			err = ew.Push([]byte(entry.linkTarget), true)
			in += int64(len(entry.linkTarget))
		default:
			var n int64
			n, err = pushFile(ew, entry.path, opts.chunkSize)
			in += n
		}
		if err != nil {
			return 0, 0, fmt.Errorf("cannot add '%s': %w", entry.path, err)
		}
		if werr != nil {
			return 0, 0, fmt.Errorf("cannot write '%s': %w", path, werr)
		}
	}

	if err := w.Close(); err != nil {
		return 0, 0, err
	}
	if werr != nil {
		return 0, 0, fmt.Errorf("cannot write '%s': %w", path, werr)
	}
	if err := bw.Flush(); err != nil {
		return 0, 0, fmt.Errorf("cannot write '%s': %w", path, err)
	}
	return in, out, f.Close()
}

// pushFile feeds the file at path to ew in chunks of size bytes.
func pushFile(ew *archive.EntryWriter, path string, size int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return codec.Feed(ew, f, size)
}

func (o options) report(w io.Writer, format string, args ...any) {
	if !o.quiet {
		fmt.Fprintf(w, format, args...)
	}
}

// collectFiles collects files from a path, recursing into directories if
// -r is set. Symlinks are stored as links with -y and followed otherwise.
func (o options) collectFiles(path string) ([]fileEntry, error) {
	linfo, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}

	if linfo.Mode()&os.ModeSymlink != 0 {
		return o.handleSymlink(path, linfo)
	}

	if linfo.IsDir() {
		if !o.recursive {
			return nil, fmt.Errorf("'%s' is a directory (use -r to recurse)", path)
		}
		var entries []fileEntry
		if err := o.walkDir(path, path, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	return []fileEntry{{path: path, name: o.archiveName(path), info: linfo}}, nil
}

func (o options) archiveName(path string) string {
	if o.junkPaths {
		path = filepath.Base(path)
	}
	return strings.TrimPrefix(filepath.ToSlash(path), "/")
}

func (o options) handleSymlink(path string, linfo os.FileInfo) ([]fileEntry, error) {
	name := o.archiveName(path)

	if o.storeSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read symlink '%s': %w", path, err)
		}
		return []fileEntry{{
			path:       path,
			name:       name,
			info:       linfo,
			isSymlink:  true,
			linkTarget: target,
		}}, nil
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve symlink '%s': %w", path, err)
	}
	realInfo, err := os.Stat(realPath)
	if err != nil {
		return nil, fmt.Errorf("cannot access symlink target '%s': %w", realPath, err)
	}

	if realInfo.IsDir() {
		if !o.recursive {
			return nil, fmt.Errorf("symlink '%s' points to directory (use -r to recurse)", path)
		}
		// Walk the target but name entries after the link.
		var entries []fileEntry
		err := o.walkDir(realPath, path, &entries)
		return entries, err
	}

	return []fileEntry{{path: realPath, name: name, info: realInfo}}, nil
}

// walkDir walks root, naming entries relative to basePath.
func (o options) walkDir(root, basePath string, entries *[]fileEntry) error {
	return filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		linfo, err := os.Lstat(p)
		if err != nil {
			return err
		}

		name := basePath
		if rel, _ := filepath.Rel(root, p); rel != "." {
			name = filepath.Join(basePath, rel)
		}
		name = o.archiveName(name)

		if linfo.Mode()&os.ModeSymlink == 0 {
			*entries = append(*entries, fileEntry{path: p, name: name, info: linfo, isDir: linfo.IsDir()})
			return nil
		}

		if o.storeSymlink {
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("cannot read symlink '%s': %w", p, err)
			}
			*entries = append(*entries, fileEntry{path: p, name: name, info: linfo, isSymlink: true, linkTarget: target})
			return nil
		}

		realPath, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("cannot resolve symlink '%s': %w", p, err)
		}
		realInfo, err := os.Stat(realPath)
		if err != nil {
			return fmt.Errorf("cannot access symlink target '%s': %w", realPath, err)
		}
		// Symlinked directories are not followed, as zip(1) does.
		if realInfo.IsDir() {
			return nil
		}
		*entries = append(*entries, fileEntry{path: realPath, name: name, info: realInfo})
		return nil
	})
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: zlate [-0..-9] [-ry] [-qvmj] [options] archive[.zip] file...
       zlate -d archive[.zip] pattern...

Add files to a ZIP archive, replacing entries of the same name. Output is standard PKZIP format readable by
unzip, WinZip and archive/zip.

Options:
  -0             store only (no compression)
  -1 .. -9       compression level (default 6)
  -r             recurse into directories
  -y             store symbolic links as links (default: follow links)
  -q             quiet operation
  -v             verbose operation
  -m             move into archive (delete input files after compression)
  -j             junk directory names (store only file names)
  -z comment     archive comment
  -d             delete entries matching the patterns
  --stream       stream entries with data descriptors instead of buffering
  --workers n    compress up to n entries in parallel
  --zip64        always write Zip64 records
  --config file  read settings from a YAML file
  -h             display this help

Entries that look random or do not shrink are stored; the rest are
deflated. --stream always writes a new archive.

Examples:
  zlate archive.zip file.txt          Compress single file
  zlate -r project.zip src/           Compress directory recursively
  zlate -ry archive.zip src/          Recurse, preserve symlinks
  zlate -0 backup.zip data.bin        Store without compression
  zlate --stream big.zip disk.img     Stream without buffering entries
  zlate -d project.zip 'src/*.tmp'    Delete entries from an archive

`)
}
