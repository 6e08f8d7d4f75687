// Command zflate compresses and decompresses gzip, zlib, raw DEFLATE and
// single-entry ZIP streams.
//
// Usage follows gzip(1):
//
//	zflate [-dcktfvq] [-1..-9] [--container c] [--async|--remote] [file...]
//
// With no files, or "-", zflate filters standard input to standard
// output. --async runs the codec on a worker goroutine and --remote in a
// worker process that speaks the offload protocol over its stdio.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/moby/term"
	"github.com/spf13/pflag"

	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/config"
	"github.com/ha1tch/zlate/pkg/container"
	"github.com/ha1tch/zlate/pkg/offload"
)

var suffixes = map[codec.Container]string{
	codec.ContainerRaw:      ".deflate",
	codec.ContainerZlib:     ".zz",
	codec.ContainerGzip:     ".gz",
	codec.ContainerZipEntry: ".zip",
}

// workerCommand returns the process that serves --remote jobs.
var workerCommand = func() *exec.Cmd {
	return exec.Command(os.Args[0], "--worker")
}

type zflate struct {
	decompress bool
	toStdout   bool
	keep       bool
	force      bool
	testOnly   bool
	verbose    bool
	opts       codec.Options
	chunkSize  int

	// reg runs jobs off the calling goroutine; nil streams in-process.
	reg *offload.Registry

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "zflate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("zflate", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }

	var digits [10]bool
	for i := 1; i < len(digits); i++ {
		fs.BoolVarP(&digits[i], "level-"+strconv.Itoa(i), strconv.Itoa(i), false, "compression level "+strconv.Itoa(i))
		fs.MarkHidden("level-" + strconv.Itoa(i))
	}
	decompress := fs.BoolP("decompress", "d", false, "decompress")
	toStdout := fs.BoolP("stdout", "c", false, "write to standard output, keep input files")
	keep := fs.BoolP("keep", "k", false, "keep input files")
	force := fs.BoolP("force", "f", false, "overwrite output files")
	testOnly := fs.BoolP("test", "t", false, "test compressed file integrity")
	verbose := fs.BoolP("verbose", "v", false, "verbose mode")
	quiet := fs.BoolP("quiet", "q", false, "suppress warnings")
	fast := fs.Bool("fast", false, "compress faster (-1)")
	best := fs.Bool("best", false, "compress better (-9)")
	level := fs.Int("level", codec.DefaultLevel, "compression level 0-9")
	memLevel := fs.Int("mem-level", 0, "match finder size 1-13, 0 to pick from the input")
	containerName := fs.String("container", "", "framing: gzip, zlib, raw, zip or auto")
	chunkSize := fs.String("chunk-size", "", "read `size` per push, e.g. 64KiB")
	async := fs.Bool("async", false, "run the codec on a worker goroutine")
	remote := fs.Bool("remote", false, "run the codec in a worker process")
	worker := fs.Bool("worker", false, "serve offloaded jobs on stdin and stdout")
	fs.MarkHidden("worker")
	configPath := fs.String("config", "", "YAML configuration `file`")

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logLevel := cfg.SlogLevel()
	switch {
	case *verbose:
		logLevel = slog.LevelDebug
	case *quiet:
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel}))

	if *worker {
		return serveWorker(ctx, stdin, stdout, logger)
	}

	z := &zflate{
		decompress: *decompress || *testOnly,
		toStdout:   *toStdout,
		keep:       *keep || *toStdout,
		force:      *force,
		testOnly:   *testOnly,
		verbose:    *verbose,
		opts:       cfg.CodecOptions(),
		chunkSize:  int(cfg.ChunkSize),
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		logger:     logger,
	}
	if fs.Changed("level") {
		z.opts.Level = *level
	}
	for i, set := range digits {
		if set {
			z.opts.Level = i
		}
	}
	if *fast {
		z.opts.Level = 1
	}
	if *best {
		z.opts.Level = codec.LevelBest
	}
	if fs.Changed("mem-level") {
		z.opts.MemLevel = *memLevel
	}
	if *containerName != "" {
		if z.opts.Container, err = codec.ParseContainer(*containerName); err != nil {
			return err
		}
	}
	if !z.decompress && z.opts.Container == codec.ContainerAuto {
		z.opts.Container = codec.ContainerGzip
	}
	if err := z.opts.Validate(); err != nil {
		return err
	}
	if *chunkSize != "" {
		n, err := humanize.ParseBytes(*chunkSize)
		if err != nil {
			return fmt.Errorf("invalid chunk size %q: %w", *chunkSize, err)
		}
		if n == 0 || n > config.MaxChunkSize {
			return fmt.Errorf("chunk size %s out of range 1-%s", *chunkSize, humanize.IBytes(config.MaxChunkSize))
		}
		z.chunkSize = int(n)
	}

	switch {
	case *remote:
		reg, stop, err := startRemote(logger, stderr)
		if err != nil {
			return err
		}
		defer stop()
		z.reg = reg
	case *async:
		z.reg = offload.NewRegistry(logger)
		defer z.reg.Close()
	}

	files := fs.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}
	var errs *multierror.Error
	for _, name := range files {
		if err := z.file(name); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// task names the offloaded job for the configured direction and framing.
func (z *zflate) task() offload.Task {
	if z.decompress {
		switch z.opts.Container {
		case codec.ContainerRaw:
			return offload.TaskInflate
		case codec.ContainerZlib:
			return offload.TaskUnzlib
		case codec.ContainerGzip:
			return offload.TaskGunzip
		case codec.ContainerZipEntry:
			return offload.TaskUnzip
		}
		return offload.TaskDecompress
	}
	switch z.opts.Container {
	case codec.ContainerRaw:
		return offload.TaskDeflate
	case codec.ContainerZlib:
		return offload.TaskZlib
	case codec.ContainerZipEntry:
		return offload.TaskZip
	}
	return offload.TaskGzip
}

// file compresses, decompresses or tests one named input.
func (z *zflate) file(name string) error {
	if name == "-" {
		if !z.decompress && !z.force && isTerminal(z.stdout) {
			return errors.New("compressed data not written to a terminal (use -f to force)")
		}
		out := io.Writer(z.stdout)
		if z.testOnly {
			out = io.Discard
		}
		bw := bufio.NewWriter(out)
		in, n, err := z.transform(z.stdin, bw, z.opts)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			return fmt.Errorf("stdin: %w", err)
		}
		z.report("stdin", in, n, "")
		return nil
	}

	info, err := os.Stat(name)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory -- ignored", name)
	}
	opts := z.opts
	if !z.decompress {
		opts.Filename = filepath.Base(name)
		opts.ModTime = info.ModTime()
	}

	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	if z.testOnly || z.toStdout {
		out := io.Writer(z.stdout)
		if z.testOnly {
			out = io.Discard
		}
		bw := bufio.NewWriter(out)
		in, n, err := z.transform(src, bw, opts)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if z.testOnly && z.verbose {
			fmt.Fprintf(z.stderr, "%s:\t OK\n", name)
		}
		z.logger.Debug("processed", "file", name, "in", humanize.IBytes(uint64(in)), "out", humanize.IBytes(uint64(n)))
		return nil
	}

	outName, err := z.outputName(name)
	if err != nil {
		return err
	}
	if !z.force {
		if _, err := os.Lstat(outName); err == nil {
			return fmt.Errorf("%s already exists (use -f to overwrite)", outName)
		}
	}
	dst, err := os.OpenFile(outName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(dst)
	in, n, err := z.transform(src, bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outName)
		return fmt.Errorf("%s: %w", name, err)
	}
	os.Chtimes(outName, info.ModTime(), info.ModTime())

	if !z.keep {
		src.Close()
		if err := os.Remove(name); err != nil {
			return err
		}
	}
	z.report(name, in, n, outName)
	return nil
}

// outputName derives the output file from the input name.
func (z *zflate) outputName(name string) (string, error) {
	if !z.decompress {
		suffix := suffixes[z.opts.Container]
		if strings.HasSuffix(name, suffix) && !z.force {
			return "", fmt.Errorf("%s already has %s suffix -- unchanged", name, suffix)
		}
		return name + suffix, nil
	}

	if z.opts.Container != codec.ContainerAuto {
		if suffix := suffixes[z.opts.Container]; strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix), nil
		}
		return "", fmt.Errorf("%s: unknown suffix -- ignored", name)
	}
	if strings.HasSuffix(name, ".tgz") {
		return strings.TrimSuffix(name, ".tgz") + ".tar", nil
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(name, suffix) && len(name) > len(suffix) {
			return strings.TrimSuffix(name, suffix), nil
		}
	}
	return "", fmt.Errorf("%s: unknown suffix -- ignored", name)
}

// transform pushes r through the codec into w in chunks. It returns the
// bytes read and written.
func (z *zflate) transform(r io.Reader, w io.Writer, opts codec.Options) (in, out int64, err error) {
	var werr error
	write := func(p []byte) {
		if werr != nil || len(p) == 0 {
			return
		}
		n, err := w.Write(p)
		out += int64(n)
		werr = err
	}

	if z.reg == nil {
		sink := func(p []byte, final bool) { write(p) }
		var s codec.Stream
		if z.decompress {
			s, err = container.NewDecoderFor(opts.Container, sink)
		} else {
			s, err = container.NewEncoder(opts, sink)
		}
		if err != nil {
			return 0, 0, err
		}
		in, err = codec.Feed(s, r, z.chunkSize)
		if err == nil {
			err = werr
		}
		return in, out, err
	}

	var jobErr error
	wk, err := z.reg.Start(z.task(), opts, func(p []byte, final bool, err error) {
		write(p)
		if final {
			jobErr = err
		}
	})
	if err != nil {
		return 0, 0, err
	}
	in, err = codec.Feed(wk, r, z.chunkSize)
	if err != nil {
		select {
		case <-wk.Done():
		default:
			wk.Terminate()
		}
	}
	<-wk.Done()

	switch {
	case jobErr != nil:
		err = jobErr
	case err == nil:
		err = werr
	}
	return in, out, err
}

func (z *zflate) report(name string, in, out int64, outName string) {
	z.logger.Debug("processed", "file", name, "task", z.task(),
		"in", humanize.IBytes(uint64(in)), "out", humanize.IBytes(uint64(out)))
	if !z.verbose || outName == "" {
		return
	}
	orig, packed := in, out
	if z.decompress {
		orig, packed = out, in
	}
	ratio := 0.0
	if orig > 0 {
		ratio = 100 - float64(packed)*100/float64(orig)
	}
	verb := "replaced with"
	if z.keep {
		verb = "created"
	}
	fmt.Fprintf(z.stderr, "%s:\t%5.1f%% -- %s %s\n", name, ratio, verb, outName)
}

func isTerminal(w io.Writer) bool {
	_, ok := term.GetFdInfo(w)
	return ok
}

// stdio joins a reader and a writer into the byte stream a worker
// process serves on.
type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	var err error
	if c, ok := s.Writer.(io.Closer); ok {
		err = c.Close()
	}
	if c, ok := s.Reader.(io.Closer); ok {
		c.Close()
	}
	return err
}

// serveWorker answers offload requests on r and w until the client
// hangs up or ctx is cancelled.
func serveWorker(ctx context.Context, r io.Reader, w io.Writer, logger *slog.Logger) error {
	reg := offload.NewRegistry(logger)
	defer reg.Close()
	logger.Debug("worker serving", "pid", os.Getpid())
	return offload.Serve(ctx, reg, offload.NewStreamConn(stdio{r, w}))
}

// procPipe is the client end of a worker process's stdio.
type procPipe struct {
	io.ReadCloser
	io.WriteCloser
}

func (p procPipe) Close() error {
	err := p.WriteCloser.Close()
	p.ReadCloser.Close()
	return err
}

// startRemote launches a worker process and returns a registry whose
// jobs run there. stop closes the registry and waits for the process.
func startRemote(logger *slog.Logger, stderr io.Writer) (*offload.Registry, func() error, error) {
	cmd := workerCommand()
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}
	logger.Debug("worker process started", "pid", cmd.Process.Pid)

	reg := offload.NewRemoteRegistry(logger, offload.NewStreamConn(procPipe{stdout, stdin}))
	stop := func() error {
		reg.Close()
		return cmd.Wait()
	}
	return reg, stop, nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: zflate [-dcktfvq] [-1..-9] [options] [file...]

Compress or decompress files. With no file, or when file is -, read
standard input and write standard output.

Options:
  -d, --decompress     decompress
  -c, --stdout         write to standard output, keep input files
  -k, --keep           keep input files
  -f, --force          overwrite output files
  -t, --test           test compressed file integrity
  -v, --verbose        verbose mode
  -q, --quiet          suppress warnings
  -1 .. -9             compression level (default 6)
  --fast, --best       same as -1 and -9
  --level n            compression level 0-9 (0 stores)
  --mem-level n        match finder size 1-13
  --container c        gzip (default), zlib, raw, zip or auto
  --chunk-size size    read size per push (default 512KiB)
  --async              run the codec on a worker goroutine
  --remote             run the codec in a worker process
  --config file        read settings from a YAML file
  -h, --help           display this help

Output files get the suffix of their container: .gz, .zz, .deflate or
.zip. Decompression detects the container unless --container is given.

Examples:
  zflate big.log                      Compress to big.log.gz
  zflate -d big.log.gz                Restore big.log
  zflate --container zlib -c data     Write a zlib stream to stdout
  tar cf - src | zflate --remote > src.tar.gz

`)
}
