// Package config loads the settings shared by the zlate commands.
//
// Configuration comes from an optional YAML file named with --config.
// Values missing from the file keep their defaults, and command-line
// flags override both.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ha1tch/zlate/pkg/archive"
	"github.com/ha1tch/zlate/pkg/codec"
)

// DefaultChunkSize is the read size of the commands' copy loops.
const DefaultChunkSize = 512 << 10

// MaxChunkSize bounds ChunkSize.
const MaxChunkSize = 64 << 20

// ByteSize is a size in bytes. In YAML it is an integer or a string
// such as "512KiB" or "1 MB".
type ByteSize int

// UnmarshalYAML accepts plain integers and humanized sizes.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var n int
	if err := node.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, s, err)
	}
	if v > MaxChunkSize {
		return fmt.Errorf("line %d: size %s too large", node.Line, s)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config holds the compression and runtime settings.
type Config struct {
	// Level is the DEFLATE effort, 0 (store) to 9.
	Level int `yaml:"level"`

	// MemLevel sizes the match finder; 0 picks one from the input size.
	MemLevel int `yaml:"mem_level"`

	// Container is the stream framing: auto, raw, zlib, gzip or zip.
	Container string `yaml:"container"`

	// ChunkSize is how much input the commands read per push.
	ChunkSize ByteSize `yaml:"chunk_size"`

	// Workers bounds parallel entry compression in archives.
	Workers int `yaml:"workers"`

	// Streaming writes archive entries with data descriptors.
	Streaming bool `yaml:"streaming"`

	// ForceZip64 writes Zip64 records for every entry.
	ForceZip64 bool `yaml:"force_zip64"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Level:     codec.DefaultLevel,
		Container: codec.ContainerAuto.String(),
		ChunkSize: DefaultChunkSize,
		Workers:   1,
		LogLevel:  "warn",
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every out-of-range setting.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Level < codec.LevelStore || c.Level > codec.LevelBest {
		errs = multierror.Append(errs, fmt.Errorf("level %d out of range 0-9", c.Level))
	}
	if c.MemLevel < 0 || c.MemLevel > codec.MaxMemLevel {
		errs = multierror.Append(errs, fmt.Errorf("mem_level %d out of range 0-%d", c.MemLevel, codec.MaxMemLevel))
	}
	if _, err := codec.ParseContainer(c.Container); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		errs = multierror.Append(errs, fmt.Errorf("chunk_size %d out of range 1-%d", c.ChunkSize, MaxChunkSize))
	}
	if c.Workers < 0 {
		errs = multierror.Append(errs, fmt.Errorf("workers %d is negative", c.Workers))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// CodecOptions returns the stream settings. The container is assumed
// valid; Validate checks it.
func (c *Config) CodecOptions() codec.Options {
	container, _ := codec.ParseContainer(c.Container)
	return codec.Options{
		Level:     c.Level,
		MemLevel:  c.MemLevel,
		Container: container,
	}
}

// ArchiveOptions returns the archive settings.
func (c *Config) ArchiveOptions() archive.Options {
	return archive.Options{
		Level:      c.Level,
		Workers:    c.Workers,
		Streaming:  c.Streaming,
		ForceZip64: c.ForceZip64,
	}
}

// SlogLevel returns LogLevel as a slog level, warn when unset or invalid.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelWarn
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level %q: want debug, info, warn or error", s)
	}
	return level, nil
}
