package main

import (
	"bytes"
	stdflate "compress/flate"
	"fmt"
	"io"

	kflate "github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ha1tch/zlate/pkg/codec"
	"github.com/ha1tch/zlate/pkg/container"
)

// Codec is one compressor under test. Decompress is given the original
// size for codecs whose framing does not record it.
type Codec struct {
	Name       string
	Compress   func(data []byte, level int) ([]byte, error)
	Decompress func(packed []byte, size int) ([]byte, error)
}

// baseline is the codec every other one is compared against.
const baseline = "compress/flate"

func zlateCodec(name string, c codec.Container) Codec {
	return Codec{
		Name: name,
		Compress: func(data []byte, level int) ([]byte, error) {
			return container.Compress(data, codec.Options{Level: level, Container: c})
		},
		Decompress: func(packed []byte, _ int) ([]byte, error) {
			return container.Decompress(packed, codec.Options{Container: c})
		},
	}
}

var codecs = []Codec{
	zlateCodec("zlate", codec.ContainerRaw),
	zlateCodec("zlate-gzip", codec.ContainerGzip),
	{
		Name: baseline,
		Compress: func(data []byte, level int) ([]byte, error) {
			var buf bytes.Buffer
			w, err := stdflate.NewWriter(&buf, level)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(packed []byte, _ int) ([]byte, error) {
			return io.ReadAll(stdflate.NewReader(bytes.NewReader(packed)))
		},
	},
	{
		Name: "klauspost/flate",
		Compress: func(data []byte, level int) ([]byte, error) {
			var buf bytes.Buffer
			w, err := kflate.NewWriter(&buf, level)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decompress: func(packed []byte, _ int) ([]byte, error) {
			return io.ReadAll(kflate.NewReader(bytes.NewReader(packed)))
		},
	},
	{
		Name: "zstd",
		Compress: func(data []byte, level int) ([]byte, error) {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
			if err != nil {
				return nil, err
			}
			defer enc.Close()
			return enc.EncodeAll(data, nil), nil
		},
		Decompress: func(packed []byte, size int) ([]byte, error) {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			defer dec.Close()
			return dec.DecodeAll(packed, make([]byte, 0, size))
		},
	},
	{
		Name: "lz4",
		Compress: func(data []byte, _ int) ([]byte, error) {
			dst := make([]byte, lz4.CompressBlockBound(len(data)))
			n, err := lz4.CompressBlock(data, dst, nil)
			if err != nil {
				return nil, fmt.Errorf("lz4 compress: %w", err)
			}
			if n == 0 || n >= len(data) {
				// Incompressible; record it as stored.
				return append([]byte(nil), data...), nil
			}
			return dst[:n], nil
		},
		Decompress: func(packed []byte, size int) ([]byte, error) {
			if len(packed) == size {
				return packed, nil
			}
			dst := make([]byte, size)
			n, err := lz4.UncompressBlock(packed, dst)
			if err != nil {
				return nil, fmt.Errorf("lz4 decompress: %w", err)
			}
			return dst[:n], nil
		},
	},
}

// zstdLevel maps a DEFLATE level onto the zstd presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 2:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	}
	return zstd.SpeedBestCompression
}

func selectCodecs(names []string) ([]Codec, error) {
	if len(names) == 0 {
		return codecs, nil
	}
	var out []Codec
	for _, name := range names {
		found := false
		for _, c := range codecs {
			if c.Name == name {
				out = append(out, c)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown codec %q", name)
		}
	}
	return out, nil
}
