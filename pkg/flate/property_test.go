package flate

import (
	"bytes"
	stdflate "compress/flate"
	"io"
	"testing"

	"pgregory.net/rapid"

	"github.com/ha1tch/zlate/pkg/codec"
)

func inputGen() *rapid.Generator[[]byte] {
	return rapid.OneOf(
		rapid.SliceOfN(rapid.Byte(), 0, 4096),
		rapid.SliceOfN(rapid.ByteRange('a', 'd'), 0, 70_000),
	)
}

// pushChunks feeds data to s in pieces of at most size bytes, the last
// one final.
func pushChunks(s codec.Stream, data []byte, size int) error {
	for len(data) > size {
		if err := s.Push(data[:size], false); err != nil {
			return err
		}
		data = data[size:]
	}
	return s.Push(data, true)
}

func TestRoundtripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := inputGen().Draw(t, "data")
		level := rapid.IntRange(codec.LevelStore, codec.LevelBest).Draw(t, "level")
		encChunk := rapid.IntRange(1, 20_000).Draw(t, "encChunk")
		decChunk := rapid.IntRange(1, 5_000).Draw(t, "decChunk")

		var packed []byte
		enc, err := NewEncoder(codec.Options{Level: level}, codec.Collect(&packed))
		if err != nil {
			t.Fatalf("NewEncoder: %v", err)
		}
		if err := pushChunks(enc, data, encChunk); err != nil {
			t.Fatalf("encode: %v", err)
		}

		ref, err := io.ReadAll(stdflate.NewReader(bytes.NewReader(packed)))
		if err != nil {
			t.Fatalf("compress/flate rejects the stream: %v", err)
		}
		if !bytes.Equal(ref, data) {
			t.Fatalf("compress/flate decoded %d bytes, want %d", len(ref), len(data))
		}

		got := []byte{}
		if err := pushChunks(NewDecoder(codec.Collect(&got)), packed, decChunk); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("decoded %d bytes, want %d", len(got), len(data))
		}
	})
}

func TestDecoderNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		junk := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "junk")
		chunk := rapid.IntRange(1, 64).Draw(t, "chunk")
		// Any outcome but a panic is acceptable.
		_ = pushChunks(NewDecoder(func([]byte, bool) {}), junk, chunk)
	})
}
