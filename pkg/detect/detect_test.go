package detect

import (
	"bytes"
	"math/rand/v2"
	"testing"
)

func randomBytes(n int) []byte {
	r := rand.New(rand.NewPCG(1, 2))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func prose(n int) []byte {
	return bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), n/45+1)[:n]
}

func TestIsRandom(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty", nil, false},
		{"random", randomBytes(SampleSize), true},
		{"random 4k", randomBytes(4096), true},
		{"short random", randomBytes(100), false},
		{"prose", prose(SampleSize), false},
		{"zeros", make([]byte, SampleSize), false},
		{"byte ramp", bytes.Repeat(byteRamp(), 32), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRandom(tc.data); got != tc.want {
				p := Detect(tc.data)
				t.Errorf("IsRandom = %v, want %v (type %v, entropy %.2f, unique %d)",
					got, tc.want, p.Type, p.Entropy, p.UniqueBytes)
			}
		})
	}
}

// Only the leading SampleSize bytes decide the verdict.
func TestSampleWindow(t *testing.T) {
	noise := randomBytes(SampleSize)
	text := prose(SampleSize)

	if IsRandom(append(bytes.Clone(text), noise...)) {
		t.Error("text followed by noise classified as random")
	}
	if !IsRandom(append(bytes.Clone(noise), text...)) {
		t.Error("noise followed by text not classified as random")
	}
}

func TestCompressible(t *testing.T) {
	for typ := TypeText; typ <= TypeRandom; typ++ {
		want := typ != TypeRandom
		if got := (Profile{Type: typ}).Compressible(); got != want {
			t.Errorf("%v: Compressible = %v, want %v", typ, got, want)
		}
	}
	if Detect(nil).Compressible() {
		t.Error("empty input should not be worth compressing")
	}
}

func TestDetectLabels(t *testing.T) {
	code := bytes.Repeat([]byte("func main() {\n\tfmt.Println(\"hi\"); x := a + b\n}\n"), 100)
	testCases := []struct {
		name string
		data []byte
		want Type
	}{
		{"prose", prose(4096), TypeText},
		{"code", code, TypeCode},
		{"zeros", make([]byte, 4096), TypeRepetitive},
		{"random", randomBytes(SampleSize), TypeRandom},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.data).Type; got != tc.want {
				t.Errorf("Detect: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTypeString(t *testing.T) {
	want := []string{"text", "code", "binary", "repetitive", "low-entropy", "random"}
	for i, s := range want {
		if got := Type(i).String(); got != s {
			t.Errorf("Type(%d): got %q, want %q", i, got, s)
		}
	}
	if got := Type(99).String(); got != "unknown" {
		t.Errorf("Type(99): got %q", got)
	}
}

func BenchmarkIsRandom(b *testing.B) {
	data := randomBytes(1 << 20)
	b.SetBytes(int64(len(data)))
	for b.Loop() {
		IsRandom(data)
	}
}

func byteRamp() []byte {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}
