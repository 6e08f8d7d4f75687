package flate

import "math/bits"

// Length codes 257..285: base lengths and extra bits.
var (
	lengthBase = [29]uint16{
		3, 4, 5, 6, 7, 8, 9, 10, 11, 13, 15, 17, 19, 23, 27, 31,
		35, 43, 51, 59, 67, 83, 99, 115, 131, 163, 195, 227, 258,
	}
	lengthExtra = [29]uint8{
		0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2,
		3, 3, 3, 3, 4, 4, 4, 4, 5, 5, 5, 5, 0,
	}
)

// Distance codes 0..29: base distances and extra bits.
var (
	distBase = [30]uint16{
		1, 2, 3, 4, 5, 7, 9, 13, 17, 25, 33, 49, 65, 97, 129, 193,
		257, 385, 513, 769, 1025, 1537, 2049, 3073, 4097, 6145, 8193, 12289, 16385, 24577,
	}
	distExtra = [30]uint8{
		0, 0, 0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6,
		7, 7, 8, 8, 9, 9, 10, 10, 11, 11, 12, 12, 13, 13,
	}
)

// codeLengthOrder is the order in which code-length code lengths are
// transmitted.
var codeLengthOrder = [19]uint8{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// lengthCode maps length-3 to its length code index 0..28.
var lengthCode = func() (t [256]uint8) {
	for c := 0; c < 28; c++ {
		for j := 0; j < 1<<lengthExtra[c]; j++ {
			t[int(lengthBase[c])-3+j] = uint8(c)
		}
	}
	t[255] = 28
	return
}()

// distCode returns the distance code index for d in 1..32768.
func distCode(d int) int {
	v := d - 1
	if v < 4 {
		return v
	}
	n := bits.Len(uint(v)) - 1
	return 2*n + (v>>(n-1))&1
}
