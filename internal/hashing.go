package internal

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// AsXXHash returns the XXHash128 of the given inputs, in input order.
// Fast, stable across processes, and only meaningful for equality checks.
func AsXXHash(inputs ...[]byte) []byte {
	h := xxh3.New()
	for _, input := range inputs {
		// Write on xxh3 never fails
		_, _ = h.Write(input)
	}
	return Uint128ToBytes(h.Sum128())
}

// Uint128ToBytes converts a uint128 to a byte array
func Uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
