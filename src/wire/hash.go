package wire

import (
	"bytes"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Uint256 is a 256-bit value, stored in the byte order in which it is
// serialized on the wire.
type Uint256 [32]byte

// ZeroUint256 is the all-zero hash.
var ZeroUint256 = Uint256{}

// String returns the hexadecimal form of the hash.
func (h Uint256) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all-zero.
func (h Uint256) IsZero() bool {
	return h == ZeroUint256
}

// Bytes returns a copy of the hash as a byte slice.
func (h Uint256) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, h[:])
	return b
}

// Uint256FromBytes builds a Uint256 from a 32 byte slice.
func Uint256FromBytes(b []byte) (Uint256, error) {
	var h Uint256
	if len(b) != 32 {
		return h, errors.Errorf("invalid hash length %d, need 32", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Uint256FromHex parses the hexadecimal form produced by String.
func Uint256FromHex(s string) (Uint256, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Uint256{}, errors.Wrap(err, "decoding hash hex")
	}
	return Uint256FromBytes(b)
}

// Compare orders two hashes lexicographically.
func (h Uint256) Compare(other Uint256) int {
	return bytes.Compare(h[:], other[:])
}
