package election

import (
	"bytes"

	"github.com/holiman/uint256"

	"github.com/enodenetwork/enoded/src/crypto"
	"github.com/enodenetwork/enoded/src/wire"
)

/*
The per-block score of an enode measures how far the hash of (block ‖
collateral) lands from the hash of the block alone:

	aux   = outpoint.hash + outpoint.n        (256-bit addition)
	h2    = sha256d(H)
	h3    = sha256d(H ‖ aux)
	score = |h3 - h2|

All 256-bit values are interpreted in the serialized (little-endian) byte
order. The furthest wins the election for that block.
*/

// Score computes the deterministic election score of a collateral outpoint at
// the given block hash.
func Score(op wire.OutPoint, blockHash wire.Uint256) *uint256.Int {
	aux := leToUint256(op.Hash[:])
	aux.Add(aux, uint256.NewInt(uint64(op.N)))

	h2 := leToUint256(crypto.SHA256D(blockHash[:]))

	var buf bytes.Buffer
	buf.Write(blockHash[:])
	buf.Write(uint256ToLE(aux))
	h3 := leToUint256(crypto.SHA256D(buf.Bytes()))

	diff := new(uint256.Int)
	if h3.Gt(h2) {
		diff.Sub(h3, h2)
	} else {
		diff.Sub(h2, h3)
	}
	return diff
}

// CompactScore folds a 256-bit score into the compact integer form used for
// ranking.
func CompactScore(s *uint256.Int) int64 {
	size := (s.BitLen() + 7) / 8
	var compact uint64
	if size <= 3 {
		compact = s.Uint64() << uint(8*(3-size))
	} else {
		shifted := new(uint256.Int).Rsh(s, uint(8*(size-3)))
		compact = shifted.Uint64()
	}
	// avoid the sign bit of the mantissa
	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}
	return int64(compact | uint64(size)<<24)
}

// leToUint256 interprets a little-endian 32 byte slice as an integer.
func leToUint256(b []byte) *uint256.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(uint256.Int).SetBytes(be)
}

// uint256ToLE serializes an integer back into little-endian 32 bytes.
func uint256ToLE(v *uint256.Int) []byte {
	be := v.Bytes32()
	le := make([]byte, 32)
	for i := range be {
		le[31-i] = be[i]
	}
	return le
}
