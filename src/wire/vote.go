package wire

import (
	"bytes"
	"strconv"
)

// PaymentVote names the payee an enode elects for a given block height.
// Signed by the voter's enode key.
type PaymentVote struct {
	VoterOutpoint OutPoint
	BlockHeight   int
	PayeeScript   []byte
	Sig           []byte
}

// Hash returns the inventory identity of the vote: sha256d over the payee
// script, block height and voter outpoint, in that order.
func (v *PaymentVote) Hash() Uint256 {
	return hashFields(func(buf *bytes.Buffer) {
		putBytes(buf, v.PayeeScript)
		putInt32(buf, int32(v.BlockHeight))
		v.VoterOutpoint.serialize(buf)
	})
}

// SignedString is the exact byte string covered by Sig.
func (v *PaymentVote) SignedString() string {
	return v.VoterOutpoint.StringShort() +
		strconv.Itoa(v.BlockHeight) +
		ScriptHex(v.PayeeScript)
}

// IsVerified reports whether the vote still carries its signature. Votes are
// stored unverified first so a concurrent handler cannot race the check.
func (v *PaymentVote) IsVerified() bool {
	return len(v.Sig) > 0
}

// MarkAsNotVerified strips the signature.
func (v *PaymentVote) MarkAsNotVerified() {
	v.Sig = nil
}
