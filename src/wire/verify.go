package wire

import (
	"bytes"
	"strconv"
)

// Verify is the proof-of-service challenge message. It travels in three
// shapes distinguished by which signatures are filled in:
//
//	request:   Sig1 and Sig2 empty
//	reply:     Sig1 set, Sig2 empty
//	broadcast: both set, Vin1/Vin2 filled
type Verify struct {
	Vin1        OutPoint
	Vin2        OutPoint
	Addr        string
	Nonce       int
	BlockHeight int
	Sig1        []byte
	Sig2        []byte
}

// NewVerifyRequest builds the initial challenge for addr at the given
// height.
func NewVerifyRequest(addr string, nonce, blockHeight int) *Verify {
	return &Verify{
		Addr:        addr,
		Nonce:       nonce,
		BlockHeight: blockHeight,
	}
}

// Hash returns the inventory identity of the full verification record.
func (v *Verify) Hash() Uint256 {
	return hashFields(func(buf *bytes.Buffer) {
		v.Vin1.serialize(buf)
		v.Vin2.serialize(buf)
		putString(buf, v.Addr)
		putInt32(buf, int32(v.Nonce))
		putInt32(buf, int32(v.BlockHeight))
	})
}

// IsRequest reports the request shape.
func (v *Verify) IsRequest() bool {
	return len(v.Sig1) == 0
}

// IsReply reports the reply shape.
func (v *Verify) IsReply() bool {
	return len(v.Sig1) > 0 && len(v.Sig2) == 0
}

// SignedString1 is the byte string covered by Sig1: the challenged node
// proves it controls the address the verifier dialed.
func (v *Verify) SignedString1(blockHash Uint256) string {
	return v.Addr + strconv.Itoa(v.Nonce) + blockHash.String()
}

// SignedString2 is the byte string covered by Sig2: the verifier vouches for
// the winner (Vin1) with its own identity (Vin2).
func (v *Verify) SignedString2(blockHash Uint256) string {
	return v.SignedString1(blockHash) +
		v.Vin1.StringShort() +
		v.Vin2.StringShort()
}
