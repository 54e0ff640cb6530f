package wire

import (
	"bytes"
	"strconv"

	"github.com/enodenetwork/enoded/src/crypto"
)

// Ping is the liveness record gossiped by every active enode. The block hash
// refers to a recent block (tip minus 12) and proves the signer follows the
// same chain.
type Ping struct {
	Outpoint  OutPoint
	BlockHash Uint256
	SigTime   int64
	Sig       []byte
}

// Hash returns the inventory identity of the ping: sha256d over the outpoint
// and signature time.
func (p *Ping) Hash() Uint256 {
	return hashFields(func(buf *bytes.Buffer) {
		p.Outpoint.serialize(buf)
		putInt64(buf, p.SigTime)
	})
}

// SignedString is the exact byte string covered by Sig.
func (p *Ping) SignedString() string {
	return p.Outpoint.StringShort() + p.BlockHash.String() + strconv.FormatInt(p.SigTime, 10)
}

// IsEmpty reports whether the ping carries no payload at all. An announce
// with an empty ping is marked expired on arrival.
func (p *Ping) IsEmpty() bool {
	return p.Outpoint.IsZero() && p.BlockHash.IsZero() && p.SigTime == 0 && len(p.Sig) == 0
}

func sha256dInto(b []byte) Uint256 {
	var h Uint256
	copy(h[:], crypto.SHA256D(b))
	return h
}
