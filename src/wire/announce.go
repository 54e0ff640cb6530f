package wire

import (
	"bytes"
	"strconv"

	"github.com/enodenetwork/enoded/src/crypto/keys"
)

// Announce is the full identity record of an enode: the collateral it is
// backed by, the two keys it operates with, its service address, and its
// latest ping. Signed by the collateral key.
type Announce struct {
	Outpoint        OutPoint
	Addr            string
	CollateralPub   []byte
	EnodePub        []byte
	Sig             []byte
	SigTime         int64
	ProtocolVersion int
	LastPing        Ping

	// Recovery marks a re-fetched announce that is allowed to bypass the
	// already-seen short-circuit. Never set on the wire.
	Recovery bool `codec:"-"`
}

// Hash returns the inventory identity of the announce: sha256d over the
// outpoint, collateral key and signature time.
func (a *Announce) Hash() Uint256 {
	return hashFields(func(buf *bytes.Buffer) {
		a.Outpoint.serialize(buf)
		putBytes(buf, a.CollateralPub)
		putInt64(buf, a.SigTime)
	})
}

// SignedString is the exact byte string covered by Sig. Both key ids and the
// protocol version are rendered in ASCII so that independent implementations
// reproduce it byte-for-byte.
func (a *Announce) SignedString() string {
	return a.Addr +
		strconv.FormatInt(a.SigTime, 10) +
		keys.KeyIDHex(a.CollateralPub) +
		keys.KeyIDHex(a.EnodePub) +
		strconv.Itoa(a.ProtocolVersion)
}
