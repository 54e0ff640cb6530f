package wire

import (
	"bytes"
	"fmt"
)

// OutPoint identifies the collateral transaction output that backs an enode.
// It is the primary key of the registry.
type OutPoint struct {
	Hash Uint256
	N    uint32
}

// ZeroOutPoint is the empty outpoint. A DSEG request carrying it asks for the
// whole list.
var ZeroOutPoint = OutPoint{}

// IsZero reports whether the outpoint is empty.
func (o OutPoint) IsZero() bool {
	return o == ZeroOutPoint
}

// StringShort renders the outpoint as "hash-n". This exact form is embedded
// in signed message strings and must not change.
func (o OutPoint) StringShort() string {
	return fmt.Sprintf("%s-%d", o.Hash.String(), o.N)
}

// Less orders outpoints lexicographically by hash, then index. Used as the
// deterministic tiebreak in election ranking.
func (o OutPoint) Less(other OutPoint) bool {
	if c := o.Hash.Compare(other.Hash); c != 0 {
		return c < 0
	}
	return o.N < other.N
}

func (o OutPoint) serialize(buf *bytes.Buffer) {
	buf.Write(o.Hash[:])
	putUint32(buf, o.N)
}
