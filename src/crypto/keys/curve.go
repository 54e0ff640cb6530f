package keys

import (
	"github.com/btcsuite/btcd/btcec"
)

/*
Enode keys and signing are based on elliptic curve cryptography. We use the
secp256k1 curve because collateral keys and enode keys live on a
Bitcoin-derived chain.
*/

// Curve returns the secp256k1 curve from btcsuite's golang implementation.
func Curve() *btcec.KoblitzCurve {
	return btcec.S256()
}
