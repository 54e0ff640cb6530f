package keys

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcutil"
	"github.com/pkg/errors"
)

// GenerateKey creates a new secp256k1 private key.
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey(Curve())
}

// DumpPrivateKey exports a private key into a 32 byte binary dump.
func DumpPrivateKey(priv *btcec.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return priv.Serialize()
}

// ParsePrivateKey creates a private key from a 32 byte dump.
func ParsePrivateKey(d []byte) (*btcec.PrivateKey, error) {
	if len(d) != 32 {
		return nil, errors.Errorf("invalid private key length %d, need 32", len(d))
	}
	priv, _ := btcec.PrivKeyFromBytes(Curve(), d)
	return priv, nil
}

// PrivateKeyHex returns the hexadecimal representation of a raw private key
// as returned by DumpPrivateKey.
func PrivateKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(priv))
}

// ParsePrivateKeyHex is the inverse of PrivateKeyHex.
func ParsePrivateKeyHex(s string) (*btcec.PrivateKey, error) {
	d, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding private key hex")
	}
	return ParsePrivateKey(d)
}

// FromPublicKey serializes a public key in 33 byte compressed form. This is
// the representation carried in wire records and stored in the registry.
func FromPublicKey(pub *btcec.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	return pub.SerializeCompressed()
}

// ToPublicKey parses a serialized public key, accepting both compressed and
// uncompressed forms.
func ToPublicKey(pubBytes []byte) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(pubBytes, Curve())
}

// KeyID returns the HASH160 of a serialized public key. It identifies a key
// in signed message forms and in pay-to-pubkey-hash scripts.
func KeyID(pubBytes []byte) []byte {
	return btcutil.Hash160(pubBytes)
}

// KeyIDHex returns the hexadecimal form of KeyID, as embedded in announce
// signature strings.
func KeyIDHex(pubBytes []byte) string {
	return hex.EncodeToString(KeyID(pubBytes))
}
