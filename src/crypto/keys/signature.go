package keys

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"

	"github.com/enodenetwork/enoded/src/crypto"
)

// messageMagic prefixes every signed message so that signatures produced here
// can never be replayed as transaction signatures.
const messageMagic = "Enode Signed Message:\n"

// MessageDigest returns the double-SHA256 digest of the magic-prefixed
// message. Both magic and message are length-prefixed with the compact size
// encoding, byte-for-byte compatible across implementations.
func MessageDigest(msg string) []byte {
	var buf bytes.Buffer
	writeCompactSize(&buf, uint64(len(messageMagic)))
	buf.WriteString(messageMagic)
	writeCompactSize(&buf, uint64(len(msg)))
	buf.WriteString(msg)
	return crypto.SHA256D(buf.Bytes())
}

// SignMessage signs the string form of a gossiped record with a compact
// recoverable signature.
func SignMessage(msg string, priv *btcec.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	sig, err := btcec.SignCompact(Curve(), priv, MessageDigest(msg), true)
	if err != nil {
		return nil, errors.Wrap(err, "signing message")
	}
	return sig, nil
}

// VerifyMessage recovers the signer from a compact signature and checks that
// its key id matches the expected public key. Matching on the key id makes
// verification insensitive to the compression of the advertised key.
func VerifyMessage(pubBytes []byte, sig []byte, msg string) error {
	if len(sig) == 0 {
		return errors.New("empty signature")
	}
	recovered, _, err := btcec.RecoverCompact(Curve(), sig, MessageDigest(msg))
	if err != nil {
		return errors.Wrap(err, "recovering signer")
	}
	expected, err := ToPublicKey(pubBytes)
	if err != nil {
		return errors.Wrap(err, "parsing expected key")
	}
	if !bytes.Equal(KeyID(FromPublicKey(recovered)), KeyID(FromPublicKey(expected))) {
		return errors.New("signature does not match expected key")
	}
	return nil
}

func writeCompactSize(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 253:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(253)
		binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(254)
		binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(255)
		binary.Write(buf, binary.LittleEndian, n)
	}
}
