package wire

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/enodenetwork/enoded/src/crypto/keys"
)

// P2PKHScriptLen is the exact length of a pay-to-pubkey-hash script. Announce
// validation rejects records whose derived payee scripts differ.
const P2PKHScriptLen = 25

// PayToPubKeyHash builds the standard 25 byte pay-to-pubkey-hash script for a
// serialized public key. Election winners are paid to this script.
func PayToPubKeyHash(pubBytes []byte) ([]byte, error) {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(keys.KeyID(pubBytes)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, errors.Wrap(err, "building p2pkh script")
	}
	return script, nil
}

// ScriptHex is the script rendering embedded in payment vote signature
// strings.
func ScriptHex(script []byte) string {
	return hex.EncodeToString(script)
}
