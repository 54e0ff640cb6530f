package active

import (
	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/wallet"
	"github.com/enodenetwork/enoded/src/wire"
)

// pingBlockDepth is how far below the tip the ping's reference block sits.
const pingBlockDepth = 12

// CreatePing builds and signs a liveness ping for the given collateral.
func CreatePing(c chain.Chain, op wire.OutPoint, enodeKey *btcec.PrivateKey, now int64) (*wire.Ping, error) {
	tip := c.TipHeight()
	if tip < pingBlockDepth {
		return nil, errors.Errorf("chain too short for a ping, tip=%d", tip)
	}
	blockHash, ok := c.BlockHashAt(tip - pingBlockDepth)
	if !ok {
		return nil, errors.Errorf("no block hash at height %d", tip-pingBlockDepth)
	}

	ping := &wire.Ping{
		Outpoint:  op,
		BlockHash: blockHash,
		SigTime:   now,
	}
	sig, err := keys.SignMessage(ping.SignedString(), enodeKey)
	if err != nil {
		return nil, errors.Wrap(err, "signing ping")
	}
	ping.Sig = sig
	return ping, nil
}

// CreateAnnounce builds and signs a full broadcast for the given collateral:
// a fresh embedded ping signed by the enode key, the announce itself signed
// by the collateral key.
func CreateAnnounce(c chain.Chain, col wallet.Collateral, service string, enodeKey *btcec.PrivateKey, now int64) (*wire.Announce, error) {
	ping, err := CreatePing(c, col.Outpoint, enodeKey, now)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign ping, enode=%s", col.Outpoint.StringShort())
	}

	ann := &wire.Announce{
		Outpoint:        col.Outpoint,
		Addr:            service,
		CollateralPub:   append([]byte(nil), col.PubKey...),
		EnodePub:        enodeKey.PubKey().SerializeCompressed(),
		SigTime:         now,
		ProtocolVersion: wire.ProtocolVersion,
		LastPing:        *ping,
	}

	sig, err := keys.SignMessage(ann.SignedString(), col.PrivKey)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to sign broadcast, enode=%s", col.Outpoint.StringShort())
	}
	ann.Sig = sig

	if err := keys.VerifyMessage(ann.CollateralPub, ann.Sig, ann.SignedString()); err != nil {
		return nil, errors.Wrap(err, "verifying own broadcast")
	}
	return ann, nil
}
