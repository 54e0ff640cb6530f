package chain

import (
	"github.com/enodenetwork/enoded/src/wire"
)

// Coin is the smallest denomination multiplier.
const Coin int64 = 100000000

// CollateralAmount is the exact output value that backs an enode.
const CollateralAmount = 1000 * Coin

// TxOut is one output of a coinbase transaction.
type TxOut struct {
	Value  int64
	Script []byte
}

// UTXO describes an unspent output as seen by the chain engine.
type UTXO struct {
	Value  int64
	Script []byte
	Height int
}

// Chain is the read-only view of the blockchain engine consumed by the
// registry, the election and the payment-vote engine. Implementations must be
// safe for concurrent use.
type Chain interface {
	// TipHeight returns the height of the active chain tip.
	TipHeight() int

	// BlockHashAt returns the hash of the block at the given height on the
	// active chain.
	BlockHashAt(height int) (wire.Uint256, bool)

	// BlockTimeAt returns the timestamp of the block at the given height.
	BlockTimeAt(height int) (int64, bool)

	// CoinbaseAt returns the outputs of the coinbase transaction at the
	// given height, and the total value paid out by it.
	CoinbaseAt(height int) ([]TxOut, int64, bool)

	// GetUTXO looks up an unspent output. The second return is false when
	// the output does not exist or was spent.
	GetUTXO(op wire.OutPoint) (UTXO, bool)

	// HeightOfTx returns the height of the block containing the given
	// transaction.
	HeightOfTx(hash wire.Uint256) (int, bool)

	// HeightOfBlock returns the height of the block with the given hash on
	// the active chain.
	HeightOfBlock(hash wire.Uint256) (int, bool)

	// IsSynced reports whether the blockchain itself is up to date. Every
	// stage of enode sync waits for this first.
	IsSynced() bool
}

// EnodePayment is the share of the coinbase owed to the elected enode at the
// given height. Validators and producers must agree on this exactly.
func EnodePayment(height int, blockValue int64) int64 {
	return blockValue * 30 / 100
}
