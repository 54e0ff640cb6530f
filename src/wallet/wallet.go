package wallet

import (
	"sync"

	"github.com/btcsuite/btcd/btcec"

	"github.com/enodenetwork/enoded/src/wire"
)

// Collateral is a candidate collateral output together with the keys that
// control it.
type Collateral struct {
	Outpoint wire.OutPoint
	PubKey   []byte
	PrivKey  *btcec.PrivateKey
}

// Wallet is the view of the wallet consumed by local activation.
// Implementations must be safe for concurrent use.
type Wallet interface {
	// IsLocked reports whether the wallet keys are encrypted and locked.
	IsLocked() bool

	// Balance returns the spendable balance.
	Balance() int64

	// SelectCollateral finds an output holding exactly the collateral
	// amount, together with its keys.
	SelectCollateral() (Collateral, bool)

	// LockCoin excludes the outpoint from coin selection so the collateral
	// is never spent by accident.
	LockCoin(op wire.OutPoint)
}

// FakeWallet is an in-memory Wallet for tests.
type FakeWallet struct {
	sync.Mutex

	locked     bool
	balance    int64
	collateral *Collateral
	lockedOuts map[wire.OutPoint]bool
}

// NewFakeWallet returns an unlocked, empty FakeWallet.
func NewFakeWallet() *FakeWallet {
	return &FakeWallet{
		lockedOuts: make(map[wire.OutPoint]bool),
	}
}

// IsLocked implements Wallet.
func (w *FakeWallet) IsLocked() bool {
	w.Lock()
	defer w.Unlock()
	return w.locked
}

// SetLocked flips the lock state.
func (w *FakeWallet) SetLocked(locked bool) {
	w.Lock()
	w.locked = locked
	w.Unlock()
}

// Balance implements Wallet.
func (w *FakeWallet) Balance() int64 {
	w.Lock()
	defer w.Unlock()
	return w.balance
}

// SetBalance sets the spendable balance.
func (w *FakeWallet) SetBalance(balance int64) {
	w.Lock()
	w.balance = balance
	w.Unlock()
}

// SetCollateral installs the collateral returned by SelectCollateral.
func (w *FakeWallet) SetCollateral(c Collateral) {
	w.Lock()
	w.collateral = &c
	w.Unlock()
}

// SelectCollateral implements Wallet.
func (w *FakeWallet) SelectCollateral() (Collateral, bool) {
	w.Lock()
	defer w.Unlock()
	if w.collateral == nil {
		return Collateral{}, false
	}
	return *w.collateral, true
}

// LockCoin implements Wallet.
func (w *FakeWallet) LockCoin(op wire.OutPoint) {
	w.Lock()
	w.lockedOuts[op] = true
	w.Unlock()
}

// IsCoinLocked reports whether LockCoin was called for the outpoint.
func (w *FakeWallet) IsCoinLocked(op wire.OutPoint) bool {
	w.Lock()
	defer w.Unlock()
	return w.lockedOuts[op]
}
