package chain

import (
	"sync"

	"github.com/enodenetwork/enoded/src/crypto"
	"github.com/enodenetwork/enoded/src/wire"
)

// FakeChain is an in-memory Chain used throughout the test suites. Block
// hashes default to a deterministic function of the height so that election
// tests are reproducible without fixtures.
type FakeChain struct {
	sync.RWMutex

	tip       int
	synced    bool
	hashes    map[int]wire.Uint256
	times     map[int]int64
	coinbases map[int][]TxOut
	utxos     map[wire.OutPoint]UTXO
	txHeights map[wire.Uint256]int
	byHash    map[wire.Uint256]int
}

// NewFakeChain returns a synced FakeChain at the given tip height.
func NewFakeChain(tip int) *FakeChain {
	return &FakeChain{
		tip:       tip,
		synced:    true,
		hashes:    make(map[int]wire.Uint256),
		times:     make(map[int]int64),
		coinbases: make(map[int][]TxOut),
		utxos:     make(map[wire.OutPoint]UTXO),
		txHeights: make(map[wire.Uint256]int),
		byHash:    make(map[wire.Uint256]int),
	}
}

// TipHeight implements Chain.
func (c *FakeChain) TipHeight() int {
	c.RLock()
	defer c.RUnlock()
	return c.tip
}

// SetTip moves the tip.
func (c *FakeChain) SetTip(height int) {
	c.Lock()
	c.tip = height
	c.Unlock()
}

// SetSynced flips the synced flag.
func (c *FakeChain) SetSynced(synced bool) {
	c.Lock()
	c.synced = synced
	c.Unlock()
}

// IsSynced implements Chain.
func (c *FakeChain) IsSynced() bool {
	c.RLock()
	defer c.RUnlock()
	return c.synced
}

// BlockHashAt implements Chain.
func (c *FakeChain) BlockHashAt(height int) (wire.Uint256, bool) {
	c.Lock()
	defer c.Unlock()
	if height < 0 || height > c.tip {
		return wire.Uint256{}, false
	}
	if h, ok := c.hashes[height]; ok {
		return h, true
	}
	var h wire.Uint256
	copy(h[:], crypto.SHA256D([]byte{
		byte(height), byte(height >> 8), byte(height >> 16), byte(height >> 24),
	}))
	c.hashes[height] = h
	c.byHash[h] = height
	return h, true
}

// SetBlockHash pins the hash of a given height.
func (c *FakeChain) SetBlockHash(height int, hash wire.Uint256) {
	c.Lock()
	c.hashes[height] = hash
	c.byHash[hash] = height
	c.Unlock()
}

// HeightOfBlock implements Chain.
func (c *FakeChain) HeightOfBlock(hash wire.Uint256) (int, bool) {
	c.Lock()
	defer c.Unlock()
	h, ok := c.byHash[hash]
	return h, ok
}

// BlockTimeAt implements Chain.
func (c *FakeChain) BlockTimeAt(height int) (int64, bool) {
	c.RLock()
	defer c.RUnlock()
	t, ok := c.times[height]
	return t, ok
}

// SetBlockTime pins the timestamp of a given height.
func (c *FakeChain) SetBlockTime(height int, t int64) {
	c.Lock()
	c.times[height] = t
	c.Unlock()
}

// CoinbaseAt implements Chain.
func (c *FakeChain) CoinbaseAt(height int) ([]TxOut, int64, bool) {
	c.RLock()
	defer c.RUnlock()
	outs, ok := c.coinbases[height]
	if !ok {
		return nil, 0, false
	}
	var total int64
	for _, out := range outs {
		total += out.Value
	}
	return outs, total, true
}

// SetCoinbase records the coinbase outputs of a given height.
func (c *FakeChain) SetCoinbase(height int, outs []TxOut) {
	c.Lock()
	c.coinbases[height] = outs
	c.Unlock()
}

// GetUTXO implements Chain.
func (c *FakeChain) GetUTXO(op wire.OutPoint) (UTXO, bool) {
	c.RLock()
	defer c.RUnlock()
	u, ok := c.utxos[op]
	return u, ok
}

// AddUTXO records an unspent output.
func (c *FakeChain) AddUTXO(op wire.OutPoint, u UTXO) {
	c.Lock()
	c.utxos[op] = u
	c.txHeights[op.Hash] = u.Height
	c.Unlock()
}

// SpendUTXO removes an unspent output.
func (c *FakeChain) SpendUTXO(op wire.OutPoint) {
	c.Lock()
	delete(c.utxos, op)
	c.Unlock()
}

// HeightOfTx implements Chain.
func (c *FakeChain) HeightOfTx(hash wire.Uint256) (int, bool) {
	c.RLock()
	defer c.RUnlock()
	h, ok := c.txHeights[hash]
	return h, ok
}
