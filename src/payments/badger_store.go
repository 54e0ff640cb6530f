package payments

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"

	"github.com/enodenetwork/enoded/src/wire"
)

const paymentsStateKey = "enodepayments"

// VoteEntry is one persisted vote row.
type VoteEntry struct {
	Hash wire.Uint256
	Vote *wire.PaymentVote
}

// BlockEntry is one persisted block-payees row.
type BlockEntry struct {
	Height int
	Payees *BlockPayees
}

// Snapshot is the persisted form of the vote store.
type Snapshot struct {
	Votes  []VoteEntry
	Blocks []BlockEntry
}

// Snapshot exports the engine state for persistence.
func (p *Engine) Snapshot() *Snapshot {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	snap := &Snapshot{}
	for hash, vote := range p.votes {
		snap.Votes = append(snap.Votes, VoteEntry{hash, vote})
	}
	for height, block := range p.blocks {
		snap.Blocks = append(snap.Blocks, BlockEntry{height, block})
	}
	return snap
}

// Restore loads a snapshot back into the engine.
func (p *Engine) Restore(snap *Snapshot) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.votes = make(map[wire.Uint256]*wire.PaymentVote)
	for _, entry := range snap.Votes {
		p.votes[entry.Hash] = entry.Vote
	}
	p.blocks = make(map[int]*BlockPayees)
	for _, entry := range snap.Blocks {
		p.blocks[entry.Height] = entry.Payees
	}
}

// Store persists the vote store in a Badger database.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening payments store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the engine snapshot.
func (s *Store) Save(p *Engine) error {
	snap := p.Snapshot()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(snap); err != nil {
		return errors.Wrap(err, "encoding payments snapshot")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(paymentsStateKey), buf.Bytes())
	})
}

// Load reads the engine snapshot back. A missing key leaves the engine
// untouched.
func (s *Store) Load(p *Engine) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(paymentsStateKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading payments snapshot")
		}
		return item.Value(func(val []byte) error {
			snap := &Snapshot{}
			dec := codec.NewDecoder(bytes.NewReader(val), &codec.MsgpackHandle{})
			if err := dec.Decode(snap); err != nil {
				return errors.Wrap(err, "decoding payments snapshot")
			}
			p.Restore(snap)
			return nil
		})
	})
}
