package registry

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"

	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/wire"
)

// SerializationVersion guards the persisted registry layout. A mismatch on
// load clears everything and the list is re-fetched from the network.
const SerializationVersion = "CEnodeMan-Version-4"

const registryStateKey = "enodeman"

// AddrTime is one persisted (address, expiry) row.
type AddrTime struct {
	Addr   string
	Expiry int64
}

// EntryAsk persists the per-outpoint ask ledger.
type EntryAsk struct {
	Outpoint wire.OutPoint
	Peers    []AddrTime
}

// RecoveryRequestEntry persists one open recovery round.
type RecoveryRequestEntry struct {
	Hash   wire.Uint256
	Expiry int64
	Asked  []string
}

// RecoveryReplyEntry persists collected recovery replies.
type RecoveryReplyEntry struct {
	Hash    wire.Uint256
	Replies []*wire.Announce
}

// SeenAnnounceEntry persists one seen broadcast.
type SeenAnnounceEntry struct {
	Hash     wire.Uint256
	Time     int64
	Announce *wire.Announce
}

// SeenPingEntry persists one seen ping.
type SeenPingEntry struct {
	Hash wire.Uint256
	Ping *wire.Ping
}

// Snapshot is the persisted form of the registry.
type Snapshot struct {
	Version              string
	Enodes               []*enode.Enode
	AskedUs              []AddrTime
	WeAsked              []AddrTime
	WeAskedEntry         []EntryAsk
	RecoveryRequests     []RecoveryRequestEntry
	RecoveryGoodReplies  []RecoveryReplyEntry
	LastWatchdogVoteTime int64
	DsqCount             int64
	SeenAnnounces        []SeenAnnounceEntry
	SeenPings            []SeenPingEntry
	Index                []IndexEntry
}

// Snapshot exports the registry state for persistence.
func (r *Registry) Snapshot() *Snapshot {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	snap := &Snapshot{
		Version:              SerializationVersion,
		Enodes:               append([]*enode.Enode(nil), r.enodes...),
		LastWatchdogVoteTime: r.lastWatchdogVoteTime,
		DsqCount:             r.dsqCount,
		Index:                r.index.Snapshot(),
	}
	for addr, expiry := range r.askedUsForList {
		snap.AskedUs = append(snap.AskedUs, AddrTime{addr, expiry})
	}
	for addr, expiry := range r.weAskedForList {
		snap.WeAsked = append(snap.WeAsked, AddrTime{addr, expiry})
	}
	for op, peers := range r.weAskedForEntry {
		entry := EntryAsk{Outpoint: op}
		for addr, expiry := range peers {
			entry.Peers = append(entry.Peers, AddrTime{addr, expiry})
		}
		snap.WeAskedEntry = append(snap.WeAskedEntry, entry)
	}
	for hash, req := range r.recoveryRequests {
		entry := RecoveryRequestEntry{Hash: hash, Expiry: req.Expiry}
		for addr := range req.Asked {
			entry.Asked = append(entry.Asked, addr)
		}
		snap.RecoveryRequests = append(snap.RecoveryRequests, entry)
	}
	for hash, replies := range r.recoveryGoodReplies {
		snap.RecoveryGoodReplies = append(snap.RecoveryGoodReplies, RecoveryReplyEntry{hash, replies})
	}
	for hash, seen := range r.seenAnnounces {
		snap.SeenAnnounces = append(snap.SeenAnnounces, SeenAnnounceEntry{hash, seen.Time, seen.Announce})
	}
	for hash, ping := range r.seenPings {
		snap.SeenPings = append(snap.SeenPings, SeenPingEntry{hash, ping})
	}
	return snap
}

// Restore loads a snapshot into the registry. A version mismatch clears
// everything instead.
func (r *Registry) Restore(snap *Snapshot) {
	if snap.Version != SerializationVersion {
		r.logger.WithField("version", snap.Version).
			Warning("Restore -- incompatible serialization version, clearing")
		r.Clear()
		return
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.enodes = append([]*enode.Enode(nil), snap.Enodes...)
	r.lastWatchdogVoteTime = snap.LastWatchdogVoteTime
	r.dsqCount = snap.DsqCount

	r.askedUsForList = make(map[string]int64)
	for _, at := range snap.AskedUs {
		r.askedUsForList[at.Addr] = at.Expiry
	}
	r.weAskedForList = make(map[string]int64)
	for _, at := range snap.WeAsked {
		r.weAskedForList[at.Addr] = at.Expiry
	}
	r.weAskedForEntry = make(map[wire.OutPoint]map[string]int64)
	for _, entry := range snap.WeAskedEntry {
		peers := make(map[string]int64)
		for _, at := range entry.Peers {
			peers[at.Addr] = at.Expiry
		}
		r.weAskedForEntry[entry.Outpoint] = peers
	}
	r.recoveryRequests = make(map[wire.Uint256]*recoveryRequest)
	for _, entry := range snap.RecoveryRequests {
		asked := make(map[string]bool)
		for _, addr := range entry.Asked {
			asked[addr] = true
		}
		r.recoveryRequests[entry.Hash] = &recoveryRequest{Expiry: entry.Expiry, Asked: asked}
	}
	r.recoveryGoodReplies = make(map[wire.Uint256][]*wire.Announce)
	for _, entry := range snap.RecoveryGoodReplies {
		r.recoveryGoodReplies[entry.Hash] = entry.Replies
	}
	r.seenAnnounces = make(map[wire.Uint256]*seenAnnounce)
	for _, entry := range snap.SeenAnnounces {
		r.seenAnnounces[entry.Hash] = &seenAnnounce{Time: entry.Time, Announce: entry.Announce}
	}
	r.seenPings = make(map[wire.Uint256]*wire.Ping)
	for _, entry := range snap.SeenPings {
		r.seenPings[entry.Hash] = entry.Ping
	}
	r.index.Restore(snap.Index)
}

// Store persists the registry in a Badger database.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "opening registry store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the registry snapshot.
func (s *Store) Save(r *Registry) error {
	snap := r.Snapshot()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(snap); err != nil {
		return errors.Wrap(err, "encoding registry snapshot")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(registryStateKey), buf.Bytes())
	})
}

// Load reads the registry snapshot back. A missing key leaves the registry
// untouched.
func (s *Store) Load(r *Registry) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(registryStateKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading registry snapshot")
		}
		return item.Value(func(val []byte) error {
			snap := &Snapshot{}
			dec := codec.NewDecoder(bytes.NewReader(val), &codec.MsgpackHandle{})
			if err := dec.Decode(snap); err != nil {
				return errors.Wrap(err, "decoding registry snapshot")
			}
			r.Restore(snap)
			return nil
		})
	})
}
