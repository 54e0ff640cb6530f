package registry

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/election"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

const (
	// DsegUpdateSeconds is the cooldown of whole-list requests, per peer in
	// both directions.
	DsegUpdateSeconds = 3 * 60 * 60

	// LastPaidScanBlocks bounds the per-block last-paid scan once the first
	// full scan has run.
	LastPaidScanBlocks = 100

	// MinPoseProtoVersion gates participation in proof-of-service rounds.
	MinPoseProtoVersion = wire.MinPaymentProtoVersion1

	// Proof-of-service fan-out limits.
	MaxPoseConnections = 10
	MaxPoseRank        = 10
	MaxPoseBlocks      = 10

	// Recovery round parameters for NEW_START_REQUIRED records.
	RecoveryQuorumTotal    = 10
	RecoveryQuorumRequired = 6
	RecoveryMaxAskEntries  = 10
	RecoveryWaitSeconds    = 60
	RecoveryRetrySeconds   = 3 * 60 * 60

	// Index rebuild limits.
	maxExpectedIndexSize = 30000
	minIndexRebuildTime  = 3600

	seenVerifyCacheSize = 1 << 14
)

// PaymentsView is the slice of the payment-vote engine the registry consults
// during election filtering and last-paid scans. Implemented by
// payments.Engine; installed after construction to break the mutual
// dependency without globals.
type PaymentsView interface {
	MinPaymentProtocol() int
	IsScheduled(payeeScript []byte, notBlockHeight int) bool
	StorageLimit() int
	HasPayeeWithVotes(height int, payeeScript []byte, votesRequired int) bool
}

// ActiveView is the slice of the local activation component the registry
// needs for proof-of-service signing and self-announce handling. Implemented
// by active.Manager.
type ActiveView interface {
	IsEnode() bool
	Outpoint() wire.OutPoint
	EnodePubKey() []byte
	EnodePrivKey() *btcec.PrivateKey
	Service() string

	// NotifySelfAnnounce reports that a broadcast matching our enode key was
	// accepted. The activation component consumes it on its own tick.
	NotifySelfAnnounce()
}

// Options carries the network parameters of the registry.
type Options struct {
	Mainnet          bool
	Regtest          bool
	MainnetPort      uint16
	MinConfirmations int
}

type seenAnnounce struct {
	Time     int64
	Announce *wire.Announce
}

type recoveryRequest struct {
	Expiry int64
	Asked  map[string]bool
}

type scheduledRequest struct {
	Addr     string
	Hash     wire.Uint256
	Outpoint wire.OutPoint
}

// Registry is the authoritative collection of enode records. A single coarse
// lock guards every structure; components outside hold only Info snapshots
// or dense-index handles.
type Registry struct {
	mtx sync.Mutex

	chain     chain.Chain
	netw      p2p.Net
	sync      *netsync.Sync
	fulfilled *p2p.FulfilledRequests
	logger    *logrus.Entry
	opts      Options

	enodes []*enode.Enode

	index                *EnodeIndex
	indexOld             *EnodeIndex
	indexRebuilt         bool
	lastIndexRebuildTime int64

	askedUsForList  map[string]int64
	weAskedForList  map[string]int64
	weAskedForEntry map[wire.OutPoint]map[string]int64

	weAskedForVerification map[string]*wire.Verify

	recoveryRequests    map[wire.Uint256]*recoveryRequest
	recoveryGoodReplies map[wire.Uint256][]*wire.Announce
	scheduledRequests   []scheduledRequest

	seenAnnounces map[wire.Uint256]*seenAnnounce
	seenPings     map[wire.Uint256]*wire.Ping
	seenVerify    *lru.Cache

	lastWatchdogVoteTime int64
	dsqCount             int64

	lastPaidFirstRun bool

	payments PaymentsView
	active   ActiveView

	nowFn  func() int64
	randFn func(n int) int
}

// New constructs an empty registry.
func New(c chain.Chain, netw p2p.Net, sync *netsync.Sync, fulfilled *p2p.FulfilledRequests, logger *logrus.Entry, opts Options) *Registry {
	seenVerify, _ := lru.New(seenVerifyCacheSize)
	return &Registry{
		chain:                  c,
		netw:                   netw,
		sync:                   sync,
		fulfilled:              fulfilled,
		logger:                 logger,
		opts:                   opts,
		index:                  NewEnodeIndex(),
		indexOld:               NewEnodeIndex(),
		askedUsForList:         make(map[string]int64),
		weAskedForList:         make(map[string]int64),
		weAskedForEntry:        make(map[wire.OutPoint]map[string]int64),
		weAskedForVerification: make(map[string]*wire.Verify),
		recoveryRequests:       make(map[wire.Uint256]*recoveryRequest),
		recoveryGoodReplies:    make(map[wire.Uint256][]*wire.Announce),
		seenAnnounces:          make(map[wire.Uint256]*seenAnnounce),
		seenPings:              make(map[wire.Uint256]*wire.Ping),
		seenVerify:             seenVerify,
		lastPaidFirstRun:       true,
		nowFn:                  func() int64 { return time.Now().Unix() },
		randFn:                 rand.Intn,
	}
}

// SetPaymentsView installs the payment-vote engine facade.
func (r *Registry) SetPaymentsView(p PaymentsView) {
	r.mtx.Lock()
	r.payments = p
	r.mtx.Unlock()
}

// SetActiveView installs the local activation facade.
func (r *Registry) SetActiveView(a ActiveView) {
	r.mtx.Lock()
	r.active = a
	r.mtx.Unlock()
}

func (r *Registry) minPaymentProtocol() int {
	if r.payments == nil {
		return wire.MinPaymentProtoVersion1
	}
	return r.payments.MinPaymentProtocol()
}

// Add appends a record if its outpoint is not present yet. Returns whether it
// was added.
func (r *Registry) Add(e *enode.Enode) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.addLocked(e)
}

func (r *Registry) addLocked(e *enode.Enode) bool {
	if r.findByOutpointLocked(e.Outpoint) != nil {
		return false
	}
	r.logger.WithFields(logrus.Fields{
		"enode": e.Outpoint.StringShort(),
		"addr":  e.Addr,
		"size":  len(r.enodes) + 1,
	}).Debug("Adding enode")
	r.enodes = append(r.enodes, e)
	r.index.Add(e.Outpoint)
	return true
}

// Size returns the number of records.
func (r *Registry) Size() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.enodes)
}

// CountEnodes counts records at or above the given protocol version; -1
// means the current payment minimum.
func (r *Registry) CountEnodes(minProtocol int) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.countLocked(minProtocol, false)
}

// CountEnabled counts enabled records at or above the given protocol
// version; -1 means the current payment minimum.
func (r *Registry) CountEnabled(minProtocol int) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.countLocked(minProtocol, true)
}

func (r *Registry) countLocked(minProtocol int, enabledOnly bool) int {
	if minProtocol == -1 {
		minProtocol = r.minPaymentProtocol()
	}
	count := 0
	for _, e := range r.enodes {
		if e.ProtocolVersion < minProtocol {
			continue
		}
		if enabledOnly && !e.IsEnabled() {
			continue
		}
		count++
	}
	return count
}

func (r *Registry) findByOutpointLocked(op wire.OutPoint) *enode.Enode {
	for _, e := range r.enodes {
		if e.Outpoint == op {
			return e
		}
	}
	return nil
}

func (r *Registry) findByEnodeKeyLocked(pub []byte) *enode.Enode {
	for _, e := range r.enodes {
		if bytes.Equal(e.EnodePub, pub) {
			return e
		}
	}
	return nil
}

// Has reports whether the outpoint is registered.
func (r *Registry) Has(op wire.OutPoint) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.findByOutpointLocked(op) != nil
}

// GetInfo returns a snapshot of the record with the given outpoint.
func (r *Registry) GetInfo(op wire.OutPoint) enode.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByOutpointLocked(op)
	if e == nil {
		return enode.Info{}
	}
	return e.Info()
}

// GetInfoByEnodeKey returns a snapshot of the record operating the given
// enode key.
func (r *Registry) GetInfoByEnodeKey(pub []byte) enode.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByEnodeKeyLocked(pub)
	if e == nil {
		return enode.Info{}
	}
	return e.Info()
}

// FindByPayeeScript returns a snapshot of the record whose collateral key
// pays to the given script.
func (r *Registry) FindByPayeeScript(script []byte) enode.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, e := range r.enodes {
		payee, err := wire.PayToPubKeyHash(e.CollateralPub)
		if err == nil && bytes.Equal(payee, script) {
			return e.Info()
		}
	}
	return enode.Info{}
}

// Infos returns snapshots of every record.
func (r *Registry) Infos() []enode.Info {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	infos := make([]enode.Info, len(r.enodes))
	for i, e := range r.enodes {
		infos[i] = e.Info()
	}
	return infos
}

// GetIndex returns the dense index of an outpoint, or -1.
func (r *Registry) GetIndex(op wire.OutPoint) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.index.GetIndex(op)
}

// GetByIndex retrieves an outpoint by its dense index.
func (r *Registry) GetByIndex(i int) (wire.OutPoint, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.index.Get(i)
}

// UpdateWatchdogVoteTime stamps a watchdog vote from the given record.
func (r *Registry) UpdateWatchdogVoteTime(op wire.OutPoint) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByOutpointLocked(op)
	if e == nil {
		return
	}
	e.TimeLastWatchdogVote = r.nowFn()
	r.lastWatchdogVoteTime = r.nowFn()
}

// IsWatchdogActive reports whether any record voted within the watchdog
// window.
func (r *Registry) IsWatchdogActive() bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.nowFn()-r.lastWatchdogVoteTime <= enode.WatchdogMaxSeconds
}

func (r *Registry) isOursLocked(e *enode.Enode) bool {
	return r.active != nil && r.active.IsEnode() &&
		bytes.Equal(r.active.EnodePubKey(), e.EnodePub)
}

func (r *Registry) checkEnvLocked(e *enode.Enode, force bool) enode.CheckEnv {
	_, unspent := r.chain.GetUTXO(e.Outpoint)
	return enode.CheckEnv{
		Now:                r.nowFn(),
		TipHeight:          r.chain.TipHeight(),
		OutpointSpent:      !unspent,
		ListSynced:         r.sync.IsEnodeListSynced(),
		WatchdogActive:     r.sync.IsSynced() && r.nowFn()-r.lastWatchdogVoteTime <= enode.WatchdogMaxSeconds,
		MinPaymentProtocol: r.minPaymentProtocol(),
		RegistrySize:       len(r.enodes),
		IsOurs:             r.isOursLocked(e),
		Force:              force,
	}
}

func (r *Registry) checkLocked(e *enode.Enode, force bool) {
	prev := e.State
	e.Check(r.checkEnvLocked(e, force))
	if e.State != prev {
		r.logger.WithFields(logrus.Fields{
			"enode": e.Outpoint.StringShort(),
			"state": e.State.String(),
		}).Debug("Enode state changed")
	}
}

// Check runs the lifecycle transition on every record.
func (r *Registry) Check() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, e := range r.enodes {
		r.checkLocked(e, false)
	}
}

// CheckEnode forces a lifecycle check of one record.
func (r *Registry) CheckEnode(op wire.OutPoint, force bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByOutpointLocked(op)
	if e != nil {
		r.checkLocked(e, force)
	}
}

// CheckEnodeByKey forces a lifecycle check of the record operating the given
// enode key.
func (r *Registry) CheckEnodeByKey(pub []byte, force bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByEnodeKeyLocked(pub)
	if e != nil {
		r.checkLocked(e, force)
	}
}

// SetEnodeLastPing installs a ping on the own record before gossiping it, so
// the liveness check never sees us expired.
func (r *Registry) SetEnodeLastPing(op wire.OutPoint, ping wire.Ping) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByOutpointLocked(op)
	if e == nil {
		return
	}
	e.LastPing = ping
	r.seenPings[ping.Hash()] = &ping
	hash := e.Announce().Hash()
	if seen, ok := r.seenAnnounces[hash]; ok {
		seen.Announce.LastPing = ping
	}
}

// IsEnodePingedWithin checks the liveness window of one record at the given
// time.
func (r *Registry) IsEnodePingedWithin(op wire.OutPoint, window int64, at int64) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := r.findByOutpointLocked(op)
	if e == nil {
		return false
	}
	if at == -1 {
		at = r.nowFn()
	}
	return e.IsPingedWithin(window, at)
}

// snapshotLocked returns the raw record slice for election helpers. Callers
// stay under the registry lock.
func (r *Registry) snapshotLocked() []*enode.Enode {
	return r.enodes
}

// GetRank returns the election rank of an outpoint at the given height, or
// -1.
func (r *Registry) GetRank(op wire.OutPoint, blockHeight, minProtocol int, onlyActive bool) int {
	blockHash, ok := r.chain.BlockHashAt(blockHeight)
	if !ok {
		return -1
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return election.Rank(r.snapshotLocked(), op, blockHash, minProtocol, onlyActive)
}

// GetRanks returns the full ranking of enabled records at the given height.
// The ranked entries are snapshots.
func (r *Registry) GetRanks(blockHeight, minProtocol int) []RankedInfo {
	blockHash, ok := r.chain.BlockHashAt(blockHeight)
	if !ok {
		return nil
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ranks := election.Ranks(r.snapshotLocked(), blockHash, minProtocol)
	out := make([]RankedInfo, len(ranks))
	for i, rk := range ranks {
		out[i] = RankedInfo{Rank: rk.Rank, Info: rk.Enode.Info()}
	}
	return out
}

// RankedInfo pairs a rank with a record snapshot.
type RankedInfo struct {
	Rank int
	Info enode.Info
}

func (r *Registry) collateralAgeLocked(e *enode.Enode) int {
	tip := r.chain.TipHeight()
	if e.CollateralBlock == 0 {
		height, ok := r.chain.HeightOfTx(e.Outpoint.Hash)
		if !ok {
			return -1
		}
		e.CollateralBlock = height
	}
	return tip - e.CollateralBlock
}

// NextInQueue deterministically selects the record owed the payment at the
// given height. The second return is the number of qualified records.
func (r *Registry) NextInQueue(blockHeight int, filterSigTime bool) (enode.Info, int) {
	scoreHash, ok := r.chain.BlockHashAt(blockHeight - 101)
	if !ok {
		r.logger.WithField("height", blockHeight-101).Error("NextInQueue -- block hash not found")
		return enode.Info{}, 0
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	env := election.QueueEnv{
		BlockHeight:        blockHeight,
		ScoreHash:          scoreHash,
		Now:                r.nowFn(),
		EnabledCount:       r.countLocked(-1, true),
		MinPaymentProtocol: r.minPaymentProtocol(),
		CollateralAge:      r.collateralAgeLocked,
	}
	if r.payments != nil {
		env.IsScheduled = func(e *enode.Enode) bool {
			payee, err := wire.PayToPubKeyHash(e.CollateralPub)
			if err != nil {
				return false
			}
			return r.payments.IsScheduled(payee, blockHeight)
		}
	}

	best, count := election.NextInQueue(r.snapshotLocked(), filterSigTime, env)
	if best == nil {
		return enode.Info{}, count
	}
	return best.Info(), count
}

// UpdateLastPaid refreshes the last-paid data of every record by scanning
// recent coinbases against the winning payees.
func (r *Registry) UpdateLastPaid() {
	if r.payments == nil {
		return
	}
	tip := r.chain.TipHeight()

	r.mtx.Lock()
	firstRun := r.lastPaidFirstRun
	notEnode := r.active == nil || !r.active.IsEnode()
	r.mtx.Unlock()

	// full scan on the first run or when we are not an enode ourselves,
	// limited scan afterwards. The storage limit consults the payments
	// engine, so it is read outside our own lock.
	maxScan := LastPaidScanBlocks
	if firstRun || notEnode {
		maxScan = r.payments.StorageLimit()
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, e := range r.enodes {
		r.updateLastPaidLocked(e, tip, maxScan)
	}

	// every run is like the first until the winners list is synced
	r.lastPaidFirstRun = !r.sync.IsWinnersListSynced()
}

func (r *Registry) updateLastPaidLocked(e *enode.Enode, tip, maxScan int) {
	payee, err := wire.PayToPubKeyHash(e.CollateralPub)
	if err != nil {
		return
	}
	for i := 0; i < maxScan; i++ {
		height := tip - i
		if height <= e.BlockLastPaid {
			return
		}
		if !r.payments.HasPayeeWithVotes(height, payee, 2) {
			continue
		}
		outs, total, ok := r.chain.CoinbaseAt(height)
		if !ok {
			continue
		}
		expected := chain.EnodePayment(height, total)
		for _, out := range outs {
			if bytes.Equal(out.Script, payee) && out.Value == expected {
				e.BlockLastPaid = height
				if t, ok := r.chain.BlockTimeAt(height); ok {
					e.TimeLastPaid = t
				}
				r.logger.WithFields(logrus.Fields{
					"enode": e.Outpoint.StringShort(),
					"block": height,
				}).Debug("UpdateLastPaid -- found payment")
				return
			}
		}
	}
}

// UpdatedBlockTip fans a new tip into the registry's periodic duties.
func (r *Registry) UpdatedBlockTip() {
	r.CheckSameAddr()
	if r.active != nil && r.active.IsEnode() {
		// a normal wallet only needs this on demand
		r.UpdateLastPaid()
	}
}

// String summarizes the registry for the status service.
func (r *Registry) String() string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return fmt.Sprintf("Enodes: %d, peers who asked us for the list: %d, peers we asked for the list: %d, entries we asked for: %d, index size: %d, dsq count: %d",
		len(r.enodes), len(r.askedUsForList), len(r.weAskedForList),
		len(r.weAskedForEntry), r.index.Size(), r.dsqCount)
}
