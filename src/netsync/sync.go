package netsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/p2p"
)

// Sync assets, in the order they are fetched. The progression is monotone;
// Failed is a terminal side state that only Reset leaves.
const (
	AssetFailed   = -1
	AssetInitial  = 0
	AssetSporks   = 1
	AssetList     = 2
	AssetWinners  = 3
	AssetFinished = 999
)

const (
	// TickSeconds is the cadence of the sync state machine.
	TickSeconds = 6

	// TimeoutSeconds is how long an asset stage waits without progress
	// before moving on or counting a failure.
	TimeoutSeconds = 30

	// EnoughPeers is the number of peer replies that complete an asset
	// stage.
	EnoughPeers = 3

	// MaxFailures is the number of stage failures tolerated before the
	// machine gives up and requires an external Reset.
	MaxFailures = 10
)

// Requester issues the outbound request that fetches the current asset from
// one peer. It returns false when the peer was skipped (rate limit, version).
type Requester interface {
	RequestSporks(p p2p.Peer) bool
	RequestEnodeList(p p2p.Peer) bool
	RequestPaymentSync(p p2p.Peer) bool
}

// Sync walks the staged asset fetch: sporks, then the enode list, then the
// payment winners. Downstream components bump the per-asset stamps whenever
// they accept a relevant message, which is what counts as progress here.
type Sync struct {
	mtx sync.Mutex

	chain  chain.Chain
	logger *logrus.Entry

	asset   int
	attempt int
	replied int
	asked   map[string]bool

	timeAssetSyncStarted int64
	timeLastEnodeList    int64
	timeLastPaymentVote  int64
	timeLastFailure      int64
	failureCount         int

	// onReset lets the owner clear transport-level rate limits when the
	// machine starts over.
	onReset func()

	nowFn func() int64
}

// New returns a Sync in the Initial state.
func New(c chain.Chain, logger *logrus.Entry) *Sync {
	s := &Sync{
		chain:  c,
		logger: logger,
		nowFn:  func() int64 { return time.Now().Unix() },
	}
	s.reset()
	return s
}

// SetResetHook installs a callback run on every Reset.
func (s *Sync) SetResetHook(f func()) {
	s.mtx.Lock()
	s.onReset = f
	s.mtx.Unlock()
}

// Reset starts the whole sync over. This is also the only way out of the
// Failed state.
func (s *Sync) Reset() {
	s.mtx.Lock()
	hook := s.onReset
	s.reset()
	s.mtx.Unlock()
	if hook != nil {
		hook()
	}
}

func (s *Sync) reset() {
	s.asset = AssetInitial
	s.attempt = 0
	s.replied = 0
	s.asked = make(map[string]bool)
	now := s.nowFn()
	s.timeAssetSyncStarted = now
	s.timeLastEnodeList = now
	s.timeLastPaymentVote = now
	s.failureCount = 0
}

// AddedEnodeList marks progress on the list asset.
func (s *Sync) AddedEnodeList() {
	s.mtx.Lock()
	s.timeLastEnodeList = s.nowFn()
	s.mtx.Unlock()
}

// AddedPaymentVote marks progress on the winners asset.
func (s *Sync) AddedPaymentVote() {
	s.mtx.Lock()
	s.timeLastPaymentVote = s.nowFn()
	s.mtx.Unlock()
}

// IsBlockchainSynced reports whether the underlying chain engine is up to
// date. Every asset stage requires this first.
func (s *Sync) IsBlockchainSynced() bool {
	return s.chain.IsSynced()
}

// IsFailed reports the terminal failure state.
func (s *Sync) IsFailed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset == AssetFailed
}

// IsEnodeListSynced reports whether the list stage has completed.
func (s *Sync) IsEnodeListSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset > AssetList
}

// IsWinnersListSynced reports whether the winners stage has completed.
func (s *Sync) IsWinnersListSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset > AssetWinners
}

// IsSynced reports full completion.
func (s *Sync) IsSynced() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset == AssetFinished
}

// Asset returns the current asset id.
func (s *Sync) Asset() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.asset
}

// FailureCount returns the number of stage failures since the last Reset.
func (s *Sync) FailureCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.failureCount
}

// AssetName returns the printable name of the current asset.
func (s *Sync) AssetName() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return assetName(s.asset)
}

func assetName(asset int) string {
	switch asset {
	case AssetFailed:
		return "FAILED"
	case AssetInitial:
		return "INITIAL"
	case AssetSporks:
		return "SPORKS"
	case AssetList:
		return "ENODE_LIST"
	case AssetWinners:
		return "ENODE_WINNERS"
	case AssetFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// SyncStatus returns a one-line human readable status.
func (s *Sync) SyncStatus() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	switch s.asset {
	case AssetInitial:
		return "Synchronization pending..."
	case AssetSporks:
		return "Synchronizing sporks..."
	case AssetList:
		return "Synchronizing enodes..."
	case AssetWinners:
		return "Synchronizing enode payments..."
	case AssetFailed:
		return "Synchronization failed"
	case AssetFinished:
		return "Synchronization finished"
	default:
		return fmt.Sprintf("Unknown asset %d", s.asset)
	}
}

// SwitchToNextAsset advances the asset progression by one stage.
func (s *Sync) SwitchToNextAsset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.switchToNextAsset()
}

func (s *Sync) switchToNextAsset() {
	switch s.asset {
	case AssetFailed:
		// resuming from failure requires Reset first
		return
	case AssetInitial:
		s.asset = AssetSporks
	case AssetSporks:
		s.asset = AssetList
	case AssetList:
		s.asset = AssetWinners
	case AssetWinners:
		s.asset = AssetFinished
	}
	s.attempt = 0
	s.replied = 0
	s.asked = make(map[string]bool)
	s.timeAssetSyncStarted = s.nowFn()
	s.logger.WithField("asset", assetName(s.asset)).Debug("SwitchToNextAsset")
}

func (s *Sync) fail() {
	s.timeLastFailure = s.nowFn()
	s.asset = AssetFailed
	s.logger.Error("Sync failed, waiting for external reset")
}

func (s *Sync) lastReceived() int64 {
	switch s.asset {
	case AssetList:
		return s.timeLastEnodeList
	case AssetWinners:
		return s.timeLastPaymentVote
	default:
		return s.timeAssetSyncStarted
	}
}

// HandleSyncStatusCount processes a SYNCSTATUSCOUNT closing a bulk response.
// A non-empty reply for the current asset counts towards EnoughPeers.
func (s *Sync) HandleSyncStatusCount(peer p2p.Peer, asset, count int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if asset != s.asset {
		return
	}
	s.replied++
	s.logger.WithFields(logrus.Fields{
		"peer":    peer.Addr(),
		"asset":   assetName(asset),
		"count":   count,
		"replied": s.replied,
	}).Debug("SyncStatusCount")
	if s.replied >= EnoughPeers {
		s.switchToNextAsset()
	}
}

// ProcessTick advances the state machine. It runs every TickSeconds from the
// node's background loop. Outbound asks run with the lock released: the
// requester reaches back into components that stamp progress here.
func (s *Sync) ProcessTick(netw p2p.Net, req Requester) {
	s.mtx.Lock()

	if s.asset == AssetFailed || s.asset == AssetFinished {
		s.mtx.Unlock()
		return
	}

	// the blockchain comes first
	if !s.chain.IsSynced() {
		s.mtx.Unlock()
		return
	}

	now := s.nowFn()

	if s.asset == AssetInitial {
		s.switchToNextAsset()
	}

	// No replies and no stamped progress inside the window: escalate.
	noProgress := now-s.timeAssetSyncStarted >= TimeoutSeconds &&
		now-s.lastReceived() >= TimeoutSeconds
	if noProgress {
		if s.replied > 0 {
			// partial data is better than stalling forever
			s.switchToNextAsset()
		} else {
			s.failureCount++
			s.timeLastFailure = now
			s.logger.WithFields(logrus.Fields{
				"asset":    assetName(s.asset),
				"failures": s.failureCount,
			}).Warning("Sync timeout with no progress")
			if s.failureCount >= MaxFailures {
				s.fail()
				s.mtx.Unlock()
				return
			}
			s.timeAssetSyncStarted = now
			s.asked = make(map[string]bool)
		}
	}

	asset := s.asset
	asked := make(map[string]bool, len(s.asked))
	for addr := range s.asked {
		asked[addr] = true
	}
	s.mtx.Unlock()

	if asset == AssetFinished {
		return
	}

	// ask peers we have not asked yet for the current asset
	sentTo := []string{}
	netw.ForEachPeer(func(p p2p.Peer) {
		if asked[p.Addr()] {
			return
		}
		var sent bool
		switch asset {
		case AssetSporks:
			sent = req.RequestSporks(p)
		case AssetList:
			sent = req.RequestEnodeList(p)
		case AssetWinners:
			sent = req.RequestPaymentSync(p)
		}
		if sent {
			asked[p.Addr()] = true
			sentTo = append(sentTo, p.Addr())
		}
	})

	s.mtx.Lock()
	if s.asset == asset {
		for _, addr := range sentTo {
			if !s.asked[addr] {
				s.asked[addr] = true
				s.attempt++
			}
		}
		// sporks arrive unsolicited right after the request; asking enough
		// peers completes the stage
		if s.asset == AssetSporks && s.attempt >= EnoughPeers {
			s.switchToNextAsset()
		}
	}
	s.mtx.Unlock()
}
