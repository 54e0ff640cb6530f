package registry

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/election"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

// AskForEnode requests a single entry from a peer, at most once per
// (outpoint, peer) within the DSEG cooldown.
func (r *Registry) AskForEnode(peer p2p.Peer, op wire.OutPoint) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.askForEnodeLocked(peer, op)
}

func (r *Registry) askForEnodeLocked(peer p2p.Peer, op wire.OutPoint) {
	if peer == nil {
		return
	}
	asked, ok := r.weAskedForEntry[op]
	if ok {
		if expiry, askedPeer := asked[peer.Addr()]; askedPeer && r.nowFn() < expiry {
			// we already asked this node for this outpoint recently
			return
		}
	} else {
		asked = make(map[string]int64)
		r.weAskedForEntry[op] = asked
	}
	asked[peer.Addr()] = r.nowFn() + DsegUpdateSeconds

	r.logger.WithFields(logrus.Fields{
		"enode": op.StringShort(),
		"peer":  peer.Addr(),
	}).Debug("AskForEnode -- asking for missing entry")
	peer.Send(wire.CmdDseg, &wire.Dseg{Outpoint: op})
}

// DsegUpdate asks a peer for the whole list, honoring the per-peer cooldown
// on mainnet for non-local peers.
func (r *Registry) DsegUpdate(peer p2p.Peer) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.opts.Mainnet && !wire.IsLocalOrPrivate(peer.Addr()) {
		if expiry, ok := r.weAskedForList[peer.Addr()]; ok && r.nowFn() < expiry {
			r.logger.WithField("peer", peer.Addr()).
				Debug("DsegUpdate -- we already asked for the list, skipping")
			return false
		}
	}

	peer.Send(wire.CmdDseg, &wire.Dseg{})
	r.weAskedForList[peer.Addr()] = r.nowFn() + DsegUpdateSeconds
	r.logger.WithField("peer", peer.Addr()).Debug("DsegUpdate -- asked for the list")
	return true
}

// HandleDseg serves a DSEG request: the whole list (rate limited per peer) or
// a single entry (no rate limit). The returned dos weight punishes cooldown
// abuse.
func (r *Registry) HandleDseg(peer p2p.Peer, req *wire.Dseg) (int, error) {
	// heavy request, finish our own sync first
	if !r.sync.IsSynced() {
		return 0, wire.ErrDeferred
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if req.Outpoint.IsZero() {
		isLocal := wire.IsLocalOrPrivate(peer.Addr())
		if !isLocal && r.opts.Mainnet {
			if expiry, ok := r.askedUsForList[peer.Addr()]; ok && r.nowFn() < expiry {
				r.logger.WithField("peer", peer.Addr()).
					Warning("DSEG -- peer already asked for the list")
				return DosDsegAbuse, wire.ErrProtocolViolation
			}
			r.askedUsForList[peer.Addr()] = r.nowFn() + DsegUpdateSeconds
		}
	}

	count := 0
	for _, e := range r.enodes {
		if !req.Outpoint.IsZero() && req.Outpoint != e.Outpoint {
			continue
		}
		if wire.IsLocalOrPrivate(e.Addr) {
			// do not relay local network enodes
			continue
		}
		if e.IsUpdateRequired() {
			continue
		}

		r.logger.WithFields(logrus.Fields{
			"enode": e.Outpoint.StringShort(),
			"addr":  e.Addr,
		}).Debug("DSEG -- sending enode entry")

		ann := e.Announce()
		hash := ann.Hash()
		peer.PushInventory(wire.Inv{Type: wire.InvTypeAnnounce, Hash: hash})
		peer.PushInventory(wire.Inv{Type: wire.InvTypePing, Hash: e.LastPing.Hash()})
		count++

		if _, ok := r.seenAnnounces[hash]; !ok {
			r.seenAnnounces[hash] = &seenAnnounce{Time: r.nowFn(), Announce: ann}
		}

		if req.Outpoint == e.Outpoint {
			r.logger.WithField("peer", peer.Addr()).Debug("DSEG -- sent single enode inv")
			return 0, nil
		}
	}

	if req.Outpoint.IsZero() {
		peer.Send(wire.CmdSyncStatusCount, &wire.SyncStatusCount{
			Asset: netsync.AssetList,
			Count: count,
		})
		r.logger.WithFields(logrus.Fields{
			"peer":  peer.Addr(),
			"count": count,
		}).Debug("DSEG -- sent enode invs")
		return 0, nil
	}

	// someone asked for an outpoint we have no idea about
	r.logger.WithField("peer", peer.Addr()).Debug("DSEG -- no invs sent")
	return 0, wire.ErrMissingReferent
}

// CheckAndRemove is the periodic housekeeping pass: it drops spent records,
// opens recovery rounds for NEW_START_REQUIRED ones, reprocesses quorum
// replies, and expires the bookkeeping maps. Runs only once the list sync is
// complete.
func (r *Registry) CheckAndRemove() {
	if !r.sync.IsEnodeListSynced() {
		return
	}

	r.logger.Debug("CheckAndRemove")

	r.mtx.Lock()

	for _, e := range r.enodes {
		r.checkLocked(e, false)
	}

	now := r.nowFn()
	removed := false

	// remove spent records first
	kept := make([]*enode.Enode, 0, len(r.enodes))
	for _, e := range r.enodes {
		if e.IsOutpointSpent() {
			r.logger.WithFields(logrus.Fields{
				"state": e.State.String(),
				"addr":  e.Addr,
				"size":  len(r.enodes) - 1,
			}).Debug("CheckAndRemove -- removing enode")
			delete(r.seenAnnounces, e.Announce().Hash())
			delete(r.weAskedForEntry, e.Outpoint)
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	r.enodes = kept

	// open recovery rounds for the non-recoverable survivors
	var ranks []RankedInfo
	ranksComputed := false
	askBudget := RecoveryMaxAskEntries
	for _, e := range r.enodes {
		if askBudget == 0 {
			break
		}
		if !r.sync.IsSynced() || !e.IsNewStartRequired() {
			continue
		}
		hash := e.Announce().Hash()
		if _, requested := r.recoveryRequests[hash]; requested {
			continue
		}
		if !ranksComputed {
			ranks = r.recoveryRanksLocked()
			ranksComputed = true
		}
		if r.openRecoveryRoundLocked(e, hash, ranks) {
			askBudget--
		}
	}

	// process replies for the rounds whose wait has elapsed
	for hash, replies := range r.recoveryGoodReplies {
		req, ok := r.recoveryRequests[hash]
		if ok && req.Expiry >= now {
			continue
		}
		if len(replies) >= RecoveryQuorumRequired {
			// the quorum agrees the record is alive, reprocess one reply
			r.logger.WithField("enode", replies[0].Outpoint.StringShort()).
				Debug("CheckAndRemove -- reprocessing recovery reply")
			replies[0].Recovery = true
			r.checkAnnounceAndUpdateLocked(nil, replies[0])
		}
		delete(r.recoveryGoodReplies, hash)
	}

	// allow a new round after the retry window if the record is still dead
	for hash, req := range r.recoveryRequests {
		if now-req.Expiry > RecoveryRetrySeconds {
			delete(r.recoveryRequests, hash)
		}
	}

	expireAddrMap(r.askedUsForList, now)
	expireAddrMap(r.weAskedForList, now)
	for op, asked := range r.weAskedForEntry {
		expireAddrMap(asked, now)
		if len(asked) == 0 {
			delete(r.weAskedForEntry, op)
		}
	}

	tip := r.chain.TipHeight()
	for addr, v := range r.weAskedForVerification {
		if v.BlockHeight < tip-MaxPoseBlocks {
			delete(r.weAskedForVerification, addr)
		}
	}

	// NOTE: seen announces are not expired here, they are cleaned on updates

	for hash, ping := range r.seenPings {
		if now-ping.SigTime > enode.NewStartRequiredSeconds {
			r.logger.WithField("hash", hash.String()).
				Debug("CheckAndRemove -- removing expired ping")
			delete(r.seenPings, hash)
		}
	}

	if removed {
		r.rebuildIndexLocked()
	}

	r.logger.Info(r.stringLocked())
	r.mtx.Unlock()
}

func expireAddrMap(m map[string]int64, now int64) {
	for addr, expiry := range m {
		if expiry < now {
			delete(m, addr)
		}
	}
}

func (r *Registry) stringLocked() string {
	return fmt.Sprintf("Enodes: %d, index size: %d, dsq count: %d",
		len(r.enodes), r.index.Size(), r.dsqCount)
}

// recoveryRanksLocked ranks the registry at a random recent height, so all
// nodes spread their recovery asks differently.
func (r *Registry) recoveryRanksLocked() []RankedInfo {
	tip := r.chain.TipHeight()
	if tip <= 0 {
		return nil
	}
	height := r.randFn(tip)
	blockHash, ok := r.chain.BlockHashAt(height)
	if !ok {
		return nil
	}
	ranked := election.Ranks(r.snapshotLocked(), blockHash, r.minPaymentProtocol())
	out := make([]RankedInfo, len(ranked))
	for i, rk := range ranked {
		out[i] = RankedInfo{Rank: rk.Rank, Info: rk.Enode.Info()}
	}
	return out
}

// openRecoveryRoundLocked schedules direct connections to a quorum of ranked
// peers, asking each for a fresh announce of the target outpoint.
func (r *Registry) openRecoveryRoundLocked(e *enode.Enode, hash wire.Uint256, ranks []RankedInfo) bool {
	asked := make(map[string]bool)
	for _, rk := range ranks {
		if len(asked) >= RecoveryQuorumTotal {
			break
		}
		// avoid banning: skip peers we asked for this entry recently
		if peers, ok := r.weAskedForEntry[e.Outpoint]; ok {
			if _, recently := peers[rk.Info.Addr]; recently {
				continue
			}
		}
		asked[rk.Info.Addr] = true
		r.scheduledRequests = append(r.scheduledRequests, scheduledRequest{
			Addr:     rk.Info.Addr,
			Hash:     hash,
			Outpoint: e.Outpoint,
		})
	}
	if len(asked) == 0 {
		return false
	}
	r.logger.WithField("enode", e.Outpoint.StringShort()).Debug("CheckAndRemove -- recovery initiated")
	r.recoveryRequests[hash] = &recoveryRequest{
		Expiry: r.nowFn() + RecoveryWaitSeconds,
		Asked:  asked,
	}
	return true
}

// ScheduledAsk identifies one recovery target to request from a peer.
type ScheduledAsk struct {
	Hash     wire.Uint256
	Outpoint wire.OutPoint
}

// PopScheduledRequest takes the next batch of scheduled recovery connections
// targeting a single address.
func (r *Registry) PopScheduledRequest() (string, []ScheduledAsk) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if len(r.scheduledRequests) == 0 {
		return "", nil
	}

	sort.Slice(r.scheduledRequests, func(i, j int) bool {
		return r.scheduledRequests[i].Addr < r.scheduledRequests[j].Addr
	})

	addr := r.scheduledRequests[0].Addr
	var asks []ScheduledAsk
	rest := r.scheduledRequests[:0]
	for _, req := range r.scheduledRequests {
		if req.Addr == addr {
			asks = append(asks, ScheduledAsk{Hash: req.Hash, Outpoint: req.Outpoint})
		} else {
			rest = append(rest, req)
		}
	}
	r.scheduledRequests = rest
	return addr, asks
}

// IsRecoveryRequested reports whether a recovery round is open for the given
// announce hash.
func (r *Registry) IsRecoveryRequested(hash wire.Uint256) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	_, ok := r.recoveryRequests[hash]
	return ok
}

func (r *Registry) rebuildIndexLocked() {
	if r.nowFn()-r.lastIndexRebuildTime < minIndexRebuildTime {
		return
	}
	if r.index.Size() <= maxExpectedIndexSize {
		return
	}
	if r.index.Size() <= len(r.enodes) {
		return
	}

	r.indexOld = r.index
	r.index = NewEnodeIndex()
	for _, e := range r.enodes {
		r.index.Add(e.Outpoint)
	}

	r.indexRebuilt = true
	r.lastIndexRebuildTime = r.nowFn()
}

// Clear drops every record, the list-ask ledgers, the seen announces and
// pings, and the index. Open recovery rounds, scheduled requests and pending
// verifications are kept.
func (r *Registry) Clear() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.enodes = nil
	r.askedUsForList = make(map[string]int64)
	r.weAskedForList = make(map[string]int64)
	r.weAskedForEntry = make(map[wire.OutPoint]map[string]int64)
	r.seenAnnounces = make(map[wire.Uint256]*seenAnnounce)
	r.seenPings = make(map[wire.Uint256]*wire.Ping)
	r.dsqCount = 0
	r.lastWatchdogVoteTime = 0
	r.index.Clear()
	r.indexOld.Clear()
}
