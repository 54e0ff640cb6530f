package registry

import (
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

// Request kinds tracked against the fulfilled-request ledger for the verify
// protocol.
const (
	verifyRequestKind = wire.CmdVerify + "-request"
	verifyReplyKind   = wire.CmdVerify + "-reply"
	verifyDoneKind    = wire.CmdVerify + "-done"

	verifyFulfilledTTL = time.Hour
)

// HandleVerify dispatches an inbound MNVERIFY by its shape.
func (r *Registry) HandleVerify(peer p2p.Peer, v *wire.Verify) int {
	switch {
	case v.IsRequest():
		// someone asked us to prove the IP we are using
		return r.SendVerifyReply(peer, v)
	case v.IsReply():
		// we probably got the verification we requested
		return r.ProcessVerifyReply(peer, v)
	default:
		// a verification broadcast signed by some enode that verified
		// another one
		return r.ProcessVerifyBroadcast(peer, v)
	}
}

// DoFullVerificationStep runs one verification round. Only nodes ranked in
// the top MaxPoseRank challenge others; each one covers a distinct slice of
// the ranking so the network fans out without duplication.
func (r *Registry) DoFullVerificationStep() {
	if r.active == nil || !r.active.IsEnode() || r.active.Outpoint().IsZero() {
		return
	}
	if !r.sync.IsSynced() {
		return
	}

	tip := r.chain.TipHeight()
	ranks := r.GetRanks(tip-1, MinPoseProtoVersion)

	myRank := -1
	self := r.active.Outpoint()
	for _, rk := range ranks {
		if rk.Rank > MaxPoseRank {
			break
		}
		if rk.Info.Outpoint == self {
			myRank = rk.Rank
			break
		}
	}
	if myRank == -1 {
		return
	}

	r.logger.WithFields(logrus.Fields{
		"rank":  myRank,
		"total": len(ranks),
	}).Debug("DoFullVerificationStep -- found self in top ranks")

	offset := MaxPoseRank + myRank - 1
	if offset >= len(ranks) {
		return
	}

	count := 0
	for i := offset; i < len(ranks); i += MaxPoseConnections {
		target := ranks[i].Info
		if target.PoSeVerified || target.State == enode.StatePoSeBan {
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"enode": target.Outpoint.StringShort(),
			"rank":  ranks[i].Rank,
			"addr":  target.Addr,
		}).Debug("DoFullVerificationStep -- verifying enode")
		if r.SendVerifyRequest(target.Addr) {
			count++
			if count >= MaxPoseConnections {
				break
			}
		}
	}

	r.logger.WithField("count", count).Debug("DoFullVerificationStep -- sent verification requests")
}

// SendVerifyRequest opens a direct connection and challenges whoever answers
// at addr with a fresh nonce.
func (r *Registry) SendVerifyRequest(addr string) bool {
	if r.fulfilled.Has(addr, verifyRequestKind) {
		// not a good idea to ask the same node too often
		return false
	}

	peer, err := r.netw.Connect(addr)
	if err != nil {
		r.logger.WithField("addr", addr).Warning("SendVerifyRequest -- can't connect to node")
		return false
	}

	r.fulfilled.Add(addr, verifyRequestKind, verifyFulfilledTTL)

	v := wire.NewVerifyRequest(addr, r.randFn(999999), r.chain.TipHeight()-1)

	r.mtx.Lock()
	r.weAskedForVerification[addr] = v
	r.mtx.Unlock()

	r.logger.WithFields(logrus.Fields{
		"addr":  addr,
		"nonce": v.Nonce,
	}).Debug("SendVerifyRequest -- verifying node")
	peer.Send(wire.CmdVerify, v)
	return true
}

// SendVerifyReply answers a verification request by signing the address we
// are reachable at together with the challenge nonce.
func (r *Registry) SendVerifyReply(peer p2p.Peer, v *wire.Verify) int {
	if r.active == nil || !r.active.IsEnode() {
		// a malicious node might be using our IP to confuse the verifier;
		// do not ban
		return 0
	}

	if r.fulfilled.Has(peer.Addr(), verifyReplyKind) {
		r.logger.WithField("peer", peer.Addr()).Warning("SendVerifyReply -- peer already asked me recently")
		return DosVerifyAbuse
	}

	blockHash, ok := r.chain.BlockHashAt(v.BlockHeight)
	if !ok {
		r.logger.WithField("height", v.BlockHeight).Debug("SendVerifyReply -- unknown block height")
		return 0
	}

	msg := r.active.Service() + strconv.Itoa(v.Nonce) + blockHash.String()
	sig, err := keys.SignMessage(msg, r.active.EnodePrivKey())
	if err != nil {
		r.logger.WithError(err).Error("SendVerifyReply -- SignMessage failed")
		return 0
	}
	v.Sig1 = sig

	peer.Send(wire.CmdVerify, v)
	r.fulfilled.Add(peer.Addr(), verifyReplyKind, verifyFulfilledTTL)
	return 0
}

// ProcessVerifyReply matches a reply against the challenge we remembered,
// finds the one record at that address whose key validates the signature,
// vouches for it in a broadcast, and collects everyone else at the address
// for a ban-score bump.
func (r *Registry) ProcessVerifyReply(peer p2p.Peer, v *wire.Verify) int {
	// did we even ask for it?
	if !r.fulfilled.Has(peer.Addr(), verifyRequestKind) {
		r.logger.WithField("peer", peer.Addr()).Warning("ProcessVerifyReply -- we did not ask for verification")
		return DosVerifyAbuse
	}

	r.mtx.Lock()
	asked, ok := r.weAskedForVerification[peer.Addr()]
	r.mtx.Unlock()

	if !ok || asked.Nonce != v.Nonce {
		r.logger.WithField("peer", peer.Addr()).Warning("ProcessVerifyReply -- wrong nonce")
		return DosVerifyAbuse
	}
	if asked.BlockHeight != v.BlockHeight {
		r.logger.WithField("peer", peer.Addr()).Warning("ProcessVerifyReply -- wrong block height")
		return DosVerifyAbuse
	}

	blockHash, ok := r.chain.BlockHashAt(v.BlockHeight)
	if !ok {
		r.logger.WithField("height", v.BlockHeight).Debug("ProcessVerifyReply -- unknown block height")
		return 0
	}

	if r.fulfilled.Has(peer.Addr(), verifyDoneKind) {
		r.logger.WithField("peer", peer.Addr()).Warning("ProcessVerifyReply -- already verified recently")
		return DosVerifyAbuse
	}

	r.mtx.Lock()

	var real *enode.Enode
	var toBan []*enode.Enode
	msg1 := peer.Addr() + strconv.Itoa(v.Nonce) + blockHash.String()

	for _, e := range r.enodes {
		if e.Addr != peer.Addr() {
			continue
		}
		if err := keys.VerifyMessage(e.EnodePub, v.Sig1, msg1); err == nil {
			real = e
			if !e.IsPoSeVerified() {
				e.DecreasePoSeBanScore()
			}
			r.fulfilled.Add(peer.Addr(), verifyDoneKind, verifyFulfilledTTL)

			// we can only vouch in a broadcast if we are an active enode
			if r.active == nil || !r.active.IsEnode() || r.active.Outpoint().IsZero() {
				continue
			}
			v.Addr = e.Addr
			v.Vin1 = e.Outpoint
			v.Vin2 = r.active.Outpoint()
			sig2, err := keys.SignMessage(v.SignedString2(blockHash), r.active.EnodePrivKey())
			if err != nil {
				r.logger.WithError(err).Error("ProcessVerifyReply -- SignMessage failed")
				r.mtx.Unlock()
				return 0
			}
			v.Sig2 = sig2
			r.weAskedForVerification[peer.Addr()] = v
			r.seenVerify.Add(v.Hash(), v)
			r.netw.RelayInv(wire.Inv{Type: wire.InvTypeVerify, Hash: v.Hash()})
		} else {
			toBan = append(toBan, e)
		}
	}

	if real == nil {
		r.mtx.Unlock()
		// normally impossible: someone is trying to game the system
		r.logger.WithField("addr", peer.Addr()).Warning("ProcessVerifyReply -- no real enode found for addr")
		return DosVerifyAbuse
	}

	r.logger.WithFields(logrus.Fields{
		"enode": real.Outpoint.StringShort(),
		"addr":  peer.Addr(),
	}).Info("ProcessVerifyReply -- verified real enode")

	for _, e := range toBan {
		e.IncreasePoSeBanScore()
		r.logger.WithFields(logrus.Fields{
			"enode": e.Outpoint.StringShort(),
			"score": e.PoSeBanScore,
		}).Debug("ProcessVerifyReply -- increased PoSe ban score")
	}

	r.mtx.Unlock()
	return 0
}

// ProcessVerifyBroadcast validates a relayed verification: both signatures
// must check out, the verifier must be rank-gated, and the two identities
// must differ. On success the verified record's score drops and every other
// record at the same address gets bumped.
func (r *Registry) ProcessVerifyBroadcast(peer p2p.Peer, v *wire.Verify) int {
	hash := v.Hash()
	if _, dup := r.seenVerify.Get(hash); dup {
		return 0
	}
	r.seenVerify.Add(hash, v)

	tip := r.chain.TipHeight()

	// we don't care about history
	if v.BlockHeight < tip-MaxPoseBlocks {
		r.logger.WithFields(logrus.Fields{
			"tip":    tip,
			"height": v.BlockHeight,
		}).Debug("ProcessVerifyBroadcast -- outdated")
		return 0
	}

	if v.Vin1 == v.Vin2 {
		// it was NOT a good idea to cheat and verify itself
		r.logger.WithField("enode", v.Vin1.StringShort()).Debug("ProcessVerifyBroadcast -- same vins")
		return DosMalformed
	}

	blockHash, ok := r.chain.BlockHashAt(v.BlockHeight)
	if !ok {
		r.logger.WithField("height", v.BlockHeight).Debug("ProcessVerifyBroadcast -- unknown block height")
		return 0
	}

	rank := r.GetRank(v.Vin2, v.BlockHeight, MinPoseProtoVersion, false)
	if rank == -1 {
		r.logger.WithField("enode", v.Vin2.StringShort()).Debug("ProcessVerifyBroadcast -- can't calculate rank")
		return 0
	}
	if rank > MaxPoseRank {
		r.logger.WithFields(logrus.Fields{
			"enode": v.Vin2.StringShort(),
			"rank":  rank,
		}).Debug("ProcessVerifyBroadcast -- verifier is not in top ranks")
		return 0
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	e1 := r.findByOutpointLocked(v.Vin1)
	if e1 == nil {
		r.logger.WithField("enode", v.Vin1.StringShort()).Debug("ProcessVerifyBroadcast -- can't find verified enode")
		return 0
	}
	e2 := r.findByOutpointLocked(v.Vin2)
	if e2 == nil {
		r.logger.WithField("enode", v.Vin2.StringShort()).Debug("ProcessVerifyBroadcast -- can't find verifier enode")
		return 0
	}

	if e1.Addr != v.Addr {
		r.logger.WithField("addr", v.Addr).Debug("ProcessVerifyBroadcast -- addr mismatch")
		return 0
	}

	if err := keys.VerifyMessage(e1.EnodePub, v.Sig1, v.SignedString1(blockHash)); err != nil {
		r.logger.WithError(err).Debug("ProcessVerifyBroadcast -- bad signature from verified enode")
		return 0
	}
	if err := keys.VerifyMessage(e2.EnodePub, v.Sig2, v.SignedString2(blockHash)); err != nil {
		r.logger.WithError(err).Debug("ProcessVerifyBroadcast -- bad signature from verifier enode")
		return 0
	}

	if !e1.IsPoSeVerified() {
		e1.DecreasePoSeBanScore()
	}
	r.netw.RelayInv(wire.Inv{Type: wire.InvTypeVerify, Hash: hash})

	r.logger.WithFields(logrus.Fields{
		"enode": e1.Outpoint.StringShort(),
		"addr":  v.Addr,
	}).Info("ProcessVerifyBroadcast -- verified enode")

	// increase the ban score for everyone else at the same address
	count := 0
	for _, e := range r.enodes {
		if e.Addr != v.Addr || e.Outpoint == v.Vin1 {
			continue
		}
		e.IncreasePoSeBanScore()
		count++
		r.logger.WithFields(logrus.Fields{
			"enode": e.Outpoint.StringShort(),
			"score": e.PoSeBanScore,
		}).Debug("ProcessVerifyBroadcast -- increased PoSe ban score")
	}
	if count > 0 {
		r.logger.WithFields(logrus.Fields{
			"count": count,
			"addr":  v.Addr,
		}).Info("ProcessVerifyBroadcast -- PoSe score increased for duplicates")
	}
	return 0
}

// CheckSameAddr walks records clustered by address. Inside a cluster a
// verified member bans the rest; with no verified member nothing happens,
// the ambiguity has to be resolved by verification first.
func (r *Registry) CheckSameAddr() {
	if !r.sync.IsSynced() {
		return
	}

	r.mtx.Lock()

	if len(r.enodes) == 0 {
		r.mtx.Unlock()
		return
	}

	sorted := make([]*enode.Enode, 0, len(r.enodes))
	for _, e := range r.enodes {
		if !e.IsEnabled() && !e.IsPreEnabled() {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Addr != sorted[j].Addr {
			return sorted[i].Addr < sorted[j].Addr
		}
		return sorted[i].Outpoint.Less(sorted[j].Outpoint)
	})

	var toBan []*enode.Enode
	for start := 0; start < len(sorted); {
		end := start + 1
		for end < len(sorted) && sorted[end].Addr == sorted[start].Addr {
			end++
		}
		cluster := sorted[start:end]
		start = end

		if len(cluster) < 2 {
			continue
		}
		hasVerified := false
		for _, e := range cluster {
			if e.IsPoSeVerified() {
				hasVerified = true
				break
			}
		}
		if !hasVerified {
			continue
		}
		for _, e := range cluster {
			if !e.IsPoSeVerified() {
				toBan = append(toBan, e)
			}
		}
	}

	for _, e := range toBan {
		r.logger.WithField("enode", e.Outpoint.StringShort()).
			Info("CheckSameAddr -- increasing PoSe ban score for duplicate enode")
		e.IncreasePoSeBanScore()
	}

	r.mtx.Unlock()
}
