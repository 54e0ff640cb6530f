package registry

import (
	"bytes"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

// DoS weights applied through the (accepted, dos) return convention.
const (
	DosFutureSigTime = 1
	DosMismatch      = 33
	DosDsegAbuse     = 34
	DosVerifyAbuse   = 20
	DosMalformed     = 100
)

// futureSigTimeTolerance is how far into the future an announce signature
// time may lie.
const futureSigTimeTolerance = 60 * 60

// pingDepthMax rejects pings whose reference block is deeper than this below
// the tip.
const pingDepthMax = 24

// simpleCheck runs the stateless part of announce validation. pingExpired
// reports an empty embedded ping: the record is accepted but born expired,
// since one of us is probably forked. An embedded ping with a bad signature
// rejects the announce.
func (r *Registry) simpleCheck(a *wire.Announce) (dos int, pingExpired bool, ok bool) {
	if !enode.IsValidNetAddr(a.Addr, r.opts.Regtest) {
		r.logger.WithFields(logrus.Fields{
			"enode": a.Outpoint.StringShort(),
			"addr":  a.Addr,
		}).Debug("simpleCheck -- invalid addr, rejected")
		return 0, false, false
	}

	// signatures from the future are never acceptable, the past is fine
	if a.SigTime > r.nowFn()+futureSigTimeTolerance {
		r.logger.WithField("enode", a.Outpoint.StringShort()).
			Debug("simpleCheck -- signature too far into the future, rejected")
		return DosFutureSigTime, false, false
	}

	if a.ProtocolVersion < r.minPaymentProtocol() {
		r.logger.WithFields(logrus.Fields{
			"enode":   a.Outpoint.StringShort(),
			"version": a.ProtocolVersion,
		}).Debug("simpleCheck -- ignoring outdated enode")
		return 0, false, false
	}

	collateralScript, err := wire.PayToPubKeyHash(a.CollateralPub)
	if err != nil || len(collateralScript) != wire.P2PKHScriptLen {
		r.logger.Debug("simpleCheck -- collateral pubkey has the wrong size")
		return DosMalformed, false, false
	}
	enodeScript, err := wire.PayToPubKeyHash(a.EnodePub)
	if err != nil || len(enodeScript) != wire.P2PKHScriptLen {
		r.logger.Debug("simpleCheck -- enode pubkey has the wrong size")
		return DosMalformed, false, false
	}

	port := wire.AddrPort(a.Addr)
	if r.opts.Mainnet {
		if port != r.opts.MainnetPort {
			return 0, false, false
		}
	} else if port == r.opts.MainnetPort {
		return 0, false, false
	}

	if a.LastPing.IsEmpty() {
		pingExpired = true
	} else if err := keys.VerifyMessage(a.EnodePub, a.LastPing.Sig, a.LastPing.SignedString()); err != nil {
		r.logger.WithError(err).Debug("simpleCheck -- bad embedded ping signature")
		return DosMismatch, false, false
	}

	return 0, pingExpired, true
}

// updateExisting applies a newer broadcast onto a known record. Mirrors the
// update stage of the pipeline: stale times and banned records are refused,
// signer changes are penalized.
func (r *Registry) updateExisting(e *enode.Enode, a *wire.Announce) (bool, int) {
	if e.SigTime == a.SigTime && !a.Recovery {
		// legit duplicate, the seen filter usually catches it first
		return false, 0
	}

	if e.SigTime > a.SigTime {
		r.logger.WithFields(logrus.Fields{
			"enode":    a.Outpoint.StringShort(),
			"sig_time": a.SigTime,
			"held":     e.SigTime,
		}).Debug("updateExisting -- older sigTime, rejected")
		return false, 0
	}

	r.checkLocked(e, true)

	if e.IsPoSeBanned() {
		r.logger.WithField("enode", a.Outpoint.StringShort()).
			Debug("updateExisting -- banned by PoSe, rejected")
		return false, 0
	}

	// collateral association is validated once in checkOutpoint; afterwards
	// the keys only have to keep matching
	if !bytes.Equal(e.CollateralPub, a.CollateralPub) {
		r.logger.Debug("updateExisting -- mismatched collateral pubkey")
		return false, DosMismatch
	}

	if err := keys.VerifyMessage(a.CollateralPub, a.Sig, a.SignedString()); err != nil {
		r.logger.WithError(err).Debug("updateExisting -- bad announce signature")
		return false, DosMalformed
	}

	if !e.IsBroadcastedWithin(enode.MinAnnounceSeconds, r.nowFn()) || r.isOursLocked(e) {
		r.logger.WithField("addr", a.Addr).Debug("updateExisting -- got updated entry")
		e.UpdateFromAnnounce(a)
		r.checkLocked(e, true)
		r.relayAnnounce(a)
		r.sync.AddedEnodeList()
	}

	return true, 0
}

// checkOutpoint validates a brand new record against the UTXO set: the
// collateral must exist with the exact amount, enough confirmations, be
// controlled by the advertised key, and have matured before the signature
// time.
func (r *Registry) checkOutpoint(a *wire.Announce) (bool, int) {
	// our own broadcast for an already activated enode: nothing to do
	if r.active != nil && r.active.IsEnode() &&
		a.Outpoint == r.active.Outpoint() &&
		bytes.Equal(a.EnodePub, r.active.EnodePubKey()) {
		return false, 0
	}

	if err := keys.VerifyMessage(a.CollateralPub, a.Sig, a.SignedString()); err != nil {
		r.logger.WithError(err).Debug("checkOutpoint -- bad announce signature")
		return false, DosMalformed
	}

	utxo, ok := r.chain.GetUTXO(a.Outpoint)
	if !ok {
		r.logger.WithField("enode", a.Outpoint.StringShort()).
			Debug("checkOutpoint -- failed to find collateral UTXO")
		return false, 0
	}

	if utxo.Value != chain.CollateralAmount {
		r.logger.WithField("enode", a.Outpoint.StringShort()).
			Debug("checkOutpoint -- collateral UTXO has the wrong value")
		return false, 0
	}

	tip := r.chain.TipHeight()
	confirmations := tip - utxo.Height + 1
	if confirmations < r.opts.MinConfirmations {
		r.logger.WithFields(logrus.Fields{
			"enode": a.Outpoint.StringShort(),
			"confs": confirmations,
			"need":  r.opts.MinConfirmations,
		}).Debug("checkOutpoint -- not enough confirmations")
		// maybe we miss a few blocks, let this announce be checked again
		// later
		delete(r.seenAnnounces, a.Hash())
		return false, 0
	}

	// make sure the output that was signed belongs to the advertised key
	payee, err := wire.PayToPubKeyHash(a.CollateralPub)
	if err != nil || !bytes.Equal(utxo.Script, payee) {
		r.logger.Debug("checkOutpoint -- collateral pubkey does not control the outpoint")
		return false, DosMismatch
	}

	// the signature time must postdate collateral maturity
	confHeight := utxo.Height + r.opts.MinConfirmations - 1
	if confTime, ok := r.chain.BlockTimeAt(confHeight); ok && confTime > a.SigTime {
		r.logger.WithFields(logrus.Fields{
			"enode":     a.Outpoint.StringShort(),
			"sig_time":  a.SigTime,
			"conf_time": confTime,
		}).Debug("checkOutpoint -- sigTime predates collateral maturity")
		return false, 0
	}

	return true, 0
}

// CheckAnnounceAndUpdate runs the full announce validation pipeline and
// mutates the registry accordingly. from may be nil when reprocessing a
// recovery reply. The returned dos weight is applied to the sending peer by
// the message pump.
func (r *Registry) CheckAnnounceAndUpdate(from p2p.Peer, a *wire.Announce) (bool, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.checkAnnounceAndUpdateLocked(from, a)
}

func (r *Registry) checkAnnounceAndUpdateLocked(from p2p.Peer, a *wire.Announce) (bool, int) {
	hash := a.Hash()
	now := r.nowFn()

	if seen, dup := r.seenAnnounces[hash]; dup && !a.Recovery {
		// less than two pings left before the record goes non-recoverable:
		// refresh the seen time and bump the sync stamp
		if now-seen.Time > enode.NewStartRequiredSeconds-enode.MinPingSeconds*2 {
			seen.Time = now
			r.sync.AddedEnodeList()
		}
		if from != nil {
			r.collectRecoveryReplyLocked(from, hash, seen, a)
		}
		return true, 0
	}
	r.seenAnnounces[hash] = &seenAnnounce{Time: now, Announce: a}

	r.logger.WithField("enode", a.Outpoint.StringShort()).Debug("CheckAnnounceAndUpdate -- new")

	dos, pingExpired, ok := r.simpleCheck(a)
	if !ok {
		return false, dos
	}

	if existing := r.findByOutpointLocked(a.Outpoint); existing != nil {
		oldHash := existing.Announce().Hash()
		ok, dos := r.updateExisting(existing, a)
		if !ok {
			return false, dos
		}
		if hash != oldHash {
			delete(r.seenAnnounces, oldHash)
		}
		return true, 0
	}

	ok, dos = r.checkOutpoint(a)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"enode": a.Outpoint.StringShort(),
			"addr":  a.Addr,
		}).Info("CheckAnnounceAndUpdate -- rejected enode entry")
		return false, dos
	}

	record := enode.NewFromAnnounce(a)
	if pingExpired {
		record.State = enode.StateExpired
	}
	r.addLocked(record)
	r.seenPings[a.LastPing.Hash()] = &a.LastPing
	r.sync.AddedEnodeList()

	// if it matches our enode key we have been remotely activated
	if r.active != nil && r.active.IsEnode() &&
		bytes.Equal(a.EnodePub, r.active.EnodePubKey()) {
		record.MarkPoSeVerified()
		if a.ProtocolVersion == wire.ProtocolVersion {
			r.logger.WithFields(logrus.Fields{
				"enode": a.Outpoint.StringShort(),
				"addr":  a.Addr,
			}).Info("CheckAnnounceAndUpdate -- got our own enode entry")
			r.active.NotifySelfAnnounce()
		} else {
			// wrong build: do not relay, the operator has to reactivate
			r.logger.WithField("version", a.ProtocolVersion).
				Warning("CheckAnnounceAndUpdate -- own entry with wrong protocol version, re-activate the enode")
			return false, 0
		}
	}

	r.relayAnnounce(a)
	return true, 0
}

func (r *Registry) relayAnnounce(a *wire.Announce) {
	r.netw.RelayInv(wire.Inv{Type: wire.InvTypeAnnounce, Hash: a.Hash()})
}

// collectRecoveryReplyLocked files a duplicate announce received during an
// open recovery round.
func (r *Registry) collectRecoveryReplyLocked(from p2p.Peer, hash wire.Uint256, seen *seenAnnounce, a *wire.Announce) {
	req, ok := r.recoveryRequests[hash]
	if !ok || r.nowFn() >= req.Expiry {
		return
	}
	if !req.Asked[from.Addr()] {
		return
	}
	// one reply per asked node
	delete(req.Asked, from.Addr())

	if a.LastPing.SigTime <= seen.Announce.LastPing.SigTime {
		return
	}

	// simulate the lifecycle check on the fresh copy
	probe := enode.NewFromAnnounce(a)
	probe.Check(r.checkEnvLocked(probe, true))
	if !enode.IsValidStateForAutoStart(probe.State) {
		return
	}

	r.logger.WithField("enode", a.Outpoint.StringShort()).Debug("recovery -- good reply")
	r.recoveryGoodReplies[hash] = append(r.recoveryGoodReplies[hash], a)
}

// HandlePing processes an inbound liveness ping. The returned dos weight is
// applied to the sending peer.
func (r *Registry) HandlePing(from p2p.Peer, ping *wire.Ping) (bool, int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	hash := ping.Hash()
	if _, dup := r.seenPings[hash]; dup {
		return false, 0
	}
	r.seenPings[hash] = ping

	r.logger.WithField("enode", ping.Outpoint.StringShort()).Debug("HandlePing -- new")

	e := r.findByOutpointLocked(ping.Outpoint)
	if e == nil {
		// something is broken or the enode is unknown: ask the sender once
		r.askForEnodeLocked(from, ping.Outpoint)
		return false, 0
	}

	// too late, a new announce is required
	if e.IsNewStartRequired() || e.IsUpdateRequired() {
		return false, 0
	}

	// the referenced block must be recent
	if height, ok := r.chain.HeightOfBlock(ping.BlockHash); ok &&
		height < r.chain.TipHeight()-pingDepthMax {
		r.logger.WithFields(logrus.Fields{
			"enode": ping.Outpoint.StringShort(),
			"block": ping.BlockHash.String(),
		}).Debug("HandlePing -- block hash too old")
		return false, 0
	}

	// update only when the previous ping is old enough
	if e.IsPingedWithin(enode.MinPingSeconds-60, ping.SigTime) {
		return false, 0
	}

	if err := keys.VerifyMessage(e.EnodePub, ping.Sig, ping.SignedString()); err != nil {
		r.logger.WithError(err).Debug("HandlePing -- bad ping signature")
		return false, DosMismatch
	}

	// a live ping during initial sync buys the list stage more time
	if !r.sync.IsEnodeListSynced() && !e.IsPingedWithin(enode.ExpirationSeconds/2, r.nowFn()) {
		r.sync.AddedEnodeList()
	}

	e.LastPing = *ping
	annHash := e.Announce().Hash()
	if seen, ok := r.seenAnnounces[annHash]; ok {
		seen.Announce.LastPing = *ping
	}

	r.checkLocked(e, true)
	if !e.IsEnabled() {
		return false, 0
	}

	r.netw.RelayInv(wire.Inv{Type: wire.InvTypePing, Hash: hash})
	return true, 0
}

// InstallLocalAnnounce inserts or updates our own freshly signed broadcast,
// bypassing the outpoint checks that would reject it as self-referential.
func (r *Registry) InstallLocalAnnounce(a *wire.Announce) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.seenPings[a.LastPing.Hash()] = &a.LastPing
	r.seenAnnounces[a.Hash()] = &seenAnnounce{Time: r.nowFn(), Announce: a}

	r.logger.WithFields(logrus.Fields{
		"enode": a.Outpoint.StringShort(),
		"addr":  a.Addr,
	}).Info("InstallLocalAnnounce")

	e := r.findByOutpointLocked(a.Outpoint)
	if e == nil {
		if r.addLocked(enode.NewFromAnnounce(a)) {
			r.sync.AddedEnodeList()
		}
		return
	}

	oldHash := e.Announce().Hash()
	e.UpdateFromAnnounce(a)
	r.sync.AddedEnodeList()
	if oldHash != a.Hash() {
		delete(r.seenAnnounces, oldHash)
	}
}

// SeenAnnounce retrieves a seen broadcast by hash, serving getdata requests.
func (r *Registry) SeenAnnounce(hash wire.Uint256) (*wire.Announce, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	seen, ok := r.seenAnnounces[hash]
	if !ok {
		return nil, false
	}
	return seen.Announce, true
}

// SeenPing retrieves a seen ping by hash.
func (r *Registry) SeenPing(hash wire.Uint256) (*wire.Ping, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	p, ok := r.seenPings[hash]
	return p, ok
}
