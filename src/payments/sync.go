package payments

import (
	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

// HandlePaymentSync serves a MNPAYMENTSYNC request: votes for the next 20
// blocks as inventory, closed with a SYNCSTATUSCOUNT. Asking repeatedly is
// penalized; it is a heavy request.
func (p *Engine) HandlePaymentSync(peer p2p.Peer, _ *wire.PaymentSync) (int, error) {
	// ignore payment messages until the enode list is synced, and serve
	// only once fully synced: this one is expensive
	if !p.sync.IsEnodeListSynced() {
		return 0, wire.ErrDeferred
	}
	if !p.sync.IsSynced() {
		return 0, wire.ErrDeferred
	}

	if p.fulfilled.Has(peer.Addr(), wire.CmdPaymentSync) {
		p.logger.WithField("peer", peer.Addr()).
			Warning("MNPAYMENTSYNC -- peer already asked for the payment list")
		return DosVoteAbuse, wire.ErrProtocolViolation
	}
	p.fulfilled.Add(peer.Addr(), wire.CmdPaymentSync, paymentSyncTTL)

	p.SyncTo(peer)
	return 0, nil
}

// SyncTo pushes vote inventory for future blocks only; older payment blocks
// are fetched individually through RequestLowDataPaymentBlocks.
func (p *Engine) SyncTo(peer p2p.Peer) {
	p.mtx.Lock()

	tip := p.chain.TipHeight()
	count := 0
	for h := tip; h < tip+voteFutureWindow; h++ {
		block, ok := p.blocks[h]
		if !ok {
			continue
		}
		for _, payee := range block.Payees {
			for _, hash := range payee.VoteHashes {
				vote, ok := p.votes[hash]
				if !ok || !vote.IsVerified() {
					continue
				}
				peer.PushInventory(wire.Inv{Type: wire.InvTypePaymentVote, Hash: hash})
				count++
			}
		}
	}
	p.mtx.Unlock()

	p.logger.WithFields(logrus.Fields{
		"peer":  peer.Addr(),
		"count": count,
	}).Info("SyncTo -- sent payment votes")
	peer.Send(wire.CmdSyncStatusCount, &wire.SyncStatusCount{
		Asset: netsync.AssetWinners,
		Count: count,
	})
}

// RequestLowDataPaymentBlocks walks back through the storage window and asks
// the peer for any height with no settled winner and too few votes, batched
// within the inventory size limit.
func (p *Engine) RequestLowDataPaymentBlocks(peer p2p.Peer) {
	tip := p.chain.TipHeight()
	limit := p.StorageLimit()

	p.mtx.Lock()
	defer p.mtx.Unlock()

	var toFetch []wire.Inv
	flush := func(force bool) {
		if len(toFetch) == 0 {
			return
		}
		if !force && len(toFetch) < wire.MaxInvSize {
			return
		}
		p.logger.WithFields(logrus.Fields{
			"peer":  peer.Addr(),
			"count": len(toFetch),
		}).Info("RequestLowDataPaymentBlocks -- asking for payment blocks")
		for _, inv := range toFetch {
			peer.Send(wire.CmdPaymentBlock, &wire.PaymentBlockRequest{BlockHash: inv.Hash})
		}
		toFetch = toFetch[:0]
	}

	for h := tip; h > tip-limit && h > 0; h-- {
		if _, ok := p.blocks[h]; ok {
			continue
		}
		// we have no idea about this height, ask
		if hash, ok := p.chain.BlockHashAt(h); ok {
			toFetch = append(toFetch, wire.Inv{Type: wire.InvTypePaymentBlock, Hash: hash})
			flush(false)
		}
	}

	avgVotes := (SignaturesTotal + SignaturesRequired) / 2
	for height, block := range p.blocks {
		settled := false
		total := 0
		for _, payee := range block.Payees {
			if payee.VoteCount() >= SignaturesRequired {
				settled = true
				break
			}
			total += payee.VoteCount()
		}
		// a clear winner, or at least the average number of votes: move on
		if settled || total >= avgVotes {
			continue
		}
		if hash, ok := p.chain.BlockHashAt(height); ok {
			toFetch = append(toFetch, wire.Inv{Type: wire.InvTypePaymentBlock, Hash: hash})
			flush(false)
		}
	}
	flush(true)
}

// HandlePaymentBlockRequest serves all stored votes of one payment block.
func (p *Engine) HandlePaymentBlockRequest(peer p2p.Peer, req *wire.PaymentBlockRequest) {
	height, ok := p.chain.HeightOfBlock(req.BlockHash)
	if !ok {
		return
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	block, ok := p.blocks[height]
	if !ok {
		return
	}
	for _, payee := range block.Payees {
		for _, hash := range payee.VoteHashes {
			peer.PushInventory(wire.Inv{Type: wire.InvTypePaymentVote, Hash: hash})
		}
	}
}

// CheckAndRemove prunes vote history past the storage limit. It uses a
// try-lock so a busy tip notification skips the round instead of blocking.
func (p *Engine) CheckAndRemove() {
	tip := p.chain.TipHeight()
	limit := p.StorageLimit()

	if !p.mtx.TryLock() {
		return
	}
	defer p.mtx.Unlock()

	for hash, vote := range p.votes {
		if tip-vote.BlockHeight > limit {
			p.logger.WithField("height", vote.BlockHeight).
				Debug("CheckAndRemove -- removing old payment votes")
			delete(p.votes, hash)
			delete(p.blocks, vote.BlockHeight)
		}
	}
	p.logger.WithFields(logrus.Fields{
		"votes":  len(p.votes),
		"blocks": len(p.blocks),
	}).Debug("CheckAndRemove")
}

// IsEnoughData reports whether the stored history already covers the storage
// window with a plausible number of votes.
func (p *Engine) IsEnoughData() bool {
	limit := p.StorageLimit()
	avgVotes := (SignaturesTotal + SignaturesRequired) / 2
	return p.BlockCount() > limit && p.VoteCount() > limit*avgVotes
}

// RequiredPaymentsString renders the vote standing of a height for the
// status service.
func (p *Engine) RequiredPaymentsString(height int) string {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if block, ok := p.blocks[height]; ok {
		return block.RequiredPaymentsString()
	}
	return "Unknown"
}
