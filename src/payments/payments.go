package payments

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/registry"
	"github.com/enodenetwork/enoded/src/spork"
	"github.com/enodenetwork/enoded/src/wire"
)

const (
	// storageCoeff and minBlocksToStore size the sliding window of vote
	// history: max(enode count x 1.25, 5000) blocks.
	storageCoeff     = 1.25
	minBlocksToStore = 5000

	// voteFutureWindow accepts votes up to this many blocks past the tip.
	voteFutureWindow = 20

	// scheduledLookahead is how far ahead IsScheduled looks for an already
	// elected payee.
	scheduledLookahead = 8

	// voteLeadBlocks is how far ahead of the tip the committee votes.
	voteLeadBlocks = 5

	paymentSyncTTL = time.Hour
)

// DosVoteAbuse punishes bad future-height vote signatures, out-of-bounds
// ranks and payment sync flooding.
const DosVoteAbuse = 20

// Options carries the consensus parameters of the engine.
type Options struct {
	// StartBlock is the height at which enode payments activate. Coinbases
	// below it always validate.
	StartBlock int

	// IsEnode marks a process running as an enode: it verifies ranks for
	// old votes too, since it must pick winners for future blocks.
	IsEnode bool
}

// Engine is the payment-vote store: it validates and aggregates inbound
// votes per height, produces our own votes when we sit in the committee, and
// validates coinbases against the settled payees.
type Engine struct {
	mtx sync.Mutex

	chain     chain.Chain
	netw      p2p.Net
	sync      *netsync.Sync
	sporks    *spork.Set
	reg       *registry.Registry
	fulfilled *p2p.FulfilledRequests
	logger    *logrus.Entry
	opts      Options

	votes    map[wire.Uint256]*wire.PaymentVote
	blocks   map[int]*BlockPayees
	lastVote map[wire.OutPoint]int

	active registry.ActiveView

	nowFn func() int64
}

// New constructs an empty engine.
func New(c chain.Chain, netw p2p.Net, sync *netsync.Sync, sporks *spork.Set, reg *registry.Registry, fulfilled *p2p.FulfilledRequests, logger *logrus.Entry, opts Options) *Engine {
	return &Engine{
		chain:     c,
		netw:      netw,
		sync:      sync,
		sporks:    sporks,
		reg:       reg,
		fulfilled: fulfilled,
		logger:    logger,
		opts:      opts,
		votes:     make(map[wire.Uint256]*wire.PaymentVote),
		blocks:    make(map[int]*BlockPayees),
		lastVote:  make(map[wire.OutPoint]int),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetActiveView installs the local activation facade used for producing our
// own votes.
func (p *Engine) SetActiveView(a registry.ActiveView) {
	p.mtx.Lock()
	p.active = a
	p.mtx.Unlock()
}

// MinPaymentProtocol returns the protocol floor for payment messages,
// depending on the pay-updated-nodes spork.
func (p *Engine) MinPaymentProtocol() int {
	if p.sporks.IsActive(spork.PayUpdatedNodes) {
		return wire.MinPaymentProtoVersion2
	}
	return wire.MinPaymentProtoVersion1
}

// StorageLimit is the number of payment blocks kept in memory.
func (p *Engine) StorageLimit() int {
	limit := int(float64(p.reg.Size()) * storageCoeff)
	if limit < minBlocksToStore {
		return minBlocksToStore
	}
	return limit
}

// IsScheduled reports whether the payee is already the best payee of any of
// the next scheduledLookahead blocks, skipping notBlockHeight. Keeps an
// already elected enode out of the queue while its votes propagate.
func (p *Engine) IsScheduled(payeeScript []byte, notBlockHeight int) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	tip := p.chain.TipHeight()
	for h := tip; h <= tip+scheduledLookahead; h++ {
		if h == notBlockHeight {
			continue
		}
		block, ok := p.blocks[h]
		if !ok {
			continue
		}
		if best, ok := block.BestPayee(); ok && bytes.Equal(best, payeeScript) {
			return true
		}
	}
	return false
}

// HasPayeeWithVotes reports whether the payee collected the required votes at
// the given height.
func (p *Engine) HasPayeeWithVotes(height int, payeeScript []byte, votesRequired int) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	block, ok := p.blocks[height]
	if !ok {
		return false
	}
	return block.HasPayeeWithVotes(payeeScript, votesRequired)
}

// CanVote remembers the last voted height of each voter; a second vote for
// that same height is discarded. Only the most recent height is kept.
func (p *Engine) CanVote(voter wire.OutPoint, blockHeight int) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if h, ok := p.lastVote[voter]; ok && h == blockHeight {
		return false
	}
	p.lastVote[voter] = blockHeight
	return true
}

// HasVerifiedPaymentVote reports whether a vote with this hash is stored
// with its signature intact.
func (p *Engine) HasVerifiedPaymentVote(hash wire.Uint256) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	vote, ok := p.votes[hash]
	return ok && vote.IsVerified()
}

// AddPaymentVote stores a verified vote and files it under its height.
func (p *Engine) AddPaymentVote(vote *wire.PaymentVote) bool {
	if _, ok := p.chain.BlockHashAt(vote.BlockHeight - 101); !ok {
		return false
	}
	if p.HasVerifiedPaymentVote(vote.Hash()) {
		return false
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.votes[vote.Hash()] = vote

	block, ok := p.blocks[vote.BlockHeight]
	if !ok {
		block = NewBlockPayees(vote.BlockHeight)
		p.blocks[vote.BlockHeight] = block
	}
	block.AddPayee(vote)
	return true
}

// GetVote retrieves a stored vote by hash, serving getdata requests.
func (p *Engine) GetVote(hash wire.Uint256) (*wire.PaymentVote, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	vote, ok := p.votes[hash]
	return vote, ok
}

// VoteCount returns the number of stored votes.
func (p *Engine) VoteCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.votes)
}

// BlockCount returns the number of heights with votes.
func (p *Engine) BlockCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.blocks)
}

// HandleVote runs the inbound vote pipeline. The returned dos weight is
// applied to the sending peer by the message pump.
func (p *Engine) HandleVote(from p2p.Peer, vote *wire.PaymentVote) (bool, int) {
	// ignore payment messages until the enode list is synced
	if !p.sync.IsEnodeListSynced() {
		return false, 0
	}

	if from != nil && from.ProtocolVersion() < p.MinPaymentProtocol() {
		return false, 0
	}

	hash := vote.Hash()
	tip := p.chain.TipHeight()

	p.mtx.Lock()
	if _, dup := p.votes[hash]; dup {
		p.mtx.Unlock()
		p.logger.WithField("hash", hash.String()).Debug("MNPAYMENTVOTE -- seen")
		return false, 0
	}
	// avoid processing the same vote twice: store it first, unverified, and
	// let the checks below upgrade it
	stored := *vote
	stored.MarkAsNotVerified()
	p.votes[hash] = &stored
	p.mtx.Unlock()

	firstBlock := tip - p.StorageLimit()
	if vote.BlockHeight < firstBlock || vote.BlockHeight > tip+voteFutureWindow {
		p.logger.WithFields(logrus.Fields{
			"first":  firstBlock,
			"height": vote.BlockHeight,
			"tip":    tip,
		}).Debug("MNPAYMENTVOTE -- vote out of range")
		return false, 0
	}

	voter := p.reg.GetInfo(vote.VoterOutpoint)
	if !voter.Valid {
		// some info is missing, we cannot check the vote; only ask if we
		// are already synced and still have no idea about that enode
		p.logger.WithField("enode", vote.VoterOutpoint.StringShort()).
			Debug("MNPAYMENTVOTE -- enode is missing")
		if p.sync.IsEnodeListSynced() {
			p.reg.AskForEnode(from, vote.VoterOutpoint)
		}
		return false, 0
	}

	if ok, dos := p.isVoteValid(voter, vote, tip); !ok {
		return false, dos
	}

	if !p.CanVote(vote.VoterOutpoint, vote.BlockHeight) {
		p.logger.WithField("enode", vote.VoterOutpoint.StringShort()).
			Debug("MNPAYMENTVOTE -- enode already voted")
		return false, 0
	}

	if err := keys.VerifyMessage(voter.EnodePub, vote.Sig, vote.SignedString()); err != nil {
		dos := 0
		// only ban for a future block vote when we are fully synced; the
		// voter's key may have rotated otherwise
		if p.sync.IsEnodeListSynced() && vote.BlockHeight > tip {
			dos = DosVoteAbuse
			p.logger.WithError(err).Warning("MNPAYMENTVOTE -- invalid signature")
		} else {
			p.logger.WithError(err).Debug("MNPAYMENTVOTE -- invalid signature")
		}
		// either our info or the vote is outdated; ask for an update and
		// quit
		p.reg.AskForEnode(from, vote.VoterOutpoint)
		return false, dos
	}

	p.logger.WithFields(logrus.Fields{
		"payee":  wire.ScriptHex(vote.PayeeScript),
		"height": vote.BlockHeight,
		"voter":  vote.VoterOutpoint.StringShort(),
	}).Debug("MNPAYMENTVOTE -- new vote")

	if p.AddPaymentVote(vote) {
		p.RelayVote(vote)
		p.sync.AddedPaymentVote()
		return true, 0
	}
	return false, 0
}

// isVoteValid applies the rank gate: the voter must sit in the committee at
// blockHeight-101. Ranks twice out of bounds on future votes are penalized.
func (p *Engine) isVoteValid(voter enode.Info, vote *wire.PaymentVote, tip int) (bool, int) {
	minProtocol := p.MinPaymentProtocol()
	if vote.BlockHeight < tip {
		// allow non-updated enodes for old blocks
		minProtocol = wire.MinPaymentProtoVersion1
	}

	if voter.ProtocolVersion < minProtocol {
		p.logger.WithFields(logrus.Fields{
			"version": voter.ProtocolVersion,
			"minimum": minProtocol,
		}).Debug("MNPAYMENTVOTE -- enode protocol is too old")
		return false, 0
	}

	// only enodes check ranks for old votes; regular clients verify future
	// block votes only
	if !p.opts.IsEnode && vote.BlockHeight < tip {
		return true, 0
	}

	rank := p.reg.GetRank(vote.VoterOutpoint, vote.BlockHeight-101, minProtocol, false)
	if rank == -1 {
		p.logger.WithField("enode", vote.VoterOutpoint.StringShort()).
			Debug("MNPAYMENTVOTE -- can't calculate rank")
		return false, 0
	}
	if rank > SignaturesTotal {
		// it's common for an enode to mistakenly think it is in the top 10
		dos := 0
		if rank > SignaturesTotal*2 && vote.BlockHeight > tip {
			dos = DosVoteAbuse
			p.logger.WithFields(logrus.Fields{
				"enode": vote.VoterOutpoint.StringShort(),
				"rank":  rank,
			}).Warning("MNPAYMENTVOTE -- enode is way out of the top ranks")
		}
		return false, dos
	}
	return true, 0
}

// RelayVote announces a vote, but only once the winners list is synced.
func (p *Engine) RelayVote(vote *wire.PaymentVote) {
	if !p.sync.IsWinnersListSynced() {
		p.logger.Debug("RelayVote -- winners list not synced, not relaying")
		return
	}
	p.netw.RelayInv(wire.Inv{Type: wire.InvTypePaymentVote, Hash: vote.Hash()})
}

// GetBlockPayee returns the settled payee of a height, if any.
func (p *Engine) GetBlockPayee(height int) ([]byte, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	block, ok := p.blocks[height]
	if !ok {
		return nil, false
	}
	return block.BestPayee()
}

// IsCoinbaseValid checks a coinbase's outputs against the votes stored for
// the height. Missing data accepts (longest chain rule).
func (p *Engine) IsCoinbaseValid(outs []chain.TxOut, height int) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	block, ok := p.blocks[height]
	if !ok {
		return true
	}
	return block.IsCoinbaseValid(outs)
}

// IsBlockPayeeValid is the consensus entry point: below the payments start
// height or before sync everything is accepted; an invalid payee is fatal
// only under the enforcement spork.
func (p *Engine) IsBlockPayeeValid(outs []chain.TxOut, height int) bool {
	if height < p.opts.StartBlock {
		return true
	}
	if !p.sync.IsSynced() {
		// there is no vote data to check anything against
		p.logger.Debug("IsBlockPayeeValid -- not synced, skipping payee checks")
		return true
	}

	if p.IsCoinbaseValid(outs, height) {
		return true
	}

	if p.sporks.IsActive(spork.PaymentEnforcement) {
		return false
	}
	p.logger.WithField("height", height).Warning("IsBlockPayeeValid -- enforcement is disabled, accepting block")
	return true
}

// IsBlockValueValid bounds the coinbase value by the block reward. With the
// superblock spork active the reward-only bound still applies; superblock
// payments themselves stay disabled.
func (p *Engine) IsBlockValueValid(outs []chain.TxOut, height int, blockReward int64) (bool, string) {
	var valueOut int64
	for _, out := range outs {
		valueOut += out.Value
	}
	rewardMet := valueOut <= blockReward

	if !p.sync.IsSynced() {
		if !rewardMet {
			return false, "coinbase pays too much, only regular blocks are allowed at this height"
		}
		return true, ""
	}

	if !p.sporks.IsActive(spork.Superblocks) {
		p.logger.Debug("IsBlockValueValid -- superblocks are disabled, no superblocks allowed")
		if !rewardMet {
			return false, "coinbase pays too much, superblocks are disabled"
		}
	}

	return rewardMet, ""
}

// FillBlockPayee computes the coinbase output owed to the elected enode at
// the given height, for the local block producer. Falls back to the locally
// computed winner when no settled votes exist.
func (p *Engine) FillBlockPayee(height int, payment int64) (chain.TxOut, bool) {
	payee, found := p.GetBlockPayee(height)
	if !found {
		// no winner detected, compute it on our own and hope for the best
		info, _ := p.reg.NextInQueue(height, true)
		if !info.Valid {
			p.logger.Error("FillBlockPayee -- failed to detect enode to pay")
			return chain.TxOut{}, false
		}
		var err error
		payee, err = wire.PayToPubKeyHash(info.CollateralPub)
		if err != nil {
			return chain.TxOut{}, false
		}
	}

	out := chain.TxOut{Value: payment, Script: payee}
	p.logger.WithFields(logrus.Fields{
		"height":  height,
		"payment": payment,
		"payee":   wire.ScriptHex(payee),
		"voted":   found,
	}).Info("FillBlockPayee -- enode payment")
	return out, true
}

// ProcessBlock produces and gossips our own vote for the given height when
// we sit in the committee.
func (p *Engine) ProcessBlock(blockHeight int) bool {
	if p.active == nil || !p.active.IsEnode() {
		return false
	}

	// without a synced winners list we have little chance to pick the right
	// payee, but without a synced enode list we have none at all
	if !p.sync.IsEnodeListSynced() {
		return false
	}

	self := p.active.Outpoint()
	rank := p.reg.GetRank(self, blockHeight-101, p.MinPaymentProtocol(), false)
	if rank == -1 {
		p.logger.Debug("ProcessBlock -- unknown enode")
		return false
	}
	if rank > SignaturesTotal {
		p.logger.WithField("rank", rank).Debug("ProcessBlock -- not in the committee")
		return false
	}

	// pay the oldest enode whose collateral is old enough and which was
	// active long enough
	p.logger.WithFields(logrus.Fields{
		"height": blockHeight,
		"enode":  self.StringShort(),
	}).Info("ProcessBlock -- start")

	info, _ := p.reg.NextInQueue(blockHeight, true)
	if !info.Valid {
		p.logger.Error("ProcessBlock -- failed to find enode to pay")
		return false
	}

	payee, err := wire.PayToPubKeyHash(info.CollateralPub)
	if err != nil {
		return false
	}

	vote := &wire.PaymentVote{
		VoterOutpoint: self,
		BlockHeight:   blockHeight,
		PayeeScript:   payee,
	}

	sig, err := keys.SignMessage(vote.SignedString(), p.active.EnodePrivKey())
	if err != nil {
		p.logger.WithError(err).Error("ProcessBlock -- failed to sign vote")
		return false
	}
	vote.Sig = sig

	p.logger.WithFields(logrus.Fields{
		"winner": info.Outpoint.StringShort(),
		"height": blockHeight,
	}).Info("ProcessBlock -- voting")

	if p.AddPaymentVote(vote) {
		p.RelayVote(vote)
		return true
	}
	return false
}

// UpdatedBlockTip fans a new tip into the engine: vote for tip+voteLeadBlocks.
func (p *Engine) UpdatedBlockTip(height int) {
	p.ProcessBlock(height + voteLeadBlocks)
}
