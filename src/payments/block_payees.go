package payments

import (
	"bytes"
	"strconv"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/wire"
)

// Number of voter signatures that settle a block's payee, and the size of the
// voting committee.
const (
	SignaturesRequired = 6
	SignaturesTotal    = 10
)

// Payee accumulates the votes naming one payee script for a block.
type Payee struct {
	Script     []byte
	VoteHashes []wire.Uint256
}

// VoteCount returns the number of votes collected for this payee.
func (p *Payee) VoteCount() int {
	return len(p.VoteHashes)
}

// BlockPayees tracks the payees voted for one block height. Payees are kept
// in insertion order, which is the tiebreak for equal vote counts.
type BlockPayees struct {
	BlockHeight int
	Payees      []*Payee
}

// NewBlockPayees returns an empty vote set for a height.
func NewBlockPayees(height int) *BlockPayees {
	return &BlockPayees{BlockHeight: height}
}

// AddPayee files a vote under its payee script.
func (b *BlockPayees) AddPayee(vote *wire.PaymentVote) {
	for _, p := range b.Payees {
		if bytes.Equal(p.Script, vote.PayeeScript) {
			p.VoteHashes = append(p.VoteHashes, vote.Hash())
			return
		}
	}
	b.Payees = append(b.Payees, &Payee{
		Script:     append([]byte(nil), vote.PayeeScript...),
		VoteHashes: []wire.Uint256{vote.Hash()},
	})
}

// BestPayee returns the payee with the most votes. Ties keep the earliest
// insertion.
func (b *BlockPayees) BestPayee() ([]byte, bool) {
	var best []byte
	votes := -1
	for _, p := range b.Payees {
		if p.VoteCount() > votes {
			best = p.Script
			votes = p.VoteCount()
		}
	}
	return best, votes > -1
}

// MaxVotes returns the highest vote count among the payees.
func (b *BlockPayees) MaxVotes() int {
	max := 0
	for _, p := range b.Payees {
		if p.VoteCount() > max {
			max = p.VoteCount()
		}
	}
	return max
}

// HasPayeeWithVotes reports whether the script collected at least the
// required votes.
func (b *BlockPayees) HasPayeeWithVotes(script []byte, votesRequired int) bool {
	for _, p := range b.Payees {
		if p.VoteCount() >= votesRequired && bytes.Equal(p.Script, script) {
			return true
		}
	}
	return false
}

// TotalVotes sums the votes across all payees.
func (b *BlockPayees) TotalVotes() int {
	total := 0
	for _, p := range b.Payees {
		total += p.VoteCount()
	}
	return total
}

// IsCoinbaseValid checks a coinbase against the settled payees: when any
// payee holds the required signatures, one of the settled payees must appear
// as an output with the exact enode payment. With no clear winner the
// longest chain rules.
func (b *BlockPayees) IsCoinbaseValid(outs []chain.TxOut) bool {
	if b.MaxVotes() < SignaturesRequired {
		return true
	}

	var totalValue int64
	for _, out := range outs {
		totalValue += out.Value
	}
	payment := chain.EnodePayment(b.BlockHeight, totalValue)

	hasValidPayee := false
	for _, p := range b.Payees {
		if p.VoteCount() < SignaturesRequired {
			continue
		}
		hasValidPayee = true
		for _, out := range outs {
			if bytes.Equal(p.Script, out.Script) && out.Value == payment {
				return true
			}
		}
	}
	return !hasValidPayee
}

// RequiredPaymentsString renders "script:votes" pairs for the status
// service.
func (b *BlockPayees) RequiredPaymentsString() string {
	required := "Unknown"
	for _, p := range b.Payees {
		entry := wire.ScriptHex(p.Script) + ":" + strconv.Itoa(p.VoteCount())
		if required == "Unknown" {
			required = entry
		} else {
			required += ", " + entry
		}
	}
	return required
}
