package election

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/wire"
)

// NewEnodeWaitSeconds is how long a fresh announce waits per known enode
// before qualifying for payment. One full rotation at the target block
// spacing.
const NewEnodeWaitSeconds = 156

// Ranked pairs an enode with its election rank.
type Ranked struct {
	Rank  int
	Enode *enode.Enode
}

// Ranks orders enabled enodes by descending compact score at the given block
// hash, ties broken lexicographically by outpoint. Insertion order of the
// snapshot never affects the result.
func Ranks(enodes []*enode.Enode, blockHash wire.Uint256, minProtocol int) []Ranked {
	type scored struct {
		score int64
		e     *enode.Enode
	}
	vec := make([]scored, 0, len(enodes))
	for _, e := range enodes {
		if e.ProtocolVersion < minProtocol || !e.IsEnabled() {
			continue
		}
		vec = append(vec, scored{CompactScore(Score(e.Outpoint, blockHash)), e})
	}

	sort.Slice(vec, func(i, j int) bool {
		if vec[i].score != vec[j].score {
			return vec[i].score > vec[j].score
		}
		return vec[i].e.Outpoint.Less(vec[j].e.Outpoint)
	})

	ranks := make([]Ranked, len(vec))
	for i, s := range vec {
		ranks[i] = Ranked{Rank: i + 1, Enode: s.e}
	}
	return ranks
}

// Rank returns the 1-based rank of the outpoint at the given block hash, or
// -1 when the enode is unknown or not eligible. With onlyActive false the
// eligibility check relaxes from enabled to valid-for-payment.
func Rank(enodes []*enode.Enode, op wire.OutPoint, blockHash wire.Uint256, minProtocol int, onlyActive bool) int {
	type scored struct {
		score int64
		e     *enode.Enode
	}
	vec := make([]scored, 0, len(enodes))
	for _, e := range enodes {
		if e.ProtocolVersion < minProtocol {
			continue
		}
		if onlyActive {
			if !e.IsEnabled() {
				continue
			}
		} else if !e.IsValidForPayment() {
			continue
		}
		vec = append(vec, scored{CompactScore(Score(e.Outpoint, blockHash)), e})
	}

	sort.Slice(vec, func(i, j int) bool {
		if vec[i].score != vec[j].score {
			return vec[i].score > vec[j].score
		}
		return vec[i].e.Outpoint.Less(vec[j].e.Outpoint)
	})

	for i, s := range vec {
		if s.e.Outpoint == op {
			return i + 1
		}
	}
	return -1
}

// ByRank returns the enode holding the given rank, or nil.
func ByRank(enodes []*enode.Enode, rank int, blockHash wire.Uint256, minProtocol int) *enode.Enode {
	for _, r := range Ranks(enodes, blockHash, minProtocol) {
		if r.Rank == rank {
			return r.Enode
		}
	}
	return nil
}

// QueueEnv carries the context of a payment-queue selection.
type QueueEnv struct {
	// BlockHeight is the height being elected for.
	BlockHeight int

	// ScoreHash is the hash of block BlockHeight-101.
	ScoreHash wire.Uint256

	// Now is the current adjusted time.
	Now int64

	// EnabledCount is the number of enabled enodes in the registry.
	EnabledCount int

	// MinPaymentProtocol is the minimum protocol version for payments.
	MinPaymentProtocol int

	// IsScheduled reports whether the enode is already elected within the
	// next 8 blocks.
	IsScheduled func(e *enode.Enode) bool

	// CollateralAge returns the collateral's age in blocks, or -1 when
	// unknown.
	CollateralAge func(e *enode.Enode) int
}

// notQualifyReason returns a human-readable reason why the enode cannot be
// paid at this height, or "" when it qualifies.
func notQualifyReason(e *enode.Enode, env QueueEnv, filterSigTime bool) string {
	if !e.IsValidForPayment() {
		return "not valid for payment"
	}
	if e.ProtocolVersion < env.MinPaymentProtocol {
		return fmt.Sprintf("invalid protocol version %d", e.ProtocolVersion)
	}
	// already elected up to 8 blocks ahead, let votes propagate
	if env.IsScheduled != nil && env.IsScheduled(e) {
		return "is scheduled"
	}
	// too new, wait for a full rotation
	if filterSigTime && e.SigTime+int64(env.EnabledCount)*NewEnodeWaitSeconds > env.Now {
		return "too new"
	}
	// the collateral needs at least as many confirmations as there are
	// enodes
	if env.CollateralAge != nil && env.CollateralAge(e) < env.EnabledCount {
		return "collateral too young"
	}
	return ""
}

// NextInQueue deterministically selects the enode owed the next payment: sort
// the qualified records by last paid block, take the oldest tenth of the
// network (extended by every record sharing the last taken one's paid block),
// and inside that cohort pick the maximum score at ScoreHash. The second
// return is the number of qualified records.
//
// When filterSigTime removes more than two thirds of the enabled set, the
// selection reruns once without it, so a network-wide restart does not stall
// the election.
func NextInQueue(enodes []*enode.Enode, filterSigTime bool, env QueueEnv) (*enode.Enode, int) {
	type lastPaid struct {
		block int
		e     *enode.Enode
	}
	vec := make([]lastPaid, 0, len(enodes))
	for _, e := range enodes {
		if reason := notQualifyReason(e, env, filterSigTime); reason != "" {
			continue
		}
		vec = append(vec, lastPaid{e.BlockLastPaid, e})
	}
	count := len(vec)

	if filterSigTime && count*3 < env.EnabledCount {
		return NextInQueue(enodes, false, env)
	}

	sort.Slice(vec, func(i, j int) bool {
		if vec[i].block != vec[j].block {
			return vec[i].block < vec[j].block
		}
		return vec[i].e.Outpoint.Less(vec[j].e.Outpoint)
	})

	tenth := env.EnabledCount / 10
	var best *enode.Enode
	highest := new(uint256.Int)
	for i, lp := range vec {
		score := Score(lp.e.Outpoint, env.ScoreHash)
		if score.Gt(highest) {
			highest = score
			best = lp.e
		}
		// records tied with the last one taken are just as old
		if i+1 >= tenth && (i+1 == len(vec) || vec[i+1].block != lp.block) {
			break
		}
	}
	return best, count
}
