package election

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/wire"
)

func sha256d(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// referenceScore recomputes the score with math/big, independently of the
// uint256 implementation under test.
func referenceScore(op wire.OutPoint, blockHash wire.Uint256) *big.Int {
	le := func(b []byte) *big.Int {
		be := make([]byte, len(b))
		for i, v := range b {
			be[len(b)-1-i] = v
		}
		return new(big.Int).SetBytes(be)
	}

	mod := new(big.Int).Lsh(big.NewInt(1), 256)

	aux := le(op.Hash[:])
	aux.Add(aux, big.NewInt(int64(op.N)))
	aux.Mod(aux, mod)

	auxLE := make([]byte, 32)
	for i, v := range aux.FillBytes(make([]byte, 32)) {
		auxLE[31-i] = v
	}

	h2 := le(sha256d(blockHash[:]))
	h3 := le(sha256d(append(append([]byte{}, blockHash[:]...), auxLE...)))

	diff := new(big.Int).Sub(h3, h2)
	return diff.Abs(diff)
}

func outpoint(b byte, n uint32) wire.OutPoint {
	var h wire.Uint256
	for i := range h {
		h[i] = b
	}
	return wire.OutPoint{Hash: h, N: n}
}

func TestScoreMatchesReference(t *testing.T) {
	var blockHash wire.Uint256
	copy(blockHash[:], sha256d([]byte("block-109")))

	for _, op := range []wire.OutPoint{
		outpoint(0x11, 0),
		outpoint(0x22, 0),
		outpoint(0xff, 7),
		outpoint(0x00, 0),
	} {
		got := Score(op, blockHash)
		want := referenceScore(op, blockHash)
		if got.ToBig().Cmp(want) != 0 {
			t.Fatalf("score mismatch for %s: got %s, want %s", op.StringShort(), got, want)
		}
	}
}

func TestScoreDeterministicUnderReserialization(t *testing.T) {
	var blockHash wire.Uint256
	blockHash[0] = 0xaa

	op := outpoint(0x11, 0)
	s1 := Score(op, blockHash)

	// rebuild the outpoint from its serialized parts
	rebuilt, err := wire.Uint256FromHex(op.Hash.String())
	if err != nil {
		t.Fatal(err)
	}
	s2 := Score(wire.OutPoint{Hash: rebuilt, N: 0}, blockHash)

	if s1.Cmp(s2) != 0 {
		t.Fatal("score should be invariant under outpoint re-serialization")
	}
}

func newEnabledEnode(op wire.OutPoint, lastPaid int) *enode.Enode {
	return &enode.Enode{
		Outpoint:        op,
		State:           enode.StateEnabled,
		ProtocolVersion: wire.ProtocolVersion,
		BlockLastPaid:   lastPaid,
	}
}

// Two enodes with identical last paid block: the queue must pick the one
// with the larger score at the election block hash, and the result must be
// a pure function of the snapshot.
func TestNextInQueueDeterministic(t *testing.T) {
	var scoreHash wire.Uint256
	copy(scoreHash[:], sha256d([]byte("hash-at-109")))

	a := newEnabledEnode(outpoint(0x11, 0), 100)
	b := newEnabledEnode(outpoint(0x22, 0), 100)

	env := QueueEnv{
		BlockHeight:        210,
		ScoreHash:          scoreHash,
		Now:                1,
		EnabledCount:       2,
		MinPaymentProtocol: wire.MinPaymentProtoVersion1,
	}

	best, count := NextInQueue([]*enode.Enode{a, b}, true, env)
	if count != 2 {
		t.Fatalf("both enodes should qualify, got %d", count)
	}

	wantBest := a
	if Score(b.Outpoint, scoreHash).Gt(Score(a.Outpoint, scoreHash)) {
		wantBest = b
	}
	if best != wantBest {
		t.Fatalf("queue picked %s, want %s", best.Outpoint.StringShort(), wantBest.Outpoint.StringShort())
	}

	// insertion order must not change the result
	best2, _ := NextInQueue([]*enode.Enode{b, a}, true, env)
	if best2.Outpoint != best.Outpoint {
		t.Fatal("queue result depends on insertion order")
	}
}

func TestNextInQueueFiltersAndRetries(t *testing.T) {
	var scoreHash wire.Uint256
	scoreHash[5] = 0x55

	// all enodes are too new: the sig-time filter removes everyone, the
	// selection must retry with the filter off
	now := int64(1000000)
	var snapshot []*enode.Enode
	for i := byte(1); i <= 3; i++ {
		e := newEnabledEnode(outpoint(i, 0), 0)
		e.SigTime = now
		snapshot = append(snapshot, e)
	}

	env := QueueEnv{
		BlockHeight:        210,
		ScoreHash:          scoreHash,
		Now:                now,
		EnabledCount:       3,
		MinPaymentProtocol: wire.MinPaymentProtoVersion1,
	}

	best, count := NextInQueue(snapshot, true, env)
	if best == nil {
		t.Fatal("retry without the sig-time filter should select a winner")
	}
	if count != 3 {
		t.Fatalf("all enodes should qualify after the retry, got %d", count)
	}
}

func TestNextInQueuePrefersOldestPaid(t *testing.T) {
	var scoreHash wire.Uint256
	scoreHash[9] = 0x99

	// 30 enodes: the cohort is the oldest tenth (3 by last paid block)
	var snapshot []*enode.Enode
	for i := 0; i < 30; i++ {
		snapshot = append(snapshot, newEnabledEnode(outpoint(byte(i+1), 0), 100+i))
	}

	env := QueueEnv{
		BlockHeight:        210,
		ScoreHash:          scoreHash,
		Now:                1,
		EnabledCount:       30,
		MinPaymentProtocol: wire.MinPaymentProtoVersion1,
	}

	best, _ := NextInQueue(snapshot, true, env)
	if best == nil {
		t.Fatal("expected a winner")
	}
	if best.BlockLastPaid > 102 {
		t.Fatalf("winner must come from the oldest tenth, got last paid %d", best.BlockLastPaid)
	}
}

func TestRankGating(t *testing.T) {
	var blockHash wire.Uint256
	blockHash[1] = 0x42

	var snapshot []*enode.Enode
	for i := 0; i < 5; i++ {
		snapshot = append(snapshot, newEnabledEnode(outpoint(byte(i+1), 0), 0))
	}

	seen := make(map[int]bool)
	for _, e := range snapshot {
		rank := Rank(snapshot, e.Outpoint, blockHash, wire.MinPaymentProtoVersion1, true)
		if rank < 1 || rank > 5 {
			t.Fatalf("rank out of bounds: %d", rank)
		}
		if seen[rank] {
			t.Fatalf("duplicate rank %d", rank)
		}
		seen[rank] = true
	}

	// an unknown outpoint has no rank
	if rank := Rank(snapshot, outpoint(0xee, 0), blockHash, wire.MinPaymentProtoVersion1, true); rank != -1 {
		t.Fatalf("unknown outpoint should rank -1, got %d", rank)
	}

	// a disabled enode has no rank
	snapshot[0].State = enode.StateExpired
	if rank := Rank(snapshot, snapshot[0].Outpoint, blockHash, wire.MinPaymentProtoVersion1, true); rank != -1 {
		t.Fatalf("disabled enode should rank -1, got %d", rank)
	}
}
