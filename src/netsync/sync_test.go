package netsync

import (
	"fmt"
	"testing"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/common"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

type countingRequester struct {
	sporks int
	lists  int
	votes  int
}

func (r *countingRequester) RequestSporks(p p2p.Peer) bool {
	r.sporks++
	return true
}

func (r *countingRequester) RequestEnodeList(p p2p.Peer) bool {
	r.lists++
	return true
}

func (r *countingRequester) RequestPaymentSync(p p2p.Peer) bool {
	r.votes++
	return true
}

func newTestSync(t *testing.T, c *chain.FakeChain) *Sync {
	return New(c, common.NewTestLogger(t).WithField("prefix", "netsync"))
}

func threePeerNet() *p2p.InmemNet {
	netw := p2p.NewInmemNet()
	for i := 1; i <= 3; i++ {
		netw.AddPeer(p2p.NewInmemPeer(fmt.Sprintf("1.1.1.%d:20202", i), wire.ProtocolVersion))
	}
	return netw
}

func TestSyncWaitsForBlockchain(t *testing.T) {
	c := chain.NewFakeChain(100)
	c.SetSynced(false)
	s := newTestSync(t, c)

	s.ProcessTick(threePeerNet(), &countingRequester{})
	if s.Asset() != AssetInitial {
		t.Fatalf("sync should wait for the blockchain, got asset %s", s.AssetName())
	}
}

func TestSyncProgression(t *testing.T) {
	c := chain.NewFakeChain(100)
	s := newTestSync(t, c)
	netw := threePeerNet()
	req := &countingRequester{}

	// first tick: Initial -> Sporks; three spork asks complete the stage
	s.ProcessTick(netw, req)
	if s.Asset() != AssetList {
		t.Fatalf("spork stage should complete after asking enough peers, got %s", s.AssetName())
	}
	if req.sporks != 3 {
		t.Fatalf("all three peers should be asked for sporks, got %d", req.sporks)
	}

	// next tick asks for the list
	s.ProcessTick(netw, req)
	if req.lists != 3 {
		t.Fatalf("all three peers should be asked for the list, got %d", req.lists)
	}
	if s.Asset() != AssetList {
		t.Fatalf("list stage should wait for replies, got %s", s.AssetName())
	}

	// three closing counts advance to winners
	var peers []p2p.Peer
	netw.ForEachPeer(func(p p2p.Peer) { peers = append(peers, p) })
	for _, p := range peers {
		s.HandleSyncStatusCount(p, AssetList, 5)
	}
	if s.Asset() != AssetWinners {
		t.Fatalf("enough list replies should advance to winners, got %s", s.AssetName())
	}
	if !s.IsEnodeListSynced() {
		t.Fatal("the list should count as synced")
	}

	s.ProcessTick(netw, req)
	if req.votes != 3 {
		t.Fatalf("all three peers should be asked for payment votes, got %d", req.votes)
	}
	for _, p := range peers {
		s.HandleSyncStatusCount(p, AssetWinners, 5)
	}
	if !s.IsSynced() {
		t.Fatalf("sync should be finished, got %s", s.AssetName())
	}
}

func TestSyncIgnoresCountsForOtherAssets(t *testing.T) {
	c := chain.NewFakeChain(100)
	s := newTestSync(t, c)
	netw := threePeerNet()
	s.ProcessTick(netw, &countingRequester{})

	// counts for a stage we are not in do not advance anything
	var peers []p2p.Peer
	netw.ForEachPeer(func(p p2p.Peer) { peers = append(peers, p) })
	for _, p := range peers {
		s.HandleSyncStatusCount(p, AssetWinners, 5)
	}
	if s.Asset() != AssetList {
		t.Fatalf("counts for the wrong asset should be ignored, got %s", s.AssetName())
	}
}

func TestSyncTimeoutEscalatesToFailure(t *testing.T) {
	c := chain.NewFakeChain(100)
	s := newTestSync(t, c)
	netw := threePeerNet()
	req := &countingRequester{}

	now := int64(1000000)
	s.nowFn = func() int64 { return now }
	s.Reset()

	s.ProcessTick(netw, req) // -> List

	for i := 0; i < MaxFailures; i++ {
		now += TimeoutSeconds + 1
		s.ProcessTick(netw, req)
	}

	if !s.IsFailed() {
		t.Fatalf("repeated timeouts should fail the sync, got %s", s.AssetName())
	}

	// Failed is terminal until Reset
	s.ProcessTick(netw, req)
	if !s.IsFailed() {
		t.Fatal("Failed should be terminal")
	}

	s.Reset()
	if s.IsFailed() || s.Asset() != AssetInitial {
		t.Fatal("Reset should restart the machine")
	}
}

func TestSyncTimeoutWithPartialRepliesMovesOn(t *testing.T) {
	c := chain.NewFakeChain(100)
	s := newTestSync(t, c)
	netw := threePeerNet()
	req := &countingRequester{}

	now := int64(1000000)
	s.nowFn = func() int64 { return now }
	s.Reset()

	s.ProcessTick(netw, req) // -> List

	var one p2p.Peer
	netw.ForEachPeer(func(p p2p.Peer) {
		if one == nil {
			one = p
		}
	})
	s.HandleSyncStatusCount(one, AssetList, 5)

	now += TimeoutSeconds + 1
	s.ProcessTick(netw, req)

	if s.Asset() != AssetWinners {
		t.Fatalf("partial data should advance the stage on timeout, got %s", s.AssetName())
	}
}
