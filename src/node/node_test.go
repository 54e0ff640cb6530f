package node

import (
	"testing"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/config"
	"github.com/enodenetwork/enoded/src/crypto"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/spork"
	"github.com/enodenetwork/enoded/src/wallet"
	"github.com/enodenetwork/enoded/src/wire"
)

type testStack struct {
	chain *chain.FakeChain
	net   *p2p.InmemNet
	node  *Node
}

func newTestStack(t *testing.T) *testStack {
	conf := config.NewTestConfig(t)
	conf.Network = "testnet"
	conf.MinConfirmations = 1

	c := chain.NewFakeChain(200)
	netw := p2p.NewInmemNet()
	w := wallet.NewFakeWallet()

	services := NewServices(conf, c, netw, w, nil)
	return &testStack{
		chain: c,
		net:   netw,
		node:  NewNode(conf, services),
	}
}

func signedAnnounce(t *testing.T, c *chain.FakeChain, seed byte, now int64) *wire.Announce {
	colKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	enodeKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	var h wire.Uint256
	copy(h[:], crypto.SHA256D([]byte{seed}))
	op := wire.OutPoint{Hash: h, N: 0}

	script, err := wire.PayToPubKeyHash(colKey.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatal(err)
	}
	c.AddUTXO(op, chain.UTXO{Value: chain.CollateralAmount, Script: script, Height: 10})
	c.SetBlockTime(10, now-100000)

	blockHash, _ := c.BlockHashAt(c.TipHeight() - 12)
	ping := wire.Ping{Outpoint: op, BlockHash: blockHash, SigTime: now - 60}
	pingSig, err := keys.SignMessage(ping.SignedString(), enodeKey)
	if err != nil {
		t.Fatal(err)
	}
	ping.Sig = pingSig

	ann := &wire.Announce{
		Outpoint:        op,
		Addr:            "8.8.8.8:20202",
		CollateralPub:   colKey.PubKey().SerializeCompressed(),
		EnodePub:        enodeKey.PubKey().SerializeCompressed(),
		SigTime:         now - 2*3600,
		ProtocolVersion: wire.ProtocolVersion,
		LastPing:        ping,
	}
	sig, err := keys.SignMessage(ann.SignedString(), colKey)
	if err != nil {
		t.Fatal(err)
	}
	ann.Sig = sig
	return ann
}

func TestHandleEnvelopeAnnounce(t *testing.T) {
	stack := newTestStack(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	ann := signedAnnounce(t, stack.chain, 1, 1700000000)
	env, err := p2p.NewEnvelope(wire.CmdAnnounce, ann)
	if err != nil {
		t.Fatal(err)
	}

	if err := stack.node.HandleEnvelope(peer, env); err != nil {
		t.Fatal(err)
	}

	if !stack.node.Services().Registry.Has(ann.Outpoint) {
		t.Fatal("a valid announce should land in the registry")
	}
	if stack.net.BanScore[peer.Addr()] != 0 {
		t.Fatalf("a valid announce should not score, got %d", stack.net.BanScore[peer.Addr()])
	}
}

func TestHandleEnvelopeGarbagePayload(t *testing.T) {
	stack := newTestStack(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	env := p2p.Envelope{Command: wire.CmdAnnounce, Payload: []byte{0xc1, 0xff}}
	if err := stack.node.HandleEnvelope(peer, env); err == nil {
		t.Fatal("garbage payload should error")
	}
	if stack.net.BanScore[peer.Addr()] == 0 {
		t.Fatal("garbage payload should score the peer")
	}
}

func TestHandleEnvelopeSpork(t *testing.T) {
	stack := newTestStack(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	env, err := p2p.NewEnvelope(wire.CmdSpork, &wire.Spork{ID: int(spork.PaymentEnforcement), Active: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := stack.node.HandleEnvelope(peer, env); err != nil {
		t.Fatal(err)
	}
	if !stack.node.Services().Sporks.IsActive(spork.PaymentEnforcement) {
		t.Fatal("the spork should be active")
	}
}

func TestHandleEnvelopeSyncStatusCount(t *testing.T) {
	stack := newTestStack(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	sy := stack.node.Services().Sync
	sy.SwitchToNextAsset() // Sporks
	sy.SwitchToNextAsset() // List

	for i := 0; i < netsync.EnoughPeers; i++ {
		env, err := p2p.NewEnvelope(wire.CmdSyncStatusCount, &wire.SyncStatusCount{
			Asset: netsync.AssetList,
			Count: 4,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := stack.node.HandleEnvelope(peer, env); err != nil {
			t.Fatal(err)
		}
	}

	if !sy.IsEnodeListSynced() {
		t.Fatal("enough closing counts should complete the list stage")
	}
}

func TestRequesterRoundTrip(t *testing.T) {
	stack := newTestStack(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)
	stack.net.AddPeer(peer)

	if !stack.node.RequestSporks(peer) {
		t.Fatal("spork request should go out")
	}
	if !stack.node.RequestEnodeList(peer) {
		t.Fatal("list request should go out")
	}
	if !stack.node.RequestPaymentSync(peer) {
		t.Fatal("payment sync request should go out")
	}
	if peer.SentCount() != 3 {
		t.Fatalf("three requests should be recorded, got %d", peer.SentCount())
	}
}
