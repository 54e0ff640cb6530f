package active

import (
	"testing"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/common"
	"github.com/enodenetwork/enoded/src/crypto"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/registry"
	"github.com/enodenetwork/enoded/src/wallet"
	"github.com/enodenetwork/enoded/src/wire"
)

const testService = "8.8.8.7:20202"

type testEnv struct {
	chain  *chain.FakeChain
	net    *p2p.InmemNet
	sync   *netsync.Sync
	reg    *registry.Registry
	wallet *wallet.FakeWallet
	mgr    *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	logger := common.NewTestLogger(t).WithField("prefix", "active")
	c := chain.NewFakeChain(200)
	netw := p2p.NewInmemNet()
	sy := netsync.New(c, logger)

	reg := registry.New(c, netw, sy, p2p.NewFulfilledRequests(), logger, registry.Options{
		MainnetPort:      10101,
		MinConfirmations: 1,
	})

	w := wallet.NewFakeWallet()
	w.SetBalance(2000 * chain.Coin)

	enodeKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	mgr := New(c, netw, reg, sy, w, enodeKey, logger, Options{
		IsEnode:          true,
		Listen:           true,
		ExternalAddr:     testService,
		MainnetPort:      10101,
		MinConfirmations: 1,
	})
	reg.SetActiveView(mgr)

	// the probe connection to our own address has to succeed
	netw.AddPeer(p2p.NewInmemPeer(testService, wire.ProtocolVersion))

	return &testEnv{chain: c, net: netw, sync: sy, reg: reg, wallet: w, mgr: mgr}
}

func (env *testEnv) fundCollateral(t *testing.T) wire.OutPoint {
	colKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	var h wire.Uint256
	copy(h[:], crypto.SHA256D([]byte("collateral")))
	op := wire.OutPoint{Hash: h, N: 0}

	script, err := wire.PayToPubKeyHash(colKey.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatal(err)
	}
	env.chain.AddUTXO(op, chain.UTXO{Value: chain.CollateralAmount, Script: script, Height: 10})

	env.wallet.SetCollateral(wallet.Collateral{
		Outpoint: op,
		PubKey:   colKey.PubKey().SerializeCompressed(),
		PrivKey:  colKey,
	})
	return op
}

// Scenario: blockchain not synced -> SYNC_IN_PROCESS; once synced with a
// funded wallet the manager goes local, builds an announcement, inserts it,
// gossips, and reaches STARTED.
func TestLocalActivation(t *testing.T) {
	env := newTestEnv(t)
	op := env.fundCollateral(t)

	env.chain.SetSynced(false)
	env.mgr.ManageState()
	if env.mgr.Status() != StatusSyncInProcess {
		t.Fatalf("expected SYNC_IN_PROCESS, got %s", env.mgr.Status())
	}

	env.chain.SetSynced(true)
	env.mgr.ManageState()

	if env.mgr.Status() != StatusStarted {
		t.Fatalf("expected STARTED, got %s: %s", env.mgr.Status(), env.mgr.StatusText())
	}
	if env.mgr.TypeString() != "LOCAL" {
		t.Fatalf("expected LOCAL, got %s", env.mgr.TypeString())
	}
	if env.mgr.Outpoint() != op {
		t.Fatal("the manager should adopt the collateral outpoint")
	}
	if !env.reg.Has(op) {
		t.Fatal("the broadcast should be inserted into the local registry")
	}
	if !env.wallet.IsCoinLocked(op) {
		t.Fatal("the collateral should be locked in the wallet")
	}
	if env.net.RelayedCount() == 0 {
		t.Fatal("the broadcast should be gossiped")
	}

	// a subsequent tick keeps STARTED through the remote path
	env.mgr.ManageState()
	if env.mgr.Status() != StatusStarted {
		t.Fatalf("expected STARTED on the next tick, got %s", env.mgr.Status())
	}
}

func TestInputTooNew(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.opts.MinConfirmations = 500
	env.fundCollateral(t)

	env.mgr.ManageState()
	if env.mgr.Status() != StatusInputTooNew {
		t.Fatalf("expected INPUT_TOO_NEW, got %s", env.mgr.Status())
	}
}

func TestRemoteWithoutCollateral(t *testing.T) {
	env := newTestEnv(t)
	// no collateral in the wallet: the manager defaults to remote and is
	// not capable until its announce shows up in the registry
	env.mgr.ManageState()

	if env.mgr.TypeString() != "REMOTE" {
		t.Fatalf("expected REMOTE, got %s", env.mgr.TypeString())
	}
	if env.mgr.Status() != StatusNotCapable {
		t.Fatalf("expected NOT_CAPABLE, got %s", env.mgr.Status())
	}
}

func TestNotCapableWithoutListen(t *testing.T) {
	env := newTestEnv(t)
	env.mgr.opts.Listen = false

	env.mgr.ManageState()
	if env.mgr.Status() != StatusNotCapable {
		t.Fatalf("expected NOT_CAPABLE, got %s", env.mgr.Status())
	}
}

func TestPingerRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.fundCollateral(t)

	now := int64(1000000)
	env.mgr.nowFn = func() int64 { return now }

	env.mgr.ManageState()
	if env.mgr.Status() != StatusStarted {
		t.Fatalf("expected STARTED, got %s", env.mgr.Status())
	}

	// immediately after the broadcast the ping is too early
	if env.mgr.SendPing() {
		t.Fatal("ping inside the spacing window should be skipped")
	}

	now += 11 * 60
	if !env.mgr.SendPing() {
		t.Fatal("ping after the spacing window should go out")
	}

	info := env.reg.GetInfo(env.mgr.Outpoint())
	if info.TimeLastPing != now {
		t.Fatalf("the own record should be bumped before gossiping, got %d", info.TimeLastPing)
	}
}

func TestCreatePingNeedsChainDepth(t *testing.T) {
	c := chain.NewFakeChain(5)
	key, _ := keys.GenerateKey()
	if _, err := CreatePing(c, wire.OutPoint{}, key, 1000); err == nil {
		t.Fatal("a chain shorter than the ping depth cannot produce pings")
	}
}
