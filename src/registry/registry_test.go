package registry

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/common"
	"github.com/enodenetwork/enoded/src/crypto"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

const testPort = 20202

type testEnv struct {
	chain *chain.FakeChain
	net   *p2p.InmemNet
	sync  *netsync.Sync
	reg   *Registry
	now   int64
}

func newTestEnv(t *testing.T) *testEnv {
	logger := common.NewTestLogger(t).WithField("prefix", "registry")
	c := chain.NewFakeChain(200)
	netw := p2p.NewInmemNet()
	sync := netsync.New(c, logger)

	env := &testEnv{
		chain: c,
		net:   netw,
		sync:  sync,
		now:   1000000,
	}

	reg := New(c, netw, sync, p2p.NewFulfilledRequests(), logger, Options{
		MainnetPort:      10101,
		MinConfirmations: 1,
	})
	reg.nowFn = func() int64 { return env.now }
	reg.randFn = func(n int) int { return n - 1 }
	env.reg = reg
	return env
}

// fullySync drives the asset progression to Finished.
func (env *testEnv) fullySync() {
	for env.sync.Asset() != netsync.AssetFinished {
		env.sync.SwitchToNextAsset()
	}
}

func testHash(b byte) wire.Uint256 {
	var h wire.Uint256
	copy(h[:], crypto.SHA256D([]byte{b}))
	return h
}

type testKeys struct {
	colKey   *btcec.PrivateKey
	enodeKey *btcec.PrivateKey
	outpoint wire.OutPoint
}

// newCollateral funds a collateral outpoint on the fake chain and returns
// the keys controlling it.
func (env *testEnv) newCollateral(t *testing.T, seed byte) *testKeys {
	colKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	enodeKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	op := wire.OutPoint{Hash: testHash(seed), N: 0}
	script, err := wire.PayToPubKeyHash(colKey.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatal(err)
	}
	env.chain.AddUTXO(op, chain.UTXO{
		Value:  chain.CollateralAmount,
		Script: script,
		Height: 10,
	})
	env.chain.SetBlockTime(10, env.now-100000)

	return &testKeys{colKey: colKey, enodeKey: enodeKey, outpoint: op}
}

// signedAnnounce builds a fully signed broadcast for the collateral.
func (env *testEnv) signedAnnounce(t *testing.T, tk *testKeys, addr string, sigTime, pingTime int64) *wire.Announce {
	blockHash, _ := env.chain.BlockHashAt(env.chain.TipHeight() - 12)

	ping := wire.Ping{
		Outpoint:  tk.outpoint,
		BlockHash: blockHash,
		SigTime:   pingTime,
	}
	pingSig, err := keys.SignMessage(ping.SignedString(), tk.enodeKey)
	if err != nil {
		t.Fatal(err)
	}
	ping.Sig = pingSig

	ann := &wire.Announce{
		Outpoint:        tk.outpoint,
		Addr:            addr,
		CollateralPub:   tk.colKey.PubKey().SerializeCompressed(),
		EnodePub:        tk.enodeKey.PubKey().SerializeCompressed(),
		SigTime:         sigTime,
		ProtocolVersion: wire.ProtocolVersion,
		LastPing:        ping,
	}
	sig, err := keys.SignMessage(ann.SignedString(), tk.colKey)
	if err != nil {
		t.Fatal(err)
	}
	ann.Sig = sig
	return ann
}

// addEnabledRecord plants an enabled record directly, with collateral backing
// so the lifecycle check keeps it alive.
func (env *testEnv) addEnabledRecord(t *testing.T, seed byte, addr string) *testKeys {
	tk := env.newCollateral(t, seed)
	e := &enode.Enode{
		Outpoint:             tk.outpoint,
		Addr:                 addr,
		CollateralPub:        tk.colKey.PubKey().SerializeCompressed(),
		EnodePub:             tk.enodeKey.PubKey().SerializeCompressed(),
		SigTime:              env.now - 2*enode.MinPingSeconds,
		TimeLastWatchdogVote: env.now,
		State:                enode.StateEnabled,
		ProtocolVersion:      wire.ProtocolVersion,
		LastPing: wire.Ping{
			Outpoint: tk.outpoint,
			SigTime:  env.now - 60,
			Sig:      []byte{1},
		},
	}
	if !env.reg.Add(e) {
		t.Fatalf("record %d not added", seed)
	}
	return tk
}

func TestAddIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 1)

	e := &enode.Enode{Outpoint: tk.outpoint, State: enode.StateEnabled}
	if !env.reg.Add(e) {
		t.Fatal("first add should succeed")
	}
	if env.reg.Add(&enode.Enode{Outpoint: tk.outpoint}) {
		t.Fatal("second add with the same outpoint should be refused")
	}
	if env.reg.Size() != 1 {
		t.Fatalf("registry should hold one record, got %d", env.reg.Size())
	}
}

func TestAnnouncePipelineAcceptsNewRecord(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 2)

	ann := env.signedAnnounce(t, tk, "8.8.8.8:20202", env.now-enode.MinPingSeconds*2, env.now-60)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	accepted, dos := env.reg.CheckAnnounceAndUpdate(peer, ann)
	if !accepted || dos != 0 {
		t.Fatalf("valid announce rejected: accepted=%v dos=%d", accepted, dos)
	}
	if !env.reg.Has(tk.outpoint) {
		t.Fatal("record should be registered")
	}
	if env.net.RelayedCount() == 0 {
		t.Fatal("accepted announce should be relayed")
	}
}

func TestAnnouncePipelineMonotoneSigTime(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 3)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	base := env.now - 4*enode.MinPingSeconds
	first := env.signedAnnounce(t, tk, "8.8.8.8:20202", base, env.now-60)
	if ok, _ := env.reg.CheckAnnounceAndUpdate(peer, first); !ok {
		t.Fatal("first announce rejected")
	}

	// a newer announce updates the record
	env.now += enode.MinAnnounceSeconds + 1
	newer := env.signedAnnounce(t, tk, "8.8.8.8:20202", base+600, env.now-30)
	if ok, _ := env.reg.CheckAnnounceAndUpdate(peer, newer); !ok {
		t.Fatal("newer announce rejected")
	}
	if got := env.reg.GetInfo(tk.outpoint).SigTime; got != base+600 {
		t.Fatalf("sig time should advance, got %d", got)
	}

	// an older one must never roll it back
	older := env.signedAnnounce(t, tk, "8.8.8.8:20202", base+300, env.now-30)
	if ok, _ := env.reg.CheckAnnounceAndUpdate(peer, older); ok {
		t.Fatal("older announce should be rejected")
	}
	if got := env.reg.GetInfo(tk.outpoint).SigTime; got != base+600 {
		t.Fatalf("sig time rolled back to %d", got)
	}
}

func TestAnnounceRejectsFutureSigTime(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 4)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	ann := env.signedAnnounce(t, tk, "8.8.8.8:20202", env.now+2*3600, env.now)
	accepted, dos := env.reg.CheckAnnounceAndUpdate(peer, ann)
	if accepted || dos != DosFutureSigTime {
		t.Fatalf("future announce: accepted=%v dos=%d", accepted, dos)
	}
}

func TestAnnounceRejectsForgedSignature(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 5)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	ann := env.signedAnnounce(t, tk, "8.8.8.8:20202", env.now-enode.MinPingSeconds*2, env.now-60)

	// re-sign the announce with a key that does not own the collateral
	wrongKey, _ := keys.GenerateKey()
	sig, _ := keys.SignMessage(ann.SignedString(), wrongKey)
	ann.Sig = sig

	accepted, dos := env.reg.CheckAnnounceAndUpdate(peer, ann)
	if accepted || dos != DosMalformed {
		t.Fatalf("forged announce: accepted=%v dos=%d", accepted, dos)
	}
}

func TestAnnounceRejectsSpentCollateral(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 6)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	env.chain.SpendUTXO(tk.outpoint)

	ann := env.signedAnnounce(t, tk, "8.8.8.8:20202", env.now-enode.MinPingSeconds*2, env.now-60)
	if accepted, _ := env.reg.CheckAnnounceAndUpdate(peer, ann); accepted {
		t.Fatal("announce with spent collateral should be rejected")
	}
}

func TestHandlePing(t *testing.T) {
	env := newTestEnv(t)
	tk := env.newCollateral(t, 7)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	ann := env.signedAnnounce(t, tk, "8.8.8.8:20202", env.now-4*enode.MinPingSeconds, env.now-2*enode.MinPingSeconds)
	if ok, _ := env.reg.CheckAnnounceAndUpdate(peer, ann); !ok {
		t.Fatal("announce rejected")
	}

	blockHash, _ := env.chain.BlockHashAt(env.chain.TipHeight() - 12)
	ping := &wire.Ping{
		Outpoint:  tk.outpoint,
		BlockHash: blockHash,
		SigTime:   env.now,
	}
	sig, _ := keys.SignMessage(ping.SignedString(), tk.enodeKey)
	ping.Sig = sig

	accepted, dos := env.reg.HandlePing(peer, ping)
	if !accepted || dos != 0 {
		t.Fatalf("valid ping rejected: accepted=%v dos=%d", accepted, dos)
	}
	if got := env.reg.GetInfo(tk.outpoint).TimeLastPing; got != env.now {
		t.Fatalf("ping should update liveness, got %d", got)
	}

	// a forged ping carries a mismatch penalty
	bad := &wire.Ping{
		Outpoint:  tk.outpoint,
		BlockHash: blockHash,
		SigTime:   env.now + enode.MinPingSeconds,
	}
	wrongKey, _ := keys.GenerateKey()
	badSig, _ := keys.SignMessage(bad.SignedString(), wrongKey)
	bad.Sig = badSig

	if _, dos := env.reg.HandlePing(peer, bad); dos != DosMismatch {
		t.Fatalf("forged ping should score %d, got %d", DosMismatch, dos)
	}
}

func TestHandlePingUnknownEnodeAsks(t *testing.T) {
	env := newTestEnv(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	ping := &wire.Ping{
		Outpoint: wire.OutPoint{Hash: testHash(99), N: 0},
		SigTime:  env.now,
		Sig:      []byte{1},
	}
	if accepted, _ := env.reg.HandlePing(peer, ping); accepted {
		t.Fatal("ping for an unknown enode should not be accepted")
	}
	if peer.SentCount() == 0 {
		t.Fatal("the registry should ask the sender for the missing entry")
	}
	if peer.Sent[0].Command != wire.CmdDseg {
		t.Fatalf("expected a DSEG ask, got %s", peer.Sent[0].Command)
	}
}

func TestDsegWholeListRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.reg.opts.Mainnet = true
	env.reg.opts.MainnetPort = testPort
	env.fullySync()

	env.addEnabledRecord(t, 10, "8.8.8.1:20202")
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	if dos, err := env.reg.HandleDseg(peer, &wire.Dseg{}); dos != 0 || err != nil {
		t.Fatalf("first whole-list request should pass: dos=%d err=%v", dos, err)
	}
	if len(peer.Invs) == 0 {
		t.Fatal("the response should carry announce and ping inventory")
	}

	if dos, _ := env.reg.HandleDseg(peer, &wire.Dseg{}); dos != DosDsegAbuse {
		t.Fatalf("repeat whole-list request should score %d, got %d", DosDsegAbuse, dos)
	}
}

func TestDsegSingleEntryHasNoRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.fullySync()
	tk := env.addEnabledRecord(t, 11, "8.8.8.2:20202")
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	for i := 0; i < 3; i++ {
		if dos, err := env.reg.HandleDseg(peer, &wire.Dseg{Outpoint: tk.outpoint}); dos != 0 || err != nil {
			t.Fatalf("single-entry request %d should pass: dos=%d err=%v", i, dos, err)
		}
	}
}

func TestAskForEnodeRateLimit(t *testing.T) {
	env := newTestEnv(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)
	op := wire.OutPoint{Hash: testHash(12), N: 0}

	env.reg.AskForEnode(peer, op)
	env.reg.AskForEnode(peer, op)
	if peer.SentCount() != 1 {
		t.Fatalf("repeated asks inside the cooldown should be dropped, sent %d", peer.SentCount())
	}

	// after the cooldown the ask goes out again
	env.now += DsegUpdateSeconds + 1
	env.reg.AskForEnode(peer, op)
	if peer.SentCount() != 2 {
		t.Fatalf("ask after cooldown should be sent, sent %d", peer.SentCount())
	}
}

// Scenario: a record expires into NEW_START_REQUIRED, a recovery round
// collects a quorum of fresh announces, and the record comes back enabled.
func TestRecoveryReinstatesEnode(t *testing.T) {
	env := newTestEnv(t)
	peer := p2p.NewInmemPeer("9.9.9.9:20202", wire.ProtocolVersion)

	// the target enode goes through the normal pipeline
	tk := env.newCollateral(t, 20)
	base := env.now - 4*enode.MinPingSeconds
	ann := env.signedAnnounce(t, tk, "8.8.8.20:20202", base, env.now-60)
	if ok, _ := env.reg.CheckAnnounceAndUpdate(peer, ann); !ok {
		t.Fatal("announce rejected")
	}

	env.fullySync()

	// time passes: expired, then beyond recovery by ping alone
	env.now += enode.NewStartRequiredSeconds + 60
	env.reg.CheckEnode(tk.outpoint, true)
	if got := env.reg.GetInfo(tk.outpoint).State; got != enode.StateNewStartRequired {
		t.Fatalf("expected NEW_START_REQUIRED, got %s", got)
	}

	// a healthy quorum of other enodes to ask
	var quorumAddrs []string
	for i := byte(0); i < 10; i++ {
		addr := fmt.Sprintf("8.8.9.%d:20202", i+1)
		env.addEnabledRecord(t, 30+i, addr)
		quorumAddrs = append(quorumAddrs, addr)
	}

	env.reg.CheckAndRemove()

	annHash := ann.Hash()
	if !env.reg.IsRecoveryRequested(annHash) {
		t.Fatal("a recovery round should be open")
	}
	if addr, asks := env.reg.PopScheduledRequest(); addr == "" || len(asks) == 0 {
		t.Fatal("recovery should schedule direct connection requests")
	}

	// six asked peers reply with the same announce carrying a fresh ping
	for i := 0; i < RecoveryQuorumRequired; i++ {
		reply := env.signedAnnounce(t, tk, "8.8.8.20:20202", base, env.now-30)
		from := p2p.NewInmemPeer(quorumAddrs[i], wire.ProtocolVersion)
		if ok, _ := env.reg.CheckAnnounceAndUpdate(from, reply); !ok {
			t.Fatal("recovery reply should be absorbed as seen")
		}
	}

	// after the wait window the quorum is evaluated and the record revives
	env.now += RecoveryWaitSeconds + 1
	env.reg.CheckAndRemove()

	if got := env.reg.GetInfo(tk.outpoint).State; got != enode.StateEnabled {
		t.Fatalf("expected ENABLED after recovery, got %s", got)
	}
}

func TestCheckAndRemoveDropsSpent(t *testing.T) {
	env := newTestEnv(t)
	env.fullySync()
	tk := env.addEnabledRecord(t, 40, "8.8.8.40:20202")

	env.chain.SpendUTXO(tk.outpoint)
	env.reg.CheckEnode(tk.outpoint, true)
	env.reg.CheckAndRemove()

	if env.reg.Has(tk.outpoint) {
		t.Fatal("spent record should be removed")
	}
}

func TestWatchdog(t *testing.T) {
	env := newTestEnv(t)
	if env.reg.IsWatchdogActive() {
		t.Fatal("watchdog should start inactive")
	}
	tk := env.addEnabledRecord(t, 50, "8.8.8.50:20202")
	env.reg.UpdateWatchdogVoteTime(tk.outpoint)
	if !env.reg.IsWatchdogActive() {
		t.Fatal("a fresh vote should activate the watchdog")
	}
	env.now += enode.WatchdogMaxSeconds + 1
	if env.reg.IsWatchdogActive() {
		t.Fatal("the watchdog should expire")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.addEnabledRecord(t, 60, "8.8.8.60:20202")
	env.addEnabledRecord(t, 61, "8.8.8.61:20202")

	snap := env.reg.Snapshot()
	if snap.Version != SerializationVersion {
		t.Fatalf("unexpected version %s", snap.Version)
	}

	restored := newTestEnv(t)
	restored.reg.Restore(snap)
	if restored.reg.Size() != 2 {
		t.Fatalf("restored registry should hold 2 records, got %d", restored.reg.Size())
	}

	// a wrong version clears everything
	snap.Version = "CEnodeMan-Version-3"
	restored.reg.Restore(snap)
	if restored.reg.Size() != 0 {
		t.Fatal("version mismatch should clear the registry")
	}
}
