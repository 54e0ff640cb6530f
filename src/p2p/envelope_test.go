package p2p

import (
	"testing"
	"time"

	"github.com/enodenetwork/enoded/src/wire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	var h wire.Uint256
	h[3] = 0x33

	original := &wire.Announce{
		Outpoint:        wire.OutPoint{Hash: h, N: 2},
		Addr:            "8.8.8.8:20202",
		CollateralPub:   []byte{2, 3, 4},
		EnodePub:        []byte{5, 6, 7},
		Sig:             []byte{8, 9},
		SigTime:         1543503398,
		ProtocolVersion: wire.ProtocolVersion,
		LastPing: wire.Ping{
			Outpoint: wire.OutPoint{Hash: h, N: 2},
			SigTime:  1543503399,
			Sig:      []byte{1},
		},
	}

	env, err := NewEnvelope(wire.CmdAnnounce, original)
	if err != nil {
		t.Fatal(err)
	}
	if env.Command != wire.CmdAnnounce {
		t.Fatalf("unexpected command %s", env.Command)
	}

	var decoded wire.Announce
	if err := env.Decode(&decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Hash() != original.Hash() {
		t.Fatal("announce identity should survive the envelope")
	}
	if decoded.Addr != original.Addr || decoded.SigTime != original.SigTime {
		t.Fatal("announce fields should survive the envelope")
	}
	if decoded.LastPing.SigTime != original.LastPing.SigTime {
		t.Fatal("embedded ping should survive the envelope")
	}
}

func TestFulfilledRequests(t *testing.T) {
	f := NewFulfilledRequests()
	now := int64(1000000)
	f.nowFn = func() int64 { return now }

	f.Add("1.2.3.4:20202", "DSEG", time.Hour)

	if !f.Has("1.2.3.4:20202", "DSEG") {
		t.Fatal("request should be inside the cooldown")
	}
	if f.Has("1.2.3.4:20202", "MNVERIFY-request") {
		t.Fatal("a different kind should not be fulfilled")
	}
	if f.Has("5.6.7.8:20202", "DSEG") {
		t.Fatal("a different peer should not be fulfilled")
	}

	now += 3601
	if f.Has("1.2.3.4:20202", "DSEG") {
		t.Fatal("the cooldown should expire")
	}

	f.Add("1.2.3.4:20202", "DSEG", time.Hour)
	f.Cleanup()
	if !f.Has("1.2.3.4:20202", "DSEG") {
		t.Fatal("cleanup should keep live entries")
	}

	now += 3601
	f.Cleanup()
	f.Clear()
	if f.Has("1.2.3.4:20202", "DSEG") {
		t.Fatal("clear should drop everything")
	}
}

func TestInmemNetMisbehaving(t *testing.T) {
	netw := NewInmemNet()
	netw.Misbehaving("1.2.3.4:20202", 20)
	netw.Misbehaving("1.2.3.4:20202", 13)
	netw.Misbehaving("1.2.3.4:20202", 0)

	if netw.BanScore["1.2.3.4:20202"] != 33 {
		t.Fatalf("ban score should accumulate, got %d", netw.BanScore["1.2.3.4:20202"])
	}
}
