package registry

import (
	"fmt"
	"testing"

	"github.com/enodenetwork/enoded/src/enode"
)

// Scenario: four enodes advertise the same address, one of them is
// PoSe-verified. CheckSameAddr bumps the other three each run; five runs put
// them at the ban ceiling.
func TestCheckSameAddrConvergence(t *testing.T) {
	env := newTestEnv(t)
	env.fullySync()

	sharedAddr := "1.2.3.4:20202"
	verified := env.addEnabledRecord(t, 70, sharedAddr)
	var dupes []*testKeys
	for i := byte(0); i < 3; i++ {
		dupes = append(dupes, env.addEnabledRecord(t, 71+i, sharedAddr))
	}

	// mark one record verified
	env.reg.mtx.Lock()
	env.reg.findByOutpointLocked(verified.outpoint).MarkPoSeVerified()
	env.reg.mtx.Unlock()

	env.reg.CheckSameAddr()

	env.reg.mtx.Lock()
	for _, tk := range dupes {
		if score := env.reg.findByOutpointLocked(tk.outpoint).PoSeBanScore; score != 1 {
			t.Fatalf("one round should bump each duplicate to 1, got %d", score)
		}
	}
	if score := env.reg.findByOutpointLocked(verified.outpoint).PoSeBanScore; score != -enode.PoSeBanMaxScore {
		t.Fatalf("the verified record must not be touched, got %d", score)
	}
	env.reg.mtx.Unlock()

	for i := 0; i < 4; i++ {
		env.reg.CheckSameAddr()
	}

	env.reg.mtx.Lock()
	for _, tk := range dupes {
		if score := env.reg.findByOutpointLocked(tk.outpoint).PoSeBanScore; score != enode.PoSeBanMaxScore {
			t.Fatalf("five rounds should reach the ban ceiling, got %d", score)
		}
	}
	env.reg.mtx.Unlock()

	// the lifecycle check turns the ceiling into a ban
	for _, tk := range dupes {
		env.reg.CheckEnode(tk.outpoint, true)
		if got := env.reg.GetInfo(tk.outpoint).State; got != enode.StatePoSeBan {
			t.Fatalf("expected POSE_BAN, got %s", got)
		}
	}
}

// With no verified member in an address cluster nothing happens: the
// ambiguity must be resolved by verification first.
func TestCheckSameAddrNeedsVerifiedMember(t *testing.T) {
	env := newTestEnv(t)
	env.fullySync()

	sharedAddr := "1.2.3.5:20202"
	var members []*testKeys
	for i := byte(0); i < 3; i++ {
		members = append(members, env.addEnabledRecord(t, 80+i, sharedAddr))
	}

	env.reg.CheckSameAddr()

	env.reg.mtx.Lock()
	defer env.reg.mtx.Unlock()
	for _, tk := range members {
		if score := env.reg.findByOutpointLocked(tk.outpoint).PoSeBanScore; score != 0 {
			t.Fatalf("no member should be scored without a verified one, got %d", score)
		}
	}
}

func TestCheckSameAddrDistinctAddrsUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.fullySync()

	var members []*testKeys
	for i := byte(0); i < 4; i++ {
		tk := env.addEnabledRecord(t, 90+i, fmt.Sprintf("1.2.4.%d:20202", i+1))
		members = append(members, tk)
	}
	env.reg.mtx.Lock()
	env.reg.findByOutpointLocked(members[0].outpoint).MarkPoSeVerified()
	env.reg.mtx.Unlock()

	env.reg.CheckSameAddr()

	env.reg.mtx.Lock()
	defer env.reg.mtx.Unlock()
	for _, tk := range members[1:] {
		if score := env.reg.findByOutpointLocked(tk.outpoint).PoSeBanScore; score != 0 {
			t.Fatalf("records at distinct addresses must not be scored, got %d", score)
		}
	}
}
