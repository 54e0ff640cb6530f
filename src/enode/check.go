package enode

import (
	"github.com/enodenetwork/enoded/src/wire"
)

// CheckEnv carries the outside facts the lifecycle transition function needs.
// The registry assembles it under the chain lock so Check itself never
// blocks.
type CheckEnv struct {
	// Now is the current adjusted time.
	Now int64

	// TipHeight is the active chain height.
	TipHeight int

	// OutpointSpent is the result of the UTXO lookup for the record's
	// collateral.
	OutpointSpent bool

	// ListSynced reports whether the enode list sync stage has completed.
	// Records are kept in their expired states during the initial sync.
	ListSynced bool

	// WatchdogActive reports whether the network-wide watchdog is live. It
	// already folds in the fully-synced condition.
	WatchdogActive bool

	// MinPaymentProtocol is the minimum protocol version for payments.
	MinPaymentProtocol int

	// RegistrySize sizes the PoSe ban window to one payment cycle.
	RegistrySize int

	// IsOurs marks the process' own record, which skips the wait-for-ping
	// grace.
	IsOurs bool

	// Force bypasses the per-record check throttle.
	Force bool
}

// Check evaluates the lifecycle state machine and updates State. It mirrors
// the transition table exactly: spent outpoint and PoSe ban dominate, then
// protocol, then liveness, then the pre-enable window.
func (e *Enode) Check(env CheckEnv) {
	if !env.Force && env.Now-e.TimeLastChecked < CheckSeconds {
		return
	}
	e.TimeLastChecked = env.Now

	// once spent, stop doing the checks
	if e.IsOutpointSpent() {
		return
	}
	if env.OutpointSpent {
		e.State = StateOutpointSpent
		return
	}

	if e.IsPoSeBanned() {
		if env.TipHeight < e.PoSeBanHeight {
			return
		}
		// Ban height reached: a chance to re-prove. The record stays on the
		// edge and is banned back easily if it keeps ignoring verification.
		e.DecreasePoSeBanScore()
	} else if e.PoSeBanScore >= PoSeBanMaxScore {
		e.State = StatePoSeBan
		// ban for the whole payment cycle
		e.PoSeBanHeight = env.TipHeight + env.RegistrySize
		return
	}

	requireUpdate := e.ProtocolVersion < env.MinPaymentProtocol ||
		(env.IsOurs && e.ProtocolVersion < wire.ProtocolVersion)
	if requireUpdate {
		e.State = StateUpdateRequired
		return
	}

	// keep old records during the initial list sync, give them a chance to
	// receive updates
	waitForPing := !env.ListSynced && !e.IsPingedWithin(MinPingSeconds, env.Now)

	if waitForPing && !env.IsOurs {
		if e.IsExpired() || e.IsWatchdogExpired() || e.IsNewStartRequired() {
			return
		}
	}

	if !waitForPing || env.IsOurs {
		if !e.IsPingedWithin(NewStartRequiredSeconds, env.Now) {
			e.State = StateNewStartRequired
			return
		}

		watchdogExpired := env.WatchdogActive &&
			env.Now-e.TimeLastWatchdogVote > WatchdogMaxSeconds
		if watchdogExpired {
			e.State = StateWatchdogExpired
			return
		}

		if !e.IsPingedWithin(ExpirationSeconds, env.Now) {
			e.State = StateExpired
			return
		}
	}

	if e.LastPing.SigTime-e.SigTime < MinPingSeconds {
		e.State = StatePreEnabled
		return
	}

	e.State = StateEnabled
}
