package enode

import (
	"fmt"

	"github.com/enodenetwork/enoded/src/wire"
)

// Timing constants of the enode lifecycle, in seconds.
const (
	CheckSeconds            = 5
	MinAnnounceSeconds      = 5 * 60
	MinPingSeconds          = 10 * 60
	ExpirationSeconds       = 65 * 60
	WatchdogMaxSeconds      = 120 * 60
	NewStartRequiredSeconds = 180 * 60
)

// PoSeBanMaxScore caps the proof-of-service score at both ends. A record
// reaching +PoSeBanMaxScore is banned; one at -PoSeBanMaxScore is verified.
const PoSeBanMaxScore = 5

// Enode is one peer's registry record. The registry exclusively owns all
// instances; other components work with Info snapshots or act under the
// registry lock.
type Enode struct {
	Outpoint             wire.OutPoint
	Addr                 string
	CollateralPub        []byte
	EnodePub             []byte
	Sig                  []byte
	SigTime              int64
	LastDsq              int64
	TimeLastChecked      int64
	TimeLastPaid         int64
	TimeLastWatchdogVote int64
	State                State
	CollateralBlock      int
	BlockLastPaid        int
	ProtocolVersion      int
	PoSeBanScore         int
	PoSeBanHeight        int
	LastPing             wire.Ping
}

// NewFromAnnounce builds a record from a validated announce.
func NewFromAnnounce(a *wire.Announce) *Enode {
	return &Enode{
		Outpoint:             a.Outpoint,
		Addr:                 a.Addr,
		CollateralPub:        append([]byte(nil), a.CollateralPub...),
		EnodePub:             append([]byte(nil), a.EnodePub...),
		Sig:                  append([]byte(nil), a.Sig...),
		SigTime:              a.SigTime,
		TimeLastWatchdogVote: a.SigTime,
		State:                StateEnabled,
		ProtocolVersion:      a.ProtocolVersion,
		LastPing:             a.LastPing,
	}
}

// Announce rebuilds the broadcast form of the record, as relayed in DSEG
// responses.
func (e *Enode) Announce() *wire.Announce {
	return &wire.Announce{
		Outpoint:        e.Outpoint,
		Addr:            e.Addr,
		CollateralPub:   append([]byte(nil), e.CollateralPub...),
		EnodePub:        append([]byte(nil), e.EnodePub...),
		Sig:             append([]byte(nil), e.Sig...),
		SigTime:         e.SigTime,
		ProtocolVersion: e.ProtocolVersion,
		LastPing:        e.LastPing,
	}
}

// UpdateFromAnnounce overwrites the mutable identity fields from a newer
// broadcast. Scheduling data survives the update; the PoSe score and ban
// height are reset.
func (e *Enode) UpdateFromAnnounce(a *wire.Announce) {
	e.EnodePub = append([]byte(nil), a.EnodePub...)
	e.SigTime = a.SigTime
	e.Sig = append([]byte(nil), a.Sig...)
	e.ProtocolVersion = a.ProtocolVersion
	e.Addr = a.Addr
	e.PoSeBanScore = 0
	e.PoSeBanHeight = 0
	e.TimeLastChecked = 0
	if !a.LastPing.IsEmpty() {
		e.LastPing = a.LastPing
	}
}

func (e *Enode) IsEnabled() bool          { return e.State == StateEnabled }
func (e *Enode) IsPreEnabled() bool       { return e.State == StatePreEnabled }
func (e *Enode) IsExpired() bool          { return e.State == StateExpired }
func (e *Enode) IsOutpointSpent() bool    { return e.State == StateOutpointSpent }
func (e *Enode) IsUpdateRequired() bool   { return e.State == StateUpdateRequired }
func (e *Enode) IsWatchdogExpired() bool  { return e.State == StateWatchdogExpired }
func (e *Enode) IsNewStartRequired() bool { return e.State == StateNewStartRequired }
func (e *Enode) IsPoSeBanned() bool       { return e.State == StatePoSeBan }

// IsPoSeVerified relies on the score, not the state: a verified record sits
// at the negative cap.
func (e *Enode) IsPoSeVerified() bool {
	return e.PoSeBanScore <= -PoSeBanMaxScore
}

// IsValidForPayment gates the election. Only enabled records qualify.
func (e *Enode) IsValidForPayment() bool {
	return e.State == StateEnabled
}

// IsPingedWithin reports whether the last ping is younger than the window,
// measured at the given time.
func (e *Enode) IsPingedWithin(window int64, at int64) bool {
	if e.LastPing.IsEmpty() {
		return false
	}
	return at-e.LastPing.SigTime < window
}

// IsBroadcastedWithin reports whether the announce itself is younger than the
// window.
func (e *Enode) IsBroadcastedWithin(window int64, at int64) bool {
	return at-e.SigTime < window
}

// IncreasePoSeBanScore bumps the score towards the ban ceiling.
func (e *Enode) IncreasePoSeBanScore() {
	if e.PoSeBanScore < PoSeBanMaxScore {
		e.PoSeBanScore++
	}
}

// DecreasePoSeBanScore bumps the score towards the verified floor.
func (e *Enode) DecreasePoSeBanScore() {
	if e.PoSeBanScore > -PoSeBanMaxScore {
		e.PoSeBanScore--
	}
}

// MarkPoSeVerified pins the score to the verified floor.
func (e *Enode) MarkPoSeVerified() {
	e.PoSeBanScore = -PoSeBanMaxScore
}

// IsValidNetAddr reports whether the service address may take part in the
// overlay: IPv4, routable, public. Regtest accepts anything.
func IsValidNetAddr(addr string, regtest bool) bool {
	if regtest {
		return true
	}
	return wire.IsIPv4(addr) && wire.IsRoutable(addr) && !wire.IsLocalOrPrivate(addr)
}

func (e *Enode) String() string {
	pingAge := int64(0)
	pingTime := e.SigTime
	if !e.LastPing.IsEmpty() {
		pingTime = e.LastPing.SigTime
		pingAge = e.LastPing.SigTime - e.SigTime
	}
	return fmt.Sprintf("enode{%s %d %s %d %d %d}",
		e.Addr, e.ProtocolVersion, e.Outpoint.StringShort(), pingTime, pingAge, e.BlockLastPaid)
}

// Info is a read-only snapshot of a record, handed out to components that
// must not retain references into the registry.
type Info struct {
	Outpoint        wire.OutPoint
	Addr            string
	CollateralPub   []byte
	EnodePub        []byte
	SigTime         int64
	TimeLastPaid    int64
	TimeLastPing    int64
	State           State
	ProtocolVersion int
	PoSeVerified    bool
	Valid           bool
}

// Info returns a snapshot of the record.
func (e *Enode) Info() Info {
	return Info{
		Outpoint:        e.Outpoint,
		Addr:            e.Addr,
		CollateralPub:   append([]byte(nil), e.CollateralPub...),
		EnodePub:        append([]byte(nil), e.EnodePub...),
		SigTime:         e.SigTime,
		TimeLastPaid:    e.TimeLastPaid,
		TimeLastPing:    e.LastPing.SigTime,
		State:           e.State,
		ProtocolVersion: e.ProtocolVersion,
		PoSeVerified:    e.IsPoSeVerified(),
		Valid:           true,
	}
}
