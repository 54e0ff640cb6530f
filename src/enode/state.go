package enode

// State is the lifecycle state of a registry record.
type State int

const (
	// StatePreEnabled is a fresh record whose first ping is younger than the
	// pre-enable window.
	StatePreEnabled State = iota

	// StateEnabled is a live record eligible for payment.
	StateEnabled

	// StateExpired means no ping arrived within the expiration window.
	StateExpired

	// StateOutpointSpent means the collateral no longer exists. The record
	// is removed at the next housekeeping round.
	StateOutpointSpent

	// StateUpdateRequired means the protocol version is below the payment
	// minimum.
	StateUpdateRequired

	// StateWatchdogExpired means the global watchdog is active but this
	// record has not voted within the watchdog window.
	StateWatchdogExpired

	// StateNewStartRequired means no ping arrived for so long that only a
	// fresh announce (or a recovery round) can reinstate the record.
	StateNewStartRequired

	// StatePoSeBan means the proof-of-service score hit the ban ceiling. The
	// record stays banned until the ban height is reached.
	StatePoSeBan
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateWatchdogExpired:
		return "WATCHDOG_EXPIRED"
	case StateNewStartRequired:
		return "NEW_START_REQUIRED"
	case StatePoSeBan:
		return "POSE_BAN"
	default:
		return "UNKNOWN"
	}
}

// IsValidStateForAutoStart reports whether a record in this state may be
// adopted by a remotely-started local enode, or counted as a good recovery
// reply.
func IsValidStateForAutoStart(s State) bool {
	return s == StateEnabled ||
		s == StatePreEnabled ||
		s == StateExpired ||
		s == StateWatchdogExpired
}
