package wire

import (
	"github.com/pkg/errors"
)

/*
Failure taxonomy for inbound message validation. The message pump inspects
these categories to decide between banning, asking for the missing referent,
or silently dropping.
*/

var (
	// ErrProtocolViolation marks malformed or forged input. It carries a DoS
	// weight through the (accepted, dos) return convention of the validators.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrMissingReferent marks a message referring to an enode we do not
	// know. The handler schedules an ask and drops the message.
	ErrMissingReferent = errors.New("missing referent")

	// ErrStale marks data older than what we already hold, or a duplicate
	// hash. Dropped without penalty.
	ErrStale = errors.New("stale")

	// ErrDeferred marks a temporary inability to validate. The message is
	// not acknowledged, so normal gossip will retry it.
	ErrDeferred = errors.New("deferred")
)
