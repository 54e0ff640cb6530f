package wire

import "bytes"

// Wire command tokens. These are the stable names peers exchange; changing
// one forks the gossip overlay.
const (
	CmdAnnounce        = "MNANNOUNCE"
	CmdPing            = "MNPING"
	CmdDseg            = "DSEG"
	CmdVerify          = "MNVERIFY"
	CmdPaymentVote     = "MNPAYMENTVOTE"
	CmdPaymentSync     = "MNPAYMENTSYNC"
	CmdPaymentBlock    = "MNPAYMENTBLOCK"
	CmdSyncStatusCount = "SYNCSTATUSCOUNT"
	CmdGetSporks       = "GETSPORKS"
	CmdSpork           = "SPORK"
)

// Spork carries one operator-controlled feature flag.
type Spork struct {
	ID     int
	Active bool
}

// GetSporks asks a peer for its active sporks.
type GetSporks struct{}

// Inventory types used with RelayInv.
const (
	InvTypeAnnounce uint32 = iota + 1
	InvTypePing
	InvTypeVerify
	InvTypePaymentVote
	InvTypePaymentBlock
)

// Inv announces the availability of a record by hash.
type Inv struct {
	Type uint32
	Hash Uint256
}

// Dseg requests either a single enode entry, or the whole list when the
// outpoint is empty.
type Dseg struct {
	Outpoint OutPoint
}

// SyncStatusCount closes a bulk response, telling the requester how many
// items were sent for the given sync asset.
type SyncStatusCount struct {
	Asset int
	Count int
}

// PaymentSync asks a peer for its payment votes covering future blocks.
type PaymentSync struct {
	Count int
}

// PaymentBlockRequest asks for all votes of a single payment block.
type PaymentBlockRequest struct {
	BlockHash Uint256
}

func hashFields(fill func(*bytes.Buffer)) Uint256 {
	var buf bytes.Buffer
	fill(&buf)
	return sha256dInto(buf.Bytes())
}
