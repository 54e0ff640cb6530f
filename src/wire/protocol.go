package wire

// ProtocolVersion is the version this build speaks.
const ProtocolVersion = 90024

// Minimum peer versions that can receive and send enode payment messages,
// vote, and be elected. V2 applies once the pay-updated-nodes spork is
// active.
const (
	MinPaymentProtoVersion1 = 90023
	MinPaymentProtoVersion2 = 90024
)

// MaxInvSize is the largest inventory batch a single getdata-style request
// may carry.
const MaxInvSize = 50000
