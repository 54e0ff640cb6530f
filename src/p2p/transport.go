package p2p

import (
	"github.com/enodenetwork/enoded/src/wire"
)

// Peer is one connected peer of the overlay.
type Peer interface {
	// Addr returns the peer's service address as "ip:port".
	Addr() string

	// ProtocolVersion returns the protocol version the peer advertised.
	ProtocolVersion() int

	// Send transmits a single command with its payload to the peer.
	Send(command string, msg interface{}) error

	// PushInventory queues an inventory announcement for the peer.
	PushInventory(inv wire.Inv)
}

// Net is the view of the P2P transport consumed by the registry, the sync
// machine and the payment-vote engine. The concrete overlay, the peer set
// and the wire envelope live outside this module.
type Net interface {
	// PeerCount returns the number of connected peers.
	PeerCount() int

	// ForEachPeer runs f for every connected peer.
	ForEachPeer(f func(Peer))

	// Connect dials a new peer at the given service address.
	Connect(addr string) (Peer, error)

	// RelayInv announces an inventory item to all peers.
	RelayInv(inv wire.Inv)

	// Misbehaving raises the ban score of the peer at addr.
	Misbehaving(addr string, score int)
}

// LocalAddresser is implemented by transports that can tell which external
// address successfully-connected peers see us at. Local activation falls
// back to it when no external address is configured.
type LocalAddresser interface {
	LocalAddr() (string, bool)
}
