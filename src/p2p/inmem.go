package p2p

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/enodenetwork/enoded/src/wire"
)

// SentMessage is one message captured by an InmemPeer.
type SentMessage struct {
	Command string
	Msg     interface{}
}

// InmemPeer is a loopback Peer that records everything sent to it. Used by
// the test suites in place of a live connection.
type InmemPeer struct {
	mtx sync.Mutex

	addr    string
	version int

	Sent []SentMessage
	Invs []wire.Inv
}

// NewInmemPeer returns an InmemPeer at the given address and protocol
// version.
func NewInmemPeer(addr string, version int) *InmemPeer {
	return &InmemPeer{
		addr:    addr,
		version: version,
	}
}

// Addr implements Peer.
func (p *InmemPeer) Addr() string {
	return p.addr
}

// ProtocolVersion implements Peer.
func (p *InmemPeer) ProtocolVersion() int {
	return p.version
}

// Send implements Peer.
func (p *InmemPeer) Send(command string, msg interface{}) error {
	p.mtx.Lock()
	p.Sent = append(p.Sent, SentMessage{Command: command, Msg: msg})
	p.mtx.Unlock()
	return nil
}

// PushInventory implements Peer.
func (p *InmemPeer) PushInventory(inv wire.Inv) {
	p.mtx.Lock()
	p.Invs = append(p.Invs, inv)
	p.mtx.Unlock()
}

// SentCount returns the number of captured messages.
func (p *InmemPeer) SentCount() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.Sent)
}

// InmemNet is an in-memory Net wired to a fixed set of InmemPeers.
type InmemNet struct {
	mtx sync.Mutex

	peers    []*InmemPeer
	byAddr   map[string]*InmemPeer
	Relayed  []wire.Inv
	BanScore map[string]int
}

// NewInmemNet returns an empty InmemNet.
func NewInmemNet() *InmemNet {
	return &InmemNet{
		byAddr:   make(map[string]*InmemPeer),
		BanScore: make(map[string]int),
	}
}

// AddPeer registers a peer with the network.
func (n *InmemNet) AddPeer(p *InmemPeer) {
	n.mtx.Lock()
	n.peers = append(n.peers, p)
	n.byAddr[p.Addr()] = p
	n.mtx.Unlock()
}

// PeerCount implements Net.
func (n *InmemNet) PeerCount() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.peers)
}

// ForEachPeer implements Net.
func (n *InmemNet) ForEachPeer(f func(Peer)) {
	n.mtx.Lock()
	peers := make([]*InmemPeer, len(n.peers))
	copy(peers, n.peers)
	n.mtx.Unlock()
	for _, p := range peers {
		f(p)
	}
}

// Connect implements Net. Only addresses registered with AddPeer can be
// dialed.
func (n *InmemNet) Connect(addr string) (Peer, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	p, ok := n.byAddr[addr]
	if !ok {
		return nil, errors.Errorf("no route to %s", addr)
	}
	return p, nil
}

// RelayInv implements Net.
func (n *InmemNet) RelayInv(inv wire.Inv) {
	n.mtx.Lock()
	n.Relayed = append(n.Relayed, inv)
	n.mtx.Unlock()
}

// Misbehaving implements Net.
func (n *InmemNet) Misbehaving(addr string, score int) {
	if score <= 0 {
		return
	}
	n.mtx.Lock()
	n.BanScore[addr] += score
	n.mtx.Unlock()
}

// RelayedCount returns the number of relayed inventory items.
func (n *InmemNet) RelayedCount() int {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return len(n.Relayed)
}
