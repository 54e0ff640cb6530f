package node

import (
	"github.com/pkg/errors"

	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/spork"
	"github.com/enodenetwork/enoded/src/wire"
)

// HandleEnvelope is the message pump: it decodes one inbound envelope,
// dispatches it to the owning component, and applies the resulting DoS
// weight to the sending peer. Deferred and stale failures are silent; the
// message stays unacknowledged and normal gossip retries it.
func (n *Node) HandleEnvelope(peer p2p.Peer, env p2p.Envelope) error {
	// everything here rides on top of a synced blockchain
	if !n.services.Sync.IsBlockchainSynced() {
		switch env.Command {
		case wire.CmdAnnounce, wire.CmdPing, wire.CmdDseg, wire.CmdVerify,
			wire.CmdPaymentVote, wire.CmdPaymentSync, wire.CmdPaymentBlock:
			return wire.ErrDeferred
		}
	}

	switch env.Command {
	case wire.CmdAnnounce:
		var ann wire.Announce
		if err := env.Decode(&ann); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		n.logger.WithField("enode", ann.Outpoint.StringShort()).Debug("MNANNOUNCE")
		_, dos := n.services.Registry.CheckAnnounceAndUpdate(peer, &ann)
		n.misbehaving(peer, dos)

	case wire.CmdPing:
		var ping wire.Ping
		if err := env.Decode(&ping); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		_, dos := n.services.Registry.HandlePing(peer, &ping)
		n.misbehaving(peer, dos)

	case wire.CmdDseg:
		var req wire.Dseg
		if err := env.Decode(&req); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		dos, err := n.services.Registry.HandleDseg(peer, &req)
		n.misbehaving(peer, dos)
		if errors.Is(err, wire.ErrDeferred) {
			return err
		}

	case wire.CmdVerify:
		var v wire.Verify
		if err := env.Decode(&v); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		dos := n.services.Registry.HandleVerify(peer, &v)
		n.misbehaving(peer, dos)

	case wire.CmdPaymentVote:
		var vote wire.PaymentVote
		if err := env.Decode(&vote); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		_, dos := n.services.Payments.HandleVote(peer, &vote)
		n.misbehaving(peer, dos)

	case wire.CmdPaymentSync:
		var req wire.PaymentSync
		if err := env.Decode(&req); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		dos, err := n.services.Payments.HandlePaymentSync(peer, &req)
		n.misbehaving(peer, dos)
		if errors.Is(err, wire.ErrDeferred) {
			return err
		}

	case wire.CmdPaymentBlock:
		var req wire.PaymentBlockRequest
		if err := env.Decode(&req); err != nil {
			n.services.Net.Misbehaving(peer.Addr(), 100)
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		n.services.Payments.HandlePaymentBlockRequest(peer, &req)

	case wire.CmdSyncStatusCount:
		var ssc wire.SyncStatusCount
		if err := env.Decode(&ssc); err != nil {
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		n.services.Sync.HandleSyncStatusCount(peer, ssc.Asset, ssc.Count)

	case wire.CmdSpork:
		var sp wire.Spork
		if err := env.Decode(&sp); err != nil {
			return errors.Wrap(wire.ErrProtocolViolation, err.Error())
		}
		n.services.Sporks.SetActive(spork.ID(sp.ID), sp.Active)

	case wire.CmdGetSporks:
		for _, id := range n.services.Sporks.Active() {
			peer.Send(wire.CmdSpork, &wire.Spork{ID: int(id), Active: true})
		}
	}

	return nil
}

func (n *Node) misbehaving(peer p2p.Peer, dos int) {
	if dos > 0 {
		n.services.Net.Misbehaving(peer.Addr(), dos)
	}
}

// RequestSporks implements netsync.Requester.
func (n *Node) RequestSporks(p p2p.Peer) bool {
	return p.Send(wire.CmdGetSporks, &wire.GetSporks{}) == nil
}

// RequestEnodeList implements netsync.Requester.
func (n *Node) RequestEnodeList(p p2p.Peer) bool {
	return n.services.Registry.DsegUpdate(p)
}

// RequestPaymentSync implements netsync.Requester.
func (n *Node) RequestPaymentSync(p p2p.Peer) bool {
	return p.Send(wire.CmdPaymentSync, &wire.PaymentSync{}) == nil
}
