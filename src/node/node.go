package node

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/config"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/wire"
)

// Housekeeping cadences, in ticks of the one-second master loop.
const (
	checkInterval     = 5
	houseInterval     = 60
	connReapInterval  = 10
	pingIntervalTicks = 60
)

// Node runs the background loops of the enode subsystem: the lifecycle
// check, the sync tick, housekeeping, scheduled recovery connections, and
// the fan-out of block-tip notifications.
type Node struct {
	conf     *config.Config
	logger   *logrus.Entry
	services *Services

	tipCh      chan int
	shutdownCh chan struct{}
	shutdown   sync.Once
	wg         sync.WaitGroup

	backfilled bool

	start time.Time
}

// NewNode builds a Node around wired services.
func NewNode(conf *config.Config, services *Services) *Node {
	return &Node{
		conf:       conf,
		logger:     conf.Logger().WithField("prefix", "node"),
		services:   services,
		tipCh:      make(chan int, 16),
		shutdownCh: make(chan struct{}),
	}
}

// Services returns the wired components.
func (n *Node) Services() *Services {
	return n.services
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Run()
	}()
}

// Run drives the master loop until Shutdown.
func (n *Node) Run() {
	n.start = time.Now()
	n.logger.Info("Run loop started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-n.shutdownCh:
			n.logger.Info("Run loop stopped")
			return

		case height := <-n.tipCh:
			n.handleBlockTip(height)

		case <-ticker.C:
			tick++

			if tick%checkInterval == 0 {
				n.services.Registry.Check()
			}
			if tick%netsync.TickSeconds == 0 {
				n.services.Sync.ProcessTick(n.services.Net, n)
			}
			if tick%connReapInterval == 0 {
				n.processScheduledConnections()
			}
			if tick%pingIntervalTicks == 0 {
				n.services.Active.ManageState()
			}
			if tick%houseInterval == 0 {
				n.services.Registry.CheckAndRemove()
				n.services.Payments.CheckAndRemove()
				n.services.Fulfilled.Cleanup()
				n.backfillPaymentBlocks()
			}
		}
	}
}

// UpdatedBlockTip is the entry point for block-tip notifications from the
// chain engine. Never blocks: a full queue drops the oldest pending height,
// the newest tip is the one that matters.
func (n *Node) UpdatedBlockTip(height int) {
	for {
		select {
		case n.tipCh <- height:
			return
		default:
			select {
			case <-n.tipCh:
			default:
			}
		}
	}
}

func (n *Node) handleBlockTip(height int) {
	n.logger.WithField("height", height).Debug("UpdatedBlockTip")
	n.services.Registry.UpdatedBlockTip()
	n.services.Payments.UpdatedBlockTip(height)
	n.services.Registry.DoFullVerificationStep()
}

// backfillPaymentBlocks asks one peer for low-data payment blocks, once,
// after the initial sync has completed.
func (n *Node) backfillPaymentBlocks() {
	if n.backfilled || !n.services.Sync.IsSynced() {
		return
	}
	var picked p2p.Peer
	n.services.Net.ForEachPeer(func(p p2p.Peer) {
		if picked == nil {
			picked = p
		}
	})
	if picked == nil {
		return
	}
	n.services.Payments.RequestLowDataPaymentBlocks(picked)
	n.backfilled = true
}

// processScheduledConnections drains one batch of recovery connection
// requests.
func (n *Node) processScheduledConnections() {
	addr, asks := n.services.Registry.PopScheduledRequest()
	if addr == "" {
		return
	}
	peer, err := n.services.Net.Connect(addr)
	if err != nil {
		n.logger.WithField("addr", addr).Warning("processScheduledConnections -- can't connect")
		return
	}
	for _, ask := range asks {
		peer.Send(wire.CmdDseg, &wire.Dseg{Outpoint: ask.Outpoint})
	}
	n.logger.WithFields(logrus.Fields{
		"addr":  addr,
		"count": len(asks),
	}).Debug("processScheduledConnections -- asked for fresh announces")
}

// Shutdown stops the run loop and waits for it.
func (n *Node) Shutdown() {
	n.shutdown.Do(func() {
		n.logger.Info("Shutdown")
		close(n.shutdownCh)
	})
	n.wg.Wait()
}
