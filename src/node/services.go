package node

import (
	"github.com/btcsuite/btcd/btcec"

	"github.com/enodenetwork/enoded/src/active"
	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/config"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/payments"
	"github.com/enodenetwork/enoded/src/registry"
	"github.com/enodenetwork/enoded/src/spork"
	"github.com/enodenetwork/enoded/src/wallet"
)

// Services bundles every component of the enode subsystem. It replaces the
// original design's global singletons: constructed once at startup and passed
// explicitly, lifetime = process.
type Services struct {
	Chain     chain.Chain
	Net       p2p.Net
	Wallet    wallet.Wallet
	Sporks    *spork.Set
	Fulfilled *p2p.FulfilledRequests
	Sync      *netsync.Sync
	Registry  *registry.Registry
	Payments  *payments.Engine
	Active    *active.Manager
}

// NewServices wires the subsystem together around the host interfaces.
func NewServices(conf *config.Config, c chain.Chain, netw p2p.Net, w wallet.Wallet, enodeKey *btcec.PrivateKey) *Services {
	logger := conf.Logger()

	sporks := spork.NewSet()
	fulfilled := p2p.NewFulfilledRequests()

	sync := netsync.New(c, logger.WithField("prefix", "netsync"))
	sync.SetResetHook(fulfilled.Clear)

	reg := registry.New(c, netw, sync, fulfilled,
		logger.WithField("prefix", "registry"),
		registry.Options{
			Mainnet:          conf.Mainnet(),
			Regtest:          conf.Regtest(),
			MainnetPort:      config.DefaultMainnetPort,
			MinConfirmations: conf.MinConfirmations,
		})

	pay := payments.New(c, netw, sync, sporks, reg, fulfilled,
		logger.WithField("prefix", "payments"),
		payments.Options{
			StartBlock: conf.PaymentsStartBlock,
			IsEnode:    conf.Enode,
		})

	act := active.New(c, netw, reg, sync, w, enodeKey,
		logger.WithField("prefix", "active"),
		active.Options{
			IsEnode:          conf.Enode,
			Listen:           !conf.NoListen,
			ExternalAddr:     conf.ExternalAddr,
			Mainnet:          conf.Mainnet(),
			Regtest:          conf.Regtest(),
			MainnetPort:      config.DefaultMainnetPort,
			MinConfirmations: conf.MinConfirmations,
		})

	reg.SetPaymentsView(pay)
	reg.SetActiveView(act)
	pay.SetActiveView(act)

	return &Services{
		Chain:     c,
		Net:       netw,
		Wallet:    w,
		Sporks:    sporks,
		Fulfilled: fulfilled,
		Sync:      sync,
		Registry:  reg,
		Payments:  pay,
		Active:    act,
	}
}
