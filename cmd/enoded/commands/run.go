package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/btcec"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/crypto/keys"
	"github.com/enodenetwork/enoded/src/node"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/payments"
	"github.com/enodenetwork/enoded/src/registry"
	"github.com/enodenetwork/enoded/src/service"
	"github.com/enodenetwork/enoded/src/wallet"
)

// NewRunCmd returns the command that starts an enoded node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runEnoded,
	}
	AddRunFlags(cmd)
	return cmd
}

// runEnoded starts a standalone node against in-memory host backends. A full
// node embeds the subsystem by calling node.NewServices directly with its own
// Chain, Net and Wallet implementations; standalone mode exists to exercise
// the subsystem on regtest.
func runEnoded(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	var enodeKey *btcec.PrivateKey
	if _config.EnodeKey != "" {
		key, err := keys.ParsePrivateKeyHex(_config.EnodeKey)
		if err != nil {
			return err
		}
		enodeKey = key
	} else if _config.Enode {
		key, err := keys.NewSimpleKeyfile(_config.Keyfile()).ReadKey()
		if err != nil {
			return err
		}
		enodeKey = key
	}

	c := chain.NewFakeChain(0)
	netw := p2p.NewInmemNet()
	w := wallet.NewFakeWallet()

	services := node.NewServices(_config, c, netw, w, enodeKey)

	if _config.Store {
		regStore, err := registry.NewStore(_config.RegistryDir)
		if err != nil {
			return err
		}
		defer regStore.Close()
		if err := regStore.Load(services.Registry); err != nil {
			return err
		}

		payStore, err := payments.NewStore(_config.PaymentsDir)
		if err != nil {
			return err
		}
		defer payStore.Close()
		if err := payStore.Load(services.Payments); err != nil {
			return err
		}

		defer func() {
			if err := regStore.Save(services.Registry); err != nil {
				logger.WithError(err).Error("Failed to save registry")
			}
			if err := payStore.Save(services.Payments); err != nil {
				logger.WithError(err).Error("Failed to save payments")
			}
		}()
	}

	n := node.NewNode(_config, services)
	n.RunAsync()

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, n, logger.WithField("prefix", "service"))
		go serviceServer.Serve()
	}

	//Relay SIGINT to the node's shutdown
	sigintCh := make(chan os.Signal, 1)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigintCh

	n.Shutdown()
	return nil
}

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Copy log output to a file")
	cmd.Flags().String("network", _config.Network, "mainnet, testnet or regtest")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the overlay")
	cmd.Flags().String("externalip", _config.ExternalAddr, "Externally reachable IP:Port of the local enode")
	cmd.Flags().Bool("no-listen", _config.NoListen, "Do not accept inbound connections")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Enode
	cmd.Flags().Bool("enode", _config.Enode, "Run as an enode")
	cmd.Flags().String("enode-key", _config.EnodeKey, "Hex form of the enode operating key")
	cmd.Flags().Int("min-confirmations", _config.MinConfirmations, "Collateral maturity in blocks")
	cmd.Flags().Int("payments-start", _config.PaymentsStartBlock, "Height at which enode payments activate")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Persist the registry and the vote store with badgerDB")
	cmd.Flags().String("registry-db", _config.RegistryDir, "Registry database directory")
	cmd.Flags().String("payments-db", _config.PaymentsDir, "Payments database directory")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlagsLoadViper(cmd); err != nil {
		return err
	}

	// If --datadir was explicitly set, but not the db dirs, keep the dbs
	// inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":            _config.DataDir,
		"Network":            _config.Network,
		"BindAddr":           _config.BindAddr,
		"ExternalAddr":       _config.ExternalAddr,
		"ServiceAddr":        _config.ServiceAddr,
		"Enode":              _config.Enode,
		"MinConfirmations":   _config.MinConfirmations,
		"PaymentsStartBlock": _config.PaymentsStartBlock,
		"Store":              _config.Store,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// cmd.Flags() includes flags from this command and all persistent flags
	// from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	viper.SetConfigName("enoded")        // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	return viper.Unmarshal(_config)
}
