package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/enodenetwork/enoded/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the enode's
	// operating private key
	DefaultKeyfile = "enode_key"

	// DefaultRegistryDB is the default name of the folder containing the
	// registry database
	DefaultRegistryDB = "registry_db"

	// DefaultPaymentsDB is the default name of the folder containing the
	// payment-vote database
	DefaultPaymentsDB = "payments_db"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultBindAddr         = "0.0.0.0:10101"
	DefaultServiceAddr      = "127.0.0.1:8100"
	DefaultNetwork          = "mainnet"
	DefaultMainnetPort      = 10101
	DefaultMinConfirmations = 15
	DefaultPaymentsStart    = 1000
)

// Config contains all the configuration properties of an enoded node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, copies log output to this file through a hook. The
	// file is not rotated.
	LogFile string `mapstructure:"log-file"`

	// Network selects mainnet, testnet or regtest parameters.
	Network string `mapstructure:"network"`

	// BindAddr is the local address:port the overlay listens on.
	BindAddr string `mapstructure:"listen"`

	// ExternalAddr overrides external address discovery for the local
	// enode.
	ExternalAddr string `mapstructure:"externalip"`

	// NoListen disables inbound connections; an enode cannot run with it.
	NoListen bool `mapstructure:"no-listen"`

	// ServiceAddr is the address:port of the HTTP status service.
	ServiceAddr string `mapstructure:"service-listen"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// Enode flags this process as an enode operator.
	Enode bool `mapstructure:"enode"`

	// EnodeKey is the hex form of the enode operating key. When empty, the
	// keyfile in DataDir is used.
	EnodeKey string `mapstructure:"enode-key"`

	// MinConfirmations is the consensus-defined collateral maturity.
	MinConfirmations int `mapstructure:"min-confirmations"`

	// PaymentsStartBlock is the height at which enode payments activate.
	PaymentsStartBlock int `mapstructure:"payments-start"`

	// Store activates persistent storage of the registry and the vote
	// store.
	Store bool `mapstructure:"store"`

	// RegistryDir is the directory of the registry database.
	RegistryDir string `mapstructure:"registry-db"`

	// PaymentsDir is the directory of the payment-vote database.
	PaymentsDir string `mapstructure:"payments-db"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		Network:            DefaultNetwork,
		BindAddr:           DefaultBindAddr,
		ServiceAddr:        DefaultServiceAddr,
		MinConfirmations:   DefaultMinConfirmations,
		PaymentsStartBlock: DefaultPaymentsStart,
		RegistryDir:        DefaultRegistryDir(),
		PaymentsDir:        DefaultPaymentsDir(),
	}
	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// Mainnet reports whether the node runs with mainnet parameters.
func (c *Config) Mainnet() bool {
	return c.Network == "mainnet"
}

// Regtest reports whether the node runs with regtest parameters.
func (c *Config) Regtest() bool {
	return c.Network == "regtest"
}

// SetDataDir sets the top-level directory, and updates the database
// directories if they are currently set to the default values.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.RegistryDir == DefaultRegistryDir() {
		c.RegistryDir = filepath.Join(dataDir, DefaultRegistryDB)
	}
	if c.PaymentsDir == DefaultPaymentsDir() {
		c.PaymentsDir = filepath.Join(dataDir, DefaultPaymentsDB)
	}
}

// Keyfile returns the full path of the file containing the enode key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// Logger returns a formatted logrus Entry, with prefix set to "enoded".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.Info("Failed to open log file, using default stderr")
			} else {
				for _, level := range logrus.AllLevels {
					if level <= c.logger.Level {
						pathMap[level] = c.LogFile
					}
				}
				c.logger.Hooks.Add(lfshook.NewHook(
					pathMap,
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger.WithField("prefix", "enoded")
}

// DefaultRegistryDir returns the default path for the registry database.
func DefaultRegistryDir() string {
	return filepath.Join(DefaultDataDir(), DefaultRegistryDB)
}

// DefaultPaymentsDir returns the default path for the payments database.
func DefaultPaymentsDir() string {
	return filepath.Join(DefaultDataDir(), DefaultPaymentsDB)
}

// DefaultDataDir returns the default directory name for top-level enoded
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Enoded")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Enoded")
		} else {
			return filepath.Join(home, ".enoded")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
