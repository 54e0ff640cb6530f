package active

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/chain"
	"github.com/enodenetwork/enoded/src/enode"
	"github.com/enodenetwork/enoded/src/netsync"
	"github.com/enodenetwork/enoded/src/p2p"
	"github.com/enodenetwork/enoded/src/registry"
	"github.com/enodenetwork/enoded/src/wallet"
	"github.com/enodenetwork/enoded/src/wire"
)

// Type tells whether the collateral lives in this process' wallet or
// somewhere remote.
type Type int

const (
	TypeUnknown Type = iota
	TypeRemote
	TypeLocal
)

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeRemote:
		return "REMOTE"
	case TypeLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Status is the activation progress of the own enode.
type Status int

const (
	StatusInitial Status = iota
	StatusSyncInProcess
	StatusInputTooNew
	StatusNotCapable
	StatusStarted
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "INITIAL"
	case StatusSyncInProcess:
		return "SYNC_IN_PROCESS"
	case StatusInputTooNew:
		return "INPUT_TOO_NEW"
	case StatusNotCapable:
		return "NOT_CAPABLE"
	case StatusStarted:
		return "STARTED"
	default:
		return "UNKNOWN"
	}
}

// Options configures the local activation component.
type Options struct {
	// IsEnode flags the process as configured to run an enode.
	IsEnode bool

	// Listen must be on; an enode has to accept inbound connections.
	Listen bool

	// ExternalAddr overrides external address discovery.
	ExternalAddr string

	Mainnet          bool
	Regtest          bool
	MainnetPort      uint16
	MinConfirmations int
}

// published is the identity snapshot other components read while holding
// their own locks. It is updated atomically so readers never contend with
// the activation tick.
type published struct {
	outpoint wire.OutPoint
	service  string
}

// Manager drives the process' own enode from "just started" to "broadcasting
// and pinging". It exclusively owns the activation state.
type Manager struct {
	mtx sync.Mutex

	pub atomic.Value

	chain  chain.Chain
	netw   p2p.Net
	reg    *registry.Registry
	sync   *netsync.Sync
	wallet wallet.Wallet
	logger *logrus.Entry
	opts   Options

	typ              Type
	status           Status
	notCapableReason string
	pingerEnabled    bool

	enodePriv *btcec.PrivateKey
	enodePub  []byte
	outpoint  wire.OutPoint
	service   string

	// selfAnnounceCh decouples the activation tick from the message
	// handlers: validators publish, this component consumes.
	selfAnnounceCh chan struct{}

	nowFn func() int64
}

// New constructs the activation manager with the enode operating key.
func New(c chain.Chain, netw p2p.Net, reg *registry.Registry, sync *netsync.Sync, w wallet.Wallet, enodeKey *btcec.PrivateKey, logger *logrus.Entry, opts Options) *Manager {
	m := &Manager{
		chain:          c,
		netw:           netw,
		reg:            reg,
		sync:           sync,
		wallet:         w,
		logger:         logger,
		opts:           opts,
		service:        opts.ExternalAddr,
		selfAnnounceCh: make(chan struct{}, 1),
		nowFn:          func() int64 { return time.Now().Unix() },
	}
	if enodeKey != nil {
		m.enodePriv = enodeKey
		m.enodePub = enodeKey.PubKey().SerializeCompressed()
	}
	m.pub.Store(published{service: m.service})
	return m
}

// publishLocked refreshes the atomic identity snapshot after outpoint or
// service changed.
func (m *Manager) publishLocked() {
	m.pub.Store(published{outpoint: m.outpoint, service: m.service})
}

// IsEnode implements registry.ActiveView.
func (m *Manager) IsEnode() bool {
	return m.opts.IsEnode
}

// Outpoint implements registry.ActiveView. Lock-free: the registry reads it
// while holding its own lock.
func (m *Manager) Outpoint() wire.OutPoint {
	return m.pub.Load().(published).outpoint
}

// EnodePubKey implements registry.ActiveView.
func (m *Manager) EnodePubKey() []byte {
	return m.enodePub
}

// EnodePrivKey implements registry.ActiveView.
func (m *Manager) EnodePrivKey() *btcec.PrivateKey {
	return m.enodePriv
}

// Service implements registry.ActiveView. Lock-free, like Outpoint.
func (m *Manager) Service() string {
	return m.pub.Load().(published).service
}

// NotifySelfAnnounce implements registry.ActiveView. Non-blocking: the next
// ManageState tick picks it up.
func (m *Manager) NotifySelfAnnounce() {
	select {
	case m.selfAnnounceCh <- struct{}{}:
	default:
	}
}

// Status returns the current activation status.
func (m *Manager) Status() Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.status
}

// TypeString returns the printable activation type.
func (m *Manager) TypeString() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.typ.String()
}

// StatusText returns the operator-facing status line.
func (m *Manager) StatusText() string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	switch m.status {
	case StatusInitial:
		return "Node just started, not yet activated"
	case StatusSyncInProcess:
		return "Sync in progress. Must wait until sync is complete to start enode"
	case StatusInputTooNew:
		return fmt.Sprintf("Enode input must have at least %d confirmations", m.opts.MinConfirmations)
	case StatusNotCapable:
		return "Not capable enode: " + m.notCapableReason
	case StatusStarted:
		return "Enode successfully started"
	default:
		return "Unknown"
	}
}

// ManageState is the periodic activation tick.
func (m *Manager) ManageState() {
	// consume pending self-announce events
	select {
	case <-m.selfAnnounceCh:
	default:
	}

	if !m.opts.IsEnode {
		return
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.opts.Regtest && !m.sync.IsBlockchainSynced() {
		m.status = StatusSyncInProcess
		m.logger.WithField("status", m.status.String()).Info("ManageState")
		return
	}

	if m.status == StatusSyncInProcess {
		m.status = StatusInitial
	}

	m.logger.WithFields(logrus.Fields{
		"status": m.status.String(),
		"type":   m.typ.String(),
		"pinger": m.pingerEnabled,
	}).Debug("ManageState")

	if m.typ == TypeUnknown {
		m.manageStateInitial()
	}

	if m.typ == TypeRemote {
		m.manageStateRemote()
	} else if m.typ == TypeLocal {
		// try remote start first so a started local enode restarts without
		// recreating its broadcast
		m.manageStateRemote()
		if m.status != StatusStarted {
			m.manageStateLocal()
		}
	}

	m.sendPingLocked()
}

func (m *Manager) notCapable(reason string) {
	m.status = StatusNotCapable
	m.notCapableReason = reason
	m.logger.WithField("status", m.status.String()).Warning(reason)
}

func (m *Manager) manageStateInitial() {
	if !m.opts.Listen {
		m.notCapable("Enode must accept connections from outside. Make sure the listen configuration option is on.")
		return
	}

	if m.service == "" {
		// no override: try to learn our external address from the transport
		if la, ok := m.netw.(p2p.LocalAddresser); ok {
			if addr, found := la.LocalAddr(); found && enode.IsValidNetAddr(addr, m.opts.Regtest) {
				m.service = addr
				m.publishLocked()
			}
		}
	}
	if m.service == "" || !enode.IsValidNetAddr(m.service, m.opts.Regtest) {
		m.notCapable("Can't detect valid external address. Please consider using the externalip configuration option. Make sure to use an IPv4 address only.")
		return
	}

	port := wire.AddrPort(m.service)
	if m.opts.Mainnet {
		if port != m.opts.MainnetPort {
			m.notCapable(fmt.Sprintf("Invalid port: %d - only %d is supported on mainnet.", port, m.opts.MainnetPort))
			return
		}
	} else if port == m.opts.MainnetPort {
		m.notCapable(fmt.Sprintf("Invalid port: %d - %d is only supported on mainnet.", port, m.opts.MainnetPort))
		return
	}

	m.logger.WithField("service", m.service).Info("ManageStateInitial -- checking inbound connection")
	if _, err := m.netw.Connect(m.service); err != nil {
		m.notCapable("Could not connect to " + m.service)
		return
	}

	// default to remote
	m.typ = TypeRemote

	if m.wallet == nil {
		m.logger.Warning("ManageStateInitial -- wallet not available")
		return
	}
	if m.wallet.IsLocked() {
		m.logger.Warning("ManageStateInitial -- wallet is locked")
		return
	}
	if m.wallet.Balance() < chain.CollateralAmount {
		m.logger.Warning("ManageStateInitial -- wallet balance is below the collateral amount")
		return
	}

	// collateral found: we can start the enode from this wallet
	if _, ok := m.wallet.SelectCollateral(); ok {
		m.typ = TypeLocal
	}

	m.logger.WithFields(logrus.Fields{
		"status": m.status.String(),
		"type":   m.typ.String(),
	}).Debug("ManageStateInitial -- end")
}

func (m *Manager) manageStateRemote() {
	m.reg.CheckEnodeByKey(m.enodePub, false)

	info := m.reg.GetInfoByEnodeKey(m.enodePub)
	if !info.Valid {
		m.notCapable("Enode not in enode list")
		return
	}

	if info.ProtocolVersion != wire.ProtocolVersion {
		m.notCapable("Invalid protocol version")
		return
	}
	if m.service != info.Addr {
		m.notCapable("Broadcasted IP doesn't match our external address. Make sure you issued a new broadcast if the IP of this enode changed recently.")
		return
	}
	if !enode.IsValidStateForAutoStart(info.State) {
		m.notCapable(fmt.Sprintf("Enode in %s state", info.State.String()))
		return
	}

	if m.status != StatusStarted {
		m.logger.Info("ManageStateRemote -- STARTED")
		m.outpoint = info.Outpoint
		m.service = info.Addr
		m.publishLocked()
		m.pingerEnabled = true
		m.status = StatusStarted
	}
}

func (m *Manager) manageStateLocal() {
	if m.status == StatusStarted {
		return
	}

	col, ok := m.wallet.SelectCollateral()
	if !ok {
		return
	}

	height, found := m.chain.HeightOfTx(col.Outpoint.Hash)
	if !found {
		return
	}
	age := m.chain.TipHeight() - height + 1
	if age < m.opts.MinConfirmations {
		m.status = StatusInputTooNew
		m.notCapableReason = fmt.Sprintf("Enode input must have at least %d confirmations - %d confirmations",
			m.opts.MinConfirmations, age)
		m.logger.WithField("confirmations", age).Warning("ManageStateLocal -- input too new")
		return
	}

	m.wallet.LockCoin(col.Outpoint)

	ann, err := CreateAnnounce(m.chain, col, m.service, m.enodePriv, m.nowFn())
	if err != nil {
		m.notCapable("Error creating enode broadcast: " + err.Error())
		return
	}

	m.outpoint = col.Outpoint
	m.publishLocked()
	m.pingerEnabled = true
	m.status = StatusStarted

	m.logger.WithField("enode", m.outpoint.StringShort()).Info("ManageStateLocal -- updating enode list")
	m.reg.InstallLocalAnnounce(ann)

	m.logger.Info("ManageStateLocal -- relaying broadcast")
	m.netw.RelayInv(wire.Inv{Type: wire.InvTypeAnnounce, Hash: ann.Hash()})
}

// SendPing signs and gossips a fresh ping, bumping the own record first so
// the liveness check never sees us expired. Rate limited to one ping per
// MinPingSeconds.
func (m *Manager) SendPing() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.sendPingLocked()
}

func (m *Manager) sendPingLocked() bool {
	if !m.pingerEnabled {
		m.logger.WithField("status", m.status.String()).
			Debug("SendPing -- ping service is disabled, skipping")
		return false
	}

	if !m.reg.Has(m.outpoint) {
		m.notCapableReason = "Enode not in enode list"
		m.status = StatusNotCapable
		m.logger.Warning("SendPing -- " + m.notCapableReason)
		return false
	}

	ping, err := CreatePing(m.chain, m.outpoint, m.enodePriv, m.nowFn())
	if err != nil {
		m.logger.WithError(err).Error("SendPing -- couldn't sign enode ping")
		return false
	}

	if m.reg.IsEnodePingedWithin(m.outpoint, enode.MinPingSeconds, ping.SigTime) {
		m.logger.Debug("SendPing -- too early to send enode ping")
		return false
	}

	m.reg.SetEnodeLastPing(m.outpoint, *ping)

	m.logger.WithField("enode", m.outpoint.StringShort()).Info("SendPing -- relaying ping")
	m.netw.RelayInv(wire.Inv{Type: wire.InvTypePing, Hash: ping.Hash()})
	return true
}
