package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/enodenetwork/enoded/src/node"
)

// Service exposes the state of the enode subsystem over HTTP, for operators
// and monitoring.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService registers the API handlers with the DefaultServerMux of the http
// package.
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering enoded API handlers")
	http.HandleFunc("/status", s.makeHandler(s.GetStatus))
	http.HandleFunc("/enodes", s.makeHandler(s.GetEnodes))
	http.HandleFunc("/payments/", s.makeHandler(s.GetPayments))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving enoded API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStatus returns the sync, activation and registry summary.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	services := s.node.Services()

	stats := map[string]string{
		"sync_status":    services.Sync.SyncStatus(),
		"sync_asset":     services.Sync.AssetName(),
		"active_status":  services.Active.StatusText(),
		"active_type":    services.Active.TypeString(),
		"enode_count":    strconv.Itoa(services.Registry.Size()),
		"enabled_count":  strconv.Itoa(services.Registry.CountEnabled(-1)),
		"vote_count":     strconv.Itoa(services.Payments.VoteCount()),
		"payment_blocks": strconv.Itoa(services.Payments.BlockCount()),
		"tip_height":     strconv.Itoa(services.Chain.TipHeight()),
		"registry":       services.Registry.String(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("Failed to encode status")
	}
}

// GetEnodes returns a snapshot of every registry record.
func (s *Service) GetEnodes(w http.ResponseWriter, r *http.Request) {
	infos := s.node.Services().Registry.Infos()

	type enodeJSON struct {
		Outpoint string `json:"outpoint"`
		Addr     string `json:"addr"`
		State    string `json:"state"`
		Protocol int    `json:"protocol"`
		SigTime  int64  `json:"sig_time"`
		LastPing int64  `json:"last_ping"`
		LastPaid int64  `json:"last_paid"`
	}

	out := make([]enodeJSON, len(infos))
	for i, info := range infos {
		out[i] = enodeJSON{
			Outpoint: info.Outpoint.StringShort(),
			Addr:     info.Addr,
			State:    info.State.String(),
			Protocol: info.ProtocolVersion,
			SigTime:  info.SigTime,
			LastPing: info.TimeLastPing,
			LastPaid: info.TimeLastPaid,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.WithError(err).Error("Failed to encode enodes")
	}
}

// GetPayments returns the vote standing of one height: /payments/{height}
func (s *Service) GetPayments(w http.ResponseWriter, r *http.Request) {
	param := strings.TrimPrefix(r.URL.Path, "/payments/")
	height, err := strconv.Atoi(param)
	if err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{
		"height":   param,
		"payments": s.node.Services().Payments.RequiredPaymentsString(height),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode payments")
	}
}
