package spork

import (
	"sync"
)

// ID identifies an operator-controlled feature flag broadcast over the
// network.
type ID int

// Spork ids relevant to enode payments.
const (
	PaymentEnforcement ID = 8
	Superblocks        ID = 9
	PayUpdatedNodes    ID = 10
)

// Set holds the currently active sporks. The transport feeds it from spork
// broadcasts; consumers only read.
type Set struct {
	mtx    sync.RWMutex
	active map[ID]bool
}

// NewSet returns an empty spork set.
func NewSet() *Set {
	return &Set{
		active: make(map[ID]bool),
	}
}

// IsActive reports whether a spork is currently active.
func (s *Set) IsActive(id ID) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.active[id]
}

// SetActive activates or deactivates a spork.
func (s *Set) SetActive(id ID, active bool) {
	s.mtx.Lock()
	s.active[id] = active
	s.mtx.Unlock()
}

// Active returns the ids of the currently active sporks.
func (s *Set) Active() []ID {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	var ids []ID
	for id, active := range s.active {
		if active {
			ids = append(ids, id)
		}
	}
	return ids
}
