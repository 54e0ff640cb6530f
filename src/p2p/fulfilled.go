package p2p

import (
	"sync"
	"time"
)

// FulfilledRequests remembers which request kinds were recently served to or
// by which peer address, so that repeat requests inside the cooldown window
// can be refused and scored.
type FulfilledRequests struct {
	mtx sync.Mutex

	byAddr map[string]map[string]int64

	nowFn func() int64
}

// NewFulfilledRequests returns an empty ledger.
func NewFulfilledRequests() *FulfilledRequests {
	return &FulfilledRequests{
		byAddr: make(map[string]map[string]int64),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
}

// Add records that the request kind was fulfilled for addr, expiring after
// ttl.
func (f *FulfilledRequests) Add(addr, kind string, ttl time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	kinds, ok := f.byAddr[addr]
	if !ok {
		kinds = make(map[string]int64)
		f.byAddr[addr] = kinds
	}
	kinds[kind] = f.nowFn() + int64(ttl/time.Second)
}

// Has reports whether the request kind is inside its cooldown window for
// addr.
func (f *FulfilledRequests) Has(addr, kind string) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	kinds, ok := f.byAddr[addr]
	if !ok {
		return false
	}
	expiry, ok := kinds[kind]
	return ok && f.nowFn() < expiry
}

// Cleanup drops expired entries. Called from the housekeeping tick.
func (f *FulfilledRequests) Cleanup() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	now := f.nowFn()
	for addr, kinds := range f.byAddr {
		for kind, expiry := range kinds {
			if expiry <= now {
				delete(kinds, kind)
			}
		}
		if len(kinds) == 0 {
			delete(f.byAddr, addr)
		}
	}
}

// Clear drops everything. Used when the sync machine resets after a failure.
func (f *FulfilledRequests) Clear() {
	f.mtx.Lock()
	f.byAddr = make(map[string]map[string]int64)
	f.mtx.Unlock()
}
