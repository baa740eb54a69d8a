package sync

import (
	"context"
	"sync"
)

// BusyPolicy controls what happens when a sync is requested for an account
// that is already syncing.
type BusyPolicy int

const (
	// BusySkip drops the request silently.
	BusySkip BusyPolicy = iota
	// BusyCancel cancels the running sync and takes its place.
	BusyCancel
	// BusyEnqueue queues the request; a later queued request replaces it,
	// the queue never holds more than one entry per account.
	BusyEnqueue
)

// Guard is the per-account mutual-exclusion lock. At most one sync runs per
// account id at any instant. Acquire and release are atomic check-and-set
// operations under one mutex.
type Guard struct {
	mu    sync.Mutex
	slots map[string]*guardSlot
	// queued holds at most one pending request flag per account.
	queued map[string]bool
}

type guardSlot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{
		slots:  make(map[string]*guardSlot),
		queued: make(map[string]bool),
	}
}

// TryAcquire attempts to take the lock for accountID. cancel may be nil; if
// given, a later CancelHolder call will invoke it. Returns false if the
// account is already held.
func (g *Guard) TryAcquire(accountID string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.slots[accountID]; held {
		return false
	}
	g.slots[accountID] = &guardSlot{cancel: cancel, done: make(chan struct{})}
	return true
}

// Release frees the lock for accountID. Safe to call on an unheld account.
func (g *Guard) Release(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if slot, held := g.slots[accountID]; held {
		close(slot.done)
		delete(g.slots, accountID)
	}
}

// Held reports whether a sync currently holds the lock for accountID.
func (g *Guard) Held(accountID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, held := g.slots[accountID]
	return held
}

// CancelHolder cancels the current holder, if any, and returns a channel that
// closes when the lock is released. The channel is already closed when the
// account was not held.
func (g *Guard) CancelHolder(accountID string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, held := g.slots[accountID]
	if !held {
		done := make(chan struct{})
		close(done)
		return done
	}
	if slot.cancel != nil {
		slot.cancel()
	}
	return slot.done
}

// Enqueue records a pending sync request for accountID, replacing any
// previously queued one.
func (g *Guard) Enqueue(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queued[accountID] = true
}

// TakeQueued removes and returns the pending request flag for accountID.
func (g *Guard) TakeQueued(accountID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	queued := g.queued[accountID]
	delete(g.queued, accountID)
	return queued
}
