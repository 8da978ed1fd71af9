// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package fake implements watcher.Watcher as an in-process test double: an
// always-or-never lock owner with a request counter, standing in for a
// real distributed-lock arbiter the same way internal/objectstore/null
// stands in for a real object store.
package fake

import "sync"

// Watcher is a programmable watcher.Watcher for tests.
type Watcher struct {
	mu sync.Mutex

	supported bool
	owner     bool
	requests  int
	pending   bool
}

// New returns a Watcher. When supported is false, IsLockOwner always
// reports true (no arbitration in play).
func New(supported bool) *Watcher {
	return &Watcher{supported: supported, owner: !supported}
}

func (w *Watcher) IsLockSupported() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.supported
}

func (w *Watcher) IsLockOwner() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.owner
}

// RequestLock only counts the request; ownership arrives later through
// SetOwner, the way a real arbiter's grant would arrive asynchronously.
func (w *Watcher) RequestLock() {
	w.mu.Lock()
	w.requests++
	w.mu.Unlock()
}

// SetOwner lets a test simulate a lock grant/revocation arriving
// asynchronously from the arbiter.
func (w *Watcher) SetOwner(owner bool) {
	w.mu.Lock()
	w.owner = owner
	w.mu.Unlock()
}

// Requests reports how many times RequestLock was called.
func (w *Watcher) Requests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requests
}

func (w *Watcher) FlagAioOpsPending() {
	w.mu.Lock()
	w.pending = true
	w.mu.Unlock()
}

func (w *Watcher) ClearAioOpsPending() {
	w.mu.Lock()
	w.pending = false
	w.mu.Unlock()
}

// AioOpsPending reports the current flag value set by Flag/ClearAioOpsPending.
func (w *Watcher) AioOpsPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

func (w *Watcher) NotifyLockState() {}
