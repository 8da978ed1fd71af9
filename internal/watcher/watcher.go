// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package watcher declares the distributed-lock capability surface the
// work queue and journal coordinate against. It plays the role
// ImageWatcher plays in the original source: this module only consumes the
// interface, never implements the lock-arbitration protocol itself.
package watcher

// Watcher is the distributed-lock arbiter a volume.Context talks to. A
// volume without multi-writer coordination can leave this nil; C6 then
// treats the lock as always held.
type Watcher interface {
	// IsLockSupported reports whether this volume participates in
	// distributed-lock arbitration at all.
	IsLockSupported() bool

	// IsLockOwner reports whether this client currently owns the lock.
	IsLockOwner() bool

	// RequestLock asks the arbiter to begin acquiring the lock on this
	// client's behalf. It does not block; ownership arrives later,
	// observed through a subsequent IsLockOwner() becoming true.
	RequestLock()

	// FlagAioOpsPending/ClearAioOpsPending tell the arbiter whether this
	// client currently has dirty intent, the queued_writes 0<->1
	// transition in spec.md §4.6.
	FlagAioOpsPending()
	ClearAioOpsPending()

	// NotifyLockState lets a peer retry a lock request after this client
	// finishes journal replay, the handle_replay_complete hook
	// original_source wires through image_watcher->notify_lock_state().
	NotifyLockState()
}
