// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package completion implements the fan-in aggregate that every image
// request (C5) submits its object, cache and journal children through. It
// plays the role objproxy's request/done channel pair plays for a single
// round trip, generalized to many children converging on one user callback.
package completion

import (
	"sync"

	"github.com/asch/rbdcore/internal/errno"
)

// Aggregate fans in an arbitrary number of child completions and invokes a
// user callback exactly once, after finish-adding-requests has been called
// and every outstanding child has reported. The zero value is not usable;
// construct with New.
type Aggregate struct {
	mu sync.Mutex

	outstanding int
	addingDone  bool
	fired       bool

	result Errno
	onDone func(errno.Errno)
}

// Errno is a local alias to keep call sites in this package terse.
type Errno = errno.Errno

// New returns an aggregate with a single outstanding reference held by the
// submitter. The submitter must drop it via FinishAddingRequests once every
// AddChild call for this request has been issued.
func New(onDone func(errno.Errno)) *Aggregate {
	return &Aggregate{outstanding: 1, onDone: onDone}
}

// AddChild registers one more outstanding child; the caller guarantees a
// later CompleteChild call for it.
func (a *Aggregate) AddChild() {
	a.mu.Lock()
	a.outstanding++
	a.mu.Unlock()
}

// CompleteChild reports one child's terminal result. If this was the last
// outstanding reference and FinishAddingRequests has already been called,
// the user callback fires exactly once, from whichever goroutine observes
// the zero crossing.
func (a *Aggregate) CompleteChild(result errno.Errno) {
	a.mu.Lock()
	a.result = errno.Worse(a.result, result)
	a.completeChildLocked()
}

// completeChildLocked must be called with a.mu held exactly once per logical
// completion; it decrements outstanding and fires the callback under lock
// release discipline. Any result to fold in must already be recorded in
// a.result by the caller (CompleteChild, Fail) before calling this.
func (a *Aggregate) completeChildLocked() {
	a.outstanding--
	fire := a.addingDone && a.outstanding == 0 && !a.fired
	if fire {
		a.fired = true
	}
	result := a.result
	cb := a.onDone
	a.mu.Unlock()

	if fire && cb != nil {
		cb(result)
	}
}

// FinishAddingRequests marks that no further children will be registered. It
// releases the submission-path reference taken by New, so it is safe to call
// exactly once per request, after all AddChild calls for that request have
// been issued.
func (a *Aggregate) FinishAddingRequests() {
	a.mu.Lock()
	a.addingDone = true
	a.completeChildLocked()
}

// Fail is the synchronous short-circuit used for precondition failures
// detected on the submission thread: it records the result, marks adding
// done, and forces terminal dispatch in one step.
func (a *Aggregate) Fail(result errno.Errno) {
	a.mu.Lock()
	a.result = errno.Worse(a.result, result)
	a.addingDone = true
	a.outstanding = 0
	a.fired = true
	cb := a.onDone
	r := a.result
	a.mu.Unlock()

	if cb != nil {
		cb(r)
	}
}
