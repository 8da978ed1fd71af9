// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package journal implements the C4 journal coordinator: it appends events
// to a durable Journaler, tracks each event's still-unacknowledged extent
// interval, and fires on-safe callbacks once an event is both durable and
// fully acknowledged. It plays the role Journal.cc/h plays in the original
// source, with its event map keyed by a bs3/key-style sequence counter and
// its wire entries gob-encoded the way sectormap checkpoints itself.
package journal

import (
	"errors"
	"sync"

	"github.com/asch/rbdcore/internal/completion"
	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/extentset"
	"github.com/asch/rbdcore/internal/objectio"
)

// State is one of the eight states a Journal moves through over its
// lifetime, matching spec.md §4.4 exactly.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReplaying
	StateRestartingReplay
	StateReady
	StateStopping
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReplaying:
		return "replaying"
	case StateRestartingReplay:
		return "restarting_replay"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReplayAttempts bounds the Replaying <-> RestartingReplay loop. The
// original source retries until the underlying journaler's read stream is
// exhausted cleanly; a Journaler implementation here is expected to resume
// from its own last-committed position on a repeat Replay() call, so a
// handful of attempts is enough to tell a transient failure from a corrupt
// tail that will never clean up.
const maxReplayAttempts = 3

// Event is one appended, not-yet-finalized journal entry: a pending extent
// interval, stashed object-write children awaiting the safe callback, and
// the completion aggregate to notify once it finalizes.
type Event struct {
	TID            int64
	Aggregate      *completion.Aggregate
	Pending        []*objectio.Request
	pendingExtents *extentset.Set
	safe           bool
	result         errno.Errno
}

// Hooks wires the journal coordinator to its collaborators without an
// import cycle: the code that wires a volume (cmd/rbdcored) supplies these
// at construction time rather than journal importing the work queue or the
// object request layer's routing directly.
type Hooks struct {
	// SuspendWrites/ResumeWrites gate internal/workqueue the way
	// Journal::block_writes/unblock_writes do in the original source.
	SuspendWrites func()
	ResumeWrites  func()

	// Submit hands a stashed object-write child, tagged with its owning
	// event's tid, to the object request layer once the event goes safe.
	// This is the single dispatch point cmd/rbdcored's wiring uses to
	// decide between a direct objectio.Proxy submit and a cache-routed
	// one (see internal/cache's tid-gated write-back).
	Submit func(tid int64, req *objectio.Request)

	// Replay applies one decoded entry recovered from the journaler
	// during Open. An error here triggers RestartingReplay.
	Replay func(EventEntry) error
}

// Journal is the C4 coordinator: state machine, tid allocator, and event
// map in one value, safe for concurrent use.
type Journal struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	err   errno.Errno

	journaler Journaler
	hooks     Hooks
	tids      tidSequence
	events    map[int64]*Event
}

// New constructs a Journal over journaler, not yet opened.
func New(journaler Journaler, hooks Hooks) *Journal {
	j := &Journal{
		journaler: journaler,
		hooks:     hooks,
		events:    make(map[int64]*Event),
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// transitionLocked moves to next, recording e as the journal's sticky error
// if none has been recorded yet (spec.md §4.4: "subsequent failures do not
// overwrite"). Callers must hold mu.
func (j *Journal) transitionLocked(next State, e errno.Errno) {
	j.state = next
	if e != errno.OK && j.err == errno.OK {
		j.err = e
	}
	j.cond.Broadcast()
}

// State reports the current state.
func (j *Journal) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// WaitSteady blocks until the journal reaches Ready or Closed.
func (j *Journal) WaitSteady() {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.state != StateReady && j.state != StateClosed {
		j.cond.Wait()
	}
}

// Open drives Uninitialized through Initializing and Replaying to Ready,
// suspending new writes for the duration the way block_writes/unblock_writes
// do around the original's init/replay sequence.
func (j *Journal) Open() error {
	j.mu.Lock()
	if j.state != StateUninitialized {
		j.mu.Unlock()
		return errors.New("journal: already opened")
	}
	j.state = StateInitializing
	j.mu.Unlock()

	if j.hooks.SuspendWrites != nil {
		j.hooks.SuspendWrites()
	}

	if err := j.journaler.Open(); err != nil {
		j.mu.Lock()
		j.transitionLocked(StateClosed, errno.FromError(err))
		j.mu.Unlock()
		return err
	}

	j.mu.Lock()
	j.state = StateReplaying
	j.mu.Unlock()

	if err := j.replay(); err != nil {
		return err
	}

	j.mu.Lock()
	j.transitionLocked(StateReady, errno.OK)
	j.mu.Unlock()

	if j.hooks.ResumeWrites != nil {
		j.hooks.ResumeWrites()
	}
	return nil
}

// replay reads every previously-committed entry and applies it through
// hooks.Replay, bouncing through RestartingReplay on failure up to
// maxReplayAttempts before giving up and closing the journal.
func (j *Journal) replay() error {
	for attempt := 0; attempt < maxReplayAttempts; attempt++ {
		entries, err := j.journaler.Replay()
		if err != nil {
			j.mu.Lock()
			j.transitionLocked(StateClosed, errno.FromError(err))
			j.mu.Unlock()
			return err
		}

		failure := j.applyReplay(entries)
		if failure == nil {
			return nil
		}
		if attempt == maxReplayAttempts-1 {
			j.mu.Lock()
			j.transitionLocked(StateClosed, errno.FromError(failure))
			j.mu.Unlock()
			return failure
		}

		j.mu.Lock()
		j.state = StateRestartingReplay
		j.mu.Unlock()
		j.mu.Lock()
		j.state = StateReplaying
		j.mu.Unlock()
	}
	return nil
}

func (j *Journal) applyReplay(entries []Entry) error {
	for _, e := range entries {
		ee, err := Decode(e.Data)
		if err != nil {
			return err
		}
		if j.hooks.Replay != nil {
			if err := j.hooks.Replay(ee); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendEvent allocates a tid, lets buildChildren construct the event's
// object-write children against that tid (so their completion callbacks
// can call CommitEventExtent), then submits entry to the journaler and
// stashes those children until the append is reported safe
// (original_source's handle_event_safe sends waiting aio requests only
// once the entry is durable; see DESIGN.md for this Open Question
// resolution). extentOffset and extentLength describe the event's overall
// volume-byte-range; a flush event passes length 0 so it has nothing left
// to acknowledge once safe, and a nil buildChildren likewise has no
// children to stash.
func (j *Journal) AppendEvent(agg *completion.Aggregate, entry EventEntry, extentOffset, extentLength int64, buildChildren func(tid int64) []*objectio.Request, synchronous bool) (int64, error) {
	data, err := Encode(entry)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	switch j.state {
	case StateStopping, StateClosing, StateClosed:
		j.mu.Unlock()
		return 0, errno.ErrShutdown
	}
	tid := j.tids.next()
	ev := &Event{
		TID:            tid,
		Aggregate:      agg,
		pendingExtents: extentset.New(extentOffset, extentLength),
		result:         errno.OK,
	}
	j.events[tid] = ev
	j.mu.Unlock()

	// buildChildren runs with tid already tracked in j.events, since a
	// skip-partial discard's suppressed interior extent calls
	// CommitEventExtent synchronously from inside it, before Append even
	// sees the entry.
	var children []*objectio.Request
	if buildChildren != nil {
		children = buildChildren(tid)
	}

	j.mu.Lock()
	ev.Pending = children
	j.mu.Unlock()

	future, err := j.journaler.Append(data)
	if err != nil {
		j.mu.Lock()
		delete(j.events, tid)
		j.mu.Unlock()
		return 0, err
	}

	var done chan struct{}
	if synchronous {
		done = make(chan struct{})
	}
	future.Wait(func(err error) {
		j.handleEventSafe(tid, errno.FromError(err))
		if done != nil {
			close(done)
		}
	})

	if done != nil {
		<-done
	}

	return tid, nil
}

// handleEventSafe marks tid's append durable, releases its stashed
// children to the object store, and finalizes immediately if the event had
// no extent left to acknowledge (the flush case).
func (j *Journal) handleEventSafe(tid int64, result errno.Errno) {
	j.mu.Lock()
	ev, ok := j.events[tid]
	if !ok {
		j.mu.Unlock()
		return
	}
	ev.safe = true
	ev.result = errno.Worse(ev.result, result)
	pending := ev.Pending
	ev.Pending = nil
	finalize := ev.pendingExtents.Empty()
	j.mu.Unlock()

	if j.hooks.Submit != nil {
		for _, c := range pending {
			j.hooks.Submit(tid, c)
		}
	}

	if finalize {
		j.finalize(tid)
	}
}

// CommitEventExtent is called from the object-write completion path
// (wired by internal/imagereq) once one child lands. It subtracts the
// child's range from the event's pending-extent set and finalizes the
// event if the set is now empty and the append is already safe.
func (j *Journal) CommitEventExtent(tid, offset, length int64, result errno.Errno) {
	j.mu.Lock()
	ev, ok := j.events[tid]
	if !ok {
		j.mu.Unlock()
		return
	}
	ev.result = errno.Worse(ev.result, result)
	ev.pendingExtents.Subtract(offset, length)
	finalize := ev.safe && ev.pendingExtents.Empty()
	j.mu.Unlock()

	if finalize {
		j.finalize(tid)
	}
}

// finalize erases tid's event and delivers its cumulative result to its
// completion aggregate exactly once.
func (j *Journal) finalize(tid int64) {
	j.mu.Lock()
	ev, ok := j.events[tid]
	if !ok {
		j.mu.Unlock()
		return
	}
	delete(j.events, tid)
	result := ev.result
	agg := ev.Aggregate
	j.mu.Unlock()

	if agg != nil {
		agg.CompleteChild(result)
	}
}

// failEvent erases tid's event immediately with result folded in, used by
// Close to drain in-flight entries rather than leave them stuck waiting on
// a journaler that is about to go away.
func (j *Journal) failEvent(tid int64, result errno.Errno) {
	j.mu.Lock()
	ev, ok := j.events[tid]
	if !ok {
		j.mu.Unlock()
		return
	}
	delete(j.events, tid)
	ev.result = errno.Worse(ev.result, result)
	result = ev.result
	agg := ev.Aggregate
	j.mu.Unlock()

	if agg != nil {
		agg.CompleteChild(result)
	}
}

// Close drives Ready through Stopping and Closing to Closed, blocking new
// writes first and draining any events still outstanding so Closed is
// never reached with live entries in the map.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.state == StateClosed || j.state == StateClosing {
		j.mu.Unlock()
		return nil
	}
	j.state = StateStopping
	j.mu.Unlock()

	if j.hooks.SuspendWrites != nil {
		j.hooks.SuspendWrites()
	}

	j.mu.Lock()
	j.state = StateClosing
	pending := make([]int64, 0, len(j.events))
	for tid := range j.events {
		pending = append(pending, tid)
	}
	j.mu.Unlock()

	for _, tid := range pending {
		j.failEvent(tid, errno.ErrShutdown)
	}

	err := j.journaler.Close()

	j.mu.Lock()
	j.transitionLocked(StateClosed, errno.FromError(err))
	j.mu.Unlock()

	return err
}

// HandleRequestedLock reports whether the lock may be released right now.
// The original source refuses mid-replay, since a peer owning the lock
// could append events this journal hasn't caught up on yet.
func (j *Journal) HandleRequestedLock() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StateInitializing, StateReplaying, StateRestartingReplay:
		return false
	default:
		return true
	}
}

// HandleReleasingLock blocks new writes before this client gives up lock
// ownership, matching handle_releasing_lock in the original source.
func (j *Journal) HandleReleasingLock() {
	if j.hooks.SuspendWrites != nil {
		j.hooks.SuspendWrites()
	}
}
