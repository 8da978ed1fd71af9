// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package volume implements the long-lived per-volume handle every image
// request operates against, the role ImageCtx plays in the original
// source composed the way bs3.go composes its BuseReadWriter out of an
// object proxy and a sector map.
package volume

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/asch/rbdcore/internal/cache"
	"github.com/asch/rbdcore/internal/journal"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore"
	"github.com/asch/rbdcore/internal/striper"
	"github.com/asch/rbdcore/internal/watcher"
)

// HeadSnapID is the sentinel SnapID meaning "the current, writable view".
const HeadSnapID int64 = -1

// Range is a caller-supplied [Offset, Offset+Length) byte range, the read
// path's input before clipping.
type Range struct {
	Offset int64
	Length int64
}

// Context is the long-lived handle a caller opens once and issues every
// aio_* operation against. Lock acquisition is only ever exposed through
// its Lock* methods so the strict ordering in spec.md §5 (owner -> md ->
// snap -> cache -> event -> work-queue -> journal-state) can't be
// violated by a caller taking locks out of order.
type Context struct {
	ID       uuid.UUID
	Length   int64
	SnapID   int64
	ReadOnly bool
	Layout   striper.Layout

	SkipPartialDiscard bool
	MaxReadahead       int64
	SnapContext        objectstore.SnapContext

	Objects *objectio.Proxy
	Cache   cache.Handle
	Journal *journal.Journal
	Watcher watcher.Watcher

	ownerLock sync.RWMutex
	mdLock    sync.RWMutex
	snapLock  sync.RWMutex

	pendingMu sync.Mutex
	pending   int
	pendingCV *sync.Cond

	cacheTagSeq int64
}

// New returns a Context over a pre-sized volume. If id is the zero UUID,
// one is generated, mirroring a long-lived handle needing a stable
// identity distinct from whatever SnapID it is currently viewing.
func New(id uuid.UUID, length int64, layout striper.Layout, objects *objectio.Proxy) *Context {
	if id == uuid.Nil {
		id = uuid.New()
	}
	c := &Context{
		ID:      id,
		Length:  length,
		SnapID:  HeadSnapID,
		Layout:  layout,
		Objects: objects,
	}
	c.pendingCV = sync.NewCond(&c.pendingMu)
	return c
}

// LockOwner acquires the owner-lock for read for the duration of f,
// the outermost lock every aio_* operation takes first.
func (c *Context) LockOwner(f func()) {
	c.ownerLock.RLock()
	defer c.ownerLock.RUnlock()
	f()
}

// LockOwnerExclusive takes the owner-lock for write, used only around
// volume-close, which must wait for every in-flight reader to drain.
func (c *Context) LockOwnerExclusive(f func()) {
	c.ownerLock.Lock()
	defer c.ownerLock.Unlock()
	f()
}

// LockMD acquires the md-lock for read, held by writers while journal
// open/close transitions are excluded.
func (c *Context) LockMD(f func()) {
	c.mdLock.RLock()
	defer c.mdLock.RUnlock()
	f()
}

// LockSnap acquires the snap-lock for read for the duration of f, used
// while sampling SnapID/Length or the snap-context.
func (c *Context) LockSnap(f func()) {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	f()
}

// Clip bounds a [offset, offset+length) request against the volume's
// current length, returning the accepted length (spec.md §4.5 step 2/4:
// "clipping length to max(0, volume_length - offset)").
func (c *Context) Clip(offset, length int64) int64 {
	var accepted int64
	c.LockSnap(func() {
		accepted = c.clipLocked(offset, length)
	})
	return accepted
}

func (c *Context) clipLocked(offset, length int64) int64 {
	if offset >= c.Length {
		return 0
	}
	remaining := c.Length - offset
	if length > remaining {
		length = remaining
	}
	return length
}

// SampleForWrite takes the snap-lock once and returns everything the write
// and discard paths need from it in one critical section: the sampled
// snapshot id, read-only flag, snap-context, and the clipped length.
func (c *Context) SampleForWrite(offset, length int64) (snapID int64, readOnly bool, snapc objectstore.SnapContext, accepted int64) {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	return c.SnapID, c.ReadOnly, c.SnapContext, c.clipLocked(offset, length)
}

// SampleForRead takes the snap-lock once, sampling the snapshot id and
// clipping every requested range against the volume's current length.
func (c *Context) SampleForRead(ranges []Range) (snapID int64, clipped []Range) {
	c.snapLock.RLock()
	defer c.snapLock.RUnlock()
	clipped = make([]Range, len(ranges))
	for i, r := range ranges {
		clipped[i] = Range{r.Offset, c.clipLocked(r.Offset, r.Length)}
	}
	return c.SnapID, clipped
}

// BeginOp records one more in-flight image request, the bookkeeping
// flush_async_operations waits to drain.
func (c *Context) BeginOp() {
	c.pendingMu.Lock()
	c.pending++
	c.pendingMu.Unlock()
}

// EndOp retires one in-flight image request recorded by BeginOp.
func (c *Context) EndOp() {
	c.pendingMu.Lock()
	c.pending--
	if c.pending == 0 {
		c.pendingCV.Broadcast()
	}
	c.pendingMu.Unlock()
}

// FlushAsyncOperations blocks until every in-flight image request
// recorded by BeginOp has retired, spec.md §4.5 Flush step 2.
func (c *Context) FlushAsyncOperations() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for c.pending > 0 {
		c.pendingCV.Wait()
	}
}

// NextCacheTag returns a tag unique within this Context for tagging a
// cache write when no journal tid is available to tag it with (a cache
// present on a volume with no journal handle).
func (c *Context) NextCacheTag() int64 {
	return atomic.AddInt64(&c.cacheTagSeq, 1)
}

// IsLockRequired reports whether a write must wait for distributed-lock
// ownership before it may dispatch, the is_lock_required check C6 makes
// at enqueue time.
func (c *Context) IsLockRequired() bool {
	return c.Watcher != nil && c.Watcher.IsLockSupported() && !c.Watcher.IsLockOwner()
}

// Close drives the volume through its teardown sequence: take the
// owner-lock for write (blocking until every reader releases it), then
// close the journal if one is present.
func (c *Context) Close() error {
	var err error
	c.LockOwnerExclusive(func() {
		if c.Journal != nil {
			err = c.Journal.Close()
		}
	})
	return err
}
