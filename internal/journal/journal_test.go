package journal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/completion"
	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore"
)

// fakeFuture lets a test fire the safe callback on demand instead of
// waiting on a real durable append.
type fakeFuture struct {
	onSafe func(err error)
}

func (f *fakeFuture) Wait(onSafe func(err error))  { f.onSafe = onSafe }
func (f *fakeFuture) Flush(onSafe func(err error)) { f.onSafe = onSafe }
func (f *fakeFuture) fire(err error) {
	if f.onSafe != nil {
		f.onSafe(err)
	}
}

// fakeJournaler records every appended entry and hands back a fakeFuture
// the test controls directly.
type fakeJournaler struct {
	mu      sync.Mutex
	entries [][]byte
	futures []*fakeFuture
	replay  []Entry
	closed  bool
}

func (f *fakeJournaler) Open() error { return nil }
func (f *fakeJournaler) Replay() ([]Entry, error) {
	out := f.replay
	f.replay = nil
	return out, nil
}
func (f *fakeJournaler) Append(data []byte) (Future, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fut := &fakeFuture{}
	f.entries = append(f.entries, data)
	f.futures = append(f.futures, fut)
	return fut, nil
}
func (f *fakeJournaler) Close() error { f.closed = true; return nil }

func newTestJournal(hooks Hooks) (*Journal, *fakeJournaler) {
	fj := &fakeJournaler{}
	j := New(fj, hooks)
	return j, fj
}

func mustOpen(t *testing.T, j *Journal) {
	t.Helper()
	require.NoError(t, j.Open())
	require.Equal(t, StateReady, j.State())
}

func TestOpenReachesReady(t *testing.T) {
	j, _ := newTestJournal(Hooks{})
	mustOpen(t, j)
}

func TestTidsAreAssignedInIncreasingOrder(t *testing.T) {
	j, fj := newTestJournal(Hooks{})
	mustOpen(t, j)

	tid1, err := j.AppendEvent(nil, EventEntry{Flush: &FlushEvent{}}, 0, 0, nil, false)
	require.NoError(t, err)
	tid2, err := j.AppendEvent(nil, EventEntry{Flush: &FlushEvent{}}, 0, 0, nil, false)
	require.NoError(t, err)

	require.Less(t, tid1, tid2)
	require.Len(t, fj.entries, 2)
}

func TestFlushEventFinalizesOnSafeAlone(t *testing.T) {
	j, fj := newTestJournal(Hooks{})
	mustOpen(t, j)

	var fired errno.Errno
	done := make(chan struct{})
	agg := completion.New(func(e errno.Errno) {
		fired = e
		close(done)
	})
	agg.AddChild()
	agg.FinishAddingRequests()

	_, err := j.AppendEvent(agg, EventEntry{Flush: &FlushEvent{}}, 0, 0, nil, false)
	require.NoError(t, err)

	fj.futures[0].fire(nil)

	<-done
	require.Equal(t, errno.OK, fired)
}

func TestWriteEventWaitsForChildrenAndSafe(t *testing.T) {
	var submitted []*objectio.Request
	var mu sync.Mutex
	j, fj := newTestJournal(Hooks{
		Submit: func(tid int64, r *objectio.Request) {
			mu.Lock()
			submitted = append(submitted, r)
			mu.Unlock()
		},
	})
	mustOpen(t, j)

	var fired bool
	agg := completion.New(func(e errno.Errno) { fired = true })
	agg.AddChild()
	agg.FinishAddingRequests()

	var snapc objectstore.SnapContext
	buildChildren := func(tid int64) []*objectio.Request {
		return []*objectio.Request{objectio.NewWrite(1, 0, []byte("hello"), snapc, func(e errno.Errno) {
			j.CommitEventExtent(tid, 0, 5, e)
		})}
	}

	_, err := j.AppendEvent(agg, EventEntry{Write: &WriteEvent{Offset: 0, Length: 5, Data: []byte("hello")}}, 0, 5, buildChildren, false)
	require.NoError(t, err)

	// Children are stashed, not yet submitted, until the append is safe.
	mu.Lock()
	require.Empty(t, submitted)
	mu.Unlock()
	require.False(t, fired)

	fj.futures[0].fire(nil)

	mu.Lock()
	require.Len(t, submitted, 1)
	child := submitted[0]
	mu.Unlock()
	require.False(t, fired)

	// Simulate the object request layer completing the now-submitted child.
	child.OnDone(errno.OK)

	require.True(t, fired)
}

func TestSafeBeforeCommitDefersFinalization(t *testing.T) {
	j, fj := newTestJournal(Hooks{Submit: func(tid int64, r *objectio.Request) {}})
	mustOpen(t, j)

	var fired bool
	var firedResult errno.Errno
	agg := completion.New(func(e errno.Errno) { fired = true; firedResult = e })
	agg.AddChild()
	agg.FinishAddingRequests()

	var snapc objectstore.SnapContext
	var child *objectio.Request
	buildChildren := func(tid int64) []*objectio.Request {
		child = objectio.NewWrite(1, 0, []byte("x"), snapc, func(e errno.Errno) {
			j.CommitEventExtent(tid, 0, 1, e)
		})
		return []*objectio.Request{child}
	}

	_, err := j.AppendEvent(agg, EventEntry{Write: &WriteEvent{Offset: 0, Length: 1}}, 0, 1, buildChildren, false)
	require.NoError(t, err)

	// Safe arrives carrying a failure before the child has reported back;
	// finalization must wait for CommitEventExtent regardless.
	fj.futures[0].fire(errors.New("io error"))
	require.False(t, fired)

	child.OnDone(errno.OK)
	require.True(t, fired)
	require.Equal(t, errno.ErrIO, firedResult)
}

func TestCloseDrainsOutstandingEvents(t *testing.T) {
	j, fj := newTestJournal(Hooks{})
	mustOpen(t, j)

	var fired bool
	var firedResult errno.Errno
	agg := completion.New(func(e errno.Errno) { fired = true; firedResult = e })
	agg.AddChild()
	agg.FinishAddingRequests()

	_, err := j.AppendEvent(agg, EventEntry{Write: &WriteEvent{Offset: 0, Length: 1}}, 0, 1, nil, false)
	require.NoError(t, err)

	require.NoError(t, j.Close())
	require.True(t, fj.closed)
	require.True(t, fired)
	require.Equal(t, errno.ErrShutdown, firedResult)
	require.Equal(t, StateClosed, j.State())
}
