// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package workqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore/null"
	"github.com/asch/rbdcore/internal/striper"
	"github.com/asch/rbdcore/internal/volume"
	"github.com/asch/rbdcore/internal/watcher/fake"
)

func newTestContext() *volume.Context {
	layout := striper.Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 1}
	proxy := objectio.New(null.New(), 2, layout.ObjectSize)
	return volume.New(uuid.Nil, 1 << 20, layout, proxy)
}

func TestSuspendBlocksNewWritesUntilInProgressDrains(t *testing.T) {
	ctx := newTestContext()
	q := New(ctx, 1, true)
	defer q.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var order []int
	var mu sync.Mutex

	q.Submit(KindWrite, func() {
		close(started)
		<-release
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})

	<-started

	suspended := make(chan struct{})
	go func() {
		q.SuspendWrites()
		close(suspended)
	}()

	// Give SuspendWrites a chance to observe in_progress_writes > 0 before
	// write 1 is released.
	time.Sleep(10 * time.Millisecond)
	select {
	case <-suspended:
		t.Fatal("suspend_writes returned while write 1 was still in progress")
	default:
	}

	q.Submit(KindWrite, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})
	q.Submit(KindWrite, func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	require.Equal(t, 2, q.QueuedWrites())

	close(release)
	<-suspended

	// Writes 2 and 3 must still be queued, not in progress, after suspend
	// returns.
	require.Equal(t, 2, q.QueuedWrites())

	done := make(chan struct{})
	go func() {
		for q.QueuedWrites() > 0 {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	q.ResumeWrites()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resume_writes never drained the queue")
	}

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
}

func TestLockRequiredQueuesWriteAndRequestsLock(t *testing.T) {
	ctx := newTestContext()
	w := fake.New(true)
	ctx.Watcher = w
	q := New(ctx, 1, true)
	defer q.Close()

	ran := make(chan struct{})
	q.Submit(KindWrite, func() { close(ran) })

	select {
	case <-ran:
		t.Fatal("write dispatched before lock was owned")
	case <-time.After(20 * time.Millisecond):
	}

	require.Equal(t, 1, q.QueuedWrites())
	require.Equal(t, 1, w.Requests())
	require.True(t, w.AioOpsPending())

	w.SetOwner(true)
	q.NotifyLockAcquired()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("write never dispatched after lock became owned")
	}
}
