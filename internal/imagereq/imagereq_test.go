// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package imagereq

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/journal"
	"github.com/asch/rbdcore/internal/journal/memjournal"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore/null"
	"github.com/asch/rbdcore/internal/striper"
	"github.com/asch/rbdcore/internal/volume"
)

func newTestVolume(length int64) *volume.Context {
	layout := striper.Layout{ObjectSize: 4096, StripeUnit: 4096, StripeCount: 1}
	proxy := objectio.New(null.New(), 2, layout.ObjectSize)
	return volume.New(uuid.Nil, length, layout, proxy)
}

func TestSendWriteClipsPastVolumeEnd(t *testing.T) {
	ctx := newTestVolume(100)

	done := make(chan errno.Errno, 1)
	accepted := SendWrite(ctx, 90, []byte("0123456789012345"), func(e errno.Errno) { done <- e })

	require.Equal(t, int64(10), accepted)
	require.Equal(t, errno.OK, <-done)
}

func TestSendWriteRejectsBeyondVolumeEnd(t *testing.T) {
	ctx := newTestVolume(100)

	done := make(chan errno.Errno, 1)
	accepted := SendWrite(ctx, 200, []byte("x"), func(e errno.Errno) { done <- e })

	require.Equal(t, int64(0), accepted)
	require.Equal(t, errno.OK, <-done)
}

func TestSendReadZeroFillsPastVolumeEnd(t *testing.T) {
	ctx := newTestVolume(100)

	dest := make([]byte, 20)
	for i := range dest {
		dest[i] = 0xff
	}

	done := make(chan errno.Errno, 1)
	SendRead(ctx, []Range{{Offset: 90, Length: 20}}, dest, 0, func(e errno.Errno) { done <- e })
	require.Equal(t, errno.OK, <-done)

	for i := 10; i < 20; i++ {
		require.Equal(t, byte(0), dest[i], "byte %d past volume end must be zeroed", i)
	}
}

func TestSendWriteJournalsBeforeDispatch(t *testing.T) {
	ctx := newTestVolume(4096)

	var submitted []*objectio.Request
	ctx.Journal = journal.New(memjournal.New(), journal.Hooks{
		Submit: func(tid int64, r *objectio.Request) { submitted = append(submitted, r) },
	})
	require.NoError(t, ctx.Journal.Open())

	done := make(chan errno.Errno, 1)
	accepted := SendWrite(ctx, 0, []byte("hello"), func(e errno.Errno) { done <- e })
	require.Equal(t, int64(5), accepted)

	require.Len(t, submitted, 1)
	submitted[0].OnDone(errno.OK)
	require.Equal(t, errno.OK, <-done)
}

func TestSendFlushWaitsForPendingWrites(t *testing.T) {
	ctx := newTestVolume(4096)

	var submitted []*objectio.Request
	ctx.Journal = journal.New(memjournal.New(), journal.Hooks{
		Submit: func(tid int64, r *objectio.Request) { submitted = append(submitted, r) },
	})
	require.NoError(t, ctx.Journal.Open())

	writeDone := make(chan errno.Errno, 1)
	SendWrite(ctx, 0, []byte("hi"), func(e errno.Errno) { writeDone <- e })
	require.Len(t, submitted, 1)

	flushDone := make(chan errno.Errno, 1)
	go SendFlush(ctx, func(e errno.Errno) { flushDone <- e })

	select {
	case <-flushDone:
		t.Fatal("flush completed before the pending write retired")
	default:
	}

	submitted[0].OnDone(errno.OK)
	require.Equal(t, errno.OK, <-writeDone)
	require.Equal(t, errno.OK, <-flushDone)
}

func TestSendDiscardSkipsPartialWhenConfigured(t *testing.T) {
	ctx := newTestVolume(8192)
	ctx.Layout = striper.Layout{ObjectSize: 8192, StripeUnit: 8192, StripeCount: 1}
	ctx.SkipPartialDiscard = true

	done := make(chan errno.Errno, 1)
	accepted := SendDiscard(ctx, 10, 20, func(e errno.Errno) { done <- e })

	require.Equal(t, int64(20), accepted)
	require.Equal(t, errno.OK, <-done)
}

func TestSendDiscardSkipsPartialWithJournalStillFinalizes(t *testing.T) {
	ctx := newTestVolume(8192)
	ctx.Layout = striper.Layout{ObjectSize: 8192, StripeUnit: 8192, StripeCount: 1}
	ctx.SkipPartialDiscard = true

	var submitted []*objectio.Request
	ctx.Journal = journal.New(memjournal.New(), journal.Hooks{
		Submit: func(tid int64, r *objectio.Request) { submitted = append(submitted, r) },
	})
	require.NoError(t, ctx.Journal.Open())

	done := make(chan errno.Errno, 1)
	accepted := SendDiscard(ctx, 10, 20, func(e errno.Errno) { done <- e })

	require.Equal(t, int64(20), accepted)
	require.Empty(t, submitted, "the suppressed interior extent has no child to submit")
	require.Equal(t, errno.OK, <-done)
}
