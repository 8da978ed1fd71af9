// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package imagereq implements the C5 image request objects: the per-
// operation orchestration for read/write/discard/flush that clips to
// volume bounds, invokes the extent mapper, and fans child requests out
// through the completion aggregate. It plays the role AioImageRequest.cc
// plays in the original source, generalizing bs3.go's BuseRead/BuseWrite
// pair from a flat sector map onto striped objects and an optional
// journal.
package imagereq

import (
	"github.com/asch/rbdcore/internal/completion"
	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/journal"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore"
	"github.com/asch/rbdcore/internal/striper"
	"github.com/asch/rbdcore/internal/volume"
)

// Advice mirrors the op_flags bitfield spec.md §6 recognizes; only Random
// affects this module's behavior (it suppresses readahead).
type Advice uint32

const (
	FadviseRandom Advice = 1 << iota
	FadviseSequential
	FadviseWillNeed
	FadviseDontNeed
	FadviseNoCache
)

// Range is a caller-supplied [Offset, Offset+Length) byte range.
type Range = volume.Range

// SendRead implements aio_read (spec.md §4.5 Read). dest must be sized to
// the sum of the requested ranges' lengths; bytes past a clipped range's
// end (a read past EOF) are left zero.
func SendRead(ctx *volume.Context, ranges []Range, dest []byte, advice Advice, onDone func(errno.Errno)) {
	ctx.BeginOp()
	agg := completion.New(func(e errno.Errno) {
		ctx.EndOp()
		if onDone != nil {
			onDone(e)
		}
	})

	_, clipped := ctx.SampleForRead(ranges)

	bufOffset := int64(0)
	for i, r := range clipped {
		full := ranges[i].Length
		if r.Length < full {
			zeroTail(dest, bufOffset+r.Length, bufOffset+full)
		}
		if r.Length > 0 {
			mapping := striper.Map(ctx.Layout, r.Offset, r.Length, bufOffset)
			dispatchReadMapping(ctx, agg, mapping, dest)

			if i == len(clipped)-1 {
				maybeReadahead(ctx, r, advice)
			}
		}
		bufOffset += full
	}

	agg.FinishAddingRequests()
}

func zeroTail(dest []byte, from, to int64) {
	if from < 0 {
		from = 0
	}
	if to > int64(len(dest)) {
		to = int64(len(dest))
	}
	for i := from; i < to; i++ {
		dest[i] = 0
	}
}

func dispatchReadMapping(ctx *volume.Context, agg *completion.Aggregate, mapping map[int64][]striper.Extent, dest []byte) {
	for _, extents := range mapping {
		for _, ext := range extents {
			ext := ext
			agg.AddChild()
			buf := make([]byte, ext.Length)
			onDone := func(e errno.Errno) {
				if e == errno.OK {
					scatter(dest, ext, buf)
				}
				agg.CompleteChild(e)
			}
			if ctx.Cache != nil {
				ctx.Cache.Read(ext.ObjectID, ext.ObjectOffset, buf, onDone)
			} else {
				ctx.Objects.Submit(objectio.NewRead(ext.ObjectID, ext.ObjectOffset, buf, onDone))
			}
		}
	}
}

// scatter copies a contiguous object-extent read into the possibly several
// buffer windows it was split across by the mapper.
func scatter(dest []byte, ext striper.Extent, buf []byte) {
	pos := int64(0)
	for _, bs := range ext.Buffers {
		copy(dest[bs.Offset:bs.Offset+bs.Length], buf[pos:pos+bs.Length])
		pos += bs.Length
	}
}

// gather assembles one object-extent's write payload out of the caller's
// source buffer, the inverse of scatter.
func gather(src []byte, ext striper.Extent) []byte {
	buf := make([]byte, ext.Length)
	pos := int64(0)
	for _, bs := range ext.Buffers {
		copy(buf[pos:pos+bs.Length], src[bs.Offset:bs.Offset+bs.Length])
		pos += bs.Length
	}
	return buf
}

// maybeReadahead issues best-effort, uncounted reads past the last range
// when the cache is present, readahead is configured, and the caller
// hasn't advised random access (spec.md §4.5 Read step 6).
func maybeReadahead(ctx *volume.Context, last Range, advice Advice) {
	if ctx.Cache == nil || ctx.MaxReadahead <= 0 || advice&FadviseRandom != 0 {
		return
	}
	start := last.Offset + last.Length
	length := ctx.Clip(start, ctx.MaxReadahead)
	if length <= 0 {
		return
	}
	mapping := striper.Map(ctx.Layout, start, length, 0)
	for _, extents := range mapping {
		for _, ext := range extents {
			scratch := make([]byte, ext.Length)
			ctx.Cache.Read(ext.ObjectID, ext.ObjectOffset, scratch, func(errno.Errno) {})
		}
	}
}

// SendWrite implements aio_write (spec.md §4.5 Write). It returns the
// number of bytes accepted after clipping.
func SendWrite(ctx *volume.Context, offset int64, data []byte, onDone func(errno.Errno)) int64 {
	if ctx.IsLockRequired() {
		agg := completion.New(onDone)
		agg.Fail(errno.ErrPerm)
		return 0
	}

	ctx.BeginOp()
	agg := completion.New(func(e errno.Errno) {
		ctx.EndOp()
		if onDone != nil {
			onDone(e)
		}
	})

	var precondition errno.Errno
	var snapc objectstore.SnapContext
	var accepted int64
	ctx.LockMD(func() {
		snapID, readOnly, sc, clipped := ctx.SampleForWrite(offset, int64(len(data)))
		snapc = sc
		if readOnly || snapID != volume.HeadSnapID {
			precondition = errno.ErrReadOnly
			return
		}
		accepted = clipped
	})

	if precondition != errno.OK {
		agg.Fail(precondition)
		return 0
	}
	if accepted <= 0 {
		agg.FinishAddingRequests()
		return 0
	}

	mapping := striper.Map(ctx.Layout, offset, accepted, 0)
	journaling := ctx.Journal != nil

	if journaling {
		buildChildren := func(tid int64) []*objectio.Request {
			return writeChildren(ctx, agg, mapping, data, snapc, offset, tid, true)
		}
		entry := journal.EventEntry{Write: &journal.WriteEvent{
			Offset: offset,
			Length: accepted,
			Data:   append([]byte(nil), data[:accepted]...),
		}}
		agg.AddChild()
		_, err := ctx.Journal.AppendEvent(agg, entry, offset, accepted, buildChildren, false)
		if err != nil {
			agg.CompleteChild(errno.FromError(err))
		}
	} else {
		writeChildren(ctx, agg, mapping, data, snapc, offset, 0, false)
	}

	agg.FinishAddingRequests()
	return accepted
}

// writeChildren builds one object-write request per mapped extent. When
// journaling is true the requests are returned for the journal to stash
// and later dispatch once safe (and their completion also reports back
// through CommitEventExtent); otherwise they are dispatched immediately,
// through the cache if one is present.
func writeChildren(ctx *volume.Context, agg *completion.Aggregate, mapping map[int64][]striper.Extent, data []byte, snapc objectstore.SnapContext, writeOffset, tid int64, journaling bool) []*objectio.Request {
	var stashed []*objectio.Request
	for _, extents := range mapping {
		for _, ext := range extents {
			ext := ext
			fileOffset := writeOffset + ext.Buffers[0].Offset
			agg.AddChild()
			onDone := func(e errno.Errno) {
				if journaling {
					ctx.Journal.CommitEventExtent(tid, fileOffset, ext.Length, e)
				}
				agg.CompleteChild(e)
			}
			req := objectio.NewWrite(ext.ObjectID, ext.ObjectOffset, gather(data, ext), snapc, onDone)

			switch {
			case journaling:
				stashed = append(stashed, req)
			case ctx.Cache != nil:
				tag := ctx.NextCacheTag()
				ctx.Cache.WriteTagged(tag, req.ObjectID, req.Offset, req.Buf, req.SnapCtx, req.OnDone)
				ctx.Cache.ReleaseTag(tag)
			default:
				ctx.Objects.Submit(req)
			}
		}
	}
	return stashed
}

// SendDiscard implements aio_discard (spec.md §4.5 Discard): the same
// clip/journal flow as write, with the per-extent child selecting among
// Remove/Truncate/Zero by geometry instead of always writing.
func SendDiscard(ctx *volume.Context, offset, length int64, onDone func(errno.Errno)) int64 {
	if ctx.IsLockRequired() {
		agg := completion.New(onDone)
		agg.Fail(errno.ErrPerm)
		return 0
	}

	ctx.BeginOp()
	agg := completion.New(func(e errno.Errno) {
		ctx.EndOp()
		if onDone != nil {
			onDone(e)
		}
	})

	var precondition errno.Errno
	var snapc objectstore.SnapContext
	var accepted int64
	ctx.LockMD(func() {
		snapID, readOnly, sc, clipped := ctx.SampleForWrite(offset, length)
		snapc = sc
		if readOnly || snapID != volume.HeadSnapID {
			precondition = errno.ErrReadOnly
			return
		}
		accepted = clipped
	})

	if precondition != errno.OK {
		agg.Fail(precondition)
		return 0
	}
	if accepted <= 0 {
		agg.FinishAddingRequests()
		return 0
	}

	mapping := striper.Map(ctx.Layout, offset, accepted, 0)
	journaling := ctx.Journal != nil

	if journaling {
		buildChildren := func(tid int64) []*objectio.Request {
			return discardChildren(ctx, agg, mapping, snapc, offset, tid, true)
		}
		entry := journal.EventEntry{Discard: &journal.DiscardEvent{Offset: offset, Length: accepted}}
		agg.AddChild()
		_, err := ctx.Journal.AppendEvent(agg, entry, offset, accepted, buildChildren, false)
		if err != nil {
			agg.CompleteChild(errno.FromError(err))
		}
	} else {
		discardChildren(ctx, agg, mapping, snapc, offset, 0, false)
	}

	agg.FinishAddingRequests()
	return accepted
}

func discardChildren(ctx *volume.Context, agg *completion.Aggregate, mapping map[int64][]striper.Extent, snapc objectstore.SnapContext, writeOffset, tid int64, journaling bool) []*objectio.Request {
	var stashed []*objectio.Request
	for _, extents := range mapping {
		for _, ext := range extents {
			ext := ext
			fileOffset := writeOffset + ext.Buffers[0].Offset

			req := objectio.NewDiscard(ext.ObjectID, ext.ObjectOffset, ext.Length, ctx.Layout.ObjectSize, snapc, ctx.SkipPartialDiscard, nil)
			if req == nil {
				// skip_partial_discard suppressed this interior range;
				// short-circuit its extent as already acknowledged.
				if journaling {
					ctx.Journal.CommitEventExtent(tid, fileOffset, ext.Length, errno.OK)
				}
				continue
			}

			agg.AddChild()
			req.OnDone = func(e errno.Errno) {
				if journaling {
					ctx.Journal.CommitEventExtent(tid, fileOffset, ext.Length, e)
				}
				agg.CompleteChild(e)
			}

			switch {
			case journaling:
				stashed = append(stashed, req)
			default:
				ctx.Objects.Submit(req)
			}
		}
	}
	return stashed
}

// SendFlush implements aio_flush (spec.md §4.5 Flush).
func SendFlush(ctx *volume.Context, onDone func(errno.Errno)) {
	agg := completion.New(onDone)

	if ctx.Journal != nil {
		agg.AddChild()
		entry := journal.EventEntry{Flush: &journal.FlushEvent{}}
		_, err := ctx.Journal.AppendEvent(agg, entry, 0, 0, nil, false)
		if err != nil {
			agg.CompleteChild(errno.FromError(err))
		}
	}

	// Wait for every previously submitted read/write/discard to retire.
	// The flush event above finalizes as soon as its own append is safe;
	// ordering against earlier events comes from this wait instead, since
	// a journaled request's EndOp only fires after its event finalized.
	// This satisfies spec.md §4.5 Flush step 2's ordering requirement.
	ctx.FlushAsyncOperations()

	agg.AddChild()
	if ctx.Cache != nil {
		ctx.Cache.Flush(func(e errno.Errno) { agg.CompleteChild(e) })
	} else {
		agg.CompleteChild(errno.OK)
	}

	agg.FinishAddingRequests()
}
