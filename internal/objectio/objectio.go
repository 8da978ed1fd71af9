// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objectio implements the C2 object request primitives: per-object
// read/write/zero/truncate/remove operations against the object store,
// reporting completion asynchronously through a callback. It generalizes
// objproxy's prioritized upload/download worker pool to the five primitives
// the image request layer dispatches, and to discard's geometry-based
// selection among remove/truncate/zero.
package objectio

import (
	"context"

	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/objectstore"
)

// Op names the five C2 primitives.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpZero
	OpTruncate
	OpRemove
)

// Request is one object-level operation, constructed by the image request
// layer and either submitted immediately or stashed until a journal event
// goes safe.
type Request struct {
	Op       Op
	ObjectID int64
	Offset   int64
	Length   int64
	Buf      []byte
	SnapCtx  objectstore.SnapContext

	// OnDone is invoked exactly once with the operation's result.
	OnDone func(errno.Errno)
}

// NewWrite builds a write request for the [offset, offset+len(buf)) range
// of object id.
func NewWrite(id, offset int64, buf []byte, snapc objectstore.SnapContext, onDone func(errno.Errno)) *Request {
	return &Request{Op: OpWrite, ObjectID: id, Offset: offset, Length: int64(len(buf)), Buf: buf, SnapCtx: snapc, OnDone: onDone}
}

// NewRead builds a read request scattering into buf.
func NewRead(id, offset int64, buf []byte, onDone func(errno.Errno)) *Request {
	return &Request{Op: OpRead, ObjectID: id, Offset: offset, Length: int64(len(buf)), Buf: buf, OnDone: onDone}
}

// NewDiscard selects among Remove/Truncate/Zero by extent geometry, the
// same rule AioImageDiscard::send_object_request applies: an extent that
// exactly covers the object is a Remove, one that reaches the object's end
// is a Truncate, and an interior extent is a Zero — unless skipPartial is
// set, in which case interior Zero requests are suppressed entirely and nil
// is returned so the caller short-circuits that child with success.
func NewDiscard(id, offset, length, objectSize int64, snapc objectstore.SnapContext, skipPartial bool, onDone func(errno.Errno)) *Request {
	switch {
	case offset == 0 && length == objectSize:
		return &Request{Op: OpRemove, ObjectID: id, SnapCtx: snapc, OnDone: onDone}
	case offset+length == objectSize:
		return &Request{Op: OpTruncate, ObjectID: id, Offset: offset, SnapCtx: snapc, OnDone: onDone}
	default:
		if skipPartial {
			return nil
		}
		return &Request{Op: OpZero, ObjectID: id, Offset: offset, Length: length, SnapCtx: snapc, OnDone: onDone}
	}
}

// Proxy dispatches Requests to a Store through a fixed pool of worker
// goroutines, mirroring objproxy.ObjectProxy's worker-pool shape with the
// two-channel (normal/priority) select generalized into a single queue
// since this layer has no garbage-collection traffic to deprioritize.
type Proxy struct {
	store   objectstore.Store
	queue   chan *Request
	objSize int64
}

// New starts workers goroutines pulling from an internally buffered queue
// and dispatching each Request to store.
func New(store objectstore.Store, workers int, objectSize int64) *Proxy {
	p := &Proxy{
		store:   store,
		queue:   make(chan *Request, 64),
		objSize: objectSize,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues req for dispatch. It returns immediately; req.OnDone
// fires from a worker goroutine once the store operation completes.
func (p *Proxy) Submit(req *Request) {
	p.queue <- req
}

func (p *Proxy) worker() {
	for req := range p.queue {
		p.dispatch(req)
	}
}

func (p *Proxy) dispatch(req *Request) {
	ctx := context.Background()
	var err error
	switch req.Op {
	case OpRead:
		err = p.store.Read(ctx, req.ObjectID, req.Offset, req.Buf)
	case OpWrite:
		err = p.store.Write(ctx, req.ObjectID, req.Offset, req.Buf, req.SnapCtx)
	case OpZero:
		err = p.store.Zero(ctx, req.ObjectID, req.Offset, req.Length, req.SnapCtx)
	case OpTruncate:
		err = p.store.Truncate(ctx, req.ObjectID, req.Offset, req.SnapCtx)
	case OpRemove:
		err = p.store.Remove(ctx, req.ObjectID, req.SnapCtx)
	}

	result := errno.FromError(err)
	if req.OnDone != nil {
		req.OnDone(result)
	}
}
