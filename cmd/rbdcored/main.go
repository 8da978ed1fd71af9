// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// rbdcored is a userspace daemon exposing a striped, optionally journaled
// volume over S3 (or a null backend for benchmarking dispatch overhead).
// It wires the core's six components (internal/striper, internal/objectio,
// internal/completion, internal/journal, internal/imagereq,
// internal/workqueue) into one long-lived internal/volume.Context and its
// work queue, then idles until signaled to stop. It has no front end of its
// own: nothing in this binary submits aio_* calls to the queue.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/config contains configuration package shared by every backend.
package main

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdcore/internal/cache"
	"github.com/asch/rbdcore/internal/config"
	"github.com/asch/rbdcore/internal/errno"
	"github.com/asch/rbdcore/internal/journal"
	"github.com/asch/rbdcore/internal/journal/filejournal"
	"github.com/asch/rbdcore/internal/objectio"
	"github.com/asch/rbdcore/internal/objectstore"
	"github.com/asch/rbdcore/internal/objectstore/null"
	"github.com/asch/rbdcore/internal/objectstore/s3"
	"github.com/asch/rbdcore/internal/striper"
	"github.com/asch/rbdcore/internal/volume"
	"github.com/asch/rbdcore/internal/workqueue"
	"github.com/google/uuid"
)

// Parse configuration from file and environment variables, wire up a
// volume.Context and its work queue, and run until signaled by SIGINT or
// SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	var wqh wqHolder
	ctx, err := buildVolume(&wqh)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	wq := workqueue.New(ctx, config.Cfg.Workers, config.Cfg.NonBlockingAio)
	wqh.set(wq)

	log.Info().Msgf("volume %s ready, size %d bytes", ctx.ID, ctx.Length)

	registerSigHandlers(ctx, wq)

	select {}
}

// wqHolder lets buildVolume wire the journal's suspend/resume hooks to the
// work queue before that queue exists: journal.New needs the hooks at
// construction time, but the queue needs the finished volume.Context, so
// the journal closures capture this holder and read wq through it once
// main assigns it with set.
type wqHolder struct {
	mu sync.Mutex
	wq *workqueue.WorkQueue
}

func (h *wqHolder) set(wq *workqueue.WorkQueue) {
	h.mu.Lock()
	h.wq = wq
	h.mu.Unlock()
}

func (h *wqHolder) suspendWrites() {
	h.mu.Lock()
	wq := h.wq
	h.mu.Unlock()
	if wq != nil {
		wq.SuspendWrites()
	}
}

func (h *wqHolder) resumeWrites() {
	h.mu.Lock()
	wq := h.wq
	h.mu.Unlock()
	if wq != nil {
		wq.ResumeWrites()
	}
}

// buildVolume assembles a volume.Context from config: the object store
// transport, the optional write-back cache, and the optional durable
// journal, wiring the journal's Submit hook to route safe writes through
// the cache (tagging the write with the event's own tid) when one is
// present, or straight to the object store otherwise.
func buildVolume(wqh *wqHolder) (*volume.Context, error) {
	var store objectstore.Store
	if config.Cfg.Null {
		store = null.New()
	} else {
		s3Store, err := s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		store = s3Store
	}

	layout := striper.Layout{
		ObjectSize:  config.Cfg.Striping.ObjectSize,
		StripeUnit:  config.Cfg.Striping.StripeUnit,
		StripeCount: config.Cfg.Striping.StripeCount,
	}
	proxy := objectio.New(store, config.Cfg.Workers, layout.ObjectSize)

	ctx := volume.New(uuid.Nil, config.Cfg.Size, layout, proxy)
	ctx.SkipPartialDiscard = config.Cfg.SkipPartialDiscard
	ctx.MaxReadahead = config.Cfg.Cache.MaxReadahead

	var cacheHandle cache.Handle
	if config.Cfg.Cache.Enabled {
		wb := cache.New(proxy)
		cacheHandle = wb
		ctx.Cache = wb
	}

	if config.Cfg.Journal.Enabled {
		j := journal.New(filejournal.New(config.Cfg.Journal.Path), journal.Hooks{
			SuspendWrites: wqh.suspendWrites,
			ResumeWrites:  wqh.resumeWrites,
			Submit: func(tid int64, req *objectio.Request) {
				if cacheHandle != nil {
					cacheHandle.WriteTagged(tid, req.ObjectID, req.Offset, req.Buf, req.SnapCtx, req.OnDone)
					cacheHandle.ReleaseTag(tid)
					return
				}
				proxy.Submit(req)
			},
			Replay: func(entry journal.EventEntry) error {
				return replayEvent(proxy, layout, entry)
			},
		})
		if err := j.Open(); err != nil {
			return nil, err
		}
		ctx.Journal = j
	}

	return ctx, nil
}

// replayEvent re-dispatches a single journaled write or discard straight to
// the object store, blocking until every child object operation reports
// back, so the journal's bounded restarting-replay retry observes a
// definite result before moving to the next entry. A replayed flush has
// nothing further to do since it carries no extent.
func replayEvent(proxy *objectio.Proxy, layout striper.Layout, entry journal.EventEntry) error {
	var snapc objectstore.SnapContext

	switch {
	case entry.Write != nil:
		mapping := striper.Map(layout, entry.Write.Offset, entry.Write.Length, 0)
		return dispatchMappingSync(proxy, mapping, func(ext striper.Extent) *objectio.Request {
			buf := make([]byte, ext.Length)
			pos := int64(0)
			for _, bs := range ext.Buffers {
				copy(buf[pos:pos+bs.Length], entry.Write.Data[bs.Offset:bs.Offset+bs.Length])
				pos += bs.Length
			}
			return objectio.NewWrite(ext.ObjectID, ext.ObjectOffset, buf, snapc, nil)
		})
	case entry.Discard != nil:
		mapping := striper.Map(layout, entry.Discard.Offset, entry.Discard.Length, 0)
		return dispatchMappingSync(proxy, mapping, func(ext striper.Extent) *objectio.Request {
			return objectio.NewDiscard(ext.ObjectID, ext.ObjectOffset, ext.Length, layout.ObjectSize, snapc, false, nil)
		})
	default:
		return nil
	}
}

// dispatchMappingSync submits one request per mapped extent, built by
// build, and blocks until every one of them has reported back, folding
// their results with worst-error-wins.
func dispatchMappingSync(proxy *objectio.Proxy, mapping map[int64][]striper.Extent, build func(striper.Extent) *objectio.Request) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	result := errno.OK

	for _, extents := range mapping {
		for _, ext := range extents {
			req := build(ext)
			wg.Add(1)
			req.OnDone = func(e errno.Errno) {
				mu.Lock()
				result = errno.Worse(result, e)
				mu.Unlock()
				wg.Done()
			}
			proxy.Submit(req)
		}
	}
	wg.Wait()

	if result != errno.OK {
		return result
	}
	return nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(ctx *volume.Context, wq *workqueue.WorkQueue) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msg("received interrupt, closing volume")
		wq.Close()
		if err := ctx.Close(); err != nil {
			log.Error().Err(err).Send()
		}
		os.Exit(0)
	}()
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
