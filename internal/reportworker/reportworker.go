// Package reportworker runs one detached worker per CreateReport request,
// serialized against the shared MiddleWare handle by a single mutex,
// communicating outcomes back through the Bus.
package reportworker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/abrtd/abrtd/internal/bus"
	"github.com/abrtd/abrtd/internal/middleware"
	"github.com/abrtd/abrtd/internal/observability"
)

// FatalReport is what a worker sends on Pool.Fatal when it cannot continue.
// The original daemon re-raises a fatal condition across a thread boundary;
// Go cannot catch a panic in another goroutine, so instead a recovered panic
// is turned into this message and handed to the event loop, which drives
// shutdown from its own goroutine.
type FatalReport struct {
	Peer string
	Err  error
}

// Request is one CreateReport job, heap-allocated so each worker owns its
// own copy independent of the request's originator.
type Request struct {
	UUID  string
	UID   string
	Force bool
	Peer  string // the request originator's identifier on the Bus.
}

// Pool runs report-building jobs as detached goroutines, serializing every
// MiddleWare call behind MW since the plugin-registry/database state
// underneath it is not safe under concurrent mutation.
type Pool struct {
	MW  middleware.MiddleWare
	Bus bus.Bus
	Log *zap.Logger

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.Metrics

	// Fatal receives a FatalReport whenever a worker cannot continue. Should
	// be buffered; the event loop selects on it to drive shutdown.
	Fatal chan<- FatalReport

	mu sync.Mutex // guards every MW call made by any worker.
}

// Start launches one goroutine for req and returns immediately. The worker
// is a detached OS-thread-equivalent: the event loop never blocks waiting
// for it, and it never publishes Bus events from within the event loop's
// goroutine.
func (p *Pool) Start(req Request) {
	go p.run(req)
}

func (p *Pool) run(req Request) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("report worker panic: %v", r)
			p.Log.Error("report worker failed fatally", zap.String("peer", req.Peer), zap.Error(err))
			if p.Fatal != nil {
				select {
				case p.Fatal <- FatalReport{Peer: req.Peer, Err: err}:
				default:
				}
			}
		}
	}()

	p.Bus.JobStarted(bus.JobStartedEvent{Peer: req.Peer})

	result, err := p.createReport(req)
	if p.Metrics != nil {
		p.Metrics.ReportJobsTotal.WithLabelValues(result.String()).Inc()
	}

	switch result {
	case middleware.ResultOK:
		p.Bus.JobDone(bus.JobDoneEvent{Peer: req.Peer, UUID: req.UUID})
		return
	case middleware.ResultCorrupted, middleware.ResultFileError:
		p.deleteDumpFor(req.UUID)
	}

	msg := result.String()
	if err != nil {
		msg = err.Error()
	}
	p.Log.Warn("report job failed",
		zap.String("uuid", req.UUID),
		zap.String("peer", req.Peer),
		zap.String("result", result.String()))
	p.Bus.Warning(bus.WarningEvent{Msg: msg, Peer: req.Peer})
}

func (p *Pool) createReport(req Request) (middleware.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MW.CreateCrashReport(req.UUID, req.UID, req.Force)
}

func (p *Pool) deleteDumpFor(uuid string) {
	p.mu.Lock()
	meta, ok, err := p.MW.GetCrashByUUID(uuid)
	p.mu.Unlock()
	if err != nil {
		p.Log.Warn("lookup for cleanup failed", zap.String("uuid", uuid), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	if err := middleware.DeleteDebugDump(meta.DumpDir); err != nil {
		p.Log.Warn("failed to delete dump directory after corrupted/file-error report",
			zap.String("uuid", uuid), zap.Error(err))
	}
	p.mu.Lock()
	_ = p.MW.DeleteCrashByDumpDir(meta.DumpDir)
	p.mu.Unlock()
}
