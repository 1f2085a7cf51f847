// Package workerruntime supervises one worker process's background
// loops — dispatcher accept loop, heartbeat, stale-job recovery sweep,
// and the status HTTP server — as a single errgroup.Group, and owns
// the two-phase graceful-shutdown sequence: drain (stop claiming new
// work) then force-release on a second interrupt signal. Run returns
// once its own loops have stopped; it does not wait for job executions
// the dispatcher already launched.
package workerruntime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ghosthands/core/internal/data/repos/jobstore"
	"github.com/ghosthands/core/internal/data/repos/registry"
	"github.com/ghosthands/core/internal/dispatch"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
	"github.com/ghosthands/core/internal/platform/logger"
)

// RegisterMaxAttempts bounds startup registration retries before the
// runtime gives up and returns an error (the teacher's apps treat
// their own wiring failures as fatal at startup rather than half-alive).
const RegisterMaxAttempts = 3

// Deps wires a WorkerRuntime.
type Deps struct {
	WorkerID      string
	Jobs          jobstore.Store
	Registry      registry.Repo
	Dispatcher    dispatch.Dispatcher
	HeartbeatEvery time.Duration
	StaleAfter    time.Duration
	SweepEvery    time.Duration
	ShutdownGrace time.Duration
	StatusPort    string
	Log           *logger.Logger
}

// Runtime owns the background loops of one worker process.
type Runtime struct {
	workerID      string
	jobs          jobstore.Store
	reg           registry.Repo
	dispatcher    dispatch.Dispatcher
	heartbeatEvery time.Duration
	staleAfter    time.Duration
	sweepEvery    time.Duration
	shutdownGrace time.Duration
	statusPort    string
	log           *logger.Logger

	draining  atomic.Bool
	startedAt time.Time
	server    *statusServer
}

func New(d Deps) *Runtime {
	if d.HeartbeatEvery <= 0 {
		d.HeartbeatEvery = 30 * time.Second
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = 120 * time.Second
	}
	if d.SweepEvery <= 0 {
		d.SweepEvery = 30 * time.Second
	}
	if d.ShutdownGrace <= 0 {
		d.ShutdownGrace = 30 * time.Second
	}
	return &Runtime{
		workerID:      d.WorkerID,
		jobs:          d.Jobs,
		reg:           d.Registry,
		dispatcher:    d.Dispatcher,
		heartbeatEvery: d.HeartbeatEvery,
		staleAfter:    d.StaleAfter,
		sweepEvery:    d.SweepEvery,
		shutdownGrace: d.ShutdownGrace,
		statusPort:    d.StatusPort,
		log:           d.Log.With("component", "WorkerRuntime", "worker_id", d.WorkerID),
	}
}

// Run registers the worker, launches every background loop under one
// errgroup, and blocks until ctx is cancelled (by a signal handler
// upstream) and every loop has exited. The signal handler is expected
// to call Drain before cancelling ctx, and to call ForceRelease
// instead of waiting on Run's return if a second interrupt arrives —
// see cmd/worker's two-phase shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return fmt.Errorf("worker registration: %w", err)
	}
	r.startedAt = time.Now()
	defer r.deregister(context.Background())

	r.server = newStatusServer(r, r.statusPort, r.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dispatcher.Run(gctx) })
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { r.sweepLoop(gctx); return nil })
	g.Go(func() error { return r.server.Run(gctx) })

	err := g.Wait()
	r.log.Info("worker runtime stopped")
	return err
}

// Drain marks the runtime as no longer accepting new work; the health
// endpoint starts returning 503 so a load balancer or orchestrator
// stops routing to it, while in-flight jobs continue uninterrupted.
// The dispatcher itself still needs its context cancelled to actually
// stop claiming — Drain alone only flips the advertised health state.
func (r *Runtime) Drain() { r.draining.Store(true) }

func (r *Runtime) Draining() bool { return r.draining.Load() }

// ForceRelease writes every queued or running job this worker still
// has claimed back to pending with worker_id cleared (paused jobs are
// not released), then deregisters the worker. It is the second-signal
// escalation from Drain: Drain only stops new work from being routed
// here, while ForceRelease gives up on in-flight jobs immediately, on
// the assumption that the process is about to be
// killed and whatever it was running will not get a chance to finish
// cleanly. Safe to call without a prior Run/register — used from a
// signal handler that may fire before Run even reaches that point.
func (r *Runtime) ForceRelease(ctx context.Context) (int64, error) {
	dbc := dbctx.Context{Ctx: ctx}
	n, err := r.jobs.ReleaseByWorker(dbc, r.workerID)
	if err != nil {
		return 0, fmt.Errorf("force release: %w", err)
	}
	if n > 0 {
		r.log.Warn("force-released claimed jobs back to pending", "count", n)
	}
	r.deregister(ctx)
	return n, nil
}

func (r *Runtime) register(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	meta := map[string]any{"started_at": r.startedAt}
	var lastErr error
	for attempt := 1; attempt <= RegisterMaxAttempts; attempt++ {
		if err := r.reg.Upsert(dbc, r.workerID, meta); err != nil {
			lastErr = err
			r.log.Warn("worker registration attempt failed", "attempt", attempt, "error", err)
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		return nil
	}
	return lastErr
}

func (r *Runtime) deregister(ctx context.Context) {
	if err := r.reg.Deregister(dbctx.Context{Ctx: ctx}, r.workerID); err != nil {
		r.log.Warn("worker deregistration failed", "error", err)
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status := ghostjobs.WorkerActive
			if r.draining.Load() {
				status = ghostjobs.WorkerDraining
			}
			if err := r.reg.Heartbeat(dbctx.Context{Ctx: ctx}, r.workerID, status, nil); err != nil {
				r.log.Warn("registry heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.staleAfter)
			n, err := r.jobs.RecoverStale(dbctx.Context{Ctx: ctx}, cutoff)
			if err != nil {
				r.log.Warn("stale job recovery sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("recovered stale jobs back to pending", "count", n)
			}
		}
	}
}
