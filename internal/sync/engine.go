package sync

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/mailmirror/internal/model"
	"github.com/njoerd114/mailmirror/internal/retry"
)

const (
	otelScope        = "mailmirror/sync"
	spanCycle        = "sync.cycle"
	spanProbe        = "sync.probe"
	metricCycles     = "mailmirror.sync.cycles"
	metricCreated    = "mailmirror.sync.items.created"
	metricMerged     = "mailmirror.sync.items.merged"
	metricEvicted    = "mailmirror.sync.items.evicted"
	metricBackfilled = "mailmirror.sync.bodies.fetched"
	metricErrors     = "mailmirror.sync.errors"
)

// Options tunes the [Engine]. Zero values fall back to defaults.
type Options struct {
	PollInterval        time.Duration // default 30s
	Window              int           // default DefaultWindow
	BackfillBatch       int           // 0 disables body backfill
	BackfillConcurrency int           // default 1
	CallTimeout         time.Duration // default 30s
	ProbeAttempts       int           // default retry.DefaultAttempts
}

// Engine drives mirror cycles on a fixed interval. Create one with
// [NewEngine] and start it with [Engine.Run]. Run and RunOnce must not be
// called concurrently; Status may be called from any goroutine.
type Engine struct {
	remote     Remote
	store      MirrorStore
	fetcher    *Fetcher
	reconciler *Reconciler
	backfiller *Backfiller
	opts       Options
	log        *slog.Logger

	mu     gosync.RWMutex
	status Status

	now     func() time.Time
	cycleID func() string

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer        trace.Tracer
	cntCycles     metric.Int64Counter
	cntCreated    metric.Int64Counter
	cntMerged     metric.Int64Counter
	cntEvicted    metric.Int64Counter
	cntBackfilled metric.Int64Counter
	cntErrors     metric.Int64Counter
}

// NewEngine wires a Fetcher, Reconciler and Backfiller around remote and store.
func NewEngine(remote Remote, store MirrorStore, opts Options, logger *slog.Logger) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = retry.DefaultAttempts
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		remote:     remote,
		store:      store,
		fetcher:    NewFetcher(remote, opts.Window, opts.CallTimeout, logger),
		reconciler: NewReconciler(store, logger),
		backfiller: NewBackfiller(remote, store, opts.CallTimeout, opts.BackfillConcurrency, logger),
		opts:       opts,
		log:        logger,
		status:     Status{State: StateConnecting},
		now:        time.Now,
		cycleID:    uuid.NewString,

		tracer:        tracer,
		cntCycles:     mustCounter(metricCycles, "Number of mirror cycles run"),
		cntCreated:    mustCounter(metricCreated, "Number of items added to the mirror"),
		cntMerged:     mustCounter(metricMerged, "Number of items merged into existing mirror rows"),
		cntEvicted:    mustCounter(metricEvicted, "Number of items evicted from the mirror"),
		cntBackfilled: mustCounter(metricBackfilled, "Number of message bodies backfilled"),
		cntErrors:     mustCounter(metricErrors, "Number of errors encountered during mirror cycles"),
	}
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) update(fn func(s *Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
}

// probe checks connectivity once (with bounded retries) and moves the engine
// to IDLE or DISCONNECTED.
func (e *Engine) probe(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, spanProbe)
	defer span.End()

	e.update(func(s *Status) { s.State = StateConnecting })

	err := retry.Do(ctx, e.opts.ProbeAttempts, func() error {
		callCtx, cancel := withTimeout(ctx, e.opts.CallTimeout)
		defer cancel()
		return e.remote.Ping(callCtx)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
		e.update(func(s *Status) {
			s.State = StateDisconnected
			s.Connected = false
			s.LastError = err.Error()
			s.LastErrorAt = e.now()
		})
		return fmt.Errorf("connecting to remote mailbox: %w", err)
	}

	e.update(func(s *Status) {
		s.State = StateIdle
		s.Connected = true
	})
	return nil
}

// cycleResult is what one cycle produced. err is the failure that ended the
// cycle early or left it partial.
type cycleResult struct {
	outcome  Outcome
	total    int
	mirror   Stats
	backfill BackfillStats
	err      error
}

// cycle runs one mirror cycle and publishes its result. The returned error is
// non-nil only for a critical failure.
func (e *Engine) cycle(ctx context.Context) (res cycleResult, critical error) {
	id := e.cycleID()
	ctx, span := e.tracer.Start(ctx, spanCycle, trace.WithAttributes(attribute.String("cycle.id", id)))
	defer span.End()

	e.update(func(s *Status) { s.State = StateSyncing })

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		critical = fmt.Errorf("%w: %v", ErrCriticalFailure, r)
		e.log.Error("mirror cycle crashed", "cycle", id, "panic", r, "stack", string(debug.Stack()))
		span.RecordError(critical)
		span.SetStatus(codes.Error, "critical failure")
		e.cntErrors.Add(ctx, 1)
		e.update(func(s *Status) {
			s.State = StateCriticalFailure
			s.LastCycleOutcome = OutcomeFailed
			s.LastCycleAt = e.now()
			s.LastCycleID = id
			s.LastError = critical.Error()
			s.LastErrorAt = e.now()
		})
		res = cycleResult{outcome: OutcomeFailed, err: critical}
	}()

	res = e.runCycle(ctx, id)

	e.cntCycles.Add(ctx, 1)
	if res.mirror.Created > 0 {
		e.cntCreated.Add(ctx, int64(res.mirror.Created))
	}
	if res.mirror.Merged > 0 {
		e.cntMerged.Add(ctx, int64(res.mirror.Merged))
	}
	if res.mirror.Evicted > 0 {
		e.cntEvicted.Add(ctx, int64(res.mirror.Evicted))
	}
	if res.backfill.Fetched > 0 {
		e.cntBackfilled.Add(ctx, int64(res.backfill.Fetched))
	}
	if errs := res.mirror.Errors + res.backfill.Errors; errs > 0 {
		e.cntErrors.Add(ctx, int64(errs))
	} else if res.outcome == OutcomeFailed {
		e.cntErrors.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.String("sync.outcome", string(res.outcome)),
		attribute.Int("sync.remote_total", res.total),
		attribute.Int("sync.fetched", res.mirror.Fetched),
		attribute.Int("sync.created", res.mirror.Created),
		attribute.Int("sync.merged", res.mirror.Merged),
		attribute.Int("sync.evicted", res.mirror.Evicted),
		attribute.Int("sync.backfilled", res.backfill.Fetched),
		attribute.Int("sync.errors", res.mirror.Errors+res.backfill.Errors),
	)
	if res.err != nil {
		span.RecordError(res.err)
	}

	// A cycle cut short by shutdown is not a failure worth publishing.
	if ctx.Err() != nil {
		e.update(func(s *Status) { s.State = StateIdle })
		return res, nil
	}

	e.update(func(s *Status) {
		s.State = StateIdle
		s.Cycles++
		s.LastCycleOutcome = res.outcome
		s.LastCycleAt = e.now()
		s.LastCycleID = id
		s.RemoteTotal = res.total
		s.LastMirror = res.mirror
		s.LastBackfill = res.backfill
		if res.err != nil {
			s.LastError = res.err.Error()
			s.LastErrorAt = e.now()
		}
	})
	return res, nil
}

// runCycle is fetch, reconcile, backfill. Remote listing failures end the
// cycle early; store failures are counted and the cycle continues.
func (e *Engine) runCycle(ctx context.Context, id string) cycleResult {
	log := e.log.With("cycle", id)

	snap, err := e.fetcher.Fetch(ctx)
	if err != nil {
		log.Error("remote snapshot failed, cycle ended early", "error", err)
		return cycleResult{outcome: OutcomeFailed, err: err}
	}

	res := cycleResult{outcome: OutcomeOK, total: snap.Total}

	res.mirror, err = e.reconciler.Run(ctx, snap)
	if err != nil {
		res.outcome = OutcomePartial
		res.err = err
	}

	res.backfill, err = e.backfiller.Run(ctx, e.opts.BackfillBatch)
	if err != nil {
		log.Error("backfill batch failed", "error", err)
		res.outcome = OutcomePartial
		if res.err == nil {
			res.err = err
		}
	}
	if res.backfill.Errors > 0 && res.outcome == OutcomeOK {
		res.outcome = OutcomePartial
		res.err = fmt.Errorf("%d body fetches failed", res.backfill.Errors)
	}

	processed, err := e.store.CountByStatus(ctx, model.StatusProcessed)
	if err != nil {
		log.Error("counting processed items failed", "error", err)
	} else {
		e.update(func(s *Status) { s.ProcessedCount = processed })
	}

	return res
}

// RunOnce probes the remote and runs a single cycle. It returns the status
// after the cycle and the error that ended or degraded it, if any.
func (e *Engine) RunOnce(ctx context.Context) (Status, error) {
	if err := e.probe(ctx); err != nil {
		return e.Status(), err
	}
	res, critical := e.cycle(ctx)
	if critical != nil {
		return e.Status(), critical
	}
	return e.Status(), res.err
}

// Run probes the remote once, runs an immediate first cycle and then one
// cycle per poll interval until ctx is cancelled. If the probe fails the
// engine stays DISCONNECTED and skips every tick. After a critical failure
// Run returns an error wrapping [ErrCriticalFailure].
func (e *Engine) Run(ctx context.Context) error {
	if err := e.probe(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Error("remote mailbox unreachable, mirror disabled until restart", "error", err)
	} else {
		e.log.Info("remote mailbox reachable")
	}

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	tick := func() error {
		if ctx.Err() != nil {
			return nil
		}
		if e.Status().State == StateDisconnected {
			e.log.Debug("skipping cycle while disconnected")
			e.update(func(s *Status) {
				s.LastCycleOutcome = OutcomeSkipped
				s.LastCycleAt = e.now()
			})
			return nil
		}
		_, critical := e.cycle(ctx)
		if critical != nil {
			e.log.Error("sync engine stopped after critical failure", "error", critical)
		}
		return critical
	}

	// Run an immediate first pass.
	if err := tick(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := tick(); err != nil {
				return err
			}
		}
	}
}
