// Package pipeline drives targets through the Emulate → Condense → Repurpose →
// Redeploy phases and hands the derived capability to the agent registry.
//
// Each pipeline runs on its own goroutine, gated by a bounded pool. A running
// phase is the only suspension point: the engine waits for the producer, the
// per-depth phase timeout, or cancellation. After cancellation the producer
// gets GracePeriod to return before the engine stops waiting for it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nidhogg/nuka-swarm/internal/apperr"
	"github.com/nidhogg/nuka-swarm/internal/bus"
	"github.com/nidhogg/nuka-swarm/internal/registry"
	"go.uber.org/zap"
)

// ErrClosed is returned by Submit and Restart after Close.
var ErrClosed = errors.New("pipeline engine closed")

var (
	errCancelled = errors.New("cancelled by operator")
	errShutdown  = errors.New("interrupted")
)

// Persister stores pipeline records.
type Persister interface {
	SavePipeline(ctx context.Context, p Pipeline) error
	ListPipelines(ctx context.Context) ([]Pipeline, error)
}

// Registrar receives the capability derived from a completed pipeline.
type Registrar interface {
	Register(ctx context.Context, a registry.Agent) (string, error)
	AttachTool(ctx context.Context, agentID string, t registry.Tool) error
}

// RetryPolicy bounds an exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r RetryPolicy) backoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		bo.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		bo.MaxInterval = r.MaxInterval
	}
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(max(r.MaxAttempts, 1)-1))
}

// Options configure the engine.
type Options struct {
	MaxConcurrent int
	GracePeriod   time.Duration
	Timeouts      map[Depth]time.Duration
	Retry         RetryPolicy
	Reconcile     RetryPolicy
}

func (o Options) timeout(d Depth) time.Duration {
	if t := o.Timeouts[d]; t > 0 {
		return t
	}
	return 30 * time.Second
}

type run struct {
	mu         sync.Mutex
	p          Pipeline
	cancel     context.CancelCauseFunc
	done       chan struct{}
	reconciled chan struct{}
}

// Engine owns every pipeline record and its execution.
type Engine struct {
	mu     sync.RWMutex
	runs   map[string]*run
	closed bool

	producers map[Phase]Producer
	registrar Registrar
	persist   Persister
	events    bus.Publisher
	opts      Options
	pool      chan struct{}
	wg        sync.WaitGroup
	ctx       context.Context
	stop      context.CancelCauseFunc
	now       func() time.Time
	logger    *zap.Logger

	// afterPhases runs between the last phase commit and completion. Tests only.
	afterPhases func()
}

// NewEngine creates an engine. Every phase must have a producer.
func NewEngine(producers map[Phase]Producer, registrar Registrar, persist Persister, events bus.Publisher, opts Options, logger *zap.Logger) (*Engine, error) {
	for _, phase := range Phases {
		if producers[phase] == nil {
			return nil, fmt.Errorf("pipeline engine: no producer for phase %s", phase)
		}
	}
	if registrar == nil {
		return nil, errors.New("pipeline engine: registrar is required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	ctx, stop := context.WithCancelCause(context.Background())
	return &Engine{
		runs:      make(map[string]*run),
		producers: producers,
		registrar: registrar,
		persist:   persist,
		events:    events,
		opts:      opts,
		pool:      make(chan struct{}, opts.MaxConcurrent),
		ctx:       ctx,
		stop:      stop,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Load restores persisted pipelines. Records left running by a previous process
// are closed as interrupted; completed pipelines whose registry hand-off never
// finished are reconciled again.
func (e *Engine) Load(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}
	records, err := e.persist.ListPipelines(ctx)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	var interrupted, pending int
	for _, p := range records {
		r := &run{p: p, done: make(chan struct{}), reconciled: make(chan struct{})}
		close(r.done)

		if p.Status == StatusRunning {
			now := e.now().UTC()
			p.Error = errShutdown.Error()
			p.UpdatedAt = now
			p.CompletedAt = &now
			if p.StartedAt == nil {
				p.Status = StatusCancelled
			} else {
				p.Status = StatusFailed
				p.FailedPhase = p.Phase
			}
			if err := e.save(ctx, p); err != nil {
				return err
			}
			r.p = p
			interrupted++
		}

		e.mu.Lock()
		e.runs[p.ID] = r
		e.mu.Unlock()
		if p.Status == StatusCompleted && p.Reconciliation != nil && p.Reconciliation.Status == ReconcilePending {
			pending++
			e.wg.Add(1)
			go e.reconcile(r)
		} else {
			close(r.reconciled)
		}
	}
	e.logger.Info("pipelines loaded",
		zap.Int("count", len(records)),
		zap.Int("interrupted", interrupted),
		zap.Int("reconciling", pending))
	return nil
}

// Submit creates a pipeline for req and starts it.
func (e *Engine) Submit(ctx context.Context, req Request) (Pipeline, error) {
	if err := req.normalize(); err != nil {
		return Pipeline{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return e.start(ctx, Pipeline{
		ID:         req.ID,
		Target:     req.Target,
		TargetType: req.TargetType,
		Depth:      req.Depth,
	})
}

// Restart runs a terminal pipeline's target again under a new record that
// references the original. The original record is not modified.
func (e *Engine) Restart(ctx context.Context, id string) (Pipeline, error) {
	old, err := e.Get(id)
	if err != nil {
		return Pipeline{}, err
	}
	if !old.Status.Terminal() {
		return Pipeline{}, apperr.Transition("pipeline", id, old.Status, StatusRunning)
	}
	return e.start(ctx, Pipeline{
		ID:         uuid.NewString(),
		Target:     old.Target,
		TargetType: old.TargetType,
		Depth:      old.Depth,
		RestartOf:  old.ID,
	})
}

func (e *Engine) start(ctx context.Context, p Pipeline) (Pipeline, error) {
	now := e.now().UTC()
	p.Status = StatusRunning
	p.Phase = PhaseEmulate
	p.CreatedAt = now
	p.UpdatedAt = now

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Pipeline{}, ErrClosed
	}
	if _, exists := e.runs[p.ID]; exists {
		return Pipeline{}, fmt.Errorf("pipeline %s: %w", p.ID, apperr.ErrDuplicateID)
	}
	if err := e.save(ctx, p); err != nil {
		return Pipeline{}, err
	}

	runCtx, cancel := context.WithCancelCause(e.ctx)
	r := &run{p: p, cancel: cancel, done: make(chan struct{}), reconciled: make(chan struct{})}
	e.runs[p.ID] = r
	e.publish(p.ID, "pipeline.submitted", map[string]any{
		"target":      p.Target,
		"target_type": p.TargetType,
		"depth":       p.Depth,
		"restart_of":  p.RestartOf,
	})
	e.logger.Info("pipeline submitted",
		zap.String("pipeline", p.ID),
		zap.String("target", p.Target),
		zap.String("depth", string(p.Depth)))

	e.wg.Add(1)
	go e.execute(runCtx, r)
	return p.clone(), nil
}

// Get returns a snapshot of a pipeline.
func (e *Engine) Get(id string) (Pipeline, error) {
	r, err := e.lookup(id)
	if err != nil {
		return Pipeline{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p.clone(), nil
}

// List returns pipelines matching f, oldest first.
func (e *Engine) List(f Filter) []Pipeline {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]Pipeline, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		p := r.p.clone()
		r.mu.Unlock()
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Target != "" && p.Target != f.Target {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Pipeline) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Cancel requests cancellation of a running pipeline and returns immediately.
// The pipeline becomes cancelled once its producer stops, or when the grace
// period runs out.
func (e *Engine) Cancel(ctx context.Context, id string) (Pipeline, error) {
	r, err := e.lookup(id)
	if err != nil {
		return Pipeline{}, err
	}
	r.mu.Lock()
	if r.p.Status.Terminal() {
		from := r.p.Status
		r.mu.Unlock()
		return Pipeline{}, apperr.Transition("pipeline", id, from, StatusCancelled)
	}
	snapshot := r.p.clone()
	e.publish(id, "pipeline.cancel_requested", map[string]any{"phase": snapshot.Phase})
	// complete checks the cause under r.mu, so an accepted cancel always wins.
	r.cancel(errCancelled)
	r.mu.Unlock()

	e.logger.Info("pipeline cancel requested",
		zap.String("pipeline", id),
		zap.String("phase", string(snapshot.Phase)))
	return snapshot, nil
}

// Wait blocks until the pipeline reaches a terminal status.
func (e *Engine) Wait(ctx context.Context, id string) (Pipeline, error) {
	r, err := e.lookup(id)
	if err != nil {
		return Pipeline{}, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Pipeline{}, ctx.Err()
	}
	return e.Get(id)
}

// WaitReconciled blocks until the registry hand-off of a pipeline has finished,
// successfully or not. Pipelines that never completed return once terminal.
func (e *Engine) WaitReconciled(ctx context.Context, id string) (Pipeline, error) {
	r, err := e.lookup(id)
	if err != nil {
		return Pipeline{}, err
	}
	select {
	case <-r.reconciled:
	case <-ctx.Done():
		return Pipeline{}, ctx.Err()
	}
	return e.Get(id)
}

// Close stops accepting pipelines, interrupts running ones and waits for every
// run and reconciliation goroutine to exit.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop(errShutdown)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, apperr.NotFound("pipeline", id)
	}
	return r, nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer e.wg.Done()
	defer close(r.done)

	select {
	case e.pool <- struct{}{}:
	case <-ctx.Done():
		e.abort(r, context.Cause(ctx), "")
		close(r.reconciled)
		return
	}
	defer func() { <-e.pool }()

	for _, phase := range Phases {
		if cause := context.Cause(ctx); cause != nil {
			e.abort(r, cause, phase)
			close(r.reconciled)
			return
		}
		err := e.enter(ctx, r, phase)
		var out Output
		if err == nil {
			out, err = e.runPhase(ctx, r, phase)
		}
		if err == nil {
			err = e.commit(ctx, r, phase, out)
		}
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				e.abort(r, cause, phase)
			} else {
				e.fail(r, phase, err)
			}
			close(r.reconciled)
			return
		}
	}

	if e.afterPhases != nil {
		e.afterPhases()
	}
	if !e.complete(ctx, r) {
		close(r.reconciled)
		return
	}
	e.wg.Add(1)
	go e.reconcile(r)
}

func (e *Engine) enter(ctx context.Context, r *run, phase Phase) error {
	return e.update(context.WithoutCancel(ctx), r, func(p *Pipeline) (string, any, error) {
		if p.PhasesCompleted() != slices.Index(Phases, phase) {
			return "", nil, apperr.Transition("pipeline", p.ID, p.Phase, phase)
		}
		p.Phase = phase
		if p.StartedAt == nil {
			now := e.now().UTC()
			p.StartedAt = &now
		}
		return "pipeline.phase_started", map[string]any{"phase": phase, "depth": p.Depth}, nil
	})
}

func (e *Engine) commit(ctx context.Context, r *run, phase Phase, out Output) error {
	return e.update(context.WithoutCancel(ctx), r, func(p *Pipeline) (string, any, error) {
		if p.Phase != phase {
			return "", nil, apperr.Transition("pipeline", p.ID, p.Phase, nextPhase[phase])
		}
		p.store(phase, out)
		score := out.Score(phase)
		return "pipeline.phase_completed", map[string]any{
			"phase":      phase,
			"confidence": score.Confidence,
			"cost":       score.Cost,
		}, nil
	})
}

// runPhase calls the phase producer, retrying transient errors until the
// retry policy or the phase timeout is exhausted.
func (e *Engine) runPhase(ctx context.Context, r *run, phase Phase) (Output, error) {
	r.mu.Lock()
	in := r.p.input(phase)
	depth := r.p.Depth
	r.mu.Unlock()

	timeout := e.opts.timeout(depth)
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	producer := e.producers[phase]
	var (
		out     Output
		attempt int
	)
	op := func() error {
		attempt++
		o, err := e.call(phaseCtx, producer, in, depth)
		if err != nil {
			if phaseCtx.Err() == nil && apperr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if err := o.validate(phase); err != nil {
			return backoff.Permanent(err)
		}
		out = o
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("transient phase error, retrying",
			zap.String("pipeline", in.PipelineID),
			zap.String("phase", string(phase)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		r.mu.Lock()
		e.publish(in.PipelineID, "pipeline.phase_retry", map[string]any{
			"phase":   phase,
			"attempt": attempt,
			"error":   err.Error(),
		})
		r.mu.Unlock()
	}

	err := backoff.RetryNotify(op, backoff.WithContext(e.opts.Retry.backoff(), phaseCtx), notify)
	switch {
	case err == nil:
		return out, nil
	case context.Cause(ctx) != nil:
		return Output{}, context.Cause(ctx)
	case errors.Is(phaseCtx.Err(), context.DeadlineExceeded):
		return Output{}, fmt.Errorf("%s timed out after %s: %w", phase, timeout, apperr.ErrPhaseFailure)
	default:
		return Output{}, fmt.Errorf("%s failed after %d attempt(s): %w: %w", phase, attempt, apperr.ErrPhaseFailure, err)
	}
}

// call runs the producer and stops waiting for it GracePeriod after ctx is
// done. A result that arrives after ctx is done is discarded.
func (e *Engine) call(ctx context.Context, p Producer, in Input, depth Depth) (Output, error) {
	type result struct {
		out Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := p.Run(ctx, in, depth)
		ch <- result{out: out, err: err}
	}()

	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
	}

	grace := time.NewTimer(e.opts.GracePeriod)
	defer grace.Stop()
	select {
	case res := <-ch:
		if res.err == nil {
			res.err = ctx.Err()
		}
		return Output{}, res.err
	case <-grace.C:
		e.logger.Warn("producer ignored cancellation, abandoning phase",
			zap.String("pipeline", in.PipelineID),
			zap.String("phase", string(in.Phase)),
			zap.Duration("grace", e.opts.GracePeriod))
		return Output{}, ctx.Err()
	}
}

// complete closes a pipeline whose four phases committed. An operator cancel
// accepted after the last commit turns it into a cancellation instead.
func (e *Engine) complete(ctx context.Context, r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cause := context.Cause(ctx); errors.Is(cause, errCancelled) {
		e.abortLocked(r, cause, PhaseRedeploy)
		return false
	}
	e.finishLocked(r, StatusCompleted, func(p *Pipeline) (string, any) {
		p.Phase = PhaseComplete
		p.Summary = summarize(p)
		p.Reconciliation = &Reconciliation{Status: ReconcilePending}
		e.logger.Info("pipeline completed",
			zap.String("pipeline", p.ID),
			zap.String("summary", p.Summary))
		return "pipeline.completed", map[string]any{"summary": p.Summary}
	})
	return true
}

func (e *Engine) fail(r *run, phase Phase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.failLocked(r, phase, err)
}

func (e *Engine) failLocked(r *run, phase Phase, err error) {
	e.finishLocked(r, StatusFailed, func(p *Pipeline) (string, any) {
		p.FailedPhase = phase
		p.Error = err.Error()
		e.logger.Error("pipeline failed",
			zap.String("pipeline", p.ID),
			zap.String("phase", string(phase)),
			zap.Error(err))
		return "pipeline.failed", map[string]any{"phase": phase, "error": p.Error, "target": p.Target}
	})
}

func (e *Engine) abort(r *run, cause error, phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.abortLocked(r, cause, phase)
}

// abortLocked closes a pipeline stopped by cancellation. Shutdown after a
// phase has started counts as a failure so the record still shows which phase
// was hit.
func (e *Engine) abortLocked(r *run, cause error, phase Phase) {
	if errors.Is(cause, errShutdown) && phase != "" {
		e.failLocked(r, phase, cause)
		return
	}
	e.finishLocked(r, StatusCancelled, func(p *Pipeline) (string, any) {
		if errors.Is(cause, errShutdown) {
			p.Error = cause.Error()
		}
		e.logger.Info("pipeline cancelled",
			zap.String("pipeline", p.ID),
			zap.String("phase", string(phase)))
		return "pipeline.cancelled", map[string]any{"phase": phase}
	})
}

// finishLocked moves a running pipeline to a terminal status. The in-memory
// record is committed even when persisting it fails, so waiters are never
// stranded. The caller holds r.mu.
func (e *Engine) finishLocked(r *run, status Status, fn func(p *Pipeline) (string, any)) {
	if err := transition(r.p.ID, r.p.Status, status); err != nil {
		e.logger.Error("pipeline finish", zap.Error(err))
		return
	}
	next := r.p.clone()
	next.Status = status
	eventType, data := fn(&next)
	now := e.now().UTC()
	next.UpdatedAt = now
	next.CompletedAt = &now
	if next.StartedAt != nil {
		next.DurationMS = now.Sub(*next.StartedAt).Milliseconds()
	}
	if err := e.save(context.Background(), next); err != nil {
		e.logger.Error("persist terminal pipeline state",
			zap.String("pipeline", next.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	r.p = next
	e.publish(next.ID, eventType, data)
}

// update applies fn to a copy of the record, persists it and commits it.
// fn returning an empty event type means nothing changed.
func (e *Engine) update(ctx context.Context, r *run, fn func(p *Pipeline) (string, any, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.p.clone()
	eventType, data, err := fn(&next)
	if err != nil || eventType == "" {
		return err
	}
	next.UpdatedAt = e.now().UTC()
	if err := e.save(ctx, next); err != nil {
		return err
	}
	r.p = next
	e.publish(next.ID, eventType, data)
	return nil
}

// save writes through to the persister, retrying errors marked transient.
func (e *Engine) save(ctx context.Context, p Pipeline) error {
	if e.persist == nil {
		return nil
	}
	err := backoff.RetryNotify(func() error {
		err := e.persist.SavePipeline(ctx, p)
		if err != nil && !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(e.opts.Retry.backoff(), ctx), func(err error, wait time.Duration) {
		e.logger.Warn("persist pipeline failed, retrying",
			zap.String("pipeline", p.ID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("persist pipeline %s: %w", p.ID, err)
	}
	return nil
}

func (e *Engine) publish(id, eventType string, data any) {
	if e.events != nil {
		e.events.Publish(bus.KindPipeline, id, eventType, data)
	}
}

func summarize(p *Pipeline) string {
	var conf float64
	for _, s := range []Score{
		p.EmulationResult.Score,
		p.CondensationResult.Score,
		p.RepurposeResult.Score,
		p.DeploymentResult.Score,
	} {
		conf += s.Confidence
	}
	return fmt.Sprintf("acquired %s %q at %s depth: %d skills, %d tools, %s deployment, mean confidence %.2f",
		p.TargetType, p.Target, p.Depth,
		len(p.RepurposeResult.Skills), len(p.RepurposeResult.Tools),
		p.DeploymentResult.Strategy, conf/4)
}
