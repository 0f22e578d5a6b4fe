// Package orchestrator owns the pipeline lifecycle. The persisted triggered
// flag decides whether the listener, the worker pool and the scheduled jobs
// run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/metrics"
	"smarttasks/pkg/trace"
)

// Workers is the classification pool as seen by the orchestrator.
type Workers interface {
	Start(ctx context.Context)
	Stop()
}

// Listener follows the change feed until ctx is cancelled.
type Listener interface {
	Run(ctx context.Context) error
}

// Job is one scheduled activity.
type Job struct {
	Name    string
	Cadence Cadence
	Run     func(ctx context.Context) error
	// Watermark returns the last completed run from the control record.
	// Jobs with a watermark run right away when their last slot was missed.
	Watermark func(*model.ControlRecord) *time.Time
}

type Orchestrator struct {
	repo     *repository.TaskRepository
	workers  Workers
	listener Listener
	jobs     []Job
	logger   *zap.Logger
	now      func() time.Time

	// lifecycle serializes start and Stop, including the wait for the
	// previous generation to exit.
	lifecycle sync.Mutex

	mu      sync.Mutex
	parent  context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func New(repo *repository.TaskRepository, workers Workers, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		workers: workers,
		logger:  logger,
		now:     time.Now,
		parent:  context.Background(),
	}
}

// SetListener enables the change feed listener.
func (o *Orchestrator) SetListener(l Listener) {
	o.listener = l
}

// AddJob registers a scheduled job. Jobs must be added before Init.
func (o *Orchestrator) AddJob(j Job) {
	o.jobs = append(o.jobs, j)
}

// Init reads the control record once and starts the pipeline if it is
// triggered. ctx bounds the lifetime of everything started later.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	o.parent = ctx
	o.mu.Unlock()

	ctrl, err := o.repo.LoadControl(ctx)
	if err != nil {
		return fmt.Errorf("load control record: %w", err)
	}
	o.logger.Info("control record loaded", zap.Bool("triggered", ctrl.Triggered))
	if ctrl.Triggered {
		o.start(ctrl)
	}
	return nil
}

// Running reports whether the pipeline is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// SetTriggered persists the flag and then starts or stops the pipeline.
// Setting the current value again only persists it.
func (o *Orchestrator) SetTriggered(ctx context.Context, on bool) error {
	wctx := docstore.WithOrigin(ctx, docstore.OriginUser)
	if err := o.repo.UpdateControl(wctx, docstore.Update{model.ControlTriggered: on}); err != nil {
		return fmt.Errorf("persist triggered: %w", err)
	}
	if !on {
		o.Stop()
		return nil
	}
	ctrl, err := o.repo.LoadControl(ctx)
	if err != nil {
		return fmt.Errorf("load control record: %w", err)
	}
	o.start(ctrl)
	return nil
}

func (o *Orchestrator) start(ctrl *model.ControlRecord) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(o.parent)
	o.cancel = cancel
	o.mu.Unlock()

	o.workers.Start(ctx)
	if o.listener != nil {
		o.running.Add(1)
		go func() {
			defer o.running.Done()
			if err := o.listener.Run(ctx); err != nil {
				o.logger.Error("change feed listener exited", zap.Error(err))
			}
		}()
	}
	for _, j := range o.jobs {
		due := j.Watermark != nil && j.Cadence.Missed(j.Watermark(ctrl), o.now())
		o.running.Add(1)
		go o.schedule(ctx, j, due)
	}
	o.logger.Info("pipeline started", zap.Int("jobs", len(o.jobs)), zap.Bool("listener", o.listener != nil))
}

// Stop cancels the listener and the timers and waits for them. It does not
// touch the persisted flag.
func (o *Orchestrator) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	o.running.Wait()
	o.workers.Stop()
	o.logger.Info("pipeline stopped")
}

func (o *Orchestrator) schedule(ctx context.Context, j Job, runNow bool) {
	defer o.running.Done()
	if runNow {
		o.logger.Info("catching up missed run", zap.String("job", j.Name))
		o.runJob(ctx, j)
	}
	for {
		next := j.Cadence.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		o.runJob(ctx, j)
	}
}

// runJob runs j once. Errors and panics are logged and the job simply runs
// again at its next slot.
func (o *Orchestrator) runJob(ctx context.Context, j Job) {
	ctx = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, o.logger).With(zap.String("job", j.Name))
	start := time.Now()
	status := "success"

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			log.Error("job panicked", zap.Any("panic", r))
		}
		metrics.RecordJobDuration(j.Name, status, time.Since(start))
	}()

	if err := j.Run(ctx); err != nil {
		status = "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		log.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Debug("job finished", zap.Duration("elapsed", time.Since(start)))
}
