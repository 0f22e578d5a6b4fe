// Package worker runs the classification worker pool: a bounded in-memory
// queue of emailIds drained by a fixed set of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"smarttasks/internal/classifier"
	"smarttasks/internal/events"
	"smarttasks/internal/repository"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/metrics"
	"smarttasks/pkg/trace"
	"smarttasks/pkg/util"
)

const failureCounterKey = "classify"

// Config tunes the pool.
type Config struct {
	Workers      int           `yaml:"workers" validate:"min=1"`
	QueueSize    int           `yaml:"queue_size" validate:"min=1"`
	Lease        time.Duration `yaml:"lease"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=1"`
	RetryBase    time.Duration `yaml:"retry_base"`
	// FailureWarnThreshold flags documents that failed this many passes in a row.
	FailureWarnThreshold int64 `yaml:"failure_warn_threshold"`
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.FailureWarnThreshold <= 0 {
		c.FailureWarnThreshold = 5
	}
}

// Outcome is the result of processing one identifier.
type Outcome string

const (
	OutcomeClassified Outcome = "classified"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
	// OutcomeLost means the lease expired and another worker took over
	// before the result could be written.
	OutcomeLost Outcome = "lost"
)

// Option customizes a Pool.
type Option func(*Pool)

// WithEmitter publishes task.classified events after successful writes.
func WithEmitter(e *events.Emitter) Option {
	return func(p *Pool) { p.emitter = e }
}

// WithFailureCounter tracks consecutive failures per document.
func WithFailureCounter(c *util.RetryCounter) Option {
	return func(p *Pool) { p.failures = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithInstanceID fixes the prefix of worker ids.
func WithInstanceID(id string) Option {
	return func(p *Pool) { p.instanceID = id }
}

// Pool is the classification worker pool. The queue outlives Start/Stop
// cycles; whatever is left in it is processed on the next start.
type Pool struct {
	cfg        Config
	repo       *repository.TaskRepository
	classifier classifier.Classifier
	emitter    *events.Emitter
	failures   *util.RetryCounter
	logger     *zap.Logger
	now        func() time.Time
	instanceID string

	queue chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

func NewPool(cfg Config, repo *repository.TaskRepository, c classifier.Classifier, logger *zap.Logger, opts ...Option) *Pool {
	cfg.setDefaults()
	p := &Pool{
		cfg:        cfg,
		repo:       repo,
		classifier: c,
		logger:     logger,
		now:        time.Now,
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan string, cfg.QueueSize)
	return p
}

// Enqueue blocks until id fits in the queue or ctx is done.
func (p *Pool) Enqueue(ctx context.Context, id string) error {
	select {
	case p.queue <- id:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds id without blocking and reports whether it fit.
func (p *Pool) TryEnqueue(id string) bool {
	select {
	case p.queue <- id:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		return false
	}
}

// Len returns the number of queued identifiers.
func (p *Pool) Len() int {
	return len(p.queue)
}

// Start launches the workers. Calling Start on a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.instanceID, i)
		p.running.Add(1)
		go p.run(ctx, workerID)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.cfg.Workers), zap.String("instance_id", p.instanceID))
}

// Stop cancels the workers and waits for them to exit. In-flight store
// writes finish on their own timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.running.Wait()
	p.logger.Info("worker pool stopped", zap.Int("queued", len(p.queue)))
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.running.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			p.safeProcess(ctx, workerID, id)
		}
	}
}

func (p *Pool) safeProcess(ctx context.Context, workerID, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic recovered",
				zap.String("worker_id", workerID),
				zap.String("email_id", id),
				zap.Any("panic", r),
			)
			metrics.RecordClassification(string(OutcomeFailed))
		}
	}()
	p.Process(ctx, workerID, id)
}

// Process runs claim, classify and complete for one identifier.
func (p *Pool) Process(ctx context.Context, workerID, id string) Outcome {
	ctx = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, p.logger).With(zap.String("email_id", id), zap.String("worker_id", workerID))

	outcome := p.process(ctx, log, workerID, id)
	metrics.RecordClassification(string(outcome))
	return outcome
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, workerID, id string) Outcome {
	sctx, cancel := p.storeContext(ctx)
	claimed, err := p.repo.Claim(sctx, id, workerID, p.now(), p.cfg.Lease)
	cancel()
	if err != nil {
		log.Warn("claim failed", zap.Error(err))
		return OutcomeFailed
	}
	if !claimed {
		// 已处理或被其他 worker 持有
		log.Debug("claim not acquired")
		return OutcomeSkipped
	}

	sctx, cancel = p.storeContext(ctx)
	doc, err := p.repo.Get(sctx, id)
	cancel()
	if err != nil {
		log.Warn("load claimed document failed", zap.Error(err))
		p.release(ctx, log, workerID, id)
		return OutcomeFailed
	}

	in := classifier.InputFromDocument(doc)
	res, err := p.classify(ctx, in)
	if err != nil {
		retryable, errorType := util.IsRetryableError(err)
		log.Warn("classification failed",
			zap.Error(err),
			zap.String("error_type", errorType),
			zap.Bool("retryable", retryable),
		)
		p.release(ctx, log, workerID, id)
		if ctx.Err() == nil {
			p.recordFailure(ctx, log, id)
		}
		return OutcomeFailed
	}

	res = classifier.Normalize(res, in)
	c := repository.Classification{
		HasTask:  res.HasTask,
		Task:     res.Task,
		TaskBody: res.TaskBody,
		Urgency:  res.Urgency,
	}
	if doc.Deadline == nil {
		c.Deadline = res.Deadline
	}

	sctx, cancel = p.storeContext(ctx)
	written, err := p.repo.Complete(sctx, id, workerID, c)
	cancel()
	if err != nil {
		log.Error("write classification failed", zap.Error(err))
		p.release(ctx, log, workerID, id)
		return OutcomeFailed
	}
	if !written {
		log.Warn("lease lost before the result was written; discarding")
		return OutcomeLost
	}

	log.Info("document classified",
		zap.Bool("has_task", res.HasTask),
		zap.String("urgency", res.Urgency.String()),
	)
	p.resetFailures(ctx, id)
	p.emitter.TaskClassified(ctx, events.TaskClassifiedPayload{
		EmailID:  id,
		HasTask:  res.HasTask,
		Task:     res.Task,
		Urgency:  string(res.Urgency),
		Deadline: c.Deadline,
		WorkerID: workerID,
	})
	return OutcomeClassified
}

// classify calls the capability with a per-call timeout and bounded retry.
// Invalid input is not retried.
func (p *Pool) classify(ctx context.Context, in classifier.Input) (classifier.Result, error) {
	b := retry.NewExponential(p.cfg.RetryBase)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), b)

	var res classifier.Result
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()

		r, err := p.classifier.Classify(cctx, in)
		if err == nil {
			res = r
			return nil
		}
		if errors.Is(err, classifier.ErrInvalidInput) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	return res, err
}

func (p *Pool) release(ctx context.Context, log *zap.Logger, workerID, id string) {
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.repo.Release(sctx, id, workerID); err != nil {
		// 租约到期后会被其他 worker 或对账清理
		log.Warn("release claim failed", zap.Error(err))
	}
}

func (p *Pool) recordFailure(ctx context.Context, log *zap.Logger, id string) {
	if p.failures == nil {
		return
	}
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	n, err := p.failures.IncrementAndGet(sctx, util.FormatRetryKey(failureCounterKey, id))
	if err != nil {
		log.Debug("failure counter unavailable", zap.Error(err))
		return
	}
	if n >= p.cfg.FailureWarnThreshold {
		log.Warn("document keeps failing classification", zap.Int64("consecutive_failures", n))
		if n == p.cfg.FailureWarnThreshold {
			metrics.RepeatFailures.Inc()
		}
	}
}

func (p *Pool) resetFailures(ctx context.Context, id string) {
	if p.failures == nil {
		return
	}
	sctx, cancel := p.storeContext(ctx)
	defer cancel()
	_ = p.failures.Reset(sctx, util.FormatRetryKey(failureCounterKey, id))
}

// storeContext is ctx without cancellation, bounded by the store timeout.
func (p *Pool) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
}
