// Package feed turns the store's change feed into work for the classification
// queue. Delivery is at-least-once: the durable position only moves past an
// identifier after it was handed to the queue.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/pkg/metrics"
)

// ErrResumeExpired is returned by the feed when the stored position was pruned.
var ErrResumeExpired = docstore.ErrResumeExpired

const dedupHandler = "feed"

// Sink receives identifiers. Enqueue blocks while the queue is full.
type Sink interface {
	Enqueue(ctx context.Context, emailID string) error
}

// Deduper suppresses identifiers seen recently. Satisfied by util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
}

// Config tunes the listener.
type Config struct {
	// AckEvery persists the position after this many handled changes.
	AckEvery int `yaml:"ack_every"`
	// AckIdle persists the position when no change arrived for this long.
	AckIdle      time.Duration `yaml:"ack_idle"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

func (c *Config) setDefaults() {
	if c.AckEvery <= 0 {
		c.AckEvery = 50
	}
	if c.AckIdle <= 0 {
		c.AckIdle = 2 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
}

// Listener follows the change feed from the durable resume position.
type Listener struct {
	cfg       Config
	feed      docstore.ChangeFeed
	repo      *repository.TaskRepository
	sink      Sink
	reconcile func(ctx context.Context) error
	deduper   Deduper
	logger    *zap.Logger
}

// NewListener builds a listener. reconcile runs a full scan when the resume
// position has fallen out of retained history.
func NewListener(cfg Config, feed docstore.ChangeFeed, repo *repository.TaskRepository, sink Sink, reconcile func(ctx context.Context) error, logger *zap.Logger) *Listener {
	cfg.setDefaults()
	return &Listener{
		cfg:       cfg,
		feed:      feed,
		repo:      repo,
		sink:      sink,
		reconcile: reconcile,
		logger:    logger,
	}
}

// SetDeduper enables enqueue suppression.
func (l *Listener) SetDeduper(d Deduper) {
	l.deduper = d
}

// Run follows the feed until ctx is cancelled, reconnecting forever.
func (l *Listener) Run(ctx context.Context) error {
	pos, err := l.loadPosition(ctx)
	for err != nil {
		l.logger.Warn("load feed position failed", zap.Error(err))
		if !sleep(ctx, l.cfg.BackoffBase) {
			return nil
		}
		pos, err = l.loadPosition(ctx)
	}
	l.logger.Info("change feed listener started", zap.Int64("position", pos))

	backoff := l.newBackoff()
	for {
		start := pos
		err := l.stream(ctx, &pos)
		if ctx.Err() != nil {
			l.logger.Info("change feed listener stopped", zap.Int64("position", pos))
			return nil
		}

		if errors.Is(err, ErrResumeExpired) {
			metrics.FeedResumeExpired.Inc()
			l.logger.Warn("feed position expired, running full reconciliation", zap.Int64("position", pos))
			next, rerr := l.recover(ctx)
			if rerr == nil {
				pos = next
				backoff = l.newBackoff()
				continue
			}
			err = rerr
		}

		if pos > start {
			backoff = l.newBackoff()
		}
		delay, _ := backoff.Next()
		metrics.FeedReconnects.Inc()
		l.logger.Warn("change feed interrupted, reconnecting",
			zap.Error(err),
			zap.Int64("position", pos),
			zap.Duration("backoff", delay),
		)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// stream delivers changes after *pos until the subscription fails.
func (l *Listener) stream(ctx context.Context, pos *int64) error {
	sub, err := l.feed.Subscribe(ctx, *pos)
	if err != nil {
		return err
	}
	defer sub.Close()

	pending := 0
	defer func() {
		if pending > 0 {
			l.ack(ctx, *pos)
		}
	}()

	for {
		nctx, cancel := context.WithTimeout(ctx, l.cfg.AckIdle)
		c, err := sub.Next(nctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				// 空闲时提交位置
				if pending > 0 && l.ack(ctx, *pos) {
					pending = 0
				}
				continue
			}
			return err
		}

		if Emits(c) {
			if err := l.emit(ctx, c.EmailID); err != nil {
				return err
			}
		}
		*pos = c.Seq
		pending++
		if pending >= l.cfg.AckEvery && l.ack(ctx, *pos) {
			pending = 0
		}
	}
}

// Emits reports whether a change needs classification work: the document is
// unprocessed, or someone other than the pipeline touched it.
func Emits(c docstore.Change) bool {
	return !c.Processed || c.Origin != docstore.OriginPipeline
}

func (l *Listener) emit(ctx context.Context, id string) error {
	if l.deduper != nil && !l.deduper.AcquireOnce(ctx, dedupHandler, id) {
		metrics.RecordEnqueue("feed", "deduped")
		return nil
	}
	if err := l.sink.Enqueue(ctx, id); err != nil {
		return err
	}
	metrics.RecordEnqueue("feed", "queued")
	return nil
}

// recover runs a full reconciliation and returns the head to resume from.
// The head is read first so changes made during the scan are still streamed.
func (l *Listener) recover(ctx context.Context) (int64, error) {
	head, err := l.feed.Head(ctx)
	if err != nil {
		return 0, err
	}
	if l.reconcile != nil {
		if err := l.reconcile(ctx); err != nil {
			return 0, err
		}
	}
	if !l.ack(ctx, head) {
		return 0, errors.New("persist feed position failed")
	}
	l.logger.Info("resuming change feed from head", zap.Int64("position", head))
	return head, nil
}

func (l *Listener) loadPosition(ctx context.Context) (int64, error) {
	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	ctrl, err := l.repo.LoadControl(sctx)
	if err != nil {
		return 0, err
	}
	return ctrl.FeedPosition, nil
}

func (l *Listener) ack(ctx context.Context, pos int64) bool {
	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.repo.UpdateControl(sctx, docstore.Update{model.ControlFeedPosition: pos}); err != nil {
		l.logger.Warn("persist feed position failed", zap.Int64("position", pos), zap.Error(err))
		return false
	}
	return true
}

func (l *Listener) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StoreTimeout)
}

func (l *Listener) newBackoff() retry.Backoff {
	b := retry.NewExponential(l.cfg.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(l.cfg.BackoffCap, b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
