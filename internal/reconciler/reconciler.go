// Package reconciler periodically rescans the store for unprocessed
// documents so the pipeline converges even without the change feed.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/metrics"
)

// Config tunes a pass.
type Config struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize uint64        `yaml:"batch_size"`
	// Lease must match the worker lease; claims older than this are swept.
	Lease time.Duration `yaml:"lease"`
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
}

// Queue accepts identifiers without blocking. Satisfied by worker.Pool.
type Queue interface {
	TryEnqueue(emailID string) bool
}

// Stats summarizes one pass.
type Stats struct {
	Swept   int64
	Scanned int
	Queued  int
	Dropped int
}

type Reconciler struct {
	cfg    Config
	repo   *repository.TaskRepository
	queue  Queue
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg Config, repo *repository.TaskRepository, queue Queue, logger *zap.Logger) *Reconciler {
	cfg.setDefaults()
	return &Reconciler{cfg: cfg, repo: repo, queue: queue, logger: logger, now: time.Now}
}

// Interval is the configured pass cadence.
func (r *Reconciler) Interval() time.Duration {
	return r.cfg.Interval
}

// Run performs one pass and discards the stats.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Pass(ctx)
	return err
}

// Pass sweeps expired leases, offers up to BatchSize unprocessed documents
// to the queue oldest first and stamps lastReconcileAt. A full queue drops
// the rest; the next pass picks them up.
func (r *Reconciler) Pass(ctx context.Context) (Stats, error) {
	log := logger.WithTrace(ctx, r.logger).With(zap.String("job", "reconcile"))
	now := r.now()
	var stats Stats

	swept, err := r.repo.SweepExpiredClaims(ctx, now, r.cfg.Lease)
	if err != nil {
		// 清理失败不影响扫描，过期租约仍可被 claim 接管
		log.Warn("sweep expired claims failed", zap.Error(err))
	} else {
		stats.Swept = swept
	}

	docs, err := r.repo.ListUnprocessed(ctx, r.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(docs)

	for _, d := range docs {
		if r.queue.TryEnqueue(d.EmailID) {
			stats.Queued++
			metrics.RecordEnqueue("reconciler", "queued")
			continue
		}
		stats.Dropped = len(docs) - stats.Queued
		metrics.RecordEnqueue("reconciler", "dropped")
		break
	}

	if err := r.repo.UpdateControl(ctx, docstore.Update{model.ControlLastReconcileAt: now}); err != nil {
		log.Warn("stamp lastReconcileAt failed", zap.Error(err))
	}

	if stats.Scanned > 0 || stats.Swept > 0 {
		log.Info("reconcile pass finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("queued", stats.Queued),
			zap.Int("dropped", stats.Dropped),
			zap.Int64("swept", stats.Swept),
		)
	}
	return stats, nil
}
