// Package reprocessor raises the urgency of open tasks as their deadlines
// approach. Tiers only ever go up.
package reprocessor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/events"
	"smarttasks/internal/model"
	"smarttasks/internal/repository"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/metrics"
)

// Policy maps time-to-deadline onto a minimum tier.
type Policy struct {
	UrgentWithin   time.Duration `yaml:"urgent_within"`
	SomewhatWithin time.Duration `yaml:"somewhat_within"`
}

// DefaultPolicy is one day for Urgent and three days for SomewhatUrgent.
func DefaultPolicy() Policy {
	return Policy{UrgentWithin: 24 * time.Hour, SomewhatWithin: 72 * time.Hour}
}

// Floor returns the lowest tier a task due at deadline may have at now.
// Past deadlines are Urgent.
func (p Policy) Floor(deadline, now time.Time) model.Urgency {
	left := deadline.Sub(now)
	switch {
	case left <= p.UrgentWithin:
		return model.Urgent
	case left <= p.SomewhatWithin:
		return model.SomewhatUrgent
	default:
		return model.UrgencyNone
	}
}

// Config tunes a run.
type Config struct {
	Policy    Policy `yaml:",inline"`
	BatchSize uint64 `yaml:"batch_size"`
}

// Stats summarizes one run.
type Stats struct {
	Scanned   int
	Escalated int
	Conflicts int
}

type Reprocessor struct {
	cfg     Config
	repo    *repository.TaskRepository
	emitter *events.Emitter
	logger  *zap.Logger
	now     func() time.Time
}

func New(cfg Config, repo *repository.TaskRepository, emitter *events.Emitter, logger *zap.Logger) *Reprocessor {
	def := DefaultPolicy()
	if cfg.Policy.UrgentWithin <= 0 {
		cfg.Policy.UrgentWithin = def.UrgentWithin
	}
	if cfg.Policy.SomewhatWithin <= 0 {
		cfg.Policy.SomewhatWithin = def.SomewhatWithin
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 200
	}
	return &Reprocessor{cfg: cfg, repo: repo, emitter: emitter, logger: logger, now: time.Now}
}

// Run is the scheduled entry point.
func (r *Reprocessor) Run(ctx context.Context) error {
	_, err := r.Pass(ctx)
	return err
}

// Pass walks every open task with a deadline and escalates where the floor
// tier exceeds the stored one. Each write is conditioned on the stored tier
// so a concurrent user edit wins.
func (r *Reprocessor) Pass(ctx context.Context) (Stats, error) {
	log := logger.WithTrace(ctx, r.logger).With(zap.String("job", "reprocess"))
	now := r.now()
	var stats Stats

	after := ""
	for {
		docs, err := r.repo.ListEscalationCandidates(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		for _, d := range docs {
			stats.Scanned++
			after = d.EmailID

			target := model.MaxUrgency(d.Urgency, r.cfg.Policy.Floor(*d.Deadline, now))
			if target == d.Urgency {
				continue
			}
			ok, err := r.repo.EscalateUrgency(ctx, d.EmailID, d.Urgency, target)
			if err != nil {
				return stats, err
			}
			if !ok {
				stats.Conflicts++
				log.Debug("escalation lost to a concurrent edit", zap.String("email_id", d.EmailID))
				continue
			}

			stats.Escalated++
			metrics.RecordEscalation(string(target))
			log.Info("urgency escalated",
				zap.String("email_id", d.EmailID),
				zap.String("from", d.Urgency.String()),
				zap.String("to", target.String()),
			)
			r.emitter.TaskEscalated(ctx, events.TaskEscalatedPayload{
				EmailID: d.EmailID,
				From:    d.Urgency.String(),
				To:      target.String(),
			})
		}
		if uint64(len(docs)) < r.cfg.BatchSize {
			break
		}
	}

	if err := r.repo.UpdateControl(ctx, docstore.Update{model.ControlLastReprocessAt: now}); err != nil {
		log.Warn("stamp lastReprocessAt failed", zap.Error(err))
	}
	log.Info("reprocess pass finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("escalated", stats.Escalated),
		zap.Int("conflicts", stats.Conflicts),
	)
	return stats, nil
}
