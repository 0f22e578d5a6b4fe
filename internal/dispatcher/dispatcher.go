// Package dispatcher sends the owner one digest of open urgent tasks per
// dispatch window and remembers which tasks it included.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"smarttasks/internal/docstore"
	"smarttasks/internal/events"
	"smarttasks/internal/model"
	"smarttasks/internal/notifier"
	"smarttasks/internal/repository"
	"smarttasks/pkg/logger"
	"smarttasks/pkg/metrics"
	"smarttasks/pkg/otel"
)

// ErrInvalidRecipient means the configured owner address is unusable.
var ErrInvalidRecipient = errors.New("invalid digest recipient")

// Config tunes the dispatcher.
type Config struct {
	Recipient    string        `yaml:"recipient"`
	MaxItems     uint64        `yaml:"max_items"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// Location defines where a dispatch window (a calendar day) starts.
	Location *time.Location `yaml:"-"`
}

// Result describes one dispatch.
type Result struct {
	Sent     bool
	EmailIDs []string
}

type Dispatcher struct {
	cfg      Config
	repo     *repository.TaskRepository
	notifier notifier.Notifier
	emitter  *events.Emitter
	logger   *zap.Logger
	now      func() time.Time
}

func New(cfg Config, repo *repository.TaskRepository, n notifier.Notifier, emitter *events.Emitter, logger *zap.Logger) *Dispatcher {
	if cfg.MaxItems == 0 {
		cfg.MaxItems = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Dispatcher{cfg: cfg, repo: repo, notifier: n, emitter: emitter, logger: logger, now: time.Now}
}

// WindowStart returns the start of the dispatch window containing t.
func WindowStart(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Run is the scheduled entry point.
func (d *Dispatcher) Run(ctx context.Context) error {
	_, err := d.Dispatch(ctx)
	return err
}

// Dispatch sends one digest of the urgent tasks not yet notified in the
// current window. On success exactly the included tasks are stamped; on
// failure nothing is.
func (d *Dispatcher) Dispatch(ctx context.Context) (Result, error) {
	log := logger.WithTrace(ctx, d.logger).With(zap.String("job", "digest"))
	if !notifier.ValidRecipient(d.cfg.Recipient) {
		metrics.RecordDigest("failed")
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, d.cfg.Recipient)
	}

	now := d.now()
	docs, err := d.repo.ListDigestCandidates(ctx, WindowStart(now, d.cfg.Location), d.cfg.MaxItems)
	if err != nil {
		return Result{}, err
	}
	if len(docs) == 0 {
		metrics.RecordDigest("empty")
		log.Info("no urgent tasks to send")
		return Result{}, nil
	}

	body, err := notifier.ComposeDigest(docs, d.cfg.Location)
	if err != nil {
		return Result{}, err
	}
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.EmailID
	}

	if err := d.send(ctx, body, len(ids)); err != nil {
		metrics.RecordDigest("failed")
		log.Error("send digest failed", zap.Error(err), zap.Int("tasks", len(ids)))
		return Result{}, err
	}

	// 邮件已发出，标记不随调用方取消
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
	defer cancel()
	if _, err := d.repo.StampNotified(sctx, ids, now); err != nil {
		metrics.RecordDigest("failed")
		log.Error("stamp notifiedAt failed; tasks may be repeated in the next digest", zap.Error(err))
		return Result{Sent: true, EmailIDs: ids}, err
	}
	if err := d.repo.UpdateControl(sctx, docstore.Update{model.ControlLastDigestAt: now}); err != nil {
		log.Warn("stamp lastDigestAt failed", zap.Error(err))
	}

	metrics.RecordDigest("sent")
	log.Info("digest sent", zap.Int("tasks", len(ids)))
	d.emitter.DigestSent(ctx, events.DigestSentPayload{Recipient: d.cfg.Recipient, EmailIDs: ids})
	return Result{Sent: true, EmailIDs: ids}, nil
}

func (d *Dispatcher) send(ctx context.Context, body string, count int) error {
	ctx, span := otel.StartSpan(ctx, "notifier.send")
	span.SetAttributes(attribute.Int("digest.tasks", count))

	ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	err := d.notifier.Send(ctx, d.cfg.Recipient, notifier.DigestSubject, body)
	otel.EndSpan(span, err)
	return err
}
