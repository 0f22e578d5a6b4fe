// Package events publishes best-effort domain events after successful store
// writes. Publishing failures are logged and never fail the caller.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Routing keys on the events exchange.
const (
	TypeTaskClassified = "task.classified"
	TypeTaskEscalated  = "task.escalated"
	TypeDigestSent     = "digest.sent"
)

const publishTimeout = 5 * time.Second

// Event is the envelope every message is wrapped in.
type Event struct {
	// ID lets consumers drop redeliveries.
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEvent serializes payload into an envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: time.Now().UTC(), Data: data}, nil
}

// TaskClassifiedPayload is published when a worker writes a classification.
type TaskClassifiedPayload struct {
	EmailID  string     `json:"email_id"`
	HasTask  bool       `json:"has_task"`
	Task     string     `json:"task,omitempty"`
	Urgency  string     `json:"urgency,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	WorkerID string     `json:"worker_id"`
}

// TaskEscalatedPayload is published when the reprocessor raises a tier.
type TaskEscalatedPayload struct {
	EmailID string `json:"email_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// DigestSentPayload is published after a digest was delivered and stamped.
type DigestSentPayload struct {
	Recipient string   `json:"recipient"`
	EmailIDs  []string `json:"email_ids"`
}

// Publisher is the transport, satisfied by pkg/mq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Emitter publishes domain events. A nil *Emitter or one without a
// publisher does nothing.
type Emitter struct {
	pub    Publisher
	logger *zap.Logger
}

func NewEmitter(pub Publisher, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{pub: pub, logger: logger}
}

func (e *Emitter) TaskClassified(ctx context.Context, p TaskClassifiedPayload) {
	e.emit(ctx, TypeTaskClassified, p)
}

func (e *Emitter) TaskEscalated(ctx context.Context, p TaskEscalatedPayload) {
	e.emit(ctx, TypeTaskEscalated, p)
}

func (e *Emitter) DigestSent(ctx context.Context, p DigestSentPayload) {
	e.emit(ctx, TypeDigestSent, p)
}

func (e *Emitter) emit(ctx context.Context, eventType string, payload any) {
	if e == nil || e.pub == nil {
		return
	}
	evt, err := NewEvent(eventType, payload)
	if err != nil {
		e.logger.Warn("encode event failed", zap.String("type", eventType), zap.Error(err))
		return
	}

	// 事件是尽力而为的，不受调用方取消影响
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, eventType, evt); err != nil {
		e.logger.Warn("publish event failed", zap.String("type", eventType), zap.Error(err))
	}
}
