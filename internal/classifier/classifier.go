// Package classifier decides whether a message describes a task and how
// urgent it is. Backends are interchangeable behind Classifier; all of them
// are side-effect free and safe to retry.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smarttasks/internal/model"
)

// ErrInvalidInput marks inputs no backend can classify. Retrying does not help.
var ErrInvalidInput = errors.New("classifier: invalid input")

// Input is what a backend sees of a document.
type Input struct {
	EmailID    string    `json:"emailId"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Result is a classification. Deadline is a suggestion found in the text.
type Result struct {
	HasTask  bool          `json:"hasTask"`
	Task     string        `json:"task,omitempty"`
	TaskBody string        `json:"taskBody,omitempty"`
	Urgency  model.Urgency `json:"urgency,omitempty"`
	Deadline *time.Time    `json:"deadline,omitempty"`
}

// Classifier is the classification capability.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Classify(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// InputFromDocument builds the classifier input for doc.
func InputFromDocument(doc *model.TaskDocument) Input {
	return Input{
		EmailID:    doc.EmailID,
		Subject:    doc.Subject,
		Sender:     doc.Sender,
		Body:       doc.Body,
		ReceivedAt: doc.CreatedAt,
	}
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.Body) == "" {
		return fmt.Errorf("%w: empty subject and body", ErrInvalidInput)
	}
	return nil
}

// Normalize enforces the result invariants: a task always has a title and a
// tier, and a non-task carries nothing else.
func Normalize(r Result, in Input) Result {
	if !r.HasTask {
		return Result{}
	}
	if strings.TrimSpace(r.Task) == "" {
		r.Task = strings.TrimSpace(in.Subject)
	}
	if r.Task == "" {
		r.Task = "Untitled task"
	}
	if !r.Urgency.Valid() {
		r.Urgency = model.NotUrgent
	}
	return r
}

// Config selects and tunes a backend.
type Config struct {
	Backend string        `yaml:"backend" validate:"oneof=heuristic agent gemini"`
	Timeout time.Duration `yaml:"timeout"`

	AgentURL string `yaml:"agent_url"`

	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`
}

// New builds the configured backend wrapped with tracing and metrics.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Classifier, error) {
	var (
		c   Classifier
		err error
	)
	switch cfg.Backend {
	case "", "heuristic":
		cfg.Backend = "heuristic"
		c = NewHeuristic()
	case "agent":
		if cfg.AgentURL == "" {
			return nil, errors.New("classifier: agent_url is required for the agent backend")
		}
		c = NewAgent(cfg.AgentURL, cfg.Timeout)
	case "gemini":
		c, err = NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("classifier: unknown backend %q", cfg.Backend)
	}
	logger.Info("classifier ready", zap.String("backend", cfg.Backend))
	return Instrument(cfg.Backend, c), nil
}
