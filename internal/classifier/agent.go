package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"smarttasks/internal/model"
	"smarttasks/pkg/circuitbreaker"
	"smarttasks/pkg/metrics"
	"smarttasks/pkg/trace"
)

// Agent calls an external classification service over HTTP.
//
//	POST {baseURL}/classify  {"emailId","subject","sender","body","receivedAt"}
//	200 {"hasTask":true,"task":"...","taskBody":"...","urgency":"Urgent","deadline":"2024-05-06T00:00:00Z"}
//
// A 4xx response is permanent (ErrInvalidInput); anything else is transient.
type Agent struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewAgent(baseURL string, timeout time.Duration) *Agent {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// 连续失败后快速失败，保护下游服务
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
		OnStateChange: func(_, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState("classifier_agent", int(to))
		},
	}
	return &Agent{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

type agentResponse struct {
	HasTask  bool       `json:"hasTask"`
	Task     string     `json:"task"`
	TaskBody string     `json:"taskBody"`
	Urgency  string     `json:"urgency"`
	Deadline *time.Time `json:"deadline"`
}

func (a *Agent) Classify(ctx context.Context, in Input) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}
	in.Body = PlainText(in.Body)

	var (
		res       Result
		permanent error
	)
	err := a.cb.Execute(func() error {
		var err error
		res, err = a.call(ctx, in)
		// 4xx 是输入问题，不计入熔断
		if errors.Is(err, ErrInvalidInput) {
			permanent = err
			return nil
		}
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, permanent
}

func (a *Agent) call(ctx context.Context, in Input) (Result, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/classify", bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	// 传播 trace_id
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName(), traceID)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("agent service status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: agent service status %d: %s", ErrInvalidInput, resp.StatusCode, bytes.TrimSpace(msg))
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("agent service unexpected status %d", resp.StatusCode)
	}

	var out agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode agent response: %w", err)
	}
	urgency, err := model.ParseUrgency(out.Urgency)
	if err != nil {
		return Result{}, fmt.Errorf("agent response: %w", err)
	}
	return Result{
		HasTask:  out.HasTask,
		Task:     out.Task,
		TaskBody: out.TaskBody,
		Urgency:  urgency,
		Deadline: out.Deadline,
	}, nil
}
