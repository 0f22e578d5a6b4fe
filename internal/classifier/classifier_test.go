package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarttasks/internal/model"
	"smarttasks/pkg/circuitbreaker"
	"smarttasks/pkg/trace"
)

var received = time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC) // Monday

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlainText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body><p>Hello</p><p>Please <b>submit</b> the report</p></body></html>`
	assert.Equal(t, "Hello Please submit the report", PlainText(html))
	assert.Equal(t, "a b c", PlainText("  a\n b\t c "))
}

func TestExtractDates(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []time.Time
	}{
		{"iso", "due 2024-05-08", []time.Time{day(2024, 5, 8)}},
		{"month day year", "by may 10, 2024 please", []time.Time{day(2024, 5, 10)}},
		{"month day without year", "by june 1st", []time.Time{day(2024, 6, 1)}},
		{"day month", "on 12 june", []time.Time{day(2024, 6, 12)}},
		{"rolls over", "by jan 3", []time.Time{day(2025, 1, 3)}},
		{"slash", "before 5/9/2024", []time.Time{day(2024, 5, 9)}},
		{"invalid day", "on feb 31", nil},
		{"in days", "in two days", []time.Time{day(2024, 5, 8)}},
		{"tomorrow", "send it tomorrow", []time.Time{day(2024, 5, 7)}},
		{"today", "finish today", []time.Time{day(2024, 5, 6)}},
		{"none", "nothing to see here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDates(tt.text, received))
		})
	}
}

func TestHeuristicClassify(t *testing.T) {
	h := NewHeuristic()
	ctx := context.Background()

	tests := []struct {
		name     string
		in       Input
		hasTask  bool
		urgency  model.Urgency
		deadline *time.Time
	}{
		{
			name: "newsletter",
			in:   Input{Subject: "Weekly digest", Body: "Here is what happened this month.", ReceivedAt: received},
		},
		{
			name:    "task without time pressure",
			in:      Input{Subject: "Quarterly report", Body: "Please review the attached task list when you get a chance.", ReceivedAt: received},
			hasTask: true,
			urgency: model.NotUrgent,
		},
		{
			name:    "asap",
			in:      Input{Subject: "Server down", Body: "This task needs fixing ASAP.", ReceivedAt: received},
			hasTask: true,
			urgency: model.Urgent,
		},
		{
			name:     "deadline within three days",
			in:       Input{Subject: "Essay", Body: "<p>The assignment deadline is May 8, 2024.</p>", ReceivedAt: received},
			hasTask:  true,
			urgency:  model.Urgent,
			deadline: ptr(day(2024, 5, 8)),
		},
		{
			name:     "deadline within a week",
			in:       Input{Subject: "Slides", Body: "The deadline for the slides is 2024-05-12.", ReceivedAt: received},
			hasTask:  true,
			urgency:  model.SomewhatUrgent,
			deadline: ptr(day(2024, 5, 12)),
		},
		{
			name:     "far deadline with next week phrase",
			in:       Input{Subject: "Budget", Body: "Draft the budget task next week, final deadline is June 30, 2024.", ReceivedAt: received},
			hasTask:  true,
			urgency:  model.SomewhatUrgent,
			deadline: ptr(day(2024, 5, 13)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Classify(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.hasTask, res.HasTask)
			assert.Equal(t, tt.urgency, res.Urgency)
			assert.Equal(t, tt.deadline, res.Deadline)
			if tt.hasTask {
				assert.Equal(t, tt.in.Subject, res.Task)
			}
		})
	}

	_, err := h.Classify(ctx, Input{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExcerptKeepsValidUTF8(t *testing.T) {
	assert.Equal(t, "short", excerpt("short", 10))
	assert.Equal(t, "send the…", excerpt("send the quarterly report", 12))

	cjk := strings.Repeat("请在周五之前提交季度报告。", 20)
	got := excerpt(cjk, taskBodyLimit)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), taskBodyLimit+len("…"))
	assert.True(t, strings.HasPrefix(cjk, strings.TrimSuffix(got, "…")))

	res, err := NewHeuristic().Classify(context.Background(), Input{Subject: "Task: 季度报告", Body: cjk, ReceivedAt: received})
	require.NoError(t, err)
	require.True(t, res.HasTask)
	assert.True(t, utf8.ValidString(res.TaskBody))
	assert.NotEqual(t, "…", res.TaskBody)
}

func TestNormalize(t *testing.T) {
	in := Input{Subject: "  Pay invoice "}
	assert.Equal(t, Result{}, Normalize(Result{HasTask: false, Task: "x", Urgency: model.Urgent}, in))

	got := Normalize(Result{HasTask: true}, in)
	assert.Equal(t, "Pay invoice", got.Task)
	assert.Equal(t, model.NotUrgent, got.Urgency)

	got = Normalize(Result{HasTask: true}, Input{})
	assert.Equal(t, "Untitled task", got.Task)
}

func TestAgentClassify(t *testing.T) {
	var gotTrace atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		gotTrace.Store(r.Header.Get("X-Trace-ID"))

		var in Input
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "Hi there", in.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hasTask":true,"task":"Reply","urgency":"Somewhat Urgent","deadline":"2024-05-09T00:00:00Z"}`))
	}))
	defer srv.Close()

	a := NewAgent(srv.URL, time.Second)
	ctx := trace.WithContext(context.Background(), "trace-123")
	res, err := a.Classify(ctx, Input{EmailID: "m1", Subject: "Hello", Body: "<p>Hi there</p>"})
	require.NoError(t, err)
	assert.True(t, res.HasTask)
	assert.Equal(t, "Reply", res.Task)
	assert.Equal(t, model.SomewhatUrgent, res.Urgency)
	require.NotNil(t, res.Deadline)
	assert.True(t, res.Deadline.Equal(day(2024, 5, 9)))
	assert.Equal(t, "trace-123", gotTrace.Load())
}

func TestAgentErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	a := NewAgent(srv.URL, time.Second)
	ctx := context.Background()
	in := Input{Subject: "s", Body: "b"}

	_, err := a.Classify(ctx, in)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, circuitbreaker.StateClosed, a.cb.GetState(), "4xx does not count against the breaker")

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 5; i++ {
		_, err = a.Classify(ctx, in)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrInvalidInput))
	}
	_, err = a.Classify(ctx, in)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
}

func TestGeminiParsesReply(t *testing.T) {
	var prompt string
	g := &Gemini{generate: func(_ context.Context, p string) (string, error) {
		prompt = p
		return "```json\n{\"hasTask\":true,\"task\":\"Sign form\",\"urgency\":\"Urgent\",\"deadline\":\"2024-05-07\"}\n```", nil
	}}

	res, err := g.Classify(context.Background(), Input{Subject: "Form", Sender: "hr@example.com", Body: "Sign it", ReceivedAt: received})
	require.NoError(t, err)
	assert.Contains(t, prompt, "Subject: Form")
	assert.Contains(t, prompt, "Received: 2024-05-06")
	assert.Equal(t, model.Urgent, res.Urgency)
	assert.Equal(t, ptr(day(2024, 5, 7)), res.Deadline)

	g.generate = func(context.Context, string) (string, error) { return "not json", nil }
	_, err = g.Classify(context.Background(), Input{Subject: "Form", ReceivedAt: received})
	assert.Error(t, err)

	g.generate = func(context.Context, string) (string, error) { return "", errors.New("quota") }
	_, err = g.Classify(context.Background(), Input{Subject: "Form", ReceivedAt: received})
	assert.True(t, strings.Contains(err.Error(), "quota"))
}

func TestInstrumentPassesThrough(t *testing.T) {
	want := Result{HasTask: true, Task: "t", Urgency: model.Urgent}
	c := Instrument("fake", Func(func(context.Context, Input) (Result, error) { return want, nil }))
	got, err := c.Classify(context.Background(), Input{Subject: "s"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func ptr(t time.Time) *time.Time { return &t }
