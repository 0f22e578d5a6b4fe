package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"google.golang.org/genai"

	"smarttasks/internal/model"
)

const defaultGeminiModel = "gemini-2.0-flash"

var promptTemplate = template.Must(template.New("classify").Parse(`You triage an inbox. Decide whether the message asks the recipient to do something.
Reply with JSON only, using this shape:
{"hasTask": bool, "task": "short imperative title", "taskBody": "one or two sentence summary",
 "urgency": "Urgent" | "SomewhatUrgent" | "NotUrgent", "deadline": "YYYY-MM-DD" or null}
Use Urgent when the work is due within 3 days of the received date, SomewhatUrgent within 7 days.

Received: {{.ReceivedAt.Format "2006-01-02"}}
From: {{.Sender}}
Subject: {{.Subject}}

{{.Body}}
`))

// Gemini classifies with a Gemini model through the genai client.
type Gemini struct {
	generate func(ctx context.Context, prompt string) (string, error)
}

// NewGemini creates a Gemini backed classifier.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("classifier: gemini api key cannot be empty")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{
		generate: func(ctx context.Context, prompt string) (string, error) {
			resp, err := client.Models.GenerateContent(ctx, modelName, genai.Text(prompt), &genai.GenerateContentConfig{
				ResponseMIMEType: "application/json",
			})
			if err != nil {
				return "", err
			}
			return responseText(resp), nil
		},
	}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

type geminiReply struct {
	HasTask  bool    `json:"hasTask"`
	Task     string  `json:"task"`
	TaskBody string  `json:"taskBody"`
	Urgency  string  `json:"urgency"`
	Deadline *string `json:"deadline"`
}

func (g *Gemini) Classify(ctx context.Context, in Input) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}
	in.Body = PlainText(in.Body)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now()
	}

	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, in); err != nil {
		return Result{}, fmt.Errorf("render prompt: %w", err)
	}

	text, err := g.generate(ctx, buf.String())
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate: %w", err)
	}
	return parseGeminiReply(text, in.ReceivedAt.Location())
}

func parseGeminiReply(text string, loc *time.Location) (Result, error) {
	// 模型偶尔会包一层 markdown 代码块
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var reply geminiReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return Result{}, fmt.Errorf("decode gemini reply: %w", err)
	}

	urgency, err := model.ParseUrgency(reply.Urgency)
	if err != nil {
		return Result{}, fmt.Errorf("gemini reply: %w", err)
	}
	res := Result{
		HasTask:  reply.HasTask,
		Task:     reply.Task,
		TaskBody: reply.TaskBody,
		Urgency:  urgency,
	}
	if reply.Deadline != nil && *reply.Deadline != "" {
		if d, err := time.ParseInLocation("2006-01-02", *reply.Deadline, loc); err == nil {
			res.Deadline = &d
		}
	}
	return res, nil
}
