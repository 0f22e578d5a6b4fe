package classifier

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"smarttasks/internal/model"
)

const taskBodyLimit = 280

var (
	taskKeywords = phraseRegexp(
		"assignment", "assignments", "task", "tasks", "deadline", "due",
		"as soon as possible", "asap", "action required", "please submit",
		"please review", "please complete", "need you to", "could you", "can you please",
		"make sure to", "reminder",
	)

	urgentPhrases = phraseRegexp(
		"asap", "as soon as possible", "urgent", "urgently", "immediate", "immediately",
		"right away", "by eod", "by end of day", "by end of the day", "now", "today",
		"tonight", "this morning", "this afternoon", "this evening", "in 1 day", "in one day",
	)

	somewhatPhrases = phraseRegexp(
		"by tomorrow", "tomorrow", "by end of the week", "by end of week", "this week",
		"next week", "in 2 days", "in two days", "in 3 days",
	)
)

// Heuristic is a rule based classifier: keyword matching for task detection
// and urgency phrases combined with the closest date mentioned in the text.
type Heuristic struct {
	// UrgentWithin and SomewhatWithin are the day distances that map the
	// closest date onto a tier.
	UrgentWithin   int
	SomewhatWithin int
}

func NewHeuristic() *Heuristic {
	return &Heuristic{UrgentWithin: 3, SomewhatWithin: 7}
}

func (h *Heuristic) Classify(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	body := PlainText(in.Body)
	text := strings.ToLower(in.Subject + " " + body)
	if !taskKeywords.MatchString(text) {
		return Result{}, nil
	}

	received := in.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	urgency := model.NotUrgent
	switch {
	case urgentPhrases.MatchString(text):
		urgency = model.Urgent
	case somewhatPhrases.MatchString(text):
		urgency = model.SomewhatUrgent
	}

	var deadline *time.Time
	if dates := ExtractDates(text, received); len(dates) > 0 {
		closest := dates[0]
		for _, d := range dates[1:] {
			if d.Before(closest) {
				closest = d
			}
		}
		deadline = &closest
		urgency = model.MaxUrgency(urgency, h.tierFor(daysBetween(received, closest)))
	}

	return Result{
		HasTask:  true,
		Task:     strings.TrimSpace(in.Subject),
		TaskBody: excerpt(body, taskBodyLimit),
		Urgency:  urgency,
		Deadline: deadline,
	}, nil
}

func (h *Heuristic) tierFor(days int) model.Urgency {
	switch {
	case days <= h.UrgentWithin:
		return model.Urgent
	case days <= h.SomewhatWithin:
		return model.SomewhatUrgent
	default:
		return model.NotUrgent
	}
}

// daysBetween counts calendar days from the day of from to the day of to.
func daysBetween(from, to time.Time) int {
	a := startOfDay(from)
	b := startOfDay(to.In(from.Location()))
	return int(math.Round(b.Sub(a).Hours() / 24))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// excerpt shortens s to at most limit bytes, preferring a word boundary and
// never splitting a rune.
func excerpt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := strings.LastIndex(s[:limit], " ")
	if cut <= 0 {
		// 没有空格（如中文），退到 rune 边界
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return strings.TrimSpace(s[:cut]) + "…"
}

func phraseRegexp(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}
