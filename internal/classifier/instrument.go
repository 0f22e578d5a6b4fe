package classifier

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"smarttasks/pkg/metrics"
	"smarttasks/pkg/otel"
	"smarttasks/pkg/util"
)

type instrumented struct {
	backend string
	next    Classifier
}

// Instrument wraps c with a span and latency and error metrics.
func Instrument(backend string, c Classifier) Classifier {
	return &instrumented{backend: backend, next: c}
}

func (i *instrumented) Classify(ctx context.Context, in Input) (Result, error) {
	ctx, span := otel.StartSpan(ctx, "classifier.classify")
	span.SetAttributes(
		attribute.String("classifier.backend", i.backend),
		attribute.String("email.id", in.EmailID),
	)

	start := time.Now()
	res, err := i.next.Classify(ctx, in)
	status := "success"
	if err != nil {
		_, errorType := util.IsRetryableError(err)
		status = "error"
		metrics.IncrementClassifierError(errorType)
	} else {
		span.SetAttributes(
			attribute.Bool("classifier.has_task", res.HasTask),
			attribute.String("classifier.urgency", res.Urgency.String()),
		)
	}
	metrics.RecordClassifierLatency(i.backend, status, time.Since(start))
	otel.EndSpan(span, err)
	return res, err
}
