package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentStage wraps one pipeline stage with observability
func (t *Telemetry) InstrumentStage(ctx context.Context, stage string, topic string, fn func(context.Context) error) error {
	ctx, span := t.StartSpan(ctx, fmt.Sprintf("pipeline.stage.%s", stage),
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.String("topic", topic),
		),
	)
	defer span.End()

	startTime := time.Now()

	err := fn(ctx)

	duration := time.Since(startTime)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentModelCall wraps a model completion call with observability
func (t *Telemetry) InstrumentModelCall(ctx context.Context, model string, fn func(context.Context) (promptTokens, completionTokens int, err error)) error {
	ctx, span := t.StartSpan(ctx, "model.complete",
		trace.WithAttributes(
			attribute.String("model.name", model),
		),
	)
	defer span.End()

	startTime := time.Now()

	promptTokens, completionTokens, err := fn(ctx)

	duration := time.Since(startTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(
			attribute.Int("model.prompt_tokens", promptTokens),
			attribute.Int("model.completion_tokens", completionTokens),
			attribute.Int("model.total_tokens", promptTokens+completionTokens),
		)
	}

	span.SetAttributes(
		attribute.Float64("duration.seconds", duration.Seconds()),
	)

	return err
}

// InstrumentExternalCall wraps a search or scrape call with observability
func (t *Telemetry) InstrumentExternalCall(ctx context.Context, service string, fn func(context.Context) error) error {
	ctx, span := t.StartSpan(ctx, fmt.Sprintf("external.%s", service),
		trace.WithAttributes(
			attribute.String("external.service", service),
		),
	)
	defer span.End()

	startTime := time.Now()

	err := fn(ctx)

	duration := time.Since(startTime)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.SetAttributes(
		attribute.String("external.status", status),
		attribute.Float64("external.duration_seconds", duration.Seconds()),
	)

	return err
}

// StartSession starts a root span for a research session
func (t *Telemetry) StartSession(ctx context.Context, sessionID, mode, query string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "research.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.mode", mode),
			attribute.Int("query.length", len(query)),
		),
	)
}

// StartArea starts a span for one concurrently running area
func (t *Telemetry) StartArea(ctx context.Context, sessionID, areaName string, topicCount int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "research.area",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("area.name", areaName),
			attribute.Int("area.topic_count", topicCount),
		),
	)
}
