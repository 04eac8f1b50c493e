package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
)

// InstrumentedModelClient wraps a model client with observability
type InstrumentedModelClient struct {
	client    domain.ModelClient
	telemetry *observability.Telemetry
	metrics   *observability.Metrics
}

// NewInstrumentedModelClient creates a new instrumented model client
func NewInstrumentedModelClient(client domain.ModelClient, telemetry *observability.Telemetry, metrics *observability.Metrics) (*InstrumentedModelClient, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if telemetry == nil {
		return nil, fmt.Errorf("telemetry is required")
	}
	if metrics == nil {
		var err error
		metrics, err = observability.NewMetrics(telemetry.Meter())
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return &InstrumentedModelClient{
		client:    client,
		telemetry: telemetry,
		metrics:   metrics,
	}, nil
}

// Complete performs an instrumented chat completion
func (c *InstrumentedModelClient) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	var response *domain.ModelResponse
	startTime := time.Now()

	err := c.telemetry.InstrumentModelCall(ctx, req.Model, func(ctx context.Context) (int, int, error) {
		var err error
		response, err = c.client.Complete(ctx, req)
		if err != nil {
			return 0, 0, err
		}
		return response.Usage.PromptTokens, response.Usage.CompletionTokens, nil
	})
	if err != nil {
		return nil, err
	}

	c.metrics.RecordModelCall(ctx, req.Model,
		int64(response.Usage.PromptTokens),
		int64(response.Usage.CompletionTokens),
		time.Since(startTime))

	return response, nil
}
