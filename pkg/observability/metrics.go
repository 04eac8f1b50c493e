package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	meter metric.Meter

	// Counters
	sessionsTotal         metric.Int64Counter
	topicsCompletedTotal  metric.Int64Counter
	topicsSkippedTotal    metric.Int64Counter
	deadEndsTotal         metric.Int64Counter
	modelCallsTotal       metric.Int64Counter
	modelTokensTotal      metric.Int64Counter
	searchesTotal         metric.Int64Counter
	scrapesTotal          metric.Int64Counter
	checkpointWritesTotal metric.Int64Counter

	// Histograms
	topicDuration     metric.Float64Histogram
	modelCallDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
	scrapeDuration    metric.Float64Histogram
	synthesisDuration metric.Float64Histogram

	// Gauges (using async instruments)
	activeSessions metric.Int64ObservableGauge
	activeAreas    metric.Int64ObservableGauge

	// Values for gauges, updated by the orchestrators
	activeSessionCount atomic.Int64
	activeAreaCount    atomic.Int64
}

// NewMetrics creates and initializes all metrics
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		meter: meter,
	}

	var err error

	// Initialize counters
	m.sessionsTotal, err = meter.Int64Counter(
		"research_sessions_total",
		metric.WithDescription("Total number of research sessions started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.topicsCompletedTotal, err = meter.Int64Counter(
		"research_topics_completed_total",
		metric.WithDescription("Total number of topics that produced a dossier"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.topicsSkippedTotal, err = meter.Int64Counter(
		"research_topics_skipped_total",
		metric.WithDescription("Total number of topics skipped after remediation failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.deadEndsTotal, err = meter.Int64Counter(
		"research_dead_ends_total",
		metric.WithDescription("Total number of dead ends hit during topic investigation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.modelCallsTotal, err = meter.Int64Counter(
		"model_calls_total",
		metric.WithDescription("Total number of model completion calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.modelTokensTotal, err = meter.Int64Counter(
		"model_tokens_total",
		metric.WithDescription("Total number of model tokens consumed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.searchesTotal, err = meter.Int64Counter(
		"web_searches_total",
		metric.WithDescription("Total number of web search calls"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.scrapesTotal, err = meter.Int64Counter(
		"page_scrapes_total",
		metric.WithDescription("Total number of page extraction attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.checkpointWritesTotal, err = meter.Int64Counter(
		"checkpoint_writes_total",
		metric.WithDescription("Total number of checkpoint writes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize histograms
	m.topicDuration, err = meter.Float64Histogram(
		"topic_duration_seconds",
		metric.WithDescription("Duration of one topic investigation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.modelCallDuration, err = meter.Float64Histogram(
		"model_call_duration_seconds",
		metric.WithDescription("Duration of model completion calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.searchDuration, err = meter.Float64Histogram(
		"web_search_duration_seconds",
		metric.WithDescription("Duration of web search calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.scrapeDuration, err = meter.Float64Histogram(
		"page_scrape_duration_seconds",
		metric.WithDescription("Duration of page extraction attempts in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.synthesisDuration, err = meter.Float64Histogram(
		"synthesis_duration_seconds",
		metric.WithDescription("Duration of synthesis calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize gauges
	m.activeSessions, err = meter.Int64ObservableGauge(
		"active_research_sessions",
		metric.WithDescription("Number of sessions currently researching"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessionCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	m.activeAreas, err = meter.Int64ObservableGauge(
		"active_research_areas",
		metric.WithDescription("Number of areas currently running concurrently"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeAreaCount.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSessionStart records the start of a research session
func (m *Metrics) RecordSessionStart(ctx context.Context, mode string) {
	m.sessionsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
		),
	)
	m.activeSessionCount.Add(1)
}

// RecordSessionEnd records the end of a research session
func (m *Metrics) RecordSessionEnd(ctx context.Context, status string) {
	m.activeSessionCount.Add(-1)
}

// RecordTopicComplete records a topic that produced a dossier
func (m *Metrics) RecordTopicComplete(ctx context.Context, duration time.Duration) {
	m.topicsCompletedTotal.Add(ctx, 1)
	m.topicDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("status", "completed"),
		),
	)
}

// RecordTopicSkipped records a topic abandoned after remediation failed
func (m *Metrics) RecordTopicSkipped(ctx context.Context, duration time.Duration, reason string) {
	m.topicsSkippedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("reason", reason),
		),
	)
	m.topicDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("status", "skipped"),
		),
	)
}

// RecordDeadEnd records a dead end during topic investigation
func (m *Metrics) RecordDeadEnd(ctx context.Context, stage string) {
	m.deadEndsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
		),
	)
}

// RecordModelCall records a model completion call
func (m *Metrics) RecordModelCall(ctx context.Context, model string, promptTokens, completionTokens int64, duration time.Duration) {
	m.modelCallsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)

	m.modelTokensTotal.Add(ctx, promptTokens+completionTokens,
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)

	m.modelCallDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("model", model),
		),
	)
}

// RecordSearch records one web search call
func (m *Metrics) RecordSearch(ctx context.Context, duration time.Duration, results int, cached bool) {
	m.searchesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("cached", cached),
		),
	)
	m.searchDuration.Record(ctx, duration.Seconds())
}

// RecordScrape records one page extraction attempt
func (m *Metrics) RecordScrape(ctx context.Context, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	m.scrapesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
	m.scrapeDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordSynthesis records a synthesis call
func (m *Metrics) RecordSynthesis(ctx context.Context, kind string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.synthesisDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordCheckpointWrite records one checkpoint write
func (m *Metrics) RecordCheckpointWrite(ctx context.Context) {
	m.checkpointWritesTotal.Add(ctx, 1)
}

// AreaStarted marks one more area goroutine running
func (m *Metrics) AreaStarted() {
	m.activeAreaCount.Add(1)
}

// AreaFinished marks one area goroutine done
func (m *Metrics) AreaFinished() {
	m.activeAreaCount.Add(-1)
}

// GetActiveSessionCount returns the current number of active sessions
func (m *Metrics) GetActiveSessionCount() int64 {
	return m.activeSessionCount.Load()
}

// GetActiveAreaCount returns the current number of running areas
func (m *Metrics) GetActiveAreaCount() int64 {
	return m.activeAreaCount.Load()
}
