package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/prompt"
	"github.com/probelab/deepresearch/pkg/scrape"
	"github.com/probelab/deepresearch/pkg/search"
)

// StageConfig carries the knobs the stage functions need.
type StageConfig struct {
	WorkModel  string
	FinalModel string

	MaxTokens    int
	ModelTimeout time.Duration
	FinalTimeout time.Duration

	ResultsPerQuery   int
	MinCandidateURLs  int
	ScrapeTimeout     time.Duration
	ScrapeConcurrency int
}

// DefaultStageConfig returns workable defaults for tests and one-shot
// runs.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		WorkModel:         "work-model",
		FinalModel:        "final-model",
		MaxTokens:         8192,
		ModelTimeout:      2 * time.Minute,
		FinalTimeout:      20 * time.Minute,
		ResultsPerQuery:   10,
		MinCandidateURLs:  2,
		ScrapeTimeout:     45 * time.Second,
		ScrapeConcurrency: 10,
	}
}

// Stages bundles the four stage functions plus the model-facing
// conversation operations. Stage functions are pure with respect to
// session state: they take inputs and return outputs, and never touch
// the context or the checkpoint.
type Stages struct {
	model     domain.ModelClient
	search    domain.SearchClient
	scraper   domain.Scraper
	prompts   prompt.Library
	cfg       StageConfig
	telemetry *observability.Telemetry
	logger    *observability.StructuredLogger
}

// NewStages wires the stage functions to their collaborators. A nil
// telemetry disables tracing without changing behavior.
func NewStages(model domain.ModelClient, searchClient domain.SearchClient, scraper domain.Scraper, prompts prompt.Library, cfg StageConfig, telemetry *observability.Telemetry, logger *observability.StructuredLogger) *Stages {
	if logger == nil {
		logger = observability.NewStructuredLogger("stages")
	}
	return &Stages{
		model:     model,
		search:    searchClient,
		scraper:   scraper,
		prompts:   prompts,
		cfg:       cfg,
		telemetry: telemetry,
		logger:    logger,
	}
}

// stageSpan traces one pipeline stage when telemetry is wired.
func (s *Stages) stageSpan(ctx context.Context, stage, topic string, fn func(context.Context) error) error {
	if s.telemetry == nil {
		return fn(ctx)
	}
	return s.telemetry.InstrumentStage(ctx, stage, topic, fn)
}

// externalSpan traces one search or scrape round-trip.
func (s *Stages) externalSpan(ctx context.Context, service string, fn func(context.Context) error) error {
	if s.telemetry == nil {
		return fn(ctx)
	}
	return s.telemetry.InstrumentExternalCall(ctx, service, fn)
}

// retriable reports whether a failed external call gets its one extra
// attempt. Cancellations and explicit model refusals do not: the
// second try would fail the same way.
func retriable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var refusal *domain.ModelRefusal
	return !errors.As(err, &refusal)
}

// complete issues one model call with a single retry on failure.
func (s *Stages) complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	resp, err := s.model.Complete(ctx, req)
	if err == nil || !retriable(ctx, err) {
		return resp, err
	}
	s.logger.Warn(ctx, "model call failed, retrying once", observability.Fields{
		"model": req.Model,
		"error": err.Error(),
	})
	return s.model.Complete(ctx, req)
}

func (s *Stages) work(ctx context.Context, tpl prompt.Template, user string) (*domain.ModelResponse, error) {
	return s.complete(ctx, domain.ModelRequest{
		System:    tpl.System,
		User:      user,
		Model:     s.cfg.WorkModel,
		MaxTokens: s.cfg.MaxTokens,
		Timeout:   s.cfg.ModelTimeout,
	})
}

func (s *Stages) final(ctx context.Context, tpl prompt.Template, user string) (*domain.ModelResponse, error) {
	return s.complete(ctx, domain.ModelRequest{
		System:    tpl.System,
		User:      user,
		Model:     s.cfg.FinalModel,
		MaxTokens: s.cfg.MaxTokens,
		Timeout:   s.cfg.FinalTimeout,
	})
}

// Think turns a topic into search queries. A reply that parses into no
// queries gets one strict-format reprompt before the topic counts as
// blocked, so the pipeline's dead-end remediation stays available for
// search failures.
func (s *Stages) Think(ctx context.Context, topic, query, learnings string) ([]string, error) {
	var queries []string
	err := s.stageSpan(ctx, "think", topic, func(ctx context.Context) error {
		resp, err := s.work(ctx, s.prompts.Think, prompt.BuildThink(topic, query, learnings))
		if err != nil {
			return &TransientExternalFailure{Op: "think", Err: err}
		}

		queries, err = prompt.ParseQueries(resp.Content)
		if err == nil {
			return nil
		}
		s.logger.Warn(ctx, "unparseable think response, reprompting strictly", observability.Fields{
			"topic": topic,
		})

		resp, rerr := s.work(ctx, s.prompts.ThinkStrict, prompt.BuildThinkStrict(topic, query))
		if rerr != nil {
			return &TransientExternalFailure{Op: "think", Err: rerr}
		}
		queries, err = prompt.ParseQueries(resp.Content)
		if err != nil {
			return &DeadEnd{Stage: "think", Topic: topic, Reason: err.Error()}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queries, nil
}

// ThinkRetry reformulates queries after a dead end.
func (s *Stages) ThinkRetry(ctx context.Context, topic, query string, failed []string) ([]string, error) {
	var queries []string
	err := s.stageSpan(ctx, "think_retry", topic, func(ctx context.Context) error {
		resp, err := s.work(ctx, s.prompts.ThinkRetry, prompt.BuildThinkRetry(topic, query, failed))
		if err != nil {
			return &TransientExternalFailure{Op: "think_retry", Err: err}
		}

		queries, err = prompt.ParseQueries(resp.Content)
		if err != nil {
			return &DeadEnd{Stage: "think", Topic: topic, Reason: err.Error()}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queries, nil
}

// SearchAndSelect fans the queries out to the search provider, merges
// the hits with any carried-over pool, and asks the model to pick the
// urls worth reading.
func (s *Stages) SearchAndSelect(ctx context.Context, topic string, queries []string, carryover []domain.SearchResult) ([]string, []domain.SearchResult, error) {
	var found []domain.SearchResult
	err := s.externalSpan(ctx, "search", func(ctx context.Context) error {
		opts := domain.SearchOptions{MaxResults: s.cfg.ResultsPerQuery}
		var err error
		found, err = search.FanOut(ctx, s.search, queries, opts, len(queries))
		if err == nil || !retriable(ctx, err) {
			return err
		}
		s.logger.Warn(ctx, "search fan-out failed, retrying once", observability.Fields{
			"topic": topic,
			"error": err.Error(),
		})
		found, err = search.FanOut(ctx, s.search, queries, opts, len(queries))
		return err
	})
	if err != nil {
		return nil, carryover, &TransientExternalFailure{Op: "search", Err: err}
	}

	pool := search.Merge([][]domain.SearchResult{carryover, found})
	if len(pool) < s.cfg.MinCandidateURLs {
		return nil, pool, &DeadEnd{
			Stage: "search",
			Topic: topic,
			Reason: fmt.Sprintf("only %d candidate urls, need at least %d",
				len(pool), s.cfg.MinCandidateURLs),
		}
	}

	resp, err := s.work(ctx, s.prompts.SelectURLs, prompt.BuildSelectURLs(topic, pool))
	if err != nil {
		return nil, pool, &TransientExternalFailure{Op: "select", Err: err}
	}

	urls, err := prompt.ParseSelectedURLs(resp.Content)
	if err != nil {
		return nil, pool, &DeadEnd{Stage: "select", Topic: topic, Reason: err.Error()}
	}
	return urls, pool, nil
}

// Extract fetches the selected urls and drops the duds.
func (s *Stages) Extract(ctx context.Context, topic string, urls []string) ([]prompt.SourceText, error) {
	var pages []scrape.Source
	err := s.externalSpan(ctx, "scrape", func(ctx context.Context) error {
		var err error
		pages, err = scrape.Batch(ctx, s.scraper, urls, s.cfg.ScrapeTimeout, s.cfg.ScrapeConcurrency)
		if err == nil || !retriable(ctx, err) {
			return err
		}
		s.logger.Warn(ctx, "scrape batch failed, retrying once", observability.Fields{
			"topic": topic,
			"error": err.Error(),
		})
		pages, err = scrape.Batch(ctx, s.scraper, urls, s.cfg.ScrapeTimeout, s.cfg.ScrapeConcurrency)
		return err
	})
	if err != nil {
		return nil, &TransientExternalFailure{Op: "extract", Err: err}
	}
	if len(pages) == 0 {
		return nil, &DeadEnd{Stage: "extract", Topic: topic, Reason: "no url yielded usable content"}
	}

	sources := make([]prompt.SourceText, len(pages))
	for i, p := range pages {
		sources[i] = prompt.SourceText{URL: p.URL, Content: p.Content}
	}
	return sources, nil
}

// Summarize turns extracted sources into a dossier. An unparseable
// dossier is a synthesis failure, not a dead end: the sources were
// fine, the writing step broke, so reformulating queries would not
// help.
func (s *Stages) Summarize(ctx context.Context, topic, query string, sources []prompt.SourceText) (*domain.Dossier, error) {
	var dossier *domain.Dossier
	err := s.stageSpan(ctx, "summarize", topic, func(ctx context.Context) error {
		resp, err := s.work(ctx, s.prompts.Dossier, prompt.BuildDossier(topic, query, sources))
		if err != nil {
			return &TransientExternalFailure{Op: "summarize", Err: err}
		}

		parsed, err := prompt.ParseDossier(resp.Content)
		if err != nil {
			return &SynthesisFailed{Kind: "dossier", Err: err}
		}

		dossier = &domain.Dossier{
			Topic:        topic,
			Narrative:    parsed.Narrative,
			KeyLearnings: parsed.KeyLearnings,
			Sources:      parsed.Sources,
			CreatedAt:    time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dossier, nil
}

// Clarify opens a session: title plus clarifying questions.
func (s *Stages) Clarify(ctx context.Context, query string) (*prompt.ParsedClarify, error) {
	resp, err := s.work(ctx, s.prompts.Clarify, prompt.BuildClarify(query))
	if err != nil {
		return nil, &TransientExternalFailure{Op: "clarify", Err: err}
	}
	return prompt.ParseClarify(resp.Content)
}

// PlanFlat produces an ordered topic list.
func (s *Stages) PlanFlat(ctx context.Context, query, clarification string) (domain.Plan, error) {
	resp, err := s.work(ctx, s.prompts.PlanFlat, prompt.BuildPlan(query, clarification))
	if err != nil {
		return domain.Plan{}, &TransientExternalFailure{Op: "plan", Err: err}
	}

	plan, err := prompt.ParseFlatPlan(resp.Content)
	if err != nil {
		return domain.Plan{}, &PlanInvariantViolation{Err: err}
	}
	return plan, nil
}

// PlanArea produces an area-partitioned plan.
func (s *Stages) PlanArea(ctx context.Context, query, clarification string) (domain.Plan, error) {
	resp, err := s.work(ctx, s.prompts.PlanArea, prompt.BuildPlan(query, clarification))
	if err != nil {
		return domain.Plan{}, &TransientExternalFailure{Op: "plan", Err: err}
	}

	plan, err := prompt.ParseAreaPlan(resp.Content)
	if err != nil {
		return domain.Plan{}, &PlanInvariantViolation{Err: err}
	}
	return plan, nil
}

// RevisePlan rewrites the open part of a plan, preserving its shape.
// A flat plan must come back flat; an area plan area-partitioned.
func (s *Stages) RevisePlan(ctx context.Context, query string, current domain.Plan, completed []string, reason string) (domain.Plan, error) {
	resp, err := s.work(ctx, s.prompts.PlanRevision, prompt.BuildPlanRevision(query, current, completed, reason))
	if err != nil {
		return domain.Plan{}, &TransientExternalFailure{Op: "plan_revision", Err: err}
	}

	if current.Mode() == domain.ModeArea {
		plan, err := prompt.ParseAreaPlan(resp.Content)
		if err != nil {
			return domain.Plan{}, &PlanInvariantViolation{Err: err}
		}
		return plan, nil
	}

	plan, err := prompt.ParseFlatPlan(resp.Content)
	if err != nil {
		return domain.Plan{}, &PlanInvariantViolation{Err: err}
	}
	return plan, nil
}

// Synthesize runs the final synthesis pass over all dossiers.
func (s *Stages) Synthesize(ctx context.Context, query string, dossiers []domain.Dossier) (string, error) {
	resp, err := s.final(ctx, s.prompts.Synthesis, prompt.BuildSynthesis(query, dossiers))
	if err != nil {
		return "", &SynthesisFailed{Kind: "final", Err: err}
	}
	return resp.Content, nil
}

// SynthesizeArea runs one area's synthesis pass.
func (s *Stages) SynthesizeArea(ctx context.Context, query, areaName string, dossiers []domain.Dossier) (string, error) {
	resp, err := s.final(ctx, s.prompts.AreaSynthesis, prompt.BuildAreaSynthesis(query, areaName, dossiers))
	if err != nil {
		return "", &SynthesisFailed{Kind: "area", Err: err}
	}
	return resp.Content, nil
}

// SynthesizeCrossArea writes the report's executive summary and
// cross-area conclusion in one pass.
func (s *Stages) SynthesizeCrossArea(ctx context.Context, query string, areaNames, areaSyntheses []string) (summary, conclusion string, err error) {
	resp, err := s.final(ctx, s.prompts.CrossArea, prompt.BuildCrossAreaSynthesis(query, areaNames, areaSyntheses))
	if err != nil {
		return "", "", &SynthesisFailed{Kind: "cross_area", Err: err}
	}
	summary, conclusion = prompt.ParseCrossArea(resp.Content)
	return summary, conclusion, nil
}
