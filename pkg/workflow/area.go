package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/probelab/deepresearch/pkg/checkpoint"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/state"
	"golang.org/x/sync/errgroup"
)

// areaRun is the isolated working state of one area. Each area gets
// its own context, so learnings never leak between siblings; they only
// meet again at cross-area synthesis, after the join barrier.
type areaRun struct {
	name   string
	topics []string
	ctx    *state.Context

	// synthesis is written by the area's own goroutine and read by
	// sibling checkpoint snapshots, so it needs its own guard.
	mu        sync.Mutex
	synthesis string
}

func (r *areaRun) setSynthesis(s string) {
	r.mu.Lock()
	r.synthesis = s
	r.mu.Unlock()
}

func (r *areaRun) getSynthesis() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synthesis
}

// runAreas researches all areas concurrently, joins, then synthesizes
// per area and across areas.
func (o *Orchestrator) runAreas(ctx context.Context, sctx *state.Context, stream *events.Stream, registry *SourceRegistry) (string, error) {
	plan, _ := sctx.Plan()
	total := plan.TopicCount()

	runs := o.seedAreaRuns(ctx, sctx, plan)

	if err := o.writeAreaCheckpoint(ctx, sctx, runs, registry, checkpoint.StatusResearching); err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxAreaConcurrency)

	for _, run := range runs {
		run := run
		g.Go(func() error {
			return o.runOneArea(gctx, sctx, run, runs, total, stream, registry)
		})
	}

	// Join barrier: cross-area work must not start while any area is
	// still researching.
	if err := g.Wait(); err != nil {
		return "", err
	}

	var names, syntheses []string
	for _, run := range runs {
		synthesis := run.getSynthesis()
		if synthesis == "" {
			continue
		}
		names = append(names, run.name)
		syntheses = append(syntheses, synthesis)
	}
	if len(syntheses) == 0 {
		return "", &SynthesisFailed{Kind: "cross_area", Err: errors.New("no area produced a synthesis")}
	}

	stream.SynthesisStart("cross_area", len(syntheses))
	if err := o.writeAreaCheckpoint(ctx, sctx, runs, registry, checkpoint.StatusSynthesis); err != nil {
		return "", err
	}

	start := time.Now()
	summary, conclusion, err := o.stages.SynthesizeCrossArea(ctx, sctx.Query(), names, syntheses)
	if o.metrics != nil {
		o.metrics.RecordSynthesis(ctx, "cross_area", time.Since(start), err == nil)
	}
	if err != nil {
		return "", err
	}

	markdown := AssembleAreas(sctx.Title(), summary, names, syntheses, conclusion, registry)
	if err := o.writeAreaCheckpoint(ctx, sctx, runs, registry, checkpoint.StatusDone); err != nil {
		return "", err
	}
	return markdown, nil
}

// runOneArea works one area's topic queue and synthesizes it.
func (o *Orchestrator) runOneArea(ctx context.Context, sctx *state.Context, run *areaRun, all []*areaRun, total int, stream *events.Stream, registry *SourceRegistry) error {
	if o.metrics != nil {
		o.metrics.AreaStarted()
		defer o.metrics.AreaFinished()
	}
	if t := o.stages.telemetry; t != nil {
		areaCtx, span := t.StartArea(ctx, sctx.SessionID(), run.name, len(run.topics))
		defer span.End()
		ctx = areaCtx
	}
	stream.AreaStart(run.name, len(run.topics))

	logger := o.logger.WithSession(sctx.SessionID())

	for {
		remaining := run.ctx.Remaining()
		if len(remaining) == 0 {
			break
		}
		topic := remaining[0]
		stream.Status("researching (" + run.name + "): " + topic)

		if err := o.investigateInArea(ctx, sctx, run, all, topic, total, stream, registry); err != nil {
			return err
		}
		if err := o.writeAreaCheckpoint(ctx, sctx, all, registry, checkpoint.StatusResearching); err != nil {
			return err
		}
	}

	dossiers := run.ctx.Completed()
	if len(dossiers) == 0 {
		// The siblings may still carry the run; the cross-area pass
		// fails only when every area comes up empty.
		logger.Warn(ctx, "area produced no dossiers", observability.Fields{"area": run.name})
		stream.AreaComplete(run.name, 0)
		return nil
	}

	if run.getSynthesis() == "" {
		stream.SynthesisStart("area", len(dossiers))
		start := time.Now()
		synthesis, err := o.stages.SynthesizeArea(ctx, sctx.Query(), run.name, dossiers)
		if o.metrics != nil {
			o.metrics.RecordSynthesis(ctx, "area", time.Since(start), err == nil)
		}
		if err != nil {
			return err
		}
		run.setSynthesis(synthesis)
	}

	stream.AreaComplete(run.name, len(dossiers))
	return o.writeAreaCheckpoint(ctx, sctx, all, registry, checkpoint.StatusResearching)
}

// investigateInArea mirrors investigate but scopes learnings to the
// area's own context. Progress events still count completions across
// all areas, so Completed/Total stays the session's fraction.
func (o *Orchestrator) investigateInArea(ctx context.Context, sctx *state.Context, run *areaRun, all []*areaRun, topic string, total int, stream *events.Stream, registry *SourceRegistry) error {
	topicCtx := ctx
	if o.opts.TopicTimeout > 0 {
		var cancel context.CancelFunc
		topicCtx, cancel = context.WithTimeout(ctx, o.opts.TopicTimeout)
		defer cancel()
	}

	start := time.Now()
	dossier, err := o.pipeline.RunTopic(topicCtx, topic, sctx.Query(), run.ctx.Learnings(), stream)
	if err != nil {
		if de, dead := IsDeadEnd(err); dead {
			run.ctx.SkipTopic(topic)
			if o.metrics != nil {
				o.metrics.RecordDeadEnd(ctx, de.Stage)
				o.metrics.RecordTopicSkipped(ctx, time.Since(start), de.Stage)
			}
			stream.TopicSkipped(topic, run.name, de.Reason, completedAcross(all), total)
			return nil
		}
		var sf *SynthesisFailed
		if errors.As(err, &sf) && sf.Kind == "dossier" {
			run.ctx.SkipTopic(topic)
			if o.metrics != nil {
				o.metrics.RecordTopicSkipped(ctx, time.Since(start), "summarize")
			}
			stream.TopicSkipped(topic, run.name, sf.Error(), completedAcross(all), total)
			return nil
		}
		return err
	}

	dossier.Narrative = registry.Renumber(dossier.Narrative, dossier.Sources)
	run.ctx.RecordDossier(*dossier)
	if o.metrics != nil {
		o.metrics.RecordTopicComplete(ctx, time.Since(start))
	}
	stream.TopicComplete(topic, run.name, dossierExcerpt(dossier), completedAcross(all), total)
	return nil
}

// completedAcross sums finished topics over every area's context.
func completedAcross(runs []*areaRun) int {
	n := 0
	for _, r := range runs {
		n += len(r.ctx.Completed())
	}
	return n
}

// seedAreaRuns builds the per-area contexts, folding in progress from
// a prior checkpoint when the session is being resumed.
func (o *Orchestrator) seedAreaRuns(ctx context.Context, sctx *state.Context, plan domain.Plan) []*areaRun {
	var prior map[string]domain.AreaCheckpoint
	if cp, err := o.checkpoints.Load(ctx, sctx.SessionID()); err == nil && cp.Mode == domain.ModeArea {
		prior = make(map[string]domain.AreaCheckpoint, len(cp.Areas))
		for _, a := range cp.Areas {
			prior[a.Name] = a
		}
	}

	runs := make([]*areaRun, len(plan.Areas))
	for i, area := range plan.Areas {
		run := &areaRun{
			name:   area.Name,
			topics: area.Topics,
			ctx:    state.NewContext(sctx.SessionID(), sctx.Query()),
		}
		if o.opts.LearningsBudget > 0 {
			run.ctx.SetLearningsBudget(o.opts.LearningsBudget)
		}
		run.ctx.SetPlan(domain.Plan{Topics: area.Topics})

		if p, ok := prior[area.Name]; ok {
			for _, d := range p.Completed {
				run.ctx.RecordDossier(d)
			}
			run.ctx.SetRemaining(p.Remaining)
			run.ctx.SetLearnings(p.Learnings)
			run.setSynthesis(p.Synthesis)
		}
		runs[i] = run
	}
	return runs
}

// writeAreaCheckpoint snapshots an area-mode session across all areas.
func (o *Orchestrator) writeAreaCheckpoint(ctx context.Context, sctx *state.Context, runs []*areaRun, registry *SourceRegistry, status string) error {
	plan, version := sctx.Plan()

	areas := make([]domain.AreaCheckpoint, len(runs))
	for i, run := range runs {
		areas[i] = domain.AreaCheckpoint{
			Name:      run.name,
			Completed: run.ctx.Completed(),
			Remaining: run.ctx.Remaining(),
			Learnings: run.ctx.LearningsList(),
			Synthesis: run.getSynthesis(),
		}
	}

	return o.checkpoints.Write(ctx, &domain.Checkpoint{
		SessionID:   sctx.SessionID(),
		Query:       sctx.Query(),
		Mode:        domain.ModeArea,
		PlanVersion: version,
		Plan:        plan,
		Areas:       areas,
		Sources:     registry.URLs(),
		Status:      status,
	})
}
