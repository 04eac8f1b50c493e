package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/probelab/deepresearch/pkg/checkpoint"
	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/state"
)

// ErrPhase is returned when an operation is requested in the wrong
// session phase.
var ErrPhase = errors.New("operation not allowed in current phase")

// Options tunes the orchestrator.
type Options struct {
	MaxAreaConcurrency int
	TopicTimeout       time.Duration
	LearningsBudget    int
}

// Orchestrator drives a session through its phases: clarify, plan,
// research, synthesize. It is the only writer of session state and the
// sole producer on the event stream.
type Orchestrator struct {
	stages      *Stages
	pipeline    *Pipeline
	checkpoints *checkpoint.Manager
	logger      *observability.StructuredLogger
	metrics     *observability.Metrics
	opts        Options
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(stages *Stages, checkpoints *checkpoint.Manager, logger *observability.StructuredLogger, metrics *observability.Metrics, opts Options) *Orchestrator {
	if logger == nil {
		logger = observability.NewStructuredLogger("orchestrator")
	}
	if opts.MaxAreaConcurrency <= 0 {
		opts.MaxAreaConcurrency = 5
	}
	return &Orchestrator{
		stages:      stages,
		pipeline:    NewPipeline(stages, logger.WithComponent("pipeline")),
		checkpoints: checkpoints,
		logger:      logger,
		metrics:     metrics,
		opts:        opts,
	}
}

// Clarify opens the session: produces a title and clarifying
// questions, and moves the phase to clarifying.
func (o *Orchestrator) Clarify(ctx context.Context, sctx *state.Context) (title string, questions []string, err error) {
	if sctx.Phase() != domain.PhaseInitial {
		return "", nil, fmt.Errorf("%w: clarify in phase %s", ErrPhase, sctx.Phase())
	}

	parsed, err := o.stages.Clarify(ctx, sctx.Query())
	if err != nil {
		return "", nil, err
	}

	sctx.SetTitle(parsed.Title)
	sctx.SetPhase(domain.PhaseClarifying)
	return parsed.Title, parsed.Questions, nil
}

// Plan builds the research plan in the requested mode and moves the
// phase to planning. Clarifying answers are optional; planning
// straight from the initial phase skips the clarify round.
func (o *Orchestrator) Plan(ctx context.Context, sctx *state.Context, mode domain.ResearchMode, clarification string) (domain.Plan, int, error) {
	phase := sctx.Phase()
	if phase != domain.PhaseInitial && phase != domain.PhaseClarifying && phase != domain.PhasePlanning {
		return domain.Plan{}, 0, fmt.Errorf("%w: plan in phase %s", ErrPhase, phase)
	}
	if clarification != "" {
		sctx.SetClarification(clarification)
	}

	var (
		plan domain.Plan
		err  error
	)
	if mode == domain.ModeArea {
		plan, err = o.stages.PlanArea(ctx, sctx.Query(), sctx.Clarification())
	} else {
		plan, err = o.stages.PlanFlat(ctx, sctx.Query(), sctx.Clarification())
	}
	if err != nil {
		return domain.Plan{}, 0, err
	}

	version := sctx.SetPlan(plan)
	sctx.SetPhase(domain.PhasePlanning)
	return plan, version, nil
}

// Revise rewrites the open part of the plan, preserving its structural
// shape. Completed topics are pinned. Allowed while planning and
// mid-research.
func (o *Orchestrator) Revise(ctx context.Context, sctx *state.Context, reason string, stream *events.Stream) (domain.Plan, int, error) {
	phase := sctx.Phase()
	if phase != domain.PhasePlanning && phase != domain.PhaseResearching {
		return domain.Plan{}, 0, fmt.Errorf("%w: revise in phase %s", ErrPhase, phase)
	}

	current, _ := sctx.Plan()
	var completed []string
	for _, d := range sctx.Completed() {
		completed = append(completed, d.Topic)
	}

	revised, err := o.stages.RevisePlan(ctx, sctx.Query(), current, completed, reason)
	if err != nil {
		return domain.Plan{}, 0, err
	}
	if revised.Mode() != current.Mode() {
		return domain.Plan{}, 0, &PlanInvariantViolation{
			Err: fmt.Errorf("revision changed plan shape from %s to %s", current.Mode(), revised.Mode()),
		}
	}

	version := sctx.SetPlan(revised)
	o.logger.Info(ctx, "plan revised", observability.Fields{
		"session_id": sctx.SessionID(),
		"version":    version,
		"reason":     reason,
	})
	if stream != nil {
		stream.PlanRevised(version, revised.TopicCount(), reason)
	}
	return revised, version, nil
}

// Research runs the plan to completion and emits exactly one terminal
// event on the stream. The returned document is also carried by the
// done event.
func (o *Orchestrator) Research(ctx context.Context, sctx *state.Context, stream *events.Stream) (*domain.FinalDocument, error) {
	if sctx.Phase() != domain.PhasePlanning {
		err := fmt.Errorf("%w: research in phase %s", ErrPhase, sctx.Phase())
		stream.Fail(ErrorKind(err), err.Error())
		return nil, err
	}

	plan, _ := sctx.Plan()
	sctx.SetPhase(domain.PhaseResearching)
	if t := o.stages.telemetry; t != nil {
		sessCtx, span := t.StartSession(ctx, sctx.SessionID(), string(plan.Mode()), sctx.Query())
		defer span.End()
		ctx = sessCtx
	}
	if o.metrics != nil {
		o.metrics.RecordSessionStart(ctx, string(plan.Mode()))
	}

	started := time.Now()
	registry := NewSourceRegistry()
	// A resumed session reuses the global citation numbering its
	// checkpointed narratives already carry.
	if cp, err := o.checkpoints.Load(ctx, sctx.SessionID()); err == nil {
		registry.Seed(cp.Sources)
	}

	var (
		markdown string
		err      error
	)
	if plan.Mode() == domain.ModeArea {
		markdown, err = o.runAreas(ctx, sctx, stream, registry)
	} else {
		markdown, err = o.runFlat(ctx, sctx, stream, registry)
	}

	if err != nil {
		sctx.SetPhase(domain.PhaseFailed)
		if o.metrics != nil {
			o.metrics.RecordSessionEnd(ctx, "failed")
		}
		o.writeFailedCheckpoint(ctx, sctx)
		o.logger.Error(ctx, "research run failed", err, observability.Fields{
			"session_id": sctx.SessionID(),
		})
		stream.Fail(ErrorKind(err), err.Error())
		return nil, err
	}

	doc := &domain.FinalDocument{
		SessionID: sctx.SessionID(),
		Markdown:  markdown,
		Sources:   registry.Snapshot(),
		Duration:  time.Since(started),
		Generated: time.Now().UTC(),
	}

	sctx.SetPhase(domain.PhaseDone)
	if o.metrics != nil {
		o.metrics.RecordSessionEnd(ctx, "done")
	}
	stream.Done(doc.Markdown, registry.Len(), doc.Duration)
	return doc, nil
}

// runFlat works through the flat topic queue in order.
func (o *Orchestrator) runFlat(ctx context.Context, sctx *state.Context, stream *events.Stream, registry *SourceRegistry) (string, error) {
	plan, _ := sctx.Plan()
	total := plan.TopicCount()

	if err := o.writeFlatCheckpoint(ctx, sctx, registry, checkpoint.StatusResearching); err != nil {
		return "", err
	}

	for {
		remaining := sctx.Remaining()
		if len(remaining) == 0 {
			break
		}
		topic := remaining[0]
		stream.Status("researching: " + topic)

		if err := o.investigate(ctx, sctx, topic, "", total, stream, registry); err != nil {
			return "", err
		}
		if err := o.writeFlatCheckpoint(ctx, sctx, registry, checkpoint.StatusResearching); err != nil {
			return "", err
		}
	}

	dossiers := sctx.Completed()
	if len(dossiers) == 0 {
		return "", &SynthesisFailed{Kind: "final", Err: errors.New("every topic dead-ended, nothing to synthesize")}
	}

	stream.SynthesisStart("final", len(dossiers))
	if err := o.writeFlatCheckpoint(ctx, sctx, registry, checkpoint.StatusSynthesis); err != nil {
		return "", err
	}

	start := time.Now()
	synthesis, err := o.stages.Synthesize(ctx, sctx.Query(), dossiers)
	if o.metrics != nil {
		o.metrics.RecordSynthesis(ctx, "final", time.Since(start), err == nil)
	}
	if err != nil {
		return "", err
	}

	markdown := AssembleFlat(sctx.Title(), synthesis, registry)
	if err := o.writeFlatCheckpoint(ctx, sctx, registry, checkpoint.StatusDone); err != nil {
		return "", err
	}
	return markdown, nil
}

// investigate runs the pipeline for one topic and folds the outcome
// into session state. Dead ends and unwritable dossiers skip the
// topic; other errors abort.
func (o *Orchestrator) investigate(ctx context.Context, sctx *state.Context, topic, area string, total int, stream *events.Stream, registry *SourceRegistry) error {
	topicCtx := ctx
	if o.opts.TopicTimeout > 0 {
		var cancel context.CancelFunc
		topicCtx, cancel = context.WithTimeout(ctx, o.opts.TopicTimeout)
		defer cancel()
	}

	start := time.Now()
	dossier, err := o.pipeline.RunTopic(topicCtx, topic, sctx.Query(), sctx.Learnings(), stream)
	if err != nil {
		if de, dead := IsDeadEnd(err); dead {
			sctx.SkipTopic(topic)
			if o.metrics != nil {
				o.metrics.RecordDeadEnd(ctx, de.Stage)
				o.metrics.RecordTopicSkipped(ctx, time.Since(start), de.Stage)
			}
			stream.TopicSkipped(topic, area, de.Reason, len(sctx.Completed()), total)
			return nil
		}
		var sf *SynthesisFailed
		if errors.As(err, &sf) && sf.Kind == "dossier" {
			sctx.SkipTopic(topic)
			if o.metrics != nil {
				o.metrics.RecordTopicSkipped(ctx, time.Since(start), "summarize")
			}
			stream.TopicSkipped(topic, area, sf.Error(), len(sctx.Completed()), total)
			return nil
		}
		return err
	}

	dossier.Narrative = registry.Renumber(dossier.Narrative, dossier.Sources)
	sctx.RecordDossier(*dossier)
	if o.metrics != nil {
		o.metrics.RecordTopicComplete(ctx, time.Since(start))
	}
	stream.TopicComplete(topic, area, dossierExcerpt(dossier), len(sctx.Completed()), total)
	return nil
}

// excerptLimit caps the dossier preview carried by topic_complete
// events.
const excerptLimit = 600

func dossierExcerpt(d *domain.Dossier) string {
	s := strings.TrimSpace(d.KeyLearnings)
	if len(s) <= excerptLimit {
		return s
	}
	return strings.TrimSpace(s[:excerptLimit]) + "..."
}

// writeFlatCheckpoint snapshots a flat-mode session.
func (o *Orchestrator) writeFlatCheckpoint(ctx context.Context, sctx *state.Context, registry *SourceRegistry, status string) error {
	plan, version := sctx.Plan()
	return o.checkpoints.Write(ctx, &domain.Checkpoint{
		SessionID:   sctx.SessionID(),
		Query:       sctx.Query(),
		Mode:        domain.ModeFlat,
		PlanVersion: version,
		Plan:        plan,
		Completed:   sctx.Completed(),
		Remaining:   sctx.Remaining(),
		Learnings:   sctx.LearningsList(),
		Sources:     registry.URLs(),
		Status:      status,
	})
}

// writeFailedCheckpoint marks the stored checkpoint failed, best
// effort: resume stays possible from the last good snapshot even if
// this write loses a race with the failure that ended the run.
func (o *Orchestrator) writeFailedCheckpoint(ctx context.Context, sctx *state.Context) {
	cp, err := o.checkpoints.Load(ctx, sctx.SessionID())
	if err != nil {
		return
	}
	cp.Status = checkpoint.StatusFailed
	if err := o.checkpoints.Write(ctx, cp); err != nil {
		o.logger.Warn(ctx, "failed to mark checkpoint failed", observability.Fields{
			"session_id": sctx.SessionID(),
		})
	}
}

// Resume rebuilds session state from a checkpoint. The returned
// context is in the planning phase with only the unfinished topics
// queued; running Research on it finishes the session, investigating
// exactly the topics the original run never completed.
func (o *Orchestrator) Resume(cp *domain.Checkpoint) (*state.Context, error) {
	if cp.RemainingCount() == 0 && cp.Status == checkpoint.StatusDone {
		return nil, fmt.Errorf("session %s already completed", cp.SessionID)
	}

	sctx := state.NewContext(cp.SessionID, cp.Query)
	if o.opts.LearningsBudget > 0 {
		sctx.SetLearningsBudget(o.opts.LearningsBudget)
	}
	sctx.SetPlan(cp.Plan)

	if cp.Mode == domain.ModeArea {
		// Area progress is rebuilt by the area runner from the
		// checkpoint's per-area entries; the shared context only
		// needs the plan.
		sctx.SetPhase(domain.PhasePlanning)
		return sctx, nil
	}

	for _, d := range cp.Completed {
		sctx.RecordDossier(d)
	}
	sctx.SetRemaining(cp.Remaining)
	sctx.SetLearnings(cp.Learnings)
	sctx.SetPhase(domain.PhasePlanning)
	return sctx, nil
}
