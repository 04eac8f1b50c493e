package workflow

import (
	"context"

	"github.com/probelab/deepresearch/pkg/domain"
	"github.com/probelab/deepresearch/pkg/events"
	"github.com/probelab/deepresearch/pkg/observability"
	"github.com/probelab/deepresearch/pkg/prompt"
)

// Pipeline investigates one topic end to end: think, search and
// select, extract, summarize. A dead end in any gathering stage
// triggers exactly one remediation pass with reformulated queries;
// hitting a second dead end gives up on the topic. Summarize failures
// are not remediated, fresh queries cannot fix a broken write-up.
type Pipeline struct {
	stages *Stages
	logger *observability.StructuredLogger
}

// NewPipeline creates a topic pipeline on top of the stage functions.
func NewPipeline(stages *Stages, logger *observability.StructuredLogger) *Pipeline {
	if logger == nil {
		logger = observability.NewStructuredLogger("pipeline")
	}
	return &Pipeline{stages: stages, logger: logger}
}

// RunTopic produces the dossier for one topic. The returned error is a
// *DeadEnd when the topic should be skipped, a *SynthesisFailed with
// kind "dossier" when its summary could not be parsed, a
// *TransientExternalFailure when a collaborator broke, or nil.
func (p *Pipeline) RunTopic(ctx context.Context, topic, query, learnings string, stream *events.Stream) (*domain.Dossier, error) {
	queries, err := p.stages.Think(ctx, topic, query, learnings)
	if err != nil {
		if _, dead := IsDeadEnd(err); dead {
			return p.remediate(ctx, topic, query, nil, nil, stream, err)
		}
		return nil, err
	}

	sources, _, pool, err := p.gather(ctx, topic, queries, nil, stream)
	if err != nil {
		if _, dead := IsDeadEnd(err); dead {
			return p.remediate(ctx, topic, query, queries, pool, stream, err)
		}
		return nil, err
	}

	dossier, err := p.stages.Summarize(ctx, topic, query, sources)
	if err != nil {
		if _, dead := IsDeadEnd(err); dead {
			return p.remediate(ctx, topic, query, queries, pool, stream, err)
		}
		return nil, err
	}

	return dossier, nil
}

// gather runs search+select+extract and reports the candidate pool it
// accumulated, so a remediation pass can merge fresh hits into it.
func (p *Pipeline) gather(ctx context.Context, topic string, queries []string, carryover []domain.SearchResult, stream *events.Stream) ([]prompt.SourceText, []string, []domain.SearchResult, error) {
	urls, pool, err := p.stages.SearchAndSelect(ctx, topic, queries, carryover)
	if err != nil {
		return nil, nil, pool, err
	}

	if stream != nil {
		stream.SourcesFound(topic, urls)
	}

	sources, err := p.stages.Extract(ctx, topic, urls)
	if err != nil {
		return nil, urls, pool, err
	}
	return sources, urls, pool, nil
}

// remediate is the one-shot dead-end recovery: reformulate the
// queries, rerun the gather with the old candidate pool merged in, and
// summarize. Any dead end here is final for the topic.
func (p *Pipeline) remediate(ctx context.Context, topic, query string, failedQueries []string, pool []domain.SearchResult, stream *events.Stream, cause error) (*domain.Dossier, error) {
	de, _ := IsDeadEnd(cause)
	p.logger.Warn(ctx, "dead end, attempting remediation", observability.Fields{
		"topic": topic,
		"stage": de.Stage,
	})
	if stream != nil {
		stream.Status("dead end on \"" + topic + "\", reformulating queries")
	}

	queries, err := p.stages.ThinkRetry(ctx, topic, query, failedQueries)
	if err != nil {
		if d, dead := IsDeadEnd(err); dead {
			return nil, p.giveUp(ctx, topic, de, d)
		}
		return nil, err
	}

	sources, _, _, err := p.gather(ctx, topic, queries, pool, stream)
	if err != nil {
		if d, dead := IsDeadEnd(err); dead {
			return nil, p.giveUp(ctx, topic, de, d)
		}
		return nil, err
	}

	dossier, err := p.stages.Summarize(ctx, topic, query, sources)
	if err != nil {
		if d, dead := IsDeadEnd(err); dead {
			return nil, p.giveUp(ctx, topic, de, d)
		}
		return nil, err
	}
	return dossier, nil
}

func (p *Pipeline) giveUp(ctx context.Context, topic string, first, second *DeadEnd) error {
	p.logger.Warn(ctx, "remediation failed, skipping topic", observability.Fields{
		"topic":        topic,
		"first_stage":  first.Stage,
		"second_stage": second.Stage,
	})
	return &DeadEnd{
		Stage:  second.Stage,
		Topic:  topic,
		Reason: "remediation failed: " + second.Reason,
	}
}
