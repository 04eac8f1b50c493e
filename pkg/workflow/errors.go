package workflow

import (
	"errors"
	"fmt"
)

// The four failure classes the orchestrator distinguishes. Everything
// an external collaborator can do wrong collapses into one of these;
// anything else is a programming error and propagates as-is.

// TransientExternalFailure wraps a retryable collaborator failure
// (network, 5xx, timeout). The run may retry or surface it depending
// on where it happened.
type TransientExternalFailure struct {
	Op  string
	Err error
}

func (e *TransientExternalFailure) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientExternalFailure) Unwrap() error { return e.Err }

// DeadEnd reports that a topic cannot make progress: no queries, too
// few candidates, nothing selected, or nothing extractable. One
// remediation attempt is allowed; a second dead end skips the topic.
type DeadEnd struct {
	Stage  string
	Topic  string
	Reason string
}

func (e *DeadEnd) Error() string {
	return fmt.Sprintf("dead end in %s for topic %q: %s", e.Stage, e.Topic, e.Reason)
}

// SynthesisFailed reports that a synthesis pass produced nothing
// usable. Kind "dossier" is scoped to one topic, which gets skipped;
// the report-level kinds are terminal for the run, there is no
// fallback document.
type SynthesisFailed struct {
	Kind string
	Err  error
}

func (e *SynthesisFailed) Error() string {
	return fmt.Sprintf("%s synthesis failed: %v", e.Kind, e.Err)
}

func (e *SynthesisFailed) Unwrap() error { return e.Err }

// PlanInvariantViolation reports a plan that broke its structural
// contract (shape bounds, area autonomy, wrong mode on revision).
type PlanInvariantViolation struct {
	Err error
}

func (e *PlanInvariantViolation) Error() string {
	return fmt.Sprintf("plan invariant violation: %v", e.Err)
}

func (e *PlanInvariantViolation) Unwrap() error { return e.Err }

// IsDeadEnd reports whether err is a dead end and returns it.
func IsDeadEnd(err error) (*DeadEnd, bool) {
	var de *DeadEnd
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ErrorKind maps an error to its event-facing kind tag.
func ErrorKind(err error) string {
	var (
		transient *TransientExternalFailure
		deadEnd   *DeadEnd
		synth     *SynthesisFailed
		plan      *PlanInvariantViolation
	)
	switch {
	case errors.As(err, &synth):
		return "SynthesisFailed"
	case errors.As(err, &plan):
		return "PlanInvariantViolation"
	case errors.As(err, &deadEnd):
		return "DeadEnd"
	case errors.As(err, &transient):
		return "TransientExternalFailure"
	default:
		return "Internal"
	}
}
