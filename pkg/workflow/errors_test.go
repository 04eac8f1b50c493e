package workflow

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"transient", &TransientExternalFailure{Op: "search", Err: errors.New("503")}, "TransientExternalFailure"},
		{"dead end", &DeadEnd{Stage: "select", Topic: "t", Reason: "nothing selected"}, "DeadEnd"},
		{"synthesis", &SynthesisFailed{Kind: "final", Err: errors.New("empty")}, "SynthesisFailed"},
		{"plan", &PlanInvariantViolation{Err: errors.New("2 areas")}, "PlanInvariantViolation"},
		{"wrapped transient", fmt.Errorf("stage: %w", &TransientExternalFailure{Op: "scrape", Err: errors.New("eof")}), "TransientExternalFailure"},
		{"plain", errors.New("boom"), "Internal"},
		{"nil-ish", fmt.Errorf("context deadline exceeded"), "Internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ErrorKind(tc.err); got != tc.want {
				t.Errorf("ErrorKind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsDeadEndUnwraps(t *testing.T) {
	inner := &DeadEnd{Stage: "extract", Topic: "t", Reason: "no content"}
	wrapped := fmt.Errorf("topic run: %w", inner)

	de, ok := IsDeadEnd(wrapped)
	if !ok || de.Stage != "extract" {
		t.Fatalf("IsDeadEnd(wrapped) = %v, %v", de, ok)
	}

	if _, ok := IsDeadEnd(errors.New("other")); ok {
		t.Error("plain error misclassified as dead end")
	}
}

func TestSynthesisFailedKeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := &SynthesisFailed{Kind: "cross_area", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}
