package events

import (
	"time"
)

// Type discriminates the event union. The set is closed; consumers can
// switch exhaustively and treat anything else as a protocol error.
type Type string

const (
	TypeStatus         Type = "status"
	TypeSourcesFound   Type = "sources_found"
	TypeTopicComplete  Type = "topic_complete"
	TypeTopicSkipped   Type = "topic_skipped"
	TypePlanRevised    Type = "plan_revised"
	TypeAreaStart      Type = "area_start"
	TypeAreaComplete   Type = "area_complete"
	TypeSynthesisStart Type = "synthesis_start"
	TypeDone           Type = "done"
	TypeError          Type = "error"
)

// Event is one progress notification. Exactly one payload field is
// set, matching Type. Sequence numbers are strictly increasing within
// a session; Done and Error are terminal and appear exactly once.
type Event struct {
	Type      Type      `json:"type"`
	Sequence  uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"ts"`

	Status    *StatusPayload    `json:"status,omitempty"`
	Sources   *SourcesPayload   `json:"sources,omitempty"`
	Topic     *TopicPayload     `json:"topic,omitempty"`
	Plan      *PlanPayload      `json:"plan,omitempty"`
	Area      *AreaPayload      `json:"area,omitempty"`
	Synthesis *SynthesisPayload `json:"synthesis,omitempty"`
	Done      *DonePayload      `json:"done,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// StatusPayload is a human-readable progress line.
type StatusPayload struct {
	Message string `json:"message"`
}

// SourcesPayload announces the urls selected for a topic.
type SourcesPayload struct {
	Topic string   `json:"topic"`
	URLs  []string `json:"urls"`
}

// TopicPayload reports a topic leaving the queue, either with a
// dossier or skipped with a reason. Completed counts across the whole
// session, so Completed/Total is the run's progress fraction.
type TopicPayload struct {
	Topic          string `json:"topic"`
	Area           string `json:"area,omitempty"`
	DossierExcerpt string `json:"dossier_excerpt,omitempty"`
	Completed      int    `json:"completed"`
	Total          int    `json:"total"`
	SkipReason     string `json:"skip_reason,omitempty"`
}

// PlanPayload reports a mid-run plan revision.
type PlanPayload struct {
	Version int    `json:"version"`
	Reason  string `json:"reason"`
	Topics  int    `json:"topics"`
}

// AreaPayload reports an area starting or finishing.
type AreaPayload struct {
	Area   string `json:"area"`
	Topics int    `json:"topics"`
}

// SynthesisPayload announces a synthesis pass. Dossiers estimates the
// amount of material the pass has to digest.
type SynthesisPayload struct {
	Kind     string `json:"kind"`
	Dossiers int    `json:"dossiers"`
}

// DonePayload carries the finished document.
type DonePayload struct {
	Markdown string        `json:"markdown"`
	Sources  int           `json:"sources"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrorPayload carries the failure that ended the run.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
