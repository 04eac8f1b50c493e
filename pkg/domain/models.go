package domain

import (
	"time"
)

// Phase represents the current phase of a research session
type Phase string

const (
	PhaseInitial     Phase = "initial"
	PhaseClarifying  Phase = "clarifying"
	PhasePlanning    Phase = "planning"
	PhaseResearching Phase = "researching"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// ResearchMode selects between the flat topic list and the
// area-partitioned (academic) plan structure.
type ResearchMode string

const (
	ModeFlat ResearchMode = "flat"
	ModeArea ResearchMode = "area"
)

// TopicStatus represents the outcome of investigating one topic
type TopicStatus string

const (
	TopicStatusPending   TopicStatus = "pending"
	TopicStatusCompleted TopicStatus = "completed"
	TopicStatusSkipped   TopicStatus = "skipped"
)

// Session is the top-level unit of work. It is created on the first
// user message and mutated only by the orchestrator.
type Session struct {
	ID        string       `json:"id"`
	Query     string       `json:"query"`
	Title     string       `json:"title,omitempty"`
	Phase     Phase        `json:"phase"`
	Mode      ResearchMode `json:"mode"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Topic is one unit of investigation within a research plan.
type Topic struct {
	Title      string      `json:"title"`
	Ordinal    int         `json:"ordinal"`
	Status     TopicStatus `json:"status"`
	SkipReason string      `json:"skip_reason,omitempty"`
	Dossier    *Dossier    `json:"dossier,omitempty"`
}

// Dossier is the structured output of investigating one topic.
// Immutable once produced.
type Dossier struct {
	Topic        string    `json:"topic"`
	Narrative    string    `json:"narrative"`
	KeyLearnings string    `json:"key_learnings"`
	Sources      []string  `json:"sources"`
	CreatedAt    time.Time `json:"created_at"`
}

// Area is an independent, self-contained group of topics in area mode.
// Areas are isolated from each other until cross-area synthesis.
type Area struct {
	Name   string   `json:"name"`
	Topics []string `json:"topics"`
}

// Plan holds either a flat ordered topic list or an ordered list of
// areas; exactly one of the two is populated.
type Plan struct {
	Topics []string `json:"topics,omitempty"`
	Areas  []Area   `json:"areas,omitempty"`
}

// Mode reports the structural shape of the plan.
func (p Plan) Mode() ResearchMode {
	if len(p.Areas) > 0 {
		return ModeArea
	}
	return ModeFlat
}

// TopicCount returns the total number of topics across the plan.
func (p Plan) TopicCount() int {
	if len(p.Areas) > 0 {
		n := 0
		for _, a := range p.Areas {
			n += len(a.Topics)
		}
		return n
	}
	return len(p.Topics)
}

// Checkpoint is a durable snapshot written after each completed topic.
// The orchestrator must be able to reconstruct its exact next action
// from a checkpoint alone.
type Checkpoint struct {
	SessionID   string           `json:"session_id"`
	Query       string           `json:"query"`
	Mode        ResearchMode     `json:"mode"`
	PlanVersion int              `json:"plan_version"`
	Plan        Plan             `json:"plan"`
	Completed   []Dossier        `json:"completed,omitempty"`
	Remaining   []string         `json:"remaining,omitempty"`
	Learnings   []string         `json:"learnings,omitempty"`
	Areas       []AreaCheckpoint `json:"areas,omitempty"`
	Sources     []string         `json:"sources,omitempty"`
	Status      string           `json:"status"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// AreaCheckpoint tracks per-area progress in area mode. Learnings are
// scoped to the area and never leak into sibling entries.
type AreaCheckpoint struct {
	Name      string    `json:"name"`
	Completed []Dossier `json:"completed,omitempty"`
	Remaining []string  `json:"remaining,omitempty"`
	Learnings []string  `json:"learnings,omitempty"`
	Synthesis string    `json:"synthesis,omitempty"`
}

// CompletedCount returns how many dossiers the checkpoint carries.
func (c *Checkpoint) CompletedCount() int {
	if c.Mode == ModeArea {
		n := 0
		for _, a := range c.Areas {
			n += len(a.Completed)
		}
		return n
	}
	return len(c.Completed)
}

// RemainingCount returns how many topics are still open.
func (c *Checkpoint) RemainingCount() int {
	if c.Mode == ModeArea {
		n := 0
		for _, a := range c.Areas {
			n += len(a.Remaining)
		}
		return n
	}
	return len(c.Remaining)
}

// CheckpointSummary is the listing view of a stored checkpoint.
type CheckpointSummary struct {
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult represents one web-search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ModelRequest is a single chat-completion round against the inference
// service. System and User are the two prompt halves produced by the
// prompt builders.
type ModelRequest struct {
	System    string        `json:"system"`
	User      string        `json:"user"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// ModelResponse is the parsed result of a chat-completion round.
type ModelResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FinalDocument is the assembled output of a completed run.
type FinalDocument struct {
	SessionID string         `json:"session_id"`
	Markdown  string         `json:"markdown"`
	Sources   map[int]string `json:"sources"`
	Duration  time.Duration  `json:"duration"`
	Generated time.Time      `json:"generated"`
}
