package state

import (
	"strings"
	"sync"

	"github.com/probelab/deepresearch/pkg/domain"
)

// DefaultLearningsBudget caps the accumulated key-learnings excerpt
// threaded into later prompts, in characters.
const DefaultLearningsBudget = 24000

// Context is the mutable working state of one research session. The
// orchestrator is its only writer during a run; reads may come from
// the API layer, so access is guarded.
type Context struct {
	mu sync.RWMutex

	sessionID     string
	query         string
	title         string
	clarification string

	plan        domain.Plan
	planVersion int

	phase domain.Phase

	completed []domain.Dossier
	remaining []string
	learnings []string

	learningsBudget int
}

// NewContext creates the working state for a fresh session.
func NewContext(sessionID, query string) *Context {
	return &Context{
		sessionID:       sessionID,
		query:           query,
		phase:           domain.PhaseInitial,
		learningsBudget: DefaultLearningsBudget,
	}
}

// SetLearningsBudget overrides the learnings character budget.
func (c *Context) SetLearningsBudget(budget int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if budget > 0 {
		c.learningsBudget = budget
	}
}

// SessionID returns the session id.
func (c *Context) SessionID() string {
	return c.sessionID
}

// Query returns the original research question.
func (c *Context) Query() string {
	return c.query
}

// Phase returns the current phase.
func (c *Context) Phase() domain.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// SetPhase advances the phase machine.
func (c *Context) SetPhase(phase domain.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
}

// Title returns the session title, if one was produced.
func (c *Context) Title() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.title
}

// SetTitle records the session title.
func (c *Context) SetTitle(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.title = title
}

// Clarification returns the recorded clarifying answers.
func (c *Context) Clarification() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clarification
}

// SetClarification records the user's clarifying answers.
func (c *Context) SetClarification(answers string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clarification = answers
}

// Plan returns the current plan and its version.
func (c *Context) Plan() (domain.Plan, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.plan, c.planVersion
}

// SetPlan installs a new plan and bumps the plan version. The
// remaining topic queue is rebuilt from the plan.
func (c *Context) SetPlan(plan domain.Plan) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.plan = plan
	c.planVersion++

	c.remaining = c.remaining[:0]
	if plan.Mode() == domain.ModeArea {
		for _, area := range plan.Areas {
			c.remaining = append(c.remaining, area.Topics...)
		}
	} else {
		c.remaining = append(c.remaining, plan.Topics...)
	}

	return c.planVersion
}

// Remaining returns a copy of the open topic queue.
func (c *Context) Remaining() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.remaining))
	copy(out, c.remaining)
	return out
}

// SetRemaining replaces the open topic queue, used on resume and after
// a mid-run plan revision.
func (c *Context) SetRemaining(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = append(c.remaining[:0], topics...)
}

// Completed returns a copy of the finished dossiers.
func (c *Context) Completed() []domain.Dossier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Dossier, len(c.completed))
	copy(out, c.completed)
	return out
}

// RecordDossier marks a topic done: the dossier is appended, the topic
// leaves the queue, and its key learnings join the running excerpt.
func (c *Context) RecordDossier(d domain.Dossier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completed = append(c.completed, d)
	c.dropTopic(d.Topic)
	if d.KeyLearnings != "" {
		c.learnings = append(c.learnings, d.KeyLearnings)
	}
}

// SkipTopic removes a topic from the queue without a dossier.
func (c *Context) SkipTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropTopic(topic)
}

func (c *Context) dropTopic(topic string) {
	for i, t := range c.remaining {
		if t == topic {
			c.remaining = append(c.remaining[:i], c.remaining[i+1:]...)
			return
		}
	}
}

// Learnings returns the accumulated key learnings joined into one
// excerpt, truncated oldest-first to the character budget.
func (c *Context) Learnings() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return truncateOldestFirst(c.learnings, c.learningsBudget)
}

// LearningsList returns a copy of the raw learnings entries.
func (c *Context) LearningsList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.learnings))
	copy(out, c.learnings)
	return out
}

// SetLearnings replaces the learnings entries, used on resume.
func (c *Context) SetLearnings(entries []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.learnings = append(c.learnings[:0], entries...)
}

// truncateOldestFirst joins entries newest-last and drops whole oldest
// entries until the joined text fits the budget. If a single entry
// exceeds the budget its tail is kept.
func truncateOldestFirst(entries []string, budget int) string {
	if len(entries) == 0 {
		return ""
	}

	joined := strings.Join(entries, "\n\n")
	for len(joined) > budget && len(entries) > 1 {
		entries = entries[1:]
		joined = strings.Join(entries, "\n\n")
	}
	if len(joined) > budget {
		joined = joined[len(joined)-budget:]
	}
	return joined
}
