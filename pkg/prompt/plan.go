package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/probelab/deepresearch/pkg/domain"
)

const endPlanMarker = "=== END PLAN ==="

// Plan shape bounds for area mode.
const (
	MinAreas         = 3
	MaxAreas         = 5
	MinTopicsPerArea = 2
	MaxTopicsPerArea = 4
)

var (
	// ErrEmptyPlan is returned when a planning response yields no topics.
	ErrEmptyPlan = errors.New("plan response contained no topics")

	// ErrPlanShape is returned when an area plan violates its structural
	// bounds or the area autonomy rule.
	ErrPlanShape = errors.New("area plan violates structural constraints")
)

var clarifyTemplate = Template{
	Name:    "clarify",
	Version: "v2",
	System: `You are a research assistant starting a deep research session. Read the user's research question and do two things:

1. Give the session a short descriptive title.
2. Ask 2-4 clarifying questions that would change how you approach the research (scope, depth, audience, time frame).

Answer in exactly this format:

TITLE: <short title>

QUESTIONS:
1. <question>
2. <question>`,
}

var planFlatTemplate = Template{
	Name:    "plan_flat",
	Version: "v2",
	System: `You are a research planner. Break the research question into an ordered list of concrete topics to investigate, each answerable through web research. Order them so later topics can build on what earlier ones found.

Answer with a numbered list only, one topic per line:

1. <topic>
2. <topic>`,
}

var planAreaTemplate = Template{
	Name:    "plan_area",
	Version: "v2",
	System: `You are planning an academic-style research report. Partition the research question into 3 to 5 independent areas. Each area gets 2 to 4 concrete topics.

The areas will be researched in isolation, possibly at the same time. Every area must therefore stand alone: no topic may refer to another area or depend on its findings.

Answer in exactly this format:

=== AREA 1: <area title> ===
1. <topic>
2. <topic>
=== AREA 2: <area title> ===
1. <topic>
2. <topic>
=== END PLAN ===`,
}

var planRevisionTemplate = Template{
	Name:    "plan_revision",
	Version: "v2",
	System: `You are revising a research plan mid-run. Completed topics and their findings are fixed; only the remaining topics may change. Keep the plan in exactly the same format it already has (flat numbered list stays a flat numbered list, area-partitioned plan stays area-partitioned and keeps its area structure rules). Do not repeat completed topics.`,
}

// BuildClarify renders the user half of a clarifying round.
func BuildClarify(query string) string {
	return fmt.Sprintf("Research question: %s\n", query)
}

// BuildPlan renders the user half of a planning round. The clarifying
// answers are optional; an empty answer set plans from the query alone.
func BuildPlan(query, clarification string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n", query)
	if clarification != "" {
		fmt.Fprintf(&b, "\nClarifications from the user:\n%s\n", clarification)
	}
	return b.String()
}

// BuildPlanRevision renders the user half of a plan revision round.
func BuildPlanRevision(query string, plan domain.Plan, completed []string, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", query)
	b.WriteString("Current plan:\n")
	b.WriteString(FormatPlan(plan))
	if len(completed) > 0 {
		b.WriteString("\nAlready completed (keep out of the revised plan):\n")
		for _, topic := range completed {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
	}
	fmt.Fprintf(&b, "\nReason for revision: %s\n", reason)
	return b.String()
}

// FormatPlan renders a plan back into its wire format, the same shape
// the planning parsers accept.
func FormatPlan(plan domain.Plan) string {
	var b strings.Builder
	if plan.Mode() == domain.ModeArea {
		for i, area := range plan.Areas {
			fmt.Fprintf(&b, "=== AREA %d: %s ===\n", i+1, area.Name)
			for j, topic := range area.Topics {
				fmt.Fprintf(&b, "%d. %s\n", j+1, topic)
			}
		}
		b.WriteString(endPlanMarker + "\n")
		return b.String()
	}
	for i, topic := range plan.Topics {
		fmt.Fprintf(&b, "%d. %s\n", i+1, topic)
	}
	return b.String()
}

// ParsedClarify is the structured form of a clarifying response.
type ParsedClarify struct {
	Title     string
	Questions []string
}

var questionLineRe = regexp.MustCompile(`^\d+[.)]\s*(.+)$`)

// ParseClarify extracts the session title and clarifying questions.
func ParseClarify(raw string) (*ParsedClarify, error) {
	parsed := &ParsedClarify{}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "TITLE:"); ok {
			parsed.Title = strings.TrimSpace(after)
			continue
		}
		if m := questionLineRe.FindStringSubmatch(line); m != nil {
			parsed.Questions = append(parsed.Questions, strings.TrimSpace(m[1]))
		}
	}

	if len(parsed.Questions) == 0 {
		return nil, errors.New("clarify response contained no questions")
	}
	return parsed, nil
}

var topicLineRe = regexp.MustCompile(`^(?:\d+[.)]|\(\d+\)|[-*])\s*(.+)$`)

// ParseFlatPlan extracts an ordered topic list from a planning response.
func ParseFlatPlan(raw string) (domain.Plan, error) {
	var topics []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if m := topicLineRe.FindStringSubmatch(line); m != nil {
			topic := strings.TrimSpace(m[1])
			if topic != "" {
				topics = append(topics, topic)
			}
		}
	}

	if len(topics) == 0 {
		return domain.Plan{}, ErrEmptyPlan
	}
	return domain.Plan{Topics: topics}, nil
}

var areaHeaderRe = regexp.MustCompile(`^===\s*AREA\s+(\d+)\s*:\s*(.+?)\s*===$`)

// crossRefRe matches topic phrasings that lean on a sibling area,
// which would break the isolation the concurrent runner relies on.
var crossRefRe = regexp.MustCompile(`(?i)\b(?:see|from|as in|like in|previous|next|above|other)\s+area\b|\barea\s+\d`)

// ParseAreaPlan extracts an area-partitioned plan from a planning
// response and enforces its structural bounds: 3 to 5 areas, 2 to 4
// topics each, and no topic referring to another area.
func ParseAreaPlan(raw string) (domain.Plan, error) {
	body := raw
	if idx := strings.Index(body, endPlanMarker); idx >= 0 {
		body = body[:idx]
	}

	var areas []domain.Area
	var current *domain.Area

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := areaHeaderRe.FindStringSubmatch(line); m != nil {
			areas = append(areas, domain.Area{Name: m[2]})
			current = &areas[len(areas)-1]
			continue
		}
		if current == nil {
			continue
		}
		if m := topicLineRe.FindStringSubmatch(line); m != nil {
			topic := strings.TrimSpace(m[1])
			if topic != "" {
				current.Topics = append(current.Topics, topic)
			}
		}
	}

	if len(areas) == 0 {
		return domain.Plan{}, ErrEmptyPlan
	}
	if len(areas) < MinAreas || len(areas) > MaxAreas {
		return domain.Plan{}, fmt.Errorf("%w: %d areas, want %d-%d", ErrPlanShape, len(areas), MinAreas, MaxAreas)
	}
	for _, area := range areas {
		if len(area.Topics) < MinTopicsPerArea || len(area.Topics) > MaxTopicsPerArea {
			return domain.Plan{}, fmt.Errorf("%w: area %q has %d topics, want %d-%d",
				ErrPlanShape, area.Name, len(area.Topics), MinTopicsPerArea, MaxTopicsPerArea)
		}
		for _, topic := range area.Topics {
			if crossRefRe.MatchString(topic) {
				return domain.Plan{}, fmt.Errorf("%w: topic %q references another area", ErrPlanShape, topic)
			}
		}
	}

	return domain.Plan{Areas: areas}, nil
}
