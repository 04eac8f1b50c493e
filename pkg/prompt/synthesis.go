package prompt

import (
	"fmt"
	"strings"

	"github.com/probelab/deepresearch/pkg/domain"
)

var synthesisTemplate = Template{
	Name:    "synthesis",
	Version: "v3",
	System: `You are writing the final research report. Synthesize all dossiers into one coherent markdown document: an executive summary, then a section per theme weaving the findings together, then open questions.

Keep the inline [n] citations exactly as they appear in the dossiers. They already refer to a global source registry; do not renumber or invent citations. Do not append a source list, it is added separately.`,
}

var areaSynthesisTemplate = Template{
	Name:    "area_synthesis",
	Version: "v2",
	System: `You are synthesizing one research area of a larger report. Write a self-contained markdown section covering only this area's dossiers. Keep inline [n] citations exactly as they appear. Do not reference other areas or append a source list.`,
}

var crossAreaTemplate = Template{
	Name:    "cross_area",
	Version: "v3",
	System: `You are writing the framing of an academic-style research report. You get one synthesized section per research area. Produce two pieces:

1. An executive summary for the top of the report, a few paragraphs previewing the key findings across all areas.
2. A cross-cutting conclusion: connect the areas, surface tensions and agreements between their findings, and state the overall answer to the research question.

Keep inline [n] citations exactly as they appear. Format the response as:

=== EXECUTIVE SUMMARY ===
<summary>

=== CONCLUSION ===
<conclusion>`,
}

// BuildSynthesis renders the user half of the final synthesis round.
func BuildSynthesis(query string, dossiers []domain.Dossier) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", query)
	for i, d := range dossiers {
		fmt.Fprintf(&b, "DOSSIER %d: %s\n\n%s\n\n", i+1, d.Topic, d.Narrative)
	}
	return b.String()
}

// BuildAreaSynthesis renders the user half of one area synthesis round.
func BuildAreaSynthesis(query, areaName string, dossiers []domain.Dossier) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", query)
	fmt.Fprintf(&b, "Area: %s\n\n", areaName)
	for i, d := range dossiers {
		fmt.Fprintf(&b, "DOSSIER %d: %s\n\n%s\n\n", i+1, d.Topic, d.Narrative)
	}
	return b.String()
}

const (
	summaryMarker    = "=== EXECUTIVE SUMMARY ==="
	conclusionMarker = "=== CONCLUSION ==="
)

// ParseCrossArea splits a cross-area response into its executive
// summary and conclusion. A response without the section markers is
// treated as conclusion-only; the report then simply has no executive
// summary rather than failing the whole run this late.
func ParseCrossArea(raw string) (summary, conclusion string) {
	rest := raw
	if idx := strings.Index(rest, summaryMarker); idx >= 0 {
		rest = rest[idx+len(summaryMarker):]
		if end := strings.Index(rest, conclusionMarker); end >= 0 {
			summary = strings.TrimSpace(rest[:end])
			conclusion = strings.TrimSpace(rest[end+len(conclusionMarker):])
			return summary, conclusion
		}
		return "", strings.TrimSpace(rest)
	}
	if idx := strings.Index(rest, conclusionMarker); idx >= 0 {
		return "", strings.TrimSpace(rest[idx+len(conclusionMarker):])
	}
	return "", strings.TrimSpace(raw)
}

// BuildCrossAreaSynthesis renders the user half of the cross-area
// conclusion round.
func BuildCrossAreaSynthesis(query string, areaNames []string, areaSyntheses []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\n", query)
	for i, name := range areaNames {
		fmt.Fprintf(&b, "=== AREA: %s ===\n\n%s\n\n", name, areaSyntheses[i])
	}
	return b.String()
}
