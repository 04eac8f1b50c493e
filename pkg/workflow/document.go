package workflow

import (
	"fmt"
	"strings"
)

// AssembleFlat builds the final markdown document for a flat run: the
// synthesized report followed by the global source list.
func AssembleFlat(title, synthesis string, registry *SourceRegistry) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	b.WriteString(strings.TrimSpace(synthesis))
	b.WriteString("\n")

	if sources := registry.FormatSourceList(); sources != "" {
		b.WriteString("\n" + sources)
	}
	return b.String()
}

// AssembleAreas builds the final markdown document for an area run:
// the executive summary, one section per area, the cross-area
// conclusion, then the global source list.
func AssembleAreas(title, summary string, areaNames, areaSyntheses []string, conclusion string, registry *SourceRegistry) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	if summary != "" {
		fmt.Fprintf(&b, "## Executive Summary\n\n%s\n\n", strings.TrimSpace(summary))
	}

	for i, name := range areaNames {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, strings.TrimSpace(areaSyntheses[i]))
	}

	b.WriteString("## Conclusion\n\n")
	b.WriteString(strings.TrimSpace(conclusion))
	b.WriteString("\n")

	if sources := registry.FormatSourceList(); sources != "" {
		b.WriteString("\n" + sources)
	}
	return b.String()
}
