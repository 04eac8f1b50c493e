package prompt

import (
	"errors"
	"fmt"
	"strings"
)

const (
	learningsHeader  = "## KEY LEARNINGS"
	sourcesMarker    = "=== SOURCES ==="
	endSourcesMarker = "=== END SOURCES ==="
	endDossierMarker = "=== END DOSSIER ==="
)

// ErrEmptyDossier is returned when a summarize response has no
// narrative body.
var ErrEmptyDossier = errors.New("dossier response had no narrative body")

var dossierTemplate = Template{
	Name:    "dossier",
	Version: "v3",
	System: `You are a research analyst. Write a dossier on the topic using only the numbered source material provided. Cite every claim with the source number in brackets, like [2]. Do not invent sources or cite numbers that were not provided.

Structure your answer exactly like this:

<narrative: several paragraphs of findings with inline [n] citations>

## KEY LEARNINGS
- <the most important facts, one per line>

=== SOURCES ===
[1] <url>
[2] <url>
=== END SOURCES ===
=== END DOSSIER ===

List under SOURCES only the urls you actually cited, keeping their numbers.`,
}

// SourceText is one extracted page handed to the dossier builder.
type SourceText struct {
	URL     string
	Content string
}

// BuildDossier renders the user half of a summarize round.
func BuildDossier(topic, query string, sources []SourceText) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research question: %s\n\n", query)
	fmt.Fprintf(&b, "Topic for this dossier: %s\n\n", topic)
	b.WriteString("Source material:\n\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "SOURCE [%d] (%s):\n%s\n\n", i+1, s.URL, s.Content)
	}
	return b.String()
}

// ParsedDossier is the structured form of a summarize response.
type ParsedDossier struct {
	Narrative    string
	KeyLearnings string
	Sources      []string
}

// ParseDossier splits a summarize response into narrative, key
// learnings and the cited source urls. The narrative is required;
// learnings and sources degrade to empty when the model omits their
// blocks.
func ParseDossier(raw string) (*ParsedDossier, error) {
	body := raw
	if idx := strings.Index(body, endDossierMarker); idx >= 0 {
		body = body[:idx]
	}

	var sources []string
	if start := strings.Index(body, sourcesMarker); start >= 0 {
		block := body[start+len(sourcesMarker):]
		if end := strings.Index(block, endSourcesMarker); end >= 0 {
			block = block[:end]
		}
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			// "[n] url" lines; tolerate bare urls.
			if idx := strings.Index(line, "]"); idx >= 0 && strings.HasPrefix(line, "[") {
				line = strings.TrimSpace(line[idx+1:])
			}
			if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
				sources = append(sources, line)
			}
		}
		body = body[:start]
	}

	learnings := ""
	if start := strings.Index(body, learningsHeader); start >= 0 {
		learnings = strings.TrimSpace(body[start+len(learningsHeader):])
		body = body[:start]
	}

	narrative := strings.TrimSpace(body)
	if narrative == "" {
		return nil, ErrEmptyDossier
	}

	return &ParsedDossier{
		Narrative:    narrative,
		KeyLearnings: learnings,
		Sources:      sources,
	}, nil
}
