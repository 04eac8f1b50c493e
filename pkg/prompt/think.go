package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// MaxQueriesPerTopic caps how many search queries one think round may
// emit regardless of what the model returns.
const MaxQueriesPerTopic = 10

// ErrNoQueries is returned when a think response contains no usable
// search queries.
var ErrNoQueries = errors.New("think response contained no queries")

var thinkTemplate = Template{
	Name:    "think",
	Version: "v2",
	System: `You are a research strategist. Given a research topic, produce web search queries that together cover it from every angle.

Emit up to 10 queries, grouped across these five categories:
- PRIMARY: authoritative and official sources
- COMMUNITY: forums, discussions, practitioner reports
- PRACTICAL: tutorials, how-tos, implementation guides
- CRITICAL: criticism, limitations, known problems
- RECENT: current developments and news

Output one query per line. No numbering, no URLs, no commentary.`,
}

var thinkRetryTemplate = Template{
	Name:    "think_retry",
	Version: "v2",
	System: `You are a research strategist. A previous set of search queries for this topic found almost nothing useful. Reformulate: use different terminology, broader or adjacent phrasings, and synonyms the first attempt missed.

Output up to 10 fresh queries, one per line. Do not repeat any query from the failed attempt. No numbering, no URLs, no commentary.`,
}

var thinkStrictTemplate = Template{
	Name:    "think_strict",
	Version: "v1",
	System: `Your previous reply could not be parsed into search queries. Answer again for the same topic.

Output ONLY search queries, one per line. No numbering, no URLs, no category labels, no commentary of any kind.`,
}

// BuildThink renders the user half of a think round.
func BuildThink(topic, query string, learnings string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research question: %s\n\n", query)
	fmt.Fprintf(&b, "Current topic to investigate: %s\n", topic)
	if learnings != "" {
		fmt.Fprintf(&b, "\nWhat earlier topics already established (do not re-search this):\n%s\n", learnings)
	}
	return b.String()
}

// BuildThinkStrict renders the user half of the strict-format retry
// issued when a think reply cannot be parsed.
func BuildThinkStrict(topic, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research question: %s\n\n", query)
	fmt.Fprintf(&b, "Current topic to investigate: %s\n", topic)
	return b.String()
}

// BuildThinkRetry renders the user half of a reformulation round after
// a dead end.
func BuildThinkRetry(topic, query string, failedQueries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall research question: %s\n\n", query)
	fmt.Fprintf(&b, "Topic that hit a dead end: %s\n\n", topic)
	b.WriteString("Queries that failed to find usable sources:\n")
	for _, q := range failedQueries {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	return b.String()
}

// ParseQueries extracts search queries from a think response. Category
// labels, numbering, bullets and stray URLs are stripped; at most
// MaxQueriesPerTopic queries survive.
func ParseQueries(raw string) ([]string, error) {
	var queries []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) ")
		line = strings.TrimSpace(line)

		if line == "" {
			continue
		}
		// Category headers the model sometimes echoes back.
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "PRIMARY") || strings.HasPrefix(upper, "COMMUNITY") ||
			strings.HasPrefix(upper, "PRACTICAL") || strings.HasPrefix(upper, "CRITICAL") ||
			strings.HasPrefix(upper, "RECENT") {
			if idx := strings.Index(line, ":"); idx >= 0 && idx < 12 {
				line = strings.TrimSpace(line[idx+1:])
				if line == "" {
					continue
				}
			} else {
				continue
			}
		}
		// Queries are search terms, not URLs.
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			continue
		}
		if len(line) > 200 {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		queries = append(queries, line)

		if len(queries) >= MaxQueriesPerTopic {
			break
		}
	}

	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}
