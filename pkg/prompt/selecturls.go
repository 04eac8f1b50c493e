package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/probelab/deepresearch/pkg/domain"
)

// MaxSelectedURLs caps how many URLs one selection round may keep.
const MaxSelectedURLs = 20

const selectedMarker = "=== SELECTED ==="

// ErrNoSelection is returned when a selection response carries no
// valid URLs.
var ErrNoSelection = errors.New("selection response contained no valid urls")

var selectURLsTemplate = Template{
	Name:    "select_urls",
	Version: "v3",
	System: `You are a source curator. From the numbered candidate list, pick the sources most likely to contain substantive, citable information on the topic. Prefer primary sources and in-depth treatments over listicles and aggregators. Pick at most 20.

Answer in exactly this format, nothing before it:

=== SELECTED ===
url 1: <full url>
url 2: <full url>
...`,
}

// BuildSelectURLs renders the user half of a selection round.
func BuildSelectURLs(topic string, candidates []domain.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nCandidates:\n", topic)
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s\n    %s\n", i+1, c.Title, c.URL)
		if c.Snippet != "" {
			fmt.Fprintf(&b, "    %s\n", c.Snippet)
		}
	}
	return b.String()
}

var urlLineRe = regexp.MustCompile(`(?i)^url\s+\d+\s*:\s*(\S+)`)

// ParseSelectedURLs extracts the chosen URLs from a selection response.
// Lines before the selection marker are ignored; after it, both the
// "url N: ..." form and bare URLs are accepted. Invalid schemes and
// duplicates are dropped and the result is capped at MaxSelectedURLs.
func ParseSelectedURLs(raw string) ([]string, error) {
	body := raw
	if idx := strings.Index(raw, selectedMarker); idx >= 0 {
		body = raw[idx+len(selectedMarker):]
	}

	var urls []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "===") {
			continue
		}

		candidate := line
		if m := urlLineRe.FindStringSubmatch(line); m != nil {
			candidate = m[1]
		}
		candidate = strings.Trim(candidate, "<>\"'")

		if !strings.HasPrefix(candidate, "http://") && !strings.HasPrefix(candidate, "https://") {
			continue
		}
		if len(candidate) > 500 {
			continue
		}
		if seen[candidate] {
			continue
		}
		seen[candidate] = true
		urls = append(urls, candidate)

		if len(urls) >= MaxSelectedURLs {
			break
		}
	}

	if len(urls) == 0 {
		return nil, ErrNoSelection
	}
	return urls, nil
}
