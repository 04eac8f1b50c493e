package testutil

import (
	"fmt"
	"strings"

	"github.com/probelab/deepresearch/pkg/domain"
)

// LongPage returns extracted-page text comfortably above the usable
// content floor, tagged so tests can trace it through a dossier.
func LongPage(marker string) string {
	return fmt.Sprintf("Findings about %s. %s", marker, strings.Repeat("Detail sentence. ", 20))
}

// QueriesResponse builds a think reply with n distinct queries.
func QueriesResponse(topic string, n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%s angle %d\n", topic, i)
	}
	return b.String()
}

// SelectionResponse builds a select reply choosing the given urls.
func SelectionResponse(urls ...string) string {
	var b strings.Builder
	b.WriteString("=== SELECTED ===\n")
	for i, u := range urls {
		fmt.Fprintf(&b, "url %d: %s\n", i+1, u)
	}
	return b.String()
}

// DossierResponse builds a summarize reply in the dossier wire format.
func DossierResponse(narrative, learnings string, sources ...string) string {
	var b strings.Builder
	b.WriteString(narrative + "\n\n")
	b.WriteString("## KEY LEARNINGS\n" + learnings + "\n\n")
	b.WriteString("=== SOURCES ===\n")
	for i, u := range sources {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, u)
	}
	b.WriteString("=== END SOURCES ===\n=== END DOSSIER ===\n")
	return b.String()
}

// FlatPlanResponse builds a planning reply as a numbered list.
func FlatPlanResponse(topics ...string) string {
	var b strings.Builder
	for i, topic := range topics {
		fmt.Fprintf(&b, "%d. %s\n", i+1, topic)
	}
	return b.String()
}

// AreaPlanResponse builds an area-partitioned planning reply.
func AreaPlanResponse(areas []domain.Area) string {
	var b strings.Builder
	for i, area := range areas {
		fmt.Fprintf(&b, "=== AREA %d: %s ===\n", i+1, area.Name)
		for j, topic := range area.Topics {
			fmt.Fprintf(&b, "%d. %s\n", j+1, topic)
		}
	}
	b.WriteString("=== END PLAN ===\n")
	return b.String()
}

// ClarifyResponse builds a clarifying reply with a title and questions.
func ClarifyResponse(title string, questions ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n\nQUESTIONS:\n", title)
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return b.String()
}

// CrossAreaResponse builds a cross-area reply carrying an executive
// summary and a conclusion in the expected section format.
func CrossAreaResponse(summary, conclusion string) string {
	return fmt.Sprintf("=== EXECUTIVE SUMMARY ===\n%s\n\n=== CONCLUSION ===\n%s\n", summary, conclusion)
}

// SearchResults builds n distinct results under a url prefix.
func SearchResults(prefix string, n int) []domain.SearchResult {
	out := make([]domain.SearchResult, n)
	for i := range out {
		out[i] = domain.SearchResult{
			Title:   fmt.Sprintf("%s result %d", prefix, i+1),
			URL:     fmt.Sprintf("https://%s.example/page-%d", prefix, i+1),
			Snippet: "snippet",
		}
	}
	return out
}
