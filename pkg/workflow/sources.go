package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// SourceRegistry assigns global citation numbers across all dossiers
// of a run. A url cited by several dossiers keeps one number. Safe for
// concurrent area runners.
type SourceRegistry struct {
	mu    sync.Mutex
	byURL map[string]int
	urls  []string
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{byURL: make(map[string]int)}
}

// Add registers a url and returns its global number, reusing the
// existing one on repeat.
func (r *SourceRegistry) Add(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(url)
}

func (r *SourceRegistry) add(url string) int {
	if n, ok := r.byURL[url]; ok {
		return n
	}
	r.urls = append(r.urls, url)
	n := len(r.urls)
	r.byURL[url] = n
	return n
}

// Renumber rewrites a dossier's local [1]..[k] citations to global
// numbers, registering the local source list as it goes. Replacement
// goes through per-citation placeholders so a rewritten [n] can never
// be hit again by a later local index.
func (r *SourceRegistry) Renumber(narrative string, localSources []string) string {
	if len(localSources) == 0 {
		return narrative
	}

	r.mu.Lock()
	globals := make([]int, len(localSources))
	for i, url := range localSources {
		globals[i] = r.add(url)
	}
	r.mu.Unlock()

	// Descending local index so [12] is rewritten before [1].
	order := make([]int, len(localSources))
	for i := range order {
		order[i] = i
	}
	sort.Sort(sort.Reverse(sort.IntSlice(order)))

	out := narrative
	for _, i := range order {
		out = strings.ReplaceAll(out,
			fmt.Sprintf("[%d]", i+1),
			fmt.Sprintf("\x00%d\x00", globals[i]))
	}
	for _, g := range globals {
		out = strings.ReplaceAll(out,
			fmt.Sprintf("\x00%d\x00", g),
			fmt.Sprintf("[%d]", g))
	}
	return out
}

// URLs returns the registered urls in global citation order.
func (r *SourceRegistry) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.urls))
	copy(out, r.urls)
	return out
}

// Seed registers urls in order, used on resume to reproduce the global
// numbering the checkpointed narratives already cite.
func (r *SourceRegistry) Seed(urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, url := range urls {
		r.add(url)
	}
}

// Snapshot returns the registry as number -> url.
func (r *SourceRegistry) Snapshot() map[int]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]string, len(r.urls))
	for i, url := range r.urls {
		out[i+1] = url
	}
	return out
}

// Len returns how many distinct sources are registered.
func (r *SourceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.urls)
}

// FormatSourceList renders the registry as a markdown source list.
func (r *SourceRegistry) FormatSourceList() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.urls) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Sources\n\n")
	for i, url := range r.urls {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, url)
	}
	return b.String()
}
