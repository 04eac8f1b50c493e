package search

import (
	"context"
	"sync"

	"github.com/probelab/deepresearch/pkg/domain"
	"golang.org/x/sync/errgroup"
)

// Merge flattens per-query result lists into one candidate pool,
// dropping duplicate URLs. Order is first-seen: results of earlier
// queries win ties, matching provider relevance within each query.
func Merge(perQuery [][]domain.SearchResult) []domain.SearchResult {
	seen := make(map[string]bool)
	var merged []domain.SearchResult

	for _, results := range perQuery {
		for _, r := range results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			merged = append(merged, r)
		}
	}

	return merged
}

// FanOut runs one search per query concurrently and returns the merged
// candidate pool. A failed query contributes nothing; FanOut only
// errors when every query failed, so a flaky provider degrades the
// pool instead of killing the topic.
func FanOut(ctx context.Context, client domain.SearchClient, queries []string, opts domain.SearchOptions, maxConcurrency int) ([]domain.SearchResult, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = len(queries)
	}

	perQuery := make([][]domain.SearchResult, len(queries))
	errs := make([]error, len(queries))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, query := range queries {
		i, query := i, query
		g.Go(func() error {
			results, err := client.Search(ctx, query, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = err
				return nil
			}
			perQuery[i] = results
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := Merge(perQuery)
	if len(merged) == 0 {
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
	}

	return merged, nil
}
