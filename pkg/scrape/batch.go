package scrape

import (
	"context"
	"sync"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
	"golang.org/x/sync/errgroup"
)

// Source is one successfully extracted page
type Source struct {
	URL     string
	Content string
}

// Batch fetches the readable text of all URLs with bounded concurrency.
// URLs that fail, time out, or yield nothing are dropped; the returned
// slice keeps the input order of the URLs that survived. Batch only
// errors when the parent context is canceled.
func Batch(ctx context.Context, scraper domain.Scraper, urls []string, perURLTimeout time.Duration, maxConcurrency int) ([]Source, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	contents := make([]string, len(urls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			content, err := scraper.Scrape(gctx, url, perURLTimeout)
			if err != nil {
				// A single bad page never aborts the batch.
				return nil
			}
			mu.Lock()
			contents[i] = content
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(urls))
	for i, url := range urls {
		if contents[i] == "" {
			continue
		}
		sources = append(sources, Source{URL: url, Content: contents[i]})
	}

	return sources, nil
}
