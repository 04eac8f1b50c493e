package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
)

// SearxClient implements the SearchClient interface against a SearxNG
// instance's JSON API.
type SearxClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxResults int
}

// searxResponse mirrors the fields we need from the SearxNG JSON API
type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// NewSearxClient creates a new SearxNG search client
func NewSearxClient(baseURL, apiKey string, maxResults int, timeout time.Duration) *SearxClient {
	if maxResults <= 0 {
		maxResults = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SearxClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxResults: maxResults,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Search performs one web search for the given query
func (c *SearxClient) Search(ctx context.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"GET",
		fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode()),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, string(body))
	}

	var searxResp searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&searxResp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	limit := c.maxResults
	if opts.MaxResults > 0 && opts.MaxResults < limit {
		limit = opts.MaxResults
	}

	results := make([]domain.SearchResult, 0, limit)
	for _, r := range searxResp.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, domain.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
		if len(results) >= limit {
			break
		}
	}

	return results, nil
}

// cacheKey builds the cache key for a query and option set
func cacheKey(query string, opts domain.SearchOptions) string {
	return query + "|" + opts.Language + "|" + strconv.Itoa(opts.MaxResults)
}
