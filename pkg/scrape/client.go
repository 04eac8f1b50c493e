package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/probelab/deepresearch/pkg/observability"
)

// minUsableContent is the floor below which extracted text is treated
// as boilerplate (cookie walls, paywall stubs) and discarded.
const minUsableContent = 100

// ExtractorClient implements the Scraper interface against a
// readability extraction service.
type ExtractorClient struct {
	baseURL       string
	httpClient    *http.Client
	maxContentLen int
	metrics       *observability.Metrics
}

// extractRequest is the payload sent to the extraction service
type extractRequest struct {
	URL string `json:"url"`
}

// extractResponse mirrors the fields we need from the extraction service
type extractResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// NewExtractorClient creates a new extraction service client. A nil
// metrics disables per-page instrumentation.
func NewExtractorClient(baseURL string, maxContentLen int, metrics *observability.Metrics) *ExtractorClient {
	if maxContentLen <= 0 {
		maxContentLen = 10000
	}

	return &ExtractorClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		maxContentLen: maxContentLen,
		httpClient:    &http.Client{},
		metrics:       metrics,
	}
}

// Scrape fetches the readable text of one URL. An empty string with a
// nil error means the page yielded no usable content.
func (c *ExtractorClient) Scrape(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	start := time.Now()
	content, err := c.scrape(ctx, pageURL, timeout)
	if c.metrics != nil {
		c.metrics.RecordScrape(ctx, time.Since(start), err == nil && content != "")
	}
	return content, err
}

func (c *ExtractorClient) scrape(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(extractRequest{URL: pageURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		c.baseURL+"/extract",
		bytes.NewReader(body),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("extractor returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var extractResp extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&extractResp); err != nil {
		return "", fmt.Errorf("failed to decode extraction response: %w", err)
	}
	if extractResp.Error != "" {
		return "", fmt.Errorf("extraction failed: %s", extractResp.Error)
	}

	content := strings.TrimSpace(extractResp.Content)
	if len(content) < minUsableContent {
		return "", nil
	}
	if len(content) > c.maxContentLen {
		content = content[:c.maxContentLen]
	}

	return content, nil
}
