package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
)

// MockModelClient is a mock implementation of ModelClient for testing.
// Responses are matched by substring of the user prompt, so one mock
// can script a whole multi-stage run.
type MockModelClient struct {
	mu          sync.Mutex
	Rules       []ResponseRule
	CallCount   int
	LastRequest domain.ModelRequest
	Requests    []domain.ModelRequest
	// CompleteFunc allows custom behavior for tests
	CompleteFunc func(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error)
}

// ResponseRule maps a user-prompt substring to a scripted reply. Rules
// are checked in order; Err wins over Content. Times limits how often
// the rule fires (0 means unlimited).
type ResponseRule struct {
	Match   string
	Content string
	Err     error
	Times   int
	used    int
}

// NewMockModelClient creates a new mock model client
func NewMockModelClient() *MockModelClient {
	return &MockModelClient{}
}

// On appends a response rule.
func (m *MockModelClient) On(match, content string) *MockModelClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules = append(m.Rules, ResponseRule{Match: match, Content: content})
	return m
}

// OnOnce appends a response rule that fires a single time.
func (m *MockModelClient) OnOnce(match, content string) *MockModelClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules = append(m.Rules, ResponseRule{Match: match, Content: content, Times: 1})
	return m
}

// OnError appends a rule that fails the call.
func (m *MockModelClient) OnError(match string, err error) *MockModelClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules = append(m.Rules, ResponseRule{Match: match, Err: err})
	return m
}

// OnErrorOnce appends a rule that fails a single call.
func (m *MockModelClient) OnErrorOnce(match string, err error) *MockModelClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rules = append(m.Rules, ResponseRule{Match: match, Err: err, Times: 1})
	return m
}

// Complete implements domain.ModelClient
func (m *MockModelClient) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	if m.CompleteFunc != nil {
		m.mu.Lock()
		m.CallCount++
		m.LastRequest = req
		m.Requests = append(m.Requests, req)
		m.mu.Unlock()
		return m.CompleteFunc(ctx, req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.LastRequest = req
	m.Requests = append(m.Requests, req)

	haystack := req.System + "\n" + req.User
	for i := range m.Rules {
		rule := &m.Rules[i]
		if rule.Times > 0 && rule.used >= rule.Times {
			continue
		}
		if rule.Match != "" && !strings.Contains(haystack, rule.Match) {
			continue
		}
		rule.used++
		if rule.Err != nil {
			return nil, rule.Err
		}
		return &domain.ModelResponse{
			Content:      rule.Content,
			FinishReason: "stop",
			Usage: domain.TokenUsage{
				PromptTokens:     50,
				CompletionTokens: 50,
				TotalTokens:      100,
			},
		}, nil
	}

	return nil, fmt.Errorf("no scripted response for request (model %s)", req.Model)
}

// Calls returns how many completions were requested.
func (m *MockModelClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// MockSearchClient is a mock implementation of SearchClient for testing
type MockSearchClient struct {
	mu        sync.Mutex
	Results   map[string][]domain.SearchResult
	Default   []domain.SearchResult
	Errors    map[string]error
	CallCount int
	Queries   []string
}

// NewMockSearchClient creates a new mock search client
func NewMockSearchClient() *MockSearchClient {
	return &MockSearchClient{
		Results: make(map[string][]domain.SearchResult),
		Errors:  make(map[string]error),
	}
}

// Search implements domain.SearchClient
func (m *MockSearchClient) Search(ctx context.Context, query string, opts domain.SearchOptions) ([]domain.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.Queries = append(m.Queries, query)

	if err, ok := m.Errors[query]; ok {
		return nil, err
	}
	if results, ok := m.Results[query]; ok {
		return results, nil
	}
	return m.Default, nil
}

// MockScraper is a mock implementation of Scraper for testing
type MockScraper struct {
	mu        sync.Mutex
	Pages     map[string]string
	Errors    map[string]error
	CallCount int
	URLs      []string
}

// NewMockScraper creates a new mock scraper
func NewMockScraper() *MockScraper {
	return &MockScraper{
		Pages:  make(map[string]string),
		Errors: make(map[string]error),
	}
}

// Scrape implements domain.Scraper
func (m *MockScraper) Scrape(ctx context.Context, url string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallCount++
	m.URLs = append(m.URLs, url)

	if err, ok := m.Errors[url]; ok {
		return "", err
	}
	return m.Pages[url], nil
}

// FailingStore is a checkpoint store whose writes fail, for testing
// checkpoint error paths.
type FailingStore struct {
	Err error
}

// Save implements domain.CheckpointStore
func (s *FailingStore) Save(ctx context.Context, sessionID string, cp *domain.Checkpoint) error {
	return s.Err
}

// Load implements domain.CheckpointStore
func (s *FailingStore) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	return nil, domain.ErrCheckpointNotFound
}

// List implements domain.CheckpointStore
func (s *FailingStore) List(ctx context.Context) ([]domain.CheckpointSummary, error) {
	return nil, s.Err
}
