package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/probelab/deepresearch/pkg/domain"
)

// ErrEmptyContent is returned when the model answers with no usable text.
var ErrEmptyContent = errors.New("model returned empty content")

// OpenAIClient implements the ModelClient interface against any
// OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	options    OpenAIOptions
}

// OpenAIOptions configures the OpenAI-compatible client
type OpenAIOptions struct {
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
}

// chatRequest represents a request to the chat completions API
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatMessage represents a message in the chat completions format
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

// chatResponse represents a response from the chat completions API
type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates a new client for an OpenAI-compatible endpoint
func NewOpenAIClient(baseURL, apiKey string, options *OpenAIOptions) *OpenAIClient {
	if options == nil {
		options = &OpenAIOptions{
			Temperature: 0.7,
			MaxTokens:   8192,
			Timeout:     5 * time.Minute,
		}
	}

	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Per-request deadlines come from the context; this is
			// the hard ceiling for any single round trip.
			Timeout: options.Timeout,
		},
		options: *options,
	}
}

// Complete performs a single chat completion round
func (c *OpenAIClient) Complete(ctx context.Context, req domain.ModelRequest) (*domain.ModelResponse, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.options.MaxTokens
	}

	apiReq := chatRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: c.options.Temperature,
		Stream:      false,
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		"POST",
		fmt.Sprintf("%s/chat/completions", c.baseURL),
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("model endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("model endpoint error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyContent
	}

	msg := apiResp.Choices[0].Message
	if refusal := strings.TrimSpace(msg.Refusal); refusal != "" {
		return nil, &domain.ModelRefusal{Message: refusal}
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	return &domain.ModelResponse{
		Content:      content,
		FinishReason: apiResp.Choices[0].FinishReason,
		Usage: domain.TokenUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}, nil
}
