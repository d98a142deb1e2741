package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/subflow/subflow/internal/jobs"
	"golang.org/x/time/rate"
)

// Config holds the connection settings for an OpenAI-compatible chat
// completion endpoint.
type Config struct {
	APIKey      string
	APIURL      string
	Timeout     time.Duration
	MaxTokens   int     // upper bound on the output budget
	Temperature float64 // translation wants this low
	RPS         float64 // requests per second across all workers in the process
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("engine API key is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("engine API URL is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("engine timeout must be greater than 0")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("engine max tokens must be greater than 0")
	}
	return nil
}

// models maps the externally selectable variants to the names the provider
// expects. Unknown choices fall back to the cheapest variant.
var models = map[string]string{
	"gemini-1.5-flash": "google/gemini-flash-1.5",
	"gemini-1.5-pro":   "google/gemini-pro-1.5",
}

const defaultModel = "google/gemini-flash-1.5"

// KnownModel reports whether a variant may be selected at job creation.
func KnownModel(model string) bool {
	_, ok := models[model]
	return ok
}

func resolveModel(model string) string {
	if resolved, ok := models[model]; ok {
		return resolved
	}
	return defaultModel
}

// Client calls a chat-completion API and enforces the subtitle output
// contract on its replies.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	limit := rate.Inf
	if config.RPS > 0 {
		limit = rate.Limit(config.RPS)
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("engine API error: %s (type: %s, code: %s)", e.Message, e.Type, e.Code)
}

func (c *Client) Translate(ctx context.Context, req Request) ([]string, error) {
	if len(req.Texts) == 0 {
		return nil, &jobs.EngineError{Message: "nothing to translate"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := chatRequest{
		Model: resolveModel(req.Model),
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(req.SourceLang, req.TargetLang)},
			{Role: "user", Content: joinCues(req.Texts)},
		},
		MaxTokens:   c.outputBudget(req.Texts),
		Temperature: c.config.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &jobs.EngineError{Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &jobs.EngineError{Message: "read response", Cause: err}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(responseBody, &chatResp); err != nil {
		return nil, &jobs.EngineError{Message: "unparseable response", Cause: err}
	}
	if chatResp.Error != nil && chatResp.Error.Message != "" {
		return nil, &jobs.EngineError{Message: "api error", Cause: chatResp.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &jobs.EngineError{Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &jobs.EngineError{Message: "no choices in response"}
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return nil, &jobs.EngineError{Message: "empty reply"}
	}

	translations, err := splitCues(content, len(req.Texts))
	if err != nil {
		return nil, &jobs.EngineError{Message: "malformed reply", Cause: err}
	}
	return translations, nil
}

// outputBudget sizes max_tokens to fit the whole translated document. A rough
// 1 token ≈ 3 bytes of subtitle text, doubled for expansion across languages.
func (c *Client) outputBudget(texts []string) int {
	total := 0
	for _, t := range texts {
		total += len(t)
	}
	budget := total * 2 / 3
	if budget < 512 {
		budget = 512
	}
	if budget > c.config.MaxTokens {
		budget = c.config.MaxTokens
	}
	return budget
}
