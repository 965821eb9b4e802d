// Package ai – http_client.go implements Completer against OpenAI-compatible
// chat completion endpoints (OpenAI, Anthropic proxies, GLM, local servers).
// Non-streaming: the engine only needs the final typed payload.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ClientConfig configures the HTTP completer.
type ClientConfig struct {
	// BaseURL is the provider endpoint, e.g. "https://api.openai.com/v1".
	BaseURL string

	APIKey string
	Model  string

	// Timeout bounds one completion call. Zero means 3 minutes.
	Timeout time.Duration
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an HTTP completer.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		httpClient: &http.Client{
			// Per-call deadlines come from context; the transport only
			// bounds connection setup and header wait.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "ai"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete runs one completion job and interprets the result.
func (c *Client) Complete(ctx context.Context, req *Request) (*Response, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Action)},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, truncate(string(respBody), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	content := parsed.Choices[0].Message.Content
	c.logger.Debug("completion finished",
		"action", req.Action,
		"duration", time.Since(start).Round(time.Millisecond),
		"content_len", len(content),
	)

	resp, err := ParseResponse(req.Action, content)
	if err != nil {
		return nil, err
	}
	resp.RawPrompt = prompt
	return resp, nil
}

// systemPrompt states the expected JSON contract for the action.
func systemPrompt(action string) string {
	switch action {
	case "generate":
		return "You are a Kanban board assistant. Reply with JSON only: " +
			`{"cards": [{"title", "description", "tags", "properties", "tasks"}]}.`
	case "modify":
		return "You are a Kanban board assistant. Reply with JSON only: " +
			`{"cards": [{"card_id", "title", "tags", "properties", "tasks", "message"}]}. ` +
			"Include only cards that should change, and only the fields that change."
	case "move":
		return "You are a Kanban board assistant. Reply with JSON only: " +
			`{"moves": [{"card_id", "destination_column_id"}]}.`
	}
	return "You are a Kanban board assistant. Reply with JSON only."
}

// buildPrompt serializes the job into the user message.
func buildPrompt(req *Request) (string, error) {
	var sb strings.Builder
	sb.WriteString("Instruction:\n")
	sb.WriteString(req.Instructions)
	sb.WriteString("\n")

	if req.CardCount > 0 {
		fmt.Fprintf(&sb, "\nCreate %d cards.\n", req.CardCount)
	}
	if len(req.Columns) > 0 {
		cols, err := json.Marshal(req.Columns)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\nColumns:\n%s\n", cols)
	}
	if len(req.TargetCards) > 0 {
		targets, err := json.Marshal(req.TargetCards)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\nTarget cards:\n%s\n", targets)
	}
	if len(req.ContextCards) > 0 {
		contextCards, err := json.Marshal(req.ContextCards)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\nBoard context:\n%s\n", contextCards)
	}
	return sb.String(), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
