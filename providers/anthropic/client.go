// Package anthropic implements providers.Client against Anthropic's
// native Messages API (system prompt carried as a top-level request
// field, not a message).
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/corelane/taskcore/core"
	"github.com/corelane/taskcore/providers"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

// Client implements providers.Client for Anthropic.
type Client struct {
	*providers.BaseClient
	baseURL string
}

func NewClient(baseURL string, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseClient: providers.NewBaseClient(30*time.Second, logger),
		baseURL:    baseURL,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type response struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// split pulls the system prompt out of the message list: Anthropic
// carries it as a top-level request field, not a "system" message.
func split(messages []providers.Message) (string, []message) {
	var system string
	out := make([]message, 0, len(messages))
	for _, m := range messages {
		if m.Role == providers.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		role := string(m.Role)
		if role != "user" && role != "assistant" {
			role = "user"
		}
		out = append(out, message{Role: role, Content: m.Content})
	}
	return system, out
}

func (c *Client) DoChat(ctx context.Context, key string, messages []providers.Message, params providers.ChatParams) (string, error) {
	system, msgs := split(messages)
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := request{
		Model:       params.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("anthropic API error (%d): %s [%s]", resp.StatusCode, parsed.Error.Message, parsed.Error.Type)
		}
		return "", fmt.Errorf("anthropic API error: status %d", resp.StatusCode)
	}

	if len(parsed.Content) == 0 {
		return "", core.ErrEmptyResponse
	}
	return parsed.Content[0].Text, nil
}

// DoStream implements providers.Client using Anthropic's SSE event
// stream: "data: {...}" frames whose content_block_delta events carry
// incremental text, terminated by a message_stop event.
func (c *Client) DoStream(ctx context.Context, key string, messages []providers.Message, params providers.ChatParams) (<-chan providers.StreamChunk, error) {
	system, msgs := split(messages)
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	body := request{
		Model:       params.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var parsed response
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		if parsed.Error != nil {
			return nil, fmt.Errorf("anthropic API error (%d): %s [%s]", resp.StatusCode, parsed.Error.Message, parsed.Error.Type)
		}
		return nil, fmt.Errorf("anthropic API error: status %d", resp.StatusCode)
	}

	out := make(chan providers.StreamChunk)
	go streamSSE(resp.Body, out)
	return out, nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *apiError `json:"error,omitempty"`
}

// streamSSE reads "data: {...}" frames and forwards text deltas until
// a message_stop event or EOF.
func streamSSE(body io.ReadCloser, out chan<- providers.StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			out <- providers.StreamChunk{Err: fmt.Errorf("decode stream frame: %w", err)}
			return
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				out <- providers.StreamChunk{Text: event.Delta.Text}
			}
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			out <- providers.StreamChunk{Err: fmt.Errorf("anthropic stream: %s", msg)}
			return
		case "message_stop":
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- providers.StreamChunk{Err: err}
	}
}
