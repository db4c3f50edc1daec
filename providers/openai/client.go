// Package openai implements providers.Client against the OpenAI Chat
// Completions API: a BaseClient for retry/timeout plumbing plus a thin
// request/response mapping layer.
package openai

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

const DefaultBaseURL = "https://api.openai.com/v1"

// Client implements providers.Client for OpenAI-compatible chat APIs.
type Client struct {
	*providers.BaseClient
	baseURL string
}

// NewClient builds an OpenAI client. baseURL defaults to the public
// API so OpenAI-compatible services (DeepSeek, Groq, etc.) can be
// wired in via the same client with a different base URL.
func NewClient(baseURL string, logger core.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseClient: providers.NewBaseClient(30*time.Second, logger),
		baseURL:    baseURL,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func toChatMessages(messages []providers.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// DoChat implements providers.Client.
func (c *Client) DoChat(ctx context.Context, key string, messages []providers.Message, params providers.ChatParams) (string, error) {
	body := chatRequest{
		Model:       params.Model,
		Messages:    toChatMessages(messages),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if parsed.Error != nil {
			return "", fmt.Errorf("openai API error (%d): %s [%s]", resp.StatusCode, parsed.Error.Message, parsed.Error.Code)
		}
		return "", fmt.Errorf("openai API error: status %d", resp.StatusCode)
	}

	if len(parsed.Choices) == 0 {
		return "", core.ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

// DoStream implements providers.Client using OpenAI's SSE streaming
// format ("data: {...}\n\n" frames terminated by "data: [DONE]").
func (c *Client) DoStream(ctx context.Context, key string, messages []providers.Message, params providers.ChatParams) (<-chan providers.StreamChunk, error) {
	body := chatRequest{
		Model:       params.Model,
		Messages:    toChatMessages(messages),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var parsed chatResponse
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		if parsed.Error != nil {
			return nil, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, parsed.Error.Message)
		}
		return nil, fmt.Errorf("openai API error: status %d", resp.StatusCode)
	}

	out := make(chan providers.StreamChunk)
	go streamSSE(resp.Body, out)
	return out, nil
}

type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// streamSSE reads OpenAI's "data: {...}" SSE frames and forwards the
// incremental content deltas until a "data: [DONE]" sentinel or EOF.
func streamSSE(body io.ReadCloser, out chan<- providers.StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			out <- providers.StreamChunk{Err: fmt.Errorf("decode stream frame: %w", err)}
			return
		}
		if len(delta.Choices) == 0 {
			continue
		}
		if text := delta.Choices[0].Delta.Content; text != "" {
			out <- providers.StreamChunk{Text: text}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- providers.StreamChunk{Err: err}
	}
}
