package providers

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a scripted Client for tests: a queue of canned
// responses/errors plus call tracking so tests can assert on what the
// Manager actually sent.
type MockClient struct {
	mu sync.Mutex

	Responses []string
	Errors    []error

	CallCount  int
	LastKey    string
	LastParams ChatParams
}

// DoChat returns the next scripted response or error in order. A call
// past the end of both queues is an error, so tests notice over-calls.
func (m *MockClient) DoChat(ctx context.Context, key string, messages []Message, params ChatParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.CallCount
	m.CallCount++
	m.LastKey = key
	m.LastParams = params

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return "", m.Errors[idx]
	}
	if idx < len(m.Responses) {
		return m.Responses[idx], nil
	}
	return "", fmt.Errorf("mock provider: no scripted response for call %d", idx)
}

// DoStream sends the next scripted response as a single chunk.
func (m *MockClient) DoStream(ctx context.Context, key string, messages []Message, params ChatParams) (<-chan StreamChunk, error) {
	text, err := m.DoChat(ctx, key, messages, params)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamChunk, 1)
	go func() {
		defer close(out)
		out <- StreamChunk{Text: text}
	}()
	return out, nil
}
