package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corelane/taskcore/core"
)

// Manager is the fallback chain over multiple providers: it walks an
// ordered provider list, rotating keys within each
// provider and blacking providers out once every key is exhausted.
//
// Key selection and failed-set updates are serialized per provider
// (KeyPool owns its own mutex); blackout state is serialized by the
// Manager's own mutex. Both are O(1) critical sections, so Manager is
// safe to call from many concurrent goroutines.
type Manager struct {
	mu          sync.Mutex
	providers   []*Provider
	blackout    map[string]blackoutState
	blackoutTTL time.Duration
	maxKeys     int
	logger      core.Logger
	telemetry   core.Telemetry
}

// NewManager builds a Manager over providers in fallback order.
func NewManager(cfg *core.Config, logger core.Logger, telemetry core.Telemetry, ordered ...*Provider) *Manager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = core.NoOpTelemetry{}
	}
	ttl := time.Hour
	maxKeys := 3
	if cfg != nil {
		if cfg.BlackoutTTL > 0 {
			ttl = cfg.BlackoutTTL
		}
		if cfg.MaxKeysPerCall > 0 {
			maxKeys = cfg.MaxKeysPerCall
		}
	}
	return &Manager{
		providers:   ordered,
		blackout:    make(map[string]blackoutState),
		blackoutTTL: ttl,
		maxKeys:     maxKeys,
		logger:      logger,
		telemetry:   telemetry,
	}
}

// Providers returns the fallback chain in order, a read-only view for
// callers that only need to report on wiring (e.g. startup logging).
func (m *Manager) Providers() []*Provider {
	return append([]*Provider(nil), m.providers...)
}

// Chat performs chat(messages, model?, temperature?, max_tokens?) →
// (text, provider_name). It moves on to the next provider when one is
// exhausted by quota errors; a non-quota error from a provider is
// returned at once, without trying the providers after it.
func (m *Manager) Chat(ctx context.Context, messages []Message, params ChatParams) (ChatResult, error) {
	ctx, span := m.telemetry.StartSpan(ctx, "providers.chat")
	defer span.End()

	start := time.Now()
	for _, p := range m.providers {
		if m.isBlocked(p.Name) {
			continue
		}
		if p.Keys.Exhausted() {
			continue
		}

		text, err := m.chatViaProvider(ctx, p, messages, params)
		if err == nil {
			span.SetAttribute("providers.selected", p.Name)
			m.telemetry.RecordMetric("providers_chat_total", 1, map[string]string{"provider": p.Name, "outcome": "success"})
			m.telemetry.RecordMetric("providers_chat_duration_ms", float64(time.Since(start).Milliseconds()), map[string]string{"provider": p.Name})
			return ChatResult{Text: text, ProviderName: p.Name, Duration: time.Since(start)}, nil
		}

		if errors.Is(err, core.ErrAllKeysExhausted) {
			m.telemetry.RecordMetric("providers_blackout_total", 1, map[string]string{"provider": p.Name})
			m.blackoutProvider(p.Name)
			continue
		}

		// Non-quota failures propagate immediately: they are not
		// grounds to try the next provider.
		span.RecordError(err)
		return ChatResult{}, err
	}

	span.RecordError(core.ErrAllProvidersExhausted)
	m.telemetry.RecordMetric("providers_chat_total", 1, map[string]string{"provider": "none", "outcome": "all_exhausted"})
	return ChatResult{}, core.ErrAllProvidersExhausted
}

// Stream performs stream(messages, …) → lazy sequence of text chunks.
// Each available provider is tried once with its current key: if opening
// the stream fails with a quota-class error, that key is marked failed
// and the Manager moves on to the next provider; any other error opening
// the stream is returned. Once a stream is open, a failure is surfaced
// with whatever partial output was already sent, and no other provider
// is tried, even when the failure arrives before any text.
func (m *Manager) Stream(ctx context.Context, messages []Message, params ChatParams) (<-chan StreamChunk, error) {
	for _, p := range m.providers {
		if m.isBlocked(p.Name) || p.Keys.Exhausted() {
			continue
		}

		key, ok := p.Keys.GetActiveKey()
		if !ok {
			continue
		}

		upstream, err := p.Client.DoStream(ctx, key, messages, p.resolveParams(params))
		if err != nil {
			if p.isQuotaError(err) {
				p.Keys.MarkFailed(key)
				continue
			}
			return nil, err
		}

		out := make(chan StreamChunk)
		go m.relayStream(p, upstream, out)
		return out, nil
	}

	return nil, core.ErrAllProvidersExhausted
}

// relayStream forwards chunks from the chosen provider and stops after
// the first failure chunk, which is reported as-is whether or not any
// text came before it: no resume-from-another-provider attempt.
func (m *Manager) relayStream(p *Provider, upstream <-chan StreamChunk, out chan<- StreamChunk) {
	defer close(out)
	for chunk := range upstream {
		out <- chunk
		if chunk.Err != nil {
			return
		}
	}
}

// chatViaProvider attempts up to maxKeys keys for one provider call,
// implementing "per provider and per call the manager attempts at most
// M keys before declaring the provider exhausted for this call."
func (m *Manager) chatViaProvider(ctx context.Context, p *Provider, messages []Message, params ChatParams) (string, error) {
	params = p.resolveParams(params)

	attempts := 0
	var lastErr error
	for attempts < m.maxKeys {
		key, ok := p.Keys.GetActiveKey()
		if !ok {
			return "", core.ErrAllKeysExhausted
		}
		attempts++

		text, err := p.Client.DoChat(ctx, key, messages, params)
		if err == nil {
			return text, nil
		}

		lastErr = err
		if p.isQuotaError(err) {
			p.Keys.MarkFailed(key)
			m.logger.Warn("provider key exhausted", map[string]interface{}{
				"provider": p.Name,
				"attempt":  attempts,
			})
			continue
		}

		// Non-quota error: surfaced to the caller, no further key
		// rotation for this call.
		return "", err
	}

	// Reaching the attempt cap means every attempt hit a quota error:
	// the provider is exhausted for this call even if the pool still
	// holds untried keys.
	return "", fmt.Errorf("%w: %d quota-failed key attempts for %s: %v", core.ErrAllKeysExhausted, attempts, p.Name, lastErr)
}

func (m *Manager) isBlocked(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.blackout[name]
	if !ok {
		return false
	}
	if state.active(time.Now()) {
		return true
	}
	// TTL elapsed: probe again by resetting the provider's keys.
	delete(m.blackout, name)
	for _, p := range m.providers {
		if p.Name == name {
			p.Keys.ResetAll()
			break
		}
	}
	return false
}

func (m *Manager) blackoutProvider(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blackout[name] = blackoutState{until: time.Now().Add(m.blackoutTTL)}
	m.logger.Warn("provider blacked out", map[string]interface{}{
		"provider": name,
		"ttl":      m.blackoutTTL.String(),
	})
}
