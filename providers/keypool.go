package providers

import (
	"strings"
	"sync"
)

// KeyPool implements key rotation within a provider: keys are
// either active or failed, selected round-robin, and marked failed only
// on a quota-class error.
type KeyPool struct {
	mu     sync.Mutex
	keys   []string
	failed map[string]bool
	next   int
}

// NewKeyPool builds a pool over the given keys. All keys start active.
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{
		keys:   append([]string(nil), keys...),
		failed: make(map[string]bool, len(keys)),
	}
}

// GetActiveKey returns the next active key in round-robin order, or
// ("", false) if every key is currently marked failed.
func (p *KeyPool) GetActiveKey() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", false
	}
	for i := 0; i < len(p.keys); i++ {
		idx := (p.next + i) % len(p.keys)
		key := p.keys[idx]
		if !p.failed[key] {
			p.next = (idx + 1) % len(p.keys)
			return key, true
		}
	}
	return "", false
}

// MarkFailed flags key as failed. Only call this for quota-class
// errors: timeouts, 5xx, and malformed responses must not mark
// a key failed.
func (p *KeyPool) MarkFailed(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[key] = true
}

// ResetAll clears the failed set, returning every key to active. Used
// when a provider's blackout TTL elapses.
func (p *KeyPool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = make(map[string]bool, len(p.keys))
	p.next = 0
}

// Exhausted reports whether every key in the pool is currently failed.
func (p *KeyPool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return true
	}
	for _, k := range p.keys {
		if !p.failed[k] {
			return false
		}
	}
	return true
}

// QuotaClassifier reports whether err is a quota/rate-limit class
// error for the purposes of key rotation. Providers may override the
// generic keyword matcher with provider-specific extras.
type QuotaClassifier func(err error) bool

var quotaKeywords = []string{
	"rate_limit",
	"rate limit",
	"quota",
	"429",
	"resource_exhausted",
	"insufficient_quota",
	"billing",
}

// DefaultQuotaClassifier matches the generic quota keyword list.
func DefaultQuotaClassifier(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range quotaKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
