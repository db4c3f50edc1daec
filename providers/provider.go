package providers

import (
	"sort"
	"time"
)

// Provider wraps one back-end language-model service: its key pool,
// defaults, and the concrete Client that knows how to speak its wire
// protocol.
type Provider struct {
	Name string

	Keys *KeyPool

	DefaultModel       string
	DefaultTemperature float32
	DefaultMaxTokens   int

	Client Client

	// QuotaClassifier overrides DefaultQuotaClassifier for providers
	// whose error bodies use quota markers outside the generic keyword
	// list.
	QuotaClassifier QuotaClassifier

	// Priority orders providers when the composition root asks for
	// environment-detected ordering; lower sorts first.
	Priority int
}

// Environment reports whether a provider can serve requests in the
// current deployment and where it sits in the default fallback order.
type Environment struct {
	Available bool
	Priority  int
}

// DetectEnvironment reports the provider's availability: it has at
// least one active key. Used by OrderByEnvironment when no explicit
// fallback order is configured.
func (p *Provider) DetectEnvironment() Environment {
	return Environment{
		Available: !p.Keys.Exhausted(),
		Priority:  p.Priority,
	}
}

// OrderByEnvironment returns the candidates whose environment reports
// available, sorted by ascending priority: the default fallback order
// when the deployment doesn't configure one explicitly.
func OrderByEnvironment(candidates ...*Provider) []*Provider {
	out := make([]*Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.DetectEnvironment().Available {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// NewProvider builds a Provider with the generic quota classifier.
// Use WithQuotaClassifier to override it.
func NewProvider(name string, keys []string, client Client) *Provider {
	return &Provider{
		Name:               name,
		Keys:               NewKeyPool(keys),
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1024,
		Client:             client,
		QuotaClassifier:    DefaultQuotaClassifier,
	}
}

// WithQuotaClassifier sets a provider-specific quota classifier and
// returns the provider for chaining during construction.
func (p *Provider) WithQuotaClassifier(fn QuotaClassifier) *Provider {
	p.QuotaClassifier = fn
	return p
}

func (p *Provider) resolveParams(params ChatParams) ChatParams {
	if params.Model == "" {
		params.Model = p.DefaultModel
	}
	if params.Temperature == 0 {
		params.Temperature = p.DefaultTemperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = p.DefaultMaxTokens
	}
	return params
}

func (p *Provider) isQuotaError(err error) bool {
	if p.QuotaClassifier != nil {
		return p.QuotaClassifier(err)
	}
	return DefaultQuotaClassifier(err)
}

// blackoutState tracks one provider's blackout window, owned by the
// Manager.
type blackoutState struct {
	until time.Time
}

func (b blackoutState) active(now time.Time) bool {
	return now.Before(b.until)
}
