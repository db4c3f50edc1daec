// Package memory implements the two-tier conversation memory: a
// per-session recency list plus a semantic similarity index over the
// same bounded pool of recent messages.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/corelane/taskcore/core"
)

// Message is one turn of conversation, kept in both tiers.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Embedder turns text into a dense vector. Bedrock (bedrock.go, build
// tag "bedrock") and a deterministic mock (mock.go) both implement it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retrieval is the memory layer's answer to a query: the recency tail
// plus, when needed, a semantically ranked supplement.
type Retrieval struct {
	Recent           []Message
	Semantic         []ScoredMessage
	IsSemanticNeeded bool
}

// ScoredMessage pairs a message with its cosine similarity to the query.
type ScoredMessage struct {
	Message    Message
	Similarity float64
}

// Config mirrors core.Config's memory fields so callers can wire either
// directly.
type Config struct {
	RecencyPoolSize        int
	SemanticTopK           int
	SemanticMinSimilarity  float64
	RecentSufficientThresh float64
}

// ConfigFromCore adapts core.Config's memory fields.
func ConfigFromCore(c *core.Config) Config {
	return Config{
		RecencyPoolSize:        c.RecencyPoolSize,
		SemanticTopK:           c.SemanticTopK,
		SemanticMinSimilarity:  c.SemanticMinSimilarity,
		RecentSufficientThresh: c.RecentSufficientThresh,
	}
}

type sessionPool struct {
	mu       sync.RWMutex
	messages []Message // bounded ring, oldest evicted first
}

func (p *sessionPool) append(msg Message, cap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	if cap > 0 && len(p.messages) > cap {
		p.messages = p.messages[len(p.messages)-cap:]
	}
}

func (p *sessionPool) lastN(n int) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n <= 0 || n > len(p.messages) {
		n = len(p.messages)
	}
	out := make([]Message, n)
	copy(out, p.messages[len(p.messages)-n:])
	return out
}

func (p *sessionPool) snapshot() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Store owns every session's recency pool, the embedding cache, and the
// embedder used for the semantic tier.
type Store struct {
	cfg      Config
	embedder Embedder
	logger   core.Logger

	poolsMu sync.Mutex
	pools   map[string]*sessionPool

	cache sync.Map // message id -> []float32, per-key write granularity
}

// New builds a Store. embedder may be nil if the caller only ever uses
// the recency tier (Retrieve then reports IsSemanticNeeded=false with
// an empty Semantic slice, since there is nothing to compare against).
func New(cfg Config, embedder Embedder, logger core.Logger) *Store {
	if cfg.RecencyPoolSize <= 0 {
		cfg.RecencyPoolSize = 500
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = 5
	}
	if cfg.SemanticMinSimilarity == 0 {
		cfg.SemanticMinSimilarity = 0.5
	}
	if cfg.RecentSufficientThresh == 0 {
		cfg.RecentSufficientThresh = 0.35
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Store{cfg: cfg, embedder: embedder, logger: logger, pools: make(map[string]*sessionPool)}
}

func (s *Store) pool(sessionID string) *sessionPool {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	p, ok := s.pools[sessionID]
	if !ok {
		p = &sessionPool{}
		s.pools[sessionID] = p
	}
	return p
}

// Append records msg in the recency tier, trimming to RecencyPoolSize
// (oldest evicted first; messages are returned in append order).
func (s *Store) Append(sessionID string, msg Message) {
	s.pool(sessionID).append(msg, s.cfg.RecencyPoolSize)
}

// LastN returns the n most recent messages for sessionID, fewer if the
// pool is smaller.
func (s *Store) LastN(sessionID string, n int) []Message {
	return s.pool(sessionID).lastN(n)
}

// embed returns the cached embedding for msg, computing and caching it
// on first use.
func (s *Store) embed(ctx context.Context, msg Message) ([]float32, error) {
	if v, ok := s.cache.Load(msg.ID); ok {
		return v.([]float32), nil
	}
	vec, err := s.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return nil, err
	}
	s.cache.Store(msg.ID, vec)
	return vec, nil
}

// Retrieve answers a query for sessionID: always the recency tail, plus
// a semantic supplement when the recent pool's best match doesn't
// already clear RecentSufficientThresh.
func (s *Store) Retrieve(ctx context.Context, sessionID, query string, recentN int) (Retrieval, error) {
	recent := s.LastN(sessionID, recentN)
	result := Retrieval{Recent: recent}

	if s.embedder == nil {
		result.IsSemanticNeeded = false
		return result, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Retrieval{}, err
	}

	pool := s.pool(sessionID).snapshot()
	scored := make([]ScoredMessage, 0, len(pool))
	bestRecent := 0.0
	for _, msg := range pool {
		vec, err := s.embed(ctx, msg)
		if err != nil {
			s.logger.Warn("memory: embedding failed, skipping message", map[string]interface{}{"message_id": msg.ID, "error": err.Error()})
			continue
		}
		sim := cosineSimilarity(queryVec, vec)
		scored = append(scored, ScoredMessage{Message: msg, Similarity: sim})
		if sim > bestRecent {
			bestRecent = sim
		}
	}

	if bestRecent > s.cfg.RecentSufficientThresh {
		result.IsSemanticNeeded = false
		return result, nil
	}

	result.IsSemanticNeeded = true
	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })

	top := make([]ScoredMessage, 0, s.cfg.SemanticTopK)
	for _, sm := range scored {
		if sm.Similarity < s.cfg.SemanticMinSimilarity {
			continue
		}
		top = append(top, sm)
		if len(top) == s.cfg.SemanticTopK {
			break
		}
	}
	result.Semantic = top
	return result, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
