// Package cache implements the exact-match response cache.
//
// Keys combine the normalized message, the agent id and a coarse privilege
// bucket, so identical questions from callers in different privilege tiers
// never share an entry. Plain TTL expiry; no LRU eviction and no capacity
// bound.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// keyPrefix namespaces response entries in the shared KV cache. ClearAll
// deletes by this prefix, leaving rate-limit counters untouched.
const keyPrefix = "pf:resp:"

// maxTTL bounds the configurable entry lifetime.
const maxTTL = 24 * time.Hour

// contextPhrases mark messages whose answers depend on unstated state and
// are therefore unsafe to memoize.
var contextPhrases = []string{
	"this page",
	"this post",
	"this site",
	"current",
	"latest",
	"right now",
	"today",
	"yesterday",
	"my draft",
}

// ResponseCache stores deterministic chat responses in the KV cache.
type ResponseCache struct {
	cfg config.CacheConfig
	kv  store.KVCache

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	refused atomic.Int64
	cleared atomic.Int64
}

// New creates a response cache. The TTL is clamped to 24h.
func New(cfg config.CacheConfig, kv store.KVCache) *ResponseCache {
	if cfg.TTL <= 0 || cfg.TTL > maxTTL {
		cfg.TTL = maxTTL
	}
	return &ResponseCache{cfg: cfg, kv: kv}
}

// normalize lowercases, trims and collapses internal whitespace so that
// cosmetic differences hit the same entry.
func normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

// Key derives the storage key for a (message, agent, bucket) triple.
func Key(message, agentID string, bucket models.PrivilegeBucket) string {
	sum := sha256.Sum256([]byte(normalize(message) + "|" + agentID + "|" + string(bucket)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// ShouldCache reports whether a completed turn is eligible for storage.
// History-bearing requests are checked by the caller before Set; this
// method covers the response-side exclusions.
func (c *ResponseCache) ShouldCache(message string, result *models.ChatResult) bool {
	if !c.cfg.Enabled {
		return false
	}
	if utf8.RuneCountInString(strings.TrimSpace(message)) < c.cfg.MinMessageLen {
		return false
	}
	lower := strings.ToLower(message)
	for _, phrase := range contextPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	if result == nil || result.Error || result.Response == "" {
		return false
	}
	// Tool-using turns may have side effects or time-sensitive output.
	if len(result.ToolsUsed) > 0 {
		return false
	}
	return true
}

// Get returns the cached response for the triple, if any.
func (c *ResponseCache) Get(ctx context.Context, message, agentID string, bucket models.PrivilegeBucket) (*models.CachedResponse, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	raw, ok, err := c.kv.CacheGet(ctx, Key(message, agentID, bucket))
	if err != nil {
		log.Warn().Err(err).Msg("Response cache read failed")
		c.misses.Add(1)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	var cached models.CachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		log.Warn().Err(err).Msg("Response cache entry corrupt, dropping")
		_ = c.kv.CacheDelete(ctx, Key(message, agentID, bucket))
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &cached, true
}

// Set stores a response if it is eligible. Failures are logged, never
// surfaced: a broken cache must not fail the turn that produced the answer.
func (c *ResponseCache) Set(ctx context.Context, message, agentID string, bucket models.PrivilegeBucket, result *models.ChatResult) {
	if !c.ShouldCache(message, result) {
		c.refused.Add(1)
		return
	}

	raw, err := json.Marshal(models.CachedResponse{Result: *result, CachedAt: time.Now().UTC()})
	if err != nil {
		log.Warn().Err(err).Msg("Response cache encode failed")
		return
	}
	if err := c.kv.CacheSet(ctx, Key(message, agentID, bucket), raw, c.cfg.TTL); err != nil {
		log.Warn().Err(err).Msg("Response cache write failed")
		return
	}
	c.sets.Add(1)
}

// ClearAll removes every response entry and returns the count removed.
func (c *ResponseCache) ClearAll(ctx context.Context) (int, error) {
	count, err := c.kv.CacheDeletePrefix(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	c.cleared.Add(int64(count))
	log.Info().Int("entries", count).Msg("Response cache cleared")
	return count, nil
}

// Stats returns the counter snapshot since startup.
func (c *ResponseCache) Stats() models.CacheStats {
	return models.CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Refused: c.refused.Load(),
		Cleared: c.cleared.Load(),
	}
}
