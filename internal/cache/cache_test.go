package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/pageforge/pageforge/agent-engine/internal/cache"
	"github.com/pageforge/pageforge/agent-engine/internal/config"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

func newTestCache(t *testing.T) *cache.ResponseCache {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return cache.New(config.CacheConfig{
		Enabled:       true,
		TTL:           time.Hour,
		MinMessageLen: 3,
	}, s)
}

func okResult(response string) *models.ChatResult {
	return &models.ChatResult{Response: response, AgentID: "demo", Iterations: 1}
}

func TestSetThenGet_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "What is the site tagline?", "demo", models.BucketUser, okResult("Just another site"))

	got, ok := c.Get(ctx, "What is the site tagline?", "demo", models.BucketUser)
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	if got.Result.Response != "Just another site" {
		t.Errorf("Response = %q", got.Result.Response)
	}
	if got.CachedAt.IsZero() {
		t.Error("CachedAt not set")
	}
}

func TestGet_NormalizedKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "what is   the Site Tagline?  ", "demo", models.BucketUser, okResult("Just another site"))

	// Case and whitespace differences hit the same entry.
	if _, ok := c.Get(ctx, "What is the site TAGLINE?", "demo", models.BucketUser); !ok {
		t.Error("normalized variants should share an entry")
	}
}

func TestGet_PartitionedByAgentAndBucket(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "describe the homepage", "demo", models.BucketUser, okResult("a homepage"))

	if _, ok := c.Get(ctx, "describe the homepage", "other-agent", models.BucketUser); ok {
		t.Error("different agent id should miss")
	}
	if _, ok := c.Get(ctx, "describe the homepage", "demo", models.BucketAdmin); ok {
		t.Error("different privilege bucket should miss")
	}
}

func TestShouldCache_Exclusions(t *testing.T) {
	c := newTestCache(t)

	tests := []struct {
		name    string
		message string
		result  *models.ChatResult
		want    bool
	}{
		{"eligible", "explain taxonomies", okResult("answer"), true},
		{"too short", "hi", okResult("answer"), false},
		{"context phrase", "summarize this page for me", okResult("answer"), false},
		{"latest phrase", "what is the latest post", okResult("answer"), false},
		{"error result", "explain taxonomies", &models.ChatResult{Error: true}, false},
		{"empty response", "explain taxonomies", okResult(""), false},
		{"tool-using turn", "explain taxonomies", &models.ChatResult{
			Response: "done", ToolsUsed: []string{"read_file"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ShouldCache(tt.message, tt.result); got != tt.want {
				t.Errorf("ShouldCache() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSet_RefusesToolResponses(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	result := &models.ChatResult{Response: "done", ToolsUsed: []string{"get_time"}}
	c.Set(ctx, "what time is it anyway", "demo", models.BucketUser, result)

	if _, ok := c.Get(ctx, "what time is it anyway", "demo", models.BucketUser); ok {
		t.Error("tool-using response was cached")
	}
	if stats := c.Stats(); stats.Refused == 0 {
		t.Error("Refused counter not incremented")
	}
}

func TestClearAll_ReportsCount(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "first question here", "demo", models.BucketUser, okResult("one"))
	c.Set(ctx, "second question here", "demo", models.BucketUser, okResult("two"))

	count, err := c.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	if count != 2 {
		t.Errorf("ClearAll() = %d, want 2", count)
	}
	if _, ok := c.Get(ctx, "first question here", "demo", models.BucketUser); ok {
		t.Error("entry survived ClearAll")
	}
}

func TestStats_Counters(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Get(ctx, "never stored anywhere", "demo", models.BucketUser)
	c.Set(ctx, "a proper question here", "demo", models.BucketUser, okResult("answer"))
	c.Get(ctx, "a proper question here", "demo", models.BucketUser)

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 {
		t.Errorf("Stats() = %+v, want hits=1 misses=1 sets=1", stats)
	}
}

func TestDisabledCache(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	c := cache.New(config.CacheConfig{Enabled: false, TTL: time.Hour, MinMessageLen: 3}, s)
	ctx := context.Background()

	c.Set(ctx, "a proper question here", "demo", models.BucketUser, okResult("answer"))
	if _, ok := c.Get(ctx, "a proper question here", "demo", models.BucketUser); ok {
		t.Error("disabled cache returned a hit")
	}
}
