package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// ModelPrice is the USD price per 1K tokens for one model.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// defaultPrices ships with the engine so cost estimation works offline.
var defaultPrices = map[string]ModelPrice{
	"gpt-4o":                    {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":               {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4-turbo":               {InputPer1K: 0.01, OutputPer1K: 0.03},
	"claude-sonnet-4-20250514":  {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022": {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-opus-4-20250514":    {InputPer1K: 0.015, OutputPer1K: 0.075},
	"gemini-2.0-flash":          {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":            {InputPer1K: 0.00125, OutputPer1K: 0.005},
}

// genericFallbackPer1K is used for models absent from the table.
const genericFallbackPer1K = 0.001

// PriceTable maps model names to per-1K token prices. Safe for concurrent
// use; Refresh replaces entries wholesale from a remote price feed.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
	client *http.Client
}

// NewPriceTable creates a table seeded with the built-in defaults.
func NewPriceTable() *PriceTable {
	prices := make(map[string]ModelPrice, len(defaultPrices))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	return &PriceTable{
		prices: prices,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Lookup returns the price for a model, falling back to the generic rate.
func (pt *PriceTable) Lookup(model string) ModelPrice {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if p, ok := pt.prices[model]; ok {
		return p
	}
	return ModelPrice{InputPer1K: genericFallbackPer1K, OutputPer1K: genericFallbackPer1K}
}

// Cost computes the USD cost of the given usage for a model.
func (pt *PriceTable) Cost(model string, usage models.TokenUsage) float64 {
	p := pt.Lookup(model)
	return float64(usage.PromptTokens)/1000*p.InputPer1K +
		float64(usage.CompletionTokens)/1000*p.OutputPer1K
}

// Refresh fetches an updated price list from the given URL, retrying with
// exponential backoff. Known models are overwritten; unknown entries are
// added; defaults for models missing from the feed are kept.
func (pt *PriceTable) Refresh(ctx context.Context, url string) error {
	var fetched map[string]ModelPrice

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := pt.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("price feed: status %d: %s", resp.StatusCode, truncateBody(body))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return json.NewDecoder(resp.Body).Decode(&fetched)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("refresh price table: %w", err)
	}

	pt.mu.Lock()
	for model, price := range fetched {
		pt.prices[model] = price
	}
	count := len(pt.prices)
	pt.mu.Unlock()

	log.Info().Int("models", count).Int("fetched", len(fetched)).Msg("Model price table refreshed")
	return nil
}
