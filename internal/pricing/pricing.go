package pricing

import (
	"sort"
	"strings"

	"github.com/zhaobenny/tokentracker/internal/model"
)

// Table maps model-name prefixes to per-million-token rates.
// A Table is never mutated after construction and is safe for concurrent use.
type Table struct {
	prefixes []string
	rates    map[string]model.ModelPricing
}

// NewTable builds a Table from prefix → rates. Prefixes are matched case-insensitively.
func NewTable(rates map[string]model.ModelPricing) *Table {
	t := &Table{rates: make(map[string]model.ModelPricing, len(rates))}
	for prefix, p := range rates {
		key := normalizeModelName(prefix)
		if key == "" {
			continue
		}
		if _, dup := t.rates[key]; !dup {
			t.prefixes = append(t.prefixes, key)
		}
		t.rates[key] = p
	}

	// Longest prefix first; ties broken alphabetically so iteration is stable.
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	return t
}

// WithOverrides returns a new Table with the given entries added or replaced.
func (t *Table) WithOverrides(overrides map[string]model.ModelPricing) *Table {
	merged := make(map[string]model.ModelPricing, len(t.rates)+len(overrides))
	for k, v := range t.rates {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[normalizeModelName(k)] = v
	}
	return NewTable(merged)
}

// Lookup returns the rates of the longest prefix matching modelName.
func (t *Table) Lookup(modelName string) (model.ModelPricing, bool) {
	if t == nil {
		return model.ModelPricing{}, false
	}
	name := normalizeModelName(modelName)
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(name, prefix) {
			return t.rates[prefix], true
		}
	}
	return model.ModelPricing{}, false
}

// Len returns the number of prefixes in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prefixes)
}

// Cost estimates the USD cost of usage for modelName. Unknown models cost 0.
func (t *Table) Cost(modelName string, usage model.TokenUsage) float64 {
	p, ok := t.Lookup(modelName)
	if !ok {
		return 0
	}
	return CalculateCost(usage, p)
}

// CalculateCost calculates the cost for a usage record
func CalculateCost(usage model.TokenUsage, pricing model.ModelPricing) float64 {
	cost := float64(usage.InputTokens) * pricing.InputPerMillion
	cost += float64(usage.OutputTokens) * pricing.OutputPerMillion
	cost += float64(usage.CacheCreationInputTokens) * pricing.CacheCreationPerMillion
	cost += float64(usage.CacheReadInputTokens) * pricing.CacheReadPerMillion
	return cost / 1_000_000
}

// normalizeModelName normalizes model names for matching
func normalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Default returns the embedded Anthropic pricing table.
func Default() *Table {
	return NewTable(embeddedRates())
}

func embeddedRates() map[string]model.ModelPricing {
	opus := model.ModelPricing{InputPerMillion: 15, OutputPerMillion: 75, CacheCreationPerMillion: 18.75, CacheReadPerMillion: 1.5}
	sonnet := model.ModelPricing{InputPerMillion: 3, OutputPerMillion: 15, CacheCreationPerMillion: 3.75, CacheReadPerMillion: 0.3}

	return map[string]model.ModelPricing{
		// Opus 4.5
		"claude-opus-4-5": {InputPerMillion: 5, OutputPerMillion: 25, CacheCreationPerMillion: 6.25, CacheReadPerMillion: 0.5},
		// Opus 4, 4.1
		"claude-opus-4":   opus,
		"claude-4-opus":   opus,
		"claude-opus-4-1": opus,
		// Sonnet 4, 4.5
		"claude-sonnet-4":   sonnet,
		"claude-4-sonnet":   sonnet,
		"claude-sonnet-4-5": sonnet,
		// Sonnet 3.x
		"claude-3-7-sonnet": sonnet,
		"claude-3-5-sonnet": sonnet,
		// Haiku
		"claude-haiku-4-5": {InputPerMillion: 1, OutputPerMillion: 5, CacheCreationPerMillion: 1.25, CacheReadPerMillion: 0.1},
		"claude-3-5-haiku": {InputPerMillion: 0.8, OutputPerMillion: 4, CacheCreationPerMillion: 1, CacheReadPerMillion: 0.08},
		"claude-3-haiku":   {InputPerMillion: 0.25, OutputPerMillion: 1.25, CacheCreationPerMillion: 0.3, CacheReadPerMillion: 0.03},
		// Opus 3
		"claude-3-opus": opus,
	}
}
