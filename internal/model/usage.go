package model

import "time"

// UsageRecord is one accounting row: a single request that passed through the proxy.
type UsageRecord struct {
	ID         int64
	Timestamp  time.Time
	Provider   string
	Model      string
	Endpoint   string
	Usage      TokenUsage
	StatusCode int
	RequestID  string
	StopReason string
	Caller     string
	APIKeyHint string
	Error      string
	CostUSD    float64
}

// TokenUsage contains token counts from a Claude API response
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// Total returns the sum of all four counters.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// AggregatedUsage represents usage aggregated by day, model and api-key hint
type AggregatedUsage struct {
	Day        string     `json:"day"`
	Model      string     `json:"model"`
	APIKeyHint string     `json:"api_key_hint"`
	Usage      TokenUsage `json:"usage"`
	CostUSD    float64    `json:"cost_usd"`
	Requests   int64      `json:"requests"`
	Errors     int64      `json:"errors"`
}

// ModelPricing contains pricing info for a model, in USD per million tokens
type ModelPricing struct {
	InputPerMillion         float64 `yaml:"input" validate:"gte=0"`
	OutputPerMillion        float64 `yaml:"output" validate:"gte=0"`
	CacheCreationPerMillion float64 `yaml:"cache_creation" validate:"gte=0"`
	CacheReadPerMillion     float64 `yaml:"cache_read" validate:"gte=0"`
}
