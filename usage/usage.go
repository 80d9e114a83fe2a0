// Package usage computes context-window occupancy from a conversation
// transcript. Metrics are derived on demand and never persisted.
package usage

import (
	"github.com/chorushq/chorus-core/store"
)

// DefaultContextLimit is the context window assumed when no terminal result
// has reported a model-specific one.
const DefaultContextLimit = 200000

// Occupancy thresholds in percent.
const (
	criticalThreshold = 90
	highThreshold     = 75
	mediumThreshold   = 50
)

// Level buckets context occupancy for display.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Metrics describes the current context-window occupancy of a conversation.
type Metrics struct {
	// ContextUsed is input plus cache-read plus cache-creation tokens from
	// the newest usage-bearing message. Output tokens are excluded; they
	// are the model's response, not context consumed.
	ContextUsed    int     `json:"contextUsed"`
	ContextLimit   int     `json:"contextLimit"`
	ContextPercent float64 `json:"contextPercent"`
	Level          Level   `json:"level"`

	InputTokens              int `json:"inputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`

	// Turn summary taken from the newest terminal system message, because
	// streaming assistant messages can carry partial output counts.
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
	DurationMS   int64   `json:"durationMs"`
	NumTurns     int     `json:"numTurns"`

	Model string `json:"model,omitempty"`
}

// Compute derives Metrics from a transcript. The newest assistant or
// tool_use message with a usage block supplies the occupancy counts; the
// newest terminal system message supplies cost, duration, turn count,
// output tokens, and an optional model-specific context window. When no
// usage-bearing message exists the result is all zeros with level low.
func Compute(messages []store.Message) Metrics {
	var m Metrics
	m.Level = LevelLow

	var occupancy *store.Message
	for i := len(messages) - 1; i >= 0; i-- {
		msg := &messages[i]
		if (msg.Type == store.MessageTypeAssistant || msg.Type == store.MessageTypeToolUse) && msg.Usage != nil {
			occupancy = msg
			break
		}
	}
	if occupancy == nil {
		return m
	}

	m.InputTokens = occupancy.Usage.InputTokens
	m.CacheReadInputTokens = occupancy.Usage.CacheReadInputTokens
	m.CacheCreationInputTokens = occupancy.Usage.CacheCreationInputTokens
	m.ContextUsed = occupancy.Usage.ContextTokens()
	m.Model = occupancy.Model
	m.ContextLimit = DefaultContextLimit

	for i := len(messages) - 1; i >= 0; i-- {
		msg := &messages[i]
		if msg.Type != store.MessageTypeSystem {
			continue
		}
		if msg.NumTurns == 0 && msg.CostUSD == 0 && msg.Usage == nil {
			continue
		}
		if msg.Usage != nil {
			m.OutputTokens = msg.Usage.OutputTokens
		}
		m.CostUSD = msg.CostUSD
		m.DurationMS = msg.DurationMS
		m.NumTurns = msg.NumTurns
		if msg.ContextWindow > 0 {
			m.ContextLimit = msg.ContextWindow
		}
		break
	}

	percent := float64(m.ContextUsed) / float64(m.ContextLimit) * 100
	if percent > 100 {
		percent = 100
	}
	m.ContextPercent = percent
	m.Level = levelFor(percent)

	return m
}

func levelFor(percent float64) Level {
	switch {
	case percent >= criticalThreshold:
		return LevelCritical
	case percent >= highThreshold:
		return LevelHigh
	case percent >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}
