// Package topic enforces the allowed conversation domain for a call.
package topic

import (
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	schedulingPattern = regexp.MustCompile(`(?i)\b(when|what time|schedule|book|appointment|available|date)\b`)
	greetingPattern   = regexp.MustCompile(`(?i)\b(hello|hi|hey|good morning|good afternoon|good evening|thanks|thank you)\b`)
)

// Config controls classification and escalation.
type Config struct {
	// Keywords mark an utterance on-topic when any of them appears
	// (case-insensitive substring match).
	Keywords []string
	// MaxOffTopic is the off-topic turn count at which the call is terminated.
	MaxOffTopic int
}

// DefaultConfig returns the moving-domain vocabulary and the standard
// three-strikes escalation limit.
func DefaultConfig() Config {
	return Config{
		Keywords: []string{
			"moving", "move", "relocation", "relocate", "packing", "pack", "boxes",
			"truck", "movers", "furniture", "apartment", "house", "home",
			"schedule", "appointment", "booking", "date", "time", "estimate",
			"quote", "cost", "price", "service", "delivery", "pickup",
			"storage", "warehouse", "transport", "shipping", "loading", "unloading",
		},
		MaxOffTopic: 3,
	}
}

// Turn is a single recorded conversation utterance.
type Turn struct {
	Timestamp time.Time
	Content   string
	OnTopic   bool
}

// Decision is the escalation outcome after recording a turn.
type Decision struct {
	OnTopic         bool
	ShouldWarn      bool
	ShouldTerminate bool
	// Message is the redirect or closing text to speak, set whenever
	// ShouldWarn or ShouldTerminate is true.
	Message string
}

// Stats summarizes the recorded history.
type Stats struct {
	TotalTurns        int     `json:"total_turns"`
	OffTopicCount     int     `json:"off_topic_count"`
	OnTopicPercentage float64 `json:"on_topic_percentage"`
}

// Monitor classifies utterances and escalates repeated off-topic turns.
// Safe for concurrent use.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	history  []Turn
	offTopic int
}

// NewMonitor creates a monitor with the given configuration. A zero
// MaxOffTopic falls back to the default limit.
func NewMonitor(cfg Config) *Monitor {
	if cfg.MaxOffTopic <= 0 {
		cfg.MaxOffTopic = 3
	}
	return &Monitor{cfg: cfg}
}

// ClassifyOnTopic reports whether the utterance belongs to the allowed
// domain. Classification is stateless given the text.
func (m *Monitor) ClassifyOnTopic(content string) bool {
	lower := strings.ToLower(content)
	for _, keyword := range m.cfg.Keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return schedulingPattern.MatchString(content) || greetingPattern.MatchString(content)
}

// RecordTurn appends the utterance to the history and returns the
// escalation decision for it.
func (m *Monitor) RecordTurn(content string) Decision {
	onTopic := m.ClassifyOnTopic(content)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, Turn{
		Timestamp: time.Now(),
		Content:   content,
		OnTopic:   onTopic,
	})

	if !onTopic {
		m.offTopic++
		slog.Warn("Off-topic turn detected", "count", m.offTopic, "limit", m.cfg.MaxOffTopic)
	}

	decision := Decision{OnTopic: onTopic}
	switch {
	case m.offTopic >= m.cfg.MaxOffTopic:
		decision.ShouldTerminate = true
		decision.Message = terminationMessage
	case m.offTopic >= 1:
		decision.ShouldWarn = true
		decision.Message = warningMessage(m.offTopic)
	}
	return decision
}

// Reset clears the history and counter back to the initial state.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = nil
	m.offTopic = 0
	slog.Info("Topic enforcement state reset")
}

// Stats returns the current conversation statistics. An empty history
// counts as fully on-topic by convention.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := len(m.history)
	onTopic := 0
	for _, turn := range m.history {
		if turn.OnTopic {
			onTopic++
		}
	}

	percentage := 100.0
	if total > 0 {
		percentage = float64(onTopic) / float64(total) * 100
	}

	return Stats{
		TotalTurns:        total,
		OffTopicCount:     m.offTopic,
		OnTopicPercentage: math.Round(percentage*100) / 100,
	}
}

const terminationMessage = "I'm sorry, but I can only assist with moving and scheduling services. " +
	"Since we haven't been discussing moving-related topics, I'll need to end our call now. " +
	"Please call back when you need help with moving services. Thank you!"

func warningMessage(offTopic int) string {
	if offTopic == 1 {
		return "I'm here to help you with moving and scheduling services. " +
			"Let's focus on how I can assist you with your move. " +
			"What moving services do you need help with?"
	}
	return "I notice we're getting off track. I'm specifically designed to help with " +
		"moving services and scheduling appointments. If you don't have any moving-related " +
		"questions, I may need to end our call. Is there anything about your move I can help you with?"
}
