// Package domain contains core domain types for the voice bridge.
package domain

import "time"

// Call outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeTerminated = "terminated"
	OutcomeError      = "error"
)

// CallRecord is the operational record of one telephony call.
type CallRecord struct {
	ID                string     `json:"id"`
	StreamSid         string     `json:"stream_sid"`
	CallSid           string     `json:"call_sid,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Outcome           string     `json:"outcome,omitempty"`
	TotalTurns        int        `json:"total_turns"`
	OffTopicTurns     int        `json:"off_topic_turns"`
	OnTopicPercentage float64    `json:"on_topic_percentage"`
}

// Duration returns the call length, or zero while the call is live.
func (c *CallRecord) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}
