// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/baoagent/voicebridge/internal/domain"
)

// Repository persists operational call records.
type Repository interface {
	// StartCall inserts a record for a call that just began. A missing ID
	// is assigned.
	StartCall(ctx context.Context, record *domain.CallRecord) error

	// FinishCall stamps the end time, outcome, and topic statistics on the
	// record for the stream identifier. Unknown identifiers are a no-op.
	FinishCall(ctx context.Context, streamSid, outcome string, totalTurns, offTopicTurns int, onTopicPct float64) error

	// ListCalls returns the most recent call records, newest first.
	ListCalls(ctx context.Context, limit int) ([]*domain.CallRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
