package signup

import (
	"context"
	"time"
)

// PatternStore persists tracked patterns. ListPatterns returns every pattern;
// the engine filters the auto-signup subset itself.
type PatternStore interface {
	ListPatterns(ctx context.Context) ([]TrackedPattern, error)
	GetPattern(ctx context.Context, id string) (TrackedPattern, error)
	SavePattern(ctx context.Context, p TrackedPattern) error
	DeletePattern(ctx context.Context, id string) error
}

// LogStore persists attempt records. Records are append-only; PruneAttempts is
// a maintenance operation that only ever removes the given result.
type LogStore interface {
	AppendAttempt(ctx context.Context, r AttemptRecord) error
	// ListAttempts returns records for one occurrence, oldest first.
	ListAttempts(ctx context.Context, occurrenceID string) ([]AttemptRecord, error)
	// ListAttemptsByPattern returns the newest records first, at most limit (<=0: all).
	ListAttemptsByPattern(ctx context.Context, patternID string, limit int) ([]AttemptRecord, error)
	PruneAttempts(ctx context.Context, result AttemptResult, before time.Time) (int64, error)
}
