package storage

import (
	"context"
	"errors"
	"time"

	"signupbot/internal/signup"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": dependency-free file backend (jsonl + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the signup engine and the CLI.
type Store interface {
	signup.PatternStore
	signup.LogStore
	Close() error
}

// compile-time checks
var (
	_ Store = (*sqliteStore)(nil)
	_ Store = (*fileStore)(nil)
)

func closedErr(what string) error { return errors.New(what + " closed") }

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
