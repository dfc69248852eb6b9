// Package registry is the durable record of live sessions, keyed by tutorial.
// It enforces the one-session-per-tutorial invariant as an explicit atomic
// check-and-insert rather than leaning on a storage engine side effect: under
// concurrent TryOpen calls for the same tutorial exactly one caller wins and
// the rest receive ErrAlreadyActive.
package registry

import (
	"context"
	"errors"

	"tutorchat/pkg/types"
)

var (
	// ErrAlreadyActive signals a TryOpen against a tutorial that already has
	// a session row. The coordinator wraps it as a session conflict.
	ErrAlreadyActive = errors.New("session already active for tutorial")

	// ErrNotActive signals a Close or Get against a tutorial with no session
	// row, so callers can tell "already closed" races from success.
	ErrNotActive = errors.New("no active session for tutorial")
)

// Registry owns creation and deletion of session rows. The coordinator owns
// the decision of when those operations happen.
type Registry interface {
	// TryOpen atomically inserts the session keyed by its TutorialID and
	// returns ErrAlreadyActive when a row for that tutorial already exists.
	TryOpen(ctx context.Context, session types.Session) error

	// Close removes the session row, or returns ErrNotActive.
	Close(ctx context.Context, tutorialID string) error

	// Get returns the current session row, or ErrNotActive.
	Get(ctx context.Context, tutorialID string) (types.Session, error)

	// List returns all session rows. Used at startup to adopt sessions that
	// survived a restart and to reap the ones already past expiry.
	List(ctx context.Context) ([]types.Session, error)
}
