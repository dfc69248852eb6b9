package coordinator

import "errors"

var (
	// ErrUnauthorized means the requestor failed the role or assignment check.
	ErrUnauthorized = errors.New("user not authorized for this tutorial")

	// ErrUnknownTutorial means the tutorial does not exist in the directory.
	ErrUnknownTutorial = errors.New("tutorial does not exist")

	// ErrSessionConflict means another session already holds the tutorial.
	// Callers wanting the existing room should Join instead of Open.
	ErrSessionConflict = errors.New("a session is already active for this tutorial")

	// ErrNoActiveSession means a Join or Get found no live, unexpired session.
	ErrNoActiveSession = errors.New("no active session for this tutorial")

	// ErrNotActive means a Send or Close raced with expiry or an earlier close.
	ErrNotActive = errors.New("session is no longer active")

	// ErrInvalidDuration means the requested duration is zero, negative or
	// above the configured maximum.
	ErrInvalidDuration = errors.New("session duration out of range")
)
