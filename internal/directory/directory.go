// Package directory provides the read-only view over users, tutorials and
// assignments that session admission decisions are checked against. The data
// is owned and mutated by an external system; every adapter here only reads.
package directory

import (
	"context"
	"errors"

	"tutorchat/pkg/types"
)

var (
	ErrUserNotFound = errors.New("user not found in directory")
)

// Directory answers the authorization questions the coordinator asks before
// touching session state. Implementations must be safe for concurrent reads.
type Directory interface {
	// RoleOf returns the role of the given user, or ErrUserNotFound.
	RoleOf(ctx context.Context, userID string) (types.Role, error)

	// IsAssigned reports whether the user is assigned to the tutorial.
	IsAssigned(ctx context.Context, userID, tutorialID string) (bool, error)

	// TutorialExists reports whether the tutorial is known to the directory.
	TutorialExists(ctx context.Context, tutorialID string) (bool, error)

	// Students lists the students assigned to a tutorial. Used to seed
	// attendance records when a session opens.
	Students(ctx context.Context, tutorialID string) ([]types.User, error)
}
