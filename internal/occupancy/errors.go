package occupancy

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

var (
	// ErrAlreadyInside is matched by conflicts of an entry for a user with an open session.
	ErrAlreadyInside = errors.New("already inside")
	// ErrNotInside is matched by conflicts of an exit for a user without an open session.
	ErrNotInside = errors.New("not inside")
)

// ConflictError rejects an occupancy change that would break the one open
// session per user rule. Its message is shown to people at the gate.
type ConflictError struct {
	UserID int64
	Kind   database.EventKind
}

func (e *ConflictError) Error() string {
	if e.Kind == database.EventEnter {
		return fmt.Sprintf("User %d is already inside", e.UserID)
	}
	return fmt.Sprintf("User %d is not inside", e.UserID)
}

func (e *ConflictError) Unwrap() error {
	if e.Kind == database.EventEnter {
		return ErrAlreadyInside
	}
	return ErrNotInside
}
