package occupancy

import (
	"context"
	"errors"
	"time"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

// Transition is a committed occupancy change.
type Transition struct {
	Kind     database.EventKind
	UserID   int64
	Source   database.EventSource
	CameraID *int64
	Distance *float64
	Session  database.Session
	At       time.Time
}

// Notifier is told about every committed transition, synchronously and in
// commit order for a given user. Errors are logged and never undo the change.
type Notifier interface {
	Notify(ctx context.Context, t Transition) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, t Transition) error

func (f NotifierFunc) Notify(ctx context.Context, t Transition) error {
	return f(ctx, t)
}

// MultiNotifier fans a transition out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, t Transition) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
