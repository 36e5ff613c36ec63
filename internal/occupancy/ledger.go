// Package occupancy keeps the entry and exit history and guarantees that a
// user has at most one open session.
package occupancy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
)

// Request describes who crossed a checkpoint and how we know.
type Request struct {
	UserID   int64
	Source   database.EventSource
	CameraID *int64
	Distance *float64
}

// Ledger records entries and exits. One Ledger is shared by every camera
// pipeline and the gate API of a process; the storage lock extends the
// guarantee to other processes.
type Ledger struct {
	store    database.OccupancyStore
	locks    *keyedMutex
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLedger creates a ledger. notifier and m may be nil.
func NewLedger(store database.OccupancyStore, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		locks:    newKeyedMutex(),
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// RecordEntry opens a session. It fails with a *ConflictError matching
// ErrAlreadyInside when the user already has one.
func (l *Ledger) RecordEntry(ctx context.Context, req Request) (database.Session, error) {
	return l.record(ctx, database.EventEnter, req)
}

// RecordExit closes the user's open session. It fails with a *ConflictError
// matching ErrNotInside when there is none.
func (l *Ledger) RecordExit(ctx context.Context, req Request) (database.Session, error) {
	return l.record(ctx, database.EventExit, req)
}

func (l *Ledger) record(ctx context.Context, kind database.EventKind, req Request) (database.Session, error) {
	if req.Source == "" {
		req.Source = database.SourceManual
	}

	unlock := l.locks.Lock(req.UserID)
	defer unlock()

	var session database.Session
	var event database.OccupancyEvent
	err := l.store.WithUserLock(ctx, req.UserID, func(tx database.OccupancyTx) error {
		open, err := tx.OpenSession(ctx, req.UserID)
		if err != nil {
			return err
		}

		switch kind {
		case database.EventEnter:
			if open != nil {
				return &ConflictError{UserID: req.UserID, Kind: kind}
			}
		case database.EventExit:
			if open == nil {
				return &ConflictError{UserID: req.UserID, Kind: kind}
			}
		}

		event, err = tx.AppendEvent(ctx, database.OccupancyEvent{
			UserID:   req.UserID,
			Kind:     kind,
			Source:   req.Source,
			CameraID: req.CameraID,
			Distance: req.Distance,
		})
		if err != nil {
			return err
		}

		if kind == database.EventEnter {
			session, err = tx.StartSession(ctx, event)
			if errors.Is(err, database.ErrOpenSessionExists) {
				return &ConflictError{UserID: req.UserID, Kind: kind}
			}
		} else {
			session, err = tx.EndSession(ctx, open.ID, event)
		}
		if err != nil {
			return err
		}

		return tx.SetInside(ctx, req.UserID, kind == database.EventEnter)
	})

	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		l.metrics.Transition(string(kind), conflictOutcome(conflict))
		l.logger.Info("occupancy change rejected",
			"user_id", req.UserID, "kind", string(kind), "source", string(req.Source), "reason", conflict.Error())
		return database.Session{}, err
	case err != nil:
		l.metrics.Transition(string(kind), "error")
		return database.Session{}, fmt.Errorf("record %s for user %d: %w", kind, req.UserID, err)
	}

	l.metrics.Transition(string(kind), "success")
	l.logger.Info("occupancy changed",
		"user_id", req.UserID, "kind", string(kind), "source", string(req.Source), "session_id", session.ID)

	if l.notifier != nil {
		t := Transition{
			Kind:     kind,
			UserID:   req.UserID,
			Source:   req.Source,
			CameraID: req.CameraID,
			Distance: req.Distance,
			Session:  session,
			At:       event.CreatedAt,
		}
		if err := l.notifier.Notify(ctx, t); err != nil {
			l.logger.Warn("occupancy notification failed", "user_id", req.UserID, "kind", string(kind), "error", err)
		}
	}
	return session, nil
}

func conflictOutcome(c *ConflictError) string {
	if errors.Is(c, ErrAlreadyInside) {
		return "already_inside"
	}
	return "not_inside"
}

// Inside lists the open sessions.
func (l *Ledger) Inside(ctx context.Context) ([]database.Session, error) {
	return l.store.OpenSessions(ctx)
}
