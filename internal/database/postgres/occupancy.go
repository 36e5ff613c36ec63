package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
)

const uniqueViolation = "23505"

// OccupancyRepository stores occupancy events and sessions.
type OccupancyRepository struct {
	pool *Pool
}

// NewOccupancyRepository creates a new PostgreSQL occupancy repository
func NewOccupancyRepository(pool *Pool) *OccupancyRepository {
	return &OccupancyRepository{pool: pool}
}

// WithUserLock runs fn in a transaction holding pg_advisory_xact_lock on the
// user, which serializes ledger updates across every process sharing the
// database. The lock is released on commit or rollback.
func (r *OccupancyRepository) WithUserLock(ctx context.Context, userID int64, fn func(tx database.OccupancyTx) error) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userID); err != nil {
		return fmt.Errorf("lock user %d: %w", userID, err)
	}

	if err := fn(&occupancyTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit occupancy change: %w", err)
	}
	return nil
}

// OpenSessions lists everyone currently inside.
func (r *OccupancyRepository) OpenSessions(ctx context.Context) ([]database.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, enter_event_id, exit_event_id, entered_at, exited_at
		FROM occupancy_sessions
		WHERE exit_event_id IS NULL
		ORDER BY entered_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var sessions []database.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open sessions: %w", err)
	}
	return sessions, nil
}

// IsInside reports whether the user has an open session.
func (r *OccupancyRepository) IsInside(ctx context.Context, userID int64) (bool, error) {
	var inside bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM occupancy_sessions WHERE user_id = $1 AND exit_event_id IS NULL)",
		userID,
	).Scan(&inside)
	if err != nil {
		return false, fmt.Errorf("check user %d inside: %w", userID, err)
	}
	return inside, nil
}

type occupancyTx struct {
	tx *sql.Tx
}

func (t *occupancyTx) OpenSession(ctx context.Context, userID int64) (*database.Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, enter_event_id, exit_event_id, entered_at, exited_at
		FROM occupancy_sessions
		WHERE user_id = $1 AND exit_event_id IS NULL
	`, userID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (t *occupancyTx) AppendEvent(ctx context.Context, event database.OccupancyEvent) (database.OccupancyEvent, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO occupancy_events (user_id, kind, source, camera_id, distance)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, event.UserID, string(event.Kind), string(event.Source), event.CameraID, event.Distance,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return event, fmt.Errorf("append %s event: %w", event.Kind, err)
	}
	return event, nil
}

func (t *occupancyTx) StartSession(ctx context.Context, enterEvent database.OccupancyEvent) (database.Session, error) {
	s := database.Session{
		UserID:       enterEvent.UserID,
		EnterEventID: enterEvent.ID,
		EnteredAt:    enterEvent.CreatedAt,
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO occupancy_sessions (user_id, enter_event_id, entered_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, s.UserID, s.EnterEventID, s.EnteredAt).Scan(&s.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return s, database.ErrOpenSessionExists
		}
		return s, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

func (t *occupancyTx) EndSession(ctx context.Context, sessionID int64, exitEvent database.OccupancyEvent) (database.Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE occupancy_sessions
		SET exit_event_id = $2, exited_at = $3
		WHERE id = $1 AND exit_event_id IS NULL
		RETURNING id, user_id, enter_event_id, exit_event_id, entered_at, exited_at
	`, sessionID, exitEvent.ID, exitEvent.CreatedAt)
	s, err := scanSession(row)
	if err != nil {
		return database.Session{}, fmt.Errorf("end session %d: %w", sessionID, err)
	}
	return *s, nil
}

func (t *occupancyTx) SetInside(ctx context.Context, userID int64, inside bool) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tracking_subjects (user_id, is_inside, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			is_inside = EXCLUDED.is_inside,
			updated_at = EXCLUDED.updated_at
	`, userID, inside)
	if err != nil {
		return fmt.Errorf("set user %d inside=%v: %w", userID, inside, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*database.Session, error) {
	var s database.Session
	var exitID sql.NullInt64
	var exitedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.EnterEventID, &exitID, &s.EnteredAt, &exitedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if exitID.Valid {
		s.ExitEventID = &exitID.Int64
	}
	if exitedAt.Valid {
		s.ExitedAt = &exitedAt.Time
	}
	return &s, nil
}
