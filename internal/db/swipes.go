package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-replay/internal/swipe"
)

// SwipeSessionRepository handles swipe session database operations.
type SwipeSessionRepository struct {
	pool *pgxpool.Pool
}

// Create inserts a new session.
func (r *SwipeSessionRepository) Create(ctx context.Context, sess *swipe.Session) error {
	query := `
		INSERT INTO swipe_sessions (id, user_id, queue_tracks, queue_index, decided, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		sess.ID,
		sess.UserID,
		sess.QueueTracks,
		sess.QueueIndex,
		sess.Decided,
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID, or (nil, nil) when none exists.
func (r *SwipeSessionRepository) Get(ctx context.Context, id string) (*swipe.Session, error) {
	query := `
		SELECT id, user_id, queue_tracks, queue_index, decided, created_at
		FROM swipe_sessions
		WHERE id = $1
	`
	var sess swipe.Session
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&sess.ID,
		&sess.UserID,
		&sess.QueueTracks,
		&sess.QueueIndex,
		&sess.Decided,
		&sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// Advance serves the next queued track and increments the cursor in one
// transaction. The row lock serializes concurrent Advance calls on the same
// session, so no two callers are served the same track. Returns ("", true,
// nil) when the queue is exhausted, exists=false when the session is missing.
func (r *SwipeSessionRepository) Advance(ctx context.Context, id string) (string, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var queueTracks []string
	var queueIndex int
	err = tx.QueryRow(ctx,
		`SELECT queue_tracks, queue_index FROM swipe_sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&queueTracks, &queueIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying session: %w", err)
	}

	if queueIndex >= len(queueTracks) {
		return "", true, nil
	}
	trackID := queueTracks[queueIndex]

	_, err = tx.Exec(ctx,
		`UPDATE swipe_sessions SET queue_index = queue_index + 1, decided = FALSE WHERE id = $1`, id,
	)
	if err != nil {
		return "", false, fmt.Errorf("advancing session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("committing transaction: %w", err)
	}
	return trackID, true, nil
}

// MarkDecided flags the session's current serve as decided.
func (r *SwipeSessionRepository) MarkDecided(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `UPDATE swipe_sessions SET decided = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking session decided: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session by ID, reporting whether a row was removed.
func (r *SwipeSessionRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM swipe_sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DecisionRepository handles the append-only swipe decision log.
type DecisionRepository struct {
	pool *pgxpool.Pool
}

// Append inserts a decision row.
func (r *DecisionRepository) Append(ctx context.Context, d *swipe.Decision) error {
	query := `
		INSERT INTO swipe_decisions (id, session_id, track_id, kind, arg, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query,
		d.ID,
		d.SessionID,
		d.TrackID,
		string(d.Kind),
		d.Arg,
		d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting decision: %w", err)
	}
	return nil
}

// ListForSession retrieves a session's decisions in append order.
func (r *DecisionRepository) ListForSession(ctx context.Context, sessionID string) ([]swipe.Decision, error) {
	query := `
		SELECT id, session_id, track_id, kind, arg, decided_at
		FROM swipe_decisions
		WHERE session_id = $1
		ORDER BY decided_at, id
	`
	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var decisions []swipe.Decision
	for rows.Next() {
		var d swipe.Decision
		var kind string
		if err := rows.Scan(&d.ID, &d.SessionID, &d.TrackID, &kind, &d.Arg, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		d.Kind = swipe.DecisionKind(kind)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Ensure the repositories satisfy the swipe store interfaces.
var (
	_ swipe.SessionStore  = (*SwipeSessionRepository)(nil)
	_ swipe.DecisionStore = (*DecisionRepository)(nil)
)
