package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-replay/internal/scoring"
)

// OverlayRepository handles boost and snooze database operations. Both are
// keyed by (user, track); the upserts are single statements, so concurrent
// calls on the same key serialize in the database.
type OverlayRepository struct {
	pool *pgxpool.Pool
}

// IncrementBoost bumps the boost amount for a (user, track) by one, creating
// the row at 1 if absent.
func (r *OverlayRepository) IncrementBoost(ctx context.Context, userID, trackID string) error {
	query := `
		INSERT INTO track_boosts (user_id, track_id, amount)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, track_id) DO UPDATE SET amount = track_boosts.amount + 1
	`
	_, err := r.pool.Exec(ctx, query, userID, trackID)
	if err != nil {
		return fmt.Errorf("incrementing boost: %w", err)
	}
	return nil
}

// UpsertSnooze replaces the snooze deadline for a (user, track). A later
// snooze always wins; deadlines never stack.
func (r *OverlayRepository) UpsertSnooze(ctx context.Context, userID, trackID string, until time.Time) error {
	query := `
		INSERT INTO track_snoozes (user_id, track_id, until_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, track_id) DO UPDATE SET until_at = EXCLUDED.until_at
	`
	_, err := r.pool.Exec(ctx, query, userID, trackID, until)
	if err != nil {
		return fmt.Errorf("upserting snooze: %w", err)
	}
	return nil
}

// Boost retrieves the boost amount for a (user, track), 0 when none exists.
func (r *OverlayRepository) Boost(ctx context.Context, userID, trackID string) (int, error) {
	query := `SELECT amount FROM track_boosts WHERE user_id = $1 AND track_id = $2`
	var amount int
	err := r.pool.QueryRow(ctx, query, userID, trackID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying boost: %w", err)
	}
	return amount, nil
}

// Snooze retrieves the snooze deadline for a (user, track), the zero time
// when none exists. Expired rows are returned as-is; expiry is judged by the
// caller at read time.
func (r *OverlayRepository) Snooze(ctx context.Context, userID, trackID string) (time.Time, error) {
	query := `SELECT until_at FROM track_snoozes WHERE user_id = $1 AND track_id = $2`
	var until time.Time
	err := r.pool.QueryRow(ctx, query, userID, trackID).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("querying snooze: %w", err)
	}
	return until, nil
}

// BoostsForUser retrieves all boost amounts for a user keyed by track ID.
func (r *OverlayRepository) BoostsForUser(ctx context.Context, userID string) (map[string]int, error) {
	query := `SELECT track_id, amount FROM track_boosts WHERE user_id = $1`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying boosts: %w", err)
	}
	defer rows.Close()

	boosts := make(map[string]int)
	for rows.Next() {
		var trackID string
		var amount int
		if err := rows.Scan(&trackID, &amount); err != nil {
			return nil, fmt.Errorf("scanning boost: %w", err)
		}
		boosts[trackID] = amount
	}
	return boosts, rows.Err()
}

// SnoozesForUser retrieves all snooze deadlines for a user keyed by track ID.
func (r *OverlayRepository) SnoozesForUser(ctx context.Context, userID string) (map[string]time.Time, error) {
	query := `SELECT track_id, until_at FROM track_snoozes WHERE user_id = $1`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying snoozes: %w", err)
	}
	defer rows.Close()

	snoozes := make(map[string]time.Time)
	for rows.Next() {
		var trackID string
		var until time.Time
		if err := rows.Scan(&trackID, &until); err != nil {
			return nil, fmt.Errorf("scanning snooze: %w", err)
		}
		snoozes[trackID] = until
	}
	return snoozes, rows.Err()
}

// Ensure the repository satisfies the scoring store interface.
var _ scoring.OverlayStore = (*OverlayRepository)(nil)
