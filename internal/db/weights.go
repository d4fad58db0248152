package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-replay/internal/scoring"
)

// WeightsRepository handles scoring weights database operations.
type WeightsRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves a user's weights row, or (nil, nil) when none exists.
func (r *WeightsRepository) Get(ctx context.Context, userID string) (*scoring.Weights, error) {
	query := `
		SELECT user_id, last_played_w, liked_when_w, times_skipped_w
		FROM scoring_weights
		WHERE user_id = $1
	`
	var w scoring.Weights
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&w.UserID,
		&w.LastPlayed,
		&w.LikedWhen,
		&w.TimesSkipped,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying weights: %w", err)
	}
	return &w, nil
}

// Put creates or replaces a user's weights row wholesale.
func (r *WeightsRepository) Put(ctx context.Context, w scoring.Weights) error {
	query := `
		INSERT INTO scoring_weights (user_id, last_played_w, liked_when_w, times_skipped_w, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			last_played_w = EXCLUDED.last_played_w,
			liked_when_w = EXCLUDED.liked_when_w,
			times_skipped_w = EXCLUDED.times_skipped_w,
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query, w.UserID, w.LastPlayed, w.LikedWhen, w.TimesSkipped)
	if err != nil {
		return fmt.Errorf("upserting weights: %w", err)
	}
	return nil
}

// Ensure the repository satisfies the scoring store interface.
var _ scoring.WeightsStore = (*WeightsRepository)(nil)
