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

// StatsRepository handles per-track stats database operations.
type StatsRepository struct {
	pool *pgxpool.Pool
}

// Get retrieves the stats row for a (user, track), or (nil, nil) when none
// exists.
func (r *StatsRepository) Get(ctx context.Context, userID, trackID string) (*scoring.TrackStats, error) {
	query := `
		SELECT user_id, track_id, last_played_at, liked_at, times_skipped
		FROM track_stats
		WHERE user_id = $1 AND track_id = $2
	`
	var st scoring.TrackStats
	err := r.pool.QueryRow(ctx, query, userID, trackID).Scan(
		&st.UserID,
		&st.TrackID,
		&st.LastPlayedAt,
		&st.LikedAt,
		&st.TimesSkipped,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	return &st, nil
}

// Put creates or replaces the stats row for a (user, track) wholesale.
func (r *StatsRepository) Put(ctx context.Context, st scoring.TrackStats) error {
	query := `
		INSERT INTO track_stats (user_id, track_id, last_played_at, liked_at, times_skipped)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			last_played_at = EXCLUDED.last_played_at,
			liked_at = EXCLUDED.liked_at,
			times_skipped = EXCLUDED.times_skipped
	`
	_, err := r.pool.Exec(ctx, query, st.UserID, st.TrackID, st.LastPlayedAt, st.LikedAt, st.TimesSkipped)
	if err != nil {
		return fmt.Errorf("upserting stats: %w", err)
	}
	return nil
}

// PutBatch creates or replaces multiple stats rows efficiently.
func (r *StatsRepository) PutBatch(ctx context.Context, stats []scoring.TrackStats) error {
	if len(stats) == 0 {
		return nil
	}

	query := `
		INSERT INTO track_stats (user_id, track_id, last_played_at, liked_at, times_skipped)
		SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[], $4::timestamptz[], $5::int[])
		ON CONFLICT (user_id, track_id) DO UPDATE SET
			last_played_at = EXCLUDED.last_played_at,
			liked_at = EXCLUDED.liked_at,
			times_skipped = EXCLUDED.times_skipped
	`

	userIDs := make([]string, len(stats))
	trackIDs := make([]string, len(stats))
	lastPlayedAts := make([]time.Time, len(stats))
	likedAts := make([]time.Time, len(stats))
	timesSkipped := make([]int, len(stats))

	for i, st := range stats {
		userIDs[i] = st.UserID
		trackIDs[i] = st.TrackID
		lastPlayedAts[i] = st.LastPlayedAt
		likedAts[i] = st.LikedAt
		timesSkipped[i] = st.TimesSkipped
	}

	_, err := r.pool.Exec(ctx, query, userIDs, trackIDs, lastPlayedAts, likedAts, timesSkipped)
	if err != nil {
		return fmt.Errorf("batch upserting stats: %w", err)
	}
	return nil
}

// ListForUser retrieves all stats rows for a user in discovery order.
func (r *StatsRepository) ListForUser(ctx context.Context, userID string) ([]scoring.TrackStats, error) {
	query := `
		SELECT user_id, track_id, last_played_at, liked_at, times_skipped
		FROM track_stats
		WHERE user_id = $1
		ORDER BY seq
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying stats: %w", err)
	}
	defer rows.Close()

	var stats []scoring.TrackStats
	for rows.Next() {
		var st scoring.TrackStats
		if err := rows.Scan(
			&st.UserID,
			&st.TrackID,
			&st.LastPlayedAt,
			&st.LikedAt,
			&st.TimesSkipped,
		); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Ensure the repository satisfies the scoring store interface.
var _ scoring.StatsStore = (*StatsRepository)(nil)
