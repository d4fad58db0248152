package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-replay/internal/health"
	"github.com/justestif/go-spotify-replay/internal/library"
	"github.com/justestif/go-spotify-replay/internal/scoring"
)

// LibraryRepository handles cached library database operations.
type LibraryRepository struct {
	pool *pgxpool.Pool
}

// ReplaceUserLibrary swaps out one user's cached likes, plays and playlists in
// a single transaction. Track metadata is shared across users and upserted.
func (r *LibraryRepository) ReplaceUserLibrary(ctx context.Context, snap library.Snapshot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := upsertTracks(ctx, tx, snap.Tracks); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cached_likes WHERE user_id = $1`, snap.UserID); err != nil {
		return fmt.Errorf("clearing likes: %w", err)
	}
	for _, like := range snap.Likes {
		_, err := tx.Exec(ctx,
			`INSERT INTO cached_likes (user_id, track_id, added_at) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, track_id) DO UPDATE SET added_at = EXCLUDED.added_at`,
			snap.UserID, like.TrackID, like.AddedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting like: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM cached_plays WHERE user_id = $1`, snap.UserID); err != nil {
		return fmt.Errorf("clearing plays: %w", err)
	}
	for _, play := range snap.Plays {
		_, err := tx.Exec(ctx,
			`INSERT INTO cached_plays (user_id, track_id, last_played_at) VALUES ($1, $2, $3)`,
			snap.UserID, play.TrackID, play.LastPlayedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting play: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM cached_playlist_entries WHERE playlist_id IN
		 (SELECT id FROM cached_playlists WHERE user_id = $1)`, snap.UserID,
	); err != nil {
		return fmt.Errorf("clearing playlist entries: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cached_playlists WHERE user_id = $1`, snap.UserID); err != nil {
		return fmt.Errorf("clearing playlists: %w", err)
	}
	for _, pl := range snap.Playlists {
		_, err := tx.Exec(ctx,
			`INSERT INTO cached_playlists (id, user_id, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, updated_at = EXCLUDED.updated_at`,
			pl.ID, snap.UserID, snap.SyncedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting playlist: %w", err)
		}
		for i, trackID := range pl.TrackIDs {
			_, err := tx.Exec(ctx,
				`INSERT INTO cached_playlist_entries (playlist_id, idx, track_id) VALUES ($1, $2, $3)`,
				pl.ID, i, trackID,
			)
			if err != nil {
				return fmt.Errorf("inserting playlist entry: %w", err)
			}
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO cached_users (user_id, last_sync_at) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET last_sync_at = EXCLUDED.last_sync_at`,
		snap.UserID, snap.SyncedAt,
	); err != nil {
		return fmt.Errorf("recording sync time: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func upsertTracks(ctx context.Context, tx pgx.Tx, tracks []library.CachedTrack) error {
	if len(tracks) == 0 {
		return nil
	}

	query := `
		INSERT INTO cached_tracks (id, title, artist, available, tempo, energy, valence, fetched_at)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::boolean[],
			$5::double precision[], $6::double precision[], $7::double precision[], $8::timestamptz[]
		)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			artist = EXCLUDED.artist,
			available = EXCLUDED.available,
			tempo = EXCLUDED.tempo,
			energy = EXCLUDED.energy,
			valence = EXCLUDED.valence,
			fetched_at = EXCLUDED.fetched_at
	`

	now := time.Now()
	ids := make([]string, len(tracks))
	titles := make([]string, len(tracks))
	artists := make([]string, len(tracks))
	availables := make([]bool, len(tracks))
	tempos := make([]*float64, len(tracks))
	energies := make([]*float64, len(tracks))
	valences := make([]*float64, len(tracks))
	fetchedAts := make([]time.Time, len(tracks))

	for i, t := range tracks {
		ids[i] = t.ID
		titles[i] = t.Title
		artists[i] = t.Artist
		availables[i] = t.Available
		tempos[i] = t.Tempo
		energies[i] = t.Energy
		valences[i] = t.Valence
		fetchedAts[i] = now
	}

	_, err := tx.Exec(ctx, query, ids, titles, artists, availables, tempos, energies, valences, fetchedAts)
	if err != nil {
		return fmt.Errorf("upserting tracks: %w", err)
	}
	return nil
}

// LastSyncAt retrieves when the user's library was last synced, or nil when
// the user has never synced.
func (r *LibraryRepository) LastSyncAt(ctx context.Context, userID string) (*time.Time, error) {
	query := `SELECT last_sync_at FROM cached_users WHERE user_id = $1`
	var lastSync *time.Time
	err := r.pool.QueryRow(ctx, query, userID).Scan(&lastSync)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last sync: %w", err)
	}
	return lastSync, nil
}

// LikedTracks retrieves the user's cached liked tracks in most-recently-liked
// order, joined with the last known play time (zero when never played).
func (r *LibraryRepository) LikedTracks(ctx context.Context, userID string) ([]scoring.LikedTrack, error) {
	query := `
		SELECT l.track_id, l.added_at, p.last_played_at
		FROM cached_likes l
		LEFT JOIN cached_plays p ON p.user_id = l.user_id AND p.track_id = l.track_id
		WHERE l.user_id = $1
		ORDER BY l.added_at DESC, l.track_id
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying liked tracks: %w", err)
	}
	defer rows.Close()

	var tracks []scoring.LikedTrack
	for rows.Next() {
		var lt scoring.LikedTrack
		var lastPlayed *time.Time
		if err := rows.Scan(&lt.TrackID, &lt.LikedAt, &lastPlayed); err != nil {
			return nil, fmt.Errorf("scanning liked track: %w", err)
		}
		if lastPlayed != nil {
			lt.LastPlayedAt = *lastPlayed
		}
		tracks = append(tracks, lt)
	}
	return tracks, rows.Err()
}

// PlaylistTracks retrieves a cached playlist's track IDs in playlist order.
func (r *LibraryRepository) PlaylistTracks(ctx context.Context, playlistID string) ([]string, error) {
	query := `
		SELECT track_id FROM cached_playlist_entries
		WHERE playlist_id = $1
		ORDER BY idx
	`
	rows, err := r.pool.Query(ctx, query, playlistID)
	if err != nil {
		return nil, fmt.Errorf("querying playlist entries: %w", err)
	}
	defer rows.Close()

	var trackIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning playlist entry: %w", err)
		}
		trackIDs = append(trackIDs, id)
	}
	return trackIDs, rows.Err()
}

// InfoForTracks retrieves cached availability and features for the given
// tracks. Tracks missing from the cache are absent from the result.
func (r *LibraryRepository) InfoForTracks(ctx context.Context, trackIDs []string) (map[string]health.TrackInfo, error) {
	query := `
		SELECT id, available, tempo, energy, valence
		FROM cached_tracks
		WHERE id = ANY($1)
	`
	rows, err := r.pool.Query(ctx, query, trackIDs)
	if err != nil {
		return nil, fmt.Errorf("querying track info: %w", err)
	}
	defer rows.Close()

	info := make(map[string]health.TrackInfo)
	for rows.Next() {
		var ti health.TrackInfo
		if err := rows.Scan(&ti.TrackID, &ti.Available, &ti.Tempo, &ti.Energy, &ti.Valence); err != nil {
			return nil, fmt.Errorf("scanning track info: %w", err)
		}
		info[ti.TrackID] = ti
	}
	return info, rows.Err()
}

// Ensure the repository satisfies the consumer interfaces.
var (
	_ library.Store        = (*LibraryRepository)(nil)
	_ scoring.LibraryCache = (*LibraryRepository)(nil)
	_ health.TrackSource   = (*LibraryRepository)(nil)
)
