// Package db provides PostgreSQL persistence for the Spotify Replay service:
// scoring weights, per-track stats, boost/snooze overlays, swipe sessions and
// their decision log, the cached library, and playlist health reports.
package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying connection pool for advanced operations.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Weights returns a WeightsRepository.
func (db *DB) Weights() *WeightsRepository {
	return &WeightsRepository{pool: db.pool}
}

// Stats returns a StatsRepository.
func (db *DB) Stats() *StatsRepository {
	return &StatsRepository{pool: db.pool}
}

// Overlays returns an OverlayRepository.
func (db *DB) Overlays() *OverlayRepository {
	return &OverlayRepository{pool: db.pool}
}

// Sessions returns a SwipeSessionRepository.
func (db *DB) Sessions() *SwipeSessionRepository {
	return &SwipeSessionRepository{pool: db.pool}
}

// Decisions returns a DecisionRepository.
func (db *DB) Decisions() *DecisionRepository {
	return &DecisionRepository{pool: db.pool}
}

// Library returns a LibraryRepository.
func (db *DB) Library() *LibraryRepository {
	return &LibraryRepository{pool: db.pool}
}

// Health returns a HealthRepository.
func (db *DB) Health() *HealthRepository {
	return &HealthRepository{pool: db.pool}
}
