package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/justestif/go-spotify-replay/internal/health"
)

// HealthRepository handles playlist health snapshot and report operations.
type HealthRepository struct {
	pool *pgxpool.Pool
}

// Snapshots adapts the repository to the snapshot store interface.
func (r *HealthRepository) Snapshots() *SnapshotStore {
	return &SnapshotStore{pool: r.pool}
}

// Reports adapts the repository to the report store interface.
func (r *HealthRepository) Reports() *ReportStore {
	return &ReportStore{pool: r.pool}
}

// SnapshotStore persists playlist snapshots.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// Create inserts a snapshot.
func (s *SnapshotStore) Create(ctx context.Context, snap *health.Snapshot) error {
	query := `
		INSERT INTO health_snapshots (id, playlist_id, user_id, track_ids, taken_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query, snap.ID, snap.PlaylistID, snap.UserID, snap.TrackIDs, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// Get retrieves a snapshot by ID, or (nil, nil) when none exists.
func (s *SnapshotStore) Get(ctx context.Context, id uuid.UUID) (*health.Snapshot, error) {
	query := `
		SELECT id, playlist_id, user_id, track_ids, taken_at
		FROM health_snapshots
		WHERE id = $1
	`
	var snap health.Snapshot
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&snap.ID,
		&snap.PlaylistID,
		&snap.UserID,
		&snap.TrackIDs,
		&snap.TakenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return &snap, nil
}

// ReportStore persists health reports with their findings.
type ReportStore struct {
	pool *pgxpool.Pool
}

// Create inserts a report and its findings in one transaction.
func (s *ReportStore) Create(ctx context.Context, report *health.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO health_reports (id, playlist_id, snapshot_id, scanned_at) VALUES ($1, $2, $3, $4)`,
		report.ID, report.PlaylistID, report.SnapshotID, report.ScannedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	for _, f := range report.Findings {
		_, err := tx.Exec(ctx,
			`INSERT INTO health_findings (report_id, idx, track_id, kind) VALUES ($1, $2, $3, $4)`,
			report.ID, f.Idx, f.TrackID, string(f.Kind),
		)
		if err != nil {
			return fmt.Errorf("inserting finding: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get retrieves a report with its findings, or (nil, nil) when none exists.
func (s *ReportStore) Get(ctx context.Context, id uuid.UUID) (*health.Report, error) {
	query := `
		SELECT id, playlist_id, snapshot_id, scanned_at
		FROM health_reports
		WHERE id = $1
	`
	var report health.Report
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&report.ID,
		&report.PlaylistID,
		&report.SnapshotID,
		&report.ScannedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT idx, track_id, kind FROM health_findings WHERE report_id = $1 ORDER BY idx, kind`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying findings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f health.Finding
		var kind string
		if err := rows.Scan(&f.Idx, &f.TrackID, &kind); err != nil {
			return nil, fmt.Errorf("scanning finding: %w", err)
		}
		f.Kind = health.FindingKind(kind)
		report.Findings = append(report.Findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ensure the stores satisfy the health store interfaces.
var (
	_ health.SnapshotStore = (*SnapshotStore)(nil)
	_ health.ReportStore   = (*ReportStore)(nil)
)
