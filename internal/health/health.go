// Package health analyzes playlist snapshots for duplicate tracks,
// unavailable tracks, and audio-feature outliers. Analysis runs over a stored
// snapshot, never against the live platform.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a snapshot or report does not exist.
	ErrNotFound = errors.New("not found")
)

// FindingKind classifies a finding.
type FindingKind string

// Finding kinds.
const (
	KindDuplicate   FindingKind = "Duplicate"
	KindUnavailable FindingKind = "Unavailable"
	KindOutlier     FindingKind = "Outlier"
)

// Finding is one issue detected in a snapshot. Idx is the track's position in
// the snapshot's track list.
type Finding struct {
	Idx     int
	TrackID string
	Kind    FindingKind
}

// Snapshot is a playlist's track list captured at a point in time.
type Snapshot struct {
	ID         uuid.UUID
	PlaylistID string
	UserID     string
	TrackIDs   []string
	TakenAt    time.Time
}

// Report holds the analysis results for one snapshot.
type Report struct {
	ID         uuid.UUID
	PlaylistID string
	SnapshotID uuid.UUID
	ScannedAt  time.Time
	Findings   []Finding
}

// TrackInfo is what the analyzer knows about a track. Feature fields are nil
// when the cache has none; tracks absent from the cache entirely get no
// availability or outlier judgement.
type TrackInfo struct {
	TrackID   string
	Available bool
	Tempo     *float64
	Energy    *float64
	Valence   *float64
}

// TrackSource supplies cached track availability and features.
type TrackSource interface {
	InfoForTracks(ctx context.Context, trackIDs []string) (map[string]TrackInfo, error)
}

// SnapshotStore persists snapshots. Get returns (nil, nil) when absent.
type SnapshotStore interface {
	Create(ctx context.Context, snap *Snapshot) error
	Get(ctx context.Context, id uuid.UUID) (*Snapshot, error)
}

// ReportStore persists reports with their findings. Get returns (nil, nil)
// when absent.
type ReportStore interface {
	Create(ctx context.Context, report *Report) error
	Get(ctx context.Context, id uuid.UUID) (*Report, error)
}

// Service snapshots playlists and analyzes the snapshots.
type Service struct {
	snapshots SnapshotStore
	reports   ReportStore
	tracks    TrackSource
	outliers  OutlierConfig
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithOutlierConfig overrides the outlier detection parameters.
func WithOutlierConfig(cfg OutlierConfig) Option {
	return func(s *Service) {
		s.outliers = cfg
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a playlist health service.
func New(snapshots SnapshotStore, reports ReportStore, tracks TrackSource, opts ...Option) *Service {
	s := &Service{
		snapshots: snapshots,
		reports:   reports,
		tracks:    tracks,
		outliers:  DefaultOutlierConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot captures a playlist's track list for later analysis.
func (s *Service) Snapshot(ctx context.Context, playlistID, userID string, trackIDs []string) (uuid.UUID, error) {
	if playlistID == "" || userID == "" || len(trackIDs) == 0 {
		return uuid.Nil, fmt.Errorf("%w: playlistId, userId and a non-empty track list are required", ErrInvalidInput)
	}

	snap := &Snapshot{
		ID:         uuid.New(),
		PlaylistID: playlistID,
		UserID:     userID,
		TrackIDs:   trackIDs,
		TakenAt:    s.now(),
	}
	if err := s.snapshots.Create(ctx, snap); err != nil {
		return uuid.Nil, fmt.Errorf("storing snapshot: %w", err)
	}
	return snap.ID, nil
}

// Analyze scans a snapshot for duplicates, unavailable tracks and feature
// outliers, and stores the findings as a new report.
func (s *Service) Analyze(ctx context.Context, playlistID string, snapshotID uuid.UUID) (uuid.UUID, error) {
	snap, err := s.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil || snap.PlaylistID != playlistID {
		return uuid.Nil, fmt.Errorf("%w: snapshot %s for playlist %s", ErrNotFound, snapshotID, playlistID)
	}

	info, err := s.trackInfo(ctx, snap.TrackIDs)
	if err != nil {
		return uuid.Nil, err
	}

	findings := scanSnapshot(snap.TrackIDs, info, s.outliers)

	report := &Report{
		ID:         uuid.New(),
		PlaylistID: snap.PlaylistID,
		SnapshotID: snap.ID,
		ScannedAt:  s.now(),
		Findings:   findings,
	}
	if err := s.reports.Create(ctx, report); err != nil {
		return uuid.Nil, fmt.Errorf("storing report: %w", err)
	}
	return report.ID, nil
}

// GetReport retrieves a previously generated report.
func (s *Service) GetReport(ctx context.Context, reportID uuid.UUID) (*Report, error) {
	report, err := s.reports.Get(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("loading report: %w", err)
	}
	if report == nil {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, reportID)
	}
	return report, nil
}

func (s *Service) trackInfo(ctx context.Context, trackIDs []string) (map[string]TrackInfo, error) {
	ids := make([]string, 0, len(trackIDs))
	for _, id := range trackIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || s.tracks == nil {
		return map[string]TrackInfo{}, nil
	}
	info, err := s.tracks.InfoForTracks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading track info: %w", err)
	}
	return info, nil
}
