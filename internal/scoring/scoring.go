// Package scoring ranks a user's liked tracks by how overdue they are for a
// revisit. A track accrues score linearly with time since its last play and
// time since it was liked, plus a skip penalty term; explicit "keep" decisions
// add a flat boost and snoozes mask the score entirely until they expire.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common errors.
var (
	// ErrInvalidInput is returned when a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	// DefaultSnoozeDuration is how long a snooze lasts when no duration is given.
	DefaultSnoozeDuration = 7 * 24 * time.Hour

	// DefaultPreviewSize is the number of tracks a preview returns by default.
	DefaultPreviewSize = 50
)

// Weights holds a user's scoring coefficients. One row per user, replaced
// wholesale on update.
type Weights struct {
	UserID       string
	LastPlayed   float64
	LikedWhen    float64
	TimesSkipped float64
}

// DefaultWeights returns the coefficients used when a user has no weights row.
func DefaultWeights(userID string) Weights {
	return Weights{
		UserID:       userID,
		LastPlayed:   1.0,
		LikedWhen:    0.25,
		TimesSkipped: 5.0,
	}
}

// TrackStats holds the per-track facts scoring is computed from. A missing
// row is treated as all-zero: the track looks maximally stale with no skips.
type TrackStats struct {
	UserID       string
	TrackID      string
	LastPlayedAt time.Time
	LikedAt      time.Time
	TimesSkipped int
}

// LikedTrack is a liked-track fact from the library cache. LastPlayedAt is
// zero when the cache has no play record for the track.
type LikedTrack struct {
	TrackID      string
	LikedAt      time.Time
	LastPlayedAt time.Time
}

// PreviewSource reports where a preview's candidates came from.
type PreviewSource string

const (
	// SourceScores means live stats rows existed for the user.
	SourceScores PreviewSource = "scores"
	// SourceBootstrap means stats were seeded from the library cache first.
	SourceBootstrap PreviewSource = "bootstrap"
	// SourceEmpty means there was nothing to rank at all.
	SourceEmpty PreviewSource = "empty"
)

// WeightsStore persists one Weights row per user.
// Get returns (nil, nil) when the user has no row.
type WeightsStore interface {
	Get(ctx context.Context, userID string) (*Weights, error)
	Put(ctx context.Context, w Weights) error
}

// StatsStore persists one TrackStats row per (user, track).
// Get returns (nil, nil) when no row exists. ListForUser returns rows in
// discovery order (first insertion), which breaks score ties in previews.
type StatsStore interface {
	Get(ctx context.Context, userID, trackID string) (*TrackStats, error)
	Put(ctx context.Context, st TrackStats) error
	PutBatch(ctx context.Context, stats []TrackStats) error
	ListForUser(ctx context.Context, userID string) ([]TrackStats, error)
}

// OverlayStore persists per-(user, track) boosts and snoozes. Both upserts
// must be atomic per key. Boost returns 0 and Snooze returns the zero time
// when no row exists.
type OverlayStore interface {
	IncrementBoost(ctx context.Context, userID, trackID string) error
	UpsertSnooze(ctx context.Context, userID, trackID string, until time.Time) error
	Boost(ctx context.Context, userID, trackID string) (int, error)
	Snooze(ctx context.Context, userID, trackID string) (time.Time, error)
	BoostsForUser(ctx context.Context, userID string) (map[string]int, error)
	SnoozesForUser(ctx context.Context, userID string) (map[string]time.Time, error)
}

// LibraryCache supplies liked-track facts for ingestion. It is an external
// collaborator; scoring only reads from it.
type LibraryCache interface {
	LikedTracks(ctx context.Context, userID string) ([]LikedTrack, error)
}

// Stores bundles the keyed stores the engine operates on.
type Stores struct {
	Weights  WeightsStore
	Stats    StatsStore
	Overlays OverlayStore
	Library  LibraryCache
}

// Service computes staleness scores and ranked previews, and owns the
// keep/snooze overlay mutations.
type Service struct {
	weights        WeightsStore
	stats          StatsStore
	overlays       OverlayStore
	library        LibraryCache
	snoozeDuration time.Duration
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSnoozeDuration sets the default snooze duration.
func WithSnoozeDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.snoozeDuration = d
		}
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

// New creates a scoring service over the given stores.
func New(stores Stores, opts ...Option) *Service {
	s := &Service{
		weights:        stores.Weights,
		stats:          stores.Stats,
		overlays:       stores.Overlays,
		library:        stores.Library,
		snoozeDuration: DefaultSnoozeDuration,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the current staleness score for a single track. Missing
// stats or weights degrade to defaults rather than failing; an active snooze
// masks everything to zero.
func (s *Service) Score(ctx context.Context, userID, trackID string) (float64, error) {
	if userID == "" || trackID == "" {
		return 0, fmt.Errorf("%w: userId and trackId must be provided", ErrInvalidInput)
	}

	now := s.now()

	until, err := s.overlays.Snooze(ctx, userID, trackID)
	if err != nil {
		return 0, fmt.Errorf("loading snooze: %w", err)
	}
	if until.After(now) {
		return 0, nil
	}

	w, err := s.userWeights(ctx, userID)
	if err != nil {
		return 0, err
	}

	st, err := s.stats.Get(ctx, userID, trackID)
	if err != nil {
		return 0, fmt.Errorf("loading stats: %w", err)
	}
	if st == nil {
		st = &TrackStats{UserID: userID, TrackID: trackID}
	}

	boost, err := s.overlays.Boost(ctx, userID, trackID)
	if err != nil {
		return 0, fmt.Errorf("loading boost: %w", err)
	}

	return scoreTrack(w, *st, boost, now), nil
}

// Preview returns up to size track IDs ranked by descending score. Ties keep
// the stats rows' discovery order. When the user has no stats rows yet, the
// engine seeds them from the library cache first (source "bootstrap"); when
// even that yields nothing the result is empty (source "empty").
func (s *Service) Preview(ctx context.Context, userID string, size int) ([]string, PreviewSource, error) {
	if userID == "" {
		return nil, SourceEmpty, fmt.Errorf("%w: userId must be provided", ErrInvalidInput)
	}
	if size <= 0 {
		size = DefaultPreviewSize
	}

	stats, err := s.stats.ListForUser(ctx, userID)
	if err != nil {
		return nil, SourceEmpty, fmt.Errorf("listing stats: %w", err)
	}

	source := SourceScores
	if len(stats) == 0 && s.library != nil {
		if _, err := s.IngestFromLibraryCache(ctx, userID); err != nil {
			return nil, SourceEmpty, err
		}
		stats, err = s.stats.ListForUser(ctx, userID)
		if err != nil {
			return nil, SourceEmpty, fmt.Errorf("listing stats: %w", err)
		}
		source = SourceBootstrap
	}
	if len(stats) == 0 {
		return []string{}, SourceEmpty, nil
	}

	w, err := s.userWeights(ctx, userID)
	if err != nil {
		return nil, SourceEmpty, err
	}
	boosts, err := s.overlays.BoostsForUser(ctx, userID)
	if err != nil {
		return nil, SourceEmpty, fmt.Errorf("listing boosts: %w", err)
	}
	snoozes, err := s.overlays.SnoozesForUser(ctx, userID)
	if err != nil {
		return nil, SourceEmpty, fmt.Errorf("listing snoozes: %w", err)
	}

	now := s.now()
	type candidate struct {
		trackID string
		score   float64
	}
	candidates := make([]candidate, len(stats))
	for i, st := range stats {
		score := 0.0
		if !snoozes[st.TrackID].After(now) {
			score = scoreTrack(w, st, boosts[st.TrackID], now)
		}
		candidates[i] = candidate{trackID: st.TrackID, score: score}
	}

	// Stable sort so equal scores keep discovery order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > size {
		candidates = candidates[:size]
	}
	trackIDs := make([]string, len(candidates))
	for i, c := range candidates {
		trackIDs[i] = c.trackID
	}
	return trackIDs, source, nil
}

// UpdateWeights replaces the user's scoring coefficients wholesale.
func (s *Service) UpdateWeights(ctx context.Context, w Weights) error {
	if w.UserID == "" {
		return fmt.Errorf("%w: userId and all weights must be provided", ErrInvalidInput)
	}
	if err := s.weights.Put(ctx, w); err != nil {
		return fmt.Errorf("storing weights: %w", err)
	}
	return nil
}

// UpdateStats replaces the stats row for a (user, track) wholesale.
func (s *Service) UpdateStats(ctx context.Context, st TrackStats) error {
	if st.UserID == "" || st.TrackID == "" {
		return fmt.Errorf("%w: userId, trackId and all stats must be provided", ErrInvalidInput)
	}
	if st.TimesSkipped < 0 {
		return fmt.Errorf("%w: timesSkipped cannot be negative", ErrInvalidInput)
	}
	if err := s.stats.Put(ctx, st); err != nil {
		return fmt.Errorf("storing stats: %w", err)
	}
	return nil
}

// Keep records a "keep" for the track, bumping its persistent boost by one.
func (s *Service) Keep(ctx context.Context, userID, trackID string) error {
	if userID == "" || trackID == "" {
		return fmt.Errorf("%w: userId and trackId must be provided", ErrInvalidInput)
	}
	if err := s.overlays.IncrementBoost(ctx, userID, trackID); err != nil {
		return fmt.Errorf("incrementing boost: %w", err)
	}
	return nil
}

// Snooze suppresses the track's score for the given duration, or the default
// duration when d is zero or negative. A later snooze replaces the earlier
// one; they never stack.
func (s *Service) Snooze(ctx context.Context, userID, trackID string, d time.Duration) error {
	if d <= 0 {
		d = s.snoozeDuration
	}
	return s.SnoozeUntil(ctx, userID, trackID, s.now().Add(d))
}

// SnoozeUntil suppresses the track's score until the given instant. A zero
// until applies the default duration from now.
func (s *Service) SnoozeUntil(ctx context.Context, userID, trackID string, until time.Time) error {
	if userID == "" || trackID == "" {
		return fmt.Errorf("%w: userId and trackId must be provided", ErrInvalidInput)
	}
	if until.IsZero() {
		until = s.now().Add(s.snoozeDuration)
	}
	if err := s.overlays.UpsertSnooze(ctx, userID, trackID, until); err != nil {
		return fmt.Errorf("upserting snooze: %w", err)
	}
	return nil
}

// IngestResult reports what ingestion did.
type IngestResult struct {
	Ingested       int
	EnsuredWeights bool
}

// IngestFromLibraryCache seeds one stats row per liked track from the library
// cache, replacing existing rows per track, and ensures the user has a
// weights row. Re-ingesting identical cache content yields identical stats.
func (s *Service) IngestFromLibraryCache(ctx context.Context, userID string) (IngestResult, error) {
	if userID == "" {
		return IngestResult{}, fmt.Errorf("%w: userId must be provided", ErrInvalidInput)
	}
	if s.library == nil {
		return IngestResult{}, errors.New("no library cache configured")
	}

	likes, err := s.library.LikedTracks(ctx, userID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("reading library cache: %w", err)
	}

	stats := make([]TrackStats, len(likes))
	for i, like := range likes {
		stats[i] = TrackStats{
			UserID:       userID,
			TrackID:      like.TrackID,
			LastPlayedAt: like.LastPlayedAt,
			LikedAt:      like.LikedAt,
		}
	}
	if len(stats) > 0 {
		if err := s.stats.PutBatch(ctx, stats); err != nil {
			return IngestResult{}, fmt.Errorf("storing stats: %w", err)
		}
	}

	result := IngestResult{Ingested: len(stats)}

	w, err := s.weights.Get(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("loading weights: %w", err)
	}
	if w == nil {
		if err := s.weights.Put(ctx, DefaultWeights(userID)); err != nil {
			return result, fmt.Errorf("storing default weights: %w", err)
		}
		result.EnsuredWeights = true
	}
	return result, nil
}

// userWeights loads the user's weights, falling back to defaults.
func (s *Service) userWeights(ctx context.Context, userID string) (Weights, error) {
	w, err := s.weights.Get(ctx, userID)
	if err != nil {
		return Weights{}, fmt.Errorf("loading weights: %w", err)
	}
	if w == nil {
		return DefaultWeights(userID), nil
	}
	return *w, nil
}

// scoreTrack computes the staleness score from raw facts. Staleness is linear
// in elapsed days with no cap: neglected tracks keep climbing.
func scoreTrack(w Weights, st TrackStats, boost int, now time.Time) float64 {
	recency := w.LastPlayed * ageInDays(now, st.LastPlayedAt)
	likedAge := w.LikedWhen * ageInDays(now, st.LikedAt)
	skips := w.TimesSkipped * float64(st.TimesSkipped)

	score := recency + likedAge + skips + float64(boost)
	if score < 0 {
		return 0
	}
	return score
}

// ageInDays returns the elapsed time from t to now in fractional days. A zero
// t yields an enormous age, which is what a never-seen track should look like.
func ageInDays(now, t time.Time) float64 {
	return now.Sub(t).Hours() / 24
}
