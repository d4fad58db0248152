package scoring

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func key(userID, trackID string) string {
	return userID + "|" + trackID
}

// memWeights implements WeightsStore in memory.
type memWeights struct {
	rows map[string]Weights
}

func (m *memWeights) Get(_ context.Context, userID string) (*Weights, error) {
	if w, ok := m.rows[userID]; ok {
		return &w, nil
	}
	return nil, nil
}

func (m *memWeights) Put(_ context.Context, w Weights) error {
	m.rows[w.UserID] = w
	return nil
}

// memStats implements StatsStore in memory, preserving discovery order.
type memStats struct {
	rows  map[string]TrackStats
	order []string
}

func (m *memStats) Get(_ context.Context, userID, trackID string) (*TrackStats, error) {
	if st, ok := m.rows[key(userID, trackID)]; ok {
		return &st, nil
	}
	return nil, nil
}

func (m *memStats) Put(_ context.Context, st TrackStats) error {
	k := key(st.UserID, st.TrackID)
	if _, ok := m.rows[k]; !ok {
		m.order = append(m.order, k)
	}
	m.rows[k] = st
	return nil
}

func (m *memStats) PutBatch(ctx context.Context, stats []TrackStats) error {
	for _, st := range stats {
		if err := m.Put(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStats) ListForUser(_ context.Context, userID string) ([]TrackStats, error) {
	var out []TrackStats
	for _, k := range m.order {
		if strings.HasPrefix(k, userID+"|") {
			out = append(out, m.rows[k])
		}
	}
	return out, nil
}

// memOverlays implements OverlayStore in memory.
type memOverlays struct {
	boosts  map[string]int
	snoozes map[string]time.Time
}

func (m *memOverlays) IncrementBoost(_ context.Context, userID, trackID string) error {
	m.boosts[key(userID, trackID)]++
	return nil
}

func (m *memOverlays) UpsertSnooze(_ context.Context, userID, trackID string, until time.Time) error {
	m.snoozes[key(userID, trackID)] = until
	return nil
}

func (m *memOverlays) Boost(_ context.Context, userID, trackID string) (int, error) {
	return m.boosts[key(userID, trackID)], nil
}

func (m *memOverlays) Snooze(_ context.Context, userID, trackID string) (time.Time, error) {
	return m.snoozes[key(userID, trackID)], nil
}

func (m *memOverlays) BoostsForUser(_ context.Context, userID string) (map[string]int, error) {
	out := make(map[string]int)
	for k, v := range m.boosts {
		if strings.HasPrefix(k, userID+"|") {
			out[strings.TrimPrefix(k, userID+"|")] = v
		}
	}
	return out, nil
}

func (m *memOverlays) SnoozesForUser(_ context.Context, userID string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for k, v := range m.snoozes {
		if strings.HasPrefix(k, userID+"|") {
			out[strings.TrimPrefix(k, userID+"|")] = v
		}
	}
	return out, nil
}

// memLibrary implements LibraryCache in memory.
type memLibrary struct {
	likes map[string][]LikedTrack
}

func (m *memLibrary) LikedTracks(_ context.Context, userID string) ([]LikedTrack, error) {
	return m.likes[userID], nil
}

type fixture struct {
	weights  *memWeights
	stats    *memStats
	overlays *memOverlays
	library  *memLibrary
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		weights:  &memWeights{rows: make(map[string]Weights)},
		stats:    &memStats{rows: make(map[string]TrackStats)},
		overlays: &memOverlays{boosts: make(map[string]int), snoozes: make(map[string]time.Time)},
		library:  &memLibrary{likes: make(map[string][]LikedTrack)},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	opts = append(opts, WithClock(func() time.Time { return f.now }))
	f.svc = New(Stores{
		Weights:  f.weights,
		Stats:    f.stats,
		Overlays: f.overlays,
		Library:  f.library,
	}, opts...)
	return f
}

func (f *fixture) putStats(t *testing.T, userID, trackID string, playedDaysAgo, likedDaysAgo float64, skips int) {
	t.Helper()
	err := f.stats.Put(context.Background(), TrackStats{
		UserID:       userID,
		TrackID:      trackID,
		LastPlayedAt: f.now.Add(-time.Duration(playedDaysAgo * 24 * float64(time.Hour))),
		LikedAt:      f.now.Add(-time.Duration(likedDaysAgo * 24 * float64(time.Hour))),
		TimesSkipped: skips,
	})
	if err != nil {
		t.Fatalf("putting stats: %v", err)
	}
}

func TestScore_LinearInStaleness(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 10, 100, 0)

	score, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Default weights: 1.0 * 10 days + 0.25 * 100 days
	want := 35.0
	if math.Abs(score-want) > 1e-6 {
		t.Errorf("expected score %.2f, got %.6f", want, score)
	}
}

func TestScore_SkipPenalty(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 10, 100, 2)

	score, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 35 from staleness + 5.0 * 2 skips
	want := 45.0
	if math.Abs(score-want) > 1e-6 {
		t.Errorf("expected score %.2f, got %.6f", want, score)
	}
}

func TestScore_KeepBoostsAdd(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 10, 100, 0)

	base, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.svc.Keep(context.Background(), "user1", "track1"); err != nil {
			t.Fatalf("keep %d: %v", i, err)
		}
	}

	boosted, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(boosted-(base+3)) > 1e-6 {
		t.Errorf("expected score %.2f after 3 keeps, got %.6f", base+3, boosted)
	}
}

func TestScore_SnoozeMasksUntilExpiry(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 10, 100, 0)

	if err := f.svc.Snooze(context.Background(), "user1", "track1", 48*time.Hour); err != nil {
		t.Fatalf("snoozing: %v", err)
	}

	score, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0 {
		t.Errorf("expected masked score 0 during snooze, got %.6f", score)
	}

	// Expire the snooze by moving the clock forward
	f.now = f.now.Add(72 * time.Hour)

	score, err = f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score <= 0 {
		t.Errorf("expected positive score after snooze expiry, got %.6f", score)
	}
}

func TestScore_ClampsAtZero(t *testing.T) {
	f := newFixture(t)
	if err := f.weights.Put(context.Background(), Weights{
		UserID: "user1", LastPlayed: -1.0, LikedWhen: 0, TimesSkipped: 0,
	}); err != nil {
		t.Fatalf("putting weights: %v", err)
	}
	f.putStats(t, "user1", "track1", 10, 10, 0)

	score, err := f.svc.Score(context.Background(), "user1", "track1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0 {
		t.Errorf("expected clamped score 0, got %.6f", score)
	}
}

func TestScore_StalenessOutweighsSkips(t *testing.T) {
	f := newFixture(t)
	if err := f.weights.Put(context.Background(), Weights{
		UserID: "user1", LastPlayed: 0.5, LikedWhen: 0.2, TimesSkipped: 10,
	}); err != nil {
		t.Fatalf("putting weights: %v", err)
	}
	f.putStats(t, "user1", "trackX", 365, 730, 0)
	f.putStats(t, "user1", "trackY", 1, 2, 1)

	scoreX, err := f.svc.Score(context.Background(), "user1", "trackX")
	if err != nil {
		t.Fatalf("scoring X: %v", err)
	}
	scoreY, err := f.svc.Score(context.Background(), "user1", "trackY")
	if err != nil {
		t.Fatalf("scoring Y: %v", err)
	}
	if scoreX <= scoreY {
		t.Errorf("expected year-stale track to outrank fresh skipped one, got X=%.2f Y=%.2f", scoreX, scoreY)
	}
}

func TestScore_RequiresIDs(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Score(context.Background(), "", "track1"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty user, got %v", err)
	}
	if _, err := f.svc.Score(context.Background(), "user1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty track, got %v", err)
	}
}

func TestPreview_OrdersByDescendingScore(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 30, 40, 0) // 30 + 10 = 40
	f.putStats(t, "user1", "track2", 5, 40, 0)  // 5 + 10 = 15
	f.putStats(t, "user1", "track3", 20, 40, 0) // 20 + 10 = 30
	f.putStats(t, "user1", "track4", 10, 40, 0) // 10 + 10 = 20

	tracks, source, err := f.svc.Preview(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != SourceScores {
		t.Errorf("expected source %q, got %q", SourceScores, source)
	}

	want := []string{"track1", "track3", "track4", "track2"}
	assertOrder(t, tracks, want)
}

func TestPreview_SnoozeAndKeepReorder(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "track1", 30, 40, 0)
	f.putStats(t, "user1", "track2", 5, 40, 0)
	f.putStats(t, "user1", "track3", 20, 40, 0)
	f.putStats(t, "user1", "track4", 10, 40, 0)

	// Mask track3 and nudge track2 up, but not past track4
	if err := f.svc.Snooze(context.Background(), "user1", "track3", 24*time.Hour); err != nil {
		t.Fatalf("snoozing: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := f.svc.Keep(context.Background(), "user1", "track2"); err != nil {
			t.Fatalf("keep %d: %v", i, err)
		}
	}

	tracks, _, err := f.svc.Preview(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"track1", "track4", "track2", "track3"}
	assertOrder(t, tracks, want)
}

func TestPreview_TiesKeepDiscoveryOrder(t *testing.T) {
	f := newFixture(t)
	f.putStats(t, "user1", "trackC", 10, 10, 0)
	f.putStats(t, "user1", "trackA", 10, 10, 0)
	f.putStats(t, "user1", "trackB", 10, 10, 0)

	tracks, _, err := f.svc.Preview(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"trackC", "trackA", "trackB"}
	assertOrder(t, tracks, want)
}

func TestPreview_Truncates(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		f.putStats(t, "user1", id, 10, 10, 0)
	}

	tracks, _, err := f.svc.Preview(context.Background(), "user1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tracks) != 2 {
		t.Errorf("expected 2 tracks, got %d", len(tracks))
	}
}

func TestPreview_BootstrapsFromLibraryCache(t *testing.T) {
	f := newFixture(t)
	f.library.likes["user1"] = []LikedTrack{
		{TrackID: "track1", LikedAt: f.now.Add(-48 * time.Hour)},
		{TrackID: "track2", LikedAt: f.now.Add(-24 * time.Hour), LastPlayedAt: f.now.Add(-1 * time.Hour)},
	}

	tracks, source, err := f.svc.Preview(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != SourceBootstrap {
		t.Errorf("expected source %q, got %q", SourceBootstrap, source)
	}
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}
	// track1 was never played, so it dwarfs track2
	if tracks[0] != "track1" {
		t.Errorf("expected track1 first, got %q", tracks[0])
	}
	if _, ok := f.weights.rows["user1"]; !ok {
		t.Error("expected bootstrap to ensure a weights row")
	}
}

func TestPreview_EmptyWhenNothingToRank(t *testing.T) {
	f := newFixture(t)

	tracks, source, err := f.svc.Preview(context.Background(), "user1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source != SourceEmpty {
		t.Errorf("expected source %q, got %q", SourceEmpty, source)
	}
	if tracks == nil {
		t.Error("expected empty slice, got nil")
	}
	if len(tracks) != 0 {
		t.Errorf("expected no tracks, got %d", len(tracks))
	}
}

func TestUpdateStats_RejectsNegativeSkips(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UpdateStats(context.Background(), TrackStats{
		UserID: "user1", TrackID: "track1", TimesSkipped: -1,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateWeights_RequiresUser(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UpdateWeights(context.Background(), Weights{LastPlayed: 1})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIngest_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.library.likes["user1"] = []LikedTrack{
		{TrackID: "track1", LikedAt: f.now.Add(-48 * time.Hour)},
		{TrackID: "track2", LikedAt: f.now.Add(-24 * time.Hour)},
	}

	first, err := f.svc.IngestFromLibraryCache(context.Background(), "user1")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Ingested != 2 {
		t.Errorf("expected 2 ingested, got %d", first.Ingested)
	}
	if !first.EnsuredWeights {
		t.Error("expected first ingest to create the weights row")
	}

	second, err := f.svc.IngestFromLibraryCache(context.Background(), "user1")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.EnsuredWeights {
		t.Error("expected second ingest to leave the weights row alone")
	}
	if got := len(f.stats.order); got != 2 {
		t.Errorf("expected 2 stats rows after re-ingest, got %d", got)
	}
}

func TestIngest_DoesNotOverwriteCustomWeights(t *testing.T) {
	f := newFixture(t)
	custom := Weights{UserID: "user1", LastPlayed: 2, LikedWhen: 1, TimesSkipped: 0}
	if err := f.weights.Put(context.Background(), custom); err != nil {
		t.Fatalf("putting weights: %v", err)
	}
	f.library.likes["user1"] = []LikedTrack{{TrackID: "track1", LikedAt: f.now}}

	if _, err := f.svc.IngestFromLibraryCache(context.Background(), "user1"); err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if got := f.weights.rows["user1"]; got != custom {
		t.Errorf("expected custom weights preserved, got %+v", got)
	}
}

func TestSnoozeUntil_ZeroAppliesDefault(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.SnoozeUntil(context.Background(), "user1", "track1", time.Time{}); err != nil {
		t.Fatalf("snoozing: %v", err)
	}

	until := f.overlays.snoozes[key("user1", "track1")]
	want := f.now.Add(DefaultSnoozeDuration)
	if !until.Equal(want) {
		t.Errorf("expected snooze until %s, got %s", want, until)
	}
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d tracks, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}
