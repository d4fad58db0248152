package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memSnapshots implements SnapshotStore in memory.
type memSnapshots struct {
	rows map[uuid.UUID]*Snapshot
}

func (m *memSnapshots) Create(_ context.Context, snap *Snapshot) error {
	cp := *snap
	m.rows[snap.ID] = &cp
	return nil
}

func (m *memSnapshots) Get(_ context.Context, id uuid.UUID) (*Snapshot, error) {
	snap, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// memReports implements ReportStore in memory.
type memReports struct {
	rows map[uuid.UUID]*Report
}

func (m *memReports) Create(_ context.Context, report *Report) error {
	cp := *report
	m.rows[report.ID] = &cp
	return nil
}

func (m *memReports) Get(_ context.Context, id uuid.UUID) (*Report, error) {
	report, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *report
	return &cp, nil
}

// mapTrackSource serves TrackInfo from a fixed map.
type mapTrackSource struct {
	info map[string]TrackInfo
}

func (m *mapTrackSource) InfoForTracks(_ context.Context, trackIDs []string) (map[string]TrackInfo, error) {
	out := make(map[string]TrackInfo)
	for _, id := range trackIDs {
		if ti, ok := m.info[id]; ok {
			out[id] = ti
		}
	}
	return out, nil
}

func newHealthService(info map[string]TrackInfo, opts ...Option) (*Service, *memSnapshots, *memReports) {
	snapshots := &memSnapshots{rows: make(map[uuid.UUID]*Snapshot)}
	reports := &memReports{rows: make(map[uuid.UUID]*Report)}
	svc := New(snapshots, reports, &mapTrackSource{info: info}, opts...)
	return svc, snapshots, reports
}

// noOutliers disables feature clustering so duplicate/unavailable scans are
// deterministic in isolation.
func noOutliers() Option {
	return WithOutlierConfig(OutlierConfig{NumClusters: 3, DistanceFactor: 2.0, MinTracks: 1 << 30})
}

func f64(v float64) *float64 { return &v }

func TestSnapshot_Validation(t *testing.T) {
	svc, _, _ := newHealthService(nil)

	cases := []struct {
		name       string
		playlistID string
		userID     string
		trackIDs   []string
	}{
		{"missing playlist", "", "user1", []string{"a"}},
		{"missing user", "pl1", "", []string{"a"}},
		{"empty tracks", "pl1", "user1", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Snapshot(context.Background(), tc.playlistID, tc.userID, tc.trackIDs)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAnalyze_FindsDuplicates(t *testing.T) {
	svc, _, reports := newHealthService(nil, noOutliers())

	snapID, err := svc.Snapshot(context.Background(), "pl1", "user1", []string{"a", "b", "a", "c", "b", "a"})
	if err != nil {
		t.Fatalf("snapshotting: %v", err)
	}

	reportID, err := svc.Analyze(context.Background(), "pl1", snapID)
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}

	report := reports.rows[reportID]
	want := []Finding{
		{Idx: 2, TrackID: "a", Kind: KindDuplicate},
		{Idx: 4, TrackID: "b", Kind: KindDuplicate},
		{Idx: 5, TrackID: "a", Kind: KindDuplicate},
	}
	assertFindings(t, report.Findings, want)
}

func TestAnalyze_FindsUnavailable(t *testing.T) {
	info := map[string]TrackInfo{
		"a": {TrackID: "a", Available: true},
		"b": {TrackID: "b", Available: false},
	}
	svc, _, reports := newHealthService(info, noOutliers())

	// "" is a removed entry, "b" is cached unavailable, "x" is unknown
	snapID, err := svc.Snapshot(context.Background(), "pl1", "user1", []string{"a", "", "b", "x"})
	if err != nil {
		t.Fatalf("snapshotting: %v", err)
	}

	reportID, err := svc.Analyze(context.Background(), "pl1", snapID)
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}

	report := reports.rows[reportID]
	want := []Finding{
		{Idx: 1, TrackID: "", Kind: KindUnavailable},
		{Idx: 2, TrackID: "b", Kind: KindUnavailable},
	}
	assertFindings(t, report.Findings, want)
}

func TestAnalyze_UnavailableDoesNotCountAsDuplicate(t *testing.T) {
	info := map[string]TrackInfo{
		"a": {TrackID: "a", Available: false},
	}
	svc, _, reports := newHealthService(info, noOutliers())

	snapID, err := svc.Snapshot(context.Background(), "pl1", "user1", []string{"a", "a"})
	if err != nil {
		t.Fatalf("snapshotting: %v", err)
	}

	reportID, err := svc.Analyze(context.Background(), "pl1", snapID)
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}

	report := reports.rows[reportID]
	want := []Finding{
		{Idx: 0, TrackID: "a", Kind: KindUnavailable},
		{Idx: 1, TrackID: "a", Kind: KindUnavailable},
	}
	assertFindings(t, report.Findings, want)
}

func TestAnalyze_UnknownSnapshot(t *testing.T) {
	svc, _, _ := newHealthService(nil)

	_, err := svc.Analyze(context.Background(), "pl1", uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAnalyze_PlaylistMismatch(t *testing.T) {
	svc, _, _ := newHealthService(nil, noOutliers())

	snapID, err := svc.Snapshot(context.Background(), "pl1", "user1", []string{"a"})
	if err != nil {
		t.Fatalf("snapshotting: %v", err)
	}

	_, err = svc.Analyze(context.Background(), "other", snapID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong playlist, got %v", err)
	}
}

func TestGetReport_RoundTrip(t *testing.T) {
	svc, _, _ := newHealthService(nil, noOutliers())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clocked := New(&memSnapshots{rows: make(map[uuid.UUID]*Snapshot)},
		&memReports{rows: make(map[uuid.UUID]*Report)},
		&mapTrackSource{}, noOutliers(), WithClock(func() time.Time { return now }))

	snapID, err := clocked.Snapshot(context.Background(), "pl1", "user1", []string{"a", "a"})
	if err != nil {
		t.Fatalf("snapshotting: %v", err)
	}
	reportID, err := clocked.Analyze(context.Background(), "pl1", snapID)
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}

	report, err := clocked.GetReport(context.Background(), reportID)
	if err != nil {
		t.Fatalf("getting report: %v", err)
	}
	if report.PlaylistID != "pl1" || report.SnapshotID != snapID {
		t.Errorf("unexpected report identity: %+v", report)
	}
	if !report.ScannedAt.Equal(now) {
		t.Errorf("expected scannedAt %s, got %s", now, report.ScannedAt)
	}
	if len(report.Findings) != 1 || report.Findings[0].Kind != KindDuplicate {
		t.Errorf("unexpected findings: %+v", report.Findings)
	}

	if _, err := svc.GetReport(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown report, got %v", err)
	}
}

func TestDetectOutliers_SkipsSmallPlaylists(t *testing.T) {
	obs := []entryObservation{
		{idx: 0, coords: []float64{0.1, 0.1, 0.1}},
		{idx: 1, coords: []float64{0.9, 0.9, 0.9}},
	}

	got := detectOutliers(obs, DefaultOutlierConfig())
	if got != nil {
		t.Errorf("expected no outliers below MinTracks, got %v", got)
	}
}

func TestDetectOutliers_UniformClusterHasNone(t *testing.T) {
	// Identical points give every cluster a zero mean distance, which the
	// detector treats as nothing to flag.
	var obs []entryObservation
	for i := 0; i < 10; i++ {
		obs = append(obs, entryObservation{idx: i, coords: []float64{0.5, 0.5, 0.5}})
	}

	got := detectOutliers(obs, OutlierConfig{NumClusters: 3, DistanceFactor: 2.0, MinTracks: 8})
	if len(got) != 0 {
		t.Errorf("expected no outliers in a uniform playlist, got %v", got)
	}
}

func TestExtractFeatures_NormalizesTempo(t *testing.T) {
	ti := TrackInfo{Tempo: f64(125), Energy: f64(0.6), Valence: f64(0.4)}
	coords := extractFeatures(ti)
	if coords[0] != 0.5 {
		t.Errorf("expected tempo 125 to normalize to 0.5, got %f", coords[0])
	}

	fast := TrackInfo{Tempo: f64(400), Energy: f64(0.6), Valence: f64(0.4)}
	if got := extractFeatures(fast)[0]; got != 1 {
		t.Errorf("expected tempo above the bound to cap at 1, got %f", got)
	}
}

func TestHasFeatures_RequiresAllThree(t *testing.T) {
	if hasFeatures(TrackInfo{Tempo: f64(120), Energy: f64(0.5)}) {
		t.Error("expected missing valence to fail the feature check")
	}
	if !hasFeatures(TrackInfo{Tempo: f64(120), Energy: f64(0.5), Valence: f64(0.5)}) {
		t.Error("expected complete features to pass the check")
	}
}

func assertFindings(t *testing.T, got, want []Finding) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d findings, got %d (%+v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("finding %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}
