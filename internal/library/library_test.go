package library

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockFetcher implements Fetcher for testing.
type mockFetcher struct {
	saved     []SavedTrack
	recent    []PlayedTrack
	playlists []Playlist
	features  map[string]AudioFeatures

	savedErr    error
	recentErr   error
	playlistErr error
	featuresErr error
}

func (m *mockFetcher) FetchLikedSongs(_ context.Context) ([]SavedTrack, error) {
	return m.saved, m.savedErr
}

func (m *mockFetcher) FetchRecentlyPlayed(_ context.Context) ([]PlayedTrack, error) {
	return m.recent, m.recentErr
}

func (m *mockFetcher) FetchPlaylists(_ context.Context) ([]Playlist, error) {
	return m.playlists, m.playlistErr
}

func (m *mockFetcher) FetchAudioFeatures(_ context.Context, _ []string) (map[string]AudioFeatures, error) {
	return m.features, m.featuresErr
}

// mockStore captures the snapshot handed to ReplaceUserLibrary.
type mockStore struct {
	lastSync *time.Time
	snap     *Snapshot
	putErr   error
}

func (m *mockStore) ReplaceUserLibrary(_ context.Context, snap Snapshot) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.snap = &snap
	return nil
}

func (m *mockStore) LastSyncAt(_ context.Context, _ string) (*time.Time, error) {
	return m.lastSync, nil
}

func TestSync_ReplacesLibrary(t *testing.T) {
	liked := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{
		saved: []SavedTrack{
			{ID: "t1", Title: "One", Artist: "Artist A", AddedAt: liked},
			{ID: "t2", Title: "Two", Artist: "Artist B", AddedAt: liked.Add(time.Hour)},
		},
		recent: []PlayedTrack{
			{ID: "t1", PlayedAt: liked.Add(24 * time.Hour)},
			{ID: "t3", PlayedAt: liked.Add(25 * time.Hour)},
		},
		playlists: []Playlist{
			{ID: "pl1", TrackIDs: []string{"t2", "t4"}},
		},
		features: map[string]AudioFeatures{
			"t1": {Tempo: 120, Energy: 0.8, Valence: 0.6},
		},
	}
	store := &mockStore{}
	svc := New(store)

	result, err := svc.Sync(context.Background(), fetcher, "user1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Tracks != 4 {
		t.Errorf("expected 4 tracks (t1-t4), got %d", result.Tracks)
	}
	if result.Likes != 2 || result.Plays != 2 || result.Playlists != 1 {
		t.Errorf("unexpected counts: %+v", result)
	}

	snap := store.snap
	if snap == nil {
		t.Fatal("expected snapshot to be stored")
	}
	if snap.UserID != "user1" {
		t.Errorf("expected user1, got %q", snap.UserID)
	}

	// Liked tracks carry metadata; tracks seen only via plays/playlists do not
	byID := make(map[string]CachedTrack)
	for _, tr := range snap.Tracks {
		byID[tr.ID] = tr
	}
	if byID["t1"].Title != "One" || byID["t2"].Title != "Two" {
		t.Errorf("expected liked-track metadata, got %+v", snap.Tracks)
	}
	if byID["t3"].Title != "" || byID["t4"].Title != "" {
		t.Errorf("expected bare entries for indirect tracks, got %+v", snap.Tracks)
	}

	// Features applied where available
	if byID["t1"].Tempo == nil || *byID["t1"].Tempo != 120 {
		t.Errorf("expected t1 tempo 120, got %+v", byID["t1"].Tempo)
	}
	if byID["t2"].Tempo != nil {
		t.Errorf("expected t2 to have no features, got %+v", byID["t2"].Tempo)
	}
}

func TestSync_CollapsesRepeatPlays(t *testing.T) {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &mockFetcher{
		saved: []SavedTrack{{ID: "t1", Title: "One", AddedAt: base}},
		recent: []PlayedTrack{
			{ID: "t1", PlayedAt: base.Add(2 * time.Hour)},
			{ID: "t1", PlayedAt: base.Add(5 * time.Hour)},
			{ID: "t1", PlayedAt: base.Add(1 * time.Hour)},
		},
	}
	store := &mockStore{}
	svc := New(store)

	if _, err := svc.Sync(context.Background(), fetcher, "user1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.snap.Plays) != 1 {
		t.Fatalf("expected 1 collapsed play, got %d", len(store.snap.Plays))
	}
	if got := store.snap.Plays[0].LastPlayedAt; !got.Equal(base.Add(5 * time.Hour)) {
		t.Errorf("expected most recent play kept, got %s", got)
	}
}

func TestSync_LikedSongsFailureAborts(t *testing.T) {
	fetcher := &mockFetcher{savedErr: errors.New("rate limited")}
	store := &mockStore{}
	svc := New(store)

	if _, err := svc.Sync(context.Background(), fetcher, "user1", false); err == nil {
		t.Fatal("expected error when liked songs fail")
	}
	if store.snap != nil {
		t.Error("expected no snapshot stored on failure")
	}
}

func TestSync_OptionalSourcesDegrade(t *testing.T) {
	fetcher := &mockFetcher{
		saved:       []SavedTrack{{ID: "t1", Title: "One"}},
		recentErr:   errors.New("recent down"),
		playlistErr: errors.New("playlists down"),
		featuresErr: errors.New("features down"),
	}
	store := &mockStore{}
	svc := New(store)

	result, err := svc.Sync(context.Background(), fetcher, "user1", false)
	if err != nil {
		t.Fatalf("expected best-effort success, got %v", err)
	}
	if result.Tracks != 1 || result.Plays != 0 || result.Playlists != 0 {
		t.Errorf("unexpected counts: %+v", result)
	}
	if store.snap.Tracks[0].Tempo != nil {
		t.Error("expected no features when the feature fetch fails")
	}
}

func TestSync_CooldownBlocks(t *testing.T) {
	recent := time.Now().Add(-10 * time.Minute)
	store := &mockStore{lastSync: &recent}
	svc := New(store)
	fetcher := &mockFetcher{saved: []SavedTrack{{ID: "t1"}}}

	_, err := svc.Sync(context.Background(), fetcher, "user1", false)
	if !errors.Is(err, ErrSyncTooRecent) {
		t.Fatalf("expected ErrSyncTooRecent, got %v", err)
	}

	// force bypasses the cooldown
	if _, err := svc.Sync(context.Background(), fetcher, "user1", true); err != nil {
		t.Errorf("expected forced sync to succeed, got %v", err)
	}
}

func TestCanSync(t *testing.T) {
	t.Run("never synced", func(t *testing.T) {
		svc := New(&mockStore{})
		ok, _, err := svc.CanSync(context.Background(), "user1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected first sync to be allowed")
		}
	})

	t.Run("within cooldown", func(t *testing.T) {
		last := time.Now().Add(-10 * time.Minute)
		svc := New(&mockStore{lastSync: &last})
		ok, next, err := svc.CanSync(context.Background(), "user1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected sync to be blocked within cooldown")
		}
		if want := last.Add(DefaultSyncCooldown); !next.Equal(want) {
			t.Errorf("expected next sync at %s, got %s", want, next)
		}
	})

	t.Run("custom cooldown elapsed", func(t *testing.T) {
		last := time.Now().Add(-10 * time.Minute)
		svc := New(&mockStore{lastSync: &last}, WithSyncCooldown(5*time.Minute))
		ok, _, err := svc.CanSync(context.Background(), "user1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("expected sync to be allowed after custom cooldown")
		}
	})
}
