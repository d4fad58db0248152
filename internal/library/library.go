// Package library maintains the local cache of a user's streaming library:
// track metadata, likes, recent plays and playlists pulled from the platform.
// The cache is what the scoring engine ingests from.
package library

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Common errors.
var (
	// ErrSyncTooRecent is returned when sync is attempted within the cooldown period.
	ErrSyncTooRecent = errors.New("sync attempted too recently")
)

// DefaultSyncCooldown is the default time between allowed syncs.
const DefaultSyncCooldown = 1 * time.Hour

// SavedTrack is a liked track as reported by the platform.
type SavedTrack struct {
	ID      string
	Title   string
	Artist  string
	AddedAt time.Time
}

// PlayedTrack is one recent-play record.
type PlayedTrack struct {
	ID       string
	PlayedAt time.Time
}

// Playlist is a playlist with its ordered track IDs.
type Playlist struct {
	ID       string
	TrackIDs []string
}

// AudioFeatures holds the platform-supplied feature values for a track.
type AudioFeatures struct {
	Tempo   float64
	Energy  float64
	Valence float64
}

// CachedTrack is the track metadata row stored in the cache. Feature fields
// are nil when the platform supplied none.
type CachedTrack struct {
	ID        string
	Title     string
	Artist    string
	Available bool
	Tempo     *float64
	Energy    *float64
	Valence   *float64
}

// Like is a cached liked-track fact.
type Like struct {
	TrackID string
	AddedAt time.Time
}

// Play is a cached last-play fact, one per (user, track).
type Play struct {
	TrackID      string
	LastPlayedAt time.Time
}

// Snapshot is a full replacement of one user's cached library.
type Snapshot struct {
	UserID    string
	Tracks    []CachedTrack
	Likes     []Like
	Plays     []Play
	Playlists []Playlist
	SyncedAt  time.Time
}

// Fetcher abstracts the streaming platform reads, for testing.
type Fetcher interface {
	FetchLikedSongs(ctx context.Context) ([]SavedTrack, error)
	FetchRecentlyPlayed(ctx context.Context) ([]PlayedTrack, error)
	FetchPlaylists(ctx context.Context) ([]Playlist, error)
	FetchAudioFeatures(ctx context.Context, trackIDs []string) (map[string]AudioFeatures, error)
}

// Store persists cached libraries. ReplaceUserLibrary swaps out one user's
// cached data wholesale without touching other users.
type Store interface {
	ReplaceUserLibrary(ctx context.Context, snap Snapshot) error
	LastSyncAt(ctx context.Context, userID string) (*time.Time, error)
}

// Service syncs a user's library from the platform into the cache.
type Service struct {
	store        Store
	syncCooldown time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithSyncCooldown sets the minimum time between syncs.
func WithSyncCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncCooldown = d
		}
	}
}

// New creates a library sync service.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		syncCooldown: DefaultSyncCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result reports what a sync wrote to the cache.
type Result struct {
	Tracks    int
	Likes     int
	Plays     int
	Playlists int
	SyncedAt  time.Time
}

// CanSync checks if enough time has passed since the user's last sync.
// Also returns when the next sync will be available if it is not.
func (s *Service) CanSync(ctx context.Context, userID string) (bool, time.Time, error) {
	lastSync, err := s.store.LastSyncAt(ctx, userID)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("getting last sync: %w", err)
	}
	if lastSync == nil {
		return true, time.Time{}, nil
	}
	nextSync := lastSync.Add(s.syncCooldown)
	if time.Now().Before(nextSync) {
		return false, nextSync, nil
	}
	return true, time.Time{}, nil
}

// Sync pulls the user's library from the platform and replaces the cached
// copy. Liked songs are required; recent plays, playlists and audio features
// are best-effort and degrade to empty on failure. Set force=true to bypass
// the cooldown check.
func (s *Service) Sync(ctx context.Context, f Fetcher, userID string, force bool) (*Result, error) {
	if !force {
		canSync, nextTime, err := s.CanSync(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !canSync {
			return nil, fmt.Errorf("%w: next sync available at %s", ErrSyncTooRecent, nextTime.Format(time.RFC3339))
		}
	}

	saved, err := f.FetchLikedSongs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching liked songs: %w", err)
	}

	recent, err := f.FetchRecentlyPlayed(ctx)
	if err != nil {
		log.Printf("library sync: fetching recently played failed: %v", err)
		recent = nil
	}

	playlists, err := f.FetchPlaylists(ctx)
	if err != nil {
		log.Printf("library sync: fetching playlists failed: %v", err)
		playlists = nil
	}

	snap := buildSnapshot(userID, saved, recent, playlists)

	if ids := trackIDs(snap.Tracks); len(ids) > 0 {
		features, err := f.FetchAudioFeatures(ctx, ids)
		if err != nil {
			log.Printf("library sync: fetching audio features failed: %v", err)
		} else {
			applyFeatures(snap.Tracks, features)
		}
	}

	snap.SyncedAt = time.Now()
	if err := s.store.ReplaceUserLibrary(ctx, snap); err != nil {
		return nil, fmt.Errorf("replacing cached library: %w", err)
	}

	return &Result{
		Tracks:    len(snap.Tracks),
		Likes:     len(snap.Likes),
		Plays:     len(snap.Plays),
		Playlists: len(snap.Playlists),
		SyncedAt:  snap.SyncedAt,
	}, nil
}

// buildSnapshot folds the platform reads into a cache snapshot. Track
// metadata is collected across all sources; repeat plays collapse to the most
// recent per track.
func buildSnapshot(userID string, saved []SavedTrack, recent []PlayedTrack, playlists []Playlist) Snapshot {
	var order []string
	tracks := make(map[string]CachedTrack)
	ensure := func(id, title, artist string) {
		if id == "" {
			return
		}
		if existing, ok := tracks[id]; ok {
			if existing.Title == "" && title != "" {
				existing.Title = title
				existing.Artist = artist
				tracks[id] = existing
			}
			return
		}
		tracks[id] = CachedTrack{ID: id, Title: title, Artist: artist, Available: true}
		order = append(order, id)
	}

	likes := make([]Like, 0, len(saved))
	for _, st := range saved {
		ensure(st.ID, st.Title, st.Artist)
		likes = append(likes, Like{TrackID: st.ID, AddedAt: st.AddedAt})
	}

	lastPlayed := make(map[string]time.Time)
	var playOrder []string
	for _, pt := range recent {
		ensure(pt.ID, "", "")
		if prev, ok := lastPlayed[pt.ID]; !ok {
			lastPlayed[pt.ID] = pt.PlayedAt
			playOrder = append(playOrder, pt.ID)
		} else if pt.PlayedAt.After(prev) {
			lastPlayed[pt.ID] = pt.PlayedAt
		}
	}
	plays := make([]Play, 0, len(playOrder))
	for _, id := range playOrder {
		plays = append(plays, Play{TrackID: id, LastPlayedAt: lastPlayed[id]})
	}

	for _, pl := range playlists {
		for _, id := range pl.TrackIDs {
			ensure(id, "", "")
		}
	}

	snapTracks := make([]CachedTrack, len(order))
	for i, id := range order {
		snapTracks[i] = tracks[id]
	}

	return Snapshot{
		UserID:    userID,
		Tracks:    snapTracks,
		Likes:     likes,
		Plays:     plays,
		Playlists: playlists,
	}
}

func trackIDs(tracks []CachedTrack) []string {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	return ids
}

func applyFeatures(tracks []CachedTrack, features map[string]AudioFeatures) {
	for i := range tracks {
		f, ok := features[tracks[i].ID]
		if !ok {
			continue
		}
		tempo, energy, valence := f.Tempo, f.Energy, f.Valence
		tracks[i].Tempo = &tempo
		tracks[i].Energy = &energy
		tracks[i].Valence = &valence
	}
}
