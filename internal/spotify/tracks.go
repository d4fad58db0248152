package spotify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zmb3/spotify/v2"

	"github.com/justestif/go-spotify-replay/internal/library"
)

// FetchLikedSongs retrieves all tracks from the user's library.
// Returns tracks with artists joined by ", ". Progress is logged during fetch.
func (c *Client) FetchLikedSongs(ctx context.Context) ([]library.SavedTrack, error) {
	var tracks []library.SavedTrack

	// Fetch first page (limit 50 is max per request)
	page, err := c.api.CurrentUsersTracks(ctx, spotify.Limit(50))
	if err != nil {
		return nil, fmt.Errorf("fetching liked songs: %w", err)
	}

	for {
		for _, saved := range page.Tracks {
			tracks = append(tracks, convertSavedTrack(saved))
		}

		log.Printf("Fetched %d liked songs...", len(tracks))

		err = c.api.NextPage(ctx, page)
		if errors.Is(err, spotify.ErrNoMorePages) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetching next page: %w", err)
		}
	}

	log.Printf("Fetched %d liked songs total.", len(tracks))
	return tracks, nil
}

// FetchRecentlyPlayed retrieves the user's recently played tracks.
// The API serves at most the last 50 plays.
func (c *Client) FetchRecentlyPlayed(ctx context.Context) ([]library.PlayedTrack, error) {
	items, err := c.api.PlayerRecentlyPlayedOpt(ctx, &spotify.RecentlyPlayedOptions{Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("fetching recently played: %w", err)
	}

	plays := make([]library.PlayedTrack, 0, len(items))
	for _, item := range items {
		plays = append(plays, library.PlayedTrack{
			ID:       item.Track.ID.String(),
			PlayedAt: item.PlayedAt,
		})
	}
	return plays, nil
}

// FetchPlaylists retrieves the user's playlists with their track IDs.
// Playlists whose items cannot be fetched are skipped with a log line.
func (c *Client) FetchPlaylists(ctx context.Context) ([]library.Playlist, error) {
	page, err := c.api.CurrentUsersPlaylists(ctx, spotify.Limit(50))
	if err != nil {
		return nil, fmt.Errorf("fetching playlists: %w", err)
	}

	var playlists []library.Playlist
	for {
		for _, pl := range page.Playlists {
			trackIDs, err := c.fetchPlaylistTrackIDs(ctx, pl.ID)
			if err != nil {
				log.Printf("Skipping playlist %s: %v", pl.ID, err)
				continue
			}
			playlists = append(playlists, library.Playlist{
				ID:       pl.ID.String(),
				TrackIDs: trackIDs,
			})
		}

		err = c.api.NextPage(ctx, page)
		if errors.Is(err, spotify.ErrNoMorePages) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetching next page: %w", err)
		}
	}
	return playlists, nil
}

func (c *Client) fetchPlaylistTrackIDs(ctx context.Context, playlistID spotify.ID) ([]string, error) {
	page, err := c.api.GetPlaylistItems(ctx, playlistID, spotify.Limit(50))
	if err != nil {
		return nil, fmt.Errorf("fetching playlist items: %w", err)
	}

	var trackIDs []string
	for {
		for _, item := range page.Items {
			// Episodes and removed tracks have no track object
			if item.Track.Track == nil {
				continue
			}
			trackIDs = append(trackIDs, item.Track.Track.ID.String())
		}

		err = c.api.NextPage(ctx, page)
		if errors.Is(err, spotify.ErrNoMorePages) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fetching next page: %w", err)
		}
	}
	return trackIDs, nil
}

// convertSavedTrack converts a Spotify SavedTrack to library.SavedTrack.
func convertSavedTrack(saved spotify.SavedTrack) library.SavedTrack {
	artists := make([]string, len(saved.Artists))
	for i, a := range saved.Artists {
		artists[i] = a.Name
	}

	// Parse AddedAt timestamp, use zero value on failure
	addedAt, _ := time.Parse(time.RFC3339, saved.AddedAt)

	return library.SavedTrack{
		ID:      saved.ID.String(),
		Title:   saved.Name,
		Artist:  strings.Join(artists, ", "),
		AddedAt: addedAt,
	}
}
