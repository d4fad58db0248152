// Package spotify adapts the Spotify Web API to the reads the library sync
// needs (liked songs, recent plays, playlists, audio features) and the
// playlist writes that apply swipe decisions. It satisfies library.Fetcher.
package spotify

import (
	"context"
	"fmt"

	"github.com/zmb3/spotify/v2"
)

// Client holds an authenticated API client for one user's requests.
type Client struct {
	api *spotify.Client
}

// New wraps an API client. Authentication happens upstream; the web layer
// builds the underlying client from the session's OAuth token.
func New(api *spotify.Client) *Client {
	return &Client{api: api}
}

// UserID returns the Spotify ID of the user the client is authenticated as.
func (c *Client) UserID(ctx context.Context) (string, error) {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("getting current user: %w", err)
	}
	return user.ID, nil
}
