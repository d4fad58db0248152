package spotify

import (
	"context"
	"fmt"
	"log"

	"github.com/zmb3/spotify/v2"

	"github.com/justestif/go-spotify-replay/internal/library"
)

// FetchAudioFeatures retrieves audio features for the given tracks, keyed by
// track ID. Batches requests to max 100 tracks per request per Spotify API
// limits. Tracks without available audio features are absent from the result.
func (c *Client) FetchAudioFeatures(ctx context.Context, trackIDs []string) (map[string]library.AudioFeatures, error) {
	features := make(map[string]library.AudioFeatures, len(trackIDs))
	if len(trackIDs) == 0 {
		return features, nil
	}

	ids := make([]spotify.ID, len(trackIDs))
	for i, id := range trackIDs {
		ids[i] = spotify.ID(id)
	}

	total := len(ids)

	// Fetch in batches of 100
	for i := 0; i < total; i += maxTracksPerRequest {
		end := min(i+maxTracksPerRequest, total)
		batch := ids[i:end]

		log.Printf("Fetching audio features %d-%d of %d...", i+1, end, total)

		result, err := c.api.GetAudioFeatures(ctx, batch...)
		if err != nil {
			return nil, fmt.Errorf("fetching audio features (batch %d-%d): %w", i+1, end, err)
		}

		for _, f := range result {
			if f == nil {
				continue // Track has no audio features
			}
			features[f.ID.String()] = library.AudioFeatures{
				Tempo:   float64(f.Tempo),
				Energy:  float64(f.Energy),
				Valence: float64(f.Valence),
			}
		}
	}

	return features, nil
}
