package health

import (
	"log"
	"slices"

	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// OutlierConfig holds the feature-outlier detection parameters.
type OutlierConfig struct {
	NumClusters    int     // Clusters to partition the playlist into (default: 3)
	DistanceFactor float64 // A track is an outlier beyond factor x mean distance to its centroid
	MinTracks      int     // Minimum tracks with features before outlier detection runs
}

// DefaultOutlierConfig returns the recommended default configuration.
func DefaultOutlierConfig() OutlierConfig {
	return OutlierConfig{
		NumClusters:    3,
		DistanceFactor: 2.0,
		MinTracks:      8,
	}
}

// maxTempo bounds tempo normalization so it shares the 0..1 range of the
// other features.
const maxTempo = 250.0

// entryObservation wraps one snapshot entry to implement clusters.Observation.
type entryObservation struct {
	idx    int
	coords clusters.Coordinates
}

func (o entryObservation) Coordinates() clusters.Coordinates {
	return o.coords
}

func (o entryObservation) Distance(point clusters.Coordinates) float64 {
	return o.coords.Distance(point)
}

// scanSnapshot walks the snapshot once for unavailable tracks and duplicates,
// then clusters the tracks that have cached audio features and flags entries
// far from their cluster centroid as outliers. Findings are ordered by
// snapshot index.
func scanSnapshot(trackIDs []string, info map[string]TrackInfo, cfg OutlierConfig) []Finding {
	var findings []Finding
	seen := make(map[string]bool, len(trackIDs))
	var observations []entryObservation

	for idx, trackID := range trackIDs {
		if trackID == "" {
			findings = append(findings, Finding{Idx: idx, TrackID: trackID, Kind: KindUnavailable})
			continue
		}
		ti, known := info[trackID]
		if known && !ti.Available {
			findings = append(findings, Finding{Idx: idx, TrackID: trackID, Kind: KindUnavailable})
			continue
		}

		if seen[trackID] {
			findings = append(findings, Finding{Idx: idx, TrackID: trackID, Kind: KindDuplicate})
		} else {
			seen[trackID] = true
		}

		if known && hasFeatures(ti) {
			observations = append(observations, entryObservation{
				idx:    idx,
				coords: extractFeatures(ti),
			})
		}
	}

	for _, idx := range detectOutliers(observations, cfg) {
		findings = append(findings, Finding{Idx: idx, TrackID: trackIDs[idx], Kind: KindOutlier})
	}

	slices.SortStableFunc(findings, func(a, b Finding) int {
		return a.Idx - b.Idx
	})
	return findings
}

// detectOutliers partitions the observations with k-means and returns the
// snapshot indices of entries whose distance to their cluster centroid
// exceeds DistanceFactor times the cluster's mean distance.
func detectOutliers(observations []entryObservation, cfg OutlierConfig) []int {
	if cfg.NumClusters <= 0 {
		cfg.NumClusters = DefaultOutlierConfig().NumClusters
	}
	if cfg.DistanceFactor <= 0 {
		cfg.DistanceFactor = DefaultOutlierConfig().DistanceFactor
	}
	if len(observations) < cfg.MinTracks || len(observations) < cfg.NumClusters {
		return nil
	}

	var obs clusters.Observations
	for _, o := range observations {
		obs = append(obs, o)
	}

	km := kmeans.New()
	result, err := km.Partition(obs, cfg.NumClusters)
	if err != nil {
		log.Printf("playlist health: k-means partition failed: %v", err)
		return nil
	}

	var outliers []int
	for _, cluster := range result {
		if len(cluster.Observations) == 0 {
			continue
		}

		distances := make([]float64, len(cluster.Observations))
		var sum float64
		for i, o := range cluster.Observations {
			distances[i] = o.Distance(cluster.Center)
			sum += distances[i]
		}
		mean := sum / float64(len(cluster.Observations))
		if mean == 0 {
			continue
		}

		threshold := cfg.DistanceFactor * mean
		for i, o := range cluster.Observations {
			if distances[i] <= threshold {
				continue
			}
			if eo, ok := o.(entryObservation); ok {
				outliers = append(outliers, eo.idx)
			}
		}
	}
	return outliers
}

// hasFeatures checks that a track has all the cached features clustering uses.
func hasFeatures(ti TrackInfo) bool {
	return ti.Tempo != nil && ti.Energy != nil && ti.Valence != nil
}

// extractFeatures builds the coordinate vector, with tempo normalized into
// the 0..1 range shared by energy and valence.
func extractFeatures(ti TrackInfo) clusters.Coordinates {
	tempo := *ti.Tempo / maxTempo
	if tempo > 1 {
		tempo = 1
	}
	return clusters.Coordinates{tempo, *ti.Energy, *ti.Valence}
}
