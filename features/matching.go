package features

import (
	"gonum.org/v1/gonum/floats"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	// DoCrossCheck keeps a match only if it is mutual best in both directions.
	DoCrossCheck bool
	// MaxDist rejects matches with a Hamming distance at or above this value.
	MaxDist int
}

// Match pairs a descriptor index in the first set with one in the second.
type Match struct {
	Idx1, Idx2 int
	Distance   int
}

// MatchDescriptors matches desc1 against desc2 with nearest-neighbor search
// under Hamming distance, optional cross-check and distance gating. Matches
// come back sorted by increasing distance.
func MatchDescriptors(desc1, desc2 []Descriptor, cfg *MatchingConfig) []Match {
	if len(desc1) == 0 || len(desc2) == 0 {
		return nil
	}
	best2 := make([]int, len(desc1))
	dist2 := make([]int, len(desc1))
	for i, d1 := range desc1 {
		best, bestDist := -1, 1<<31
		for j, d2 := range desc2 {
			d, err := HammingDistance(d1, d2)
			if err != nil {
				continue
			}
			if d < bestDist {
				best, bestDist = j, d
			}
		}
		best2[i], dist2[i] = best, bestDist
	}

	var reverse []int
	if cfg.DoCrossCheck {
		reverse = make([]int, len(desc2))
		for j, d2 := range desc2 {
			best, bestDist := -1, 1<<31
			for i, d1 := range desc1 {
				d, err := HammingDistance(d2, d1)
				if err != nil {
					continue
				}
				if d < bestDist {
					best, bestDist = i, d
				}
			}
			reverse[j] = best
		}
	}

	matches := make([]Match, 0, len(desc1))
	for i := range desc1 {
		j := best2[i]
		if j < 0 {
			continue
		}
		if cfg.MaxDist > 0 && dist2[i] >= cfg.MaxDist {
			continue
		}
		if cfg.DoCrossCheck && reverse[j] != i {
			continue
		}
		matches = append(matches, Match{Idx1: i, Idx2: j, Distance: dist2[i]})
	}

	// sort by increasing distance
	ds := make([]float64, len(matches))
	for i, m := range matches {
		ds[i] = float64(m.Distance)
	}
	idx := make([]int, len(matches))
	floats.Argsort(ds, idx)
	sorted := make([]Match, len(matches))
	for i, k := range idx {
		sorted[i] = matches[k]
	}
	return sorted
}
