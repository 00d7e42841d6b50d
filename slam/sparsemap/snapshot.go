package sparsemap

import (
	"sort"
	"time"

	"github.com/golang/geo/r3"

	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/spatialmath"
)

// KeyframeView is an immutable copy of a keyframe record. The observation
// slice is shared, read-only state.
type KeyframeView struct {
	ID     KeyframeID
	Time   time.Time
	Pose   spatialmath.Pose
	Obs    []features.Observation
	Tracks map[int]LandmarkID
}

// LandmarkView is an immutable copy of a landmark record.
type LandmarkView struct {
	ID        LandmarkID
	Position  r3.Vector
	Frozen    bool
	Observers map[KeyframeID][]int
}

// Snapshot is a consistent, immutable view of the store for concurrent
// readers such as the loop recognizer.
type Snapshot struct {
	Keyframes map[KeyframeID]KeyframeView
	Landmarks map[LandmarkID]LandmarkView
	Order     []KeyframeID
}

// Snapshot copies the current store state under the read lock. Writers are
// blocked only for the duration of the copy.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Keyframes: make(map[KeyframeID]KeyframeView, len(s.keyframes)),
		Landmarks: make(map[LandmarkID]LandmarkView, len(s.landmarks)),
		Order:     append([]KeyframeID(nil), s.order...),
	}
	for id, k := range s.keyframes {
		tracks := make(map[int]LandmarkID, len(k.tracks))
		for i, lm := range k.tracks {
			tracks[i] = lm
		}
		snap.Keyframes[id] = KeyframeView{
			ID:     id,
			Time:   k.time,
			Pose:   k.pose,
			Obs:    k.obs,
			Tracks: tracks,
		}
	}
	for id, l := range s.landmarks {
		obs := make(map[KeyframeID][]int, len(l.observers))
		for kf, set := range l.observers {
			idxs := make([]int, 0, len(set))
			for i := range set {
				idxs = append(idxs, i)
			}
			sort.Ints(idxs)
			obs[kf] = idxs
		}
		snap.Landmarks[id] = LandmarkView{
			ID:        id,
			Position:  l.position,
			Frozen:    l.frozen,
			Observers: obs,
		}
	}
	return snap
}
