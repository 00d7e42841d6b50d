// Package sparsemap is the authoritative store of keyframe and landmark
// records. Records live in arenas addressed by stable integer identifiers
// and relations are identifier sets, so components exchange IDs rather than
// pointers. All mutation goes through the store's synchronized interface;
// no mapping or optimization logic lives here.
package sparsemap

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/imu"
	"go.viam.com/rigslam/spatialmath"
)

// KeyframeID identifies a keyframe record.
type KeyframeID uint64

// LandmarkID identifies a landmark record.
type LandmarkID uint64

type keyframe struct {
	id       KeyframeID
	time     time.Time
	pose     spatialmath.Pose
	obs      []features.Observation
	inertial *imu.Preintegrated
	// tracks maps an observation index to the landmark it measures
	tracks map[int]LandmarkID
}

type landmark struct {
	id       LandmarkID
	position r3.Vector
	frozen   bool
	// observers maps a keyframe to the observation indices seeing this
	// landmark; a rig keyframe can see one landmark through several cameras
	observers map[KeyframeID]map[int]bool
}

// Store owns all keyframes and landmarks. It serializes writers and lets
// concurrent readers work from snapshots.
type Store struct {
	mu        sync.RWMutex
	keyframes map[KeyframeID]*keyframe
	landmarks map[LandmarkID]*landmark
	order     []KeyframeID
	nextKF    KeyframeID
	nextLM    LandmarkID
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		keyframes: map[KeyframeID]*keyframe{},
		landmarks: map[LandmarkID]*landmark{},
	}
}

// Errors returned by relationship operations.
var (
	ErrNoSuchKeyframe = errors.New("no such keyframe")
	ErrNoSuchLandmark = errors.New("no such landmark")
)

// AddKeyframe creates a keyframe record and returns its identifier. The
// observation slice is owned by the store afterwards and must not be
// mutated by the caller.
func (s *Store) AddKeyframe(t time.Time, pose spatialmath.Pose, obs []features.Observation, inertial *imu.Preintegrated) KeyframeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKF++
	id := s.nextKF
	s.keyframes[id] = &keyframe{
		id:       id,
		time:     t,
		pose:     pose,
		obs:      obs,
		inertial: inertial,
		tracks:   map[int]LandmarkID{},
	}
	s.order = append(s.order, id)
	return id
}

// AddLandmark creates a landmark record at position and returns its
// identifier.
func (s *Store) AddLandmark(position r3.Vector) LandmarkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLM++
	id := s.nextLM
	s.landmarks[id] = &landmark{
		id:        id,
		position:  position,
		observers: map[KeyframeID]map[int]bool{},
	}
	return id
}

// KeyframeCount returns the number of keyframes.
func (s *Store) KeyframeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keyframes)
}

// LandmarkCount returns the number of landmarks.
func (s *Store) LandmarkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.landmarks)
}

// HasKeyframe reports whether id exists.
func (s *Store) HasKeyframe(id KeyframeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keyframes[id]
	return ok
}

// HasLandmark reports whether id exists.
func (s *Store) HasLandmark(id LandmarkID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.landmarks[id]
	return ok
}

// KeyframePose returns the pose of a keyframe.
func (s *Store) KeyframePose(id KeyframeID) (spatialmath.Pose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.keyframes[id]
	if !ok {
		return spatialmath.Pose{}, ErrNoSuchKeyframe
	}
	return kf.pose, nil
}

// SetKeyframePose replaces the pose of a keyframe.
func (s *Store) SetKeyframePose(id KeyframeID, pose spatialmath.Pose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kf, ok := s.keyframes[id]
	if !ok {
		return ErrNoSuchKeyframe
	}
	kf.pose = pose
	return nil
}

// KeyframeTime returns the capture time of a keyframe.
func (s *Store) KeyframeTime(id KeyframeID) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.keyframes[id]
	if !ok {
		return time.Time{}, ErrNoSuchKeyframe
	}
	return kf.time, nil
}

// Observations returns the observation set of a keyframe. The slice is
// read-only shared state.
func (s *Store) Observations(id KeyframeID) ([]features.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.keyframes[id]
	if !ok {
		return nil, ErrNoSuchKeyframe
	}
	return kf.obs, nil
}

// Inertial returns the preintegrated inertial delta from the previous
// keyframe, or nil.
func (s *Store) Inertial(id KeyframeID) (*imu.Preintegrated, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kf, ok := s.keyframes[id]
	if !ok {
		return nil, ErrNoSuchKeyframe
	}
	return kf.inertial, nil
}

// LandmarkPosition returns a landmark's position estimate.
func (s *Store) LandmarkPosition(id LandmarkID) (r3.Vector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lm, ok := s.landmarks[id]
	if !ok {
		return r3.Vector{}, ErrNoSuchLandmark
	}
	return lm.position, nil
}

// SetLandmarkPosition replaces a landmark's position estimate.
func (s *Store) SetLandmarkPosition(id LandmarkID, p r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.landmarks[id]
	if !ok {
		return ErrNoSuchLandmark
	}
	lm.position = p
	return nil
}

// SetLandmarkFrozen marks a landmark as excluded from local optimization.
func (s *Store) SetLandmarkFrozen(id LandmarkID, frozen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.landmarks[id]
	if !ok {
		return ErrNoSuchLandmark
	}
	lm.frozen = frozen
	return nil
}

// LandmarkFrozen reports whether a landmark is frozen.
func (s *Store) LandmarkFrozen(id LandmarkID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lm, ok := s.landmarks[id]
	if !ok {
		return false, ErrNoSuchLandmark
	}
	return lm.frozen, nil
}

// Attach records that observation obsIdx of keyframe kf measures landmark
// lm, keeping both relation directions in step.
func (s *Store) Attach(kf KeyframeID, obsIdx int, lm LandmarkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keyframes[kf]
	if !ok {
		return ErrNoSuchKeyframe
	}
	l, ok := s.landmarks[lm]
	if !ok {
		return ErrNoSuchLandmark
	}
	if obsIdx < 0 || obsIdx >= len(k.obs) {
		return errors.Errorf("observation index %d out of range for keyframe %d", obsIdx, kf)
	}
	if prev, ok := k.tracks[obsIdx]; ok && prev != lm {
		return errors.Errorf("observation %d of keyframe %d already tracks landmark %d", obsIdx, kf, prev)
	}
	k.tracks[obsIdx] = lm
	if l.observers[kf] == nil {
		l.observers[kf] = map[int]bool{}
	}
	l.observers[kf][obsIdx] = true
	return nil
}

// Detach removes the track on observation obsIdx of keyframe kf. A landmark
// left with no observers is removed from the store.
func (s *Store) Detach(kf KeyframeID, obsIdx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachLocked(kf, obsIdx)
}

func (s *Store) detachLocked(kf KeyframeID, obsIdx int) error {
	k, ok := s.keyframes[kf]
	if !ok {
		return ErrNoSuchKeyframe
	}
	lmID, ok := k.tracks[obsIdx]
	if !ok {
		return nil
	}
	delete(k.tracks, obsIdx)
	if l, ok := s.landmarks[lmID]; ok {
		delete(l.observers[kf], obsIdx)
		if len(l.observers[kf]) == 0 {
			delete(l.observers, kf)
		}
		if len(l.observers) == 0 {
			delete(s.landmarks, lmID)
		}
	}
	return nil
}

// TrackedLandmark returns the landmark measured by observation obsIdx of
// keyframe kf, if any.
func (s *Store) TrackedLandmark(kf KeyframeID, obsIdx int) (LandmarkID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keyframes[kf]
	if !ok {
		return 0, false
	}
	lm, ok := k.tracks[obsIdx]
	return lm, ok
}

// LandmarksOf returns a copy of the observation-index to landmark mapping
// of a keyframe.
func (s *Store) LandmarksOf(kf KeyframeID) (map[int]LandmarkID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keyframes[kf]
	if !ok {
		return nil, ErrNoSuchKeyframe
	}
	out := make(map[int]LandmarkID, len(k.tracks))
	for i, lm := range k.tracks {
		out[i] = lm
	}
	return out, nil
}

// ObserversOf returns a copy of the keyframe to observation-indices mapping
// of a landmark. Indices are sorted.
func (s *Store) ObserversOf(lm LandmarkID) (map[KeyframeID][]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.landmarks[lm]
	if !ok {
		return nil, ErrNoSuchLandmark
	}
	out := make(map[KeyframeID][]int, len(l.observers))
	for kf, set := range l.observers {
		idxs := make([]int, 0, len(set))
		for i := range set {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		out[kf] = idxs
	}
	return out, nil
}

// RemoveKeyframe deletes a keyframe, detaching it from every landmark it
// observes first. Landmarks reaching zero observers are removed.
func (s *Store) RemoveKeyframe(id KeyframeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keyframes[id]
	if !ok {
		return ErrNoSuchKeyframe
	}
	for obsIdx := range k.tracks {
		if err := s.detachLocked(id, obsIdx); err != nil {
			return err
		}
	}
	delete(s.keyframes, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// RemoveLandmark deletes a landmark and every track pointing at it.
func (s *Store) RemoveLandmark(id LandmarkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.landmarks[id]
	if !ok {
		return ErrNoSuchLandmark
	}
	for kf, idxs := range l.observers {
		k, ok := s.keyframes[kf]
		if !ok {
			continue
		}
		for obsIdx := range idxs {
			delete(k.tracks, obsIdx)
		}
	}
	delete(s.landmarks, id)
	return nil
}

// KeyframeIDs returns the keyframes in creation order.
func (s *Store) KeyframeIDs() []KeyframeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]KeyframeID(nil), s.order...)
}

// LatestKeyframe returns the most recently created keyframe.
func (s *Store) LatestKeyframe() (KeyframeID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return 0, false
	}
	return s.order[len(s.order)-1], true
}

// ApplyCorrections atomically replaces the poses of the given keyframes.
// Either the whole correction applies or, if any keyframe is missing, none
// of it does.
func (s *Store) ApplyCorrections(corrections map[KeyframeID]spatialmath.Pose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range corrections {
		if _, ok := s.keyframes[id]; !ok {
			return ErrNoSuchKeyframe
		}
	}
	for id, pose := range corrections {
		s.keyframes[id].pose = pose
	}
	return nil
}

// CheckConsistency verifies the bidirectional relation invariant: every
// track has a matching observer entry and vice versa.
func (s *Store) CheckConsistency() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for kfID, k := range s.keyframes {
		for obsIdx, lmID := range k.tracks {
			l, ok := s.landmarks[lmID]
			if !ok {
				return errors.Errorf("keyframe %d tracks missing landmark %d", kfID, lmID)
			}
			if !l.observers[kfID][obsIdx] {
				return errors.Errorf("landmark %d does not observe keyframe %d at index %d", lmID, kfID, obsIdx)
			}
		}
	}
	for lmID, l := range s.landmarks {
		if len(l.observers) == 0 {
			return errors.Errorf("landmark %d has no observers", lmID)
		}
		for kfID, idxs := range l.observers {
			k, ok := s.keyframes[kfID]
			if !ok {
				return errors.Errorf("landmark %d observed by missing keyframe %d", lmID, kfID)
			}
			for obsIdx := range idxs {
				if got, ok := k.tracks[obsIdx]; !ok || got != lmID {
					return errors.Errorf("keyframe %d does not track landmark %d at index %d", kfID, lmID, obsIdx)
				}
			}
		}
	}
	return nil
}
