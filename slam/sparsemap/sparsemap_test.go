package sparsemap

import (
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/spatialmath"
)

func obsSet(n int) []features.Observation {
	obs := make([]features.Observation, n)
	for i := range obs {
		obs[i] = features.Observation{
			Pixel: r2.Point{X: float64(i), Y: float64(i)},
			Desc:  features.Descriptor{uint64(i)},
		}
	}
	return obs
}

func TestAttachDetachConsistency(t *testing.T) {
	s := NewStore()
	kf1 := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(4), nil)
	kf2 := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(4), nil)
	lm := s.AddLandmark(r3.Vector{Z: 5})

	test.That(t, s.Attach(kf1, 0, lm), test.ShouldBeNil)
	test.That(t, s.Attach(kf2, 2, lm), test.ShouldBeNil)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)

	got, ok := s.TrackedLandmark(kf1, 0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldEqual, lm)

	observers, err := s.ObserversOf(lm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(observers), test.ShouldEqual, 2)

	// detaching one side keeps the landmark alive
	test.That(t, s.Detach(kf1, 0), test.ShouldBeNil)
	test.That(t, s.HasLandmark(lm), test.ShouldBeTrue)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)

	// detaching the last observer removes the landmark
	test.That(t, s.Detach(kf2, 2), test.ShouldBeNil)
	test.That(t, s.HasLandmark(lm), test.ShouldBeFalse)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)
}

func TestAttachMultipleViewsOfOneKeyframe(t *testing.T) {
	s := NewStore()
	kf := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(4), nil)
	lm := s.AddLandmark(r3.Vector{Z: 4})

	// the same rig keyframe sees the landmark through two cameras
	test.That(t, s.Attach(kf, 0, lm), test.ShouldBeNil)
	test.That(t, s.Attach(kf, 2, lm), test.ShouldBeNil)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)

	observers, err := s.ObserversOf(lm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, observers[kf], test.ShouldResemble, []int{0, 2})

	snap := s.Snapshot()
	test.That(t, snap.Landmarks[lm].Observers[kf], test.ShouldResemble, []int{0, 2})

	// one view detached keeps the landmark, the last one removes it
	test.That(t, s.Detach(kf, 0), test.ShouldBeNil)
	test.That(t, s.HasLandmark(lm), test.ShouldBeTrue)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)
	test.That(t, s.Detach(kf, 2), test.ShouldBeNil)
	test.That(t, s.HasLandmark(lm), test.ShouldBeFalse)
}

func TestAttachErrors(t *testing.T) {
	s := NewStore()
	kf := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(2), nil)
	lm1 := s.AddLandmark(r3.Vector{})
	lm2 := s.AddLandmark(r3.Vector{})

	test.That(t, s.Attach(99, 0, lm1), test.ShouldEqual, ErrNoSuchKeyframe)
	test.That(t, s.Attach(kf, 0, 99), test.ShouldEqual, ErrNoSuchLandmark)
	test.That(t, s.Attach(kf, 5, lm1), test.ShouldNotBeNil)

	test.That(t, s.Attach(kf, 0, lm1), test.ShouldBeNil)
	// re-attaching the same pair is idempotent
	test.That(t, s.Attach(kf, 0, lm1), test.ShouldBeNil)
	// conflicting track is rejected
	test.That(t, s.Attach(kf, 0, lm2), test.ShouldNotBeNil)
}

func TestRemoveKeyframeDetachesEverywhere(t *testing.T) {
	s := NewStore()
	kf1 := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(3), nil)
	kf2 := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(3), nil)
	shared := s.AddLandmark(r3.Vector{Z: 2})
	unique := s.AddLandmark(r3.Vector{Z: 3})

	test.That(t, s.Attach(kf1, 0, shared), test.ShouldBeNil)
	test.That(t, s.Attach(kf2, 0, shared), test.ShouldBeNil)
	test.That(t, s.Attach(kf1, 1, unique), test.ShouldBeNil)

	test.That(t, s.RemoveKeyframe(kf1), test.ShouldBeNil)
	test.That(t, s.HasKeyframe(kf1), test.ShouldBeFalse)
	// shared landmark survives, unique one is gone
	test.That(t, s.HasLandmark(shared), test.ShouldBeTrue)
	test.That(t, s.HasLandmark(unique), test.ShouldBeFalse)
	test.That(t, s.CheckConsistency(), test.ShouldBeNil)

	ids := s.KeyframeIDs()
	test.That(t, len(ids), test.ShouldEqual, 1)
	test.That(t, ids[0], test.ShouldEqual, kf2)
}

func TestApplyCorrectionsAtomic(t *testing.T) {
	s := NewStore()
	kf1 := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(1), nil)

	target := spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 1}, r3.Vector{Z: 1}, 0.5)
	// correction including a missing keyframe applies nothing
	err := s.ApplyCorrections(map[KeyframeID]spatialmath.Pose{kf1: target, 42: target})
	test.That(t, err, test.ShouldEqual, ErrNoSuchKeyframe)
	pose, err := s.KeyframePose(kf1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AlmostEqual(pose, spatialmath.NewZeroPose(), 1e-12), test.ShouldBeTrue)

	test.That(t, s.ApplyCorrections(map[KeyframeID]spatialmath.Pose{kf1: target}), test.ShouldBeNil)
	pose, err = s.KeyframePose(kf1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.AlmostEqual(pose, target, 1e-12), test.ShouldBeTrue)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	kf := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(2), nil)
	lm := s.AddLandmark(r3.Vector{Z: 1})
	test.That(t, s.Attach(kf, 0, lm), test.ShouldBeNil)

	snap := s.Snapshot()
	test.That(t, len(snap.Keyframes), test.ShouldEqual, 1)
	test.That(t, len(snap.Landmarks), test.ShouldEqual, 1)

	// later mutation does not leak into the snapshot
	test.That(t, s.SetLandmarkPosition(lm, r3.Vector{Z: 9}), test.ShouldBeNil)
	test.That(t, s.Detach(kf, 0), test.ShouldBeNil)
	test.That(t, snap.Landmarks[lm].Position.Z, test.ShouldEqual, 1.0)
	test.That(t, snap.Keyframes[kf].Tracks[0], test.ShouldEqual, lm)
}

func TestLatestKeyframeAndFreeze(t *testing.T) {
	s := NewStore()
	_, ok := s.LatestKeyframe()
	test.That(t, ok, test.ShouldBeFalse)

	kf := s.AddKeyframe(time.Now(), spatialmath.NewZeroPose(), obsSet(1), nil)
	latest, ok := s.LatestKeyframe()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, latest, test.ShouldEqual, kf)

	lm := s.AddLandmark(r3.Vector{})
	test.That(t, s.Attach(kf, 0, lm), test.ShouldBeNil)
	test.That(t, s.SetLandmarkFrozen(lm, true), test.ShouldBeNil)
	frozen, err := s.LandmarkFrozen(lm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frozen, test.ShouldBeTrue)
}
