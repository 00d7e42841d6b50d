package loop

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

func pointDesc(i int) features.Descriptor {
	return features.Descriptor{1 << uint(i%64), uint64(i)}
}

func fillerDesc(i int) features.Descriptor {
	return features.Descriptor{^uint64(0) << uint(i%16), ^uint64(i)}
}

func trainingSet(n int) []features.Descriptor {
	descs := make([]features.Descriptor, 0, 2*n)
	for i := 0; i < n; i++ {
		descs = append(descs, pointDesc(i), fillerDesc(i))
	}
	return descs
}

func TestTrainAndQuantize(t *testing.T) {
	logger := golog.NewTestLogger(t)
	voc, err := Train(context.Background(), logger, trainingSet(24), 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(voc.Words), test.ShouldEqual, 8)
	test.That(t, len(voc.IDF), test.ShouldEqual, 8)

	// quantization is deterministic
	for i := 0; i < 24; i++ {
		test.That(t, voc.WordOf(pointDesc(i)), test.ShouldEqual, voc.WordOf(pointDesc(i)))
	}

	descs := []features.Descriptor{pointDesc(0), pointDesc(1), pointDesc(2)}
	vec := voc.BoW(descs)
	var norm float64
	for _, w := range vec {
		norm += math.Abs(w)
	}
	test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, Similarity(vec, vec), test.ShouldAlmostEqual, 1, 1e-12)

	_, err = Train(context.Background(), logger, trainingSet(2), 16)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = Train(context.Background(), logger, trainingSet(24), 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestVocabularySaveLoad(t *testing.T) {
	logger := golog.NewTestLogger(t)
	voc, err := Train(context.Background(), logger, trainingSet(24), 6)
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "voc.json.gz")
	test.That(t, voc.Save(path), test.ShouldBeNil)
	loaded, err := LoadVocabulary(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, reflect.DeepEqual(loaded, voc), test.ShouldBeTrue)

	_, err = LoadVocabulary(filepath.Join(t.TempDir(), "missing.json.gz"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIndexCandidates(t *testing.T) {
	logger := golog.NewTestLogger(t)
	voc, err := Train(context.Background(), logger, trainingSet(24), 8)
	test.That(t, err, test.ShouldBeNil)
	idx := NewIndex(voc)

	same := []features.Descriptor{pointDesc(0), pointDesc(1), pointDesc(2), pointDesc(3)}
	other := []features.Descriptor{fillerDesc(0), fillerDesc(1), fillerDesc(2), fillerDesc(3)}
	idx.Add(1, same)
	idx.Add(2, other)
	test.That(t, idx.Len(), test.ShouldEqual, 2)

	cands := idx.Candidates(voc.BoW(same))
	test.That(t, len(cands), test.ShouldBeGreaterThan, 0)
	test.That(t, cands[0].Keyframe, test.ShouldEqual, sparsemap.KeyframeID(1))
	test.That(t, cands[0].Score, test.ShouldAlmostEqual, 1, 1e-12)
	for i := 1; i < len(cands); i++ {
		test.That(t, cands[i].Score, test.ShouldBeLessThanOrEqualTo, cands[i-1].Score)
	}
}

// loopWorld is a synthetic revisit: a mapped keyframe observing known
// landmarks, filler keyframes elsewhere, and a query pose returning to the
// mapped place.
type loopWorld struct {
	rig     *camera.Rig
	store   *sparsemap.Store
	rec     *Recognizer
	idx     *Index
	mapped  sparsemap.KeyframeID
	mapTime time.Time
	poseA   spatialmath.Pose
	poseB   spatialmath.Pose
	queryAt func(pose spatialmath.Pose) []features.Observation
}

func newLoopWorld(t *testing.T) *loopWorld {
	t.Helper()
	logger := golog.NewTestLogger(t)
	model := camera.NewPinhole(500, 500, 320, 240, 640, 480)
	rig, err := camera.NewRig([]*camera.RigCamera{
		{Name: "left", Kind: camera.Stereo, Model: model, Pose: spatialmath.NewZeroPose()},
		{Name: "right", Kind: camera.Stereo, Model: model, Pose: spatialmath.NewPose(r3.Vector{X: 0.12}, spatialmath.NewZeroPose().Rotation)},
	})
	test.That(t, err, test.ShouldBeNil)

	rnd := rand.New(rand.NewSource(11))
	const n = 24
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{
			X: rnd.Float64()*3 - 1.5,
			Y: rnd.Float64()*2 - 1,
			Z: 4 + rnd.Float64()*4,
		}
	}

	observeAt := func(pose spatialmath.Pose) []features.Observation {
		var obs []features.Observation
		for i, p := range pts {
			for cam := 0; cam < rig.Count(); cam++ {
				px, err := rig.ProjectWorld(cam, pose, p)
				if err != nil {
					continue
				}
				obs = append(obs, features.Observation{Camera: cam, Pixel: px, Desc: pointDesc(i)})
			}
		}
		return obs
	}

	voc, err := Train(context.Background(), logger, trainingSet(n), 8)
	test.That(t, err, test.ShouldBeNil)
	idx := NewIndex(voc)
	store := sparsemap.NewStore()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	poseA := spatialmath.NewZeroPose()
	obsA := observeAt(poseA)
	test.That(t, len(obsA), test.ShouldEqual, n*rig.Count())
	mapped := store.AddKeyframe(t0, poseA, obsA, nil)
	for i, p := range pts {
		lm := store.AddLandmark(p)
		test.That(t, store.Attach(mapped, i*rig.Count(), lm), test.ShouldBeNil)
	}
	idx.Add(mapped, descriptorsOf(obsA))

	// filler keyframes at other places
	for f := 0; f < 3; f++ {
		var obs []features.Observation
		for i := 0; i < n; i++ {
			obs = append(obs, features.Observation{
				Camera: 0,
				Pixel:  r2.Point{X: float64(10 + i), Y: float64(10 + f)},
				Desc:   fillerDesc(i + f),
			})
		}
		kf := store.AddKeyframe(t0.Add(time.Duration(f+1)*time.Second),
			spatialmath.NewPose(r3.Vector{X: float64(20 + f)}, spatialmath.NewZeroPose().Rotation), obs, nil)
		idx.Add(kf, descriptorsOf(obs))
	}

	slv := solver.NewGonumSolver(logger, solver.DefaultOptions())
	rec := NewRecognizer(rig, store, idx, slv, logger, DefaultConfig())

	return &loopWorld{
		rig:     rig,
		store:   store,
		rec:     rec,
		idx:     idx,
		mapped:  mapped,
		mapTime: t0,
		poseA:   poseA,
		poseB:   spatialmath.NewPoseFromAxisAngle(r3.Vector{X: 0.3, Y: 0.05}, r3.Vector{Y: 1}, 0.03),
		queryAt: observeAt,
	}
}

func TestRecognizerFindsTrueLoop(t *testing.T) {
	w := newLoopWorld(t)

	// the rig returns to the mapped place two minutes later
	query := w.store.AddKeyframe(w.mapTime.Add(2*time.Minute), w.poseB, w.queryAt(w.poseB), nil)
	before := w.idx.Len()
	c, err := w.rec.Observe(context.Background(), query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldNotBeNil)
	test.That(t, c.From, test.ShouldEqual, w.mapped)
	test.That(t, c.To, test.ShouldEqual, query)
	test.That(t, c.Inliers, test.ShouldBeGreaterThanOrEqualTo, 12)
	test.That(t, w.idx.Len(), test.ShouldEqual, before+1)

	// the constraint matches the true relative pose at metric scale
	want := spatialmath.Between(w.poseA, w.poseB)
	test.That(t, c.Rel.Translation.Sub(want.Translation).Norm(), test.ShouldBeLessThan, 0.02)
	test.That(t, spatialmath.RotationAngle(spatialmath.Between(c.Rel, want).Rotation), test.ShouldBeLessThan, 0.01)
}

func TestRecognizerTemporalExclusion(t *testing.T) {
	w := newLoopWorld(t)

	// the same place seen five seconds later is not a loop
	query := w.store.AddKeyframe(w.mapTime.Add(5*time.Second), w.poseB, w.queryAt(w.poseB), nil)
	c, err := w.rec.Observe(context.Background(), query)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c, test.ShouldBeNil)
}

func TestRelocalize(t *testing.T) {
	w := newLoopWorld(t)

	pose, kf, ok, err := w.rec.Relocalize(context.Background(), w.queryAt(w.poseB))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, kf, test.ShouldEqual, w.mapped)
	test.That(t, pose.Translation.Sub(w.poseB.Translation).Norm(), test.ShouldBeLessThan, 0.02)
	test.That(t, spatialmath.RotationAngle(spatialmath.Between(pose, w.poseB).Rotation), test.ShouldBeLessThan, 0.01)

	// unknown descriptors do not relocalize
	var junk []features.Observation
	for i := 0; i < 30; i++ {
		junk = append(junk, features.Observation{Camera: 0, Pixel: r2.Point{X: 1, Y: 1}, Desc: fillerDesc(i)})
	}
	_, _, ok, err = w.rec.Relocalize(context.Background(), junk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeFalse)
}
