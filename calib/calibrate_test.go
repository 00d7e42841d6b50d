package calib

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/slam"
	"go.viam.com/rigslam/spatialmath"
)

// syntheticRecording drives a stereo rig along x through a static point
// cloud, one distinct descriptor per point.
func syntheticRecording(t *testing.T, frames int) *Recording {
	t.Helper()
	model := camera.NewPinhole(500, 500, 320, 240, 640, 480)
	rig, err := camera.NewRig([]*camera.RigCamera{
		{Name: "left", Kind: camera.Stereo, Model: model, Pose: spatialmath.NewZeroPose()},
		{Name: "right", Kind: camera.Stereo, Model: model, Pose: spatialmath.NewPose(r3.Vector{X: 0.12}, spatialmath.NewZeroPose().Rotation)},
	})
	test.That(t, err, test.ShouldBeNil)

	rnd := rand.New(rand.NewSource(9))
	pts := make([]r3.Vector, 30)
	for i := range pts {
		pts[i] = r3.Vector{
			X: rnd.Float64()*4 - 2,
			Y: rnd.Float64()*2 - 1,
			Z: 4 + rnd.Float64()*4,
		}
	}

	rec := &Recording{Rig: rig}
	t0 := time.Date(2026, 4, 7, 10, 0, 0, 0, time.UTC)
	for f := 0; f < frames; f++ {
		pose := spatialmath.NewPose(r3.Vector{X: 0.06 * float64(f)}, spatialmath.NewZeroPose().Rotation)
		frame := slam.Frame{Time: t0.Add(time.Duration(f) * 100 * time.Millisecond)}
		for i, p := range pts {
			for cam := 0; cam < rig.Count(); cam++ {
				px, err := rig.ProjectWorld(cam, pose, p)
				if err != nil || !camera.InBounds(rig.Camera(cam).Model, px) {
					continue
				}
				frame.Obs = append(frame.Obs, features.Observation{
					Camera: cam,
					Pixel:  px,
					Desc:   features.Descriptor{1 << uint(i%64), uint64(i)},
				})
			}
		}
		rec.Frames = append(rec.Frames, frame)
	}
	return rec
}

func TestCalibratorRun(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rec := syntheticRecording(t, 8)

	result, err := NewCalibrator(logger, nil, slam.DefaultOptions()).Run(context.Background(), rec, nil)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, result.Extrinsics, test.ShouldHaveLength, 2)
	test.That(t, result.Extrinsics[0].Name, test.ShouldEqual, "left")
	// the reference camera never moves
	test.That(t, spatialmath.AlmostEqual(result.Extrinsics[0].Pose, spatialmath.NewZeroPose(), 1e-12), test.ShouldBeTrue)
	// the observations were consistent with the seed baseline, so refinement
	// stays near it
	test.That(t, result.Extrinsics[1].Pose.Translation.X, test.ShouldAlmostEqual, 0.12, 0.01)
	test.That(t, result.FinalCost, test.ShouldBeLessThanOrEqualTo, result.InitialCost)
	test.That(t, len(result.Trajectory), test.ShouldBeGreaterThanOrEqualTo, 2)
}

func TestCalibratorRunCanceled(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rec := syntheticRecording(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCalibrator(logger, nil, slam.DefaultOptions()).Run(ctx, rec, nil)
	test.That(t, err, test.ShouldNotBeNil)
}
