package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/rigslam/spatialmath"
)

func testModel() *Pinhole {
	return NewPinhole(500, 500, 320, 240, 640, 480)
}

func TestPinholeProjectUnproject(t *testing.T) {
	m := testModel()

	px, err := m.Project(r3.Vector{X: 0.1, Y: -0.05, Z: 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, px.X, test.ShouldAlmostEqual, 320+500*0.05, 1e-9)
	test.That(t, px.Y, test.ShouldAlmostEqual, 240-500*0.025, 1e-9)

	ray := m.Unproject(px)
	// unprojected ray should point at the original point
	scaled := ray.Mul(2 / ray.Z)
	test.That(t, scaled.Sub(r3.Vector{X: 0.1, Y: -0.05, Z: 2}).Norm(), test.ShouldBeLessThan, 1e-9)

	_, err = m.Project(r3.Vector{Z: -1})
	test.That(t, err, test.ShouldEqual, ErrBehindCamera)
}

func TestInBounds(t *testing.T) {
	m := testModel()
	test.That(t, InBounds(m, r2.Point{X: 0, Y: 0}), test.ShouldBeTrue)
	test.That(t, InBounds(m, r2.Point{X: 640, Y: 10}), test.ShouldBeFalse)
	test.That(t, InBounds(m, r2.Point{X: -1, Y: 10}), test.ShouldBeFalse)
}

func TestRigProjectWorld(t *testing.T) {
	right := &RigCamera{
		Name:  "right",
		Kind:  Stereo,
		Model: testModel(),
		// 10cm to the right of the rig origin
		Pose: spatialmath.NewPose(r3.Vector{X: 0.1}, spatialmath.NewZeroPose().Rotation),
	}
	left := &RigCamera{Name: "left", Kind: Stereo, Model: testModel(), Pose: spatialmath.NewZeroPose()}
	rig, err := NewRig([]*RigCamera{left, right})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rig.Count(), test.ShouldEqual, 2)

	world := r3.Vector{X: 0.1, Z: 3}
	rigPose := spatialmath.NewZeroPose()

	pxL, err := rig.ProjectWorld(0, rigPose, world)
	test.That(t, err, test.ShouldBeNil)
	pxR, err := rig.ProjectWorld(1, rigPose, world)
	test.That(t, err, test.ShouldBeNil)
	// right camera sees the point on its optical axis
	test.That(t, pxR.X, test.ShouldAlmostEqual, 320, 1e-9)
	test.That(t, pxL.X, test.ShouldBeGreaterThan, pxR.X)

	origin, dir := rig.RayWorld(1, rigPose, pxR)
	test.That(t, origin.X, test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, math.Abs(dir.Normalize().Z-1), test.ShouldBeLessThan, 1e-9)
}

func TestNewRigErrors(t *testing.T) {
	_, err := NewRig(nil)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewRig([]*RigCamera{{Name: "c"}})
	test.That(t, err, test.ShouldNotBeNil)
}
