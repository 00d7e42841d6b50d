package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/spatialmath"
)

// Kind tags how a camera participates in the rig.
type Kind string

// Recognized camera kinds.
const (
	Mono   Kind = "mono"
	Stereo Kind = "stereo"
)

// RigCamera is one camera of a rig: a projection model plus its rigid pose
// in the rig reference frame.
type RigCamera struct {
	Name  string
	Kind  Kind
	Model Model
	// Pose maps camera-frame points into the rig frame.
	Pose spatialmath.Pose
}

// Rig is an ordered, rigid assembly of cameras. It is immutable for the
// duration of a SLAM session; self-calibration mutates the per-camera poses
// through SetPose.
type Rig struct {
	cameras []*RigCamera
}

// NewRig builds a rig from its cameras in order.
func NewRig(cameras []*RigCamera) (*Rig, error) {
	if len(cameras) == 0 {
		return nil, errors.New("rig must have at least one camera")
	}
	for i, c := range cameras {
		if c.Model == nil {
			return nil, errors.Errorf("camera %d (%s) has no projection model", i, c.Name)
		}
	}
	return &Rig{cameras: cameras}, nil
}

// Count returns the number of cameras.
func (r *Rig) Count() int { return len(r.cameras) }

// Camera returns camera i.
func (r *Rig) Camera(i int) *RigCamera { return r.cameras[i] }

// SetPose replaces the extrinsic pose of camera i. Only the calibration
// front-end calls this.
func (r *Rig) SetPose(i int, p spatialmath.Pose) { r.cameras[i].Pose = p }

// ProjectWorld projects a world point into camera i of a rig whose
// reference frame sits at rigPose in the world.
func (r *Rig) ProjectWorld(i int, rigPose spatialmath.Pose, world r3.Vector) (r2.Point, error) {
	cam := r.cameras[i]
	camWorld := spatialmath.Compose(rigPose, cam.Pose)
	local := camWorld.Invert().TransformPoint(world)
	return cam.Model.Project(local)
}

// RayWorld returns the world-frame origin and unit direction of the ray
// through pixel px of camera i at rigPose.
func (r *Rig) RayWorld(i int, rigPose spatialmath.Pose, px r2.Point) (r3.Vector, r3.Vector) {
	cam := r.cameras[i]
	camWorld := spatialmath.Compose(rigPose, cam.Pose)
	dir := spatialmath.Rotate(camWorld.Rotation, cam.Model.Unproject(px))
	return camWorld.Translation, dir
}
