package window

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// Correspondence ties a 2D observation to a known world point.
type Correspondence struct {
	Camera int
	Pixel  r2.Point
	World  r3.Vector
}

// ErrTooFewCorrespondences is returned when a pose-only solve has under
// three 2D-3D pairs.
var ErrTooFewCorrespondences = errors.New("too few correspondences for pose solve")

// SolveRigPose refines only the rig pose against fixed world points, the
// pose-only optimization used by tracking and by loop verification. It
// returns the refined pose and the number of correspondences reprojecting
// within maxPixelError.
func SolveRigPose(
	ctx context.Context,
	slv solver.Solver,
	rig *camera.Rig,
	corrs []Correspondence,
	seed spatialmath.Pose,
	maxPixelError float64,
) (spatialmath.Pose, int, error) {
	if len(corrs) < 3 {
		return spatialmath.Pose{}, 0, ErrTooFewCorrespondences
	}
	var problem solver.Problem
	loss := solver.HuberLoss(maxPixelError)
	for _, c := range corrs {
		c := c
		problem.Add(2, loss, func(x, out []float64) {
			pose := spatialmath.NewPoseFromParameters(x[:6])
			px, err := rig.ProjectWorld(c.Camera, pose, c.World)
			if err != nil {
				out[0] = 10 * maxPixelError
				out[1] = 10 * maxPixelError
				return
			}
			out[0] = px.X - c.Pixel.X
			out[1] = px.Y - c.Pixel.Y
		})
	}
	result, err := slv.Minimize(ctx, &problem, seed.Parameters())
	if err != nil {
		return spatialmath.Pose{}, 0, err
	}
	pose := spatialmath.NewPoseFromParameters(result.Params[:6])

	inliers := 0
	thresh := maxPixelError * maxPixelError
	for _, c := range corrs {
		px, err := rig.ProjectWorld(c.Camera, pose, c.World)
		if err != nil {
			continue
		}
		dx, dy := px.X-c.Pixel.X, px.Y-c.Pixel.Y
		if dx*dx+dy*dy <= thresh {
			inliers++
		}
	}
	return pose, inliers, nil
}
