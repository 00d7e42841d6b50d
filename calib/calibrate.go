package calib

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/slam"
	"go.viam.com/rigslam/slam/loop"
	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// Extrinsic is the calibrated pose of one camera in the rig frame.
type Extrinsic struct {
	Name string
	Pose spatialmath.Pose
}

// Result is a finished calibration run.
type Result struct {
	Extrinsics []Extrinsic
	Trajectory []slam.TimedPose
	// InitialCost and FinalCost are the total reprojection costs before
	// and after extrinsic refinement.
	InitialCost float64
	FinalCost   float64
}

// Calibrator replays a recorded run through a SLAM session and refines the
// rig extrinsics against the resulting map.
type Calibrator struct {
	logger golog.Logger
	clk    clock.Clock
	opts   slam.Options
	slv    solver.Solver
}

// NewCalibrator returns a calibrator with the given session tuning.
func NewCalibrator(logger golog.Logger, clk clock.Clock, opts slam.Options) *Calibrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Calibrator{
		logger: logger,
		clk:    clk,
		opts:   opts,
		slv:    solver.NewDefault(logger, solver.DefaultOptions()),
	}
}

// Run replays the recording and refines extrinsics. The first camera stays
// fixed as the rig reference. Fatal session conditions abort the run.
func (c *Calibrator) Run(ctx context.Context, rec *Recording, voc *loop.Vocabulary) (_ *Result, err error) {
	session, err := slam.NewSession(rec.Rig, voc, c.logger, c.clk, c.opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, session.Close(ctx))
	}()

	for i, frame := range rec.Frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := session.Process(ctx, frame); err != nil {
			return nil, errors.Wrapf(err, "frame %d of %d", i+1, len(rec.Frames))
		}
	}
	// drain in-flight refinement before reading the map
	if err := session.Close(ctx); err != nil {
		return nil, err
	}

	snap := session.Map()
	c.logger.Infow("replay finished",
		"state", session.State().String(),
		"keyframes", len(snap.Keyframes),
		"landmarks", len(snap.Landmarks))

	poses, initialCost, finalCost, err := c.refineExtrinsics(ctx, rec.Rig, snap)
	if err != nil {
		return nil, err
	}
	result := &Result{InitialCost: initialCost, FinalCost: finalCost}
	for i := 0; i < rec.Rig.Count(); i++ {
		rec.Rig.SetPose(i, poses[i])
		result.Extrinsics = append(result.Extrinsics, Extrinsic{
			Name: rec.Rig.Camera(i).Name,
			Pose: poses[i],
		})
	}
	traj, err := session.Trajectory()
	if err != nil {
		return nil, err
	}
	result.Trajectory = traj
	return result, nil
}

// refineExtrinsics minimizes the total reprojection error of the final map
// over the per-camera rig poses, first camera fixed.
func (c *Calibrator) refineExtrinsics(
	ctx context.Context,
	rig *camera.Rig,
	snap *sparsemap.Snapshot,
) ([]spatialmath.Pose, float64, float64, error) {
	current := make([]spatialmath.Pose, rig.Count())
	for i := range current {
		current[i] = rig.Camera(i).Pose
	}
	if rig.Count() < 2 {
		return current, 0, 0, nil
	}

	// parameter layout: 6 per camera after the reference camera
	var seed []float64
	for _, p := range current[1:] {
		seed = append(seed, p.Parameters()...)
	}

	var problem solver.Problem
	loss := solver.HuberLoss(c.opts.Window.MaxPixelError)
	for _, kfID := range snap.Order {
		kf := snap.Keyframes[kfID]
		for obsIdx, lmID := range kf.Tracks {
			lm, ok := snap.Landmarks[lmID]
			if !ok {
				continue
			}
			ob := kf.Obs[obsIdx]
			model := rig.Camera(ob.Camera).Model
			kfPose := kf.Pose
			world := lm.Position
			cam := ob.Camera
			problem.Add(2, loss, func(x, out []float64) {
				camPose := current[0]
				if cam > 0 {
					off := (cam - 1) * 6
					camPose = spatialmath.NewPoseFromParameters(x[off : off+6])
				}
				local := spatialmath.Compose(kfPose, camPose).Invert().TransformPoint(world)
				px, err := model.Project(local)
				if err != nil {
					out[0] = 10 * c.opts.Window.MaxPixelError
					out[1] = 10 * c.opts.Window.MaxPixelError
					return
				}
				out[0] = px.X - ob.Pixel.X
				out[1] = px.Y - ob.Pixel.Y
			})
		}
	}
	if len(problem.Blocks) == 0 {
		c.logger.Warnw("no tracked observations, keeping seed extrinsics")
		return current, 0, 0, nil
	}

	solveCtx, cancel := c.clk.WithTimeout(ctx, solver.DefaultOptions().TimeBudget)
	defer cancel()
	result, err := c.slv.Minimize(solveCtx, &problem, seed)
	if err != nil {
		return nil, 0, 0, errors.Wrap(err, "refining extrinsics")
	}
	if result.FinalCost > result.InitialCost {
		c.logger.Warnw("extrinsic refinement increased cost, keeping seed extrinsics",
			"initial", result.InitialCost, "final", result.FinalCost)
		return current, result.InitialCost, result.InitialCost, nil
	}

	refined := make([]spatialmath.Pose, rig.Count())
	refined[0] = current[0]
	for i := 1; i < rig.Count(); i++ {
		off := (i - 1) * 6
		refined[i] = spatialmath.NewPoseFromParameters(result.Params[off : off+6])
	}
	return refined, result.InitialCost, result.FinalCost, nil
}
