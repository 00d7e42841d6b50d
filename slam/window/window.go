// Package window maintains the sliding optimization window of the SLAM
// session: the most recent keyframes and the landmarks they observe. It
// builds the local bundle-adjustment problem, delegates it to the solver,
// applies the refined state back to the store, and evicts old keyframes
// while preserving their landmarks for loop closure.
package window

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/epipolar"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// ErrWindowDiverged is surfaced when consecutive refinements kept
// increasing the total residual past the retry budget. The window keeps its
// prior state.
var ErrWindowDiverged = errors.New("window adjustment diverged")

// EvictionPolicy decides what happens to landmarks observed only by an
// evicted keyframe.
type EvictionPolicy int

const (
	// FreezeUnique keeps such landmarks with a fixed position so loop
	// closure can still use them.
	FreezeUnique EvictionPolicy = iota
	// DiscardUnique removes them, trading loop-closure recall for memory.
	DiscardUnique
)

// Config tunes the window adjuster.
type Config struct {
	MaxKeyframes      int
	MinParallaxDeg    float64
	MaxPixelError     float64
	MatchMaxDist      int
	DivergenceRetries int
	InertialWeight    float64
	Policy            EvictionPolicy
}

// DefaultConfig returns the tuning used by the online session.
func DefaultConfig() Config {
	return Config{
		MaxKeyframes:      7,
		MinParallaxDeg:    1.0,
		MaxPixelError:     2.0,
		MatchMaxDist:      64,
		DivergenceRetries: 3,
		InertialWeight:    10.0,
	}
}

// Adjuster owns the window. It is driven by a single goroutine; the store
// is the only shared structure it touches.
type Adjuster struct {
	cfg    Config
	rig    *camera.Rig
	store  *sparsemap.Store
	slv    solver.Solver
	clk    clock.Clock
	logger golog.Logger

	keyframes []sparsemap.KeyframeID
	badSolves int
}

// NewAdjuster returns a window adjuster over the given store and rig.
func NewAdjuster(
	rig *camera.Rig,
	store *sparsemap.Store,
	slv solver.Solver,
	clk clock.Clock,
	logger golog.Logger,
	cfg Config,
) *Adjuster {
	if cfg.MaxKeyframes < 2 {
		cfg.MaxKeyframes = 2
	}
	return &Adjuster{
		cfg:    cfg,
		rig:    rig,
		store:  store,
		slv:    slv,
		clk:    clk,
		logger: logger,
	}
}

// Keyframes returns the window members, oldest first.
func (a *Adjuster) Keyframes() []sparsemap.KeyframeID {
	return append([]sparsemap.KeyframeID(nil), a.keyframes...)
}

// Contains reports whether id is in the window.
func (a *Adjuster) Contains(id sparsemap.KeyframeID) bool {
	for _, k := range a.keyframes {
		if k == id {
			return true
		}
	}
	return false
}

// Admit adds a finalized keyframe to the window, triangulates new
// landmarks against the previous keyframe, refines the window, and evicts
// past the bound. Admission never drops a keyframe.
func (a *Adjuster) Admit(ctx context.Context, id sparsemap.KeyframeID) error {
	if !a.store.HasKeyframe(id) {
		return sparsemap.ErrNoSuchKeyframe
	}
	var prev sparsemap.KeyframeID
	hasPrev := len(a.keyframes) > 0
	if hasPrev {
		prev = a.keyframes[len(a.keyframes)-1]
	}
	a.keyframes = append(a.keyframes, id)

	if hasPrev {
		if n, err := a.triangulateNew(prev, id); err != nil {
			return err
		} else if n > 0 {
			a.logger.Debugw("triangulated landmarks", "keyframe", id, "count", n)
		}
	}
	if err := a.Refine(ctx); err != nil {
		return err
	}
	return a.evictExcess()
}

// triangulateNew matches still-untracked observations between two window
// keyframes and creates landmarks for pairs with enough parallax and
// positive depth. Recoverable failures are counted and skipped.
func (a *Adjuster) triangulateNew(prevID, curID sparsemap.KeyframeID) (int, error) {
	prevObs, err := a.store.Observations(prevID)
	if err != nil {
		return 0, err
	}
	curObs, err := a.store.Observations(curID)
	if err != nil {
		return 0, err
	}
	prevPose, err := a.store.KeyframePose(prevID)
	if err != nil {
		return 0, err
	}
	curPose, err := a.store.KeyframePose(curID)
	if err != nil {
		return 0, err
	}

	// only observations not already associated to a landmark
	freePrev := make([]int, 0, len(prevObs))
	for i := range prevObs {
		if _, tracked := a.store.TrackedLandmark(prevID, i); !tracked {
			freePrev = append(freePrev, i)
		}
	}
	freeCur := make([]int, 0, len(curObs))
	for i := range curObs {
		if _, tracked := a.store.TrackedLandmark(curID, i); !tracked {
			freeCur = append(freeCur, i)
		}
	}
	if len(freePrev) == 0 || len(freeCur) == 0 {
		return 0, nil
	}

	descPrev := make([]features.Descriptor, len(freePrev))
	for i, k := range freePrev {
		descPrev[i] = prevObs[k].Desc
	}
	descCur := make([]features.Descriptor, len(freeCur))
	for i, k := range freeCur {
		descCur[i] = curObs[k].Desc
	}
	matches := features.MatchDescriptors(descPrev, descCur, &features.MatchingConfig{
		DoCrossCheck: true,
		MaxDist:      a.cfg.MatchMaxDist,
	})

	minParallax := a.cfg.MinParallaxDeg * math.Pi / 180
	created := 0
	skipped := 0
	for _, m := range matches {
		pi := freePrev[m.Idx1]
		ci := freeCur[m.Idx2]
		o1, d1 := a.rig.RayWorld(prevObs[pi].Camera, prevPose, prevObs[pi].Pixel)
		o2, d2 := a.rig.RayWorld(curObs[ci].Camera, curPose, curObs[ci].Pixel)
		pt, depth1, depth2, parallax, err := epipolar.TriangulateRays(o1, d1, o2, d2)
		if err != nil || depth1 <= 0 || depth2 <= 0 || parallax < minParallax {
			skipped++
			continue
		}
		lm := a.store.AddLandmark(pt)
		if err := a.store.Attach(prevID, pi, lm); err != nil {
			return created, err
		}
		if err := a.store.Attach(curID, ci, lm); err != nil {
			return created, err
		}
		created++
	}
	if skipped > 0 {
		a.logger.Debugw("triangulation candidates skipped", "count", skipped)
	}
	return created, nil
}

// windowLandmarks collects the landmarks observed by window members, split
// into free (optimized) and frozen sets.
func (a *Adjuster) windowLandmarks() (free, frozen []sparsemap.LandmarkID) {
	seen := map[sparsemap.LandmarkID]bool{}
	for _, kf := range a.keyframes {
		tracks, err := a.store.LandmarksOf(kf)
		if err != nil {
			continue
		}
		for _, lm := range tracks {
			if seen[lm] {
				continue
			}
			seen[lm] = true
			isFrozen, err := a.store.LandmarkFrozen(lm)
			if err != nil {
				continue
			}
			if isFrozen {
				frozen = append(frozen, lm)
			} else {
				free = append(free, lm)
			}
		}
	}
	return free, frozen
}

// Refine runs one bundle adjustment over the window, holding the oldest
// member fixed as gauge. An update that increases the total residual is
// rejected; too many consecutive rejections surface ErrWindowDiverged.
func (a *Adjuster) Refine(ctx context.Context) error {
	if len(a.keyframes) < 2 {
		return nil
	}
	free, _ := a.windowLandmarks()

	// parameter layout: 6 per non-gauge keyframe, then 3 per free landmark
	poseIndex := map[sparsemap.KeyframeID]int{}
	var seed []float64
	for _, kf := range a.keyframes[1:] {
		pose, err := a.store.KeyframePose(kf)
		if err != nil {
			return err
		}
		poseIndex[kf] = len(seed)
		seed = append(seed, pose.Parameters()...)
	}
	lmIndex := map[sparsemap.LandmarkID]int{}
	for _, lm := range free {
		pos, err := a.store.LandmarkPosition(lm)
		if err != nil {
			return err
		}
		lmIndex[lm] = len(seed)
		seed = append(seed, pos.X, pos.Y, pos.Z)
	}
	if len(seed) == 0 {
		return nil
	}

	gauge, err := a.store.KeyframePose(a.keyframes[0])
	if err != nil {
		return err
	}
	problem, err := a.buildProblem(gauge, poseIndex, lmIndex)
	if err != nil {
		return err
	}
	if len(problem.Blocks) == 0 {
		return nil
	}

	solveCtx, cancel := a.clk.WithTimeout(ctx, solver.DefaultOptions().TimeBudget)
	defer cancel()
	result, err := a.slv.Minimize(solveCtx, problem, seed)
	if err != nil {
		return err
	}
	if result.FinalCost > result.InitialCost {
		a.badSolves++
		a.logger.Warnw("rejecting window update, residual increased",
			"initial", result.InitialCost, "final", result.FinalCost, "consecutive", a.badSolves)
		if a.badSolves > a.cfg.DivergenceRetries {
			return ErrWindowDiverged
		}
		return nil
	}
	a.badSolves = 0

	// apply refined state back to the store
	for kf, off := range poseIndex {
		if err := a.store.SetKeyframePose(kf, spatialmath.NewPoseFromParameters(result.Params[off:off+6])); err != nil {
			return err
		}
	}
	for lm, off := range lmIndex {
		p := result.Params[off : off+3]
		if err := a.store.SetLandmarkPosition(lm, r3Vec(p)); err != nil {
			return err
		}
	}
	return nil
}

// buildProblem assembles reprojection residuals for every tracked
// observation in the window plus inertial rotation residuals between
// consecutive members.
func (a *Adjuster) buildProblem(
	gauge spatialmath.Pose,
	poseIndex map[sparsemap.KeyframeID]int,
	lmIndex map[sparsemap.LandmarkID]int,
) (*solver.Problem, error) {
	var problem solver.Problem
	loss := solver.HuberLoss(a.cfg.MaxPixelError)

	for _, kf := range a.keyframes {
		kfID := kf
		obs, err := a.store.Observations(kfID)
		if err != nil {
			return nil, err
		}
		tracks, err := a.store.LandmarksOf(kfID)
		if err != nil {
			return nil, err
		}
		// only the gauge keyframe has no parameter entry
		poseOff, poseVaries := poseIndex[kfID]
		fixedPose := gauge
		for obsIdx, lmID := range tracks {
			lmOff, lmVaries := lmIndex[lmID]
			var fixedPos []float64
			if !lmVaries {
				pos, err := a.store.LandmarkPosition(lmID)
				if err != nil {
					continue
				}
				fixedPos = []float64{pos.X, pos.Y, pos.Z}
			}
			ob := obs[obsIdx]
			po, pv := poseOff, poseVaries
			lo, lv := lmOff, lmVaries
			fp := fixedPose
			problem.Add(2, loss, func(x, out []float64) {
				pose := fp
				if pv {
					pose = spatialmath.NewPoseFromParameters(x[po : po+6])
				}
				var world []float64
				if lv {
					world = x[lo : lo+3]
				} else {
					world = fixedPos
				}
				px, err := a.rig.ProjectWorld(ob.Camera, pose, r3Vec(world))
				if err != nil {
					// behind the camera: large constant residual the
					// robust loss bounds
					out[0] = 10 * a.cfg.MaxPixelError
					out[1] = 10 * a.cfg.MaxPixelError
					return
				}
				out[0] = px.X - ob.Pixel.X
				out[1] = px.Y - ob.Pixel.Y
			})
		}
	}

	// inertial rotation residuals between consecutive keyframes
	if a.cfg.InertialWeight > 0 {
		for i := 1; i < len(a.keyframes); i++ {
			prevID, curID := a.keyframes[i-1], a.keyframes[i]
			pre, err := a.store.Inertial(curID)
			if err != nil || pre == nil || pre.Empty() {
				continue
			}
			prevOff, prevVaries := poseIndex[prevID]
			curOff, curVaries := poseIndex[curID]
			preCopy := *pre
			w := a.cfg.InertialWeight
			g := gauge
			problem.Add(3, nil, func(x, out []float64) {
				pa := g
				if prevVaries {
					pa = spatialmath.NewPoseFromParameters(x[prevOff : prevOff+6])
				}
				pb := g
				if curVaries {
					pb = spatialmath.NewPoseFromParameters(x[curOff : curOff+6])
				}
				r := preCopy.RotationResidual(pa, pb)
				out[0] = w * r.X
				out[1] = w * r.Y
				out[2] = w * r.Z
			})
		}
	}
	return &problem, nil
}

// evictExcess removes the oldest keyframes while the window exceeds its
// bound. Evicted keyframes stay in the store; their landmarks observed
// nowhere else in the window are frozen or discarded per policy.
func (a *Adjuster) evictExcess() error {
	for len(a.keyframes) > a.cfg.MaxKeyframes {
		oldest := a.keyframes[0]
		a.keyframes = a.keyframes[1:]
		if err := a.retireLandmarksOf(oldest); err != nil {
			return err
		}
		a.logger.Debugw("evicted keyframe from window", "keyframe", oldest)
	}
	return nil
}

func (a *Adjuster) retireLandmarksOf(evicted sparsemap.KeyframeID) error {
	tracks, err := a.store.LandmarksOf(evicted)
	if err != nil {
		return err
	}
	for _, lmID := range tracks {
		observers, err := a.store.ObserversOf(lmID)
		if err != nil {
			continue
		}
		inWindow := false
		for kf := range observers {
			if kf != evicted && a.Contains(kf) {
				inWindow = true
				break
			}
		}
		if inWindow {
			continue
		}
		switch {
		case a.cfg.Policy == DiscardUnique || len(observers) < 2:
			// under-constrained or policy says drop: marginalize away
			if err := a.store.RemoveLandmark(lmID); err != nil {
				return err
			}
		default:
			if err := a.store.SetLandmarkFrozen(lmID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reanchor re-expresses in-window landmark positions after a pose-graph
// correction moved the window anchor from oldAnchor to newAnchor. Keyframe
// poses were already corrected through the store; landmarks are transformed
// rather than re-triangulated.
func (a *Adjuster) Reanchor(oldAnchor, newAnchor spatialmath.Pose) error {
	delta := spatialmath.Compose(newAnchor, oldAnchor.Invert())
	free, _ := a.windowLandmarks()
	for _, lm := range free {
		pos, err := a.store.LandmarkPosition(lm)
		if err != nil {
			continue
		}
		if err := a.store.SetLandmarkPosition(lm, delta.TransformPoint(pos)); err != nil {
			return err
		}
	}
	a.badSolves = 0
	return nil
}

func r3Vec(p []float64) r3.Vector {
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}
}
