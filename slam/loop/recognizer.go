package loop

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/camera"
	"go.viam.com/rigslam/epipolar"
	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/slam/sparsemap"
	"go.viam.com/rigslam/slam/window"
	"go.viam.com/rigslam/solver"
	"go.viam.com/rigslam/spatialmath"
)

// Config tunes retrieval gating and geometric verification.
type Config struct {
	// MinScore is the absolute similarity floor for a candidate.
	MinScore float64
	// SigmaGate scales the adaptive gate: candidates must also beat the
	// mean candidate score plus SigmaGate standard deviations.
	SigmaGate float64
	// TemporalExclusion suppresses candidates captured too recently before
	// the query keyframe.
	TemporalExclusion time.Duration
	// MaxCandidates bounds how many gated candidates are verified.
	MaxCandidates int

	MinMatches    int
	MinInliers    int
	MatchMaxDist  int
	MaxPixelError float64
}

// DefaultConfig returns the gating used by the online session.
func DefaultConfig() Config {
	return Config{
		MinScore:          0.05,
		SigmaGate:         2.0,
		TemporalExclusion: 30 * time.Second,
		MaxCandidates:     3,
		MinMatches:        20,
		MinInliers:        12,
		MatchMaxDist:      64,
		MaxPixelError:     3.0,
	}
}

// Constraint is a verified loop closure: the rig pose at keyframe To
// expressed relative to the rig pose at keyframe From, at metric scale.
type Constraint struct {
	From    sparsemap.KeyframeID
	To      sparsemap.KeyframeID
	Rel     spatialmath.Pose
	Inliers int
	Score   float64
}

// Recognizer retrieves and verifies loop-closure candidates against the
// map. Driven by a single goroutine.
type Recognizer struct {
	cfg    Config
	rig    *camera.Rig
	store  *sparsemap.Store
	idx    *Index
	slv    solver.Solver
	logger golog.Logger
}

// NewRecognizer returns a recognizer over the given index and store.
func NewRecognizer(
	rig *camera.Rig,
	store *sparsemap.Store,
	idx *Index,
	slv solver.Solver,
	logger golog.Logger,
	cfg Config,
) *Recognizer {
	return &Recognizer{
		cfg:    cfg,
		rig:    rig,
		store:  store,
		idx:    idx,
		slv:    slv,
		logger: logger,
	}
}

// Indexed reports how many keyframes have been indexed for retrieval.
func (r *Recognizer) Indexed() int {
	return r.idx.Len()
}

func descriptorsOf(obs []features.Observation) []features.Descriptor {
	descs := make([]features.Descriptor, len(obs))
	for i, o := range obs {
		descs[i] = o.Desc
	}
	return descs
}

// Observe indexes a finalized keyframe and reports a verified loop
// constraint against it, if any. A nil constraint with a nil error means no
// loop was recognized.
func (r *Recognizer) Observe(ctx context.Context, kf sparsemap.KeyframeID) (*Constraint, error) {
	obs, err := r.store.Observations(kf)
	if err != nil {
		return nil, err
	}
	kfTime, err := r.store.KeyframeTime(kf)
	if err != nil {
		return nil, err
	}
	descs := descriptorsOf(obs)
	query := r.idx.Vocabulary().BoW(descs)
	// the keyframe joins the index regardless of the query outcome
	defer r.idx.Add(kf, descs)

	candidates := r.idx.Candidates(query)
	gated := candidates[:0:0]
	scores := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		t, err := r.store.KeyframeTime(c.Keyframe)
		if err != nil {
			continue
		}
		if kfTime.Sub(t) < r.cfg.TemporalExclusion {
			continue
		}
		gated = append(gated, c)
		scores = append(scores, c.Score)
	}
	if len(gated) == 0 {
		return nil, nil
	}

	// the gate adapts to the ambient score distribution, measured on the
	// non-best candidates so a genuine revisit does not inflate it
	threshold := r.cfg.MinScore
	if rest := scores[1:]; len(rest) >= 2 {
		mean, err := stats.Mean(stats.Float64Data(rest))
		if err != nil {
			return nil, err
		}
		sigma, err := stats.StandardDeviation(stats.Float64Data(rest))
		if err != nil {
			return nil, err
		}
		if adaptive := mean + r.cfg.SigmaGate*sigma; adaptive > threshold {
			threshold = adaptive
		}
	}

	verified := 0
	for _, c := range gated {
		if c.Score < threshold || verified >= r.cfg.MaxCandidates {
			break
		}
		verified++
		pose, inliers, err := r.verify(ctx, c.Keyframe, obs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			r.logger.Debugw("loop candidate rejected",
				"keyframe", kf, "candidate", c.Keyframe, "score", c.Score, "error", err)
			continue
		}
		candPose, err := r.store.KeyframePose(c.Keyframe)
		if err != nil {
			return nil, err
		}
		r.logger.Infow("loop closure verified",
			"keyframe", kf, "candidate", c.Keyframe, "score", c.Score, "inliers", inliers)
		return &Constraint{
			From:    c.Keyframe,
			To:      kf,
			Rel:     spatialmath.Between(candPose, pose),
			Inliers: inliers,
			Score:   c.Score,
		}, nil
	}
	return nil, nil
}

// Relocalize searches the whole index for a place matching a raw
// observation set and returns the recovered rig pose. The boolean reports
// whether any candidate survived verification.
func (r *Recognizer) Relocalize(ctx context.Context, obs []features.Observation) (spatialmath.Pose, sparsemap.KeyframeID, bool, error) {
	query := r.idx.Vocabulary().BoW(descriptorsOf(obs))
	for i, c := range r.idx.Candidates(query) {
		if c.Score < r.cfg.MinScore || i >= r.cfg.MaxCandidates {
			break
		}
		pose, _, err := r.verify(ctx, c.Keyframe, obs)
		if err != nil {
			if ctx.Err() != nil {
				return spatialmath.Pose{}, 0, false, err
			}
			continue
		}
		return pose, c.Keyframe, true, nil
	}
	return spatialmath.Pose{}, 0, false, nil
}

// verify checks a retrieval candidate geometrically. Descriptor matches are
// first screened with an essential-matrix consensus, then the query rig
// pose is solved at metric scale against the candidate's landmarks.
func (r *Recognizer) verify(
	ctx context.Context,
	cand sparsemap.KeyframeID,
	queryObs []features.Observation,
) (spatialmath.Pose, int, error) {
	candObs, err := r.store.Observations(cand)
	if err != nil {
		return spatialmath.Pose{}, 0, err
	}
	candPose, err := r.store.KeyframePose(cand)
	if err != nil {
		return spatialmath.Pose{}, 0, err
	}

	matches := features.MatchDescriptors(
		descriptorsOf(candObs), descriptorsOf(queryObs),
		&features.MatchingConfig{DoCrossCheck: true, MaxDist: r.cfg.MatchMaxDist},
	)
	if len(matches) < r.cfg.MinMatches {
		return spatialmath.Pose{}, 0, errors.Errorf("only %d descriptor matches", len(matches))
	}

	// essential-matrix consensus over same-camera matches weeds out
	// perceptually-aliased candidates before the expensive solve
	var pts1, pts2 []r2.Point
	var paired []features.Match
	for _, m := range matches {
		co, qo := candObs[m.Idx1], queryObs[m.Idx2]
		if co.Camera != qo.Camera {
			continue
		}
		model := r.rig.Camera(co.Camera).Model
		pts1 = append(pts1, normalized(model, co.Pixel))
		pts2 = append(pts2, normalized(model, qo.Pixel))
		paired = append(paired, m)
	}
	rel, inlierIdx, err := epipolar.RansacRelativePose(pts1, pts2, epipolar.DefaultRansacConfig())
	if err != nil {
		return spatialmath.Pose{}, 0, errors.Wrap(err, "epipolar consensus")
	}

	// metric scale comes from the candidate's landmarks
	corrs := make([]window.Correspondence, 0, len(inlierIdx))
	for _, i := range inlierIdx {
		m := paired[i]
		lm, tracked := r.store.TrackedLandmark(cand, m.Idx1)
		if !tracked {
			continue
		}
		pos, err := r.store.LandmarkPosition(lm)
		if err != nil {
			continue
		}
		qo := queryObs[m.Idx2]
		corrs = append(corrs, window.Correspondence{Camera: qo.Camera, Pixel: qo.Pixel, World: pos})
	}
	if len(corrs) < r.cfg.MinInliers {
		return spatialmath.Pose{}, 0, errors.Errorf("only %d landmark correspondences", len(corrs))
	}

	// the consensus rotation seeds the solve; its translation has no scale
	seed := spatialmath.Compose(candPose, spatialmath.NewPose(r3.Vector{}, rel.Rotation))
	pose, inliers, err := window.SolveRigPose(ctx, r.slv, r.rig, corrs, seed, r.cfg.MaxPixelError)
	if err != nil {
		return spatialmath.Pose{}, 0, err
	}
	if inliers < r.cfg.MinInliers {
		return spatialmath.Pose{}, 0, errors.Errorf("only %d reprojection inliers", inliers)
	}
	return pose, inliers, nil
}

func normalized(m camera.Model, px r2.Point) r2.Point {
	v := m.Unproject(px)
	return r2.Point{X: v.X / v.Z, Y: v.Y / v.Z}
}
