package epipolar

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/rigslam/spatialmath"
)

// ErrNotEnoughInliers is returned when robust estimation cannot find a
// supported model.
var ErrNotEnoughInliers = errors.New("not enough inliers for relative pose")

// RansacConfig bounds the robust relative-pose search.
type RansacConfig struct {
	Iterations int
	// Threshold is the Sampson distance bound, in squared normalized
	// image units.
	Threshold  float64
	MinInliers int
	Seed       int64
}

// DefaultRansacConfig returns the configuration used by loop verification.
func DefaultRansacConfig() *RansacConfig {
	return &RansacConfig{
		Iterations: 200,
		Threshold:  1e-5,
		MinInliers: 12,
		Seed:       1,
	}
}

func sampleIndices(rnd *rand.Rand, n, k int) []int {
	perm := rnd.Perm(n)
	return perm[:k]
}

// RansacRelativePose robustly estimates the relative pose between two views
// from matched points in normalized image coordinates, returning the pose
// of view 2 expressed in view 1 (translation up to scale) and the inlier
// indices.
func RansacRelativePose(pts1, pts2 []r2.Point, cfg *RansacConfig) (spatialmath.Pose, []int, error) {
	if len(pts1) != len(pts2) {
		return spatialmath.Pose{}, nil, errors.New("matched point sets differ in length")
	}
	const minimal = 8
	if len(pts1) < minimal || len(pts1) < cfg.MinInliers {
		return spatialmath.Pose{}, nil, ErrNotEnoughInliers
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))

	var bestInliers []int
	for it := 0; it < cfg.Iterations; it++ {
		idx := sampleIndices(rnd, len(pts1), minimal)
		s1 := make([]r2.Point, minimal)
		s2 := make([]r2.Point, minimal)
		for i, k := range idx {
			s1[i] = pts1[k]
			s2[i] = pts2[k]
		}
		// in normalized coordinates the fundamental matrix is the
		// essential matrix
		e, err := EstimateFundamental(s1, s2)
		if err != nil {
			continue
		}
		var inliers []int
		for i := range pts1 {
			if SampsonDistance(e, pts1[i], pts2[i]) < cfg.Threshold {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}
	if len(bestInliers) < cfg.MinInliers {
		return spatialmath.Pose{}, nil, ErrNotEnoughInliers
	}

	// refit on all inliers
	in1 := make([]r2.Point, len(bestInliers))
	in2 := make([]r2.Point, len(bestInliers))
	for i, k := range bestInliers {
		in1[i] = pts1[k]
		in2[i] = pts2[k]
	}
	e, err := EstimateFundamental(in1, in2)
	if err != nil {
		return spatialmath.Pose{}, nil, err
	}
	pose, _, err := ChooseRelativePose(e, in1, in2)
	if err != nil {
		return spatialmath.Pose{}, nil, err
	}
	return pose, bestInliers, nil
}
