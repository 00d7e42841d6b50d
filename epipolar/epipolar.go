// Package epipolar implements the two-view geometry used by session
// initialization and loop verification: 8-point fundamental/essential
// estimation, essential decomposition, and ray triangulation.
package epipolar

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rigslam/spatialmath"
)

// ErrDegenerate is returned when an estimation problem is rank deficient.
var ErrDegenerate = errors.New("degenerate point configuration")

func svd(m mat.Matrix) (u, s, vt *mat.Dense, err error) {
	var dec mat.SVD
	if ok := dec.Factorize(m, mat.SVDFull); !ok {
		return nil, nil, nil, errors.New("svd factorization failed")
	}
	var uD, vD mat.Dense
	dec.UTo(&uD)
	dec.VTo(&vD)
	vals := dec.Values(nil)
	r, c := m.Dims()
	sD := mat.NewDense(r, c, nil)
	for i := 0; i < len(vals) && i < r && i < c; i++ {
		sD.Set(i, i, vals[i])
	}
	var vt2 mat.Dense
	vt2.CloneFrom(vD.T())
	return &uD, sD, &vt2, nil
}

// normalizePoints shifts and scales points so their centroid is the origin
// and mean distance is sqrt(2), returning the applied 3x3 transform.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n
	s := math.Sqrt2
	if meanDist > 0 {
		s = math.Sqrt2 / meanDist
	}
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: (p.X - cx) * s, Y: (p.Y - cy) * s}
	}
	T := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	return out, T
}

// EstimateFundamental computes the fundamental matrix from at least 8 point
// correspondences with the normalized 8-point algorithm.
func EstimateFundamental(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("point sets must have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.Errorf("need at least 8 correspondences, got %d", len(pts1))
	}
	p1, T1 := normalizePoints(pts1)
	p2, T2 := normalizePoints(pts2)

	m := mat.NewDense(len(p1), 9, nil)
	for i := range p1 {
		v1, v2 := p1[i], p2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	_, _, vt, err := svd(m)
	if err != nil {
		return nil, err
	}
	f := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		f.Set(i/3, i%3, vt.At(8, i))
	}
	// enforce rank 2
	u, s, vt2, err := svd(f)
	if err != nil {
		return nil, err
	}
	s.Set(2, 2, 0)
	f.Mul(u, s)
	f.Mul(f, vt2)
	// undo normalization: T2^T F T1
	var out mat.Dense
	out.Mul(T2.T(), f)
	out.Mul(&out, T1)
	res := mat.DenseCopyOf(&out)
	if res.At(2, 2) != 0 {
		res.Scale(1/res.At(2, 2), res)
	}
	return res, nil
}

// EssentialFromFundamental promotes a fundamental matrix to an essential
// matrix given the two intrinsic matrices, enforcing the two equal singular
// values.
func EssentialFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var e mat.Dense
	e.Mul(k2.T(), f)
	e.Mul(&e, k1)
	u, s, vt, err := svd(&e)
	if err != nil {
		return nil, err
	}
	sig := (s.At(0, 0) + s.At(1, 1)) / 2
	clean := mat.NewDense(3, 3, nil)
	clean.Set(0, 0, sig)
	clean.Set(1, 1, sig)
	var out mat.Dense
	out.Mul(u, clean)
	out.Mul(&out, vt)
	return mat.DenseCopyOf(&out), nil
}

// DecomposeEssential returns the two candidate rotations and the translation
// direction of an essential matrix.
func DecomposeEssential(e *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	u, _, vt, err := svd(e)
	if err != nil {
		return nil, nil, r3.Vector{}, err
	}
	if mat.Det(u) < 0 {
		u.Scale(-1, u)
	}
	if mat.Det(vt) < 0 {
		vt.Scale(-1, vt)
	}
	w := mat.NewDense(3, 3, []float64{
		0, 1, 0,
		-1, 0, 0,
		0, 0, 1,
	})
	var r1, r2 mat.Dense
	r1.Mul(u, w)
	r1.Mul(&r1, vt)
	r2.Mul(u, w.T())
	r2.Mul(&r2, vt)
	t := r3.Vector{X: u.At(0, 2), Y: u.At(1, 2), Z: u.At(2, 2)}
	return mat.DenseCopyOf(&r1), mat.DenseCopyOf(&r2), t, nil
}

// TriangulateRays returns the midpoint of the shortest segment between two
// world rays, their signed depths along each ray, and the parallax angle.
func TriangulateRays(o1, d1, o2, d2 r3.Vector) (pt r3.Vector, depth1, depth2, parallax float64, err error) {
	d1 = d1.Normalize()
	d2 = d2.Normalize()
	b := o2.Sub(o1)
	d12 := d1.Dot(d2)
	denom := 1 - d12*d12
	if denom < 1e-12 {
		return r3.Vector{}, 0, 0, 0, ErrDegenerate
	}
	s := (b.Dot(d1) - b.Dot(d2)*d12) / denom
	u := (b.Dot(d1)*d12 - b.Dot(d2)) / denom
	p1 := o1.Add(d1.Mul(s))
	p2 := o2.Add(d2.Mul(u))
	mid := p1.Add(p2).Mul(0.5)
	cos := math.Max(-1, math.Min(1, d12))
	return mid, s, u, math.Acos(cos), nil
}

// SampsonDistance scores a correspondence against a fundamental (or
// essential, in normalized coordinates) matrix.
func SampsonDistance(f *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})
	var fx1, ftx2 mat.VecDense
	fx1.MulVec(f, x1)
	ftx2.MulVec(f.T(), x2)
	num := mat.Dot(x2, &fx1)
	den := fx1.AtVec(0)*fx1.AtVec(0) + fx1.AtVec(1)*fx1.AtVec(1) +
		ftx2.AtVec(0)*ftx2.AtVec(0) + ftx2.AtVec(1)*ftx2.AtVec(1)
	if den == 0 {
		return math.Inf(1)
	}
	return num * num / den
}

// ChooseRelativePose disambiguates the four pose candidates of an essential
// matrix by counting correspondences that triangulate in front of both
// views. Points are in normalized image coordinates. The returned pose is
// the pose of view 2 expressed in view 1, translation up to scale.
func ChooseRelativePose(e *mat.Dense, pts1, pts2 []r2.Point) (spatialmath.Pose, int, error) {
	r1, r2m, t, err := DecomposeEssential(e)
	if err != nil {
		return spatialmath.Pose{}, 0, err
	}
	var best spatialmath.Pose
	bestCount := -1
	for _, r := range []*mat.Dense{r1, r2m} {
		q, err := spatialmath.NewRotationFromMatrix(r)
		if err != nil {
			continue
		}
		for _, tv := range []r3.Vector{t, t.Mul(-1)} {
			// candidate maps frame-1 points into frame 2: x2 = R x1 + t.
			// Its inverse is the pose of view 2 in view 1.
			cand := spatialmath.NewPose(tv, q).Invert()
			count := 0
			for i := range pts1 {
				d1 := r3.Vector{X: pts1[i].X, Y: pts1[i].Y, Z: 1}
				o2 := cand.Translation
				d2 := spatialmath.Rotate(cand.Rotation, r3.Vector{X: pts2[i].X, Y: pts2[i].Y, Z: 1})
				_, s, u, _, err := TriangulateRays(r3.Vector{}, d1, o2, d2)
				if err != nil || s <= 0 || u <= 0 {
					continue
				}
				count++
			}
			if count > bestCount {
				bestCount = count
				best = cand
			}
		}
	}
	if bestCount < 0 {
		return spatialmath.Pose{}, 0, ErrDegenerate
	}
	return best, bestCount, nil
}
