// Package spatialmath defines the 6-DoF pose operations shared by the SLAM
// and calibration components. Rotations are unit quaternions.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: rotation applied first, then translation.
type Pose struct {
	Translation r3.Vector
	Rotation    quat.Number
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose returns a pose from a translation and a rotation quaternion,
// normalizing the rotation.
func NewPose(t r3.Vector, r quat.Number) Pose {
	return Pose{Translation: t, Rotation: normalize(r)}
}

// NewPoseFromAxisAngle returns a pose rotating theta radians about axis,
// translated by t.
func NewPoseFromAxisAngle(t r3.Vector, axis r3.Vector, theta float64) Pose {
	if axis.Norm() == 0 {
		return Pose{Translation: t, Rotation: quat.Number{Real: 1}}
	}
	u := axis.Normalize()
	s := math.Sin(theta / 2)
	return Pose{
		Translation: t,
		Rotation: quat.Number{
			Real: math.Cos(theta / 2),
			Imag: u.X * s,
			Jmag: u.Y * s,
			Kmag: u.Z * s,
		},
	}
}

func normalize(q quat.Number) quat.Number {
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the quaternion rotation q to vector v.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// TransformPoint maps a point through the pose.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return Rotate(p.Rotation, pt).Add(p.Translation)
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	qi := quat.Conj(p.Rotation)
	return Pose{
		Translation: Rotate(qi, p.Translation.Mul(-1)),
		Rotation:    qi,
	}
}

// Compose returns the pose equivalent to applying b first, then a.
func Compose(a, b Pose) Pose {
	return Pose{
		Translation: Rotate(a.Rotation, b.Translation).Add(a.Translation),
		Rotation:    normalize(quat.Mul(a.Rotation, b.Rotation)),
	}
}

// Between returns the relative pose taking a to b, i.e. Compose(a, Between(a, b)) == b.
func Between(a, b Pose) Pose {
	return Compose(a.Invert(), b)
}

// Log returns the axis-angle vector (axis scaled by angle) of the rotation.
func Log(q quat.Number) r3.Vector {
	q = normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := v.Norm()
	if s < 1e-12 {
		// small-angle: log(q) ~= 2*vec(q)
		return v.Mul(2)
	}
	theta := 2 * math.Atan2(s, q.Real)
	return v.Mul(theta / s)
}

// Exp returns the unit quaternion for an axis-angle vector.
func Exp(w r3.Vector) quat.Number {
	theta := w.Norm()
	if theta < 1e-12 {
		return normalize(quat.Number{Real: 1, Imag: w.X / 2, Jmag: w.Y / 2, Kmag: w.Z / 2})
	}
	u := w.Mul(1 / theta)
	s := math.Sin(theta / 2)
	return quat.Number{Real: math.Cos(theta / 2), Imag: u.X * s, Jmag: u.Y * s, Kmag: u.Z * s}
}

// RotationAngle returns the magnitude in radians of the rotation.
func RotationAngle(q quat.Number) float64 {
	return Log(q).Norm()
}

// Parameters flattens the pose into the 6-float form consumed by the solver:
// translation followed by the rotation log.
func (p Pose) Parameters() []float64 {
	w := Log(p.Rotation)
	return []float64{p.Translation.X, p.Translation.Y, p.Translation.Z, w.X, w.Y, w.Z}
}

// NewPoseFromParameters inverts Parameters.
func NewPoseFromParameters(v []float64) Pose {
	return Pose{
		Translation: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Rotation:    Exp(r3.Vector{X: v[3], Y: v[4], Z: v[5]}),
	}
}

// RotationMatrix returns the 3x3 rotation matrix of the pose.
func (p Pose) RotationMatrix() *mat.Dense {
	q := normalize(p.Rotation)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// NewRotationFromMatrix converts a 3x3 rotation matrix to a quaternion.
func NewRotationFromMatrix(m *mat.Dense) (quat.Number, error) {
	r, c := m.Dims()
	if r != 3 || c != 3 {
		return quat.Number{}, errors.Errorf("expected 3x3 rotation matrix, got %dx%d", r, c)
	}
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m.At(2, 1) - m.At(1, 2)) / s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) / s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) / s,
		}
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: s / 4,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: s / 4,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := math.Sqrt(1+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: s / 4,
		}
	}
	return normalize(q), nil
}

// AlmostEqual reports whether two poses are within tol in translation and
// rotation angle.
func AlmostEqual(a, b Pose, tol float64) bool {
	if a.Translation.Sub(b.Translation).Norm() > tol {
		return false
	}
	return RotationAngle(Between(a, b).Rotation) <= tol
}
