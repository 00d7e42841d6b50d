// Package imu integrates inertial samples between consecutive keyframes.
// The integrated delta feeds the window adjuster's inertial residual and the
// tracking pose prediction.
package imu

import (
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/rigslam/spatialmath"
)

// Sample is one inertial measurement.
type Sample struct {
	Time time.Time
	// AngularRate is the body-frame angular velocity in rad/s.
	AngularRate r3.Vector
	// LinearAcceleration is the body-frame specific force in m/s^2.
	LinearAcceleration r3.Vector
}

// Preintegrated is the accumulated body-frame motion delta between two
// keyframes.
type Preintegrated struct {
	DeltaRotation quat.Number
	DeltaVelocity r3.Vector
	DeltaPosition r3.Vector
	Duration      time.Duration
}

// Preintegrator accumulates samples since the last keyframe.
type Preintegrator struct {
	last    *Sample
	current Preintegrated
}

// NewPreintegrator returns an empty integrator.
func NewPreintegrator() *Preintegrator {
	p := &Preintegrator{}
	p.current.DeltaRotation = quat.Number{Real: 1}
	return p
}

// Add integrates one sample. Samples must arrive in time order; out-of-order
// samples are dropped.
func (p *Preintegrator) Add(s Sample) {
	if p.last == nil {
		last := s
		p.last = &last
		return
	}
	dt := s.Time.Sub(p.last.Time).Seconds()
	if dt <= 0 {
		return
	}
	// body-frame acceleration rotated into the pre-integration frame
	acc := spatialmath.Rotate(p.current.DeltaRotation, p.last.LinearAcceleration)
	p.current.DeltaPosition = p.current.DeltaPosition.
		Add(p.current.DeltaVelocity.Mul(dt)).
		Add(acc.Mul(0.5 * dt * dt))
	p.current.DeltaVelocity = p.current.DeltaVelocity.Add(acc.Mul(dt))
	p.current.DeltaRotation = quat.Mul(p.current.DeltaRotation, spatialmath.Exp(p.last.AngularRate.Mul(dt)))
	p.current.Duration += s.Time.Sub(p.last.Time)
	last := s
	p.last = &last
}

// Current returns the delta accumulated so far without resetting.
func (p *Preintegrator) Current() Preintegrated {
	return p.current
}

// Finish returns the accumulated delta and resets the integrator, keeping
// the last sample so integration continues seamlessly across keyframes.
func (p *Preintegrator) Finish() Preintegrated {
	out := p.current
	p.current = Preintegrated{DeltaRotation: quat.Number{Real: 1}}
	return out
}

// Empty reports whether anything has been integrated since the last Finish.
func (p Preintegrated) Empty() bool {
	return p.Duration == 0
}

// Predict applies the full integrated delta to a world pose. The samples
// carry specific force, so the world-frame gravity removed by the sensor is
// added back here along with the initial velocity contribution.
func (p Preintegrated) Predict(prev spatialmath.Pose, velocity, gravity r3.Vector) spatialmath.Pose {
	dt := p.Duration.Seconds()
	translation := prev.Translation.
		Add(velocity.Mul(dt)).
		Add(gravity.Mul(0.5 * dt * dt)).
		Add(spatialmath.Rotate(prev.Rotation, p.DeltaPosition))
	return spatialmath.Pose{
		Translation: translation,
		Rotation:    quat.Mul(prev.Rotation, p.DeltaRotation),
	}
}

// VelocityAfter propagates a world-frame velocity across the delta.
func (p Preintegrated) VelocityAfter(prev spatialmath.Pose, velocity, gravity r3.Vector) r3.Vector {
	dt := p.Duration.Seconds()
	return velocity.
		Add(gravity.Mul(dt)).
		Add(spatialmath.Rotate(prev.Rotation, p.DeltaVelocity))
}

// RotationResidual is the axis-angle difference between the integrated
// rotation delta and the relative rotation of two keyframe poses.
func (p Preintegrated) RotationResidual(a, b spatialmath.Pose) r3.Vector {
	rel := spatialmath.Between(a, b).Rotation
	return spatialmath.Log(quat.Mul(quat.Conj(p.DeltaRotation), rel))
}
