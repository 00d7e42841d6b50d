// Package camera holds the projection models and the rig geometry consumed
// by the SLAM session. Models are opaque to the rest of the system: a
// bidirectional mapping between 3D rays in the camera frame and 2D pixels.
package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ErrBehindCamera is returned by Project for points with non-positive depth.
var ErrBehindCamera = errors.New("point is behind the camera")

// Model projects 3D points in the camera frame to pixels and back.
type Model interface {
	// Project maps a point in the camera frame to pixel coordinates.
	Project(pt r3.Vector) (r2.Point, error)
	// Unproject maps a pixel to the unit ray through it in the camera frame.
	Unproject(px r2.Point) r3.Vector
	// Width and Height bound the valid pixel area.
	Width() int
	Height() int
}

// Pinhole is a distortion-free pinhole projection model.
type Pinhole struct {
	Fx, Fy float64
	Cx, Cy float64
	W, H   int
}

// NewPinhole returns a pinhole model with the given intrinsics.
func NewPinhole(fx, fy, cx, cy float64, w, h int) *Pinhole {
	return &Pinhole{Fx: fx, Fy: fy, Cx: cx, Cy: cy, W: w, H: h}
}

// Project implements Model.
func (p *Pinhole) Project(pt r3.Vector) (r2.Point, error) {
	if pt.Z <= 0 {
		return r2.Point{}, ErrBehindCamera
	}
	return r2.Point{
		X: p.Fx*pt.X/pt.Z + p.Cx,
		Y: p.Fy*pt.Y/pt.Z + p.Cy,
	}, nil
}

// Unproject implements Model.
func (p *Pinhole) Unproject(px r2.Point) r3.Vector {
	v := r3.Vector{
		X: (px.X - p.Cx) / p.Fx,
		Y: (px.Y - p.Cy) / p.Fy,
		Z: 1,
	}
	return v.Normalize()
}

// Width implements Model.
func (p *Pinhole) Width() int { return p.W }

// Height implements Model.
func (p *Pinhole) Height() int { return p.H }

// InBounds reports whether a pixel falls inside the image area of m.
func InBounds(m Model, px r2.Point) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(m.Width()) && px.Y < float64(m.Height())
}
