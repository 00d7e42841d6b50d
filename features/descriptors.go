// Package features holds the already-computed 2D observations consumed by
// the SLAM session: pixel locations with binary descriptors, and the
// descriptor matching used for tracking and loop verification.
package features

import (
	"math/bits"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// Descriptor is a binary descriptor packed into 64-bit blocks.
type Descriptor []uint64

// Observation is a single 2D measurement, tagged with the rig camera that
// produced it.
type Observation struct {
	Camera int
	Pixel  r2.Point
	Desc   Descriptor
}

// HammingDistance returns the number of differing bits between two
// descriptors of equal block length.
func HammingDistance(a, b Descriptor) (int, error) {
	if len(a) != len(b) {
		return -1, errors.Errorf("descriptor lengths differ: %d vs %d", len(a), len(b))
	}
	d := 0
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d, nil
}

// Bits returns the total number of bits in the descriptor.
func (d Descriptor) Bits() int { return len(d) * 64 }

// Floats expands the descriptor into one float per bit, the form the
// vocabulary clustering consumes.
func (d Descriptor) Floats() []float64 {
	out := make([]float64, 0, d.Bits())
	for _, block := range d {
		for b := 0; b < 64; b++ {
			out = append(out, float64((block>>uint(b))&1))
		}
	}
	return out
}
