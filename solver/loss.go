package solver

import "math"

// Loss maps a block's squared residual norm to its cost contribution.
// Bounded-influence kernels keep any single bad correspondence from
// dominating a solve.
type Loss func(squaredNorm float64) float64

// TrivialLoss is plain squared error.
func TrivialLoss() Loss {
	return func(s float64) float64 { return s }
}

// HuberLoss is quadratic within delta and linear beyond it. Delta is in the
// residual's own units (pixels for reprojection terms).
func HuberLoss(delta float64) Loss {
	d2 := delta * delta
	return func(s float64) float64 {
		if s <= d2 {
			return s
		}
		return 2*delta*math.Sqrt(s) - d2
	}
}

// CauchyLoss saturates even harder than Huber for far outliers.
func CauchyLoss(delta float64) Loss {
	d2 := delta * delta
	return func(s float64) float64 {
		return d2 * math.Log1p(s/d2)
	}
}
