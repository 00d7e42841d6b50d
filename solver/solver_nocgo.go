//go:build no_cgo

package solver

import (
	"github.com/edaniels/golog"
)

// NewDefault returns the preferred solver backend for this build.
func NewDefault(logger golog.Logger, opts Options) Solver {
	return NewGonumSolver(logger, opts)
}
