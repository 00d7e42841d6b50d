// Package solver wraps the generic non-linear least-squares routines the
// SLAM components delegate to. Callers assemble residual blocks over a flat
// parameter vector and get back refined parameters with a convergence
// indicator; the minimizer itself is opaque.
package solver

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Block is one residual term: Eval writes Dim residual values for the
// current parameters into out.
type Block struct {
	Dim  int
	Eval func(params, out []float64)
	// Loss bounds the block's influence; nil means plain squared error.
	Loss Loss
}

// Problem is a set of residual blocks over one shared parameter vector.
type Problem struct {
	Blocks []Block
}

// Add appends a residual block.
func (p *Problem) Add(dim int, loss Loss, eval func(params, out []float64)) {
	p.Blocks = append(p.Blocks, Block{Dim: dim, Eval: eval, Loss: loss})
}

// Cost evaluates the total (robustified) squared residual at x.
func (p *Problem) Cost(x []float64) float64 {
	var total float64
	for _, b := range p.Blocks {
		out := make([]float64, b.Dim)
		b.Eval(x, out)
		var sq float64
		for _, r := range out {
			sq += r * r
		}
		if b.Loss != nil {
			total += b.Loss(sq)
		} else {
			total += sq
		}
	}
	return total
}

// Result reports the outcome of a minimization.
type Result struct {
	Params       []float64
	Iterations   int
	Converged    bool
	InitialCost  float64
	FinalCost    float64
	SolveElapsed time.Duration
}

// Options bound a single solve.
type Options struct {
	MaxIterations int
	TimeBudget    time.Duration
	Tolerance     float64
}

// DefaultOptions returns the budgets used by the window adjuster.
func DefaultOptions() Options {
	return Options{
		MaxIterations: 100,
		TimeBudget:    time.Second,
		Tolerance:     1e-10,
	}
}

// Solver iteratively minimizes a problem's total squared residual starting
// from seed.
type Solver interface {
	Minimize(ctx context.Context, p *Problem, seed []float64) (*Result, error)
}

// ErrEmptyProblem is returned when there is nothing to minimize.
var ErrEmptyProblem = errors.New("problem has no residual blocks")

func validate(p *Problem, seed []float64) error {
	if p == nil || len(p.Blocks) == 0 {
		return ErrEmptyProblem
	}
	if len(seed) == 0 {
		return errors.New("empty parameter seed")
	}
	return nil
}
