package solver

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/optimize"
)

const gradientJump = 1e-8

// GonumSolver minimizes with gonum's quasi-Newton methods and a numeric
// gradient. It is pure Go and serves as the default backend when cgo is
// unavailable.
type GonumSolver struct {
	opts   Options
	logger golog.Logger
}

// NewGonumSolver returns a gonum-backed solver.
func NewGonumSolver(logger golog.Logger, opts Options) *GonumSolver {
	return &GonumSolver{opts: opts, logger: logger}
}

// Minimize implements Solver.
func (g *GonumSolver) Minimize(ctx context.Context, p *Problem, seed []float64) (*Result, error) {
	if err := validate(p, seed); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	initial := p.Cost(seed)

	prob := optimize.Problem{
		Func: p.Cost,
		Grad: func(grad, x []float64) {
			base := p.Cost(x)
			xx := append([]float64(nil), x...)
			for i := range x {
				xx[i] += gradientJump
				grad[i] = (p.Cost(xx) - base) / gradientJump
				xx[i] = x[i]
			}
		},
	}
	settings := &optimize.Settings{
		MajorIterations: g.opts.MaxIterations,
		Runtime:         g.opts.TimeBudget,
		Converger: &optimize.FunctionConverge{
			Absolute:   g.opts.Tolerance,
			Iterations: 10,
		},
	}

	res, err := optimize.Minimize(prob, append([]float64(nil), seed...), settings, &optimize.LBFGS{})
	if res == nil {
		// linesearch failures on flat problems still leave the seed valid
		g.logger.Debugw("gonum solve produced no result", "error", err)
		return &Result{
			Params:       append([]float64(nil), seed...),
			Converged:    false,
			InitialCost:  initial,
			FinalCost:    initial,
			SolveElapsed: time.Since(start),
		}, nil
	}
	return &Result{
		Params:       res.X,
		Iterations:   res.Stats.MajorIterations,
		Converged:    err == nil && res.F <= initial,
		InitialCost:  initial,
		FinalCost:    res.F,
		SolveElapsed: time.Since(start),
	}, nil
}
