//go:build !no_cgo

package solver

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// NLoptSolver minimizes with nlopt's gradient-based local optimizers and a
// numeric gradient, in the same shape as the kinematics solvers this module
// descends from.
type NLoptSolver struct {
	opts   Options
	logger golog.Logger
}

// NewNLoptSolver returns an nlopt-backed solver.
func NewNLoptSolver(logger golog.Logger, opts Options) *NLoptSolver {
	return &NLoptSolver{opts: opts, logger: logger}
}

// NewDefault returns the preferred solver backend for this build.
func NewDefault(logger golog.Logger, opts Options) Solver {
	return NewNLoptSolver(logger, opts)
}

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

// Minimize implements Solver.
func (n *NLoptSolver) Minimize(ctx context.Context, p *Problem, seed []float64) (*Result, error) {
	if err := validate(p, seed); err != nil {
		return nil, err
	}
	start := time.Now()
	initial := p.Cost(seed)

	opt, err := nlopt.NewNLopt(nlopt.LD_LBFGS, uint(len(seed)))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	iterations := 0
	minFunc := func(x, gradient []float64) float64 {
		iterations++
		cost := p.Cost(x)
		if len(gradient) > 0 {
			xx := append([]float64(nil), x...)
			for i := range x {
				xx[i] += gradientJump
				gradient[i] = (p.Cost(xx) - cost) / gradientJump
				xx[i] = x[i]
			}
		}
		return cost
	}

	err = multierr.Combine(
		opt.SetFtolAbs(n.opts.Tolerance),
		opt.SetFtolRel(n.opts.Tolerance),
		opt.SetXtolRel(n.opts.Tolerance),
		opt.SetMinObjective(minFunc),
		opt.SetMaxEval(n.opts.MaxIterations*len(seed)),
		opt.SetMaxTime(n.opts.TimeBudget.Seconds()),
	)
	if err != nil {
		return nil, err
	}

	solveChan := make(chan *optimizeReturn, 1)
	utils.PanicCapturingGo(func() {
		solution, score, optErr := opt.Optimize(append([]float64(nil), seed...))
		solveChan <- &optimizeReturn{solution, score, optErr}
	})

	var solved *optimizeReturn
	select {
	case <-ctx.Done():
		err = multierr.Combine(ctx.Err(), opt.ForceStop())
		solved = <-solveChan
		if solved.solution == nil {
			return nil, err
		}
	case solved = <-solveChan:
	}
	if solved.err != nil && solved.solution == nil {
		return nil, errors.Wrap(solved.err, "nlopt optimize")
	}
	if solved.err != nil {
		// nlopt reports roundoff-limited progress as an error; the
		// solution is still usable
		n.logger.Debugw("nlopt finished with condition", "error", solved.err)
	}
	return &Result{
		Params:       solved.solution,
		Iterations:   iterations,
		Converged:    solved.err == nil && solved.score <= initial,
		InitialCost:  initial,
		FinalCost:    solved.score,
		SolveElapsed: time.Since(start),
	}, nil
}
