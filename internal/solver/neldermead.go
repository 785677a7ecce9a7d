package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// NelderMead minimizes a scalar objective by derivative-free simplex
// search. It is a thin adapter over gonum's implementation.
//
// Convergence is judged on objective values, not parameter coordinates:
// gonum's NelderMead exposes no per-parameter tolerance, so Tolerance
// is applied as an absolute function-value threshold rather than the
// simplex-diameter criterion other implementations use.
type NelderMead struct {
	// Tolerance is the absolute function-convergence threshold.
	// Zero means 1e-12.
	Tolerance     float64
	MaxIterations int // zero means 1000
}

// Minimize runs the simplex search from x0 and returns the best point
// found. Hitting the iteration limit is not an error: the incumbent is
// still returned so the caller's accept-if-improved gate can judge it.
func (nm *NelderMead) Minimize(f func([]float64) float64, x0 []float64) ([]float64, error) {
	if len(x0) == 0 {
		return nil, fmt.Errorf("solver: simplex needs at least one parameter")
	}
	tol := nm.Tolerance
	if tol == 0 {
		tol = 1e-12
	}
	maxIter := nm.MaxIterations
	if maxIter == 0 {
		maxIter = 1000
	}

	problem := optimize.Problem{Func: f}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   tol,
			Iterations: 100,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if result == nil {
		return nil, fmt.Errorf("solver: simplex failed: %w", err)
	}
	if len(result.X) != len(x0) || anyNaN(result.X) {
		return nil, fmt.Errorf("solver: simplex returned an invalid point")
	}
	return result.X, nil
}

func anyNaN(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}
