// Package solver provides the numerical minimizers consumed by the
// refinement engine. Each minimizer is a black box with a documented
// calling contract; callers decide what to do with the candidate it
// returns.
package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// LeastSquares minimizes the sum of squared residuals of a vector-valued
// function by Levenberg-Marquardt with a finite-difference Jacobian.
//
// If Lower/Upper are set, every trial point is clamped into the box
// coordinate-wise, so a parameter with Lower[i] == Upper[i] is held
// fixed. With nil bounds the search is unconstrained.
type LeastSquares struct {
	// Residual writes the NumResiduals residuals for parameters x into dst.
	Residual     func(dst, x []float64)
	NumResiduals int

	Lower, Upper []float64 // optional box bounds, same length as x0

	// Tolerance is the relative-improvement convergence threshold.
	// Zero means 1e-10.
	Tolerance     float64
	MaxIterations int // zero means 200
}

// Solve runs the minimization from x0 and returns the best point found.
// The returned slice is always a fresh copy.
func (ls *LeastSquares) Solve(x0 []float64) ([]float64, error) {
	n := len(x0)
	m := ls.NumResiduals
	if n == 0 || m == 0 {
		return nil, fmt.Errorf("solver: least squares needs parameters and residuals, got n=%d m=%d", n, m)
	}
	if (ls.Lower != nil && len(ls.Lower) != n) || (ls.Upper != nil && len(ls.Upper) != n) {
		return nil, fmt.Errorf("solver: bounds length does not match %d parameters", n)
	}
	tol := ls.Tolerance
	if tol == 0 {
		tol = 1e-10
	}
	maxIter := ls.MaxIterations
	if maxIter == 0 {
		maxIter = 200
	}
	x := make([]float64, n)
	copy(x, x0)
	ls.clamp(x)

	res := make([]float64, m)
	ls.Residual(res, x)
	cost := sumSquares(res)

	jac := mat.NewDense(m, n, nil)
	jtj := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	a := mat.NewSymDense(n, nil)
	dx := mat.NewVecDense(n, nil)
	xNew := make([]float64, n)
	resNew := make([]float64, m)
	var chol mat.Cholesky

	lambda := 1e-3
	nu := 2.0

	for iter := 0; iter < maxIter; iter++ {
		fd.Jacobian(jac, ls.Residual, x, &fd.JacobianSettings{Formula: fd.Central})

		jtj.Mul(jac.T(), jac)
		rhs.MulVec(jac.T(), mat.NewVecDense(m, res))
		rhs.ScaleVec(-1, rhs)

		if mat.Norm(rhs, 2) < tol*(1+cost) {
			break
		}

		improved := false
		for tries := 0; tries < 20; tries++ {
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					a.SetSym(i, j, jtj.At(i, j))
				}
				a.SetSym(i, i, jtj.At(i, i)+lambda)
			}
			if ok := chol.Factorize(a); !ok {
				lambda *= nu
				continue
			}
			if err := chol.SolveVecTo(dx, rhs); err != nil {
				lambda *= nu
				continue
			}

			for i := 0; i < n; i++ {
				xNew[i] = x[i] + dx.AtVec(i)
			}
			ls.clamp(xNew)

			ls.Residual(resNew, xNew)
			costNew := sumSquares(resNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				copy(res, resNew)
				cost = costNew
				lambda = math.Max(lambda/3, 1e-15)
				nu = 2.0
				if improvement < tol {
					return x, nil
				}
				improved = true
				break
			}
			lambda *= nu
			nu *= 2
			if lambda > 1e16 {
				return x, nil
			}
		}
		if !improved && lambda > 1e16 {
			break
		}
	}
	return x, nil
}

func (ls *LeastSquares) clamp(x []float64) {
	if ls.Lower == nil && ls.Upper == nil {
		return
	}
	for i := range x {
		if ls.Lower != nil && x[i] < ls.Lower[i] {
			x[i] = ls.Lower[i]
		}
		if ls.Upper != nil && x[i] > ls.Upper[i] {
			x[i] = ls.Upper[i]
		}
	}
}

func sumSquares(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return s
}
