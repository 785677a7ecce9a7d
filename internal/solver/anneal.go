package solver

import (
	"fmt"
	"math"
	"math/rand"
)

// Anneal minimizes a scalar objective by simulated annealing inside a
// box. The search never needs gradients and may escape local minima the
// descent-based minimizers get stuck in; the trade is that the result
// is only as good as the iteration budget allows.
type Anneal struct {
	Lower, Upper []float64 // required box bounds

	MaxIterations int     // zero means 10000
	InitialTemp   float64 // zero means 1.0
	Cooling       float64 // geometric decay per iteration, zero means 0.999
	Seed          int64   // zero means a fixed default seed
}

// Minimize runs the annealing schedule from x0 and returns the best
// point visited. x0 is clamped into the box before the first
// evaluation.
func (an *Anneal) Minimize(f func([]float64) float64, x0 []float64) ([]float64, error) {
	n := len(x0)
	if n == 0 {
		return nil, fmt.Errorf("solver: anneal needs at least one parameter")
	}
	if len(an.Lower) != n || len(an.Upper) != n {
		return nil, fmt.Errorf("solver: anneal bounds length %d/%d does not match %d parameters",
			len(an.Lower), len(an.Upper), n)
	}
	maxIter := an.MaxIterations
	if maxIter == 0 {
		maxIter = 10000
	}
	temp := an.InitialTemp
	if temp == 0 {
		temp = 1.0
	}
	cooling := an.Cooling
	if cooling == 0 {
		cooling = 0.999
	}
	seed := an.Seed
	if seed == 0 {
		seed = 1
	}
	rng := rand.New(rand.NewSource(seed))

	span := make([]float64, n)
	for i := range span {
		span[i] = an.Upper[i] - an.Lower[i]
	}

	cur := make([]float64, n)
	copy(cur, x0)
	clampBox(cur, an.Lower, an.Upper)
	curCost := f(cur)

	best := make([]float64, n)
	copy(best, cur)
	bestCost := curCost

	cand := make([]float64, n)
	for iter := 0; iter < maxIter; iter++ {
		// Step size shrinks with temperature: wide exploration first,
		// local refinement once the schedule has cooled.
		step := math.Max(temp, 1e-3)
		for i := range cand {
			cand[i] = cur[i] + span[i]*step*(2*rng.Float64()-1)
		}
		clampBox(cand, an.Lower, an.Upper)

		cost := f(cand)
		if accept(cost, curCost, temp, rng) {
			copy(cur, cand)
			curCost = cost
			if cost < bestCost {
				copy(best, cand)
				bestCost = cost
			}
		}
		temp *= cooling
	}
	return best, nil
}

// accept implements the Metropolis criterion. NaN costs (divergent
// regions of the objective) are never accepted.
func accept(cost, curCost, temp float64, rng *rand.Rand) bool {
	if math.IsNaN(cost) {
		return false
	}
	if cost < curCost || math.IsNaN(curCost) {
		return true
	}
	if temp <= 0 {
		return false
	}
	return rng.Float64() < math.Exp(-(cost-curCost)/temp)
}

func clampBox(x, lower, upper []float64) {
	for i := range x {
		if x[i] < lower[i] {
			x[i] = lower[i]
		}
		if x[i] > upper[i] {
			x[i] = upper[i]
		}
	}
}
