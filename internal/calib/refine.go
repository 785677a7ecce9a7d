// Package calib refines the geometry of a detector in a scattering
// experiment: given observed diffraction-ring points and a table of
// reference d-spacings, it adjusts the detector pose (sample distance,
// beam-center offsets, tilt angles) and optionally the wavelength until
// predicted and reference scattering angles agree.
//
// Every strategy follows the same protocol: snapshot the current pose,
// ask one minimizer for a candidate, and commit the candidate only if
// it strictly lowers the chi-squared objective. Non-improving runs
// leave the engine untouched, so any strategy may be retried freely.
package calib

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/xrd-tools/ringcal/internal/solver"
)

// Refiner owns the current best-fit pose and drives the refinement
// strategies. It is not safe for concurrent use; all strategies are
// blocking and run to completion.
type Refiner struct {
	data *Dataset
	geom GeometryModel

	// Current best-fit pose. Distances in meters, angles in radians,
	// wavelength in meters.
	Dist, Poni1, Poni2, Rot1, Rot2, Rot3 float64
	Wavelength                           float64

	bounds Bounds
	param  []float64 // last snapshot taken by a strategy

	// Minimizer seams. Production values are installed by NewRefiner;
	// tests substitute canned minimizers.
	leastSquares func(residual func(dst, x []float64), m int, lower, upper, x0 []float64, maxIter int) ([]float64, error)
	simplex      func(f func([]float64) float64, x0 []float64, maxIter int) ([]float64, error)
	anneal       func(f func([]float64) float64, x0, lower, upper []float64, maxIter int) ([]float64, error)
}

// Config carries the starting pose for a Refiner. Poni1/Poni2 are
// pointers so that "not provided" can be told apart from zero; when
// either is nil both are guessed from the innermost ring centroid.
type Config struct {
	Dist         float64 // zero means 1 m
	Poni1, Poni2 *float64
	Rot1         float64
	Rot2         float64
	Rot3         float64
	Wavelength   float64
}

// NewRefiner builds a refinement engine over a dataset and a geometry
// model. Bounds start at the physically loose defaults.
func NewRefiner(data *Dataset, geom GeometryModel, cfg Config) (*Refiner, error) {
	if data == nil || geom == nil {
		return nil, fmt.Errorf("calib: refiner needs a dataset and a geometry model")
	}
	r := &Refiner{
		data:       data,
		geom:       geom,
		Dist:       cfg.Dist,
		Rot1:       cfg.Rot1,
		Rot2:       cfg.Rot2,
		Rot3:       cfg.Rot3,
		Wavelength: cfg.Wavelength,
		bounds:     defaultBounds(geom.PixelSize1(), geom.PixelSize2()),
	}
	if r.Dist == 0 {
		r.Dist = 1
	}
	if cfg.Poni1 != nil && cfg.Poni2 != nil {
		r.Poni1 = *cfg.Poni1
		r.Poni2 = *cfg.Poni2
	} else {
		p1, p2, err := data.GuessPONI(geom)
		if err != nil {
			return nil, err
		}
		r.Poni1 = p1
		r.Poni2 = p2
	}

	r.leastSquares = func(residual func(dst, x []float64), m int, lower, upper, x0 []float64, maxIter int) ([]float64, error) {
		ls := &solver.LeastSquares{
			Residual:      residual,
			NumResiduals:  m,
			Lower:         lower,
			Upper:         upper,
			Tolerance:     1e-12,
			MaxIterations: maxIter,
		}
		return ls.Solve(x0)
	}
	r.simplex = func(f func([]float64) float64, x0 []float64, maxIter int) ([]float64, error) {
		nm := &solver.NelderMead{Tolerance: 1e-12, MaxIterations: maxIter}
		return nm.Minimize(f, x0)
	}
	r.anneal = func(f func([]float64) float64, x0, lower, upper []float64, maxIter int) ([]float64, error) {
		an := &solver.Anneal{Lower: lower, Upper: upper, MaxIterations: maxIter}
		return an.Minimize(f, x0)
	}
	return r, nil
}

// Dataset returns the dataset the engine refines against.
func (r *Refiner) Dataset() *Dataset { return r.data }

// Geometry returns the forward model.
func (r *Refiner) Geometry() GeometryModel { return r.geom }

// pose6 snapshots the six pose parameters.
func (r *Refiner) pose6() []float64 {
	return []float64{r.Dist, r.Poni1, r.Poni2, r.Rot1, r.Rot2, r.Rot3}
}

// pose7 snapshots the pose with the wavelength in angstrom appended.
func (r *Refiner) pose7() []float64 {
	return append(r.pose6(), wavelengthScale*r.Wavelength)
}

func (r *Refiner) setPose6(p []float64) {
	r.Dist, r.Poni1, r.Poni2, r.Rot1, r.Rot2, r.Rot3 = p[0], p[1], p[2], p[3], p[4], p[5]
}

// decide applies the shared commit rule: accept the candidate only if
// its chi-squared is strictly lower, and return whichever chi-squared
// now describes the engine state. The diagnostic log names the single
// parameter that moved the most.
func (r *Refiner) decide(label string, oldChi2, newChi2 float64, cand []float64, withWavelength bool) float64 {
	log.Printf("%s chi2: %g --> %g", label, oldChi2, newChi2)
	if !(newChi2 < oldChi2) {
		return oldChi2
	}
	delta := make([]float64, len(cand))
	floats.SubTo(delta, cand, r.param)
	for i := range delta {
		delta[i] = math.Abs(delta[i])
	}
	i := floats.MaxIdx(delta)
	log.Printf("%s maxdelta on %s: %g --> %g", label, Param(i), r.param[i], cand[i])

	r.setPose6(cand)
	if withWavelength {
		r.Wavelength = cand[6] / wavelengthScale
	}
	r.param = cand
	return newChi2
}

// RefineLeastSquares refines the six pose parameters by unconstrained
// nonlinear least squares on the residual vector. Fastest strategy;
// assumes the starting pose is already near the optimum.
func (r *Refiner) RefineLeastSquares() (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	r.param = r.pose6()
	oldChi2, err := r.Chi2(r.param)
	if err != nil {
		return 0, err
	}
	cand, err := r.leastSquares(r.residualFunc(false), r.data.Len(), nil, nil, r.pose6(), 0)
	if err != nil {
		return 0, err
	}
	return r.decide("least squares", oldChi2, r.objective(cand, false), cand, false), nil
}

// RefineBounded refines the six pose parameters under the current
// per-parameter bounds. Parameters listed in fix are excluded from the
// search by collapsing their bounds to the current value. A 4-column
// dataset selects the weighted objective automatically; the commit
// comparison always uses the unweighted chi-squared.
func (r *Refiner) RefineBounded(maxIter int, fix []Param) (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	r.param = r.pose6()
	oldChi2, err := r.Chi2(r.param)
	if err != nil {
		return 0, err
	}
	lower, upper := r.boundArrays(r.param, fix, false)
	cand, err := r.leastSquares(r.residualFunc(r.data.Weighted()), r.data.Len(), lower, upper, r.pose6(), maxIter)
	if err != nil {
		return 0, err
	}
	return r.decide("bounded", oldChi2, r.objective(cand, false), cand, false), nil
}

// RefineBoundedWavelength refines pose and wavelength together. The
// wavelength travels through the optimizer in angstrom and is scaled
// back to meters only when committed. When no fix list is given the
// wavelength is fixed, matching RefineBounded; pass an explicit empty
// fix list (or other parameters) to let it move.
func (r *Refiner) RefineBoundedWavelength(maxIter int, fix []Param) (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	if fix == nil {
		fix = []Param{ParamWavelength}
	}
	r.param = r.pose7()
	oldChi2, err := r.Chi2Wavelength(r.param)
	if err != nil {
		return 0, err
	}
	lower, upper := r.boundArrays(r.param, fix, true)
	cand, err := r.leastSquares(r.residualWavelengthFunc(r.data.Weighted()), r.data.Len(), lower, upper, r.pose7(), maxIter)
	if err != nil {
		return 0, err
	}
	return r.decide("bounded+wavelength", oldChi2, r.objectiveWavelength(cand, false), cand, true), nil
}

// RefineSimplex refines the six pose parameters by derivative-free
// simplex search on the scalar objective, unconstrained, with a 1e-12
// convergence tolerance.
func (r *Refiner) RefineSimplex(maxIter int) (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	r.param = r.pose6()
	oldChi2, err := r.Chi2(r.param)
	if err != nil {
		return 0, err
	}
	f := func(p []float64) float64 { return r.objective(p, false) }
	cand, err := r.simplex(f, r.pose6(), maxIter)
	if err != nil {
		return 0, err
	}
	return r.decide("simplex", oldChi2, r.objective(cand, false), cand, false), nil
}

// RefineAnneal refines the six pose parameters by stochastic global
// search between the current lower and upper bounds. Useful far from
// the optimum where the descent strategies stall; no gradient needed.
func (r *Refiner) RefineAnneal(maxIter int) (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	r.param = r.pose6()
	oldChi2, err := r.Chi2(r.param)
	if err != nil {
		return 0, err
	}
	lower := make([]float64, 6)
	upper := make([]float64, 6)
	for i := 0; i < 6; i++ {
		lower[i] = r.bounds[Param(i)].Min
		upper[i] = r.bounds[Param(i)].Max
	}
	f := func(p []float64) float64 { return r.objective(p, false) }
	cand, err := r.anneal(f, r.pose6(), lower, upper, maxIter)
	if err != nil {
		return 0, err
	}
	return r.decide("anneal", oldChi2, r.objective(cand, false), cand, false), nil
}

// RefineExternal delegates refinement to an external tool and applies
// the usual commit rule to the candidate it returns. Tool failures are
// returned as errors, never compared as if they were candidates.
func (r *Refiner) RefineExternal(tool ExternalRefiner) (float64, error) {
	if err := r.data.checkShape(); err != nil {
		return 0, err
	}
	r.param = r.pose6()
	oldChi2, err := r.Chi2(r.param)
	if err != nil {
		return 0, err
	}
	cand, err := tool.Refine(r.pose6(), r.data, r.geom.PixelSize1(), r.geom.PixelSize2())
	if err != nil {
		return 0, err
	}
	return r.decide("external tool", oldChi2, r.objective(cand, false), cand, false), nil
}

// boundArrays expands the bound state into the lower/upper arrays a
// constrained minimizer consumes, collapsing fixed parameters onto
// their current values. current must align with the parameter order;
// withWavelength selects the 7-element layout (wavelength bounds in
// angstrom).
func (r *Refiner) boundArrays(current []float64, fix []Param, withWavelength bool) (lower, upper []float64) {
	n := 6
	if withWavelength {
		n = 7
	}
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i := 0; i < n; i++ {
		p := Param(i)
		if isFixed(p, fix) {
			lower[i] = current[i]
			upper[i] = current[i]
			continue
		}
		lower[i] = r.bounds[p].Min
		upper[i] = r.bounds[p].Max
		if p == ParamWavelength {
			lower[i] *= wavelengthScale
			upper[i] *= wavelengthScale
		}
	}
	return lower, upper
}

func isFixed(p Param, fix []Param) bool {
	for _, f := range fix {
		if f == p {
			return true
		}
	}
	return false
}
