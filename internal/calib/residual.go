package calib

import "math"

// wavelengthScale is the unit conditioning factor for the refined
// wavelength: the optimizer sees the wavelength in units of 1e-10 m
// (angstrom), which keeps it in the 0.1-10 range alongside the other
// parameters. Conversion back to meters happens only inside the
// residual and when a candidate is committed.
const wavelengthScale = 1e10

// refAngle returns the reference scattering angle for a ring:
// 2*asin(lambda / (2e-10 * dSpacing[ring])), with lambda in meters and
// d-spacings in angstrom (hence the fixed 1e-10 conversion). When the
// asin argument exceeds 1 the result is NaN; that is a legitimate
// divergence state while an optimizer explores short wavelengths or
// the table holds tight spacings, not an error.
func (r *Refiner) refAngle(ring int, lambda float64) float64 {
	return 2 * math.Asin(lambda/(2.0e-10*r.data.dSpacing[ring]))
}

// residuals writes predicted-minus-reference angles for every
// observation into dst. lambda is the wavelength in meters. Ring
// indices must already have been validated against the d-spacing table.
func (r *Refiner) residuals(dst, p []float64, lambda float64) {
	for i := range r.data.points {
		d1, d2, ring, _ := r.data.Row(i)
		dst[i] = r.geom.TwoTheta(d1, d2, p) - r.refAngle(ring, lambda)
	}
}

// residualFunc returns the plain residual vector function over a
// 6-element pose, with the engine's current wavelength held fixed.
// With weighted set, each residual is scaled by sqrt(weight) so the
// squared sum matches the weighted objective.
func (r *Refiner) residualFunc(weighted bool) func(dst, p []float64) {
	return func(dst, p []float64) {
		r.residuals(dst, p, r.Wavelength)
		if weighted {
			r.applyWeights(dst)
		}
	}
}

// residualWavelengthFunc returns the residual vector function over a
// 7-element vector whose last element is the wavelength in angstrom.
func (r *Refiner) residualWavelengthFunc(weighted bool) func(dst, p []float64) {
	return func(dst, p []float64) {
		r.residuals(dst, p, p[6]/wavelengthScale)
		if weighted {
			r.applyWeights(dst)
		}
	}
}

func (r *Refiner) applyWeights(dst []float64) {
	for i := range r.data.points {
		_, _, _, w := r.data.Row(i)
		dst[i] *= math.Sqrt(w)
	}
}

// objective is the scalar sum-of-squares fit objective for a 6-element
// pose with fixed wavelength.
func (r *Refiner) objective(p []float64, weighted bool) float64 {
	return r.sumSquaredResiduals(p, r.Wavelength, weighted)
}

// objectiveWavelength is the scalar objective for a 7-element vector
// carrying the wavelength in angstrom.
func (r *Refiner) objectiveWavelength(p []float64, weighted bool) float64 {
	return r.sumSquaredResiduals(p, p[6]/wavelengthScale, weighted)
}

func (r *Refiner) sumSquaredResiduals(p []float64, lambda float64, weighted bool) float64 {
	sum := 0.0
	for i := range r.data.points {
		d1, d2, ring, w := r.data.Row(i)
		res := r.geom.TwoTheta(d1, d2, p) - r.refAngle(ring, lambda)
		if weighted {
			sum += w * res * res
		} else {
			sum += res * res
		}
	}
	return sum
}

// Chi2 returns the unweighted sum of squared residuals for the pose
// vector p with the current wavelength. A nil p evaluates the last
// snapshot taken by a strategy (or the current pose if none has run).
func (r *Refiner) Chi2(p []float64) (float64, error) {
	if p == nil {
		p = r.param
		if p == nil {
			p = r.pose6()
		}
	}
	if err := r.data.checkRings(); err != nil {
		return 0, err
	}
	return r.objective(p, false), nil
}

// Chi2Wavelength is the wavelength-refined analog of Chi2. A 6-element
// snapshot is extended with the current wavelength in angstrom, so
// callers never track the 6/7-element representation mismatch.
func (r *Refiner) Chi2Wavelength(p []float64) (float64, error) {
	if p == nil {
		p = r.param
		if p == nil {
			p = r.pose6()
		}
	}
	if len(p) == 6 {
		p = append(append([]float64(nil), p...), wavelengthScale*r.Wavelength)
	}
	if err := r.data.checkRings(); err != nil {
		return 0, err
	}
	return r.objectiveWavelength(p, false), nil
}
