package calib

import "math"

// Param identifies one refinable pose parameter. The order matches the
// layout of the optimizer vectors: the six pose parameters first,
// wavelength last (present only in the 7-element variant).
type Param int

const (
	ParamDist Param = iota
	ParamPoni1
	ParamPoni2
	ParamRot1
	ParamRot2
	ParamRot3
	ParamWavelength
	NumParams
)

var paramNames = [NumParams]string{
	"dist", "poni1", "poni2", "rot1", "rot2", "rot3", "wavelength",
}

func (p Param) String() string {
	if p < 0 || p >= NumParams {
		return "unknown"
	}
	return paramNames[p]
}

// Range is an independent (min, max) pair for one parameter. min <= max
// is not enforced; an inverted range reaches the constrained strategies
// as-is and the accept-if-improved gate discards whatever comes back.
type Range struct {
	Min, Max float64
}

// Bounds holds the per-parameter ranges used by the constrained
// strategies.
type Bounds [NumParams]Range

// defaultBounds returns the physically loose defaults. The beam-center
// windows scale with the pixel size so they cover detectors of any
// resolution.
func defaultBounds(pixel1, pixel2 float64) Bounds {
	var b Bounds
	b[ParamDist] = Range{0, 10}
	b[ParamPoni1] = Range{-10000 * pixel1, 15000 * pixel1}
	b[ParamPoni2] = Range{-10000 * pixel2, 15000 * pixel2}
	b[ParamRot1] = Range{-math.Pi, math.Pi}
	b[ParamRot2] = Range{-math.Pi, math.Pi}
	b[ParamRot3] = Range{-math.Pi, math.Pi}
	b[ParamWavelength] = Range{1e-15, 100e-10}
	return b
}

// BoundMin returns the lower bound for p.
func (r *Refiner) BoundMin(p Param) float64 { return r.bounds[p].Min }

// BoundMax returns the upper bound for p.
func (r *Refiner) BoundMax(p Param) float64 { return r.bounds[p].Max }

// SetBoundMin sets the lower bound for p. No cross-field validation is
// performed.
func (r *Refiner) SetBoundMin(p Param, v float64) { r.bounds[p].Min = v }

// SetBoundMax sets the upper bound for p.
func (r *Refiner) SetBoundMax(p Param, v float64) { r.bounds[p].Max = v }

// Bounds returns a copy of the current bound state.
func (r *Refiner) Bounds() Bounds { return r.bounds }

// SetTolerance derives per-parameter bounds as a +-pct% window around
// the current values. Near-zero parameters get a fixed symmetric window
// of half-width (pct/100)^2 instead, since a percentage of zero would
// collapse the range; note the fallback width is quadratic in the
// tolerance where the main branch is linear. The distance and
// wavelength windows are not reordered, so a negative current value
// leaves them inverted.
func (r *Refiner) SetTolerance(pct float64) {
	low := 1 - pct/100
	hi := 1 + pct/100

	r.bounds[ParamDist] = Range{low * r.Dist, hi * r.Dist}

	centered := []struct {
		p Param
		v float64
	}{
		{ParamPoni1, r.Poni1},
		{ParamPoni2, r.Poni2},
		{ParamRot1, r.Rot1},
		{ParamRot2, r.Rot2},
		{ParamRot3, r.Rot3},
	}
	eps := (pct / 100) * (pct / 100)
	for _, c := range centered {
		if math.Abs(c.v) > eps {
			r.bounds[c.p] = Range{
				Min: math.Min(low*c.v, hi*c.v),
				Max: math.Max(low*c.v, hi*c.v),
			}
		} else {
			r.bounds[c.p] = Range{-eps, eps}
		}
	}

	r.bounds[ParamWavelength] = Range{low * r.Wavelength, hi * r.Wavelength}
}
