package calib

import (
	"errors"
	"math"
	"testing"

	"github.com/xrd-tools/ringcal/internal/geometry"
)

// syntheticRing generates n pixel observations on ring 0 for a flat
// (untilted) pose, spaced evenly in azimuth.
func syntheticRing(t *testing.T, det *geometry.Detector, pose []float64, wavelength, dSpacing float64, n int) [][]float64 {
	t.Helper()
	tth := 2 * math.Asin(wavelength/(2.0e-10*dSpacing))
	if math.IsNaN(tth) {
		t.Fatalf("synthetic ring is unphysical: wavelength %g, dSpacing %g", wavelength, dSpacing)
	}
	radius := pose[0] * math.Tan(tth)
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		phi := 2 * math.Pi * float64(i) / float64(n)
		m1 := pose[1] + radius*math.Cos(phi)
		m2 := pose[2] + radius*math.Sin(phi)
		rows[i] = []float64{
			m1/det.PixelSize1() - 0.5,
			m2/det.PixelSize2() - 0.5,
			0,
		}
	}
	return rows
}

const (
	testWavelength = 1e-10
	testDSpacing   = 3.0
)

var truePose = []float64{0.1, 0.05, 0.05, 0, 0, 0}

func perturbedRefiner(t *testing.T, n int) *Refiner {
	t.Helper()
	det := testDetector(t)
	rows := syntheticRing(t, det, truePose, testWavelength, testDSpacing, n)
	return newTestRefiner(t, rows, []float64{testDSpacing}, Config{
		Dist:       0.103,
		Poni1:      poniPtr(0.0506),
		Poni2:      poniPtr(0.0494),
		Wavelength: testWavelength,
	})
}

func exactRefiner(t *testing.T, n int) *Refiner {
	t.Helper()
	det := testDetector(t)
	rows := syntheticRing(t, det, truePose, testWavelength, testDSpacing, n)
	return newTestRefiner(t, rows, []float64{testDSpacing}, Config{
		Dist:       truePose[0],
		Poni1:      poniPtr(truePose[1]),
		Poni2:      poniPtr(truePose[2]),
		Wavelength: testWavelength,
	})
}

func pose6Of(r *Refiner) []float64 {
	return []float64{r.Dist, r.Poni1, r.Poni2, r.Rot1, r.Rot2, r.Rot3}
}

func TestRefineLeastSquares_ConvergesOnSyntheticRing(t *testing.T) {
	r := perturbedRefiner(t, 4)
	before, err := r.Chi2(nil)
	if err != nil {
		t.Fatal(err)
	}
	after, err := r.RefineLeastSquares()
	if err != nil {
		t.Fatal(err)
	}
	if after >= before {
		t.Errorf("chi2 did not improve: %v --> %v", before, after)
	}
	if after > 1e-6 {
		t.Errorf("chi2 after refinement = %v, want < 1e-6", after)
	}
}

func TestCommitInvariant_AllStrategies(t *testing.T) {
	strategies := []struct {
		name string
		run  func(r *Refiner) (float64, error)
	}{
		{"leastsq", func(r *Refiner) (float64, error) { return r.RefineLeastSquares() }},
		{"bounded", func(r *Refiner) (float64, error) { return r.RefineBounded(0, nil) }},
		{"bounded-wavelength", func(r *Refiner) (float64, error) { return r.RefineBoundedWavelength(0, nil) }},
		{"simplex", func(r *Refiner) (float64, error) { return r.RefineSimplex(500) }},
		{"anneal", func(r *Refiner) (float64, error) { return r.RefineAnneal(2000) }},
	}
	for _, st := range strategies {
		t.Run(st.name, func(t *testing.T) {
			r := perturbedRefiner(t, 8)
			before, err := r.Chi2(nil)
			if err != nil {
				t.Fatal(err)
			}
			after, err := st.run(r)
			if err != nil {
				t.Fatal(err)
			}
			if after > before {
				t.Errorf("chi2 regressed: %v --> %v", before, after)
			}
			// The returned value describes the committed state.
			now, err := r.Chi2(nil)
			if err != nil {
				t.Fatal(err)
			}
			if st.name == "bounded-wavelength" {
				now, err = r.Chi2Wavelength(nil)
				if err != nil {
					t.Fatal(err)
				}
			}
			if math.Abs(now-after) > 1e-15*math.Max(1, after) {
				t.Errorf("returned chi2 %v does not match state chi2 %v", after, now)
			}
		})
	}
}

func TestNonImprovingCandidateLeavesPoseUntouched(t *testing.T) {
	// Canned minimizers return the starting point; equal chi-squared
	// must not be committed and every field stays bit-identical.
	r := exactRefiner(t, 4)
	identity := func(x0 []float64) []float64 {
		return append([]float64(nil), x0...)
	}
	r.leastSquares = func(_ func(dst, x []float64), _ int, _, _, x0 []float64, _ int) ([]float64, error) {
		return identity(x0), nil
	}
	r.simplex = func(_ func([]float64) float64, x0 []float64, _ int) ([]float64, error) {
		return identity(x0), nil
	}
	r.anneal = func(_ func([]float64) float64, x0, _, _ []float64, _ int) ([]float64, error) {
		return identity(x0), nil
	}

	wantPose := pose6Of(r)
	wantWl := r.Wavelength
	wantChi2, err := r.Chi2(nil)
	if err != nil {
		t.Fatal(err)
	}

	runs := []struct {
		name string
		run  func() (float64, error)
	}{
		{"leastsq", r.RefineLeastSquares},
		{"bounded", func() (float64, error) { return r.RefineBounded(0, nil) }},
		{"simplex", func() (float64, error) { return r.RefineSimplex(0) }},
		{"anneal", func() (float64, error) { return r.RefineAnneal(0) }},
	}
	for _, st := range runs {
		got, err := st.run()
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got != wantChi2 {
			t.Errorf("%s: chi2 = %v, want pre-call %v", st.name, got, wantChi2)
		}
		for i, v := range pose6Of(r) {
			if v != wantPose[i] {
				t.Errorf("%s: %s changed %v --> %v", st.name, Param(i), wantPose[i], v)
			}
		}
		if r.Wavelength != wantWl {
			t.Errorf("%s: wavelength changed", st.name)
		}
	}
}

func TestRefineBoundedWavelength_UnitRoundTrip(t *testing.T) {
	// A canned minimizer hands back the true pose with the wavelength
	// element untouched (in angstrom). After the commit the wavelength
	// must equal the starting value exactly: the 1e10 scaling must
	// round-trip without drift.
	r := perturbedRefiner(t, 4)
	lambda0 := r.Wavelength
	r.leastSquares = func(_ func(dst, x []float64), _ int, _, _, x0 []float64, _ int) ([]float64, error) {
		cand := append([]float64(nil), truePose...)
		cand = append(cand, x0[6])
		return cand, nil
	}
	if _, err := r.RefineBoundedWavelength(0, []Param{}); err != nil {
		t.Fatal(err)
	}
	if r.Dist != truePose[0] {
		t.Errorf("candidate was not committed: dist = %v", r.Dist)
	}
	if r.Wavelength != lambda0 {
		t.Errorf("wavelength = %v, want %v exactly", r.Wavelength, lambda0)
	}
}

func TestRefineBounded_FixCollapsesBounds(t *testing.T) {
	r := perturbedRefiner(t, 4)
	var gotLower, gotUpper []float64
	r.leastSquares = func(_ func(dst, x []float64), _ int, lower, upper, x0 []float64, _ int) ([]float64, error) {
		gotLower = lower
		gotUpper = upper
		return append([]float64(nil), x0...), nil
	}
	if _, err := r.RefineBounded(0, []Param{ParamPoni1}); err != nil {
		t.Fatal(err)
	}
	if gotLower[1] != r.Poni1 || gotUpper[1] != r.Poni1 {
		t.Errorf("poni1 bounds = (%v, %v), want collapsed to %v", gotLower[1], gotUpper[1], r.Poni1)
	}
	if gotLower[0] != 0 || gotUpper[0] != 10 {
		t.Errorf("dist bounds = (%v, %v), want defaults (0, 10)", gotLower[0], gotUpper[0])
	}
}

func TestRefineBoundedWavelength_ScalesWavelengthBounds(t *testing.T) {
	r := perturbedRefiner(t, 4)
	var gotLower, gotUpper []float64
	r.leastSquares = func(_ func(dst, x []float64), _ int, lower, upper, x0 []float64, _ int) ([]float64, error) {
		gotLower = lower
		gotUpper = upper
		return append([]float64(nil), x0...), nil
	}
	if _, err := r.RefineBoundedWavelength(0, []Param{}); err != nil {
		t.Fatal(err)
	}
	if len(gotLower) != 7 {
		t.Fatalf("bounds length = %d, want 7", len(gotLower))
	}
	if gotLower[6] != 1e-15*wavelengthScale || gotUpper[6] != 100e-10*wavelengthScale {
		t.Errorf("wavelength bounds = (%v, %v), want angstrom-scaled defaults", gotLower[6], gotUpper[6])
	}
}

func TestRefineBoundedWavelength_DefaultFixesWavelength(t *testing.T) {
	r := perturbedRefiner(t, 4)
	var gotLower, gotUpper []float64
	r.leastSquares = func(_ func(dst, x []float64), _ int, lower, upper, x0 []float64, _ int) ([]float64, error) {
		gotLower = lower
		gotUpper = upper
		return append([]float64(nil), x0...), nil
	}
	if _, err := r.RefineBoundedWavelength(0, nil); err != nil {
		t.Fatal(err)
	}
	want := wavelengthScale * r.Wavelength
	if gotLower[6] != want || gotUpper[6] != want {
		t.Errorf("wavelength bounds = (%v, %v), want collapsed to %v", gotLower[6], gotUpper[6], want)
	}
}

func TestStrategies_DataShapeError(t *testing.T) {
	r := newTestRefiner(t,
		[][]float64{{1, 2, 0, 1, 9}},
		[]float64{3.0},
		Config{Dist: 1, Poni1: poniPtr(0), Poni2: poniPtr(0), Wavelength: 1e-10},
	)
	if _, err := r.RefineLeastSquares(); !errors.Is(err, ErrDataShape) {
		t.Errorf("RefineLeastSquares err = %v, want ErrDataShape", err)
	}
	if _, err := r.RefineBounded(0, nil); !errors.Is(err, ErrDataShape) {
		t.Errorf("RefineBounded err = %v, want ErrDataShape", err)
	}
}

func TestRefineLeastSquares_RingIndexError(t *testing.T) {
	r := newTestRefiner(t,
		[][]float64{{100, 100, 2}},
		[]float64{3.0},
		Config{Dist: 1, Poni1: poniPtr(0.05), Poni2: poniPtr(0.05), Wavelength: 1e-10},
	)
	_, err := r.RefineLeastSquares()
	var ringErr *RingIndexError
	if !errors.As(err, &ringErr) {
		t.Errorf("err = %v, want RingIndexError", err)
	}
}

func TestNewRefiner_GuessesPONI(t *testing.T) {
	det := testDetector(t)
	rows := syntheticRing(t, det, truePose, testWavelength, testDSpacing, 8)
	data, err := NewDataset(rows, []float64{testDSpacing})
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRefiner(data, det, Config{Dist: 0.1, Wavelength: testWavelength})
	if err != nil {
		t.Fatal(err)
	}
	// The centroid of a full ring is its center.
	if math.Abs(r.Poni1-truePose[1]) > 1e-9 || math.Abs(r.Poni2-truePose[2]) > 1e-9 {
		t.Errorf("guessed PONI = (%v, %v), want (%v, %v)", r.Poni1, r.Poni2, truePose[1], truePose[2])
	}
}

func TestNewRefiner_EmptyDatasetNeedsExplicitPONI(t *testing.T) {
	det := testDetector(t)
	data, err := NewDataset(nil, []float64{testDSpacing})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewRefiner(data, det, Config{Dist: 0.1}); !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("err = %v, want ErrEmptyDataset", err)
	}
	r, err := NewRefiner(data, det, Config{Dist: 0.1, Poni1: poniPtr(0.01), Poni2: poniPtr(0.02)})
	if err != nil {
		t.Fatal(err)
	}
	if r.Poni1 != 0.01 || r.Poni2 != 0.02 {
		t.Errorf("explicit PONI not applied: (%v, %v)", r.Poni1, r.Poni2)
	}
}
