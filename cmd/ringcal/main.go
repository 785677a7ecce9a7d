// ringcal refines a detector pose against observed diffraction-ring
// points.
//
// Input files are whitespace-delimited text: the control-point file has
// one observation per line (pixel1 pixel2 ring [weight]); the d-spacing
// file has one reference spacing per line, in angstrom, indexed by
// ring.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"

	"github.com/xrd-tools/ringcal/internal/calib"
	"github.com/xrd-tools/ringcal/internal/geometry"
	"github.com/xrd-tools/ringcal/internal/store"
)

var (
	pointsPath   = flag.String("points", "", "control-point file (required)")
	dSpacingPath = flag.String("dspacing", "", "d-spacing file in angstrom (required)")
	pixel1       = flag.Float64("pixel1", 0, "pixel size along dim 1 in meters (required)")
	pixel2       = flag.Float64("pixel2", 0, "pixel size along dim 2 in meters (required)")

	dist       = flag.Float64("dist", 1, "starting sample-detector distance in meters")
	poni1      = flag.Float64("poni1", math.NaN(), "starting PONI along dim 1 in meters (default: guess from innermost ring)")
	poni2      = flag.Float64("poni2", math.NaN(), "starting PONI along dim 2 in meters (default: guess from innermost ring)")
	rot1       = flag.Float64("rot1", 0, "starting rotation 1 in radians")
	rot2       = flag.Float64("rot2", 0, "starting rotation 2 in radians")
	rot3       = flag.Float64("rot3", 0, "starting rotation 3 in radians")
	wavelength = flag.Float64("wavelength", 1e-10, "wavelength in meters")

	strategies = flag.String("strategies", "leastsq", "comma-separated refinement sequence: leastsq, bounded, bounded-wavelength, simplex, anneal, roca")
	maxIter    = flag.Int("maxiter", 0, "iteration budget per strategy (0 = solver default)")
	tolerance  = flag.Float64("tolerance", 0, "tighten bounds to a percentage window around the starting pose (0 = keep defaults)")
	rocaPath   = flag.String("roca", calib.DefaultRocaPath, "path to the legacy roca executable")
	dbPath     = flag.String("db", "", "optional SQLite file to record runs in")
)

func main() {
	flag.Parse()
	if *pointsPath == "" || *dSpacingPath == "" || *pixel1 <= 0 || *pixel2 <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	detector, err := geometry.NewDetector(*pixel1, *pixel2)
	if err != nil {
		log.Fatalf("detector: %v", err)
	}

	data, err := calib.NewDatasetFromFiles(*pointsPath, *dSpacingPath)
	if err != nil {
		log.Fatalf("dataset: %v", err)
	}
	log.Printf("loaded %d observations (%d columns), %d d-spacings",
		data.Len(), data.Columns(), len(data.DSpacing()))

	cfg := calib.Config{
		Dist:       *dist,
		Rot1:       *rot1,
		Rot2:       *rot2,
		Rot3:       *rot3,
		Wavelength: *wavelength,
	}
	if !math.IsNaN(*poni1) && !math.IsNaN(*poni2) {
		cfg.Poni1 = poni1
		cfg.Poni2 = poni2
	}

	refiner, err := calib.NewRefiner(data, detector, cfg)
	if err != nil {
		log.Fatalf("refiner: %v", err)
	}
	if *tolerance > 0 {
		refiner.SetTolerance(*tolerance)
	}

	var runs *store.Store
	if *dbPath != "" {
		runs, err = store.Open(*dbPath)
		if err != nil {
			log.Fatalf("run store: %v", err)
		}
		defer runs.Close()
	}

	for _, name := range strings.Split(*strategies, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		before, err := refiner.Chi2(nil)
		if err != nil {
			log.Fatalf("chi2: %v", err)
		}
		after, err := runStrategy(refiner, name)
		if err != nil {
			log.Fatalf("%s: %v", name, err)
		}
		log.Printf("%s: chi2 %g --> %g", name, before, after)
		if runs != nil {
			if _, err := runs.RecordRun(store.Run{
				Strategy:   name,
				Points:     data.Len(),
				Chi2Before: before,
				Chi2After:  after,
				Dist:       refiner.Dist,
				Poni1:      refiner.Poni1,
				Poni2:      refiner.Poni2,
				Rot1:       refiner.Rot1,
				Rot2:       refiner.Rot2,
				Rot3:       refiner.Rot3,
				Wavelength: refiner.Wavelength,
			}); err != nil {
				log.Fatalf("record run: %v", err)
			}
		}
	}

	fmt.Printf("dist %.9g m\n", refiner.Dist)
	fmt.Printf("poni1 %.9g m\n", refiner.Poni1)
	fmt.Printf("poni2 %.9g m\n", refiner.Poni2)
	fmt.Printf("rot1 %.9g rad\n", refiner.Rot1)
	fmt.Printf("rot2 %.9g rad\n", refiner.Rot2)
	fmt.Printf("rot3 %.9g rad\n", refiner.Rot3)
	fmt.Printf("wavelength %.9g m\n", refiner.Wavelength)
}

func runStrategy(r *calib.Refiner, name string) (float64, error) {
	switch name {
	case "leastsq":
		return r.RefineLeastSquares()
	case "bounded":
		return r.RefineBounded(*maxIter, nil)
	case "bounded-wavelength":
		return r.RefineBoundedWavelength(*maxIter, []calib.Param{})
	case "simplex":
		return r.RefineSimplex(*maxIter)
	case "anneal":
		return r.RefineAnneal(*maxIter)
	case "roca":
		tool := &calib.RocaRefiner{Path: *rocaPath, Debug: log.Printf}
		return r.RefineExternal(tool)
	default:
		return 0, fmt.Errorf("unknown strategy %q", name)
	}
}
