package calib

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GeometryModel is the forward-model capability the refinement engine
// consumes. It is satisfied by *geometry.Detector.
type GeometryModel interface {
	// TwoTheta predicts the scattering angle in radians at pixel
	// (d1, d2) for the pose vector p (elements past the six pose
	// parameters are ignored).
	TwoTheta(d1, d2 float64, p []float64) float64
	// CartesianPositions converts pixel coordinates to metric
	// positions on the detector face.
	CartesianPositions(d1, d2 float64) (p1, p2 float64)
	PixelSize1() float64
	PixelSize2() float64
}

// Dataset holds the observed ring points and the d-spacing table they
// refer to. Rows are (d1, d2, ring) or (d1, d2, ring, weight); all rows
// carry the same column count. Observations are immutable after
// construction.
type Dataset struct {
	points   [][]float64
	cols     int
	dSpacing []float64
}

// NewDataset builds a dataset from observation rows and an inline
// d-spacing table (one entry per ring, in angstrom). Rows must be
// column-uniform. The d-spacing table may be nil and supplied later via
// SetDSpacing, but must be in place before any residual is evaluated.
func NewDataset(points [][]float64, dSpacing []float64) (*Dataset, error) {
	if len(points) == 0 {
		return &Dataset{dSpacing: append([]float64(nil), dSpacing...)}, nil
	}
	cols := len(points[0])
	rows := make([][]float64, len(points))
	for i, row := range points {
		if len(row) != cols {
			return nil, fmt.Errorf("calib: row %d has %d columns, want %d", i, len(row), cols)
		}
		rows[i] = append([]float64(nil), row...)
	}
	return &Dataset{
		points:   rows,
		cols:     cols,
		dSpacing: append([]float64(nil), dSpacing...),
	}, nil
}

// NewDatasetFromFiles loads observation rows and the d-spacing table
// from whitespace-delimited text files.
func NewDatasetFromFiles(pointsPath, dSpacingPath string) (*Dataset, error) {
	points, err := LoadControlPoints(pointsPath)
	if err != nil {
		return nil, err
	}
	dSpacing, err := LoadDSpacing(dSpacingPath)
	if err != nil {
		return nil, err
	}
	return NewDataset(points, dSpacing)
}

// SetDSpacing replaces the d-spacing table. Intended for the
// load-once-after-construction case.
func (d *Dataset) SetDSpacing(dSpacing []float64) {
	d.dSpacing = append([]float64(nil), dSpacing...)
}

// Len returns the number of observations.
func (d *Dataset) Len() int { return len(d.points) }

// Columns returns the per-row column count (0 for an empty dataset).
func (d *Dataset) Columns() int { return d.cols }

// Weighted reports whether the rows carry a weight column.
func (d *Dataset) Weighted() bool { return d.cols == 4 }

// DSpacing returns the d-spacing table (shared slice, callers must not
// modify it).
func (d *Dataset) DSpacing() []float64 { return d.dSpacing }

// Row returns the pixel coordinates, ring index and weight of
// observation i. The weight is 1 when the dataset has no weight column.
func (d *Dataset) Row(i int) (d1, d2 float64, ring int, weight float64) {
	row := d.points[i]
	weight = 1.0
	if d.cols == 4 {
		weight = row[3]
	}
	return row[0], row[1], int(row[2]), weight
}

// checkShape verifies the dataset can feed a residual function.
func (d *Dataset) checkShape() error {
	if d.cols != 3 && d.cols != 4 {
		return fmt.Errorf("%w (got %d)", ErrDataShape, d.cols)
	}
	return nil
}

// checkRings verifies every ring index hits the d-spacing table.
func (d *Dataset) checkRings() error {
	for _, row := range d.points {
		ring := int(row[2])
		if ring < 0 || ring >= len(d.dSpacing) {
			return &RingIndexError{Ring: ring, Rings: len(d.dSpacing)}
		}
	}
	return nil
}

// GuessPONI estimates the beam center as the metric centroid of the
// innermost ring: every observation whose ring value is within 1e-6 of
// the dataset minimum. A single-point inner ring yields that point.
func (d *Dataset) GuessPONI(geom GeometryModel) (poni1, poni2 float64, err error) {
	if len(d.points) == 0 {
		return 0, 0, ErrEmptyDataset
	}
	if err := d.checkShape(); err != nil {
		return 0, 0, err
	}
	minRing := d.points[0][2]
	for _, row := range d.points {
		if row[2] < minRing {
			minRing = row[2]
		}
	}
	var sum1, sum2 float64
	var n int
	for _, row := range d.points {
		if row[2] < minRing+1e-6 {
			p1, p2 := geom.CartesianPositions(row[0], row[1])
			sum1 += p1
			sum2 += p2
			n++
		}
	}
	return sum1 / float64(n), sum2 / float64(n), nil
}

// LoadControlPoints reads observation rows from a whitespace-delimited
// text file: one observation per line, 3 or 4 floats. Blank lines and
// lines starting with '#' are skipped.
func LoadControlPoints(path string) ([][]float64, error) {
	rows, err := loadFloatTable(path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LoadDSpacing reads a d-spacing table from a whitespace-delimited text
// file, one float per line, in angstrom. Blank lines and '#' comments
// are skipped.
func LoadDSpacing(path string) ([]float64, error) {
	rows, err := loadFloatTable(path)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for i, row := range rows {
		if len(row) != 1 {
			return nil, fmt.Errorf("calib: d-spacing file %s row %d has %d values, want 1", path, i, len(row))
		}
		out = append(out, row[0])
	}
	return out, nil
}

func loadFloatTable(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calib: open %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("calib: %s line %d: %w", path, lineNo, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("calib: read %s: %w", path, err)
	}
	return rows, nil
}
