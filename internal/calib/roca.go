package calib

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// DefaultRocaPath is where the legacy calibration tool is installed on
// the beamline hosts.
const DefaultRocaPath = "/opt/saxs/roca"

// ExternalRefiner produces a candidate pose from an external tool. It
// does not commit anything: the engine applies its usual
// accept-if-improved rule to the returned pose.
type ExternalRefiner interface {
	Refine(pose []float64, data *Dataset, pixel1, pixel2 float64) ([]float64, error)
}

// Logf is the debug-logging seam used by the subprocess adapter.
type Logf func(format string, args ...interface{})

// RocaRefiner runs the legacy "roca" command-line tool. Observations
// are serialized to a temporary text file, the tool is invoked with the
// pixel sizes and the current pose (beam center in pixel units), and
// its stdout is parsed for refined parameters.
//
// The call blocks until the tool exits; there is no timeout, so a hung
// tool hangs the caller. That limitation is accepted here and must be
// supervised by the caller if it matters.
type RocaRefiner struct {
	Path  string // executable path; empty means DefaultRocaPath
	Debug Logf   // optional
}

func (rr *RocaRefiner) logf(format string, args ...interface{}) {
	if rr.Debug != nil {
		rr.Debug(format, args...)
	}
}

// Refine implements ExternalRefiner.
func (rr *RocaRefiner) Refine(pose []float64, data *Dataset, pixel1, pixel2 float64) ([]float64, error) {
	path := rr.Path
	if path == "" {
		path = DefaultRocaPath
	}

	tmp, err := os.CreateTemp("", "roca-*.dat")
	if err != nil {
		return nil, &ExternalToolError{Tool: path, Err: err}
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	for i := 0; i < data.Len(); i++ {
		d1, d2, ring, _ := data.Row(i)
		fmt.Fprintf(w, "%d %s %s\n", ring, formatFloat(d1), formatFloat(d2))
	}
	if err := w.Flush(); err != nil {
		return nil, &ExternalToolError{Tool: path, Err: err}
	}

	args := []string{
		"debug=8",
		"maxdev=1",
		"input=" + tmp.Name(),
		formatFloat(pixel1),
		formatFloat(pixel2),
		formatFloat(pose[1] / pixel1), // beam center in pixels
		formatFloat(pose[2] / pixel2),
		formatFloat(pose[0]),
		formatFloat(pose[3]),
		formatFloat(pose[4]),
		formatFloat(pose[5]),
	}
	rr.logf("running %s %v", path, args)

	out, err := exec.Command(path, args...).Output()
	if err != nil {
		return nil, &ExternalToolError{Tool: path, Err: err}
	}

	cand, recognized := parseRocaOutput(bytes.NewReader(out), pose, pixel1, pixel2)
	if recognized == 0 {
		return nil, &ExternalToolError{Tool: path, Err: fmt.Errorf("no recognized parameters in output")}
	}
	rr.logf("parsed %d parameters from %s", recognized, path)
	return cand, nil
}

// parseRocaOutput scans the tool's stdout for parameter lines. Each
// candidate line has exactly three whitespace-separated tokens
// (name, value, unit); beam-center values are reported in pixels and
// converted back to meters here. Unrecognized or malformed lines are
// skipped: the tool interleaves diagnostics with results.
// Parameters the tool never reports retain their starting values.
func parseRocaOutput(r io.Reader, pose []float64, pixel1, pixel2 float64) (cand []float64, recognized int) {
	cand = append([]float64(nil), pose...)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := bytes.Fields(scanner.Bytes())
		if len(fields) != 3 {
			continue
		}
		value, err := strconv.ParseFloat(string(fields[1]), 64)
		if err != nil {
			continue
		}
		switch string(fields[0]) {
		case "cen1":
			cand[1] = value * pixel1
		case "cen2":
			cand[2] = value * pixel2
		case "dis":
			cand[0] = value
		case "rot1":
			cand[3] = value
		case "rot2":
			cand[4] = value
		case "rot3":
			cand[5] = value
		default:
			continue
		}
		recognized++
	}
	return cand, recognized
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
