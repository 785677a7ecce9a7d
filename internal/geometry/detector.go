// Package geometry implements the forward model of a flat area detector
// in a scattering experiment: given a detector pose relative to the
// sample, it predicts the scattering angle observed at any pixel.
//
// Conventions: dimension 1 is the slow (row) pixel axis, dimension 2
// the fast (column) axis. The pose vector is
// [dist, poni1, poni2, rot1, rot2, rot3] with dist the sample-detector
// distance in meters along the incident beam, poni1/poni2 the point of
// normal incidence in meters on the detector face, and rot1/rot2/rot3
// the detector tilt angles in radians.
package geometry

import (
	"fmt"
	"math"
)

// Pose vector indices.
const (
	IdxDist = iota
	IdxPoni1
	IdxPoni2
	IdxRot1
	IdxRot2
	IdxRot3
	PoseLen
)

// Detector describes a flat pixelated detector.
type Detector struct {
	pixel1 float64 // pixel size along dim 1, meters
	pixel2 float64 // pixel size along dim 2, meters
}

// NewDetector returns a detector with the given pixel sizes in meters.
func NewDetector(pixel1, pixel2 float64) (*Detector, error) {
	if pixel1 <= 0 || pixel2 <= 0 {
		return nil, fmt.Errorf("geometry: pixel sizes must be positive, got (%g, %g)", pixel1, pixel2)
	}
	return &Detector{pixel1: pixel1, pixel2: pixel2}, nil
}

// PixelSize1 returns the pixel size along dimension 1 in meters.
func (d *Detector) PixelSize1() float64 { return d.pixel1 }

// PixelSize2 returns the pixel size along dimension 2 in meters.
func (d *Detector) PixelSize2() float64 { return d.pixel2 }

// CartesianPositions converts pixel coordinates to metric positions on
// the detector face. Positions refer to pixel centers, hence the half
// pixel offset.
func (d *Detector) CartesianPositions(d1, d2 float64) (p1, p2 float64) {
	return (d1 + 0.5) * d.pixel1, (d2 + 0.5) * d.pixel2
}

// TwoTheta predicts the scattering angle in radians at pixel (d1, d2)
// for the pose p. Elements of p beyond the six pose parameters are
// ignored, so a wavelength-extended vector may be passed directly.
//
// The detector-plane coordinates relative to the PONI are rotated by
// rot1 about axis 1, rot2 about axis 2 and rot3 about the beam axis;
// the scattering angle is the angle between the rotated ray and the
// beam direction.
func (d *Detector) TwoTheta(d1, d2 float64, p []float64) float64 {
	c1, c2 := d.CartesianPositions(d1, d2)
	p1 := c1 - p[IdxPoni1]
	p2 := c2 - p[IdxPoni2]
	dist := p[IdxDist]

	cos1, sin1 := math.Cos(p[IdxRot1]), math.Sin(p[IdxRot1])
	cos2, sin2 := math.Cos(p[IdxRot2]), math.Sin(p[IdxRot2])
	cos3, sin3 := math.Cos(p[IdxRot3]), math.Sin(p[IdxRot3])

	t1 := p1*cos2*cos3 +
		p2*(cos3*sin1*sin2-cos1*sin3) -
		dist*(cos1*cos3*sin2+sin1*sin3)
	t2 := p1*cos2*sin3 +
		p2*(cos1*cos3+sin1*sin2*sin3) -
		dist*(-cos3*sin1+cos1*sin2*sin3)
	t3 := -p1*sin2 + p2*cos2*sin1 + dist*cos1*cos2

	return math.Atan2(math.Hypot(t1, t2), t3)
}
