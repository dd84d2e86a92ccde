// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.30
//

// Core types for the sliding-window visual update: feature tracks in
// normalized image coordinates and the camera pose window they refer to.

package govio

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Track is the ordered sequence of normalized 2D observations of one
// feature, one entry per observing camera pose. A track of length n is
// observed by the n most recent poses of the sliding window: observation
// i belongs to pose index len(window)-n+i. Tracks are not modified once
// captured.
type Track []r2.Point

// TrackList is an ordered collection of tracks. The processing order of
// the list equals the row order of every stacked output built from it.
type TrackList []Track

// NumObs returns the total number of observations over all tracks.
func (tl TrackList) NumObs() int {
	n := 0
	for _, trk := range tl {
		n += len(trk)
	}
	return n
}

// AttitudeList holds one camera attitude per pose of the sliding window,
// as the unit quaternion whose DCM maps world-frame vectors into the
// camera frame: p_c = RotMat(q) (p_w - pos).
type AttitudeList []quat.Number

// TranslationList holds one camera position per pose of the sliding
// window, in world frame. Index-aligned with the AttitudeList.
type TranslationList []r3.Vector

// InverseDepth is the parameterization of a feature relative to its
// anchor pose (the last pose observing it): bearing ratios alpha = x/z,
// beta = y/z and inverse depth rho = 1/z, all in the anchor camera frame.
type InverseDepth struct {
	Alpha float64
	Beta  float64
	Rho   float64
}

// ToCartesian converts the inverse-depth parameters back to a world-frame
// 3D point, given the anchor pose.
func (f InverseDepth) ToCartesian(anchorAtt quat.Number, anchorPos r3.Vector) r3.Vector {
	m := r3.Vector{X: f.Alpha, Y: f.Beta, Z: 1}
	C := RotMat(anchorAtt)
	// p_w = pos + C^T m / rho
	return anchorPos.Add(MulVec3(C.T(), m).Mul(1 / f.Rho))
}

// poseOffset maps observation i of a track with n observations to its
// pose index in a window of nPoses poses.
func poseOffset(nPoses, n, i int) int {
	return nPoses - n + i
}

// checkWindow validates the pose window and the tracks against it.
// A violation here is malformed caller input, not a geometry failure,
// and aborts the whole update computation.
func checkWindow(trks TrackList, quats AttitudeList, poss TranslationList, nPosesMax int, cov mat.Matrix) error {
	if len(quats) != len(poss) {
		return fmt.Errorf("pose list lengths differ: %d attitudes, %d positions", len(quats), len(poss))
	}
	if len(quats) > nPosesMax {
		return fmt.Errorf("window has %d poses, max is %d", len(quats), nPosesMax)
	}
	for j, trk := range trks {
		if len(trk) == 0 {
			return fmt.Errorf("track %d is empty", j)
		}
		if len(trk) > len(quats) {
			return fmt.Errorf("track %d has %d observations but window has %d poses", j, len(trk), len(quats))
		}
	}
	n, m := cov.Dims()
	if n != m {
		return fmt.Errorf("covariance is not square: (%d x %d)", n, m)
	}
	if n < PoseErrSize*len(quats) {
		return fmt.Errorf("covariance size %d smaller than pose window error size %d", n, PoseErrSize*len(quats))
	}
	for j, q := range quats {
		nrm := math.Sqrt(SQ(q.Real) + SQ(q.Imag) + SQ(q.Jmag) + SQ(q.Kmag))
		if math.Abs(nrm-1) > 1e-6 {
			return fmt.Errorf("attitude %d is not a unit quaternion (norm %f)", j, nrm)
		}
	}
	return nil
}
