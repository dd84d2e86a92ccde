// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.31
//

package govio

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// testWindow builds a sliding window of L camera poses translating along
// X with a slight yaw, all looking roughly down the world Z axis.
func testWindow(L int) (AttitudeList, TranslationList) {
	quats := make(AttitudeList, L)
	poss := make(TranslationList, L)
	for k := 0; k < L; k++ {
		quats[k] = AxisAngleQuat(r3.Vector{Y: 1}, 0.02*float64(k))
		poss[k] = r3.Vector{X: 0.4 * float64(k), Y: 0.05 * float64(k), Z: 0}
	}
	return quats, poss
}

// project computes the exact normalized observation of a world point.
func project(pt r3.Vector, q quat.Number, pos r3.Vector) r2.Point {
	pc := MulVec3(RotMat(q), pt.Sub(pos))
	return r2.Point{X: pc.X / pc.Z, Y: pc.Y / pc.Z}
}

// perfectTrack observes pt exactly from the n most recent window poses.
func perfectTrack(pt r3.Vector, quats AttitudeList, poss TranslationList, n int) Track {
	L := len(quats)
	trk := make(Track, n)
	for i := 0; i < n; i++ {
		k := L - n + i
		trk[i] = project(pt, quats[k], poss[k])
	}
	return trk
}

func diagCov(dim int, v float64) *mat.Dense {
	P := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		P.Set(i, i, v)
	}
	return P
}

func TestMsckfSlamEmptyTrackList(t *testing.T) {
	quats, poss := testWindow(5)
	cov := diagCov(PoseErrSize*5, 1e-6)

	u, err := NewMsckfSlamUpdate(TrackList{}, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, u.InitMats().Rows())
	assert.Nil(t, u.InitMats().H1)
	assert.Nil(t, u.InitMats().H2)
	assert.Nil(t, u.Jacobian())
	assert.Nil(t, u.Residual())
	assert.Empty(t, u.InitMats().Features)
	assert.Empty(t, u.Inliers())
	assert.Empty(t, u.Outliers())
}

func TestMsckfSlamPerfectTrackIsInlier(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	pt := r3.Vector{X: 0.3, Y: -0.2, Z: 6}
	trks := TrackList{perfectTrack(pt, quats, poss, 4)}

	u, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	require.Len(t, u.Inliers(), 1)
	assert.Empty(t, u.Outliers())
	assert.InDelta(t, pt.X, u.Inliers()[0].X, 1e-6)
	assert.InDelta(t, pt.Y, u.Inliers()[0].Y, 1e-6)
	assert.InDelta(t, pt.Z, u.Inliers()[0].Z, 1e-6)

	mats := u.InitMats()
	assert.Equal(t, 2*4, mats.Rows())
	require.Len(t, mats.Features, 1)

	// Exact observations leave an essentially zero residual
	assert.Less(t, mat.Norm(mats.Res, math.Inf(1)), 1e-8)

	// Inverse-depth estimate is anchored at the last pose
	back := mats.Features[0].ToCartesian(quats[L-1], poss[L-1])
	assert.InDelta(t, pt.X, back.X, 1e-6)
	assert.InDelta(t, pt.Y, back.Y, 1e-6)
	assert.InDelta(t, pt.Z, back.Z, 1e-6)

	// Implied noise model
	assert.InDelta(t, SQ(NewUpdateOpt().SigmaImg), u.NoiseVariance(), 1e-15)
}

func TestMsckfSlamRowBookkeeping(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)

	p0 := r3.Vector{X: 0.3, Y: -0.2, Z: 6}
	p1 := r3.Vector{X: -0.5, Y: 0.4, Z: 8}
	p2 := r3.Vector{X: 0.1, Y: 0.1, Z: 5}

	bad := perfectTrack(p1, quats, poss, 4)
	bad[1].X += 0.5 // inconsistent bearing, triangulation must reject

	trks := TrackList{
		perfectTrack(p0, quats, poss, 4),
		bad,
		perfectTrack(p2, quats, poss, 3),
	}

	u, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	// Every track is classified exactly once
	assert.Equal(t, len(trks), len(u.Inliers())+len(u.Outliers()))
	require.Len(t, u.Inliers(), 2)
	require.Len(t, u.Outliers(), 1)

	// Rejected track contributes zero rows: 2*(4+3) total
	mats := u.InitMats()
	require.Equal(t, 14, mats.Rows())
	require.Len(t, mats.Features, 2)

	r, c := mats.H1.Dims()
	assert.Equal(t, 14, r)
	assert.Equal(t, PoseErrSize*L, c)
	r, c = mats.H2.Dims()
	assert.Equal(t, 14, r)
	assert.Equal(t, FeatureSize*2, c)

	// Accepted blocks are contiguous, non-overlapping and in track order:
	// rows [0, 8) belong to track 0, rows [8, 14) to track 2. Within each
	// block, the top 3 rows carry the triangular feature factor and the
	// rest are independent of the feature.
	for d := 0; d < FeatureSize; d++ {
		assert.NotZero(t, mats.H2.At(d, d))
		assert.NotZero(t, mats.H2.At(8+d, FeatureSize+d))
	}
	for i := 0; i < 14; i++ {
		for j := 0; j < FeatureSize*2; j++ {
			inBlk0 := i < 3 && j < FeatureSize
			inBlk1 := i >= 8 && i < 11 && j >= FeatureSize
			if !inBlk0 && !inBlk1 {
				assert.Zerof(t, mats.H2.At(i, j), "H2[%d,%d]", i, j)
			}
		}
	}

	// Track order of the point lists
	assert.InDelta(t, p0.Z, u.Inliers()[0].Z, 1e-6)
	assert.InDelta(t, p2.Z, u.Inliers()[1].Z, 1e-6)
}

func TestMsckfSlamGateRejectsNoisyTrack(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	pt := r3.Vector{X: 0.3, Y: -0.2, Z: 6}

	// Noise well above SigmaImg but below the triangulation residual
	// threshold: the track triangulates fine and must fall to the gate.
	trk := perfectTrack(pt, quats, poss, 4)
	for i := range trk {
		d := 0.02
		if i%2 == 1 {
			d = -0.02
		}
		trk[i].X += d
		trk[i].Y -= d
	}

	u, err := NewMsckfSlamUpdate(TrackList{trk}, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	assert.Empty(t, u.Inliers())
	require.Len(t, u.Outliers(), 1)
	assert.Equal(t, 0, u.InitMats().Rows())
}

func TestMsckfSlamPreconditionViolations(t *testing.T) {
	const L = 4
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	pt := r3.Vector{X: 0.2, Y: 0.1, Z: 5}
	tri := NewTriangulation(nil)

	t.Run("track outside window", func(t *testing.T) {
		long := make(Track, L+1)
		for i := range long {
			long[i] = r2.Point{X: 0.01, Y: 0.01}
		}
		_, err := NewMsckfSlamUpdate(TrackList{long}, quats, poss, tri, cov, nil)
		assert.Error(t, err)
	})

	t.Run("mismatched pose lists", func(t *testing.T) {
		_, err := NewMsckfSlamUpdate(TrackList{perfectTrack(pt, quats, poss, 3)}, quats, poss[:L-1], tri, cov, nil)
		assert.Error(t, err)
	})

	t.Run("window above max", func(t *testing.T) {
		opt := NewUpdateOpt()
		opt.NPosesMax = L - 1
		_, err := NewMsckfSlamUpdate(TrackList{perfectTrack(pt, quats, poss, 3)}, quats, poss, tri, cov, opt)
		assert.Error(t, err)
	})

	t.Run("covariance too small", func(t *testing.T) {
		_, err := NewMsckfSlamUpdate(TrackList{perfectTrack(pt, quats, poss, 3)}, quats, poss, tri, diagCov(PoseErrSize*L-1, 1e-6), nil)
		assert.Error(t, err)
	})

	t.Run("covariance not square", func(t *testing.T) {
		_, err := NewMsckfSlamUpdate(TrackList{perfectTrack(pt, quats, poss, 3)}, quats, poss, tri, mat.NewDense(PoseErrSize*L, PoseErrSize*L+1, nil), nil)
		assert.Error(t, err)
	})

	t.Run("non-unit attitude", func(t *testing.T) {
		badQuats := make(AttitudeList, L)
		copy(badQuats, quats)
		badQuats[0].Real *= 2
		_, err := NewMsckfSlamUpdate(TrackList{perfectTrack(pt, quats, poss, 3)}, badQuats, poss, tri, cov, nil)
		assert.Error(t, err)
	})

	t.Run("non-positive sigma", func(t *testing.T) {
		opt := NewUpdateOpt()
		opt.SigmaImg = 0
		_, err := NewMsckfSlamUpdate(TrackList{}, quats, poss, tri, cov, opt)
		assert.Error(t, err)
	})

	t.Run("bad gate confidence", func(t *testing.T) {
		opt := NewUpdateOpt()
		opt.GateConf = 1
		_, err := NewMsckfSlamUpdate(TrackList{}, quats, poss, tri, cov, opt)
		assert.Error(t, err)
	})

	t.Run("nil triangulator", func(t *testing.T) {
		_, err := NewMsckfSlamUpdate(TrackList{}, quats, poss, nil, cov, nil)
		assert.Error(t, err)
	})
}

func TestMsckfSlamDeterminism(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	trks := TrackList{
		perfectTrack(r3.Vector{X: 0.3, Y: -0.2, Z: 6}, quats, poss, 4),
		perfectTrack(r3.Vector{X: -0.1, Y: 0.2, Z: 7}, quats, poss, 5),
	}

	a, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)
	b, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	assert.True(t, mat.Equal(a.InitMats().H1, b.InitMats().H1))
	assert.True(t, mat.Equal(a.InitMats().H2, b.InitMats().H2))
	assert.True(t, mat.Equal(a.InitMats().Res, b.InitMats().Res))
	assert.Equal(t, a.InitMats().Features, b.InitMats().Features)
	assert.Equal(t, a.Inliers(), b.Inliers())
	assert.Equal(t, a.Outliers(), b.Outliers())
}

func TestMsckfSlamCovarianceIsReadOnly(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	before := mat.DenseCopyOf(cov)
	trks := TrackList{perfectTrack(r3.Vector{X: 0.3, Y: -0.2, Z: 6}, quats, poss, 4)}

	_, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)
	assert.True(t, mat.Equal(before, cov))
}

func TestMsckfSlamCovarianceWithLandmarkTail(t *testing.T) {
	// Previously initialized landmarks extend the covariance past the
	// pose window; the Jacobian columns must follow the full state size.
	const L = 6
	quats, poss := testWindow(L)
	dim := PoseErrSize*L + 2*FeatureSize
	cov := diagCov(dim, 1e-6)
	trks := TrackList{perfectTrack(r3.Vector{X: 0.3, Y: -0.2, Z: 6}, quats, poss, 4)}

	u, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)
	require.Len(t, u.Inliers(), 1)
	_, c := u.InitMats().H1.Dims()
	assert.Equal(t, dim, c)
}

func TestMsckfSlamShortTrackIsOutlier(t *testing.T) {
	const L = 6
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	p0 := r3.Vector{X: 0.3, Y: -0.2, Z: 6}
	p1 := r3.Vector{X: -0.5, Y: 0.4, Z: 8}

	// Two observations are below the default three-view minimum; the
	// track is classified outlier without contributing rows.
	trks := TrackList{
		perfectTrack(p0, quats, poss, 4),
		perfectTrack(p1, quats, poss, 2),
	}

	u, err := NewMsckfSlamUpdate(trks, quats, poss, NewTriangulation(nil), cov, nil)
	require.NoError(t, err)

	assert.Len(t, u.Inliers(), 1)
	assert.Len(t, u.Outliers(), 1)
	assert.Equal(t, 2*4, u.InitMats().Rows())
	require.Len(t, u.InitMats().Features, 1)
}

// fixedPointTri hands back a fixed point for any track, regardless of
// length or geometry.
type fixedPointTri struct{ pt r3.Vector }

func (f fixedPointTri) Triangulate(Track, AttitudeList, TranslationList) (r3.Vector, error) {
	return f.pt, nil
}

func TestMsckfSlamSingleObsTrackIsOutlier(t *testing.T) {
	const L = 4
	quats, poss := testWindow(L)
	cov := diagCov(PoseErrSize*L, 1e-6)
	pt := r3.Vector{X: 0.1, Y: 0.2, Z: 5}
	trks := TrackList{perfectTrack(pt, quats, poss, 1)}

	// A triangulator that accepts a single observation must not crash
	// the construction: one observation cannot constrain the feature.
	u, err := NewMsckfSlamUpdate(trks, quats, poss, fixedPointTri{pt: pt}, cov, nil)
	require.NoError(t, err)

	assert.Empty(t, u.Inliers())
	assert.Len(t, u.Outliers(), 1)
	assert.Equal(t, 0, u.InitMats().Rows())
	assert.Nil(t, u.Jacobian())
	assert.Nil(t, u.Residual())
}
