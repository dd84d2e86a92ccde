// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.31
//

// Implements the MSCKF-SLAM measurement update and feature initialization:
// triangulation, linearization and nullspace projection of visual feature
// tracks over a sliding window of camera poses, with chi-squared inlier
// gating. Features are parameterized in inverse depth rather than
// cartesian coordinates, so only the subspace the retained representation
// cannot constrain is projected out, following the delayed-initialization
// scheme of Li and Mourikis (ICRA 2012).

package govio

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Diagonal floor of the per-feature triangular factor below which the
// feature initialization is considered unobservable.
const featCondFloor = 1e-9

// UpdateOpt contains options and parameters for the MSCKF-SLAM update
// construction. Both gate parameters are explicit: there is no hardcoded
// confidence level.
type UpdateOpt struct {
	NPosesMax int     // Maximum number of poses in the sliding window
	SigmaImg  float64 // Feature measurement noise std dev [normalized coordinates]
	GateConf  float64 // Confidence level of the chi-squared inlier gate
}

// NewUpdateOpt creates a new UpdateOpt with default values
func NewUpdateOpt() *UpdateOpt {
	return &UpdateOpt{
		NPosesMax: 10,    // Sliding window size
		SigmaImg:  0.005, // Half a pixel at 100 px focal length
		GateConf:  0.95,  // Gate confidence level
	}
}

// InitMats holds the MSCKF-SLAM initialization matrices for the accepted
// features, in processing order:
//
//	Res = H1 dx + H2 df + n,  n ~ N(0, VarImg I)
//
// where dx is the existing error state and df stacks the inverse-depth
// error of each new feature. H2 is block diagonal with one 2n x 3 block
// per feature, upper triangular in its top 3 rows and zero below: the
// zero rows are the classical-MSCKF part of the system, the triangular
// rows carry the feature into the state. Row count is twice the number
// of observations of the accepted tracks. All matrices are nil when no
// track was accepted.
type InitMats struct {
	H1       *mat.Dense     // Jacobian wrt existing error states
	H2       *mat.Dense     // Jacobian wrt new feature states (block diagonal)
	Res      *mat.VecDense  // Stacked residual
	Features []InverseDepth // Initial inverse-depth estimate per accepted feature
	VarImg   float64        // Per-axis measurement variance
}

// Rows returns the stacked row count of the bundle.
func (m *InitMats) Rows() int {
	if m.H1 == nil {
		return 0
	}
	r, _ := m.H1.Dims()
	return r
}

var _ MeasurementUpdate = (*MsckfSlamUpdate)(nil)

// MsckfSlamUpdate is the result of one MSCKF-SLAM update construction.
// One instance is built per filter-update cycle from a snapshot of
// tracks, poses and covariance, and is discarded once consumed. The
// exposed matrices are owned by the instance and must not be retained
// past it.
type MsckfSlamUpdate struct {
	mats     InitMats
	inliers  []r3.Vector
	outliers []r3.Vector
}

// NewMsckfSlamUpdate does the full update matrix construction job, in one
// synchronous pass over the tracks.
//
// Parameters:
//   - trks: feature tracks in normalized coordinates
//   - quats: camera attitude states (world to camera)
//   - poss: camera position states (world frame)
//   - tri: feature triangulator
//   - cov: error state covariance (read only, poses first)
//   - opt: update options (nil for defaults)
//
// Every track is classified inlier or outlier. Tracks failing
// triangulation or the consistency gate are routed to the outlier list
// and contribute no rows; malformed input (a track referencing a pose
// outside the window, mismatched list lengths) aborts with an error.
func NewMsckfSlamUpdate(trks TrackList, quats AttitudeList, poss TranslationList,
	tri Triangulator, cov mat.Matrix, opt *UpdateOpt) (*MsckfSlamUpdate, error) {

	if opt == nil {
		opt = NewUpdateOpt()
	}
	if opt.SigmaImg <= 0 {
		return nil, fmt.Errorf("non-positive measurement sigma: %g", opt.SigmaImg)
	}
	if opt.GateConf <= 0 || opt.GateConf >= 1 {
		return nil, fmt.Errorf("gate confidence %g outside (0, 1)", opt.GateConf)
	}
	if tri == nil {
		return nil, fmt.Errorf("nil triangulator")
	}
	if err := checkWindow(trks, quats, poss, opt.NPosesMax, cov); err != nil {
		return nil, fmt.Errorf("checkWindow() failed, err= %s", err.Error())
	}

	dim, _ := cov.Dims()
	maxRows := 2 * trks.NumObs()

	b := &msckfBatch{
		quats:  quats,
		poss:   poss,
		tri:    tri,
		cov:    cov,
		dim:    dim,
		opt:    *opt,
		varImg: SQ(opt.SigmaImg),
		work:   newRowStacker(maxRows, dim),
		acc:    newRowStacker(maxRows, dim),
	}
	if maxRows > 0 && len(trks) > 0 {
		b.h2 = mat.NewDense(maxRows, FeatureSize*len(trks), nil)
	}

	for j, trk := range trks {
		if err := b.processOneTrack(j, trk); err != nil {
			return nil, fmt.Errorf("processOneTrack(%d) failed, err= %s", j, err.Error())
		}
	}

	u := &MsckfSlamUpdate{
		mats: InitMats{
			Features: b.feats,
			VarImg:   b.varImg,
		},
		inliers:  b.inliers,
		outliers: b.outliers,
	}
	u.mats.H1, u.mats.Res = b.acc.Finalize()
	if rows := b.acc.Rows(); rows > 0 {
		u.mats.H2 = b.h2.Slice(0, rows, 0, FeatureSize*len(b.feats)).(*mat.Dense)
	}
	return u, nil
}

// InitMats returns the MSCKF-SLAM initialization matrices.
func (u *MsckfSlamUpdate) InitMats() *InitMats {
	return &u.mats
}

// Inliers returns the 3D cartesian coordinates of the accepted features,
// in processing order.
func (u *MsckfSlamUpdate) Inliers() []r3.Vector {
	return u.inliers
}

// Outliers returns the 3D cartesian coordinates of the rejected features,
// in processing order.
func (u *MsckfSlamUpdate) Outliers() []r3.Vector {
	return u.outliers
}

// Jacobian, Residual and NoiseVariance expose the bundle in the shape the
// generic measurement update expects.
func (u *MsckfSlamUpdate) Jacobian() mat.Matrix {
	if u.mats.H1 == nil {
		return nil
	}
	return u.mats.H1
}

func (u *MsckfSlamUpdate) Residual() mat.Vector {
	if u.mats.Res == nil {
		return nil
	}
	return u.mats.Res
}

func (u *MsckfSlamUpdate) NoiseVariance() float64 {
	return u.mats.VarImg
}

// msckfBatch is the working state of one batch construction: the stacked
// pre-gate rows (work), the accepted bundle rows (acc) and the feature
// block buffer. The two row stacks advance independently; acc only grows
// for gated inliers.
type msckfBatch struct {
	quats  AttitudeList
	poss   TranslationList
	tri    Triangulator
	cov    mat.Matrix
	dim    int
	opt    UpdateOpt
	varImg float64

	work     *rowStacker
	acc      *rowStacker
	h2       *mat.Dense
	feats    []InverseDepth
	inliers  []r3.Vector
	outliers []r3.Vector
}

// processOneTrack computes one track's residual, Jacobians and nullspace
// projection, classifies it, and stacks its rows. It touches only the
// pose entries the track references.
func (b *msckfBatch) processOneTrack(j int, trk Track) error {
	n := len(trk)
	nPoses := len(b.quats)
	anchor := nPoses - 1

	// Triangulate. A geometric failure routes the track to the outliers
	// and contributes zero rows.
	pt, err := b.tri.Triangulate(trk, b.quats, b.poss)
	if err != nil {
		PrintD(2, "track %d: triangulation rejected: %s\n", j, err.Error())
		b.outliers = append(b.outliers, pt)
		return nil
	}

	// The nullspace projection needs more measurement rows than feature
	// parameters. A permissive triangulator may still hand back a point
	// for a shorter track; such a track cannot constrain the feature.
	if 2*n <= FeatureSize {
		PrintD(2, "track %d: %d observations cannot constrain the feature\n", j, n)
		b.outliers = append(b.outliers, pt)
		return nil
	}

	// Inverse-depth parameters in the anchor (last) camera frame
	Ca := RotMat(b.quats[anchor])
	pA := MulVec3(Ca, pt.Sub(b.poss[anchor]))
	if pA.Z <= 0 || math.IsNaN(pA.Z) {
		PrintD(2, "track %d: triangulated point behind anchor camera\n", j)
		b.outliers = append(b.outliers, pt)
		return nil
	}
	feat := InverseDepth{Alpha: pA.X / pA.Z, Beta: pA.Y / pA.Z, Rho: 1 / pA.Z}
	m := r3.Vector{X: feat.Alpha, Y: feat.Beta, Z: 1}

	// Derivative of the world-frame feature position wrt the anchor
	// attitude error and the inverse-depth parameters
	var dpfDtha, dpfDf mat.Dense
	dpfDtha.Mul(Ca.T(), Skew(m))
	dpfDtha.Scale(-1/feat.Rho, &dpfDtha)
	dpfDf.Mul(Ca.T(), mat.NewDense(3, 3, []float64{
		1 / feat.Rho, 0, -m.X / SQ(feat.Rho),
		0, 1 / feat.Rho, -m.Y / SQ(feat.Rho),
		0, 0, -1 / SQ(feat.Rho),
	}))

	hj := mat.NewDense(2*n, b.dim, nil)
	hfj := mat.NewDense(2*n, FeatureSize, nil)
	resj := mat.NewVecDense(2*n, nil)

	for i := 0; i < n; i++ {
		k := poseOffset(nPoses, n, i)
		Ci := RotMat(b.quats[k])
		pC := MulVec3(Ci, pt.Sub(b.poss[k]))
		if pC.Z <= 1e-12 {
			PrintD(2, "track %d: point behind camera %d\n", j, k)
			b.outliers = append(b.outliers, pt)
			return nil
		}
		zx := pC.X / pC.Z
		zy := pC.Y / pC.Z
		resj.SetVec(2*i, trk[i].X-zx)
		resj.SetVec(2*i+1, trk[i].Y-zy)

		// Projection Jacobian at the predicted camera-frame point
		J := mat.NewDense(2, 3, []float64{
			1 / pC.Z, 0, -zx / pC.Z,
			0, 1 / pC.Z, -zy / pC.Z,
		})
		var JC mat.Dense
		JC.Mul(J, Ci)

		// Observing pose: attitude block J [pC]x, position block -J Ci
		var hth, hpos mat.Dense
		hth.Mul(J, Skew(pC))
		hpos.Scale(-1, &JC)
		addBlock(hj, 2*i, PoseErrSize*k, &hth)
		addBlock(hj, 2*i, PoseErrSize*k+3, &hpos)

		// Anchor pose, through the feature parameterization. At the
		// anchor observation itself these cancel the direct terms.
		var hthA, hposA mat.Dense
		hthA.Mul(&JC, &dpfDtha)
		hposA.CloneFrom(&JC)
		addBlock(hj, 2*i, PoseErrSize*anchor, &hthA)
		addBlock(hj, 2*i, PoseErrSize*anchor+3, &hposA)

		// Feature block
		var hf mat.Dense
		hf.Mul(&JC, &dpfDf)
		addBlock(hfj, 2*i, 0, &hf)
	}

	// Nullspace handling, Li and Mourikis (ICRA 2012): premultiply the
	// track subsystem by Q^T from the full QR of the feature Jacobian.
	// The top 3 rows retain the feature through the triangular factor,
	// the lower 2n-3 rows are independent of it. Q^T is orthonormal, so
	// the iid noise model is unchanged.
	var qr mat.QR
	qr.Factorize(hfj)
	var Q, R mat.Dense
	qr.QTo(&Q)
	qr.RTo(&R)

	for d := 0; d < FeatureSize; d++ {
		if math.Abs(R.At(d, d)) < featCondFloor {
			PrintD(2, "track %d: feature direction %d unobservable (R=%g)\n", j, d, R.At(d, d))
			b.outliers = append(b.outliers, pt)
			return nil
		}
	}

	var hp mat.Dense
	hp.Mul(Q.T(), hj)
	var rp mat.VecDense
	rp.MulVec(Q.T(), resj)

	row0 := b.work.Rows()
	rowH, err := b.work.Append(&hp, &rp)
	if err != nil {
		return err
	}

	// Consistency gate on the feature-independent rows
	H0, r0 := b.work.Block(row0+FeatureSize, rowH)
	gamma, ok, err := b.gate(H0, r0)
	if err != nil {
		PrintD(2, "track %d: gate failed: %s\n", j, err.Error())
		b.outliers = append(b.outliers, pt)
		return nil
	}
	if !ok {
		PrintD(2, "track %d: gated out, gamma=%f\n", j, gamma)
		b.outliers = append(b.outliers, pt)
		return nil
	}

	// Accepted: stack all 2n rows into the bundle and place the feature
	// block on the diagonal of H2
	Hfull, rfull := b.work.Block(row0, rowH)
	row1 := b.acc.Rows()
	if _, err := b.acc.Append(Hfull, rfull); err != nil {
		return err
	}
	b.h2.Slice(row1, row1+2*n, FeatureSize*len(b.feats), FeatureSize*(len(b.feats)+1)).(*mat.Dense).Copy(&R)
	b.feats = append(b.feats, feat)
	b.inliers = append(b.inliers, pt)
	PrintD(2, "track %d: inlier, gamma=%f, rows=[%d, %d)\n", j, gamma, row1, row1+2*n)
	return nil
}

// gate runs the Mahalanobis consistency test of the projected residual
// against its propagated covariance.
func (b *msckfBatch) gate(H0 mat.Matrix, r0 mat.Vector) (float64, bool, error) {
	return mahalanobisGate(H0, r0, b.cov, b.varImg, b.opt.GateConf)
}

// addBlock adds a small dense block into dst at (row, col).
func addBlock(dst *mat.Dense, row, col int, blk mat.Matrix) {
	r, c := blk.Dims()
	v := dst.Slice(row, row+r, col, col+c).(*mat.Dense)
	v.Add(v, blk)
}
