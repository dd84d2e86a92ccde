// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.30
//

// Implements multi-view feature triangulation over a sliding window of
// camera poses: a linear two-view initialization followed by Gauss-Newton
// refinement of the inverse-depth parameters in the anchor (last) frame.

package govio

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// Triangulation failure classes. All of them are recoverable from the
// caller's point of view: the feature is dropped for this update cycle.
var (
	ErrShortTrack    = errors.New("too few observations to triangulate")
	ErrBadGeometry   = errors.New("degenerate triangulation geometry")
	ErrNoConvergence = errors.New("triangulation did not converge")
)

// ErrWindowMismatch flags a caller-side precondition violation: the track
// and pose lists do not line up. Unlike the failure classes above it
// indicates malformed input, not a rejectable feature.
var ErrWindowMismatch = errors.New("track does not fit pose window")

// Triangulator produces a world-frame 3D point estimate from a feature
// track and the camera poses observing it, or signals geometric failure.
// Implementations must reject tracks with fewer than MinTriObs
// observations (ErrShortTrack): a single observation cannot constrain a
// 3D point.
type Triangulator interface {
	Triangulate(trk Track, quats AttitudeList, poss TranslationList) (r3.Vector, error)
}

// TriOpt contains options and parameters for feature triangulation
type TriOpt struct {
	MinObs    int     // Minimum number of observations required
	MaxIter   int     // Maximum Gauss-Newton iterations
	Tol       float64 // Convergence threshold on the parameter step norm
	MinDepth  float64 // Minimum accepted depth in the anchor frame [m]
	MaxDepth  float64 // Maximum accepted depth in the anchor frame [m]
	MaxErr    float64 // Maximum RMS reprojection error [normalized coordinates]
	InitDepth float64 // Fallback initial depth when the linear init is ill-posed [m]
}

// NewTriOpt creates a new TriOpt with default values
func NewTriOpt() *TriOpt {
	return &TriOpt{
		MinObs:    3,     // Three views for a well-conditioned inverse-depth solve
		MaxIter:   15,    // Gauss-Newton iteration limit
		Tol:       1e-10, // Step norm threshold
		MinDepth:  0.1,   // Reject features closer than 10 cm
		MaxDepth:  1000,  // Reject features further than 1 km
		MaxErr:    0.05,  // RMS reprojection threshold
		InitDepth: 10,    // Fallback initial depth [m]
	}
}

// Triangulation is the Gauss-Newton inverse-depth triangulator.
type Triangulation struct {
	opt TriOpt
}

func NewTriangulation(opt *TriOpt) *Triangulation {
	if opt == nil {
		opt = NewTriOpt()
	}
	return &Triangulation{opt: *opt}
}

// Triangulate estimates the world-frame position of the feature observed
// by trk. The track maps to the most recent poses of the window, with its
// last observation anchored at the last pose.
func (t *Triangulation) Triangulate(trk Track, quats AttitudeList, poss TranslationList) (r3.Vector, error) {
	f, anchor, err := t.solveInverseDepth(trk, quats, poss)
	if err != nil {
		return r3.Vector{}, err
	}
	return f.ToCartesian(quats[anchor], poss[anchor]), nil
}

// solveInverseDepth runs the full solve and returns the inverse-depth
// parameters in the anchor frame together with the anchor pose index.
func (t *Triangulation) solveInverseDepth(trk Track, quats AttitudeList, poss TranslationList) (InverseDepth, int, error) {
	n := len(trk)
	nPoses := len(quats)
	anchor := nPoses - 1

	if n < t.opt.MinObs || n < MinTriObs {
		return InverseDepth{}, anchor, fmt.Errorf("%w: %d < %d", ErrShortTrack, n, max(t.opt.MinObs, MinTriObs))
	}
	if len(quats) != len(poss) || n > nPoses {
		return InverseDepth{}, anchor, fmt.Errorf("%w: %d observations, %d attitudes, %d positions",
			ErrWindowMismatch, n, len(quats), len(poss))
	}

	// Relative pose of each observing camera wrt the anchor camera:
	// rho p_i = A_i m + rho b_i with m = (alpha, beta, 1)
	Ca := RotMat(quats[anchor])
	pa := poss[anchor]
	A := make([]*mat.Dense, n)
	b := make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		k := poseOffset(nPoses, n, i)
		Ci := RotMat(quats[k])
		Ai := mat.NewDense(3, 3, nil)
		Ai.Mul(Ci, Ca.T())
		A[i] = Ai
		b[i] = MulVec3(Ci, pa.Sub(poss[k]))
	}

	// Bearing ratios come directly from the anchor observation
	f := InverseDepth{Alpha: trk[n-1].X, Beta: trk[n-1].Y, Rho: 1 / t.opt.InitDepth}

	// Linear two-view initialization of the inverse depth from the first
	// observation: (b - z bz) rho = -(h - z hz) in least squares
	m := r3.Vector{X: f.Alpha, Y: f.Beta, Z: 1}
	h := MulVec3(A[0], m)
	u, v := trk[0].X, trk[0].Y
	c1 := b[0].X - u*b[0].Z
	c2 := b[0].Y - v*b[0].Z
	a1 := h.X - u*h.Z
	a2 := h.Y - v*h.Z
	if den := c1*c1 + c2*c2; den > 1e-12 {
		if rho := -(a1*c1 + a2*c2) / den; rho > 0 && !math.IsInf(rho, 0) && !math.IsNaN(rho) {
			f.Rho = rho
		}
	}

	// Gauss-Newton refinement over (alpha, beta, rho): stack the
	// per-view reprojection Jacobians/residuals and solve the normal
	// equations in least squares
	converged := false
	for it := 0; it < t.opt.MaxIter; it++ {
		G := mat.NewDense(2*n, 3, nil)
		e := mat.NewVecDense(2*n, nil)
		for i := 0; i < n; i++ {
			J, ei, err := reprojJac(A[i], b[i], f, trk[i])
			if err != nil {
				return f, anchor, err
			}
			G.Slice(2*i, 2*i+2, 0, 3).(*mat.Dense).Copy(J)
			e.SetVec(2*i, ei.AtVec(0))
			e.SetVec(2*i+1, ei.AtVec(1))
		}
		dx, _, err := SolveLS(G, e, nil)
		if err != nil {
			return f, anchor, fmt.Errorf("%w: %s", ErrBadGeometry, err.Error())
		}
		f.Alpha += dx.AtVec(0)
		f.Beta += dx.AtVec(1)
		f.Rho += dx.AtVec(2)
		if mat.Norm(dx, 2) < t.opt.Tol {
			converged = true
			break
		}
	}
	if !converged {
		return f, anchor, ErrNoConvergence
	}

	// Depth and reprojection sanity checks on the converged solution
	if math.IsNaN(f.Rho) || f.Rho < 1/t.opt.MaxDepth || f.Rho > 1/t.opt.MinDepth {
		return f, anchor, fmt.Errorf("%w: depth out of range (rho=%g)", ErrBadGeometry, f.Rho)
	}
	errs := make([]float64, 0, n)
	cost := 0.0
	for i := 0; i < n; i++ {
		_, e, err := reprojJac(A[i], b[i], f, trk[i])
		if err != nil {
			return f, anchor, err
		}
		errs = append(errs, math.Hypot(e.AtVec(0), e.AtVec(1)))
		cost += SQ(e.AtVec(0)) + SQ(e.AtVec(1))
	}
	if rms := math.Sqrt(cost / float64(n)); rms > t.opt.MaxErr {
		return f, anchor, fmt.Errorf("%w: rms reprojection error %g", ErrBadGeometry, rms)
	}
	if worst := slices.Max(errs); worst > 3*t.opt.MaxErr {
		return f, anchor, fmt.Errorf("%w: worst view reprojection error %g", ErrBadGeometry, worst)
	}

	return f, anchor, nil
}

// reprojJac evaluates the predicted observation for one view given the
// current inverse-depth estimate, and returns the 2x3 Jacobian of the
// prediction wrt (alpha, beta, rho) together with the residual z - zhat.
func reprojJac(A *mat.Dense, b r3.Vector, f InverseDepth, z r2.Point) (*mat.Dense, *mat.VecDense, error) {
	m := r3.Vector{X: f.Alpha, Y: f.Beta, Z: 1}
	g := MulVec3(A, m).Add(b.Mul(f.Rho))
	if g.Z < 1e-12 {
		return nil, nil, fmt.Errorf("%w: feature behind camera", ErrBadGeometry)
	}
	zx := g.X / g.Z
	zy := g.Y / g.Z
	e := mat.NewVecDense(2, []float64{z.X - zx, z.Y - zy})
	// d zhat / dg
	Jg := mat.NewDense(2, 3, []float64{
		1 / g.Z, 0, -zx / g.Z,
		0, 1 / g.Z, -zy / g.Z,
	})
	// dg / d(alpha, beta, rho)
	Jf := mat.NewDense(3, 3, []float64{
		A.At(0, 0), A.At(0, 1), b.X,
		A.At(1, 0), A.At(1, 1), b.Y,
		A.At(2, 0), A.At(2, 1), b.Z,
	})
	J := mat.NewDense(2, 3, nil)
	J.Mul(Jg, Jf)
	return J, e, nil
}
