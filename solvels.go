// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.30
//

package govio

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Solve the observation equation using weighted least squares
// - dx = (G^t W G)^-1 G^t W dr
// - A nil W is treated as the identity (unweighted solve)
// - Return the error covariance matrix (G^t W G)^-1 as cov
func SolveLS(G mat.Matrix, dr mat.Vector, W mat.Matrix) (dx mat.Vector, cov mat.Matrix, err error) {

	n1, m1 := G.Dims()
	if l1 := dr.Len(); l1 != n1 {
		return nil, nil, fmt.Errorf("invalid matrix size. G(%d x %d), dr(%d x 1)", n1, m1, l1)
	}
	if W != nil {
		n2, m2 := W.Dims()
		if n1 != n2 || n2 != m2 {
			return nil, nil, fmt.Errorf("invalid matrix size. G(%d x %d), W(%d x %d)", n1, m1, n2, m2)
		}
	}

	// A (G^t W G) and b (G^t W dr)
	var A mat.Dense
	var b mat.VecDense
	if W == nil {
		A.Mul(G.T(), G)
		b.MulVec(G.T(), dr)
	} else {
		var WG mat.Dense
		WG.Mul(W, G)
		A.Mul(G.T(), &WG)
		var GtW mat.Dense
		GtW.Mul(G.T(), W)
		b.MulVec(&GtW, dr)
	}

	// Solve for x (x = A^-1 b)
	var x mat.VecDense
	err = x.SolveVec(&A, &b)
	if err != nil {
		return nil, nil, err
	}
	dx = &x

	// Set (G^t W G)^-1 as the covariance matrix
	var c mat.Dense
	err = c.Inverse(&A)
	if err != nil {
		return nil, nil, err
	}
	cov = &c

	return
}
