// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package govio

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChiSqr returns the chi-squared quantile for dof degrees of freedom at
// confidence level conf (e.g. 0.95).
func ChiSqr(dof int, conf float64) float64 {
	return distuv.ChiSquared{K: float64(dof)}.Quantile(conf)
}

// mahalanobisGate runs the normalized-innovation-squared consistency test
// of residual r against its propagated covariance S = H P H^T + varR I:
//   - gamma = r^T S^-1 r
//   - accept when gamma is below the chi-squared quantile for the row
//     count of H at confidence conf
func mahalanobisGate(H mat.Matrix, r mat.Vector, P mat.Matrix, varR, conf float64) (gamma float64, ok bool, err error) {
	nr, _ := H.Dims()

	// S = H P H^T + varR I
	var HP, S mat.Dense
	HP.Mul(H, P)
	S.Mul(&HP, H.T())
	for i := 0; i < nr; i++ {
		S.Set(i, i, S.At(i, i)+varR)
	}

	var x mat.VecDense
	if err := x.SolveVec(&S, r); err != nil {
		return 0, false, fmt.Errorf("innovation covariance solve failed, err= %s", err.Error())
	}
	gamma = mat.Dot(r, &x)
	return gamma, gamma <= ChiSqr(nr, conf), nil
}
