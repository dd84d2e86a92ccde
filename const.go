// Copyright (c) 2026 navkit authors. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the authors.
// The authors accept no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.29
//

package govio

const (
	PI = 3.1415926535897932 // Pi

	// Number of error states per camera pose (3 attitude + 3 position)
	PoseErrSize = 6

	// Number of states per inverse-depth feature (alpha, beta, rho)
	FeatureSize = 3

	// Minimum number of observations for any triangulation attempt.
	// Two views define a point geometrically; three or more are needed
	// for a well-conditioned inverse-depth solve.
	MinTriObs = 2
)
