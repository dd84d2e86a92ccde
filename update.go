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

// MeasurementUpdate is the contract between a measurement construction
// and the generic filter update that applies it: a stacked Jacobian over
// the existing error states, the matching residual, and the per-axis
// variance of the iid measurement noise. The implementation never mutates
// state or covariance itself.
//
// With zero accepted measurements, Jacobian and Residual return nil.
type MeasurementUpdate interface {
	Jacobian() mat.Matrix
	Residual() mat.Vector
	NoiseVariance() float64
}

// rowStacker owns a growable stack of measurement rows: a Jacobian block
// and the matching residual entries. The backing buffers are allocated
// once for the worst case and trimmed in Finalize, so appends never
// reallocate. Offset bookkeeping lives entirely here, away from the
// numerical code.
type rowStacker struct {
	cols int
	h    *mat.Dense
	r    *mat.VecDense
	rows int
}

// newRowStacker allocates a stacker for at most maxRows rows of cols
// columns each.
func newRowStacker(maxRows, cols int) *rowStacker {
	s := &rowStacker{cols: cols}
	if maxRows > 0 && cols > 0 {
		s.h = mat.NewDense(maxRows, cols, nil)
		s.r = mat.NewVecDense(maxRows, nil)
	}
	return s
}

// Append copies one block of rows onto the stack and returns the new row
// offset. Blocks appended by successive calls occupy contiguous,
// non-overlapping row ranges in call order.
func (s *rowStacker) Append(h mat.Matrix, r mat.Vector) (int, error) {
	br, bc := h.Dims()
	if bc != s.cols {
		return s.rows, fmt.Errorf("block has %d columns, stack has %d", bc, s.cols)
	}
	if r.Len() != br {
		return s.rows, fmt.Errorf("block has %d rows, residual has %d", br, r.Len())
	}
	avail := 0
	if s.h != nil {
		avail, _ = s.h.Dims()
	}
	if s.rows+br > avail {
		return s.rows, fmt.Errorf("stack overflow: %d + %d rows > %d", s.rows, br, avail)
	}
	s.h.Slice(s.rows, s.rows+br, 0, s.cols).(*mat.Dense).Copy(h)
	for i := 0; i < br; i++ {
		s.r.SetVec(s.rows+i, r.AtVec(i))
	}
	s.rows += br
	return s.rows, nil
}

// Rows returns the current row offset.
func (s *rowStacker) Rows() int {
	return s.rows
}

// Block returns read-only views of the stacked rows [i, j).
func (s *rowStacker) Block(i, j int) (mat.Matrix, mat.Vector) {
	return s.h.Slice(i, j, 0, s.cols), s.r.SliceVec(i, j)
}

// Finalize returns the stack trimmed to the rows actually appended, or
// nil matrices when nothing was appended.
func (s *rowStacker) Finalize() (*mat.Dense, *mat.VecDense) {
	if s.rows == 0 {
		return nil, nil
	}
	return s.h.Slice(0, s.rows, 0, s.cols).(*mat.Dense), s.r.SliceVec(0, s.rows).(*mat.VecDense)
}
