// Package affine converts flattened affine transform parameters, as written
// by the atlas viewer's position recorder, into homogeneous matrices and
// applies them to points.
//
// A 2D transform is stored as 6 numbers and becomes a 3x3 matrix. A 3D
// transform is stored as 12 numbers and becomes a 4x4 matrix. The last row
// of every matrix is the identity row.
package affine

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidParameterCount is returned when a parameter vector is neither
	// 6 (2D) nor 12 (3D) values long.
	ErrInvalidParameterCount = errors.New("invalid number of affine parameters")

	// ErrSingularMatrix is returned when a matrix cannot be inverted, or is so
	// badly conditioned that its inverse would produce meaningless coordinates.
	ErrSingularMatrix = errors.New("affine matrix is singular")

	// ErrDimensionMismatch is returned when points or matrices of different
	// dimensions are combined.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// Params is a flattened affine transform: 6 values for 2D, 12 for 3D.
type Params []float64

// Point is a coordinate tuple in pixels (or micrometers, depending on the
// caller). Points carry no identity of their own.
type Point []float64

// layout describes where the linear part and the shift of a transform live in
// its flattened parameter vector.
type layout struct {
	rows  [][]int
	shift []int
}

var layouts = map[int]layout{
	6: {
		rows:  [][]int{{0, 1}, {3, 4}},
		shift: []int{2, 5},
	},
	12: {
		rows:  [][]int{{0, 1, 2}, {4, 5, 6}, {8, 9, 10}},
		shift: []int{3, 7, 11},
	},
}

// Matrix is an immutable homogeneous affine matrix of order 3 or 4.
type Matrix struct {
	m *mat.Dense
}

// ToMatrix builds the homogeneous matrix for a flattened parameter vector.
//
// For 12 values the linear part comes from indices (0,1,2), (4,5,6), (8,9,10)
// and the shift from (3,7,11). For 6 values the linear part comes from (0,1),
// (3,4) and the shift from (2,5).
func ToMatrix(p Params) (Matrix, error) {
	l, ok := layouts[len(p)]
	if !ok {
		return Matrix{}, fmt.Errorf("%w: got %d, want 6 or 12", ErrInvalidParameterCount, len(p))
	}

	n := len(l.shift) + 1
	m := mat.NewDense(n, n, nil)
	for i, row := range l.rows {
		for j, idx := range row {
			m.Set(i, j, p[idx])
		}
		m.Set(i, n-1, p[l.shift[i]])
	}
	m.Set(n-1, n-1, 1)

	return Matrix{m: m}, nil
}

// Identity returns the identity transform for points of the given dimension
// (2 or 3).
func Identity(dim int) Matrix {
	n := dim + 1
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return Matrix{m: m}
}

// Dim returns the dimension of the points the matrix transforms.
func (a Matrix) Dim() int {
	if a.m == nil {
		return 0
	}
	r, _ := a.m.Dims()
	return r - 1
}

// At returns the element at row i, column j.
func (a Matrix) At(i, j int) float64 {
	return a.m.At(i, j)
}

// Mul returns the composition a*b, i.e. b is applied first.
func (a Matrix) Mul(b Matrix) (Matrix, error) {
	if a.Dim() != b.Dim() || a.m == nil {
		return Matrix{}, fmt.Errorf("%w: cannot compose %dD with %dD transform", ErrDimensionMismatch, a.Dim(), b.Dim())
	}
	var c mat.Dense
	c.Mul(a.m, b.m)
	return Matrix{m: &c}, nil
}

// EqualApprox reports whether a and b have the same order and all elements
// agree within tol.
func (a Matrix) EqualApprox(b Matrix, tol float64) bool {
	if a.m == nil || b.m == nil {
		return a.m == b.m
	}
	return mat.EqualApprox(a.m, b.m, tol)
}

func (a Matrix) String() string {
	if a.m == nil {
		return "[]"
	}
	return fmt.Sprintf("%v", mat.Formatted(a.m, mat.Squeeze()))
}
