package affine

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// maxConditionNumber bounds how ill-conditioned a matrix may be before its
// inverse is rejected as singular.
const maxConditionNumber = 1e12

// Apply transforms a single point. For each output dimension i it computes
// sum_j(p[j]*m[i][j]) + m[i][last], so the shift is always added.
func (a Matrix) Apply(p Point) (Point, error) {
	d := a.Dim()
	if len(p) != d {
		return nil, fmt.Errorf("%w: %dD point with %dD transform", ErrDimensionMismatch, len(p), d)
	}

	out := make(Point, d)
	for i := 0; i < d; i++ {
		v := a.m.At(i, d)
		for j := 0; j < d; j++ {
			v += p[j] * a.m.At(i, j)
		}
		out[i] = v
	}
	return out, nil
}

// ApplyAll transforms a batch of points, preserving order.
func (a Matrix) ApplyAll(points []Point) ([]Point, error) {
	out := make([]Point, len(points))
	for i, p := range points {
		q, err := a.Apply(p)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}

// Inverse returns the inverse transform. Singular and near-singular matrices
// fail with ErrSingularMatrix.
func (a Matrix) Inverse() (Matrix, error) {
	if a.m == nil {
		return Matrix{}, fmt.Errorf("%w: empty matrix", ErrSingularMatrix)
	}

	if c := mat.Cond(a.m, 1); !(c <= maxConditionNumber) {
		return Matrix{}, fmt.Errorf("%w: condition number %g", ErrSingularMatrix, c)
	}

	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return Matrix{}, fmt.Errorf("%w: %v", ErrSingularMatrix, err)
	}

	// The homogeneous row is exact by construction; drop rounding noise.
	n, _ := inv.Dims()
	for j := 0; j < n-1; j++ {
		inv.Set(n-1, j, 0)
	}
	inv.Set(n-1, n-1, 1)

	return Matrix{m: &inv}, nil
}

// Pad returns a copy of p with extra coordinates appended.
func (p Point) Pad(values ...float64) Point {
	out := make(Point, 0, len(p)+len(values))
	out = append(out, p...)
	return append(out, values...)
}

// Scale returns a copy of p with every coordinate divided by divisor.
func (p Point) Scale(divisor float64) Point {
	out := make(Point, len(p))
	for i, v := range p {
		out[i] = v / divisor
	}
	return out
}
