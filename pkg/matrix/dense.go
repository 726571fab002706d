package matrix

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolveDenseComplex solves a small dense complex system A·x = b by expanding
// it into the real system [[Re A, -Im A], [Im A, Re A]].
func SolveDenseComplex(a *mat.CDense, b []complex128) ([]complex128, error) {
	r, c := a.Dims()
	if r != c || len(b) != r {
		return nil, fmt.Errorf("%w: %dx%d system with rhs length %d", ErrDimension, r, c, len(b))
	}
	n := r
	if n == 0 {
		return []complex128{}, nil
	}

	aug := mat.NewDense(2*n, 2*n, nil)
	rhs := mat.NewVecDense(2*n, nil)
	for i := range n {
		for j := range n {
			v := a.At(i, j)
			aug.Set(i, j, real(v))
			aug.Set(i, j+n, -imag(v))
			aug.Set(i+n, j, imag(v))
			aug.Set(i+n, j+n, real(v))
		}
		rhs.SetVec(i, real(b[i]))
		rhs.SetVec(i+n, imag(b[i]))
	}

	var x mat.VecDense
	if err := x.SolveVec(aug, rhs); err != nil {
		// A large but finite condition number still yields a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 0) {
			return nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}

	out := make([]complex128, n)
	for i := range n {
		out[i] = complex(x.AtVec(i), x.AtVec(i+n))
	}
	return out, nil
}

// ToCDense expands s into a dense complex matrix.
func (s *Sparse) ToCDense() *mat.CDense {
	if s.rows == 0 || s.cols == 0 {
		return &mat.CDense{}
	}
	d := mat.NewCDense(s.rows, s.cols, nil)
	s.Do(func(i, j int, v complex128) {
		d.Set(i, j, v)
	})
	return d
}
