package matrix

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sort"
)

var (
	ErrSingular  = errors.New("matrix: singular system")
	ErrDimension = errors.New("matrix: dimension mismatch")
)

type entry struct {
	col int
	val complex128
}

// Sparse is a complex matrix stored as rows of column-sorted entries.
// Index errors panic: they can only come from a defective caller.
type Sparse struct {
	rows, cols int
	data       [][]entry
}

func NewSparse(rows, cols int) *Sparse {
	return &Sparse{
		rows: rows,
		cols: cols,
		data: make([][]entry, rows),
	}
}

func (s *Sparse) Rows() int { return s.rows }
func (s *Sparse) Cols() int { return s.cols }

func (s *Sparse) check(i, j int) {
	if i < 0 || j < 0 || i >= s.rows || j >= s.cols {
		panic(fmt.Sprintf("matrix: index out of range (i=%d, j=%d, size=%dx%d)", i, j, s.rows, s.cols))
	}
}

func (s *Sparse) find(i, j int) (int, bool) {
	row := s.data[i]
	k := sort.Search(len(row), func(k int) bool { return row[k].col >= j })
	return k, k < len(row) && row[k].col == j
}

// AddComplexElement accumulates v into (i, j).
func (s *Sparse) AddComplexElement(i, j int, v complex128) {
	s.check(i, j)
	k, ok := s.find(i, j)
	if ok {
		s.data[i][k].val += v
		return
	}
	row := append(s.data[i], entry{})
	copy(row[k+1:], row[k:])
	row[k] = entry{col: j, val: v}
	s.data[i] = row
}

// AddElement accumulates a real value into (i, j).
func (s *Sparse) AddElement(i, j int, v float64) {
	s.AddComplexElement(i, j, complex(v, 0))
}

func (s *Sparse) Set(i, j int, v complex128) {
	s.check(i, j)
	if k, ok := s.find(i, j); ok {
		s.data[i][k].val = v
		return
	}
	s.AddComplexElement(i, j, v)
}

func (s *Sparse) At(i, j int) complex128 {
	s.check(i, j)
	if k, ok := s.find(i, j); ok {
		return s.data[i][k].val
	}
	return 0
}

// NNZ returns the number of stored entries.
func (s *Sparse) NNZ() int {
	n := 0
	for _, row := range s.data {
		n += len(row)
	}
	return n
}

// Do calls fn for every stored entry in row-major order.
func (s *Sparse) Do(fn func(i, j int, v complex128)) {
	for i, row := range s.data {
		for _, e := range row {
			fn(i, e.col, e.val)
		}
	}
}

// DoRow calls fn for every stored entry of row i.
func (s *Sparse) DoRow(i int, fn func(j int, v complex128)) {
	for _, e := range s.data[i] {
		fn(e.col, e.val)
	}
}

func (s *Sparse) MulVec(x []complex128) []complex128 {
	if len(x) != s.cols {
		panic(fmt.Sprintf("matrix: vector length %d, want %d", len(x), s.cols))
	}
	y := make([]complex128, s.rows)
	for i, row := range s.data {
		var sum complex128
		for _, e := range row {
			sum += e.val * x[e.col]
		}
		y[i] = sum
	}
	return y
}

// Slice returns the sub-matrix picked by the row and column index lists.
func (s *Sparse) Slice(rows, cols []int) *Sparse {
	colPos := make(map[int]int, len(cols))
	for k, c := range cols {
		colPos[c] = k
	}
	out := NewSparse(len(rows), len(cols))
	for r, i := range rows {
		for _, e := range s.data[i] {
			if c, ok := colPos[e.col]; ok {
				out.AddComplexElement(r, c, e.val)
			}
		}
	}
	return out
}

// ScatterInto adds every entry to dst at (rowIdx[i], colIdx[j]).
func (s *Sparse) ScatterInto(dst *Sparse, rowIdx, colIdx []int) {
	if len(rowIdx) != s.rows || len(colIdx) != s.cols {
		panic(fmt.Sprintf("matrix: scatter map %dx%d for a %dx%d matrix", len(rowIdx), len(colIdx), s.rows, s.cols))
	}
	s.Do(func(i, j int, v complex128) {
		dst.AddComplexElement(rowIdx[i], colIdx[j], v)
	})
}

func (s *Sparse) Clone() *Sparse {
	out := NewSparse(s.rows, s.cols)
	for i, row := range s.data {
		out.data[i] = append([]entry(nil), row...)
	}
	return out
}

// Diagonal returns the main diagonal of a square matrix.
func (s *Sparse) Diagonal() []complex128 {
	n := min(s.rows, s.cols)
	d := make([]complex128, n)
	for i := range n {
		d[i] = s.At(i, i)
	}
	return d
}

// MaxAbs returns the largest entry magnitude.
func (s *Sparse) MaxAbs() float64 {
	m := 0.0
	s.Do(func(_, _ int, v complex128) {
		if a := cmplx.Abs(v); a > m {
			m = a
		}
	})
	return m
}
