package matrix

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/cmplx"

	"github.com/edp1096/sparse"
)

// Part selects which component of a complex entry is loaded into a real LU.
type Part int

const (
	RealPart Part = iota
	ImagPart
	NegImagPart
)

func (p Part) of(v complex128) float64 {
	switch p {
	case ImagPart:
		return imag(v)
	case NegImagPart:
		return -imag(v)
	default:
		return real(v)
	}
}

// LU is a square system factored by the sparse package. Indices are
// 0-based here and shifted to the package's 1-based numbering inside.
// Factor once, then Solve as many right hand sides as needed.
type LU struct {
	Size      int
	matrix    *sparse.Matrix
	isComplex bool
	factored  bool
	config    *sparse.Configuration

	source *Sparse // Loaded entries, kept for PrintSystem
	part   Part
}

func NewLU(size int, isComplex bool) (*LU, error) {
	config := &sparse.Configuration{
		Real:                    true,
		Complex:                 isComplex,
		SeparatedComplexVectors: true,
		Expandable:              true,
		Translate:               false,
		ModifiedNodal:           true,
		TiesMultiplier:          5,
		PrinterWidth:            140,
		Annotate:                0,
	}

	m := &LU{Size: size, isComplex: isComplex, config: config}
	if size == 0 {
		return m, nil
	}

	mat, err := sparse.Create(int64(size), config)
	if err != nil {
		return nil, fmt.Errorf("creating sparse matrix: %w", err)
	}
	m.matrix = mat
	return m, nil
}

// NewRealLU loads one component of s into a real system.
func NewRealLU(s *Sparse, part Part) (*LU, error) {
	if s.Rows() != s.Cols() {
		return nil, fmt.Errorf("%w: %dx%d is not square", ErrDimension, s.Rows(), s.Cols())
	}
	m, err := NewLU(s.Rows(), false)
	if err != nil {
		return nil, err
	}
	s.Do(func(i, j int, v complex128) {
		if x := part.of(v); x != 0 {
			m.AddElement(i, j, x)
		}
	})
	m.source, m.part = s, part
	return m, nil
}

// NewComplexLU loads s as a complex system.
func NewComplexLU(s *Sparse) (*LU, error) {
	if s.Rows() != s.Cols() {
		return nil, fmt.Errorf("%w: %dx%d is not square", ErrDimension, s.Rows(), s.Cols())
	}
	m, err := NewLU(s.Rows(), true)
	if err != nil {
		return nil, err
	}
	s.Do(func(i, j int, v complex128) {
		m.AddComplexElement(i, j, v)
	})
	m.source = s
	return m, nil
}

func (m *LU) inRange(i, j int) bool {
	if i < 0 || j < 0 || i >= m.Size || j >= m.Size {
		slog.Warn("matrix index out of bounds", "i", i, "j", j, "size", m.Size)
		return false
	}
	return true
}

func (m *LU) AddElement(i, j int, value float64) {
	if !m.inRange(i, j) {
		return
	}
	m.matrix.GetElement(int64(i+1), int64(j+1)).Real += value
}

func (m *LU) AddComplexElement(i, j int, value complex128) {
	if !m.inRange(i, j) {
		return
	}
	element := m.matrix.GetElement(int64(i+1), int64(j+1))
	element.Real += real(value)
	element.Imag += imag(value)
}

func (m *LU) Factor() error {
	if m.Size == 0 {
		m.factored = true
		return nil
	}
	if err := m.matrix.Factor(); err != nil {
		return fmt.Errorf("%w: factorization failed: %v", ErrSingular, err)
	}
	m.factored = true
	return nil
}

func (m *LU) Solve(b []float64) ([]float64, error) {
	if len(b) != m.Size {
		return nil, fmt.Errorf("%w: rhs length %d, system size %d", ErrDimension, len(b), m.Size)
	}
	if m.Size == 0 {
		return []float64{}, nil
	}
	if !m.factored {
		if err := m.Factor(); err != nil {
			return nil, err
		}
	}

	rhs := make([]float64, m.Size+1) // 1-based indexing
	copy(rhs[1:], b)

	var (
		solution []float64
		err      error
	)
	if m.isComplex {
		solution, _, err = m.matrix.SolveComplex(rhs, make([]float64, m.Size+1))
	} else {
		solution, err = m.matrix.Solve(rhs)
	}
	if err != nil {
		return nil, fmt.Errorf("matrix solve failed: %w", err)
	}

	x := make([]float64, m.Size)
	for i := range x {
		x[i] = solution[i+1]
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) {
			return nil, fmt.Errorf("%w: non-finite solution at row %d", ErrSingular, i)
		}
	}
	return x, nil
}

func (m *LU) SolveComplex(b []complex128) ([]complex128, error) {
	if !m.isComplex {
		return nil, fmt.Errorf("%w: complex rhs on a real system", ErrDimension)
	}
	if len(b) != m.Size {
		return nil, fmt.Errorf("%w: rhs length %d, system size %d", ErrDimension, len(b), m.Size)
	}
	if m.Size == 0 {
		return []complex128{}, nil
	}
	if !m.factored {
		if err := m.Factor(); err != nil {
			return nil, err
		}
	}

	rhs := make([]float64, m.Size+1)
	rhsImag := make([]float64, m.Size+1)
	for i, v := range b {
		rhs[i+1] = real(v)
		rhsImag[i+1] = imag(v)
	}

	solution, solutionImag, err := m.matrix.SolveComplex(rhs, rhsImag)
	if err != nil {
		return nil, fmt.Errorf("matrix solve failed: %w", err)
	}

	x := make([]complex128, m.Size)
	for i := range x {
		x[i] = complex(solution[i+1], solutionImag[i+1])
		if cmplx.IsNaN(x[i]) || cmplx.IsInf(x[i]) {
			return nil, fmt.Errorf("%w: non-finite solution at row %d", ErrSingular, i)
		}
	}
	return x, nil
}

// PrintSystem writes the equations loaded by NewRealLU or NewComplexLU.
// It reads the source matrix, so it works before and after Factor and
// leaves the factored structure untouched.
func (m *LU) PrintSystem(w io.Writer) {
	if m.source == nil {
		fmt.Fprintln(w, "no source matrix")
		return
	}
	fmt.Fprintf(w, "\nLinear system (%dx%d):\n", m.Size, m.Size)

	count := 0
	for i := range m.Size {
		fmt.Fprintf(w, "Row %d:", i)
		m.source.DoRow(i, func(j int, v complex128) {
			if m.isComplex {
				if v == 0 {
					return
				}
				count++
				fmt.Fprintf(w, "  (%g + j%g)*x%d", real(v), imag(v), j)
				return
			}
			x := m.part.of(v)
			if x == 0 {
				return
			}
			count++
			fmt.Fprintf(w, "  %+g*x%d", x, j)
		})
		fmt.Fprintln(w)
	}
	if m.Size > 0 {
		fmt.Fprintf(w, "Density = %.2f%%\n", float64(count)*100/float64(m.Size*m.Size))
	}
}

func (m *LU) Destroy() {
	if m.matrix != nil {
		m.matrix.Destroy()
		m.matrix = nil
	}
}

// SolveReal factors one component of s, solves a single rhs and releases
// the factorization.
func SolveReal(s *Sparse, part Part, b []float64) ([]float64, error) {
	lu, err := NewRealLU(s, part)
	if err != nil {
		return nil, err
	}
	defer lu.Destroy()
	return lu.Solve(b)
}

// SolveComplex factors s, solves a single rhs and releases the factorization.
func SolveComplex(s *Sparse, b []complex128) ([]complex128, error) {
	lu, err := NewComplexLU(s)
	if err != nil {
		return nil, err
	}
	defer lu.Destroy()
	return lu.SolveComplex(b)
}
