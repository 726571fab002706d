package matrix

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealLUSolvesRepeatedRHS(t *testing.T) {
	s := NewSparse(3, 3)
	s.AddElement(0, 0, 4)
	s.AddElement(0, 1, -1)
	s.AddElement(1, 0, -1)
	s.AddElement(1, 1, 4)
	s.AddElement(1, 2, -1)
	s.AddElement(2, 1, -1)
	s.AddElement(2, 2, 4)

	lu, err := NewRealLU(s, RealPart)
	require.NoError(t, err)
	defer lu.Destroy()
	require.NoError(t, lu.Factor())

	for _, want := range [][]float64{{1, 2, 3}, {-1, 0, 0.5}} {
		b := make([]float64, 3)
		for i := range 3 {
			s.DoRow(i, func(j int, v complex128) { b[i] += real(v) * want[j] })
		}
		x, err := lu.Solve(b)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want, x, 1e-12)
	}
}

func TestNegImagPartLoadsSusceptance(t *testing.T) {
	s := NewSparse(1, 1)
	s.AddComplexElement(0, 0, 1-10i)

	x, err := SolveReal(s, NegImagPart, []float64{5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, x[0], 1e-12)
}

func TestComplexLU(t *testing.T) {
	s := NewSparse(2, 2)
	s.AddComplexElement(0, 0, 10-20i)
	s.AddComplexElement(0, 1, -5+10i)
	s.AddComplexElement(1, 0, -5+10i)
	s.AddComplexElement(1, 1, 5-10i)

	want := []complex128{1, 0.9 - 0.1i}
	b := s.MulVec(want)

	x, err := SolveComplex(s, b)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, real(want[i]), real(x[i]), 1e-10)
		assert.InDelta(t, imag(want[i]), imag(x[i]), 1e-10)
	}
}

func TestLURejectsWrongRHSLength(t *testing.T) {
	lu, err := NewLU(2, false)
	require.NoError(t, err)
	defer lu.Destroy()

	_, err = lu.Solve([]float64{1})
	assert.ErrorIs(t, err, ErrDimension)
}

func TestEmptyLU(t *testing.T) {
	x, err := SolveReal(NewSparse(0, 0), RealPart, nil)
	require.NoError(t, err)
	assert.Empty(t, x)
}

func TestPrintSystemListsStoredEntries(t *testing.T) {
	s := NewSparse(3, 3)
	s.AddElement(0, 0, 2)
	s.AddElement(1, 1, 3)
	s.AddComplexElement(1, 2, 5i) // no real part
	s.AddElement(2, 2, 4)

	lu, err := NewRealLU(s, RealPart)
	require.NoError(t, err)
	defer lu.Destroy()

	var before strings.Builder
	lu.PrintSystem(&before)
	assert.Contains(t, before.String(), "Row 0:  +2*x0\n")
	assert.Contains(t, before.String(), "Row 1:  +3*x1\n")
	assert.NotContains(t, before.String(), "x2\nRow 2")
	assert.Contains(t, before.String(), "Density = 33.33%")

	// Printing does not load the empty cells, so the factored system is
	// still the diagonal one.
	require.NoError(t, lu.Factor())
	x, err := lu.Solve([]float64{2, 3, 4})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1, 1}, x, 1e-12)

	var after strings.Builder
	lu.PrintSystem(&after)
	assert.Equal(t, before.String(), after.String())
	assert.Equal(t, 4, s.NNZ())
}
