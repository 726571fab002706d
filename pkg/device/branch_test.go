package device

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertComplex(t *testing.T, want, got complex128, delta float64, msgAndArgs ...any) {
	t.Helper()
	assert.InDelta(t, real(want), real(got), delta, msgAndArgs...)
	assert.InDelta(t, imag(want), imag(got), delta, msgAndArgs...)
}

func TestBranchAdmittancePlainLine(t *testing.T) {
	br := NewBranch("L1", NewBus("A", 20), NewBus("B", 20), 0.01, 0.1, 0, 0.02)

	p, err := br.Admittance()
	require.NoError(t, err)

	ys := 1 / complex(0.01, 0.1)
	assertComplex(t, ys+0.01i, p.Yff, 1e-12)
	assertComplex(t, ys+0.01i, p.Ytt, 1e-12)
	assertComplex(t, -ys, p.Yft, 1e-12)
	assertComplex(t, -ys, p.Ytf, 1e-12)
}

func TestBranchAdmittanceComplexTap(t *testing.T) {
	br := NewBranch("T1", NewBus("HV", 132), NewBus("LV", 33), 0, 0.2, 0, 0)
	br.Tap = 1.05
	br.Shift = 10 * math.Pi / 180

	p, err := br.Admittance()
	require.NoError(t, err)

	tap := cmplx.Rect(1.05, -br.Shift)
	ys := 1 / complex(0, 0.2)
	assertComplex(t, ys/(1.05*1.05), p.Yff, 1e-12)
	assertComplex(t, -ys/cmplx.Conj(tap), p.Yft, 1e-12)
	assertComplex(t, -ys/tap, p.Ytf, 1e-12)

	// A phase shifter breaks symmetry
	assert.NotEqual(t, p.Yft, p.Ytf)
}

func TestBranchZeroImpedance(t *testing.T) {
	br := NewBranch("bad", NewBus("A", 1), NewBus("B", 1), 0, 0, 0, 0)
	_, err := br.Admittance()
	assert.ErrorIs(t, err, ErrZeroImpedance)

	m := newTestMatrices(2, 1)
	assert.ErrorIs(t, br.Stamp(m, 0, 0, 1), ErrZeroImpedance)
}

func newTestMatrices(n, nbr int) *BranchMatrices {
	return &BranchMatrices{
		Ybus:    matrix.NewSparse(n, n),
		Yseries: matrix.NewSparse(n, n),
		Yf:      matrix.NewSparse(nbr, n),
		Yt:      matrix.NewSparse(nbr, n),
		B1:      matrix.NewSparse(n, n),
		B2:      matrix.NewSparse(n, n),
		Yshunt:  make([]complex128, n),
	}
}

func TestBranchStampFillsEveryStructure(t *testing.T) {
	br := NewBranch("L1", NewBus("A", 20), NewBus("B", 20), 0.02, 0.2, 0, 0.04)
	br.Tap = 0.95

	m := newTestMatrices(2, 1)
	require.NoError(t, br.Stamp(m, 0, 0, 1))

	p, _ := br.Admittance()
	ybus := m.Ybus.(*matrix.Sparse)
	yseries := m.Yseries.(*matrix.Sparse)
	yf := m.Yf.(*matrix.Sparse)
	yt := m.Yt.(*matrix.Sparse)
	b1 := m.B1.(*matrix.Sparse)
	b2 := m.B2.(*matrix.Sparse)

	assertComplex(t, p.Yff, ybus.At(0, 0), 1e-12)
	assertComplex(t, p.Ytt, ybus.At(1, 1), 1e-12)
	assertComplex(t, p.Yft, yf.At(0, 1), 1e-12)
	assertComplex(t, p.Ytf, yt.At(0, 0), 1e-12)

	// Series plus shunt legs rebuild the full matrix
	for i := range 2 {
		assertComplex(t, ybus.At(i, i), yseries.At(i, i)+m.Yshunt[i], 1e-12, "bus %d", i)
	}

	// B' ignores resistance and tap module
	assert.InDelta(t, 1/0.2, real(b1.At(0, 0)), 1e-12)
	assert.InDelta(t, -1/0.2, real(b1.At(0, 1)), 1e-12)

	// B'' keeps the tap module and the shunt
	ys := 1 / complex(0.02, 0.2)
	want := -imag((ys + 0.02i) / (0.95 * 0.95))
	assert.InDelta(t, want, real(b2.At(0, 0)), 1e-12)
}

func TestBranchShuntLegsFollowTheTap(t *testing.T) {
	br := NewBranch("T1", NewBus("A", 20), NewBus("B", 20), 0.01, 0.1, 0, 0.3)
	br.Tap = 0.9

	m := newTestMatrices(2, 1)
	require.NoError(t, br.Stamp(m, 0, 0, 1))

	// The from leg sits behind the ideal transformer
	assertComplex(t, 0.15i/(0.9*0.9), m.Yshunt[0], 1e-12)
	assertComplex(t, 0.15i, m.Yshunt[1], 1e-12)

	ybus := m.Ybus.(*matrix.Sparse)
	yseries := m.Yseries.(*matrix.Sparse)
	for i := range 2 {
		assertComplex(t, ybus.At(i, i), yseries.At(i, i)+m.Yshunt[i], 1e-12, "bus %d", i)
	}
}

func TestBranchTapChangerModule(t *testing.T) {
	br := NewBranch("T1", NewBus("A", 20), NewBus("B", 20), 0, 0.1, 0, 0)
	br.Tap = 1.02
	assert.InDelta(t, 1.02, br.TapModule(), 1e-12)

	// Without a set point the changer is not in control
	br.TapControl = true
	br.TapStep = 0.0125
	br.TapPosition = -4
	assert.False(t, br.Regulates())
	assert.InDelta(t, 1.02, br.TapModule(), 1e-12)

	br.Vset = 1.0
	assert.True(t, br.Regulates())
	assert.InDelta(t, 0.95, br.TapModule(), 1e-12)

	m := newTestMatrices(2, 1)
	require.NoError(t, br.StampTap(m, 0, 0, 1, 1.1))
	ys := 1 / complex(0, 0.1)
	assertComplex(t, ys/(1.1*1.1), m.Ybus.(*matrix.Sparse).At(0, 0), 1e-12)
}
