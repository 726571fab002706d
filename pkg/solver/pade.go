package solver

import (
	"log/slog"
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"gonum.org/v1/gonum/mat"
)

// padeAll evaluates at s = 1 the [L/L] Padé approximant of every column of
// coeffs (rows are orders), with L half the highest order. A column whose
// denominator system is singular falls back to the plain series sum.
func padeAll(coeffs [][]complex128, logger *slog.Logger) []complex128 {
	if len(coeffs) == 0 {
		return nil
	}
	n := len(coeffs[0])
	out := make([]complex128, n)
	column := make([]complex128, len(coeffs))

	fallbacks := 0
	for d := range n {
		for c := range coeffs {
			column[c] = coeffs[c][d]
		}
		v, ok := pade(column)
		if !ok {
			fallbacks++
			v = 0
			for _, x := range column {
				v += x
			}
		}
		out[d] = v
	}
	if fallbacks > 0 {
		logger.Debug("Padé approximant failed, using the series sum", "buses", fallbacks)
	}
	return out
}

func pade(c []complex128) (complex128, bool) {
	l := (len(c) - 1) / 2
	m := l
	if l == 0 {
		return 0, false
	}

	// Denominator: Σ_{j=0..M} b_j·c_{L+i-j} = 0 for i = 1..M, b_0 = 1.
	sys := mat.NewCDense(l, m, nil)
	rhs := make([]complex128, l)
	for i := range l {
		k := i + 1
		for j := range m {
			sys.Set(i, j, c[l-m+k+j])
		}
		rhs[i] = -c[l+1+i]
	}
	x, err := matrix.SolveDenseComplex(sys, rhs)
	if err != nil {
		return 0, false
	}
	slices.Reverse(x)
	b := append([]complex128{1}, x...)

	a := make([]complex128, l+1)
	a[0] = c[0]
	for i := range l {
		k := i + 1
		var val complex128
		for j := 0; j <= k; j++ {
			val += c[k-j] * b[j]
		}
		a[i+1] = val
	}

	var num, den complex128
	for _, x := range a {
		num += x
	}
	for _, x := range b {
		den += x
	}
	if den == 0 {
		return 0, false
	}
	v := num / den
	if !finite([]complex128{v}) {
		return 0, false
	}
	return v, true
}
