package solver

import (
	"math"
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// Power returns the injections the voltages produce, V·conj(Ybus·V - Ibus).
func Power(ybus *matrix.Sparse, v, ibus []complex128) []complex128 {
	i := ybus.MulVec(v)
	s := make([]complex128, len(v))
	for k := range v {
		cur := i[k]
		if ibus != nil {
			cur -= ibus[k]
		}
		s[k] = v[k] * cmplx.Conj(cur)
	}
	return s
}

// Mismatch is the infinity norm of the power residual: active power at
// pvpq and reactive power at pq.
func Mismatch(ybus *matrix.Sparse, sbus, ibus, v []complex128, pvpq, pq []int) float64 {
	return infNorm(mismatchVector(Power(ybus, v, ibus), sbus, pvpq, pq))
}

// mismatchVector lays out the residual in Jacobian order:
// [ΔP(pvpq), ΔQ(pq)].
func mismatchVector(scalc, sbus []complex128, pvpq, pq []int) []float64 {
	f := make([]float64, len(pvpq)+len(pq))
	for k, i := range pvpq {
		f[k] = real(scalc[i] - sbus[i])
	}
	off := len(pvpq)
	for k, i := range pq {
		f[off+k] = imag(scalc[i] - sbus[i])
	}
	return f
}

func infNorm(f []float64) float64 {
	norm := 0.0
	for _, x := range f {
		if math.IsNaN(x) {
			return math.Inf(1)
		}
		norm = max(norm, math.Abs(x))
	}
	return norm
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func polar(v []complex128) (vm, va []float64) {
	vm = make([]float64, len(v))
	va = make([]float64, len(v))
	for i, x := range v {
		vm[i], va[i] = cmplx.Polar(x)
	}
	return vm, va
}

func rect(vm, va []float64) []complex128 {
	v := make([]complex128, len(vm))
	for i := range vm {
		v[i] = cmplx.Rect(vm[i], va[i])
	}
	return v
}

// positions maps bus index to its position inside idx, -1 elsewhere.
func positions(n int, idx []int) []int {
	pos := make([]int, n)
	for i := range pos {
		pos[i] = -1
	}
	for k, i := range idx {
		pos[i] = k
	}
	return pos
}

func finite(v []complex128) bool {
	for _, x := range v {
		if cmplx.IsNaN(x) || cmplx.IsInf(x) {
			return false
		}
	}
	return true
}
