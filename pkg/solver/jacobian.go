package solver

import (
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// jacobian builds the polar power flow Jacobian
//
//	| dP/dθ   dP/d|V| |   rows pvpq, then pq
//	| dQ/dθ   dQ/d|V| |   columns θ(pvpq), then |V|(pq)
//
// from dS/dθ = j·diag(V)·conj(diag(I) - Ybus·diag(V)) and
// dS/d|V| = diag(V)·conj(Ybus·diag(V/|V|)) + conj(diag(I))·diag(V/|V|),
// with I = Ybus·V - Ibus. Values are stored in the real part.
func jacobian(ybus *matrix.Sparse, v, ibus []complex128, pvpq, pq []int) *matrix.Sparse {
	n := len(v)
	cur := ybus.MulVec(v)
	vnorm := make([]complex128, n)
	for i := range v {
		if ibus != nil {
			cur[i] -= ibus[i]
		}
		if m := cmplx.Abs(v[i]); m > 0 {
			vnorm[i] = v[i] / complex(m, 0)
		}
	}

	posA := positions(n, pvpq)
	posM := positions(n, pq)
	npvpq := len(pvpq)
	size := npvpq + len(pq)
	j := matrix.NewSparse(size, size)

	add := func(r, c int, dVa, dVm complex128) {
		if rp := posA[r]; rp >= 0 {
			if ca := posA[c]; ca >= 0 {
				j.AddElement(rp, ca, real(dVa))
			}
			if cm := posM[c]; cm >= 0 {
				j.AddElement(rp, npvpq+cm, real(dVm))
			}
		}
		if rq := posM[r]; rq >= 0 {
			if ca := posA[c]; ca >= 0 {
				j.AddElement(npvpq+rq, ca, imag(dVa))
			}
			if cm := posM[c]; cm >= 0 {
				j.AddElement(npvpq+rq, npvpq+cm, imag(dVm))
			}
		}
	}

	for r := range n {
		if posA[r] < 0 && posM[r] < 0 {
			continue
		}
		ybus.DoRow(r, func(c int, y complex128) {
			dVa := 1i * v[r] * cmplx.Conj(-y*v[c])
			dVm := v[r] * cmplx.Conj(y*vnorm[c])
			add(r, c, dVa, dVm)
		})
		add(r, r, 1i*v[r]*cmplx.Conj(cur[r]), cmplx.Conj(cur[r])*vnorm[r])
	}
	return j
}

// mulReal multiplies the real part of a by x.
func mulReal(a *matrix.Sparse, x []float64) []float64 {
	y := make([]float64, a.Rows())
	a.Do(func(i, j int, v complex128) {
		y[i] += real(v) * x[j]
	})
	return y
}
