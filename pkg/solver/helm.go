package solver

import (
	"math/cmplx"
	"slices"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// helmSeries holds the power series of the non-slack buses, one row per
// order: U is the voltage, X = 1/conj(U) and Q the unknown reactive power
// of the PV buses.
type helmSeries struct {
	U, X, Q [][]complex128
	last    int // Highest order computed
}

func newHelmSeries(orders, n int) *helmSeries {
	s := &helmSeries{
		U: make([][]complex128, orders+1),
		X: make([][]complex128, orders+1),
		Q: make([][]complex128, orders+1),
	}
	for c := range s.U {
		s.U[c] = make([]complex128, n)
		s.X[c] = make([]complex128, n)
		s.Q[c] = make([]complex128, n)
	}
	return s
}

// conv1 is Σ_{k=1..c} conj(U[k])·X[c-k] at position i.
func (s *helmSeries) conv1(c, i int) complex128 {
	var sum complex128
	for k := 1; k <= c; k++ {
		sum += cmplx.Conj(s.U[k][i]) * s.X[c-k][i]
	}
	return sum
}

// conv2 is Σ_{k=1..c-1} X[k]·Q[c-1-k] at position i.
func (s *helmSeries) conv2(c, i int) complex128 {
	var sum complex128
	for k := 1; k < c; k++ {
		sum += s.X[k][i] * s.Q[c-1-k][i]
	}
	return sum
}

// conv3 is Σ_{k=1..c-1} U[k]·conj(U[c-k]) at position i.
func (s *helmSeries) conv3(c, i int) complex128 {
	var sum complex128
	for k := 1; k < c; k++ {
		sum += s.U[k][i] * cmplx.Conj(s.U[c-k][i])
	}
	return sum
}

// helm is the holomorphic embedding load flow in the formulation that
// embeds the series admittances only: the shunts, the slack voltage
// offset and the injections enter from order one on. The coefficient
// system
//
//	| G   -B   XIM |
//	| B    G   XRE |
//	| VRE  VIM  0  |
//
// is factored once and solved for every order. The final voltage is the
// Padé approximant of the series at s = 1.
func helm(in *Input) Output {
	n := len(in.V0)
	v := slices.Clone(in.V0)
	pqpv := in.PQPV
	npqpv := len(pqpv)

	fail := func(iter int) Output {
		scalc := Power(in.Ybus, v, in.Ibus)
		return Output{
			V:          v,
			Scalc:      scalc,
			Norm:       infNorm(mismatchVector(scalc, in.Sbus, pqpv, in.PQ)),
			Iterations: iter,
		}
	}

	if n < 2 || npqpv == 0 {
		scalc := Power(in.Ybus, v, in.Ibus)
		return Output{V: v, Scalc: scalc, Converged: true}
	}
	if len(in.Ref) == 0 {
		in.Logger.Warn("HELM needs a slack bus")
		return fail(0)
	}

	pos := positions(n, pqpv)
	var pvLocal, pqLocal []int
	for _, i := range in.PV {
		pvLocal = append(pvLocal, pos[i])
	}
	for _, i := range in.PQ {
		pqLocal = append(pqLocal, pos[i])
	}
	npv := len(pvLocal)

	isRef := positions(n, in.Ref)
	yslack := make([]complex128, npqpv) // -Σ Yseries[i, ref]
	islack := make([]complex128, npqpv) // -Σ Yseries[i, ref]·Vref
	p := make([]float64, npqpv)
	q := make([]float64, npqpv)
	ysh := make([]complex128, npqpv)
	w := make([]float64, npqpv)
	for k, i := range pqpv {
		in.Yseries.DoRow(i, func(j int, y complex128) {
			if isRef[j] >= 0 {
				yslack[k] -= y
				islack[k] -= y * in.V0[j]
			}
		})
		p[k] = real(in.Sbus[i])
		q[k] = imag(in.Sbus[i])
		if in.Yshunt != nil {
			ysh[k] = in.Yshunt[i]
		}
		w[k] = real(in.V0[i] * cmplx.Conj(in.V0[i]))
	}

	yred := in.Yseries.Slice(pqpv, pqpv)
	u0, err := matrix.SolveComplex(yred, yslack)
	if err != nil {
		in.Logger.Warn("HELM reduced series matrix is singular", "error", err)
		return fail(0)
	}

	s := newHelmSeries(in.HelmCoefficients, npqpv)
	copy(s.U[0], u0)
	for k := range npqpv {
		s.X[0][k] = 1 / cmplx.Conj(u0[k])
	}

	size := 2*npqpv + npv
	lu, err := matrix.NewLU(size, false)
	if err != nil {
		in.Logger.Warn("HELM system setup failed", "error", err)
		return fail(0)
	}
	defer lu.Destroy()

	yred.Do(func(i, j int, y complex128) {
		lu.AddElement(i, j, real(y))
		lu.AddElement(i, npqpv+j, -imag(y))
		lu.AddElement(npqpv+i, j, imag(y))
		lu.AddElement(npqpv+i, npqpv+j, real(y))
	})
	for r, k := range pvLocal {
		u, x := s.U[0][k], s.X[0][k]
		lu.AddElement(2*npqpv+r, k, 2*real(u))
		lu.AddElement(2*npqpv+r, npqpv+k, 2*imag(u))
		lu.AddElement(k, 2*npqpv+r, -imag(x))
		lu.AddElement(npqpv+k, 2*npqpv+r, real(x))
	}
	if err := lu.Factor(); err != nil {
		in.Logger.Warn("HELM coefficient system is singular", "error", err)
		return fail(0)
	}

	valor := make([]complex128, npqpv)
	rhs := make([]float64, size)
	solveOrder := func(c int, pvRow func(k int) float64) error {
		for k := range npqpv {
			rhs[k] = real(valor[k])
			rhs[npqpv+k] = imag(valor[k])
		}
		for r, k := range pvLocal {
			rhs[2*npqpv+r] = pvRow(k)
		}
		lhs, err := lu.Solve(rhs)
		if err != nil {
			return err
		}
		for k := range npqpv {
			s.U[c][k] = complex(lhs[k], lhs[npqpv+k])
		}
		for r, k := range pvLocal {
			s.Q[c-1][k] = complex(lhs[2*npqpv+r], 0)
		}
		s.last = c
		return nil
	}

	// Order 1
	for _, k := range pqLocal {
		valor[k] = islack[k] - yslack[k] + complex(p[k], -q[k])*s.X[0][k] - s.U[0][k]*ysh[k]
	}
	for _, k := range pvLocal {
		valor[k] = islack[k] - yslack[k] + complex(p[k], 0)*s.X[0][k] - s.U[0][k]*ysh[k]
	}
	err = solveOrder(1, func(k int) float64 {
		return w[k] - real(s.U[0][k]*s.U[0][k])
	})
	if err != nil {
		in.Logger.Warn("HELM order 1 failed", "error", err)
		return fail(0)
	}
	for k := range npqpv {
		s.X[1][k] = -s.X[0][k] * cmplx.Conj(s.U[1][k]) / cmplx.Conj(s.U[0][k])
	}

	for k, i := range pqpv {
		v[i] = s.U[0][k] + s.U[1][k]
	}

	iter := 1
	converged := false
	for c := 2; c <= in.HelmCoefficients && !converged; c++ {
		for _, k := range pqLocal {
			valor[k] = complex(p[k], -q[k])*s.X[c-1][k] - s.U[c-1][k]*ysh[k]
		}
		for _, k := range pvLocal {
			valor[k] = -1i*s.conv2(c, k) - s.U[c-1][k]*ysh[k] + s.X[c-1][k]*complex(p[k], 0)
		}
		err := solveOrder(c, func(k int) float64 {
			return -real(s.conv3(c, k))
		})
		if err != nil {
			in.Logger.Debug("HELM order failed", "order", c, "error", err)
			break
		}
		for k := range npqpv {
			s.X[c][k] = -s.conv1(c, k) / cmplx.Conj(s.U[0][k])
		}

		diverged := false
		for k, i := range pqpv {
			v[i] += s.U[c][k]
			if real(v[i]) >= consts.MAX_HELM_VM {
				diverged = true
			}
		}
		if diverged {
			in.Logger.Debug("HELM series diverges", "order", c)
			break
		}

		norm := Mismatch(in.Ybus, in.Sbus, in.Ibus, v, pqpv, in.PQ)
		// Only odd orders may stop the series.
		converged = norm <= in.Tolerance && c%2 == 1
		iter++
	}

	for k, x := range padeAll(s.U[:s.last+1], in.Logger) {
		v[pqpv[k]] = x
	}

	scalc := Power(in.Ybus, v, in.Ibus)
	norm := infNorm(mismatchVector(scalc, in.Sbus, pqpv, in.PQ))
	return Output{
		V:          v,
		Scalc:      scalc,
		Converged:  norm < in.Tolerance && finite(v),
		Norm:       norm,
		Iterations: iter,
	}
}
