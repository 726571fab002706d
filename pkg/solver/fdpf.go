package solver

import (
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// fastDecoupled alternates an angle half-iteration on B' and a magnitude
// half-iteration on B''. Both matrices are factored once.
func fastDecoupled(in *Input) Output {
	v := slices.Clone(in.V0)
	vm, va := polar(v)
	pvpq, pq := in.PQPV, in.PQ

	if len(pvpq) == 0 {
		return Output{V: v, Scalc: Power(in.Ybus, v, in.Ibus), Converged: true}
	}

	// Residuals divided by |V|, as the decoupled equations expect.
	residuals := func() ([]complex128, []float64, []float64) {
		scalc := Power(in.Ybus, v, in.Ibus)
		p := make([]float64, len(pvpq))
		for k, i := range pvpq {
			p[k] = real(scalc[i]-in.Sbus[i]) / vm[i]
		}
		q := make([]float64, len(pq))
		for k, i := range pq {
			q[k] = imag(scalc[i]-in.Sbus[i]) / vm[i]
		}
		return scalc, p, q
	}
	// Convergence is judged on the plain mismatch, like every other solver.
	normOf := func(scalc []complex128) float64 {
		return infNorm(mismatchVector(scalc, in.Sbus, pvpq, pq))
	}

	scalc, p, q := residuals()
	norm := normOf(scalc)
	converged := norm < in.Tolerance
	if converged {
		return Output{V: v, Scalc: scalc, Converged: true, Norm: norm}
	}

	bp, err := matrix.NewRealLU(in.B1.Slice(pvpq, pvpq), matrix.RealPart)
	if err != nil {
		in.Logger.Warn("B' setup failed", "error", err)
		return Output{V: v, Scalc: scalc, Norm: norm}
	}
	defer bp.Destroy()
	bpp, err := matrix.NewRealLU(in.B2.Slice(pq, pq), matrix.RealPart)
	if err != nil {
		in.Logger.Warn("B'' setup failed", "error", err)
		return Output{V: v, Scalc: scalc, Norm: norm}
	}
	defer bpp.Destroy()

	if err := bp.Factor(); err != nil {
		in.Logger.Debug("B' is singular", "error", err)
		return Output{V: v, Scalc: scalc, Norm: norm}
	}
	if err := bpp.Factor(); err != nil {
		in.Logger.Debug("B'' is singular", "error", err)
		return Output{V: v, Scalc: scalc, Norm: norm}
	}

	iter := 0
	for !converged && iter < in.MaxIter {
		iter++

		dVa, err := bp.Solve(p)
		if err != nil {
			in.Logger.Debug("Angle update failed", "iteration", iter, "error", err)
			break
		}
		for k, i := range pvpq {
			va[i] -= dVa[k]
		}
		v = rect(vm, va)

		scalc, p, q = residuals()
		norm = normOf(scalc)
		if converged = norm < in.Tolerance; converged {
			break
		}

		if len(pq) > 0 {
			dVm, err := bpp.Solve(q)
			if err != nil {
				in.Logger.Debug("Magnitude update failed", "iteration", iter, "error", err)
				break
			}
			for k, i := range pq {
				vm[i] -= dVm[k]
			}
			v = rect(vm, va)

			scalc, p, q = residuals()
			norm = normOf(scalc)
			converged = norm < in.Tolerance
		}

		in.Logger.Debug("Fast decoupled iteration", "iteration", iter, "norm", norm)
	}

	if !finite(v) {
		converged = false
	}

	return Output{
		V:          v,
		Scalc:      scalc,
		Converged:  converged,
		Norm:       norm,
		Iterations: iter,
	}
}
