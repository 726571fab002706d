package solver

import (
	"slices"
	"strings"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// newtonRaphson is the polar Newton iteration. With robust set every step
// is scaled by the Iwamoto multiplier.
func newtonRaphson(in *Input, robust bool) Output {
	v := slices.Clone(in.V0)
	vm, va := polar(v)
	pvpq, pq := in.PQPV, in.PQ
	npvpq := len(pvpq)

	if npvpq+len(pq) == 0 {
		return Output{V: v, Scalc: Power(in.Ybus, v, in.Ibus), Converged: true}
	}

	scalc := Power(in.Ybus, v, in.Ibus)
	f := mismatchVector(scalc, in.Sbus, pvpq, pq)
	norm := infNorm(f)
	converged := norm < in.Tolerance

	iter := 0
	for !converged && iter < in.MaxIter {
		iter++

		j := jacobian(in.Ybus, v, in.Ibus, pvpq, pq)
		lu, err := matrix.NewRealLU(j, matrix.RealPart)
		if err != nil {
			in.Logger.Warn("Jacobian setup failed", "error", err)
			break
		}
		if in.Verbose && iter == 1 {
			var sb strings.Builder
			lu.PrintSystem(&sb)
			in.Logger.Debug("Jacobian", "system", sb.String())
		}
		dx, err := lu.Solve(f)
		lu.Destroy()
		if err != nil {
			in.Logger.Debug("Jacobian is singular, stopping", "iteration", iter, "error", err)
			break
		}

		mu := 1.0
		if robust {
			mu = iwamotoMultiplier(in, j, f, dx, v, vm, va)
		}

		for k, i := range pvpq {
			va[i] -= mu * dx[k]
		}
		for k, i := range pq {
			vm[i] -= mu * dx[npvpq+k]
		}
		v = rect(vm, va)
		// A negative magnitude wraps the angle; read both back from V.
		vm, va = polar(v)

		scalc = Power(in.Ybus, v, in.Ibus)
		f = mismatchVector(scalc, in.Sbus, pvpq, pq)
		norm = infNorm(f)
		converged = norm < in.Tolerance

		in.Logger.Debug("Newton iteration", "iteration", iter, "mu", mu, "norm", norm)
	}

	return Output{
		V:          v,
		Scalc:      scalc,
		Converged:  converged,
		Norm:       norm,
		Iterations: iter,
	}
}
