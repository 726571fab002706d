package solver

import (
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// dcApproximation solves Bdc·θ = P on the non-slack buses, with
// Bdc = -Im(Ybus), the slack angles moved to the right hand side and the
// voltage magnitudes kept at their initial values. Being linear it always
// reports convergence; Norm still shows how far the AC equations are.
func dcApproximation(in *Input) Output {
	v := slices.Clone(in.V0)
	vm, va := polar(v)
	pvpq := in.PQPV

	if len(pvpq) > 0 {
		rhs := make([]float64, len(pvpq))
		isRef := positions(len(v), in.Ref)
		for k, i := range pvpq {
			rhs[k] = real(in.Sbus[i])
			in.Ybus.DoRow(i, func(j int, y complex128) {
				if isRef[j] >= 0 {
					rhs[k] -= -imag(y) * va[j]
				}
			})
		}

		theta, err := matrix.SolveReal(in.Ybus.Slice(pvpq, pvpq), matrix.NegImagPart, rhs)
		if err != nil {
			in.Logger.Warn("DC system is singular", "error", err)
			scalc := Power(in.Ybus, v, in.Ibus)
			return Output{
				V:     v,
				Scalc: scalc,
				Norm:  infNorm(mismatchVector(scalc, in.Sbus, pvpq, in.PQ)),
			}
		}
		for k, i := range pvpq {
			va[i] = theta[k]
		}
		v = rect(vm, va)
	}

	scalc := Power(in.Ybus, v, in.Ibus)
	return Output{
		V:          v,
		Scalc:      scalc,
		Converged:  true,
		Norm:       infNorm(mismatchVector(scalc, in.Sbus, pvpq, in.PQ)),
		Iterations: 1,
	}
}
