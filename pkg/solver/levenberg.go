package solver

import (
	"math"
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"gonum.org/v1/gonum/mat"
)

// levenbergMarquardt solves the damped normal equations
// (HᵀH + λI)·dx = Hᵀ·dz, adapting λ from the gain ratio of each step.
// A rejected step keeps the Jacobian and raises λ.
func levenbergMarquardt(in *Input) Output {
	v := slices.Clone(in.V0)
	vm, va := polar(v)
	pvpq, pq := in.PQPV, in.PQ
	npvpq := len(pvpq)
	size := npvpq + len(pq)

	if size == 0 {
		return Output{V: v, Scalc: Power(in.Ybus, v, in.Ibus), Converged: true}
	}

	var (
		h, hth *mat.Dense
		update = true
		nu     = 2.0
		lambda = 0.0
		fPrev  = 1e9
		iter   int
	)

	scalc := Power(in.Ybus, v, in.Ibus)
	norm := infNorm(mismatchVector(scalc, in.Sbus, pvpq, pq))
	converged := norm < in.Tolerance

	for !converged && iter < in.MaxIter {
		if update {
			j := jacobian(in.Ybus, v, in.Ibus, pvpq, pq)
			h = mat.NewDense(size, size, nil)
			j.Do(func(r, c int, x complex128) {
				h.Set(r, c, real(x))
			})
			hth = mat.NewDense(size, size, nil)
			hth.Mul(h.T(), h)
		}

		scalc = Power(in.Ybus, v, in.Ibus)
		dz := mismatchVector(scalc, in.Sbus, pvpq, pq)

		if iter == 0 {
			d := 0.0
			for k := range size {
				d = max(d, hth.At(k, k))
			}
			lambda = 1e-3 * d
		}

		var rhsVec mat.VecDense
		rhsVec.MulVec(h.T(), mat.NewVecDense(size, dz))
		rhs := rhsVec.RawVector().Data

		lu, err := matrix.NewLU(size, false)
		if err != nil {
			in.Logger.Warn("Normal equations setup failed", "error", err)
			break
		}
		for r := range size {
			for c := range size {
				x := hth.At(r, c)
				if r == c {
					x += lambda
				}
				if x != 0 {
					lu.AddElement(r, c, x)
				}
			}
		}
		dx, err := lu.Solve(rhs)
		lu.Destroy()
		if err != nil {
			in.Logger.Debug("Normal equations are singular, stopping", "iteration", iter, "error", err)
			break
		}

		f := 0.5 * dot(dz, dz)
		val := 0.0
		for k := range dx {
			val += dx[k] * (lambda*dx[k] + rhs[k])
		}
		rho := -1.0
		if val > 0 {
			rho = (fPrev - f) / (0.5 * val)
		}

		if rho >= 0 {
			update = true
			lambda *= max(1.0/3.0, 1-math.Pow(2*rho-1, 3))
			nu = 2

			for k, i := range pvpq {
				va[i] -= dx[k]
			}
			for k, i := range pq {
				vm[i] -= dx[npvpq+k]
			}
			v = rect(vm, va)
			vm, va = polar(v)
		} else {
			update = false
			lambda *= nu
			nu *= 2
		}

		scalc = Power(in.Ybus, v, in.Ibus)
		norm = infNorm(mismatchVector(scalc, in.Sbus, pvpq, pq))
		converged = norm < in.Tolerance
		fPrev = f
		iter++

		in.Logger.Debug("Levenberg-Marquardt iteration",
			"iteration", iter, "lambda", lambda, "rho", rho, "norm", norm)
	}

	return Output{
		V:          v,
		Scalc:      scalc,
		Converged:  converged,
		Norm:       norm,
		Iterations: iter,
	}
}
