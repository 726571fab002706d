package solver

import (
	"math"
	"math/cmplx"
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"gonum.org/v1/gonum/mat"
)

// iwamotoMultiplier picks the step length mu minimising the squared
// mismatch along the Newton direction, with the mismatch modelled as
// a - mu·b + mu²·c. b = J·dx, and c comes from the Jacobian evaluated at
// the voltage increment. Falls back to 1 when no usable root exists.
func iwamotoMultiplier(in *Input, j *matrix.Sparse, f, dx []float64, v []complex128, vm, va []float64) float64 {
	npvpq := len(in.PQPV)
	vmNext, vaNext := slices.Clone(vm), slices.Clone(va)
	for k, i := range in.PQPV {
		vaNext[i] -= dx[k]
	}
	for k, i := range in.PQ {
		vmNext[i] -= dx[npvpq+k]
	}
	next := rect(vmNext, vaNext)
	dv := make([]complex128, len(v))
	for i := range v {
		dv[i] = next[i] - v[i]
	}

	j2 := jacobian(in.Ybus, dv, nil, in.PQPV, in.PQ)

	a := f
	b := mulReal(j, dx)
	c := mulReal(j2, dx)
	for i := range c {
		c[i] *= 0.5
	}

	g0 := -dot(a, b)
	g1 := dot(b, b) + 2*dot(a, c)
	g2 := -3 * dot(b, c)
	g3 := 2 * dot(c, c)

	best := 1.0
	found := false
	for _, r := range realRoots([]float64{g3, g2, g1, g0}) {
		if r <= 0 || r > 2 {
			continue
		}
		if !found || math.Abs(r-1) < math.Abs(best-1) {
			best, found = r, true
		}
	}
	return best
}

// realRoots returns the real roots of the polynomial with coefficients in
// descending powers, from the eigenvalues of its companion matrix.
func realRoots(coeffs []float64) []float64 {
	scale := 0.0
	for _, c := range coeffs {
		scale = max(scale, math.Abs(c))
	}
	if scale == 0 {
		return nil
	}
	for len(coeffs) > 1 && math.Abs(coeffs[0]) <= 1e-12*scale {
		coeffs = coeffs[1:]
	}
	deg := len(coeffs) - 1
	switch deg {
	case 0:
		return nil
	case 1:
		return []float64{-coeffs[1] / coeffs[0]}
	}

	companion := mat.NewDense(deg, deg, nil)
	for k := range deg {
		companion.Set(0, k, -coeffs[k+1]/coeffs[0])
		if k > 0 {
			companion.Set(k, k-1, 1)
		}
	}

	var eig mat.Eigen
	if !eig.Factorize(companion, mat.EigenNone) {
		return nil
	}
	var roots []float64
	for _, z := range eig.Values(nil) {
		if math.Abs(imag(z)) <= 1e-9*max(1, cmplx.Abs(z)) {
			roots = append(roots, real(z))
		}
	}
	return roots
}
