package analysis

import (
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
)

// BranchFlows are the branch quantities derived from a voltage solution.
// Currents are in p.u., powers in MVA.
type BranchFlows struct {
	If, It  []complex128
	Sf, St  []complex128
	Vbranch []complex128 // Vf - Vt (p.u.)

	// The end with the larger current magnitude
	Current []complex128
	Power   []complex128

	Losses  []complex128
	Loading []float64 // |Power| / rate
}

func newBranchFlows(m int) BranchFlows {
	return BranchFlows{
		If:      make([]complex128, m),
		It:      make([]complex128, m),
		Sf:      make([]complex128, m),
		St:      make([]complex128, m),
		Vbranch: make([]complex128, m),
		Current: make([]complex128, m),
		Power:   make([]complex128, m),
		Losses:  make([]complex128, m),
		Loading: make([]float64, m),
	}
}

// ComputeBranchFlows evaluates If = Yf·V and It = Yt·V and the powers
// that follow from them.
func ComputeBranchFlows(sys *circuit.System, v []complex128) BranchFlows {
	m := sys.NumBranches()
	fl := newBranchFlows(m)
	if m == 0 {
		return fl
	}

	ifr := sys.Yf.MulVec(v)
	ito := sys.Yt.MulVec(v)
	sbase := complex(sys.Sbase, 0)

	for k := range m {
		f, t := sys.F[k], sys.T[k]
		fl.If[k], fl.It[k] = ifr[k], ito[k]
		fl.Sf[k] = v[f] * cmplx.Conj(ifr[k]) * sbase
		fl.St[k] = v[t] * cmplx.Conj(ito[k]) * sbase
		fl.Vbranch[k] = v[f] - v[t]
		fl.Losses[k] = fl.Sf[k] + fl.St[k]

		if cmplx.Abs(ito[k]) > cmplx.Abs(ifr[k]) {
			fl.Current[k], fl.Power[k] = ito[k], fl.St[k]
		} else {
			fl.Current[k], fl.Power[k] = ifr[k], fl.Sf[k]
		}

		rate := sys.Rates[k]
		if rate <= 0 {
			rate = consts.MIN_RATE
		}
		fl.Loading[k] = cmplx.Abs(fl.Power[k]) / rate
	}
	return fl
}
