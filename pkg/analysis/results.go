package analysis

import (
	"fmt"
	"math/cmplx"
	"slices"
	"strings"
	"time"

	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/solver"
	"github.com/edp1096/toy-powerflow/pkg/util"
)

// Results is the power flow solution of a whole network, in the network
// numbering. Voltages and currents are in p.u., powers in MVA.
type Results struct {
	Sbase       float64
	BusNames    []string
	BranchNames []string
	F, T        []int

	V     []complex128
	Sbus  []complex128
	Types []device.BusType
	Vmin  []float64
	Vmax  []float64

	BranchFlows
	TapPosition []int // Changer positions after tap control

	Islands []*IslandResult // Island order of the network
}

func NewResults(sys *circuit.System) *Results {
	n := sys.NumBuses()
	types := make([]device.BusType, n)
	for i := range types {
		types[i] = device.NONE
	}
	return &Results{
		Sbase:       sys.Sbase,
		BusNames:    slices.Clone(sys.BusNames),
		BranchNames: slices.Clone(sys.BranchNames),
		F:           slices.Clone(sys.F),
		T:           slices.Clone(sys.T),
		V:           make([]complex128, n),
		Sbus:        make([]complex128, n),
		Types:       types,
		Vmin:        slices.Clone(sys.Vmin),
		Vmax:        slices.Clone(sys.Vmax),
		BranchFlows: newBranchFlows(sys.NumBranches()),
		TapPosition: slices.Clone(sys.TapPosition),
	}
}

// ApplyFromIsland writes an island solution at its original bus and branch
// indices. Index maps that do not fit the island panic.
func (r *Results) ApplyFromIsland(res *IslandResult, busIdx, brIdx []int) {
	if len(busIdx) != len(res.V) || len(brIdx) != len(res.Flows.Sf) {
		panic(fmt.Sprintf("analysis: island %s map %d buses/%d branches for %d/%d results",
			res.Name, len(busIdx), len(brIdx), len(res.V), len(res.Flows.Sf)))
	}

	sbase := complex(r.Sbase, 0)
	for k, i := range busIdx {
		r.V[i] = res.V[k]
		r.Sbus[i] = res.Sbus[k] * sbase
		r.Types[i] = res.Types[k]
	}
	for k, j := range brIdx {
		r.If[j] = res.Flows.If[k]
		r.It[j] = res.Flows.It[k]
		r.Sf[j] = res.Flows.Sf[k]
		r.St[j] = res.Flows.St[k]
		r.Vbranch[j] = res.Flows.Vbranch[k]
		r.Current[j] = res.Flows.Current[k]
		r.Power[j] = res.Flows.Power[k]
		r.Losses[j] = res.Flows.Losses[k]
		r.Loading[j] = res.Flows.Loading[k]
		if len(res.TapPositions) == len(brIdx) {
			r.TapPosition[j] = res.TapPositions[k]
		}
	}
	r.Islands = append(r.Islands, res)
}

// Converged is true when every island converged.
func (r *Results) Converged() bool {
	for _, res := range r.Islands {
		if !res.Converged {
			return false
		}
	}
	return true
}

// Error is the largest island mismatch.
func (r *Results) Error() float64 {
	e := 0.0
	for _, res := range r.Islands {
		e = max(e, res.Error)
	}
	return e
}

func (r *Results) Elapsed() time.Duration {
	var d time.Duration
	for _, res := range r.Islands {
		d += res.Elapsed
	}
	return d
}

func (r *Results) Diagnostics() []circuit.Diagnostic {
	var out []circuit.Diagnostic
	for _, res := range r.Islands {
		out = append(out, res.Diagnostics...)
	}
	return out
}

// LimitReport lists the operating limits a solution violates.
type LimitReport struct {
	Overloads     []int // Branches above their rating
	Overvoltages  []int
	Undervoltages []int

	OverloadSum      float64 // Σ (loading - 1) over the overloads
	VoltageDeviation float64 // Σ distance to the violated voltage bound (p.u.)

	// Buses at the ends of overloaded branches, where storage would relieve
	StorageCandidates []int
}

func (l LimitReport) Empty() bool {
	return len(l.Overloads) == 0 && len(l.Overvoltages) == 0 && len(l.Undervoltages) == 0
}

func (r *Results) CheckLimits() LimitReport {
	var rep LimitReport

	for j, loading := range r.Loading {
		if loading > 1 {
			rep.Overloads = append(rep.Overloads, j)
			rep.OverloadSum += loading - 1
			rep.StorageCandidates = append(rep.StorageCandidates, r.F[j], r.T[j])
		}
	}
	slices.Sort(rep.StorageCandidates)
	rep.StorageCandidates = slices.Compact(rep.StorageCandidates)

	for i, v := range r.V {
		if r.Types[i] == device.NONE {
			continue
		}
		vm := cmplx.Abs(v)
		switch {
		case vm > r.Vmax[i]:
			rep.Overvoltages = append(rep.Overvoltages, i)
			rep.VoltageDeviation += vm - r.Vmax[i]
		case vm < r.Vmin[i]:
			rep.Undervoltages = append(rep.Undervoltages, i)
			rep.VoltageDeviation += r.Vmin[i] - vm
		}
	}
	return rep
}

// ConvergenceReport renders one line per island.
func (r *Results) ConvergenceReport() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-24s %-9s %-10s %5s %5s %12s  %s\n",
		"island", "converged", "error", "inner", "outer", "elapsed", "methods")
	for _, res := range r.Islands {
		methods := make([]string, len(res.Methods))
		for k, m := range res.Methods {
			methods[k] = m.String()
		}
		if len(methods) == 0 {
			methods = []string{"-"}
		}
		fmt.Fprintf(&sb, "%-24s %-9t %-10.3e %5d %5d %12s  %s\n",
			res.Name,
			res.Converged,
			res.Error,
			res.InnerIterations,
			res.OuterIterations,
			util.FormatValueFactor(res.Elapsed.Seconds(), "s"),
			strings.Join(methods, " > "))
	}
	return sb.String()
}

// Methods lists every solver tried across the islands, in island order.
func (r *Results) Methods() []solver.Kind {
	var out []solver.Kind
	for _, res := range r.Islands {
		out = append(out, res.Methods...)
	}
	return out
}
