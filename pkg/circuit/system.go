package circuit

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// System is the compiled, per-unit form of a circuit: admittance matrices,
// injection vectors, limits and the bus type partition.
type System struct {
	Sbase float64

	Ybus    *matrix.Sparse // nbus x nbus
	Yseries *matrix.Sparse // nbus x nbus, series elements only
	Yf, Yt  *matrix.Sparse // nbr x nbus
	B1, B2  *matrix.Sparse // nbus x nbus, fast decoupled

	Yshunt   []complex128 // Shunt admittance per bus
	BusShunt []complex128 // Part of Yshunt owned by bus devices
	Ygen     []complex128 // Machine admittance to ground, short circuit only
	Sbus     []complex128 // Scheduled power injection
	Ibus     []complex128 // Scheduled current injection
	Vbus     []complex128 // Voltage set points / initial guess
	Zf       []complex128 // Fault impedance
	Vmin     []float64
	Vmax     []float64
	Qmin     []float64
	Qmax     []float64

	F, T           []int
	Rates          []float64 // MVA
	ActiveBranches []bool
	TapPosition    []int // Changer positions the admittances were built with

	Types []device.BusType
	Partition

	BusNames    []string
	BranchNames []string
}

// Partition splits the bus indices by type. PQPV is the sorted union of PQ
// and PV. Dead holds the NONE buses: inactive ones, which belong to no
// island and are never solved.
type Partition struct {
	PQ, PV, Ref, Sto, PQPV []int
	Dead                   []int
}

func NewSystem(nbus, nbr int, sbase float64) *System {
	return &System{
		Sbase:          sbase,
		Ybus:           matrix.NewSparse(nbus, nbus),
		Yseries:        matrix.NewSparse(nbus, nbus),
		Yf:             matrix.NewSparse(nbr, nbus),
		Yt:             matrix.NewSparse(nbr, nbus),
		B1:             matrix.NewSparse(nbus, nbus),
		B2:             matrix.NewSparse(nbus, nbus),
		Yshunt:         make([]complex128, nbus),
		BusShunt:       make([]complex128, nbus),
		Ygen:           make([]complex128, nbus),
		Sbus:           make([]complex128, nbus),
		Ibus:           make([]complex128, nbus),
		Vbus:           make([]complex128, nbus),
		Zf:             make([]complex128, nbus),
		Vmin:           make([]float64, nbus),
		Vmax:           make([]float64, nbus),
		Qmin:           make([]float64, nbus),
		Qmax:           make([]float64, nbus),
		F:              make([]int, nbr),
		T:              make([]int, nbr),
		Rates:          make([]float64, nbr),
		ActiveBranches: make([]bool, nbr),
		TapPosition:    make([]int, nbr),
		Types:          make([]device.BusType, nbus),
		BusNames:       make([]string, nbus),
		BranchNames:    make([]string, nbr),
	}
}

func (s *System) NumBuses() int    { return len(s.Sbus) }
func (s *System) NumBranches() int { return len(s.F) }

// Unsolvable reports a system without slack bus.
func (s *System) Unsolvable() bool { return len(s.Ref) == 0 }

// WorkingTypes returns a copy of the bus types for solve-scoped mutation.
func (s *System) WorkingTypes() []device.BusType {
	return slices.Clone(s.Types)
}

// BranchMatrices exposes the structures branches stamp into.
func (s *System) BranchMatrices() *device.BranchMatrices {
	return &device.BranchMatrices{
		Ybus:    s.Ybus,
		Yseries: s.Yseries,
		Yf:      s.Yf,
		Yt:      s.Yt,
		B1:      s.B1,
		B2:      s.B2,
		Yshunt:  s.Yshunt,
	}
}

// SolverPQ returns the buses solved with fixed P and Q: PQ plus
// storage-dispatch buses.
func (p Partition) SolverPQ() []int {
	if len(p.Sto) == 0 {
		return p.PQ
	}
	pq := append(slices.Clone(p.PQ), p.Sto...)
	slices.Sort(pq)
	return pq
}

// CompileTypes builds the partition for types. When no slack exists but PV
// buses do, the PV bus with the largest scheduled active power becomes the
// slack; types is updated in place to reflect it. The returned diagnostic
// is nil when nothing had to be fixed.
func CompileTypes(types []device.BusType, sbus []complex128, names []string, logger *slog.Logger) (Partition, *Diagnostic) {
	var p Partition
	for i, t := range types {
		switch t {
		case device.PQ:
			p.PQ = append(p.PQ, i)
		case device.PV:
			p.PV = append(p.PV, i)
		case device.REF:
			p.Ref = append(p.Ref, i)
		case device.STO_DISPATCH:
			p.Sto = append(p.Sto, i)
		default:
			p.Dead = append(p.Dead, i)
		}
	}

	var diag *Diagnostic
	if len(p.Ref) == 0 {
		if len(p.PV) == 0 {
			diag = &Diagnostic{
				Kind:    DiagNoSlack,
				Message: "no slack bus and no voltage controlled bus to promote",
				Err:     ErrNoSlack,
			}
			if logger != nil {
				logger.Warn("No slack buses selected")
			}
		} else {
			k := 0
			for j, i := range p.PV {
				if real(sbus[i]) > real(sbus[p.PV[k]]) {
					k = j
				}
			}
			i := p.PV[k]
			p.PV = slices.Delete(p.PV, k, k+1)
			p.Ref = []int{i}
			types[i] = device.REF

			name := fmt.Sprint(i)
			if i < len(names) && names[i] != "" {
				name = names[i]
			}
			diag = &Diagnostic{
				Kind:    DiagSlackPromoted,
				Element: name,
				Message: "voltage controlled bus promoted to slack",
			}
			if logger != nil {
				logger.Info("Setting bus as slack instead of pv", "bus", name, "index", i)
			}
		}
	}

	p.PQPV = append(slices.Clone(p.PQ), p.PV...)
	slices.Sort(p.PQPV)
	return p, diag
}

// Check verifies that the partition covers n buses exactly once.
func (p Partition) Check(n int) error {
	seen := make([]bool, n)
	for _, set := range [][]int{p.PQ, p.PV, p.Ref, p.Sto, p.Dead} {
		for _, i := range set {
			if i < 0 || i >= n {
				return fmt.Errorf("%w: bus %d outside 0..%d", ErrIndexOutOfRange, i, n-1)
			}
			if seen[i] {
				return fmt.Errorf("bus %d listed twice in the partition", i)
			}
			seen[i] = true
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("bus %d missing from the partition", i)
		}
	}
	return nil
}

// SetFrom writes an island's compiled system into this one at the given
// original indices. Mismatched maps are a compiler defect and panic.
func (s *System) SetFrom(island *System, busIdx, brIdx []int) {
	if len(busIdx) != island.NumBuses() || len(brIdx) != island.NumBranches() {
		panic(fmt.Sprintf("circuit: island map %d buses/%d branches for a %d/%d system",
			len(busIdx), len(brIdx), island.NumBuses(), island.NumBranches()))
	}

	island.Ybus.ScatterInto(s.Ybus, busIdx, busIdx)
	island.Yseries.ScatterInto(s.Yseries, busIdx, busIdx)
	island.B1.ScatterInto(s.B1, busIdx, busIdx)
	island.B2.ScatterInto(s.B2, busIdx, busIdx)
	island.Yf.ScatterInto(s.Yf, brIdx, busIdx)
	island.Yt.ScatterInto(s.Yt, brIdx, busIdx)

	for k, i := range busIdx {
		s.Yshunt[i] = island.Yshunt[k]
		s.BusShunt[i] = island.BusShunt[k]
		s.Ygen[i] = island.Ygen[k]
		s.Sbus[i] = island.Sbus[k]
		s.Ibus[i] = island.Ibus[k]
		s.Vbus[i] = island.Vbus[k]
		s.Zf[i] = island.Zf[k]
		s.Vmin[i] = island.Vmin[k]
		s.Vmax[i] = island.Vmax[k]
		s.Qmin[i] = island.Qmin[k]
		s.Qmax[i] = island.Qmax[k]
		s.Types[i] = island.Types[k]
		s.BusNames[i] = island.BusNames[k]
	}
	for k, i := range brIdx {
		s.F[i] = busIdx[island.F[k]]
		s.T[i] = busIdx[island.T[k]]
		s.Rates[i] = island.Rates[k]
		s.ActiveBranches[i] = island.ActiveBranches[k]
		s.TapPosition[i] = island.TapPosition[k]
		s.BranchNames[i] = island.BranchNames[k]
	}

	mapIdx := func(local []int) []int {
		out := make([]int, len(local))
		for k, i := range local {
			out[k] = busIdx[i]
		}
		return out
	}
	s.PQ = mergeSorted(s.PQ, mapIdx(island.PQ))
	s.PV = mergeSorted(s.PV, mapIdx(island.PV))
	s.Ref = mergeSorted(s.Ref, mapIdx(island.Ref))
	s.Sto = mergeSorted(s.Sto, mapIdx(island.Sto))
	s.PQPV = mergeSorted(s.PQPV, mapIdx(island.PQPV))
	s.Dead = mergeSorted(s.Dead, mapIdx(island.Dead))
}

func mergeSorted(a, b []int) []int {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return out
}
