package analysis

import (
	"context"
	"errors"
	"fmt"
	"math/cmplx"
	"slices"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"gonum.org/v1/gonum/mat"
)

// ShortCircuitResult is the post-fault state of one island. Faulted, If
// and FaultMVA are aligned.
type ShortCircuitResult struct {
	V        []complex128
	Faulted  []int
	If       []complex128 // Fault current (p.u.)
	FaultMVA []float64
	Flows    BranchFlows
}

// ComputeShortCircuit applies simultaneous faults at the faulted buses of
// a solved island by superposition on the pre-fault voltage:
//
//	If = (Zbus[f,f] + diag(zf))⁻¹ · Vpre[f]
//	V  = Vpre - Zbus[:,f] · If
//
// zf holds the fault impedance per faulted bus; nil takes the bus values.
func ComputeShortCircuit(ctx context.Context, c *circuit.Circuit, base *IslandResult, faulted []int, zf []complex128) (*ShortCircuitResult, error) {
	sys := c.System
	if sys == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, c.Name())
	}
	n := sys.NumBuses()
	if base == nil || len(base.V) != n {
		return nil, fmt.Errorf("island %s: base case does not match the island", c.Name())
	}
	for _, f := range faulted {
		if f < 0 || f >= n {
			return nil, fmt.Errorf("%w: index %d in island %s", ErrBusNotFound, f, c.Name())
		}
	}
	if zf == nil {
		zf = make([]complex128, len(faulted))
		for k, f := range faulted {
			zf[k] = sys.Zf[f]
		}
	}
	if len(zf) != len(faulted) {
		return nil, fmt.Errorf("%w: %d fault impedances for %d buses", matrix.ErrDimension, len(zf), len(faulted))
	}

	res := &ShortCircuitResult{
		V:        slices.Clone(base.V),
		Faulted:  slices.Clone(faulted),
		If:       make([]complex128, len(faulted)),
		FaultMVA: make([]float64, len(faulted)),
	}
	if n < 2 || len(faulted) == 0 {
		res.Flows = ComputeBranchFlows(sys, res.V)
		return res, nil
	}

	zbus, err := c.Zbus()
	if err != nil {
		return nil, fmt.Errorf("island %s: %w", c.Name(), err)
	}

	nf := len(faulted)
	zff := mat.NewCDense(nf, nf, nil)
	vpre := make([]complex128, nf)
	for a, fa := range faulted {
		for b, fb := range faulted {
			zff.Set(a, b, zbus.At(fa, fb))
		}
		zff.Set(a, a, zff.At(a, a)+zf[a])
		vpre[a] = base.V[fa]
	}
	ifault, err := matrix.SolveDenseComplex(zff, vpre)
	if err != nil {
		return nil, fmt.Errorf("island %s fault impedance: %w", c.Name(), err)
	}

	for i := range n {
		var dv complex128
		for k, f := range faulted {
			dv += zbus.At(i, f) * ifault[k]
		}
		res.V[i] -= dv
	}
	for k := range faulted {
		res.If[k] = ifault[k]
		res.FaultMVA[k] = cmplx.Abs(vpre[k]) * cmplx.Abs(ifault[k]) * sys.Sbase
	}
	res.Flows = ComputeBranchFlows(sys, res.V)

	ctxlog.FromContext(ctx).Debug("Short circuit computed", "island", c.Name(), "faulted", len(faulted))
	return res, nil
}

// ShortCircuit solves the pre-fault power flow and then faults the named
// buses, all at once within each island.
type ShortCircuit struct {
	BaseAnalysis
	pf      *PowerFlow
	buses   []string
	faulted []int // Network bus indices

	PowerFlow *Results
	V         []complex128 // Post-fault network voltage
	Islands   []*ShortCircuitResult
}

func NewShortCircuit(buses []string, opts Options) *ShortCircuit {
	return &ShortCircuit{
		BaseAnalysis: *NewBaseAnalysis(opts),
		pf:           NewPowerFlow(opts),
		buses:        buses,
	}
}

func (sc *ShortCircuit) Setup(net *circuit.Network) error {
	if err := sc.pf.Setup(net); err != nil {
		return fmt.Errorf("power flow setup error: %w", err)
	}
	sc.faulted = sc.faulted[:0]
	for _, name := range sc.buses {
		_, i, ok := net.Bus(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrBusNotFound, name)
		}
		sc.faulted = append(sc.faulted, i)
	}
	if len(sc.faulted) == 0 {
		return fmt.Errorf("no faulted bus given")
	}
	sc.Network = net
	return nil
}

func (sc *ShortCircuit) Execute(ctx context.Context) error {
	net := sc.Network
	if net == nil {
		return fmt.Errorf("network not set")
	}

	pfErr := sc.pf.Execute(ctx)
	if sc.pf.Results == nil {
		return fmt.Errorf("power flow analysis error: %w", pfErr)
	}
	if errors.Is(pfErr, context.Canceled) || errors.Is(pfErr, context.DeadlineExceeded) {
		return pfErr
	}
	sc.PowerFlow = sc.pf.Results
	sc.V = slices.Clone(sc.PowerFlow.V)
	sc.Islands = nil

	for k, c := range net.Circuits {
		var local []int
		for _, i := range sc.faulted {
			if j := slices.Index(c.BusOriginalIdx, i); j >= 0 {
				local = append(local, j)
			}
		}
		if len(local) == 0 {
			continue
		}

		res, err := ComputeShortCircuit(ctx, c, sc.PowerFlow.Islands[k], local, nil)
		if err != nil {
			return err
		}
		sc.Islands = append(sc.Islands, res)
		for j, i := range c.BusOriginalIdx {
			sc.V[i] = res.V[j]
		}
		for f, j := range res.Faulted {
			name := c.System.BusNames[j]
			sc.results[fmt.Sprintf("SCC(%s)", name)] = []float64{res.FaultMVA[f]}
		}
	}

	phasors := make(map[string]complex128, len(sc.V))
	for i, name := range sc.PowerFlow.BusNames {
		phasors[fmt.Sprintf("V(%s)", name)] = sc.V[i]
	}
	sc.StorePhasors(phasors)
	return pfErr
}
