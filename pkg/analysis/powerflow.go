package analysis

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"golang.org/x/sync/errgroup"
)

// PowerFlow solves a snapshot of the network, island by island.
type PowerFlow struct {
	BaseAnalysis
	Results *Results

	lastV []complex128 // Network voltage of the previous Execute
}

func NewPowerFlow(opts Options) *PowerFlow {
	return &PowerFlow{
		BaseAnalysis: *NewBaseAnalysis(opts),
	}
}

func (pf *PowerFlow) Setup(net *circuit.Network) error {
	if net == nil {
		return fmt.Errorf("network not set")
	}
	if len(net.Buses) == 0 {
		return fmt.Errorf("network %s has no buses", net.Name)
	}
	pf.Network = net
	return nil
}

// Execute compiles the network and solves it. Every call recompiles, so
// changes to the topology, the device set points or the time index since
// the previous call are always seen. A compile error is returned after
// solving: the islands it did not affect are still solved and the broken
// ones carry their diagnostics.
func (pf *PowerFlow) Execute(ctx context.Context) error {
	net := pf.Network
	if net == nil {
		return fmt.Errorf("network not set")
	}

	compileErr := net.Compile(ctx, pf.Options.compileOptions())

	var seed []complex128
	if pf.Options.SeedFromPrevious {
		seed = pf.lastV
	}
	res, err := solveNetwork(ctx, net, pf.Options, seed)
	if err != nil {
		return errors.Join(compileErr, err)
	}

	pf.Results = res
	pf.lastV = res.V
	pf.storeResults()

	return errors.Join(compileErr, ctx.Err())
}

func (pf *PowerFlow) storeResults() {
	res := pf.Results
	phasors := make(map[string]complex128, len(res.V)+len(res.Power))
	for i, name := range res.BusNames {
		phasors[fmt.Sprintf("V(%s)", name)] = res.V[i]
		pf.results[fmt.Sprintf("P(%s)", name)] = []float64{real(res.Sbus[i])}
		pf.results[fmt.Sprintf("Q(%s)", name)] = []float64{imag(res.Sbus[i])}
	}
	for j, name := range res.BranchNames {
		phasors[fmt.Sprintf("I(%s)", name)] = res.Current[j]
		pf.results[fmt.Sprintf("PF(%s)", name)] = []float64{real(res.Power[j])}
		pf.results[fmt.Sprintf("QF(%s)", name)] = []float64{imag(res.Power[j])}
		pf.results[fmt.Sprintf("LOSS(%s)", name)] = []float64{real(res.Losses[j])}
		pf.results[fmt.Sprintf("LOADING(%s)", name)] = []float64{res.Loading[j]}
	}
	// A snapshot replaces the previous one.
	for name := range phasors {
		delete(pf.results, name+"_MAG")
		delete(pf.results, name+"_PHASE")
	}
	pf.StorePhasors(phasors)
}

// solveNetwork solves every compiled island and merges the solutions.
// Islands run concurrently with opts.Parallel; the merge follows island
// order either way.
func solveNetwork(ctx context.Context, net *circuit.Network, opts Options, seed []complex128) (*Results, error) {
	if net.System == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, net.Name)
	}
	logger := ctxlog.FromContext(ctx)

	islands := make([]*IslandResult, len(net.Circuits))
	solveOne := func(ctx context.Context, k int) error {
		c := net.Circuits[k]
		var v0 []complex128
		if len(seed) == len(net.Buses) {
			v0 = make([]complex128, len(c.BusOriginalIdx))
			for local, i := range c.BusOriginalIdx {
				v0[local] = seed[i]
			}
		}
		res, err := SolveIsland(ctx, c, opts, v0)
		if err != nil {
			return err
		}
		islands[k] = res
		return nil
	}

	if opts.Parallel && len(net.Circuits) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for k := range net.Circuits {
			g.Go(func() error { return solveOne(gctx, k) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for k := range net.Circuits {
			if err := solveOne(ctx, k); err != nil {
				return nil, err
			}
		}
	}

	res := NewResults(net.System)
	for k, c := range net.Circuits {
		res.ApplyFromIsland(islands[k], c.BusOriginalIdx, c.BranchOriginalIdx)
	}

	logger.Info("Power flow finished",
		"network", net.Name,
		"islands", len(islands),
		"converged", res.Converged(),
		"error", res.Error())
	return res, nil
}
