package analysis

import (
	"context"
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
)

// TimeSeries runs the power flow at every step of the device profiles,
// recompiling the network per step.
type TimeSeries struct {
	BaseAnalysis
	startStep int
	stopStep  int // Exclusive; 0 runs to the end of the profiles

	Results []*Results // One per step from startStep
}

func NewTimeSeries(start, stop int, opts Options) *TimeSeries {
	return &TimeSeries{
		BaseAnalysis: *NewBaseAnalysis(opts),
		startStep:    start,
		stopStep:     stop,
	}
}

func (ts *TimeSeries) Setup(net *circuit.Network) error {
	if net == nil {
		return fmt.Errorf("network not set")
	}
	steps := net.ProfileLength()
	if steps == 0 {
		return fmt.Errorf("network %s has no profiles", net.Name)
	}
	if ts.stopStep <= 0 || ts.stopStep > steps {
		ts.stopStep = steps
	}
	if ts.startStep < 0 || ts.startStep >= ts.stopStep {
		return fmt.Errorf("step range %d..%d outside 0..%d", ts.startStep, ts.stopStep, steps)
	}
	ts.Network = net
	return nil
}

// Execute solves the steps in order. A step that fails to compile is
// still solved with what compiled; its error is joined into the result.
// Cancellation stops between steps.
func (ts *TimeSeries) Execute(ctx context.Context) error {
	net := ts.Network
	if net == nil {
		return fmt.Errorf("network not set")
	}
	logger := ctxlog.FromContext(ctx)

	ts.Results = nil
	var errs []error
	var seed []complex128
	for t := ts.startStep; t < ts.stopStep; t++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("Time series cancelled", "step", t)
			return errors.Join(append(errs, err)...)
		}

		opts := ts.Options
		opts.TimeIndex = t
		if err := net.Compile(ctx, opts.compileOptions()); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", t, err))
		}

		res, err := solveNetwork(ctx, net, opts, seed)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("step %d: %w", t, err))...)
		}
		ts.Results = append(ts.Results, res)
		if ts.Options.SeedFromPrevious {
			seed = res.V
		}

		ts.storeStep(t, res)
		logger.Debug("Time step solved", "step", t, "converged", res.Converged(), "error", res.Error())
	}
	return errors.Join(errs...)
}

func (ts *TimeSeries) storeStep(t int, res *Results) {
	solution := make(map[string]float64, 2*len(res.V)+len(res.Loading)+1)
	for i, name := range res.BusNames {
		solution[fmt.Sprintf("VM(%s)", name)] = cmplx.Abs(res.V[i])
		solution[fmt.Sprintf("VA(%s)", name)] = cmplx.Phase(res.V[i])
	}
	for j, name := range res.BranchNames {
		solution[fmt.Sprintf("LOADING(%s)", name)] = res.Loading[j]
		solution[fmt.Sprintf("LOSS(%s)", name)] = real(res.Losses[j])
	}
	converged := 0.0
	if res.Converged() {
		converged = 1
	}
	solution["CONVERGED"] = converged
	solution["ERROR"] = res.Error()
	ts.StoreStepResult(float64(t), solution)
}
