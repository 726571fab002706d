package analysis

import (
	"context"
	"errors"
	"math"
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/solver"
)

var (
	ErrNotCompiled = circuit.ErrNotCompiled
	ErrBusNotFound = errors.New("analysis: bus not found")
)

type Analysis interface {
	Setup(net *circuit.Network) error
	Execute(ctx context.Context) error
	GetResults() map[string][]float64
}

// Options configures a power flow run.
type Options struct {
	SolverKind    solver.Kind
	AuxSolverKind solver.Kind // Fallback when SolverKind does not converge

	Tolerance    float64
	MaxInnerIter int
	MaxOuterIter int

	EnforceQLimits   bool
	ControlTaps      bool // Move regulating tap changers between rounds
	SeedFromPrevious bool
	Verbose          bool

	Robust           bool // Iwamoto multiplier for the default Newton solver
	DispatchStorage  bool
	HelmCoefficients int
	Parallel         bool // Solve islands concurrently
	TimeIndex        int  // Profile step, negative for snapshot values
}

func DefaultOptions() Options {
	return Options{
		SolverKind:       solver.NewtonRaphson,
		AuxSolverKind:    solver.HELM,
		Tolerance:        consts.TOLERANCE,
		MaxInnerIter:     consts.MAX_INNER_ITER,
		MaxOuterIter:     consts.MAX_OUTER_ITER,
		EnforceQLimits:   true,
		ControlTaps:      true,
		DispatchStorage:  true,
		HelmCoefficients: consts.HELM_COEFFICIENTS,
		TimeIndex:        -1,
	}
}

func (o Options) compileOptions() circuit.CompileOptions {
	return circuit.CompileOptions{TimeIndex: o.TimeIndex, DispatchStorage: o.DispatchStorage}
}

// primaryKind is the first solver the fallback chain tries.
func (o Options) primaryKind() solver.Kind {
	if o.SolverKind == solver.NewtonRaphson && o.Robust {
		return solver.Iwamoto
	}
	return o.SolverKind
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SolverKind == 0 {
		o.SolverKind = d.SolverKind
	}
	if o.AuxSolverKind == 0 {
		o.AuxSolverKind = d.AuxSolverKind
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.MaxInnerIter <= 0 {
		o.MaxInnerIter = d.MaxInnerIter
	}
	if o.MaxOuterIter <= 0 {
		o.MaxOuterIter = d.MaxOuterIter
	}
	if o.HelmCoefficients <= 0 {
		o.HelmCoefficients = d.HelmCoefficients
	}
	return o
}

type BaseAnalysis struct {
	Network *circuit.Network
	Options Options
	results map[string][]float64 // key: quantity name, value: result by step
}

func NewBaseAnalysis(opts Options) *BaseAnalysis {
	return &BaseAnalysis{
		Options: opts.withDefaults(),
		results: make(map[string][]float64),
	}
}

// StoreStepResult appends one step of a sweep. A repeated step is ignored.
func (a *BaseAnalysis) StoreStepResult(step float64, solution map[string]float64) {
	if steps := a.results["STEP"]; len(steps) > 0 && steps[len(steps)-1] == step {
		return
	}
	a.results["STEP"] = append(a.results["STEP"], step)

	for name, value := range solution {
		a.results[name] = append(a.results[name], value)
	}
}

// StorePhasors appends magnitude and phase (degrees) of every value.
func (a *BaseAnalysis) StorePhasors(solution map[string]complex128) {
	for name, value := range solution {
		a.results[name+"_MAG"] = append(a.results[name+"_MAG"], cmplx.Abs(value))
		a.results[name+"_PHASE"] = append(a.results[name+"_PHASE"], cmplx.Phase(value)*180.0/math.Pi)
	}
}

func (a *BaseAnalysis) GetResults() map[string][]float64 {
	return a.results
}
