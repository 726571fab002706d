package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/cmplx"
	"slices"
	"time"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/solver"
)

// Attempt is one solver call of the fallback chain.
type Attempt struct {
	Method     solver.Kind
	Converged  bool
	Norm       float64
	Iterations int
	Elapsed    time.Duration
}

// IslandResult is the power flow solution of one island in its local
// numbering. Sbus is the calculated injection in p.u.
type IslandResult struct {
	Name string

	V         []complex128
	Sbus      []complex128
	Types        []device.BusType // Types in force at the last round
	Partition    circuit.Partition
	Flows        BranchFlows
	TapPositions []int // Changer positions by local branch

	Converged       bool
	Error           float64
	InnerIterations int
	OuterIterations int
	Elapsed         time.Duration
	Methods         []solver.Kind
	Attempts        []Attempt
	AnyControlIssue bool

	Diagnostics []circuit.Diagnostic
}

func (r *IslandResult) record(attempts []solver.Output) {
	for _, out := range attempts {
		r.Methods = append(r.Methods, out.Method)
		r.Attempts = append(r.Attempts, Attempt{
			Method:     out.Method,
			Converged:  out.Converged,
			Norm:       out.Norm,
			Iterations: out.Iterations,
			Elapsed:    out.Elapsed,
		})
		r.InnerIterations += out.Iterations
	}
}

// qLimit remembers which reactive bound pinned a voltage controlled bus.
type qLimit int8

const (
	qFree qLimit = iota
	qAtMax
	qAtMin
)

// SolveIsland runs the power flow of a compiled island: the solver
// fallback chain inside the control loop that enforces reactive power
// limits and moves regulating tap changers. v0, when it has one entry per
// bus, seeds the PQ bus voltages and the angles of the rest. The compiled
// bus types are not modified; when a tap changer moved, the circuit gets
// the admittances of the final positions through Retap.
func SolveIsland(ctx context.Context, c *circuit.Circuit, opts Options, v0 []complex128) (*IslandResult, error) {
	sys := c.System
	if sys == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCompiled, c.Name())
	}
	opts = opts.withDefaults()
	logger := ctxlog.FromContext(ctx).With("island", c.Name())
	start := time.Now()

	n := sys.NumBuses()
	res := &IslandResult{
		Name:         c.Name(),
		Types:        sys.WorkingTypes(),
		Partition:    sys.Partition,
		TapPositions: slices.Clone(sys.TapPosition),
		Diagnostics:  slices.Clone(c.Diagnostics),
	}

	if d, fatal := c.Fatal(); fatal {
		res.V = make([]complex128, n)
		res.Sbus = make([]complex128, n)
		// An island without slack is left dead on purpose; anything else
		// is a broken island.
		res.Converged = d.Kind == circuit.DiagNoSlack
		res.Flows = ComputeBranchFlows(sys, res.V)
		res.Elapsed = time.Since(start)
		logger.Warn("Island not solved", "reason", d.String())
		return res, nil
	}

	types := res.Types
	partition := sys.Partition
	sbus := slices.Clone(sys.Sbus)
	v := seedVoltage(sys, types, v0)
	vset := make([]float64, n)
	for i, x := range sys.Vbus {
		vset[i] = cmplx.Abs(x)
	}
	pinned := make([]qLimit, n)
	regulators := c.Regulators()
	tapsMoved := false

	for outer := 0; outer < opts.MaxOuterIter; outer++ {
		if err := ctx.Err(); err != nil {
			res.Diagnostics = append(res.Diagnostics, circuit.Diagnostic{
				Kind:    circuit.DiagCancelled,
				Message: fmt.Sprintf("stopped before round %d", outer+1),
				Err:     err,
			})
			logger.Warn("Power flow cancelled", "round", outer+1)
			break
		}

		in := solverInput(sys, partition, sbus, v, opts, logger)
		out, attempts, err := solveWithFallback(in, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name(), err)
		}
		res.record(attempts)
		res.OuterIterations = outer + 1
		res.Converged = out.Converged
		res.Error = out.Norm
		v = out.V

		if !out.Converged {
			res.AnyControlIssue = false
			break
		}

		qIssue := false
		if opts.EnforceQLimits {
			qIssue = switchBusTypes(&controlState{
				types:  types,
				orig:   sys.Types,
				pinned: pinned,
				v:      v,
				sbus:   sbus,
				scalc:  out.Scalc,
				vset:   vset,
				qmin:   sys.Qmin,
				qmax:   sys.Qmax,
				names:  sys.BusNames,
				vtol:   opts.Tolerance,
			}, logger)
		}

		tapIssue := false
		if opts.ControlTaps && len(regulators) > 0 {
			tapIssue = moveTaps(c.Branches, regulators, sys.T, v, res.TapPositions, logger)
			if tapIssue {
				retapped, err := c.WithTaps(res.TapPositions)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", c.Name(), err)
				}
				sys = retapped
				tapsMoved = true
			}
		}

		res.AnyControlIssue = qIssue || tapIssue
		if !res.AnyControlIssue {
			break
		}

		if qIssue {
			partition, _ = circuit.CompileTypes(types, sbus, sys.BusNames, nil)
			if err := partition.Check(n); err != nil {
				panic(fmt.Sprintf("analysis: island %s: %v", c.Name(), err))
			}
		}
		logger.Debug("Control round",
			"round", outer+1,
			"pv", len(partition.PV),
			"pq", len(partition.PQ),
			"taps", tapIssue)
	}

	if res.AnyControlIssue {
		res.Diagnostics = append(res.Diagnostics, circuit.Diagnostic{
			Kind:    circuit.DiagControlLoop,
			Message: fmt.Sprintf("controls still acting after %d rounds", res.OuterIterations),
		})
		logger.Warn("Control loop did not settle", "rounds", res.OuterIterations)
	}
	if tapsMoved {
		c.Retap(sys)
	}

	res.V = v
	res.Partition = partition
	res.Sbus = solver.Power(sys.Ybus, v, sys.Ibus)
	res.Flows = ComputeBranchFlows(sys, v)
	res.Elapsed = time.Since(start)

	logger.Debug("Island solved",
		"converged", res.Converged,
		"error", res.Error,
		"inner", res.InnerIterations,
		"outer", res.OuterIterations,
		"methods", res.Methods)
	return res, nil
}

// seedVoltage is the initial guess: the compiled set points, optionally
// overridden by a previous solution.
func seedVoltage(sys *circuit.System, types []device.BusType, v0 []complex128) []complex128 {
	v := slices.Clone(sys.Vbus)
	if len(v0) != len(v) {
		return v
	}
	for i, x := range v0 {
		if x == 0 || cmplx.IsNaN(x) || cmplx.IsInf(x) {
			continue
		}
		switch types[i] {
		case device.PQ, device.STO_DISPATCH:
			v[i] = x
		case device.PV:
			v[i] = cmplx.Rect(cmplx.Abs(v[i]), cmplx.Phase(x))
		}
	}
	return v
}

func solverInput(sys *circuit.System, p circuit.Partition, sbus, v []complex128, opts Options, logger *slog.Logger) solver.Input {
	pq := p.SolverPQ()
	pqpv := append(slices.Clone(pq), p.PV...)
	slices.Sort(pqpv)
	return solver.Input{
		Ybus:             sys.Ybus,
		Yseries:          sys.Yseries,
		Yshunt:           sys.Yshunt,
		B1:               sys.B1,
		B2:               sys.B2,
		Sbus:             sbus,
		Ibus:             sys.Ibus,
		V0:               v,
		PV:               p.PV,
		PQ:               pq,
		Ref:              p.Ref,
		PQPV:             pqpv,
		Tolerance:        opts.Tolerance,
		MaxIter:          opts.MaxInnerIter,
		HelmCoefficients: opts.HelmCoefficients,
		Logger:           logger,
		Verbose:          opts.Verbose,
	}
}

// solveWithFallback tries the primary solver, then the auxiliary one, then
// the primary again from the auxiliary voltage. When all fail the
// auxiliary voltage is returned. Every call made is listed in attempts.
func solveWithFallback(in solver.Input, opts Options, logger *slog.Logger) (solver.Output, []solver.Output, error) {
	primary := opts.primaryKind()
	out, err := solver.Solve(primary, in)
	if err != nil {
		return solver.Output{}, nil, err
	}
	attempts := []solver.Output{out}
	if out.Converged || primary == solver.DC {
		return out, attempts, nil
	}

	best := out
	if aux := opts.AuxSolverKind; aux != primary {
		logger.Info("Solver did not converge, trying the auxiliary solver",
			"method", primary, "norm", out.Norm, "aux", aux)
		auxOut, err := solver.Solve(aux, in)
		if err != nil {
			return solver.Output{}, attempts, err
		}
		attempts = append(attempts, auxOut)
		if auxOut.Converged {
			return auxOut, attempts, nil
		}
		best = auxOut
	}

	retry := in
	retry.V0 = slices.Clone(best.V)
	for i := range retry.V0 {
		if cmplx.IsNaN(retry.V0[i]) || cmplx.IsInf(retry.V0[i]) {
			retry.V0[i] = in.V0[i]
		}
	}
	for _, i := range in.PV {
		retry.V0[i] = cmplx.Rect(cmplx.Abs(in.V0[i]), cmplx.Phase(retry.V0[i]))
	}
	for _, i := range in.Ref {
		retry.V0[i] = in.V0[i]
	}
	logger.Info("Retrying from the best estimate", "method", primary, "norm", best.Norm)
	second, err := solver.Solve(primary, retry)
	if err != nil {
		return solver.Output{}, attempts, err
	}
	attempts = append(attempts, second)
	if second.Converged {
		return second, attempts, nil
	}
	return best, attempts, nil
}

type controlState struct {
	types  []device.BusType // Working types, updated in place
	orig   []device.BusType
	pinned []qLimit
	v      []complex128 // Updated in place for buses released to PV
	sbus   []complex128 // Updated in place for buses pinned to PQ
	scalc  []complex128
	vset   []float64
	qmin   []float64
	qmax   []float64
	names  []string
	vtol   float64
}

// switchBusTypes applies the reactive power limits after a converged solve
// and reports whether any bus changed type. A PV bus outside [Qmin, Qmax]
// becomes PQ at the violated bound. A pinned bus goes back to PV only when
// its voltage is on the side the generator could correct: above the set
// point when pinned at Qmax, below it when pinned at Qmin.
func switchBusTypes(st *controlState, logger *slog.Logger) bool {
	changed := false
	for i, t := range st.types {
		q := imag(st.scalc[i])
		switch {
		case t == device.PV:
			var bound float64
			switch {
			case q >= st.qmax[i]:
				bound, st.pinned[i] = st.qmax[i], qAtMax
			case q <= st.qmin[i]:
				bound, st.pinned[i] = st.qmin[i], qAtMin
			default:
				continue
			}
			st.types[i] = device.PQ
			st.sbus[i] = complex(real(st.sbus[i]), bound)
			changed = true
			logger.Debug("Bus switched from PV to PQ", "bus", st.names[i], "q", q, "limit", bound)

		case t == device.PQ && st.orig[i] == device.PV:
			vm := cmplx.Abs(st.v[i])
			release := (st.pinned[i] == qAtMax && vm > st.vset[i]+st.vtol) ||
				(st.pinned[i] == qAtMin && vm < st.vset[i]-st.vtol)
			if !release {
				continue
			}
			st.types[i] = device.PV
			st.pinned[i] = qFree
			st.v[i] = cmplx.Rect(st.vset[i], cmplx.Phase(st.v[i]))
			changed = true
			logger.Debug("Bus switched back from PQ to PV", "bus", st.names[i], "vm", vm, "vset", st.vset[i])
		}
	}
	return changed
}

// moveTaps sets every regulating changer, in one step, to the position
// that brings its to-bus voltage closest to the set point, within the
// changer range. It reports whether any position changed.
func moveTaps(branches []*device.Branch, regulators, to []int, v []complex128, positions []int, logger *slog.Logger) bool {
	changed := false
	for _, j := range regulators {
		br := branches[j]
		vm := cmplx.Abs(v[to[j]])
		module := br.TapModuleAt(positions[j])

		desired := vm / br.Vset * module
		pos := int(math.Round((desired - 1) / br.TapStep))
		pos = min(max(pos, br.TapMin), br.TapMax)
		if pos == positions[j] {
			continue
		}
		logger.Debug("Tap changer moved",
			"branch", br.Name,
			"from", positions[j],
			"to", pos,
			"vm", vm,
			"vset", br.Vset)
		positions[j] = pos
		changed = true
	}
	return changed
}
