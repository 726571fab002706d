package analysis

import (
	"context"
	"io"
	"log/slog"
	"math/cmplx"
	"strings"
	"testing"

	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/solver"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addTwoBus adds a slack feeding a 100 + j50 MVA load through r + j0.1.
func addTwoBus(t *testing.T, n *circuit.Network, prefix string, r float64) (*device.Bus, *device.Bus, *device.Branch) {
	t.Helper()
	slack := n.AddBus(device.NewBus(prefix+"slack", 20))
	slack.IsSlack = true
	load := n.AddBus(device.NewBus(prefix+"load", 20))
	require.NoError(t, load.Add(device.NewLoad(prefix+"ld", complex(100, 50))))
	br := device.NewBranch(prefix+"line", slack, load, r, 0.1, 0, 0)
	br.Rate = 200
	_, err := n.AddBranch(br)
	require.NoError(t, err)
	return slack, load, br
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func run(t *testing.T, n *circuit.Network, opts Options) *PowerFlow {
	t.Helper()
	pf := NewPowerFlow(opts)
	require.NoError(t, pf.Setup(n))
	require.NoError(t, pf.Execute(context.Background()))
	return pf
}

func TestPowerFlowTwoBus(t *testing.T) {
	n := circuit.NewNetwork("two-bus", 100)
	addTwoBus(t, n, "", 0.01)

	pf := run(t, n, DefaultOptions())
	res := pf.Results

	require.Len(t, res.Islands, 1)
	island := res.Islands[0]
	assert.True(t, island.Converged)
	assert.Less(t, island.Error, 1e-6)
	assert.LessOrEqual(t, island.InnerIterations, 10)
	assert.Equal(t, 1, island.OuterIterations)
	assert.Equal(t, []solver.Kind{solver.NewtonRaphson}, island.Methods)
	assert.Less(t, cmplx.Abs(res.V[1]), 1.0)

	// The calculated injection at the load is the scheduled one, in MVA.
	assert.InDelta(t, -100, real(res.Sbus[1]), 1e-3)
	assert.InDelta(t, -50, imag(res.Sbus[1]), 1e-3)

	results := pf.GetResults()
	require.Contains(t, results, "V(load)_MAG")
	assert.InDelta(t, cmplx.Abs(res.V[1]), results["V(load)_MAG"][0], 1e-12)
	assert.Contains(t, results, "LOADING(line)")
}

func TestPowerFlowIdempotentWithSeed(t *testing.T) {
	n := circuit.NewNetwork("seeded", 100)
	addTwoBus(t, n, "", 0.01)

	opts := DefaultOptions()
	opts.SeedFromPrevious = true
	pf := NewPowerFlow(opts)
	require.NoError(t, pf.Setup(n))
	require.NoError(t, pf.Execute(context.Background()))
	first := pf.Results

	require.NoError(t, pf.Execute(context.Background()))
	second := pf.Results

	assert.Zero(t, second.Islands[0].InnerIterations)
	assert.LessOrEqual(t, second.Error(), first.Error())
	for i := range first.V {
		assert.InDelta(t, 0, cmplx.Abs(first.V[i]-second.V[i]), 1e-9)
	}
	assert.Len(t, pf.GetResults()["V(load)_MAG"], 1, "a new snapshot replaces the old one")
}

func TestExecuteFollowsTopologyChanges(t *testing.T) {
	n := circuit.NewNetwork("switching", 100)
	_, _, br := addTwoBus(t, n, "", 0.01)

	pf := NewPowerFlow(DefaultOptions())
	require.NoError(t, pf.Setup(n))
	require.NoError(t, pf.Execute(context.Background()))
	closed := pf.Results
	require.Len(t, closed.Islands, 1)
	assert.NotZero(t, closed.V[1])

	br.Active = false
	require.NoError(t, pf.Execute(context.Background()))
	open := pf.Results
	require.Len(t, open.Islands, 2)
	assert.Zero(t, open.V[1], "the load is cut off from the slack")
	assert.Zero(t, open.Sf[0])
	require.NoError(t, n.System.Partition.Check(2))

	br.Active = true
	require.NoError(t, pf.Execute(context.Background()))
	require.Len(t, pf.Results.Islands, 1)
	assert.InDelta(t, 0, cmplx.Abs(closed.V[1]-pf.Results.V[1]), 1e-9)
}

// tapRegulated feeds the two bus load through a regulating transformer.
func tapRegulated(t *testing.T, tapMin int) (*circuit.Network, *device.Branch) {
	t.Helper()
	n := circuit.NewNetwork("regulated", 100)
	_, _, br := addTwoBus(t, n, "", 0.01)
	br.TapControl = true
	br.Vset = 1
	br.TapStep = 0.01
	br.TapMin, br.TapMax = tapMin, 10
	return n, br
}

func TestTapChangerHoldsVoltage(t *testing.T) {
	n, br := tapRegulated(t, -10)
	res := run(t, n, DefaultOptions()).Results
	island := res.Islands[0]

	assert.True(t, island.Converged)
	assert.False(t, island.AnyControlIssue)
	assert.Greater(t, island.OuterIterations, 1)
	assert.Negative(t, res.TapPosition[0], "the from side ratio drops to raise the load bus")
	assert.GreaterOrEqual(t, res.TapPosition[0], -10)
	assert.InDelta(t, 1.0, cmplx.Abs(res.V[1]), 0.01)

	// The circuit keeps the final positions, the device and the network
	// system keep the compiled ones.
	assert.Equal(t, res.TapPosition, n.Circuits[0].System.TapPosition)
	assert.Equal(t, []int{0}, n.System.TapPosition)
	assert.Zero(t, br.TapPosition)
}

func TestTapChangerStopsAtItsLimit(t *testing.T) {
	n, _ := tapRegulated(t, -3)
	res := run(t, n, DefaultOptions()).Results
	island := res.Islands[0]

	assert.True(t, island.Converged)
	assert.False(t, island.AnyControlIssue)
	assert.Equal(t, []int{-3}, res.TapPosition)
	assert.Less(t, cmplx.Abs(res.V[1]), 0.99)
}

func TestTapControlOff(t *testing.T) {
	n, _ := tapRegulated(t, -10)
	opts := DefaultOptions()
	opts.ControlTaps = false
	res := run(t, n, opts).Results

	assert.Equal(t, []int{0}, res.TapPosition)
	assert.Equal(t, 1, res.Islands[0].OuterIterations)
	assert.Less(t, cmplx.Abs(res.V[1]), 0.96)
}

func TestMoveTapsRoundsAndClamps(t *testing.T) {
	mk := func(name string, lo, hi int) *device.Branch {
		br := device.NewBranch(name, nil, nil, 0, 0.1, 0, 0)
		br.TapControl = true
		br.Vset = 1
		br.TapStep = 0.0125
		br.TapMin, br.TapMax = lo, hi
		return br
	}
	branches := []*device.Branch{mk("a", -16, 16), mk("b", -2, 2), mk("c", -16, 16)}
	to := []int{1, 2, 3}
	v := []complex128{1, 0.95, 0.95, 1}
	positions := []int{0, 0, 0}

	changed := moveTaps(branches, []int{0, 1, 2}, to, v, positions, discardLogger())

	assert.True(t, changed)
	assert.Equal(t, []int{-4, -2, 0}, positions, "0.95 p.u. asks for 0.95, four steps down")

	assert.False(t, moveTaps(branches, []int{2}, to, v, positions, discardLogger()))
}

func TestIslandMergeRoundTrip(t *testing.T) {
	both := circuit.NewNetwork("both", 100)
	addTwoBus(t, both, "a-", 0.01)
	addTwoBus(t, both, "b-", 0.02)

	alone := map[string]*circuit.Network{
		"a-": circuit.NewNetwork("a", 100),
		"b-": circuit.NewNetwork("b", 100),
	}
	addTwoBus(t, alone["a-"], "a-", 0.01)
	addTwoBus(t, alone["b-"], "b-", 0.02)

	for _, parallel := range []bool{false, true} {
		opts := DefaultOptions()
		opts.Parallel = parallel
		merged := run(t, both, opts).Results
		require.Len(t, merged.Islands, 2)
		assert.True(t, merged.Converged())

		for k, prefix := range []string{"a-", "b-"} {
			single := run(t, alone[prefix], DefaultOptions()).Results
			for i := range single.V {
				assert.InDelta(t, 0, cmplx.Abs(single.V[i]-merged.V[2*k+i]), 1e-12, "%s bus %d", prefix, i)
			}
			assert.InDelta(t, 0, cmplx.Abs(single.Sf[0]-merged.Sf[k]), 1e-9)
		}
		assert.Equal(t, "both/island-0", merged.Islands[0].Name, "merge follows island order")
	}
}

func TestLosslessBranchConservation(t *testing.T) {
	n := circuit.NewNetwork("lossless", 100)
	addTwoBus(t, n, "", 0)

	res := run(t, n, DefaultOptions()).Results
	require.True(t, res.Converged())

	assert.InDelta(t, -real(res.St[0]), real(res.Sf[0]), 1e-9)
	assert.InDelta(t, 0, real(res.Losses[0]), 1e-9)
	assert.InDelta(t, 100, real(res.Sf[0]), 1e-3)
}

// threeBusQLimited has a PV bus that cannot hold 1.05 p.u. within 10 MVAr.
func threeBusQLimited(t *testing.T) *circuit.Network {
	n := circuit.NewNetwork("q-limited", 100)
	slack := n.AddBus(device.NewBus("slack", 20))
	slack.IsSlack = true
	pv := n.AddBus(device.NewBus("pv", 20))
	gen := device.NewControlledGenerator("g1", 20, 1.05)
	gen.Qmin = -10
	gen.Qmax = 10
	require.NoError(t, pv.Add(gen))
	ld := n.AddBus(device.NewBus("load", 20))
	require.NoError(t, ld.Add(device.NewLoad("ld", complex(100, 60))))
	for _, br := range []*device.Branch{
		device.NewBranch("l01", slack, pv, 0.01, 0.1, 0, 0),
		device.NewBranch("l12", pv, ld, 0.01, 0.1, 0, 0),
		device.NewBranch("l02", slack, ld, 0.01, 0.1, 0, 0),
	} {
		br.Rate = 100
		_, err := n.AddBranch(br)
		require.NoError(t, err)
	}
	return n
}

func TestReactiveLimitSwitching(t *testing.T) {
	n := threeBusQLimited(t)
	res := run(t, n, DefaultOptions()).Results
	island := res.Islands[0]

	assert.True(t, island.Converged)
	assert.False(t, island.AnyControlIssue)
	assert.LessOrEqual(t, island.OuterIterations, 10)
	assert.Greater(t, island.OuterIterations, 1)
	assert.Equal(t, device.PQ, res.Types[1])
	assert.InDelta(t, 10, imag(res.Sbus[1]), 1e-3)
	assert.Less(t, cmplx.Abs(res.V[1]), 1.05)
	require.NoError(t, island.Partition.Check(3))
	assert.Equal(t, []int{1, 2}, island.Partition.PQ)

	// The compiled types are not touched by the control loop.
	assert.Equal(t, device.PV, n.System.Types[1])
	assert.Equal(t, device.PV, n.Circuits[0].System.Types[1])
}

func TestReactiveLimitsOff(t *testing.T) {
	opts := DefaultOptions()
	opts.EnforceQLimits = false
	res := run(t, threeBusQLimited(t), opts).Results

	assert.Equal(t, device.PV, res.Types[1])
	assert.InDelta(t, 1.05, cmplx.Abs(res.V[1]), 1e-9)
	assert.Greater(t, imag(res.Sbus[1]), 10.0)
}

func TestSwitchBusTypesReleasesPinnedBus(t *testing.T) {
	st := &controlState{
		types:  []device.BusType{device.REF, device.PQ, device.PQ},
		orig:   []device.BusType{device.REF, device.PV, device.PV},
		pinned: []qLimit{qFree, qAtMax, qAtMin},
		v:      []complex128{1, complex(1.06, 0.01), complex(1.01, 0)},
		sbus:   []complex128{0, complex(0.2, 0.1), complex(0.2, -0.1)},
		scalc:  []complex128{0, complex(0.2, 0.1), complex(0.2, -0.1)},
		vset:   []float64{1, 1.05, 1.0},
		qmin:   []float64{-1, -0.1, -0.1},
		qmax:   []float64{1, 0.1, 0.1},
		names:  []string{"a", "b", "c"},
		vtol:   1e-6,
	}

	changed := switchBusTypes(st, discardLogger())

	assert.True(t, changed)
	assert.Equal(t, []device.BusType{device.REF, device.PV, device.PQ}, st.types,
		"above the set point at Qmax releases, above it at Qmin stays")
	assert.InDelta(t, 1.05, cmplx.Abs(st.v[1]), 1e-12)
	assert.Equal(t, []qLimit{qFree, qFree, qAtMin}, st.pinned)
}

func TestNoSlackIslandIsDeadButConverged(t *testing.T) {
	n := circuit.NewNetwork("mixed", 100)
	addTwoBus(t, n, "", 0.01)
	a := n.AddBus(device.NewBus("orphan-a", 20))
	b := n.AddBus(device.NewBus("orphan-b", 20))
	require.NoError(t, b.Add(device.NewLoad("ld", 10)))
	_, err := n.AddBranch(device.NewBranch("orphan", a, b, 0.01, 0.1, 0, 0))
	require.NoError(t, err)

	res := run(t, n, DefaultOptions()).Results
	require.Len(t, res.Islands, 2)

	dead := res.Islands[1]
	assert.True(t, dead.Converged)
	assert.Empty(t, dead.Methods)
	assert.Equal(t, []complex128{0, 0}, res.V[2:])

	kinds := make([]circuit.DiagnosticKind, 0)
	for _, d := range res.Diagnostics() {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, circuit.DiagNoSlack)
	assert.True(t, res.Islands[0].Converged)
}

// heavyChain is a five bus radial feeder asked for more power than it can
// carry, so no method can converge.
func heavyChain(t *testing.T) *circuit.Network {
	n := circuit.NewNetwork("heavy", 100)
	buses := make([]*device.Bus, 5)
	for i := range buses {
		buses[i] = n.AddBus(device.NewBus(string(rune('a'+i)), 20))
	}
	buses[0].IsSlack = true
	require.NoError(t, buses[4].Add(device.NewLoad("ld", complex(800, 400))))
	for i := 1; i < len(buses); i++ {
		br := device.NewBranch("l"+buses[i].Name, buses[i-1], buses[i], 0.01, 0.1, 0, 0)
		br.Rate = 100
		_, err := n.AddBranch(br)
		require.NoError(t, err)
	}
	return n
}

func TestFallbackChain(t *testing.T) {
	res := run(t, heavyChain(t), DefaultOptions()).Results
	island := res.Islands[0]

	assert.False(t, island.Converged)
	assert.Equal(t, []solver.Kind{solver.NewtonRaphson, solver.HELM, solver.NewtonRaphson}, island.Methods)
	require.Len(t, island.Attempts, 3)
	for _, a := range island.Attempts {
		assert.False(t, a.Converged, a.Method)
	}
	assert.Equal(t, 1, island.OuterIterations, "an unconverged round ends the control loop")

	report := res.ConvergenceReport()
	assert.Contains(t, report, "heavy/island-0")
	assert.Contains(t, report, "Newton-Raphson > HELM > Newton-Raphson")
}

func TestRobustUsesIwamoto(t *testing.T) {
	n := circuit.NewNetwork("robust", 100)
	addTwoBus(t, n, "", 0.01)

	opts := DefaultOptions()
	opts.Robust = true
	res := run(t, n, opts).Results

	assert.True(t, res.Converged())
	assert.Equal(t, []solver.Kind{solver.Iwamoto}, res.Methods())
}

func TestCancelledPowerFlow(t *testing.T) {
	n := circuit.NewNetwork("cancelled", 100)
	addTwoBus(t, n, "", 0.01)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pf := NewPowerFlow(DefaultOptions())
	require.NoError(t, pf.Setup(n))
	err := pf.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NotNil(t, pf.Results)
	island := pf.Results.Islands[0]
	assert.False(t, island.Converged)
	assert.Zero(t, island.OuterIterations)
	require.NotEmpty(t, island.Diagnostics)
	assert.Equal(t, circuit.DiagCancelled, island.Diagnostics[len(island.Diagnostics)-1].Kind)
}

func TestCheckLimits(t *testing.T) {
	n := circuit.NewNetwork("limits", 100)
	_, load, br := addTwoBus(t, n, "", 0.01)
	br.Rate = 50
	load.Vmin = 0.97

	res := run(t, n, DefaultOptions()).Results
	rep := res.CheckLimits()

	assert.False(t, rep.Empty())
	assert.Equal(t, []int{0}, rep.Overloads)
	assert.Greater(t, rep.OverloadSum, 1.0)
	assert.Equal(t, []int{1}, rep.Undervoltages)
	assert.Empty(t, rep.Overvoltages)
	assert.InDelta(t, 0.97-cmplx.Abs(res.V[1]), rep.VoltageDeviation, 1e-12)
	if diff := cmp.Diff([]int{0, 1}, rep.StorageCandidates); diff != "" {
		t.Errorf("storage candidates (-want +got):\n%s", diff)
	}
}

func TestApplyFromIslandPanicsOnBadMap(t *testing.T) {
	n := circuit.NewNetwork("bad-map", 100)
	addTwoBus(t, n, "", 0.01)
	res := run(t, n, DefaultOptions()).Results

	fresh := NewResults(n.System)
	assert.Panics(t, func() {
		fresh.ApplyFromIsland(res.Islands[0], []int{0}, []int{0})
	})
}

func TestBaseAnalysisStore(t *testing.T) {
	a := NewBaseAnalysis(Options{})
	a.StoreStepResult(0, map[string]float64{"x": 1})
	a.StoreStepResult(0, map[string]float64{"x": 2})
	a.StoreStepResult(1, map[string]float64{"x": 3})
	a.StorePhasors(map[string]complex128{"V": 1i})

	r := a.GetResults()
	assert.Equal(t, []float64{0, 1}, r["STEP"])
	assert.Equal(t, []float64{1, 3}, r["x"])
	assert.InDelta(t, 1, r["V_MAG"][0], 1e-12)
	assert.InDelta(t, 90, r["V_PHASE"][0], 1e-12)

	assert.Equal(t, DefaultOptions().Tolerance, a.Options.Tolerance, "zero options take the defaults")
}

func TestConvergenceReportHeader(t *testing.T) {
	n := circuit.NewNetwork("report", 100)
	addTwoBus(t, n, "", 0.01)
	report := run(t, n, DefaultOptions()).Results.ConvergenceReport()

	lines := strings.Split(strings.TrimSpace(report), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "island"))
	assert.Contains(t, lines[1], "true")
}
