package analysis

import (
	"context"
	"math/cmplx"
	"testing"

	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unloaded has a generator with Xd = 0.2 behind a lossless j0.1 line, so
// Zbus = [[j0.2, j0.2], [j0.2, j0.3]] and the pre-fault voltage is 1 p.u.
func unloaded(t *testing.T) *circuit.Network {
	n := circuit.NewNetwork("sc", 100)
	gb := n.AddBus(device.NewBus("gen", 20))
	gb.IsSlack = true
	g := device.NewControlledGenerator("g", 0, 1.0)
	g.Xd = 0.2
	require.NoError(t, gb.Add(g))
	far := n.AddBus(device.NewBus("far", 20))
	br := device.NewBranch("line", gb, far, 0, 0.1, 0, 0)
	br.Rate = 100
	_, err := n.AddBranch(br)
	require.NoError(t, err)
	return n
}

func TestShortCircuitBoltedFault(t *testing.T) {
	sc := NewShortCircuit([]string{"far"}, DefaultOptions())
	require.NoError(t, sc.Setup(unloaded(t)))
	require.NoError(t, sc.Execute(context.Background()))

	require.Len(t, sc.Islands, 1)
	res := sc.Islands[0]
	assert.Equal(t, []int{1}, res.Faulted)
	assert.InDelta(t, 0, real(res.If[0]), 1e-9)
	assert.InDelta(t, -1/0.3, imag(res.If[0]), 1e-9)
	assert.InDelta(t, 100/0.3, res.FaultMVA[0], 1e-6)

	assert.InDelta(t, 0, cmplx.Abs(sc.V[1]), 1e-9)
	assert.InDelta(t, 1.0/3, real(sc.V[0]), 1e-9)
	assert.InDelta(t, 100/0.3, sc.GetResults()["SCC(far)"][0], 1e-6)

	// The line carries the whole fault current.
	assert.InDelta(t, 1/0.3, cmplx.Abs(res.Flows.Current[0]), 1e-9)
}

func TestShortCircuitFaultImpedance(t *testing.T) {
	n := unloaded(t)
	pf := run(t, n, DefaultOptions())
	c := n.Circuits[0]

	res, err := ComputeShortCircuit(context.Background(), c, pf.Results.Islands[0], []int{1}, []complex128{0.1i})
	require.NoError(t, err)
	assert.InDelta(t, -2.5, imag(res.If[0]), 1e-9)
	assert.InDelta(t, 0.25, cmplx.Abs(res.V[1]), 1e-9)

	_, err = ComputeShortCircuit(context.Background(), c, pf.Results.Islands[0], []int{5}, nil)
	assert.ErrorIs(t, err, ErrBusNotFound)

	_, err = ComputeShortCircuit(context.Background(), c, pf.Results.Islands[0], []int{0, 1}, []complex128{0})
	assert.Error(t, err)
}

func TestShortCircuitUnknownBus(t *testing.T) {
	sc := NewShortCircuit([]string{"nowhere"}, DefaultOptions())
	assert.ErrorIs(t, sc.Setup(unloaded(t)), ErrBusNotFound)
}

func TestTimeSeriesFollowsProfiles(t *testing.T) {
	n := circuit.NewNetwork("profile", 100)
	_, load, _ := addTwoBus(t, n, "", 0.01)
	load.Loads[0].SProfile = []complex128{complex(50, 20), complex(100, 50), complex(150, 70)}

	opts := DefaultOptions()
	opts.SeedFromPrevious = true
	ts := NewTimeSeries(0, 0, opts)
	require.NoError(t, ts.Setup(n))
	require.NoError(t, ts.Execute(context.Background()))

	require.Len(t, ts.Results, 3)
	r := ts.GetResults()
	assert.Equal(t, []float64{0, 1, 2}, r["STEP"])
	assert.Equal(t, []float64{1, 1, 1}, r["CONVERGED"])

	vm := r["VM(load)"]
	require.Len(t, vm, 3)
	assert.Greater(t, vm[0], vm[1])
	assert.Greater(t, vm[1], vm[2])
	assert.InDelta(t, -150, real(ts.Results[2].Sbus[1]), 1e-3)
}

func TestTimeSeriesWithoutProfiles(t *testing.T) {
	n := circuit.NewNetwork("flat", 100)
	addTwoBus(t, n, "", 0.01)
	assert.Error(t, NewTimeSeries(0, 0, DefaultOptions()).Setup(n))
}
