package netlist

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/edp1096/toy-powerflow/pkg/analysis"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadThreeBus(t *testing.T) {
	c, err := LoadFile(context.Background(), filepath.Join("testdata", "three_bus.hcl"))
	require.NoError(t, err)

	net := c.Network
	assert.Equal(t, "three-bus", net.Name)
	assert.Equal(t, 100.0, net.Sbase)
	require.Len(t, net.Buses, 3)
	require.Len(t, net.Branches, 3)

	slack, _, ok := net.Bus("slack")
	require.True(t, ok)
	assert.True(t, slack.IsSlack)
	require.Len(t, slack.ControlledGenerators, 1)
	assert.Equal(t, 0.2, slack.ControlledGenerators[0].Xd)

	pv, _, _ := net.Bus("pv")
	assert.Equal(t, 0.95, pv.Vmin)
	assert.Equal(t, 1.1, pv.Vmax, "unset bounds keep the defaults")
	assert.Equal(t, 30.0, pv.ControlledGenerators[0].Qmax)

	load, _, _ := net.Bus("load")
	assert.Equal(t, complex(0, 0.01), load.Zf)
	require.Len(t, load.Loads, 1)
	assert.Equal(t, complex(100, 30), load.Loads[0].S)
	assert.Equal(t, []complex128{complex(80, 20), complex(100, 30), complex(120, 40)}, load.Loads[0].SProfile)
	assert.Equal(t, complex(0, 10), load.Shunts[0].Y)
	assert.Equal(t, 3, net.ProfileLength())

	tr := net.Branches[2]
	assert.Equal(t, 0.98, tr.Tap)
	assert.InDelta(t, 5*math.Pi/180, tr.Shift, 1e-15)
	assert.Same(t, slack, tr.From)
	assert.Equal(t, 1.0, net.Branches[0].Tap, "tap defaults to 1")

	assert.Equal(t, solver.Iwamoto, c.Options.SolverKind)
	assert.Equal(t, solver.HELM, c.Options.AuxSolverKind)
	assert.Equal(t, 1e-8, c.Options.Tolerance)
	assert.Equal(t, 5, c.Options.MaxOuterIter)
	assert.Equal(t, analysis.DefaultOptions().MaxInnerIter, c.Options.MaxInnerIter)
	assert.True(t, c.Options.EnforceQLimits)
}

func TestLoadedCaseSolves(t *testing.T) {
	c, err := LoadFile(context.Background(), filepath.Join("testdata", "three_bus.hcl"))
	require.NoError(t, err)

	pf := analysis.NewPowerFlow(c.Options)
	require.NoError(t, pf.Setup(c.Network))
	require.NoError(t, pf.Execute(context.Background()))
	assert.True(t, pf.Results.Converged())
	assert.Equal(t, device.REF, pf.Results.Types[0])
}

func TestParseErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		src  string
		want error
	}{
		"unknown bus": {
			src: `
bus "a" { vnom = 10 }
branch "x" {
  from = "a"
  to   = "b"
  x    = 0.1
}`,
			want: ErrUnknownBus,
		},
		"unknown solver": {
			src: `
options { solver = "gauss" }
bus "a" { vnom = 10 }`,
			want: solver.ErrUnknownKind,
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(tc.src), name+".hcl")
			assert.ErrorIs(t, err, tc.want)
		})
	}

	_, err := Parse(context.Background(), []byte(`bus "a" {`), "broken.hcl")
	assert.Error(t, err)

	_, err = Parse(context.Background(), []byte(`
bus "a" { vnom = 10 }
bus "a" { vnom = 10 }`), "dup.hcl")
	assert.ErrorContains(t, err, "defined twice")

	_, err = Parse(context.Background(), []byte(`
bus "a" {
  vnom = 10
  zf   = [1]
}`), "zf.hcl")
	assert.ErrorContains(t, err, "zf")
}

func TestDegreesAndPi(t *testing.T) {
	c, err := Parse(context.Background(), []byte(`
bus "a" { vnom = 10 }
bus "b" { vnom = 10 }
branch "x" {
  from  = "a"
  to    = "b"
  x     = 0.1
  shift = deg(90) - pi / 2
}`), "expr.hcl")
	require.NoError(t, err)
	assert.InDelta(t, 0, c.Network.Branches[0].Shift, 1e-15)
	assert.Equal(t, "expr.hcl", c.Network.Name)
}

func TestTapChangerAttributes(t *testing.T) {
	c, err := Parse(context.Background(), []byte(`
options { tap_control = false }
bus "hv" { vnom = 110 }
bus "mv" { vnom = 20 }
branch "tr" {
  from         = "hv"
  to           = "mv"
  x            = 0.1
  tap_control  = true
  vset         = 1.02
  tap_step     = 0.0125
  tap_min      = -16
  tap_max      = 16
  tap_position = -2
}`), "taps.hcl")
	require.NoError(t, err)

	br := c.Network.Branches[0]
	assert.True(t, br.Regulates())
	assert.Equal(t, []int{-16, 16, -2}, []int{br.TapMin, br.TapMax, br.TapPosition})
	assert.InDelta(t, 0.975, br.TapModule(), 1e-12)
	assert.False(t, c.Options.ControlTaps)

	_, err = Parse(context.Background(), []byte(`
bus "hv" { vnom = 110 }
bus "mv" { vnom = 20 }
branch "tr" {
  from        = "hv"
  to          = "mv"
  x           = 0.1
  tap_control = true
}`), "nostep.hcl")
	assert.ErrorContains(t, err, "tap_step")

	_, err = Parse(context.Background(), []byte(`
bus "hv" { vnom = 110 }
bus "mv" { vnom = 20 }
branch "tr" {
  from         = "hv"
  to           = "mv"
  x            = 0.1
  tap_max      = 4
  tap_position = 5
}`), "outside.hcl")
	assert.ErrorContains(t, err, "tap_position 5")
}
