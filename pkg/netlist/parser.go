package netlist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/analysis"
	"github.com/edp1096/toy-powerflow/pkg/circuit"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"github.com/edp1096/toy-powerflow/pkg/solver"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

var ErrUnknownBus = errors.New("netlist: unknown bus")

// Case is a loaded case file: the network and the run options it asks for.
type Case struct {
	Network *circuit.Network
	Options analysis.Options
}

type caseFile struct {
	Name     string         `hcl:"name,optional"`
	Sbase    *float64       `hcl:"sbase,optional"`
	Options  *optionsBlock  `hcl:"options,block"`
	Buses    []*busBlock    `hcl:"bus,block"`
	Branches []*branchBlock `hcl:"branch,block"`
}

type optionsBlock struct {
	Solver           *string  `hcl:"solver,optional"`
	AuxSolver        *string  `hcl:"aux_solver,optional"`
	Tolerance        *float64 `hcl:"tolerance,optional"`
	MaxIter          *int     `hcl:"max_iter,optional"`
	MaxOuter         *int     `hcl:"max_outer,optional"`
	QLimits          *bool    `hcl:"q_limits,optional"`
	Seed             *bool    `hcl:"seed,optional"`
	Robust           *bool    `hcl:"robust,optional"`
	Parallel         *bool    `hcl:"parallel,optional"`
	DispatchStorage  *bool    `hcl:"dispatch_storage,optional"`
	HelmCoefficients *int     `hcl:"helm_coefficients,optional"`
	TapControl       *bool    `hcl:"tap_control,optional"`
}

type busBlock struct {
	Name   string    `hcl:"name,label"`
	Vnom   float64   `hcl:"vnom"`
	Vmin   *float64  `hcl:"vmin,optional"`
	Vmax   *float64  `hcl:"vmax,optional"`
	Slack  bool      `hcl:"slack,optional"`
	Active *bool     `hcl:"active,optional"`
	Zf     []float64 `hcl:"zf,optional"` // [r, x]

	Loads      []*loadBlock      `hcl:"load,block"`
	StaticGens []*staticGenBlock `hcl:"static_gen,block"`
	Generators []*generatorBlock `hcl:"generator,block"`
	Batteries  []*batteryBlock   `hcl:"battery,block"`
	Shunts     []*shuntBlock     `hcl:"shunt,block"`
}

type loadBlock struct {
	Name     string    `hcl:"name,label"`
	P        float64   `hcl:"p,optional"`
	Q        float64   `hcl:"q,optional"`
	IP       float64   `hcl:"ip,optional"`
	IQ       float64   `hcl:"iq,optional"`
	ZR       float64   `hcl:"zr,optional"`
	ZX       float64   `hcl:"zx,optional"`
	Active   *bool     `hcl:"active,optional"`
	PProfile []float64 `hcl:"p_profile,optional"`
	QProfile []float64 `hcl:"q_profile,optional"`
}

type staticGenBlock struct {
	Name     string    `hcl:"name,label"`
	P        float64   `hcl:"p"`
	Q        float64   `hcl:"q,optional"`
	Active   *bool     `hcl:"active,optional"`
	PProfile []float64 `hcl:"p_profile,optional"`
	QProfile []float64 `hcl:"q_profile,optional"`
}

type generatorBlock struct {
	Name        string    `hcl:"name,label"`
	P           float64   `hcl:"p"`
	Vset        float64   `hcl:"vset"`
	Qmin        *float64  `hcl:"qmin,optional"`
	Qmax        *float64  `hcl:"qmax,optional"`
	Snom        *float64  `hcl:"snom,optional"`
	Xd          float64   `hcl:"xd,optional"`
	Active      *bool     `hcl:"active,optional"`
	PProfile    []float64 `hcl:"p_profile,optional"`
	VsetProfile []float64 `hcl:"vset_profile,optional"`
}

type batteryBlock struct {
	Name     string    `hcl:"name,label"`
	P        float64   `hcl:"p"`
	Vset     float64   `hcl:"vset"`
	Enom     float64   `hcl:"enom,optional"`
	Qmin     *float64  `hcl:"qmin,optional"`
	Qmax     *float64  `hcl:"qmax,optional"`
	Xd       float64   `hcl:"xd,optional"`
	Active   *bool     `hcl:"active,optional"`
	PProfile []float64 `hcl:"p_profile,optional"`
}

type shuntBlock struct {
	Name   string  `hcl:"name,label"`
	G      float64 `hcl:"g,optional"`
	B      float64 `hcl:"b,optional"`
	Active *bool   `hcl:"active,optional"`
}

type branchBlock struct {
	Name   string   `hcl:"name,label"`
	From   string   `hcl:"from"`
	To     string   `hcl:"to"`
	R      float64  `hcl:"r,optional"`
	X      float64  `hcl:"x,optional"`
	G      float64  `hcl:"g,optional"`
	B      float64  `hcl:"b,optional"`
	Tap    *float64 `hcl:"tap,optional"`
	Shift  float64  `hcl:"shift,optional"` // rad, see deg()
	Rate   float64  `hcl:"rate,optional"`
	Active *bool    `hcl:"active,optional"`
	MTTF   float64  `hcl:"mttf,optional"`
	MTTR   float64  `hcl:"mttr,optional"`

	TapControl  bool    `hcl:"tap_control,optional"`
	Vset        float64 `hcl:"vset,optional"`
	TapStep     float64 `hcl:"tap_step,optional"`
	TapMin      int     `hcl:"tap_min,optional"`
	TapMax      int     `hcl:"tap_max,optional"`
	TapPosition int     `hcl:"tap_position,optional"`
}

// evalContext offers pi and deg(x), degrees to radians, to expressions.
func evalContext() *hcl.EvalContext {
	deg := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "degrees", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			d, _ := args[0].AsBigFloat().Float64()
			return cty.NumberFloatVal(d * math.Pi / 180), nil
		},
	})
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"pi": cty.NumberFloatVal(math.Pi)},
		Functions: map[string]function.Function{"deg": deg},
	}
}

// LoadFile reads and parses a case file.
func LoadFile(ctx context.Context, path string) (*Case, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read case file: %w", err)
	}
	return Parse(ctx, src, path)
}

// Parse builds a case from HCL source. filename is used in diagnostics.
func Parse(ctx context.Context, src []byte, filename string) (*Case, error) {
	logger := ctxlog.FromContext(ctx)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse case file %s: %w", filename, diags)
	}

	var cf caseFile
	diags = gohcl.DecodeBody(file.Body, evalContext(), &cf)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode case file %s: %w", filename, diags)
	}

	name := cf.Name
	if name == "" {
		name = filename
	}
	sbase := 0.0
	if cf.Sbase != nil {
		sbase = *cf.Sbase
	}
	net := circuit.NewNetwork(name, sbase)

	for _, bb := range cf.Buses {
		if _, _, dup := net.Bus(bb.Name); dup {
			return nil, fmt.Errorf("%s: bus %q defined twice", filename, bb.Name)
		}
		bus, err := bb.build()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		net.AddBus(bus)
	}

	for _, bb := range cf.Branches {
		from, _, ok := net.Bus(bb.From)
		if !ok {
			return nil, fmt.Errorf("%w: %q, from side of branch %s", ErrUnknownBus, bb.From, bb.Name)
		}
		to, _, ok := net.Bus(bb.To)
		if !ok {
			return nil, fmt.Errorf("%w: %q, to side of branch %s", ErrUnknownBus, bb.To, bb.Name)
		}
		br := device.NewBranch(bb.Name, from, to, bb.R, bb.X, bb.G, bb.B)
		if bb.Tap != nil {
			br.Tap = *bb.Tap
		}
		br.Shift = bb.Shift
		br.Rate = bb.Rate
		br.Active = active(bb.Active)
		br.MTTF, br.MTTR = bb.MTTF, bb.MTTR
		br.TapControl, br.Vset, br.TapStep = bb.TapControl, bb.Vset, bb.TapStep
		br.TapMin, br.TapMax, br.TapPosition = bb.TapMin, bb.TapMax, bb.TapPosition
		if br.TapControl && !br.Regulates() {
			return nil, fmt.Errorf("%s: branch %s: tap_control wants vset and tap_step above zero", filename, bb.Name)
		}
		if br.TapMin > br.TapMax || br.TapPosition < br.TapMin || br.TapPosition > br.TapMax {
			return nil, fmt.Errorf("%s: branch %s: tap_position %d outside [%d, %d]", filename, bb.Name, br.TapPosition, br.TapMin, br.TapMax)
		}
		if _, err := net.AddBranch(br); err != nil {
			return nil, err
		}
	}

	opts, err := cf.Options.apply(analysis.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	logger.Debug("Case file loaded", "file", filename, "buses", len(net.Buses), "branches", len(net.Branches))
	return &Case{Network: net, Options: opts}, nil
}

func active(p *bool) bool {
	return p == nil || *p
}

func (bb *busBlock) build() (*device.Bus, error) {
	bus := device.NewBus(bb.Name, bb.Vnom)
	if bb.Vmin != nil {
		bus.Vmin = *bb.Vmin
	}
	if bb.Vmax != nil {
		bus.Vmax = *bb.Vmax
	}
	bus.IsSlack = bb.Slack
	bus.Active = active(bb.Active)
	switch len(bb.Zf) {
	case 0:
	case 2:
		bus.Zf = complex(bb.Zf[0], bb.Zf[1])
	default:
		return nil, fmt.Errorf("bus %s: zf wants [r, x], got %d values", bb.Name, len(bb.Zf))
	}

	var devices []device.Device
	for _, lb := range bb.Loads {
		l := device.NewZIPLoad(lb.Name, 0, complex(lb.IP, lb.IQ), complex(lb.P, lb.Q))
		if lb.ZR != 0 || lb.ZX != 0 {
			l.Z = complex(lb.ZR, lb.ZX)
		}
		l.Active = active(lb.Active)
		profile, err := complexProfile(lb.PProfile, lb.QProfile)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", lb.Name, err)
		}
		l.SProfile = profile
		devices = append(devices, l)
	}
	for _, sb := range bb.StaticGens {
		g := device.NewStaticGenerator(sb.Name, complex(sb.P, sb.Q))
		g.Active = active(sb.Active)
		profile, err := complexProfile(sb.PProfile, sb.QProfile)
		if err != nil {
			return nil, fmt.Errorf("static generator %s: %w", sb.Name, err)
		}
		g.SProfile = profile
		devices = append(devices, g)
	}
	for _, gb := range bb.Generators {
		devices = append(devices, gb.build())
	}
	for _, bt := range bb.Batteries {
		b := device.NewBattery(bt.Name, bt.P, bt.Vset, bt.Enom)
		if bt.Qmin != nil {
			b.Qmin = *bt.Qmin
		}
		if bt.Qmax != nil {
			b.Qmax = *bt.Qmax
		}
		b.Xd = bt.Xd
		b.Active = active(bt.Active)
		b.PProfile = bt.PProfile
		devices = append(devices, b)
	}
	for _, sh := range bb.Shunts {
		s := device.NewShunt(sh.Name, complex(sh.G, sh.B))
		s.Active = active(sh.Active)
		devices = append(devices, s)
	}

	for _, d := range devices {
		if err := bus.Add(d); err != nil {
			return nil, err
		}
	}
	return bus, nil
}

func (gb *generatorBlock) build() *device.ControlledGenerator {
	g := device.NewControlledGenerator(gb.Name, gb.P, gb.Vset)
	if gb.Qmin != nil {
		g.Qmin = *gb.Qmin
	}
	if gb.Qmax != nil {
		g.Qmax = *gb.Qmax
	}
	if gb.Snom != nil {
		g.Snom = *gb.Snom
	}
	g.Xd = gb.Xd
	g.Active = active(gb.Active)
	g.PProfile = gb.PProfile
	g.VsetProfile = gb.VsetProfile
	return g
}

// complexProfile zips P and Q profiles; a missing Q profile is zero.
func complexProfile(p, q []float64) ([]complex128, error) {
	if len(p) == 0 && len(q) == 0 {
		return nil, nil
	}
	if len(q) > 0 && len(p) != len(q) {
		return nil, fmt.Errorf("p_profile has %d steps, q_profile %d", len(p), len(q))
	}
	out := make([]complex128, len(p))
	for t := range p {
		out[t] = complex(p[t], 0)
		if len(q) > 0 {
			out[t] += complex(0, q[t])
		}
	}
	return out, nil
}

func (ob *optionsBlock) apply(opts analysis.Options) (analysis.Options, error) {
	if ob == nil {
		return opts, nil
	}
	if ob.Solver != nil {
		k, err := solver.ParseKind(*ob.Solver)
		if err != nil {
			return opts, err
		}
		opts.SolverKind = k
	}
	if ob.AuxSolver != nil {
		k, err := solver.ParseKind(*ob.AuxSolver)
		if err != nil {
			return opts, err
		}
		opts.AuxSolverKind = k
	}
	if ob.Tolerance != nil {
		opts.Tolerance = *ob.Tolerance
	}
	if ob.MaxIter != nil {
		opts.MaxInnerIter = *ob.MaxIter
	}
	if ob.MaxOuter != nil {
		opts.MaxOuterIter = *ob.MaxOuter
	}
	if ob.QLimits != nil {
		opts.EnforceQLimits = *ob.QLimits
	}
	if ob.Seed != nil {
		opts.SeedFromPrevious = *ob.Seed
	}
	if ob.Robust != nil {
		opts.Robust = *ob.Robust
	}
	if ob.Parallel != nil {
		opts.Parallel = *ob.Parallel
	}
	if ob.DispatchStorage != nil {
		opts.DispatchStorage = *ob.DispatchStorage
	}
	if ob.HelmCoefficients != nil {
		opts.HelmCoefficients = *ob.HelmCoefficients
	}
	if ob.TapControl != nil {
		opts.ControlTaps = *ob.TapControl
	}
	return opts, nil
}
