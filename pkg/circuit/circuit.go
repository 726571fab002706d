package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"gonum.org/v1/gonum/mat"
)

type CompileOptions struct {
	TimeIndex       int // Profile step, negative for snapshot values
	DispatchStorage bool
}

func DefaultCompileOptions() CompileOptions {
	return CompileOptions{TimeIndex: -1, DispatchStorage: true}
}

// Circuit is one island: an ordered subset of the network buses and
// branches plus the maps back to the network numbering.
type Circuit struct {
	name     string
	Sbase    float64
	Buses    []*device.Bus
	Branches []*device.Branch

	BusOriginalIdx    []int
	BranchOriginalIdx []int

	System      *System
	Diagnostics []Diagnostic

	mu   sync.Mutex
	zbus *mat.CDense
}

func New(name string, sbase float64) *Circuit {
	if sbase == 0 {
		sbase = consts.SBASE
	}
	return &Circuit{name: name, Sbase: sbase}
}

func (c *Circuit) Name() string { return c.name }

func (c *Circuit) GetNumBuses() int    { return len(c.Buses) }
func (c *Circuit) GetNumBranches() int { return len(c.Branches) }

// Compile builds the per-unit system of the island. Topological problems
// are recorded as diagnostics; a zero impedance branch or conflicting set
// points also make Compile return an error, while the partially compiled
// system is kept so the caller can still report on the island.
func (c *Circuit) Compile(ctx context.Context, opts CompileOptions) error {
	logger := ctxlog.FromContext(ctx).With("island", c.name)

	n, m := len(c.Buses), len(c.Branches)
	sys := NewSystem(n, m, c.Sbase)
	c.Diagnostics = nil
	c.Invalidate()

	status := &device.Status{
		TimeIndex:       opts.TimeIndex,
		Sbase:           c.Sbase,
		DispatchStorage: opts.DispatchStorage,
	}

	var errs []error
	busIndex := make(map[*device.Bus]int, n)
	for i, bus := range c.Buses {
		busIndex[bus] = i
		sys.BusNames[i] = bus.Name
		sys.Vmin[i] = bus.Vmin
		sys.Vmax[i] = bus.Vmax
		sys.Zf[i] = bus.Zf

		if !bus.Active {
			bus.Type = device.NONE
			sys.Types[i] = device.NONE
			continue
		}

		inj, err := bus.Aggregate(status)
		if err != nil {
			c.Diagnostics = append(c.Diagnostics, Diagnostic{
				Kind:    DiagVoltageConflict,
				Element: bus.Name,
				Message: err.Error(),
				Err:     err,
			})
			logger.Error("Bus aggregation failed", "bus", bus.Name, "error", err)
			errs = append(errs, err)
			inj = device.Injection{V: 1}
		}

		sys.Vbus[i] = inj.V
		sys.Sbus[i] = inj.S / complex(c.Sbase, 0)
		sys.Ibus[i] = inj.I / complex(c.Sbase, 0)
		y := inj.Y / complex(c.Sbase, 0)
		sys.Ybus.AddComplexElement(i, i, y)
		sys.Yshunt[i] += y
		sys.BusShunt[i] = y
		sys.Qmin[i] = inj.Qmin / c.Sbase
		sys.Qmax[i] = inj.Qmax / c.Sbase
		sys.Types[i] = bus.Type

		for _, g := range bus.ControlledGenerators {
			sys.Ygen[i] += g.MachineAdmittance()
		}
		for _, b := range bus.Batteries {
			sys.Ygen[i] += b.MachineAdmittance()
		}
	}

	mats := sys.BranchMatrices()
	for i, br := range c.Branches {
		sys.BranchNames[i] = br.Name

		f, okf := busIndex[br.From]
		t, okt := busIndex[br.To]
		if !okf || !okt {
			panic(fmt.Sprintf("circuit: branch %s connects buses outside island %s", br.Name, c.name))
		}
		sys.F[i], sys.T[i] = f, t
		sys.TapPosition[i] = br.TapPosition

		if br.Active && br.From.Active && br.To.Active {
			if err := br.Stamp(mats, i, f, t); err != nil {
				c.Diagnostics = append(c.Diagnostics, Diagnostic{
					Kind:    DiagZeroImpedance,
					Element: br.Name,
					Message: "active branch without series impedance",
					Err:     err,
				})
				logger.Error("Branch has zero impedance", "branch", br.Name)
				errs = append(errs, err)
			} else {
				sys.ActiveBranches[i] = true
			}
		}

		if br.Rate > 0 {
			sys.Rates[i] = br.Rate
		} else {
			sys.Rates[i] = consts.MIN_RATE
			c.Diagnostics = append(c.Diagnostics, Diagnostic{
				Kind:    DiagRatingGuard,
				Element: br.Name,
				Message: fmt.Sprintf("branch has no rating, using %g MVA", consts.MIN_RATE),
			})
			logger.Warn("Branch has no rate, setting a minimum to avoid zero division",
				"branch", br.Name, "rate", consts.MIN_RATE)
		}
	}

	partition, diag := CompileTypes(sys.Types, sys.Sbus, sys.BusNames, logger)
	sys.Partition = partition
	if diag != nil {
		c.Diagnostics = append(c.Diagnostics, *diag)
	}

	c.System = sys
	return errors.Join(errs...)
}

// Fatal returns the first diagnostic that prevents solving the island.
func (c *Circuit) Fatal() (Diagnostic, bool) {
	for _, d := range c.Diagnostics {
		if d.Fatal() {
			return d, true
		}
	}
	return Diagnostic{}, false
}

// Invalidate drops the cached impedance matrix. Compile calls it; callers
// that edit the compiled admittances in place must call it too.
func (c *Circuit) Invalidate() {
	c.mu.Lock()
	c.zbus = nil
	c.mu.Unlock()
}
