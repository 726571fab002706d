package circuit

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/edp1096/toy-powerflow/internal/ctxlog"
	"github.com/edp1096/toy-powerflow/pkg/device"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Network is the whole grid. Compile splits it into islands and assembles
// the whole-network system from them.
type Network struct {
	Name     string
	Sbase    float64
	Buses    []*device.Bus
	Branches []*device.Branch

	Circuits []*Circuit // Islands, ordered by their lowest bus index
	System   *System

	busIndex map[*device.Bus]int
}

func NewNetwork(name string, sbase float64) *Network {
	if sbase == 0 {
		sbase = consts.SBASE
	}
	return &Network{Name: name, Sbase: sbase, busIndex: make(map[*device.Bus]int)}
}

func (n *Network) AddBus(b *device.Bus) *device.Bus {
	n.busIndex[b] = len(n.Buses)
	n.Buses = append(n.Buses, b)
	return b
}

func (n *Network) AddBranch(br *device.Branch) (*device.Branch, error) {
	if _, ok := n.busIndex[br.From]; !ok {
		return nil, fmt.Errorf("%w: branch %s from side", ErrUnknownBus, br.Name)
	}
	if _, ok := n.busIndex[br.To]; !ok {
		return nil, fmt.Errorf("%w: branch %s to side", ErrUnknownBus, br.Name)
	}
	n.Branches = append(n.Branches, br)
	return br, nil
}

// Bus looks a bus up by name.
func (n *Network) Bus(name string) (*device.Bus, int, bool) {
	for i, b := range n.Buses {
		if b.Name == name {
			return b, i, true
		}
	}
	return nil, -1, false
}

func (n *Network) BusIndex(b *device.Bus) (int, bool) {
	i, ok := n.busIndex[b]
	return i, ok
}

// Islands returns the connected groups of active buses, each sorted, the
// groups ordered by their first bus. Only active branches between active
// buses connect; an isolated active bus is an island of its own.
func (n *Network) Islands() [][]int {
	g := simple.NewUndirectedGraph()
	for i, b := range n.Buses {
		if b.Active {
			g.AddNode(simple.Node(i))
		}
	}
	for _, br := range n.Branches {
		if !br.Active || !br.From.Active || !br.To.Active {
			continue
		}
		f, t := n.busIndex[br.From], n.busIndex[br.To]
		if f == t {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(f), T: simple.Node(t)})
	}

	components := topo.ConnectedComponents(g)
	islands := make([][]int, 0, len(components))
	for _, nodes := range components {
		island := make([]int, len(nodes))
		for k, node := range nodes {
			island[k] = int(node.ID())
		}
		slices.Sort(island)
		islands = append(islands, island)
	}
	slices.SortFunc(islands, func(a, b []int) int { return a[0] - b[0] })
	return islands
}

// Compile rebuilds every island and the whole-network system. Island
// errors are joined; islands that compiled cleanly stay usable.
func (n *Network) Compile(ctx context.Context, opts CompileOptions) error {
	logger := ctxlog.FromContext(ctx)

	if len(n.busIndex) != len(n.Buses) {
		n.busIndex = make(map[*device.Bus]int, len(n.Buses))
		for i, b := range n.Buses {
			n.busIndex[b] = i
		}
	}

	islands := n.Islands()
	owner := make([]int, len(n.Buses))
	for i := range owner {
		owner[i] = -1
	}
	for k, island := range islands {
		for _, i := range island {
			owner[i] = k
		}
	}

	n.Circuits = make([]*Circuit, len(islands))
	for k, island := range islands {
		c := New(fmt.Sprintf("%s/island-%d", n.Name, k), n.Sbase)
		c.BusOriginalIdx = island
		for _, i := range island {
			c.Buses = append(c.Buses, n.Buses[i])
		}
		n.Circuits[k] = c
	}

	// Branches follow their buses; inactive ones are kept for reporting but
	// a branch between islands or touching an inactive bus belongs to none.
	for j, br := range n.Branches {
		kf, kt := owner[n.busIndex[br.From]], owner[n.busIndex[br.To]]
		if kf < 0 || kf != kt {
			continue
		}
		c := n.Circuits[kf]
		c.Branches = append(c.Branches, br)
		c.BranchOriginalIdx = append(c.BranchOriginalIdx, j)
	}

	sys := NewSystem(len(n.Buses), len(n.Branches), n.Sbase)
	for i, b := range n.Buses {
		sys.BusNames[i] = b.Name
		sys.Vmin[i] = b.Vmin
		sys.Vmax[i] = b.Vmax
		sys.Zf[i] = b.Zf
		sys.Types[i] = device.NONE
		if !b.Active {
			b.Type = device.NONE
		}
	}
	for i, k := range owner {
		if k < 0 {
			sys.Dead = append(sys.Dead, i)
		}
	}
	for j, br := range n.Branches {
		sys.BranchNames[j] = br.Name
		sys.F[j] = n.busIndex[br.From]
		sys.T[j] = n.busIndex[br.To]
		sys.Rates[j] = max(br.Rate, consts.MIN_RATE)
	}

	var errs []error
	for _, c := range n.Circuits {
		if err := c.Compile(ctx, opts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
		sys.SetFrom(c.System, c.BusOriginalIdx, c.BranchOriginalIdx)
	}
	if err := sys.Partition.Check(sys.NumBuses()); err != nil {
		panic(fmt.Sprintf("circuit: network %s: %v", n.Name, err))
	}
	n.System = sys

	logger.Debug("Network compiled",
		"network", n.Name,
		"buses", len(n.Buses),
		"branches", len(n.Branches),
		"islands", len(n.Circuits))

	return errors.Join(errs...)
}

// Diagnostics lists the findings of every island in island order.
func (n *Network) Diagnostics() []Diagnostic {
	var out []Diagnostic
	for _, c := range n.Circuits {
		out = append(out, c.Diagnostics...)
	}
	return out
}

// ProfileLength is the number of time steps the device profiles define.
func (n *Network) ProfileLength() int {
	steps := 0
	for _, b := range n.Buses {
		steps = max(steps, b.ProfileLength())
	}
	return steps
}
