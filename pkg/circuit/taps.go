package circuit

import (
	"fmt"
	"slices"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
)

// Regulators returns the local indices of the active branches whose tap
// changer is in voltage control.
func (c *Circuit) Regulators() []int {
	if c.System == nil {
		return nil
	}
	var idx []int
	for j, br := range c.Branches {
		if c.System.ActiveBranches[j] && br.Regulates() {
			idx = append(idx, j)
		}
	}
	return idx
}

// WithTaps returns a copy of the compiled system with the branch
// admittances rebuilt for the given changer positions, one per branch.
// Branches that do not regulate keep their own tap. Injections, limits
// and the partition are shared with the compiled system.
func (c *Circuit) WithTaps(positions []int) (*System, error) {
	base := c.System
	if base == nil {
		return nil, ErrNotCompiled
	}
	nb, nbr := base.NumBuses(), base.NumBranches()
	if len(positions) != nbr {
		return nil, fmt.Errorf("%w: %d tap positions for %d branches", matrix.ErrDimension, len(positions), nbr)
	}

	sys := *base
	sys.Ybus = matrix.NewSparse(nb, nb)
	sys.Yseries = matrix.NewSparse(nb, nb)
	sys.Yf = matrix.NewSparse(nbr, nb)
	sys.Yt = matrix.NewSparse(nbr, nb)
	sys.B1 = matrix.NewSparse(nb, nb)
	sys.B2 = matrix.NewSparse(nb, nb)
	sys.Yshunt = slices.Clone(base.BusShunt)
	sys.TapPosition = slices.Clone(positions)

	for i, y := range base.BusShunt {
		if y != 0 {
			sys.Ybus.AddComplexElement(i, i, y)
		}
	}

	mats := sys.BranchMatrices()
	for j, br := range c.Branches {
		if !base.ActiveBranches[j] {
			continue
		}
		module := br.TapModule()
		if br.Regulates() {
			module = br.TapModuleAt(positions[j])
		}
		if err := br.StampTap(mats, j, sys.F[j], sys.T[j], module); err != nil {
			return nil, err
		}
	}
	return &sys, nil
}

// Retap installs a system built by WithTaps as the compiled one and drops
// the cached impedance matrix.
func (c *Circuit) Retap(sys *System) {
	c.mu.Lock()
	c.System = sys
	c.zbus = nil
	c.mu.Unlock()
}
