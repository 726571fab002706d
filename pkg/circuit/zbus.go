package circuit

import (
	"fmt"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"gonum.org/v1/gonum/mat"
)

// Zbus returns the island impedance matrix, the inverse of Ybus with the
// machine admittances to ground added on the diagonal. It is dense, so it
// is built on first use and kept until Invalidate or the next Compile.
func (c *Circuit) Zbus() (*mat.CDense, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.zbus != nil {
		return c.zbus, nil
	}
	if c.System == nil {
		return nil, ErrNotCompiled
	}

	sys := c.System
	n := sys.NumBuses()
	if n == 0 {
		c.zbus = &mat.CDense{}
		return c.zbus, nil
	}

	y := sys.Ybus.Clone()
	for i, yg := range sys.Ygen {
		if yg != 0 {
			y.AddComplexElement(i, i, yg)
		}
	}

	lu, err := matrix.NewComplexLU(y)
	if err != nil {
		return nil, err
	}
	defer lu.Destroy()
	if err := lu.Factor(); err != nil {
		return nil, fmt.Errorf("impedance matrix of %s: %w", c.name, err)
	}

	z := mat.NewCDense(n, n, nil)
	unit := make([]complex128, n)
	for j := range n {
		clear(unit)
		unit[j] = 1
		col, err := lu.SolveComplex(unit)
		if err != nil {
			return nil, fmt.Errorf("impedance matrix of %s, column %d: %w", c.name, j, err)
		}
		for i, v := range col {
			z.Set(i, j, v)
		}
	}

	c.zbus = z
	return z, nil
}
