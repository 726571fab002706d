package device

import (
	"fmt"
	"math/cmplx"

	"github.com/edp1096/toy-powerflow/pkg/matrix"
	"github.com/google/uuid"
)

// Branch is a line or transformer between two buses, modelled as a π
// equivalent with a complex tap at the from side. Impedances are in p.u.
type Branch struct {
	ID       uuid.UUID
	Name     string
	From, To *Bus
	R, X     float64 // Series impedance
	G, B     float64 // Total shunt admittance
	Tap      float64 // Tap module
	Shift    float64 // Phase shift (rad)
	Rate     float64 // Thermal rating (MVA)
	Active   bool

	// Tap changer regulating the to-bus voltage. The module at position
	// p is 1 + p·TapStep.
	TapControl  bool
	Vset        float64 // Regulated voltage (p.u.)
	TapStep     float64 // Module change per position (p.u.)
	TapMin      int
	TapMax      int
	TapPosition int

	MTTF float64 // Mean time to failure (h)
	MTTR float64 // Mean time to repair (h)
}

func NewBranch(name string, from, to *Bus, r, x, g, b float64) *Branch {
	return &Branch{
		ID:     uuid.New(),
		Name:   name,
		From:   from,
		To:     to,
		R:      r,
		X:      x,
		G:      g,
		B:      b,
		Tap:    1,
		Active: true,
	}
}

func (br *Branch) GetType() string { return "BRANCH" }

// Regulates reports a tap changer that the control loop may move.
func (br *Branch) Regulates() bool {
	return br.TapControl && br.TapStep > 0 && br.Vset > 0
}

// TapModuleAt is the tap module at a changer position.
func (br *Branch) TapModuleAt(pos int) float64 {
	return 1 + float64(pos)*br.TapStep
}

// TapModule is the tap module in force: the changer position for a
// regulating branch, Tap otherwise.
func (br *Branch) TapModule() float64 {
	if br.Regulates() {
		return br.TapModuleAt(br.TapPosition)
	}
	if br.Tap == 0 {
		return 1
	}
	return br.Tap
}

// ComplexTap returns m·e^{-jθ}.
func (br *Branch) ComplexTap() complex128 {
	return cmplx.Rect(br.TapModule(), -br.Shift)
}

// Ports are the π model admittances seen from the branch terminals.
type Ports struct {
	Yff, Yft, Ytf, Ytt complex128
	Ys                 complex128 // Series admittance
	Ysh                complex128 // Half of the shunt admittance
	Tap                complex128
}

func piModel(z, y, tap complex128) Ports {
	ys := 1 / z
	ysh := y / 2
	tt := tap * cmplx.Conj(tap)

	ytt := ys + ysh
	return Ports{
		Yff: ytt / tt,
		Yft: -ys / cmplx.Conj(tap),
		Ytf: -ys / tap,
		Ytt: ytt,
		Ys:  ys,
		Ysh: ysh,
		Tap: tap,
	}
}

// Admittance evaluates the π model. A zero series impedance has no
// admittance and is rejected.
func (br *Branch) Admittance() (Ports, error) {
	z := complex(br.R, br.X)
	if z == 0 {
		return Ports{}, fmt.Errorf("%w: branch %s", ErrZeroImpedance, br.Name)
	}
	return piModel(z, complex(br.G, br.B), br.ComplexTap()), nil
}

// BranchMatrices collects every structure a branch stamps into.
type BranchMatrices struct {
	Ybus    matrix.DeviceMatrix // Full admittance matrix
	Yseries matrix.DeviceMatrix // Series elements only
	Yf, Yt  matrix.DeviceMatrix // Branch-by-bus from/to current matrices
	B1, B2  matrix.DeviceMatrix // Fast decoupled B' and B''
	Yshunt  []complex128        // Shunt legs per bus
}

// Stamp adds branch i between local buses f and t.
func (br *Branch) Stamp(m *BranchMatrices, i, f, t int) error {
	return br.StampTap(m, i, f, t, br.TapModule())
}

// StampTap is Stamp with the tap module given by the caller.
func (br *Branch) StampTap(m *BranchMatrices, i, f, t int, module float64) error {
	z := complex(br.R, br.X)
	if z == 0 {
		return fmt.Errorf("%w: branch %s", ErrZeroImpedance, br.Name)
	}
	p := piModel(z, complex(br.G, br.B), cmplx.Rect(module, -br.Shift))
	tt := p.Tap * cmplx.Conj(p.Tap)

	m.Ybus.AddComplexElement(f, f, p.Yff)
	m.Ybus.AddComplexElement(f, t, p.Yft)
	m.Ybus.AddComplexElement(t, f, p.Ytf)
	m.Ybus.AddComplexElement(t, t, p.Ytt)

	m.Yf.AddComplexElement(i, f, p.Yff)
	m.Yf.AddComplexElement(i, t, p.Yft)
	m.Yt.AddComplexElement(i, f, p.Ytf)
	m.Yt.AddComplexElement(i, t, p.Ytt)

	m.Yshunt[f] += p.Ysh / tt
	m.Yshunt[t] += p.Ysh

	m.Yseries.AddComplexElement(f, f, p.Ys/tt)
	m.Yseries.AddComplexElement(f, t, p.Yft)
	m.Yseries.AddComplexElement(t, f, p.Ytf)
	m.Yseries.AddComplexElement(t, t, p.Ys)

	// B': reactance and phase shift only
	if br.X != 0 {
		p1 := piModel(complex(0, br.X), 0, cmplx.Rect(1, -br.Shift))
		stampSusceptance(m.B1, f, t, p1)
	}

	// B'': everything but the phase shift
	p2 := piModel(z, complex(br.G, br.B), complex(module, 0))
	stampSusceptance(m.B2, f, t, p2)

	return nil
}

func stampSusceptance(dst matrix.DeviceMatrix, f, t int, p Ports) {
	dst.AddComplexElement(f, f, complex(-imag(p.Yff), 0))
	dst.AddComplexElement(f, t, complex(-imag(p.Yft), 0))
	dst.AddComplexElement(t, f, complex(-imag(p.Ytf), 0))
	dst.AddComplexElement(t, t, complex(-imag(p.Ytt), 0))
}
