package device

// StaticGenerator injects a fixed complex power (MVA).
type StaticGenerator struct {
	BaseDevice
	S        complex128
	SProfile []complex128
}

func NewStaticGenerator(name string, s complex128) *StaticGenerator {
	return &StaticGenerator{BaseDevice: newBaseDevice(name), S: s}
}

func (g *StaticGenerator) GetType() string { return "STATIC_GEN" }

func (g *StaticGenerator) Stamp(inj *Injection, status *Status) error {
	inj.S += valueAt(g.SProfile, status.TimeIndex, g.S)
	return nil
}

// ControlledGenerator holds its bus voltage at Vset while producing P,
// within the reactive power range [Qmin, Qmax] (MVAr).
type ControlledGenerator struct {
	BaseDevice
	P    float64 // MW
	Vset float64 // p.u.
	Qmin float64 // MVAr
	Qmax float64 // MVAr
	Snom float64 // MVA
	Xd   float64 // Subtransient reactance (p.u.), used by short circuit

	PProfile    []float64
	VsetProfile []float64
}

func NewControlledGenerator(name string, p, vset float64) *ControlledGenerator {
	return &ControlledGenerator{
		BaseDevice: newBaseDevice(name),
		P:          p,
		Vset:       vset,
		Qmin:       -9999,
		Qmax:       9999,
		Snom:       9999,
	}
}

func (g *ControlledGenerator) GetType() string { return "GEN" }

// MachineAdmittance is the subtransient admittance to ground, zero when Xd
// is not given.
func (g *ControlledGenerator) MachineAdmittance() complex128 {
	if !g.Active || g.Xd == 0 {
		return 0
	}
	return 1 / complex(0, g.Xd)
}

func (g *ControlledGenerator) Stamp(inj *Injection, status *Status) error {
	t := status.TimeIndex

	inj.S += complex(valueAt(g.PProfile, t, g.P), 0)
	inj.Qmin += g.Qmin
	inj.Qmax += g.Qmax
	return inj.setVoltage(g.Name, valueAt(g.VsetProfile, t, g.Vset))
}
