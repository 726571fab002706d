package device

import (
	"fmt"

	"github.com/edp1096/toy-powerflow/internal/consts"
	"github.com/google/uuid"
)

type BusType int

const (
	PQ BusType = iota + 1
	PV
	REF
	NONE
	STO_DISPATCH
)

func (t BusType) String() string {
	switch t {
	case PQ:
		return "PQ"
	case PV:
		return "PV"
	case REF:
		return "REF"
	case STO_DISPATCH:
		return "STO_DISPATCH"
	default:
		return "NONE"
	}
}

// Bus is a network node and the owner of the devices connected to it.
type Bus struct {
	ID      uuid.UUID
	Name    string
	Vnom    float64    // kV
	Vmin    float64    // p.u.
	Vmax    float64    // p.u.
	Zf      complex128 // Fault impedance (p.u.)
	IsSlack bool
	Active  bool

	// Type is derived from the attached devices on every compile.
	Type BusType

	Loads                []*Load
	StaticGenerators     []*StaticGenerator
	ControlledGenerators []*ControlledGenerator
	Batteries            []*Battery
	Shunts               []*Shunt
}

func NewBus(name string, vnom float64) *Bus {
	return &Bus{
		ID:     uuid.New(),
		Name:   name,
		Vnom:   vnom,
		Vmin:   0.9,
		Vmax:   1.1,
		Active: true,
		Type:   PQ,
	}
}

// Add attaches a device to the bus.
func (b *Bus) Add(d Device) error {
	switch dev := d.(type) {
	case *Load:
		b.Loads = append(b.Loads, dev)
	case *StaticGenerator:
		b.StaticGenerators = append(b.StaticGenerators, dev)
	case *Battery:
		b.Batteries = append(b.Batteries, dev)
	case *ControlledGenerator:
		b.ControlledGenerators = append(b.ControlledGenerators, dev)
	case *Shunt:
		b.Shunts = append(b.Shunts, dev)
	default:
		return fmt.Errorf("%w: %T on bus %s", ErrUnknownDevice, d, b.Name)
	}
	return nil
}

// Devices lists the attached devices in stamping order.
func (b *Bus) Devices() []Device {
	devices := make([]Device, 0, len(b.Loads)+len(b.StaticGenerators)+
		len(b.ControlledGenerators)+len(b.Batteries)+len(b.Shunts))
	for _, d := range b.Loads {
		devices = append(devices, d)
	}
	for _, d := range b.ControlledGenerators {
		devices = append(devices, d)
	}
	for _, d := range b.Batteries {
		devices = append(devices, d)
	}
	for _, d := range b.Shunts {
		devices = append(devices, d)
	}
	for _, d := range b.StaticGenerators {
		devices = append(devices, d)
	}
	return devices
}

func countActive[T Device](devices []T) int {
	n := 0
	for _, d := range devices {
		if d.IsActive() {
			n++
		}
	}
	return n
}

// DetermineType infers the bus type from the active devices and the slack flag.
func (b *Bus) DetermineType(status *Status) BusType {
	switch {
	case countActive(b.ControlledGenerators) > 0:
		if b.IsSlack {
			return REF
		}
		return PV
	case countActive(b.Batteries) > 0:
		if status.DispatchStorage {
			return STO_DISPATCH
		}
		return PV
	case b.IsSlack:
		return REF
	default:
		return PQ
	}
}

// Aggregate collapses the attached devices into one injection and updates
// the bus type. Quantities stay in MVA; the compiler normalizes them.
func (b *Bus) Aggregate(status *Status) (Injection, error) {
	b.Type = b.DetermineType(status)

	inj := Injection{V: 1}
	for _, d := range b.Devices() {
		if !d.IsActive() {
			continue
		}
		if err := d.Stamp(&inj, status); err != nil {
			return Injection{}, fmt.Errorf("bus %s: %w", b.Name, err)
		}
	}

	sbase := status.Sbase
	if sbase == 0 {
		sbase = consts.SBASE
	}
	if inj.Qmin == 0 {
		inj.Qmin = -consts.QLIMIT * sbase
	}
	if inj.Qmax == 0 {
		inj.Qmax = consts.QLIMIT * sbase
	}
	return inj, nil
}

// ProfileLength is the longest profile among the attached devices.
func (b *Bus) ProfileLength() int {
	n := 0
	for _, l := range b.Loads {
		n = max(n, len(l.ZProfile), len(l.IProfile), len(l.SProfile))
	}
	for _, g := range b.StaticGenerators {
		n = max(n, len(g.SProfile))
	}
	for _, g := range b.ControlledGenerators {
		n = max(n, len(g.PProfile), len(g.VsetProfile))
	}
	for _, g := range b.Batteries {
		n = max(n, len(g.PProfile), len(g.VsetProfile))
	}
	for _, s := range b.Shunts {
		n = max(n, len(s.YProfile))
	}
	return n
}
