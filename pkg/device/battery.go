package device

// Battery is a controlled generator backed by an energy store. With storage
// dispatch on, its bus is dispatched at P instead of voltage controlled.
type Battery struct {
	ControlledGenerator
	Enom float64 // MWh
}

func NewBattery(name string, p, vset, enom float64) *Battery {
	return &Battery{
		ControlledGenerator: *NewControlledGenerator(name, p, vset),
		Enom:                enom,
	}
}

func (b *Battery) GetType() string { return "BATTERY" }
