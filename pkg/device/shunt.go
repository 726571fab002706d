package device

// Shunt is a fixed admittance to ground in MVA at 1 p.u. voltage.
type Shunt struct {
	BaseDevice
	Y        complex128
	YProfile []complex128
}

func NewShunt(name string, y complex128) *Shunt {
	return &Shunt{BaseDevice: newBaseDevice(name), Y: y}
}

func (s *Shunt) GetType() string { return "SHUNT" }

func (s *Shunt) Stamp(inj *Injection, status *Status) error {
	inj.Y += valueAt(s.YProfile, status.TimeIndex, s.Y)
	return nil
}
