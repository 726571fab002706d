package device

// Load is a ZIP load: constant impedance, current and power parts, all in
// MVA at 1 p.u. voltage. Positive values consume.
type Load struct {
	BaseDevice
	Z complex128
	I complex128
	S complex128

	ZProfile []complex128
	IProfile []complex128
	SProfile []complex128
}

func NewLoad(name string, s complex128) *Load {
	return &Load{BaseDevice: newBaseDevice(name), S: s}
}

func NewZIPLoad(name string, z, i, s complex128) *Load {
	return &Load{BaseDevice: newBaseDevice(name), Z: z, I: i, S: s}
}

func (l *Load) GetType() string { return "LOAD" }

func (l *Load) Stamp(inj *Injection, status *Status) error {
	t := status.TimeIndex

	if z := valueAt(l.ZProfile, t, l.Z); z != 0 {
		inj.Y += 1 / z
	}
	// Loads consume, so the injection sign is reversed
	inj.I -= valueAt(l.IProfile, t, l.I)
	inj.S -= valueAt(l.SProfile, t, l.S)
	return nil
}
