package device

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrZeroImpedance      = errors.New("device: zero series impedance")
	ErrVoltageSetConflict = errors.New("device: conflicting voltage set points")
	ErrUnknownDevice      = errors.New("device: unknown device type")
)

type Device interface {
	GetID() uuid.UUID
	GetName() string
	GetType() string
	IsActive() bool
	Stamp(inj *Injection, status *Status) error
}

type BaseDevice struct {
	ID     uuid.UUID
	Name   string
	Active bool
}

func newBaseDevice(name string) BaseDevice {
	return BaseDevice{
		ID:     uuid.New(),
		Name:   name,
		Active: true,
	}
}

func (d *BaseDevice) GetID() uuid.UUID { return d.ID }
func (d *BaseDevice) GetName() string  { return d.Name }
func (d *BaseDevice) IsActive() bool   { return d.Active }

// Status is the evaluation context of device set points.
type Status struct {
	TimeIndex       int     // Profile step, negative for snapshot values
	Sbase           float64 // System power base (MVA)
	DispatchStorage bool    // Batteries are dispatched instead of voltage controlled
}

func SnapshotStatus(sbase float64) *Status {
	return &Status{TimeIndex: -1, Sbase: sbase, DispatchStorage: true}
}

// Injection is what the devices of one bus add up to. Power, current and
// admittance are in MVA at 1 p.u. voltage, limits in MVAr.
type Injection struct {
	Y    complex128 // Shunt admittance
	I    complex128 // Current injection
	S    complex128 // Power injection, positive generates
	V    complex128 // Voltage set point or initial guess
	Qmin float64
	Qmax float64

	vSet  bool
	vFrom string
}

// setVoltage assigns a voltage set point, refusing a second different one.
func (inj *Injection) setVoltage(name string, vset float64) error {
	if inj.vSet && real(inj.V) != vset {
		return fmt.Errorf("%w: %s wants %g p.u., %s already set %g p.u.",
			ErrVoltageSetConflict, name, vset, inj.vFrom, real(inj.V))
	}
	inj.V = complex(vset, 0)
	inj.vSet = true
	inj.vFrom = name
	return nil
}

// valueAt picks a profile step, falling back to the snapshot value.
func valueAt[T float64 | complex128](profile []T, t int, snapshot T) T {
	if t < 0 || t >= len(profile) {
		return snapshot
	}
	return profile[t]
}
