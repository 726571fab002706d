package circuit

import (
	"errors"
	"fmt"
)

var (
	ErrNoSlack         = errors.New("circuit: no slack bus")
	ErrIndexOutOfRange = errors.New("circuit: index out of range")
	ErrUnknownBus      = errors.New("circuit: bus not in network")
	ErrNotCompiled     = errors.New("circuit: not compiled")
)

type DiagnosticKind int

const (
	DiagNoSlack DiagnosticKind = iota
	DiagSlackPromoted
	DiagZeroImpedance
	DiagRatingGuard
	DiagVoltageConflict
	DiagControlLoop
	DiagCancelled
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagNoSlack:
		return "no-slack"
	case DiagSlackPromoted:
		return "slack-promoted"
	case DiagZeroImpedance:
		return "zero-impedance"
	case DiagRatingGuard:
		return "rating-guard"
	case DiagVoltageConflict:
		return "voltage-conflict"
	case DiagControlLoop:
		return "control-loop"
	case DiagCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Diagnostic is a finding attached to an island, at compile or solve time.
type Diagnostic struct {
	Kind    DiagnosticKind
	Element string
	Message string
	Err     error
}

func (d Diagnostic) String() string {
	if d.Element == "" {
		return fmt.Sprintf("[%s] %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", d.Kind, d.Element, d.Message)
}

// Fatal reports whether the island cannot be solved as compiled.
func (d Diagnostic) Fatal() bool {
	return d.Kind == DiagNoSlack || d.Kind == DiagZeroImpedance || d.Kind == DiagVoltageConflict
}
