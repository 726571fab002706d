package util

import (
	"fmt"
	"math"
	"math/cmplx"
)

func FormatValueFactor(value float64, unit string) string {
	absValue := math.Abs(value)
	switch {
	case absValue >= 1:
		return fmt.Sprintf("%.3f %s", value, unit)
	case absValue >= 1e-3:
		return fmt.Sprintf("%.3f m%s", value*1e3, unit)
	case absValue >= 1e-6:
		return fmt.Sprintf("%.3f u%s", value*1e6, unit)
	case absValue >= 1e-9:
		return fmt.Sprintf("%.3f n%s", value*1e9, unit)
	case absValue == 0:
		return fmt.Sprintf("0.000 %s", unit)
	default:
		return fmt.Sprintf("%.3e %s", value, unit)
	}
}

// FormatPhasor prints a per-unit phasor as magnitude and angle in degrees.
func FormatPhasor(name string, value complex128) string {
	mag := cmplx.Abs(value)
	var magStr string
	if mag >= 1000 || (mag < 0.001 && mag != 0) {
		magStr = fmt.Sprintf("%8.2e", mag) // e.g., "5.43e-05"
	} else {
		magStr = fmt.Sprintf("%8.4f", mag) // e.g., "  0.9812"
	}
	phaseStr := fmt.Sprintf("%7.2f", cmplx.Phase(value)*180/math.Pi) // e.g., "  -5.71"
	return fmt.Sprintf("%s=%s<%sdeg", name, magStr, phaseStr)
}

// FormatPower prints a complex power in MVA as P and Q.
func FormatPower(s complex128) string {
	return fmt.Sprintf("%10.3f MW %+10.3f MVAr", real(s), imag(s))
}

func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%7.2f %%", ratio*100)
}
