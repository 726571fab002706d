package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatValueFactor(t *testing.T) {
	for value, want := range map[float64]string{
		1.5:     "1.500 s",
		0.0025:  "2.500 ms",
		3e-6:    "3.000 us",
		0:       "0.000 s",
		4.2e-11: "4.200e-11 s",
	} {
		assert.Equal(t, want, FormatValueFactor(value, "s"), value)
	}
}

func TestFormatPhasor(t *testing.T) {
	assert.Equal(t, "V(a)=  1.0000<  90.00deg", FormatPhasor("V(a)", 1i))
	assert.Equal(t, "I(b)=2.00e+03<   0.00deg", FormatPhasor("I(b)", 2000))
}

func TestFormatPowerAndPercent(t *testing.T) {
	assert.Equal(t, "   100.000 MW    -50.000 MVAr", FormatPower(complex(100, -50)))
	assert.Equal(t, "  56.00 %", FormatPercent(0.56))
}
