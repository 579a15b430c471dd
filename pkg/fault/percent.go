package fault

import (
	"fmt"
	"strings"
)

// Denominator is the scale of a Percent.
type Denominator uint64

// Supported denominators.
const (
	Hundred     Denominator = 100
	TenThousand Denominator = 10_000
	Million     Denominator = 1_000_000
)

// ParseDenominator accepts the names used in configuration files
// (hundred, ten_thousand, million). An empty name means Hundred.
func ParseDenominator(s string) (Denominator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hundred":
		return Hundred, nil
	case "ten_thousand":
		return TenThousand, nil
	case "million":
		return Million, nil
	default:
		return 0, fmt.Errorf("unknown denominator %q", s)
	}
}

func (d Denominator) String() string {
	switch d {
	case TenThousand:
		return "ten_thousand"
	case Million:
		return "million"
	default:
		return "hundred"
	}
}

func (d Denominator) valid() bool {
	return d == Hundred || d == TenThousand || d == Million
}

// Percent is the fraction Numerator/Denominator. Values built with
// NewPercent always satisfy Numerator <= Denominator.
type Percent struct {
	Numerator   uint64
	Denominator Denominator
}

// NewPercent normalizes an unknown denominator to Hundred and clamps the
// numerator to the denominator.
func NewPercent(numerator uint64, den Denominator) Percent {
	if !den.valid() {
		den = Hundred
	}
	if numerator > uint64(den) {
		numerator = uint64(den)
	}
	return Percent{Numerator: numerator, Denominator: den}
}

// Never is a zero percent.
func Never() Percent {
	return Percent{Numerator: 0, Denominator: Hundred}
}

// Always is a hundred percent.
func Always() Percent {
	return Percent{Numerator: 100, Denominator: Hundred}
}

// WithNumerator returns p with its numerator replaced, keeping the
// denominator. Runtime overrides are applied this way.
func (p Percent) WithNumerator(n uint64) Percent {
	return NewPercent(n, p.Denominator)
}

// Hit reports whether sample, drawn uniformly from [0, 1), falls inside
// the fraction.
func (p Percent) Hit(sample float64) bool {
	if p.Numerator == 0 {
		return false
	}
	if sample < 0 {
		sample = 0
	}
	return uint64(sample*float64(p.Denominator)) < p.Numerator
}

// Fraction returns p as a float in [0, 1].
func (p Percent) Fraction() float64 {
	if p.Denominator == 0 {
		return 0
	}
	return float64(p.Numerator) / float64(p.Denominator)
}

func (p Percent) String() string {
	return fmt.Sprintf("%d/%d", p.Numerator, uint64(p.Denominator))
}
