package fault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPercent_Clamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		num  uint64
		den  Denominator
		want Percent
	}{
		{name: "in range", num: 25, den: Hundred, want: Percent{25, Hundred}},
		{name: "over denominator", num: 250, den: Hundred, want: Percent{100, Hundred}},
		{name: "million", num: 5, den: Million, want: Percent{5, Million}},
		{name: "unknown denominator", num: 500, den: 7, want: Percent{100, Hundred}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewPercent(tt.num, tt.den))
		})
	}
}

func TestPercent_Hit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		p      Percent
		sample float64
		want   bool
	}{
		{name: "zero never", p: Never(), sample: 0, want: false},
		{name: "full always", p: Always(), sample: 0.999999, want: true},
		{name: "just below", p: NewPercent(50, Hundred), sample: 0.4999, want: true},
		{name: "boundary", p: NewPercent(50, Hundred), sample: 0.5, want: false},
		{name: "fine grained", p: NewPercent(1, TenThousand), sample: 0.00009, want: true},
		{name: "fine grained miss", p: NewPercent(1, TenThousand), sample: 0.0001, want: false},
		{name: "negative sample", p: NewPercent(1, Hundred), sample: -1, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Hit(tt.sample))
		})
	}
}

func TestPercent_WithNumeratorKeepsDenominator(t *testing.T) {
	t.Parallel()
	p := NewPercent(10, TenThousand).WithNumerator(20_000)
	assert.Equal(t, Percent{10_000, TenThousand}, p)
	assert.InDelta(t, 1.0, p.Fraction(), 1e-9)
	assert.Equal(t, "10000/10000", p.String())
}

func TestParseDenominator(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Denominator{
		"":             Hundred,
		"HUNDRED":      Hundred,
		"ten_thousand": TenThousand,
		"million":      Million,
	} {
		got, err := ParseDenominator(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.Equal(t, want.String(), got.String())
		}
	}

	_, err := ParseDenominator("billion")
	assert.Error(t, err)
}
