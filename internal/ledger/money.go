package ledger

import (
	"math"
	"strconv"
)

// Money is an amount in micro-units (1e-6) of the billing currency. Sums
// and differences are exact; floats only appear at the config and JSON
// edges.
type Money int64

const microsPerUnit = 1_000_000

// Units converts an amount in currency units, rounding to the nearest
// micro-unit.
func Units(v float64) Money {
	return Money(math.Round(v * microsPerUnit))
}

// Float64 returns m in currency units.
func (m Money) Float64() float64 {
	return float64(m) / microsPerUnit
}

// String formats m in currency units with no trailing zeros.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := strconv.FormatInt(v/microsPerUnit, 10)
	frac := v % microsPerUnit
	if frac == 0 {
		return sign + whole
	}
	digits := strconv.FormatInt(frac+microsPerUnit, 10)[1:]
	for digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
	}
	return sign + whole + "." + digits
}

// MarshalJSON encodes m as a decimal number of currency units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON decodes a number of currency units.
func (m *Money) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*m = Units(v)
	return nil
}
