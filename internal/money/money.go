// Package money represents amounts as integer minor units (cents).
// Floats never touch money anywhere in the codebase.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("money: invalid amount")

// Amount is a quantity of money in minor units (e.g. cents).
type Amount int64

// ParseDecimal parses a decimal string like "450.00" or "450" into minor
// units with two decimal places. More than two fractional digits is an error.
func ParseDecimal(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: too many decimal places in %q", ErrInvalidAmount, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if neg {
		n = -n
	}
	return Amount(n), nil
}

// MustParseDecimal is ParseDecimal that panics on error. Test helper.
func MustParseDecimal(s string) Amount {
	a, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Format renders the amount as a decimal string with two places.
func (a Amount) Format() string {
	n := int64(a)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a < 0 }
