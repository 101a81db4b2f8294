// Package core provides the shared domain types of the capture and sync pipeline.
//
// This file contains the amount normalization used when monetary values are
// lifted out of free-form message text.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a matched amount string into a non-negative decimal.
//
// Commas are thousands separators and are removed before parsing, so both
// western (1,234.50) and Indian (1,00,000.00) grouping are accepted. At most one
// dot may appear. Signs, letters and empty input are rejected with ErrInvalidAmount.
// Zero is a valid amount.
//
// Examples:
//
//	ParseAmount("1,234.50") -> 1234.50, nil
//	ParseAmount("99.00")    -> 99, nil
//	ParseAmount("1.2.3")    -> 0, ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	dots := 0
	for _, r := range s {
		switch {
		case r == '.':
			dots++
		case !unicode.IsDigit(r) || r > unicode.MaxASCII:
			return decimal.Decimal{}, ErrInvalidAmount
		}
	}
	if dots > 1 || strings.HasPrefix(s, ".") {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	return d, nil
}
