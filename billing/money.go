package billing

import (
	"github.com/shopspring/decimal"
)

// FormatCents renders minor units as a fixed two-decimal amount ("12.50").
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// PerClassSplit is a block price divided across its classes.
type PerClassSplit struct {
	Classes       int
	UnitCents     int64
	LastUnitCents int64
}

// HasRemainder reports whether the last class carries leftover cents.
func (s PerClassSplit) HasRemainder() bool { return s.LastUnitCents != s.UnitCents }

// Total returns the exact amount the split was made from.
func (s PerClassSplit) Total() int64 {
	if s.Classes == 0 {
		return 0
	}
	return s.UnitCents*int64(s.Classes-1) + s.LastUnitCents
}

// SplitPerClass divides totalCents across classes using integer division.
// The remainder is folded into the last class so no cent is lost; there is no
// banker's rounding anywhere in the engine.
func SplitPerClass(totalCents int64, classes int) (PerClassSplit, error) {
	if classes <= 0 {
		return PerClassSplit{}, invalid("classes", "must be positive, got %d", classes)
	}
	if totalCents < 0 {
		return PerClassSplit{}, invalid("totalCents", "must not be negative, got %d", totalCents)
	}
	unit := totalCents / int64(classes)
	rem := totalCents % int64(classes)
	return PerClassSplit{Classes: classes, UnitCents: unit, LastUnitCents: unit + rem}, nil
}
