// Package sizing maps requested order sizes onto exchange-legal sizes.
package sizing

import (
	"errors"
	"fmt"

	"gridbot-orchestrator/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositive is returned when the size rounds down to zero or below.
	ErrNonPositive = errors.New("order size must be positive")
	// ErrBelowMinimum is returned when the rounded size is under the venue minimum.
	ErrBelowMinimum = errors.New("order size below exchange minimum")
)

// Normalize rounds size down to the nearest lot step and rejects sizes the
// exchange would refuse. A non-positive step is treated as an integer step.
func Normalize(size float64, rules models.SymbolRules) (float64, error) {
	step := decimal.NewFromFloat(rules.LotStep)
	if !step.IsPositive() {
		step = decimal.NewFromInt(1)
	}

	requested := decimal.NewFromFloat(size)
	rounded := requested.Div(step).Floor().Mul(step)

	if !rounded.IsPositive() {
		return 0, fmt.Errorf("%w: requested %s, step %s", ErrNonPositive, requested, step)
	}
	if rounded.LessThan(decimal.NewFromFloat(rules.MinSize)) {
		return 0, fmt.Errorf("%w: rounded %s < min %v", ErrBelowMinimum, rounded, rules.MinSize)
	}

	out, _ := rounded.Float64()
	return out, nil
}

// StepDecimals returns how many decimal places a step size carries, which is
// what the exchange expects when the size is rendered as a string.
func StepDecimals(step float64) int32 {
	d := decimal.NewFromFloat(step)
	if d.Exponent() >= 0 {
		return 0
	}
	return -d.Exponent()
}

// Format renders size with the precision implied by step.
func Format(size, step float64) string {
	return decimal.NewFromFloat(size).StringFixed(StepDecimals(step))
}
