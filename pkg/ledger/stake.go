package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxStakeMinor bounds a single stake so the doubled win payout still fits in int64.
const MaxStakeMinor int64 = math.MaxInt64 / 2

// ParseStake converts a decimal major-unit string into minor units, truncating
// anything below one minor unit. Non-positive and oversized values are rejected.
func ParseStake(raw string) (PositiveAmountMinor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty stake", ErrInvalidAmount)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	minor := parsed.Shift(minorUnitExponent).Truncate(0)
	if minor.Sign() <= 0 {
		return 0, fmt.Errorf("%w: stake must be greater than zero", ErrInvalidAmount)
	}
	if minor.GreaterThan(decimal.NewFromInt(MaxStakeMinor)) {
		return 0, fmt.Errorf("%w: stake exceeds maximum", ErrInvalidAmount)
	}
	return NewPositiveAmountMinor(minor.IntPart())
}

// FormatMinor renders a minor-unit amount as a major-unit decimal string.
func FormatMinor(amount int64) string {
	return decimal.New(amount, -minorUnitExponent).String()
}
