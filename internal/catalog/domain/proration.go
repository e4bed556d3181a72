package domain

import (
	"github.com/shopspring/decimal"
)

// CalculateProration returns the signed charge for moving from current to next
// with daysRemaining of totalDays left: positive is owed by the tenant,
// negative is a credit. The exact difference (next-current)*dr/td is rounded
// half away from zero to whole minor units, so a downgrade is the exact
// negation of the matching upgrade.
func CalculateProration(current, next Plan, daysRemaining, totalDays int) (int64, error) {
	if totalDays <= 0 || daysRemaining < 0 || daysRemaining > totalDays {
		return 0, ErrInvalidProrationWindow
	}
	currentPrice, err := current.Amount()
	if err != nil {
		return 0, err
	}
	nextPrice, err := next.Amount()
	if err != nil {
		return 0, err
	}

	diff := decimal.NewFromInt(nextPrice - currentPrice)
	amount := diff.Mul(decimal.NewFromInt(int64(daysRemaining))).
		Div(decimal.NewFromInt(int64(totalDays))).
		Round(0)
	return amount.IntPart(), nil
}

// UnusedCredit is the value of the remaining days on plan, rounded the same
// way as CalculateProration.
func UnusedCredit(plan Plan, daysRemaining, totalDays int) (int64, error) {
	if totalDays <= 0 || daysRemaining < 0 || daysRemaining > totalDays {
		return 0, ErrInvalidProrationWindow
	}
	price, err := plan.Amount()
	if err != nil {
		return 0, err
	}
	return decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(int64(daysRemaining))).
		Div(decimal.NewFromInt(int64(totalDays))).
		Round(0).
		IntPart(), nil
}

// YearlyFromMonthly applies the yearly discount percent to twelve months.
func YearlyFromMonthly(monthly, discountPercent int64) int64 {
	return decimal.NewFromInt(monthly).
		Mul(decimal.NewFromInt(12)).
		Mul(decimal.NewFromInt(100 - discountPercent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}
