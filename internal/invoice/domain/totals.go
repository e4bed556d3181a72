package domain

import (
	"github.com/shopspring/decimal"
)

const carriedBalanceSKU = "carried-balance"

// Totals is the result of pricing a set of lines against a carried balance,
// a percent discount and a flat tax rate.
type Totals struct {
	Lines    []LineItem
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
	// Balance is what remains on the subscription after this invoice: unused
	// credit as a negative number, otherwise zero.
	Balance int64
}

// Applied is how much of balance the invoice consumed, in the same sign as
// balance. Adding it back to the subscription undoes the invoice.
func (t Totals) Applied(balance int64) int64 {
	return balance - t.Balance
}

// ComputeTotals prices lines. A positive balance is billed as an extra line;
// a negative balance is a credit applied after the percent discount and
// capped so the pre-tax amount never goes below zero.
func ComputeTotals(lines []LineItem, balance int64, discountPercent decimal.Decimal, taxPercent float64) Totals {
	out := Totals{Lines: append([]LineItem(nil), lines...)}
	if balance > 0 {
		out.Lines = append(out.Lines, NewLineItem(carriedBalanceSKU, "Carried balance", balance, 1))
	}
	for _, line := range out.Lines {
		out.Subtotal += line.Amount
	}

	subtotal := decimal.NewFromInt(out.Subtotal)
	percentDiscount := int64(0)
	if discountPercent.IsPositive() {
		percentDiscount = subtotal.Mul(discountPercent).Div(decimal.NewFromInt(100)).Round(0).IntPart()
		percentDiscount = min(percentDiscount, out.Subtotal)
	}

	credit := int64(0)
	if balance < 0 {
		credit = -balance
	}
	applied := min(credit, out.Subtotal-percentDiscount)
	out.Discount = percentDiscount + applied
	out.Balance = -(credit - applied)

	taxable := decimal.NewFromInt(out.Subtotal - out.Discount)
	out.Tax = taxable.Mul(decimal.NewFromFloat(taxPercent)).Div(decimal.NewFromInt(100)).Round(0).IntPart()
	out.Total = out.Subtotal - out.Discount + out.Tax
	return out
}
