package billing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// cents rounds d half away from zero to two decimal places.
func cents(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// percentOf returns base * pct / 100.
func percentOf(base decimal.Decimal, pct float64) decimal.Decimal {
	return base.Mul(dec(pct)).Div(hundred)
}

// ComputeItemTotal prices one line: the discount applies to quantity times
// unit price and the tax to the discounted amount.
func ComputeItemTotal(quantity, unitPrice, discountPct, taxPct float64) float64 {
	return cents(itemTotal(quantity, unitPrice, discountPct, taxPct))
}

func itemTotal(quantity, unitPrice, discountPct, taxPct float64) decimal.Decimal {
	base := dec(quantity).Mul(dec(unitPrice))
	discounted := base.Sub(percentOf(base, discountPct))
	return discounted.Add(percentOf(discounted, taxPct)).Round(2)
}

// Totals are the derived money fields of an invoice.
type Totals struct {
	Subtotal       float64
	DiscountAmount float64
	TaxAmount      float64
	TotalAmount    float64
}

// ComputeTotals prices items and applies the invoice-level discount, then
// tax on the discounted subtotal. Item totals are written back to items.
func ComputeTotals(items []Item, discountPct, taxPct float64) Totals {
	subtotal := decimal.Zero
	for i := range items {
		total := itemTotal(items[i].Quantity, items[i].UnitPrice, items[i].DiscountPct, items[i].TaxPct)
		items[i].Total = cents(total)
		subtotal = subtotal.Add(total)
	}
	discount := percentOf(subtotal, discountPct).Round(2)
	tax := percentOf(subtotal.Sub(discount), taxPct).Round(2)
	return Totals{
		Subtotal:       cents(subtotal),
		DiscountAmount: cents(discount),
		TaxAmount:      cents(tax),
		TotalAmount:    cents(subtotal.Sub(discount).Add(tax)),
	}
}

// Apply copies totals onto the invoice and recomputes the balance.
func (t Totals) Apply(inv *Invoice) {
	inv.Subtotal = t.Subtotal
	inv.DiscountAmount = t.DiscountAmount
	inv.TaxAmount = t.TaxAmount
	inv.TotalAmount = t.TotalAmount
	inv.BalanceDue = cents(dec(inv.TotalAmount).Sub(dec(inv.AmountPaid)))
}

// applyPayment moves amount from balance to paid; a negative amount
// reverses a payment. The status is re-derived afterwards.
func (inv *Invoice) applyPayment(amount decimal.Decimal) {
	inv.AmountPaid = cents(dec(inv.AmountPaid).Add(amount))
	inv.BalanceDue = cents(dec(inv.TotalAmount).Sub(dec(inv.AmountPaid)))
}

// settle derives the payment status after the paid amount changed: paid
// when nothing is due, partially-paid while something was paid, pending
// when nothing was.
func (inv *Invoice) settle() {
	paid := dec(inv.AmountPaid)
	balance := dec(inv.BalanceDue)
	switch {
	case balance.IsZero() && paid.IsPositive():
		inv.Status = InvoicePaid
	case paid.IsPositive():
		inv.Status = InvoicePartiallyPaid
	default:
		inv.Status = InvoicePending
	}
}

// exceedsBalance reports amount > balance due at cent precision.
func (inv *Invoice) exceedsBalance(amount decimal.Decimal) bool {
	return amount.Round(2).GreaterThan(dec(inv.BalanceDue))
}

func formatMoney(f float64) string {
	return dec(f).Round(2).String()
}
