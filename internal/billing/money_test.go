package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeItemTotal(t *testing.T) {
	tests := []struct {
		name                            string
		qty, price, discountPct, taxPct float64
		want                            float64
	}{
		{"discount before tax", 2, 100, 10, 5, 189},
		{"plain", 1, 99.99, 0, 0, 99.99},
		{"repeating cents", 3, 33.33, 0, 0, 99.99},
		{"fully discounted", 1, 10, 100, 10, 0},
		{"rounds to cents", 1, 19.99, 15, 8.25, 18.39},
		{"free item", 4, 0, 0, 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeItemTotal(tt.qty, tt.price, tt.discountPct, tt.taxPct))
		})
	}
}

func TestComputeTotalsAppliesInvoiceDiscountThenTax(t *testing.T) {
	items := []Item{
		{Description: "Consultation", Quantity: 2, UnitPrice: 100, DiscountPct: 10, TaxPct: 5},
		{Description: "Lab panel", Quantity: 1, UnitPrice: 50},
	}
	totals := ComputeTotals(items, 10, 5)

	assert.Equal(t, 189.0, items[0].Total)
	assert.Equal(t, 50.0, items[1].Total)
	assert.Equal(t, 239.0, totals.Subtotal)
	assert.Equal(t, 23.9, totals.DiscountAmount)
	assert.Equal(t, 10.76, totals.TaxAmount)
	assert.Equal(t, 225.86, totals.TotalAmount)
}

func TestTotalsApplyKeepsPaidAmount(t *testing.T) {
	inv := &Invoice{AmountPaid: 40}
	Totals{Subtotal: 100, TotalAmount: 100}.Apply(inv)
	assert.Equal(t, 60.0, inv.BalanceDue)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name        string
		total, paid float64
		want        string
	}{
		{"nothing paid", 100, 0, InvoicePending},
		{"part paid", 100, 0.01, InvoicePartiallyPaid},
		{"fully paid", 100, 100, InvoicePaid},
		{"free invoice stays pending", 0, 0, InvoicePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &Invoice{TotalAmount: tt.total, BalanceDue: tt.total, Status: InvoiceOverdue}
			inv.applyPayment(dec(tt.paid))
			inv.settle()
			assert.Equal(t, tt.want, inv.Status)
			assert.Equal(t, cents(dec(tt.total).Sub(dec(tt.paid))), inv.BalanceDue)
		})
	}
}

func TestExceedsBalanceAtCentPrecision(t *testing.T) {
	inv := &Invoice{BalanceDue: 10.1}
	assert.False(t, inv.exceedsBalance(dec(10.1)))
	assert.False(t, inv.exceedsBalance(dec(10.104)))
	assert.True(t, inv.exceedsBalance(dec(10.11)))
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "89", formatMoney(89))
	assert.Equal(t, "94.5", formatMoney(94.5))
	assert.Equal(t, "USD 94.50", money("USD", 94.5))
}
