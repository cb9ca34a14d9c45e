package core_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"billing-ledger/internal/core"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestComputeInvoiceTotals(t *testing.T) {
	tests := []struct {
		name            string
		lines           []core.LineItemInput
		invoiceDiscount decimal.Decimal
		tcs             core.TCSConfig
		wantSubtotal    string
		wantTax         string
		wantTCS         string
		wantTotal       string
		expectErr       bool
	}{
		{
			name: "single line no discount no tax",
			lines: []core.LineItemInput{
				{ItemID: 1, Quantity: d("2"), Rate: d("100")},
			},
			wantSubtotal: "200",
			wantTax:      "0",
			wantTCS:      "0",
			wantTotal:    "200",
		},
		{
			name: "line discount amount and tax",
			lines: []core.LineItemInput{
				{ItemID: 1, Quantity: d("3"), Rate: d("150"), DiscountAmount: d("50"), TaxRate: d("18")},
			},
			wantSubtotal: "400",
			wantTax:      "72",
			wantTotal:    "472",
			wantTCS:      "0",
		},
		{
			name: "percent discount resolved to amount first",
			lines: []core.LineItemInput{
				{ItemID: 1, Quantity: d("4"), Rate: d("250"), DiscountPercent: d("10"), TaxRate: d("5")},
			},
			// gross 1000, discount 100, net 900, tax 45
			wantSubtotal: "900",
			wantTax:      "45",
			wantTotal:    "945",
			wantTCS:      "0",
		},
		{
			name: "multiple lines sum of rounded lines exactly",
			lines: []core.LineItemInput{
				{ItemID: 1, Quantity: d("1"), Rate: d("33.335"), TaxRate: d("18")},
				{ItemID: 2, Quantity: d("1"), Rate: d("33.335"), TaxRate: d("18")},
				{ItemID: 3, Quantity: d("1"), Rate: d("33.335"), TaxRate: d("18")},
			},
			// each line rounds to 33.34 / tax 6.00 before summation
			wantSubtotal: "100.02",
			wantTax:      "18",
			wantTotal:    "118.02",
			wantTCS:      "0",
		},
		{
			name:            "invoice discount",
			lines:           []core.LineItemInput{{ItemID: 1, Quantity: d("10"), Rate: d("50")}},
			invoiceDiscount: d("100"),
			wantSubtotal:    "500",
			wantTax:         "0",
			wantTotal:       "400",
			wantTCS:         "0",
		},
		{
			name:            "tcs on top of tax-inclusive base",
			lines:           []core.LineItemInput{{ItemID: 1, Quantity: d("10"), Rate: d("100"), TaxRate: d("18")}},
			invoiceDiscount: d("0"),
			tcs:             core.TCSConfig{Enabled: true, Rate: d("1")},
			// base 1000 + 180 = 1180, tcs 11.80
			wantSubtotal: "1000",
			wantTax:      "180",
			wantTCS:      "11.8",
			wantTotal:    "1191.8",
		},
		{
			name:         "zero lines",
			lines:        nil,
			wantSubtotal: "0",
			wantTax:      "0",
			wantTCS:      "0",
			wantTotal:    "0",
		},
		{
			name:      "negative quantity rejected",
			lines:     []core.LineItemInput{{ItemID: 1, Quantity: d("-1"), Rate: d("10")}},
			expectErr: true,
		},
		{
			name:      "discount exceeding line rejected",
			lines:     []core.LineItemInput{{ItemID: 1, Quantity: d("1"), Rate: d("10"), DiscountAmount: d("11")}},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			totals, lines, err := core.ComputeInvoiceTotals(tt.lines, tt.invoiceDiscount, tt.tcs)
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !totals.Subtotal.Equal(d(tt.wantSubtotal)) {
				t.Errorf("subtotal = %s, want %s", totals.Subtotal, tt.wantSubtotal)
			}
			if !totals.TaxAmount.Equal(d(tt.wantTax)) {
				t.Errorf("tax = %s, want %s", totals.TaxAmount, tt.wantTax)
			}
			if !totals.TCSAmount.Equal(d(tt.wantTCS)) {
				t.Errorf("tcs = %s, want %s", totals.TCSAmount, tt.wantTCS)
			}
			if !totals.TotalAmount.Equal(d(tt.wantTotal)) {
				t.Errorf("total = %s, want %s", totals.TotalAmount, tt.wantTotal)
			}

			// Invariant: total = subtotal − discount + tax + tcs.
			derived := totals.Subtotal.Sub(totals.DiscountAmount).Add(totals.TaxAmount).Add(totals.TCSAmount)
			if !totals.TotalAmount.Equal(derived) {
				t.Errorf("total invariant broken: %s != %s", totals.TotalAmount, derived)
			}
			if len(lines) != len(tt.lines) {
				t.Errorf("computed %d lines, want %d", len(lines), len(tt.lines))
			}
		})
	}
}

func TestComputeInvoiceTotals_HeaderEqualsSumOfLines(t *testing.T) {
	lines := []core.LineItemInput{
		{ItemID: 1, Quantity: d("7"), Rate: d("13.333"), TaxRate: d("12")},
		{ItemID: 2, Quantity: d("2.5"), Rate: d("99.99"), DiscountPercent: d("7.5"), TaxRate: d("18")},
		{ItemID: 3, Quantity: d("11"), Rate: d("0.07"), DiscountAmount: d("0.15"), TaxRate: d("5")},
	}
	totals, computed, err := core.ComputeInvoiceTotals(lines, d("0"), core.TCSConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sumNet, sumTax decimal.Decimal
	for _, l := range computed {
		sumNet = sumNet.Add(l.LineTotal.Sub(l.TaxAmount))
		sumTax = sumTax.Add(l.TaxAmount)
	}
	if !totals.Subtotal.Equal(sumNet) {
		t.Errorf("subtotal %s != sum of rounded line nets %s", totals.Subtotal, sumNet)
	}
	if !totals.TaxAmount.Equal(sumTax) {
		t.Errorf("tax %s != sum of rounded line taxes %s", totals.TaxAmount, sumTax)
	}
}

func TestStatusFor(t *testing.T) {
	total := d("100")
	if got := core.StatusFor(total, d("0")); got != core.StatusUnpaid {
		t.Errorf("zero paid: got %s", got)
	}
	if got := core.StatusFor(total, d("40")); got != core.StatusPartial {
		t.Errorf("partial paid: got %s", got)
	}
	if got := core.StatusFor(total, d("100")); got != core.StatusPaid {
		t.Errorf("fully paid: got %s", got)
	}
	if got := core.StatusFor(total, d("120")); got != core.StatusPaid {
		t.Errorf("overpaid: got %s", got)
	}
}
