package core

import (
	"github.com/shopspring/decimal"
)

// LineItemInput is one unsaved invoice line. Discount may be given as an
// absolute amount or a percentage of the line gross; when both are set the
// percentage wins and is resolved to an amount first.
type LineItemInput struct {
	ItemID          int             `json:"item_id"`
	Quantity        decimal.Decimal `json:"quantity"`
	Rate            decimal.Decimal `json:"rate"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
}

// Totals is the computed header of an invoice.
// Invariant: TotalAmount = Subtotal − DiscountAmount + TaxAmount + TCSAmount.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TCSAmount      decimal.Decimal
	TotalAmount    decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// round2 rounds to the smallest currency unit. All line-level figures are
// rounded before summation so header totals equal the sum of rounded lines
// exactly, with no cross-line drift.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ComputeInvoiceTotals computes subtotal, tax, TCS and the tax-inclusive
// total for an ordered list of line items. It is a pure function: no I/O,
// no stock side effects. An empty line list yields all-zero totals.
func ComputeInvoiceTotals(lines []LineItemInput, invoiceDiscount decimal.Decimal, tcs TCSConfig) (Totals, []LineItem, error) {
	var (
		subtotal  decimal.Decimal
		taxAmount decimal.Decimal
		computed  []LineItem
	)

	for i, in := range lines {
		if in.Quantity.IsNegative() {
			return Totals{}, nil, &ValidationError{Field: "quantity", Reason: "must not be negative"}
		}
		if in.Rate.IsNegative() {
			return Totals{}, nil, &ValidationError{Field: "rate", Reason: "must not be negative"}
		}

		gross := in.Quantity.Mul(in.Rate)

		discount := in.DiscountAmount
		if !in.DiscountPercent.IsZero() {
			discount = gross.Mul(in.DiscountPercent).Div(hundred)
		}
		discount = round2(discount)
		if discount.IsNegative() {
			return Totals{}, nil, &ValidationError{Field: "discount", Reason: "must not be negative"}
		}
		if discount.GreaterThan(round2(gross)) {
			return Totals{}, nil, &ValidationError{Field: "discount", Reason: "exceeds line amount"}
		}

		lineNet := round2(gross).Sub(discount)
		lineTax := round2(lineNet.Mul(in.TaxRate).Div(hundred))
		lineTotal := lineNet.Add(lineTax)

		subtotal = subtotal.Add(lineNet)
		taxAmount = taxAmount.Add(lineTax)

		computed = append(computed, LineItem{
			LineNumber:     i + 1,
			ItemID:         in.ItemID,
			Quantity:       in.Quantity,
			Rate:           in.Rate,
			DiscountAmount: discount,
			TaxRate:        in.TaxRate,
			TaxAmount:      lineTax,
			LineTotal:      lineTotal,
		})
	}

	invoiceDiscount = round2(invoiceDiscount)
	if invoiceDiscount.IsNegative() {
		return Totals{}, nil, &ValidationError{Field: "invoice_discount", Reason: "must not be negative"}
	}

	base := subtotal.Sub(invoiceDiscount).Add(taxAmount)

	var tcsAmount decimal.Decimal
	if tcs.Enabled && !tcs.Rate.IsZero() {
		tcsAmount = round2(base.Mul(tcs.Rate).Div(hundred))
	}

	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: invoiceDiscount,
		TaxAmount:      taxAmount,
		TCSAmount:      tcsAmount,
		TotalAmount:    base.Add(tcsAmount),
	}, computed, nil
}
