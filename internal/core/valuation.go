package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockStatus classifies closing quantity for the reporting UI.
type StockStatus string

const (
	StockOut StockStatus = "out"
	StockLow StockStatus = "low"
	StockIn  StockStatus = "in-stock"
)

// Period is a calendar reporting window. Events dated on Start or End are
// counted as within the period; events after End are ignored entirely.
type Period struct {
	Start time.Time
	End   time.Time
}

// StockEvent is one invoice line item projected for valuation: the quantity
// moved and the rounded line total, with the owning invoice's date. Callers
// must pre-filter soft-deleted invoices.
type StockEvent struct {
	Date     time.Time
	Quantity decimal.Decimal
	Amount   decimal.Decimal
}

// StockAnchor carries the item master fields the valuation needs: the
// opening_stock balance as of the ledger epoch, and the current standard
// purchase cost used as the opening valuation fallback.
type StockAnchor struct {
	ItemID        int
	ItemName      string
	Unit          string
	OpeningStock  decimal.Decimal
	PurchasePrice decimal.Decimal
	LowStockAlert decimal.Decimal
}

// ValuationOptions tunes documented approximations.
// StandardCostFallback values pre-epoch stock at the item's current
// purchase price; the engine has no cost trail before the ledger epoch, so
// disabling it values opening stock at zero instead of guessing.
type ValuationOptions struct {
	StandardCostFallback bool
}

// DefaultValuationOptions matches the behavior of the production reports.
func DefaultValuationOptions() ValuationOptions {
	return ValuationOptions{StandardCostFallback: true}
}

// StockLedgerRow is the per-item result of a stock valuation pass.
type StockLedgerRow struct {
	ItemID   int
	ItemName string
	Unit     string

	OpeningQty      decimal.Decimal
	OpeningAvgPrice decimal.Decimal
	OpeningValue    decimal.Decimal

	PurchaseQty      decimal.Decimal
	PurchaseAmt      decimal.Decimal
	PurchaseAvgPrice decimal.Decimal

	SaleQty      decimal.Decimal
	SaleAmt      decimal.Decimal
	SaleAvgPrice decimal.Decimal

	ClosingQty      decimal.Decimal
	ClosingAvgPrice decimal.Decimal
	ClosingValue    decimal.Decimal

	Status StockStatus

	// DataQuality is set when the replayed history implied negative on-hand
	// stock and the engine clamped it to zero. Reports render a best-effort
	// view instead of failing; the flag marks the row for follow-up.
	DataQuality string
}

// ComputeStockLedger reconstructs opening/purchase/sale/closing quantities
// and weighted-average values for one item over a period, purely from the
// pre-fetched line-item history. There is no persisted running balance: the
// row is derived by partitioning events around the period bounds.
//
// Costing is a simplified weighted average: the blended acquisition cost
// inside the period overrides the opening cost when any purchase occurred,
// otherwise the opening valuation carries forward. It is applied uniformly
// to every item so a report stays internally consistent.
func ComputeStockLedger(anchor StockAnchor, period Period, purchases, sales []StockEvent, opts ValuationOptions) StockLedgerRow {
	row := StockLedgerRow{
		ItemID:   anchor.ItemID,
		ItemName: anchor.ItemName,
		Unit:     anchor.Unit,
	}

	var beforePurchaseQty, beforeSaleQty decimal.Decimal
	for _, ev := range purchases {
		switch bucketFor(ev.Date, period) {
		case bucketBefore:
			beforePurchaseQty = beforePurchaseQty.Add(ev.Quantity)
		case bucketWithin:
			row.PurchaseQty = row.PurchaseQty.Add(ev.Quantity)
			row.PurchaseAmt = row.PurchaseAmt.Add(ev.Amount)
		}
	}
	for _, ev := range sales {
		switch bucketFor(ev.Date, period) {
		case bucketBefore:
			beforeSaleQty = beforeSaleQty.Add(ev.Quantity)
		case bucketWithin:
			row.SaleQty = row.SaleQty.Add(ev.Quantity)
			row.SaleAmt = row.SaleAmt.Add(ev.Amount)
		}
	}

	// Opening = epoch anchor + pre-period purchases − pre-period sales,
	// clamped at zero. Negative implied stock is a data-quality condition,
	// not a crash.
	opening := anchor.OpeningStock.Add(beforePurchaseQty).Sub(beforeSaleQty)
	if opening.IsNegative() {
		row.DataQuality = "negative opening stock implied by history; clamped to 0"
		opening = decimal.Zero
	}
	row.OpeningQty = opening

	if row.OpeningQty.IsPositive() && opts.StandardCostFallback {
		row.OpeningAvgPrice = anchor.PurchasePrice
	}
	row.OpeningValue = round2(row.OpeningQty.Mul(row.OpeningAvgPrice))

	if row.PurchaseQty.IsPositive() {
		row.PurchaseAvgPrice = row.PurchaseAmt.DivRound(row.PurchaseQty, 2)
	}
	if row.SaleQty.IsPositive() {
		row.SaleAvgPrice = row.SaleAmt.DivRound(row.SaleQty, 2)
	}

	closing := row.OpeningQty.Add(row.PurchaseQty).Sub(row.SaleQty)
	if closing.IsNegative() {
		if row.DataQuality == "" {
			row.DataQuality = "negative closing stock implied by history; clamped to 0"
		}
		closing = decimal.Zero
	}
	row.ClosingQty = closing

	if row.PurchaseQty.IsPositive() {
		row.ClosingAvgPrice = row.PurchaseAvgPrice
	} else {
		row.ClosingAvgPrice = row.OpeningAvgPrice
	}
	row.ClosingValue = round2(row.ClosingQty.Mul(row.ClosingAvgPrice))

	switch {
	case row.ClosingQty.IsZero():
		row.Status = StockOut
	case anchor.LowStockAlert.IsPositive() && row.ClosingQty.LessThan(anchor.LowStockAlert):
		row.Status = StockLow
	default:
		row.Status = StockIn
	}

	return row
}

type bucket int

const (
	bucketBefore bucket = iota
	bucketWithin
	bucketAfter
)

func bucketFor(d time.Time, p Period) bucket {
	if d.Before(p.Start) {
		return bucketBefore
	}
	if d.After(p.End) {
		return bucketAfter
	}
	return bucketWithin
}

// StockLedgerSummary aggregates a report across items. Totals are exact
// sums of each row's already-rounded figures — a "total average price" is
// never recomputed, so no cross-item rounding error is introduced.
type StockLedgerSummary struct {
	Rows []StockLedgerRow

	TotalOpeningValue  decimal.Decimal
	TotalPurchaseAmt   decimal.Decimal
	TotalSaleAmt       decimal.Decimal
	TotalClosingValue  decimal.Decimal
	ItemsOutOfStock    int
	ItemsLowStock      int
	ItemsWithBadData   int
}

// SummarizeStockLedger folds per-item rows into report totals.
func SummarizeStockLedger(rows []StockLedgerRow) StockLedgerSummary {
	s := StockLedgerSummary{Rows: rows}
	for _, r := range rows {
		s.TotalOpeningValue = s.TotalOpeningValue.Add(r.OpeningValue)
		s.TotalPurchaseAmt = s.TotalPurchaseAmt.Add(r.PurchaseAmt)
		s.TotalSaleAmt = s.TotalSaleAmt.Add(r.SaleAmt)
		s.TotalClosingValue = s.TotalClosingValue.Add(r.ClosingValue)
		switch r.Status {
		case StockOut:
			s.ItemsOutOfStock++
		case StockLow:
			s.ItemsLowStock++
		}
		if r.DataQuality != "" {
			s.ItemsWithBadData++
		}
	}
	return s
}
