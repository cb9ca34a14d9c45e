package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PartyBalance is a party's aggregate outstanding position, computed on
// demand from non-deleted invoices and never stored.
type PartyBalance struct {
	PartyID    int
	PartyName  string
	Receivable decimal.Decimal // unpaid portion of their sale invoices
	Payable    decimal.Decimal // unpaid portion of their purchase invoices
	Net        decimal.Decimal // Receivable − Payable
}

// LowStockItem pairs an item with how far below its alert threshold it sits.
type LowStockItem struct {
	Item      Item
	Shortfall decimal.Decimal
}

// ReportingService provides read-only reporting over the document history.
type ReportingService interface {
	// StockLedger runs the valuation engine for one item over a period,
	// loading the item's non-deleted purchase and sale line history.
	StockLedger(ctx context.Context, itemID int, period Period, opts ValuationOptions) (StockLedgerRow, error)
	// StockLedgerReport runs the valuation engine for every non-deleted
	// item and aggregates exact sums of the already-rounded rows.
	StockLedgerReport(ctx context.Context, period Period, opts ValuationOptions) (StockLedgerSummary, error)
	// PartyOutstanding computes one party's aggregate outstanding figure.
	PartyOutstanding(ctx context.Context, partyID int) (PartyBalance, error)
	// AllPartiesOutstanding lists every party with a non-zero position.
	AllPartiesOutstanding(ctx context.Context) ([]PartyBalance, error)
	// LowStockItems lists items whose cached stock sits below their alert
	// threshold.
	LowStockItems(ctx context.Context) ([]LowStockItem, error)
}

type reportingService struct {
	pool *pgxpool.Pool
}

func NewReportingService(pool *pgxpool.Pool) ReportingService {
	return &reportingService{pool: pool}
}

// fetchStockEvents loads the non-deleted line-item history for every item,
// split by invoice type, keyed by item id. Soft-deleted invoices are
// filtered here so the pure engine never sees them.
func (s *reportingService) fetchStockEvents(ctx context.Context, itemID *int) (purchases, sales map[int][]StockEvent, err error) {
	q := `
		SELECT l.item_id, inv.invoice_type, inv.invoice_date, l.quantity, l.line_total
		FROM invoice_line_items l
		JOIN invoices inv ON inv.id = l.invoice_id
		WHERE NOT inv.is_deleted`
	var args []any
	if itemID != nil {
		args = append(args, *itemID)
		q += " AND l.item_id = $1"
	}
	q += " ORDER BY inv.invoice_date ASC, l.id ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query line-item history: %w", err)
	}
	defer rows.Close()

	purchases = make(map[int][]StockEvent)
	sales = make(map[int][]StockEvent)
	for rows.Next() {
		var (
			id      int
			invType InvoiceType
			date    time.Time
			ev      StockEvent
		)
		if err := rows.Scan(&id, &invType, &date, &ev.Quantity, &ev.Amount); err != nil {
			return nil, nil, fmt.Errorf("failed to scan line-item event: %w", err)
		}
		ev.Date = date
		if invType == InvoiceTypePurchase {
			purchases[id] = append(purchases[id], ev)
		} else {
			sales[id] = append(sales[id], ev)
		}
	}
	return purchases, sales, rows.Err()
}

func (s *reportingService) fetchAnchor(ctx context.Context, itemID int) (StockAnchor, error) {
	var a StockAnchor
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, unit, opening_stock, purchase_price, low_stock_alert
		FROM items WHERE id = $1 AND NOT is_deleted
	`, itemID).Scan(&a.ItemID, &a.ItemName, &a.Unit, &a.OpeningStock, &a.PurchasePrice, &a.LowStockAlert)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, &ReferentialError{Kind: "item", ID: itemID, Err: errors.New("not found or deleted")}
		}
		return a, fmt.Errorf("failed to fetch item %d: %w", itemID, err)
	}
	return a, nil
}

func (s *reportingService) StockLedger(ctx context.Context, itemID int, period Period, opts ValuationOptions) (StockLedgerRow, error) {
	anchor, err := s.fetchAnchor(ctx, itemID)
	if err != nil {
		return StockLedgerRow{}, err
	}
	purchases, sales, err := s.fetchStockEvents(ctx, &itemID)
	if err != nil {
		return StockLedgerRow{}, err
	}
	return ComputeStockLedger(anchor, period, purchases[itemID], sales[itemID], opts), nil
}

func (s *reportingService) StockLedgerReport(ctx context.Context, period Period, opts ValuationOptions) (StockLedgerSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, unit, opening_stock, purchase_price, low_stock_alert
		FROM items WHERE NOT is_deleted ORDER BY name
	`)
	if err != nil {
		return StockLedgerSummary{}, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var anchors []StockAnchor
	for rows.Next() {
		var a StockAnchor
		if err := rows.Scan(&a.ItemID, &a.ItemName, &a.Unit, &a.OpeningStock, &a.PurchasePrice, &a.LowStockAlert); err != nil {
			return StockLedgerSummary{}, fmt.Errorf("failed to scan item: %w", err)
		}
		anchors = append(anchors, a)
	}
	if err := rows.Err(); err != nil {
		return StockLedgerSummary{}, err
	}

	purchases, sales, err := s.fetchStockEvents(ctx, nil)
	if err != nil {
		return StockLedgerSummary{}, err
	}

	ledger := make([]StockLedgerRow, 0, len(anchors))
	for _, a := range anchors {
		ledger = append(ledger, ComputeStockLedger(a, period, purchases[a.ItemID], sales[a.ItemID], opts))
	}
	return SummarizeStockLedger(ledger), nil
}

func (s *reportingService) PartyOutstanding(ctx context.Context, partyID int) (PartyBalance, error) {
	var b PartyBalance
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.name,
		       COALESCE(SUM(CASE WHEN inv.invoice_type = 'sale' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN inv.invoice_type = 'purchase' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0)
		FROM parties p
		LEFT JOIN invoices inv ON inv.party_id = p.id AND NOT inv.is_deleted
		WHERE p.id = $1
		GROUP BY p.id, p.name
	`, partyID).Scan(&b.PartyID, &b.PartyName, &b.Receivable, &b.Payable)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, &ReferentialError{Kind: "party", ID: partyID, Err: errors.New("not found")}
		}
		return b, fmt.Errorf("failed to compute outstanding for party %d: %w", partyID, err)
	}
	b.Net = b.Receivable.Sub(b.Payable)
	return b, nil
}

func (s *reportingService) AllPartiesOutstanding(ctx context.Context) ([]PartyBalance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name,
		       COALESCE(SUM(CASE WHEN inv.invoice_type = 'sale' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0) AS receivable,
		       COALESCE(SUM(CASE WHEN inv.invoice_type = 'purchase' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0) AS payable
		FROM parties p
		LEFT JOIN invoices inv ON inv.party_id = p.id AND NOT inv.is_deleted
		WHERE NOT p.is_deleted
		GROUP BY p.id, p.name
		HAVING COALESCE(SUM(CASE WHEN inv.invoice_type = 'sale' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0) <> 0
		    OR COALESCE(SUM(CASE WHEN inv.invoice_type = 'purchase' THEN inv.total_amount - inv.paid_amount ELSE 0 END), 0) <> 0
		ORDER BY p.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query party balances: %w", err)
	}
	defer rows.Close()

	var balances []PartyBalance
	for rows.Next() {
		var b PartyBalance
		if err := rows.Scan(&b.PartyID, &b.PartyName, &b.Receivable, &b.Payable); err != nil {
			return nil, fmt.Errorf("failed to scan party balance: %w", err)
		}
		b.Net = b.Receivable.Sub(b.Payable)
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *reportingService) LowStockItems(ctx context.Context) ([]LowStockItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, unit, hsn_code, purchase_price, sale_price, tax_rate,
		       opening_stock, current_stock, low_stock_alert, is_deleted, created_at, updated_at
		FROM items
		WHERE NOT is_deleted AND low_stock_alert > 0 AND current_stock < low_stock_alert
		ORDER BY current_stock / low_stock_alert ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query low stock items: %w", err)
	}
	defer rows.Close()

	var out []LowStockItem
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Unit, &it.HSNCode, &it.PurchasePrice, &it.SalePrice,
			&it.TaxRate, &it.OpeningStock, &it.CurrentStock, &it.LowStockAlert,
			&it.IsDeleted, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, LowStockItem{Item: it, Shortfall: it.LowStockAlert.Sub(it.CurrentStock)})
	}
	return out, rows.Err()
}
