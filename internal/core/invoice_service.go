package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// InvoiceInput describes an invoice to create. Totals are never accepted
// from the caller; they are always computed from the lines at save time.
type InvoiceInput struct {
	Type            InvoiceType     `json:"invoice_type"`
	InvoiceDate     string          `json:"invoice_date"`
	DueDate         *string         `json:"due_date,omitempty"`
	PartyID         int             `json:"party_id"`
	Lines           []LineItemInput `json:"lines"`
	InvoiceDiscount decimal.Decimal `json:"invoice_discount"`
	TCS             TCSConfig       `json:"tcs"`
	Notes           string          `json:"notes"`
}

// InvoiceService owns invoice creation and soft deletion, including the
// item stock side effects of both.
type InvoiceService interface {
	// CreateInvoice computes totals, persists the invoice with its lines,
	// then mutates each referenced item's current_stock (sale decrements,
	// purchase increments). The stock writes are independent best-effort
	// steps: a failure returns *PartialApplyError with the invoice already
	// saved, and no automatic retry.
	CreateInvoice(ctx context.Context, in InvoiceInput) (*Invoice, error)
	// SoftDelete reverses the invoice's stock effect item by item, then
	// marks the invoice deleted. The stock_restored marker makes a retry
	// after partial failure safe: already-restored invoices skip straight
	// to the delete flag.
	SoftDelete(ctx context.Context, invoiceID int) error
	Get(ctx context.Context, invoiceID int) (*Invoice, error)
	List(ctx context.Context, invoiceType *InvoiceType) ([]Invoice, error)
	// ReconcileItemStock recomputes an item's current_stock from its
	// opening anchor plus the full non-deleted line history and overwrites
	// the cached value, returning the drift that was repaired.
	ReconcileItemStock(ctx context.Context, itemID int) (decimal.Decimal, error)
	// AdjustItemStock applies a manual stock correction to an item.
	AdjustItemStock(ctx context.Context, itemID int, delta decimal.Decimal, reason string) error
}

type invoiceService struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewInvoiceService(pool *pgxpool.Pool, log zerolog.Logger) InvoiceService {
	return &invoiceService{pool: pool, log: log.With().Str("component", "invoices").Logger()}
}

func (s *invoiceService) CreateInvoice(ctx context.Context, in InvoiceInput) (*Invoice, error) {
	if in.Type != InvoiceTypeSale && in.Type != InvoiceTypePurchase {
		return nil, &ValidationError{Field: "invoice_type", Reason: "must be sale or purchase"}
	}
	if in.PartyID == 0 {
		return nil, &ValidationError{Field: "party_id", Reason: "is required"}
	}
	if len(in.Lines) == 0 {
		return nil, &ValidationError{Field: "lines", Reason: "must contain at least one item"}
	}
	if in.InvoiceDate == "" {
		in.InvoiceDate = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", in.InvoiceDate); err != nil {
		return nil, &ValidationError{Field: "invoice_date", Reason: "must be YYYY-MM-DD"}
	}

	totals, lines, err := ComputeInvoiceTotals(in.Lines, in.InvoiceDiscount, in.TCS)
	if err != nil {
		return nil, err
	}

	// Referential checks before any write.
	for _, l := range lines {
		if err := s.checkItem(ctx, l.ItemID); err != nil {
			return nil, err
		}
	}
	var partyDeleted bool
	if err := s.pool.QueryRow(ctx, "SELECT is_deleted FROM parties WHERE id = $1", in.PartyID).Scan(&partyDeleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferentialError{Kind: "party", ID: in.PartyID, Err: errors.New("not found")}
		}
		return nil, fmt.Errorf("failed to resolve party %d: %w", in.PartyID, err)
	}
	if partyDeleted {
		return nil, &ReferentialError{Kind: "party", ID: in.PartyID, Err: errors.New("is deleted")}
	}

	// The invoice document (header + lines + number) is one record from the
	// business's point of view, so it is written in one transaction. The
	// stock side effects below are not part of it.
	inv, err := s.insertInvoice(ctx, in, totals, lines)
	if err != nil {
		return nil, err
	}

	completed := []string{"invoice saved"}
	for _, l := range inv.Lines {
		delta := l.Quantity
		if in.Type == InvoiceTypeSale {
			delta = delta.Neg()
		}
		if err := applyStockDelta(ctx, s.pool, l.ItemID, delta); err != nil {
			s.log.Error().Err(err).
				Str("invoice", inv.InvoiceNumber).Int("item_id", l.ItemID).
				Msg("stock update failed after invoice save; manual correction required")
			return inv, &PartialApplyError{Op: "create invoice", Completed: completed,
				Failed: fmt.Sprintf("stock update for item %d", l.ItemID), Err: err}
		}
		completed = append(completed, fmt.Sprintf("stock updated for item %d", l.ItemID))
	}

	s.log.Info().
		Str("invoice", inv.InvoiceNumber).
		Str("type", string(inv.Type)).
		Str("total", inv.TotalAmount.StringFixed(2)).
		Int("lines", len(inv.Lines)).
		Msg("invoice created")
	return inv, nil
}

func (s *invoiceService) checkItem(ctx context.Context, itemID int) error {
	var deleted bool
	err := s.pool.QueryRow(ctx, "SELECT is_deleted FROM items WHERE id = $1", itemID).Scan(&deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReferentialError{Kind: "item", ID: itemID, Err: errors.New("not found")}
		}
		return fmt.Errorf("failed to resolve item %d: %w", itemID, err)
	}
	if deleted {
		return &ReferentialError{Kind: "item", ID: itemID, Err: errors.New("is deleted")}
	}
	return nil
}

func (s *invoiceService) insertInvoice(ctx context.Context, in InvoiceInput, totals Totals, lines []LineItem) (*Invoice, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	number, err := nextDocNumber(ctx, tx, invoiceDocType(in.Type))
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		Type:           in.Type,
		InvoiceNumber:  number,
		InvoiceDate:    in.InvoiceDate,
		DueDate:        in.DueDate,
		PartyID:        in.PartyID,
		Subtotal:       totals.Subtotal,
		DiscountAmount: totals.DiscountAmount,
		TaxAmount:      totals.TaxAmount,
		TCSAmount:      totals.TCSAmount,
		TotalAmount:    totals.TotalAmount,
		PaidAmount:     decimal.Zero,
		BalanceDue:     totals.TotalAmount,
		Status:         StatusUnpaid,
		Notes:          in.Notes,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO invoices (invoice_type, invoice_number, invoice_date, due_date, party_id,
		                      subtotal, discount_amount, tax_amount, tcs_amount, total_amount,
		                      paid_amount, balance_due, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $10, 'unpaid', $11)
		RETURNING id, created_at
	`, inv.Type, inv.InvoiceNumber, inv.InvoiceDate, inv.DueDate, inv.PartyID,
		inv.Subtotal, inv.DiscountAmount, inv.TaxAmount, inv.TCSAmount, inv.TotalAmount, inv.Notes).
		Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	for i := range lines {
		l := &lines[i]
		l.InvoiceID = inv.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO invoice_line_items (invoice_id, line_number, item_id, quantity, rate, discount_amount, tax_rate, tax_amount, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, l.InvoiceID, l.LineNumber, l.ItemID, l.Quantity, l.Rate, l.DiscountAmount, l.TaxRate, l.TaxAmount, l.LineTotal).
			Scan(&l.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert invoice line %d: %w", l.LineNumber, err)
		}
	}
	inv.Lines = lines

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit invoice: %w", err)
	}
	return inv, nil
}

// applyStockDelta is a single atomic increment against one item record.
func applyStockDelta(ctx context.Context, q pgxQuerier, itemID int, delta decimal.Decimal) error {
	var id int
	err := q.QueryRow(ctx, `
		UPDATE items SET current_stock = current_stock + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id
	`, delta, itemID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReferentialError{Kind: "item", ID: itemID, Err: errors.New("not found")}
		}
		return fmt.Errorf("failed to adjust stock for item %d: %w", itemID, err)
	}
	return nil
}

func (s *invoiceService) SoftDelete(ctx context.Context, invoiceID int) error {
	inv, err := s.Get(ctx, invoiceID)
	if err != nil {
		return err
	}
	if inv.IsDeleted {
		return &ValidationError{Field: "invoice_id", Reason: "is already deleted"}
	}

	var completed []string

	// Reverse the stock effect line by line. Sale invoices decremented
	// stock on save, so deletion restores it; purchase invoices the
	// opposite. Skipped entirely when a previous attempt already ran.
	if !inv.StockRestored {
		for _, l := range inv.Lines {
			delta := l.Quantity
			if inv.Type == InvoiceTypePurchase {
				delta = delta.Neg()
			}
			if err := applyStockDelta(ctx, s.pool, l.ItemID, delta); err != nil {
				s.log.Error().Err(err).
					Str("invoice", inv.InvoiceNumber).Int("item_id", l.ItemID).
					Strs("completed", completed).
					Msg("stock restore failed mid-delete; manual correction required")
				return &PartialApplyError{Op: "delete invoice", Completed: completed,
					Failed: fmt.Sprintf("stock restore for item %d", l.ItemID), Err: err}
			}
			completed = append(completed, fmt.Sprintf("stock restored for item %d", l.ItemID))
		}

		if _, err := s.pool.Exec(ctx,
			"UPDATE invoices SET stock_restored = true WHERE id = $1", invoiceID); err != nil {
			return &PartialApplyError{Op: "delete invoice", Completed: completed,
				Failed: "stock_restored marker", Err: err}
		}
		completed = append(completed, "stock_restored marked")
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE invoices SET is_deleted = true, deleted_at = NOW() WHERE id = $1", invoiceID); err != nil {
		return &PartialApplyError{Op: "delete invoice", Completed: completed,
			Failed: "invoice soft delete", Err: err}
	}

	s.log.Info().Str("invoice", inv.InvoiceNumber).Msg("invoice soft-deleted, stock restored")
	return nil
}

func fetchInvoice(ctx context.Context, q pgxQuerier, invoiceID int) (*Invoice, error) {
	var inv Invoice
	err := q.QueryRow(ctx, `
		SELECT inv.id, inv.invoice_type, inv.invoice_number, inv.invoice_date::text, inv.due_date::text,
		       inv.party_id, p.name, inv.subtotal, inv.discount_amount, inv.tax_amount, inv.tcs_amount,
		       inv.total_amount, inv.paid_amount, inv.balance_due, inv.status, inv.notes,
		       inv.stock_restored, inv.is_deleted, inv.deleted_at, inv.created_at
		FROM invoices inv
		JOIN parties p ON p.id = inv.party_id
		WHERE inv.id = $1
	`, invoiceID).Scan(
		&inv.ID, &inv.Type, &inv.InvoiceNumber, &inv.InvoiceDate, &inv.DueDate,
		&inv.PartyID, &inv.PartyName, &inv.Subtotal, &inv.DiscountAmount, &inv.TaxAmount, &inv.TCSAmount,
		&inv.TotalAmount, &inv.PaidAmount, &inv.BalanceDue, &inv.Status, &inv.Notes,
		&inv.StockRestored, &inv.IsDeleted, &inv.DeletedAt, &inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferentialError{Kind: "invoice", ID: invoiceID, Err: errors.New("not found")}
		}
		return nil, fmt.Errorf("failed to fetch invoice %d: %w", invoiceID, err)
	}
	return &inv, nil
}

func (s *invoiceService) Get(ctx context.Context, invoiceID int) (*Invoice, error) {
	inv, err := fetchInvoice(ctx, s.pool, invoiceID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.invoice_id, l.line_number, l.item_id, i.name,
		       l.quantity, l.rate, l.discount_amount, l.tax_rate, l.tax_amount, l.line_total
		FROM invoice_line_items l
		JOIN items i ON i.id = l.item_id
		WHERE l.invoice_id = $1
		ORDER BY l.line_number
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.LineNumber, &l.ItemID, &l.ItemName,
			&l.Quantity, &l.Rate, &l.DiscountAmount, &l.TaxRate, &l.TaxAmount, &l.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, l)
	}
	return inv, rows.Err()
}

func (s *invoiceService) List(ctx context.Context, invoiceType *InvoiceType) ([]Invoice, error) {
	q := `
		SELECT inv.id, inv.invoice_type, inv.invoice_number, inv.invoice_date::text, inv.due_date::text,
		       inv.party_id, p.name, inv.subtotal, inv.discount_amount, inv.tax_amount, inv.tcs_amount,
		       inv.total_amount, inv.paid_amount, inv.balance_due, inv.status, inv.notes,
		       inv.stock_restored, inv.is_deleted, inv.deleted_at, inv.created_at
		FROM invoices inv
		JOIN parties p ON p.id = inv.party_id
		WHERE NOT inv.is_deleted`
	var args []any
	if invoiceType != nil {
		args = append(args, *invoiceType)
		q += " AND inv.invoice_type = $1"
	}
	q += " ORDER BY inv.invoice_date DESC, inv.id DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ID, &inv.Type, &inv.InvoiceNumber, &inv.InvoiceDate, &inv.DueDate,
			&inv.PartyID, &inv.PartyName, &inv.Subtotal, &inv.DiscountAmount, &inv.TaxAmount, &inv.TCSAmount,
			&inv.TotalAmount, &inv.PaidAmount, &inv.BalanceDue, &inv.Status, &inv.Notes,
			&inv.StockRestored, &inv.IsDeleted, &inv.DeletedAt, &inv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *invoiceService) ReconcileItemStock(ctx context.Context, itemID int) (decimal.Decimal, error) {
	var opening, current decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"SELECT opening_stock, current_stock FROM items WHERE id = $1 AND NOT is_deleted", itemID).
		Scan(&opening, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, &ReferentialError{Kind: "item", ID: itemID, Err: errors.New("not found or deleted")}
		}
		return decimal.Zero, fmt.Errorf("failed to fetch item %d: %w", itemID, err)
	}

	// Derived stock = opening anchor + purchased − sold over all
	// non-deleted invoices. This is the ground truth the cached
	// current_stock is reconciled against.
	var purchased, sold decimal.Decimal
	err = s.pool.QueryRow(ctx, `
		SELECT
		    COALESCE(SUM(CASE WHEN inv.invoice_type = 'purchase' THEN l.quantity ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN inv.invoice_type = 'sale' THEN l.quantity ELSE 0 END), 0)
		FROM invoice_line_items l
		JOIN invoices inv ON inv.id = l.invoice_id
		WHERE l.item_id = $1 AND NOT inv.is_deleted
	`, itemID).Scan(&purchased, &sold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to replay stock history for item %d: %w", itemID, err)
	}

	derived := opening.Add(purchased).Sub(sold)
	drift := derived.Sub(current)
	if drift.IsZero() {
		return decimal.Zero, nil
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE items SET current_stock = $1, updated_at = NOW() WHERE id = $2", derived, itemID); err != nil {
		return decimal.Zero, fmt.Errorf("failed to overwrite stock for item %d: %w", itemID, err)
	}

	s.log.Warn().
		Int("item_id", itemID).
		Str("cached", current.String()).
		Str("derived", derived.String()).
		Str("drift", drift.String()).
		Msg("stock drift repaired")
	return drift, nil
}

func (s *invoiceService) AdjustItemStock(ctx context.Context, itemID int, delta decimal.Decimal, reason string) error {
	if delta.IsZero() {
		return &ValidationError{Field: "delta", Reason: "must be non-zero"}
	}
	if err := applyStockDelta(ctx, s.pool, itemID, delta); err != nil {
		return err
	}
	s.log.Info().Int("item_id", itemID).Str("delta", delta.String()).Str("reason", reason).
		Msg("manual stock adjustment")
	return nil
}
