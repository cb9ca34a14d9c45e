package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PaymentInput describes a payment to record. A payment with no invoice
// link is a standalone receipt/disbursement against the party's aggregate
// outstanding balance, not a specific document.
type PaymentInput struct {
	Direction   PaymentDirection `json:"direction"`
	Amount      decimal.Decimal  `json:"amount"`
	PaymentDate string           `json:"payment_date"`
	PartyID     int              `json:"party_id"`
	InvoiceID   *int             `json:"invoice_id,omitempty"`
	Mode        PaymentMode      `json:"mode"`
	Note        string           `json:"note"`
	// IdempotencyKey lets a caller retry safely after a partial failure.
	// Left empty, a fresh key is generated and the call is not retryable.
	IdempotencyKey string `json:"idempotency_key"`
}

// PaymentResult reports what ApplyPayment wrote. UpdatedInvoice is nil for
// unlinked payments.
type PaymentResult struct {
	Payment        *Payment
	UpdatedInvoice *Invoice
	Mirrored       *CashBankTransaction
}

// PaymentService is the balance reconciliation engine: it records payments,
// keeps the linked invoice's paid amount, balance due and status consistent,
// and mirrors every cash movement into the cash/bank book.
type PaymentService interface {
	// ApplyPayment validates and records a payment, applies it to the
	// linked invoice (if any) with an atomic increment, and mirrors it.
	// The steps after the payment insert are independent writes: on
	// failure a *PartialApplyError names what already committed.
	ApplyPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error)
	// UpdatePayment changes a payment's amount and note, then rewrites the
	// linked invoice's paid figure from the payments table. The mirrored
	// cash/bank row is NOT adjusted: the mirror is append-only and carries
	// the amount as originally booked. Known asymmetry.
	UpdatePayment(ctx context.Context, paymentID int, amount decimal.Decimal, note string) (*PaymentResult, error)
	// DeletePayment soft-deletes a payment, reverses its effect on the
	// linked invoice and appends a compensating mirror transaction. The
	// original mirror row is never edited.
	DeletePayment(ctx context.Context, paymentID int) error
	GetPayment(ctx context.Context, paymentID int) (*Payment, error)
	ListPayments(ctx context.Context, partyID *int) ([]Payment, error)
}

type paymentService struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPaymentService(pool *pgxpool.Pool, log zerolog.Logger) PaymentService {
	return &paymentService{pool: pool, log: log.With().Str("component", "payments").Logger()}
}

func (s *paymentService) validate(in PaymentInput) error {
	if in.Amount.IsZero() || in.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.PartyID == 0 {
		return &ValidationError{Field: "party_id", Reason: "is required"}
	}
	if in.Direction != DirectionIn && in.Direction != DirectionOut {
		return &ValidationError{Field: "direction", Reason: "must be in or out"}
	}
	if !slices.Contains(ValidModes, in.Mode) {
		return &ValidationError{Field: "mode", Reason: "is not a known payment mode"}
	}
	if in.PaymentDate != "" {
		if _, err := time.Parse("2006-01-02", in.PaymentDate); err != nil {
			return &ValidationError{Field: "payment_date", Reason: "must be YYYY-MM-DD"}
		}
	}
	return nil
}

// resolveLinkedInvoice checks the referential preconditions for a linked
// payment: the invoice exists, is not soft-deleted, and its type agrees
// with the payment direction (money in settles sale invoices, money out
// settles purchase invoices).
func (s *paymentService) resolveLinkedInvoice(ctx context.Context, invoiceID int, direction PaymentDirection) (*Invoice, error) {
	inv, err := fetchInvoice(ctx, s.pool, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.IsDeleted {
		return nil, &ReferentialError{Kind: "invoice", ID: invoiceID, Err: errors.New("is deleted")}
	}
	wantType := InvoiceTypeSale
	if direction == DirectionOut {
		wantType = InvoiceTypePurchase
	}
	if inv.Type != wantType {
		return nil, &ValidationError{Field: "invoice_id",
			Reason: fmt.Sprintf("a payment %s cannot be linked to a %s invoice", direction, inv.Type)}
	}
	return inv, nil
}

func (s *paymentService) ApplyPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}
	if in.PaymentDate == "" {
		in.PaymentDate = time.Now().Format("2006-01-02")
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = uuid.NewString()
	}

	// Referential checks happen before any write: a payment whose invoice
	// link cannot be resolved must not be recorded or mirrored at all.
	var invoiceNumber string
	if in.InvoiceID != nil {
		inv, err := s.resolveLinkedInvoice(ctx, *in.InvoiceID, in.Direction)
		if err != nil {
			return nil, err
		}
		invoiceNumber = inv.InvoiceNumber
	}
	if err := s.checkParty(ctx, in.PartyID); err != nil {
		return nil, err
	}

	// Step 1: record the payment. Receipt number assignment and the insert
	// share a transaction so a burned sequence number cannot leak; this is
	// still a single-document write.
	payment, reused, err := s.insertPayment(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	if reused {
		s.log.Warn().Str("idempotency_key", in.IdempotencyKey).Int("payment_id", payment.ID).
			Msg("payment already recorded; resuming reconciliation")
	}

	result := &PaymentResult{Payment: payment}
	completed := []string{"payment recorded"}

	// Step 2: apply to the linked invoice. A single atomic increment, not
	// read-modify-write, so concurrent payments cannot lose updates. A
	// resumed call cannot know whether the increment already ran, so it
	// rewrites the paid amount from the payments table instead.
	if payment.InvoiceID != nil {
		var inv *Invoice
		if reused {
			inv, err = reconcileInvoicePaid(ctx, s.pool, *payment.InvoiceID)
		} else {
			inv, err = applyAmountToInvoice(ctx, s.pool, *payment.InvoiceID, payment.Amount)
		}
		if err != nil {
			return result, &PartialApplyError{Op: "apply payment", Completed: completed,
				Failed: "invoice update", Err: err}
		}
		result.UpdatedInvoice = inv
		completed = append(completed, "invoice updated")
	}

	// Step 3: mirror into the cash/bank book (idempotent append).
	mirrored, err := mirrorPayment(ctx, s.pool, payment, invoiceNumber)
	if err != nil {
		return result, &PartialApplyError{Op: "apply payment", Completed: completed,
			Failed: "cash/bank mirror", Err: err}
	}
	result.Mirrored = mirrored

	s.log.Info().
		Str("receipt", payment.ReceiptNumber).
		Str("direction", string(payment.Direction)).
		Str("amount", payment.Amount.StringFixed(2)).
		Str("invoice", invoiceNumber).
		Msg("payment applied")
	return result, nil
}

func (s *paymentService) checkParty(ctx context.Context, partyID int) error {
	var deleted bool
	err := s.pool.QueryRow(ctx, "SELECT is_deleted FROM parties WHERE id = $1", partyID).Scan(&deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &ReferentialError{Kind: "party", ID: partyID, Err: errors.New("not found")}
		}
		return fmt.Errorf("failed to resolve party %d: %w", partyID, err)
	}
	if deleted {
		return &ReferentialError{Kind: "party", ID: partyID, Err: errors.New("is deleted")}
	}
	return nil
}

// insertPayment writes the payment row with a fresh receipt number. If the
// idempotency key already exists (a retried call), the existing row is
// returned instead so the caller can resume the remaining saga steps.
func (s *paymentService) insertPayment(ctx context.Context, in PaymentInput) (*Payment, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	receipt, err := nextDocNumber(ctx, tx, docTypeReceipt)
	if err != nil {
		return nil, false, err
	}

	p := &Payment{
		ReceiptNumber:  receipt,
		Direction:      in.Direction,
		Amount:         in.Amount,
		PaymentDate:    in.PaymentDate,
		PartyID:        in.PartyID,
		InvoiceID:      in.InvoiceID,
		Mode:           in.Mode,
		Note:           in.Note,
		IdempotencyKey: in.IdempotencyKey,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO payments (receipt_number, direction, amount, payment_date, party_id, invoice_id, mode, note, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at
	`, p.ReceiptNumber, p.Direction, p.Amount, p.PaymentDate, p.PartyID, p.InvoiceID, p.Mode, p.Note, p.IdempotencyKey).
		Scan(&p.ID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Retried call: roll back the burned receipt number and return the
		// already-recorded payment.
		existing, ferr := fetchPaymentByKey(ctx, s.pool, in.IdempotencyKey)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit payment insert: %w", err)
	}
	return p, false, nil
}

// applyAmountToInvoice adds delta to the invoice's paid amount and derives
// balance_due and status in the same statement. The store-level increment
// is what keeps concurrent payments against one invoice from racing.
func applyAmountToInvoice(ctx context.Context, q pgxQuerier, invoiceID int, delta decimal.Decimal) (*Invoice, error) {
	var inv Invoice
	err := q.QueryRow(ctx, `
		UPDATE invoices
		SET paid_amount = paid_amount + $1,
		    balance_due = GREATEST(total_amount - (paid_amount + $1), 0),
		    status = CASE
		        WHEN total_amount - (paid_amount + $1) <= 0 THEN 'paid'
		        WHEN paid_amount + $1 <= 0 THEN 'unpaid'
		        ELSE 'partial'
		    END
		WHERE id = $2 AND NOT is_deleted
		RETURNING id, invoice_type, invoice_number, total_amount, paid_amount, balance_due, status
	`, delta, invoiceID).Scan(
		&inv.ID, &inv.Type, &inv.InvoiceNumber, &inv.TotalAmount,
		&inv.PaidAmount, &inv.BalanceDue, &inv.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferentialError{Kind: "invoice", ID: invoiceID, Err: errors.New("not found or deleted")}
		}
		return nil, fmt.Errorf("failed to update invoice %d: %w", invoiceID, err)
	}
	return &inv, nil
}

// reconcileInvoicePaid overwrites the invoice's paid amount with the sum of
// its live payments and re-derives balance_due and status. Incoming and
// outgoing payments never mix on one invoice (direction is tied to the
// invoice type), so a plain sum is correct.
func reconcileInvoicePaid(ctx context.Context, q pgxQuerier, invoiceID int) (*Invoice, error) {
	var inv Invoice
	err := q.QueryRow(ctx, `
		UPDATE invoices
		SET paid_amount = sub.paid,
		    balance_due = GREATEST(total_amount - sub.paid, 0),
		    status = CASE
		        WHEN total_amount - sub.paid <= 0 THEN 'paid'
		        WHEN sub.paid <= 0 THEN 'unpaid'
		        ELSE 'partial'
		    END
		FROM (
		    SELECT COALESCE(SUM(amount), 0) AS paid
		    FROM payments
		    WHERE invoice_id = $1 AND NOT is_deleted
		) sub
		WHERE id = $1 AND NOT is_deleted
		RETURNING id, invoice_type, invoice_number, total_amount, paid_amount, balance_due, status
	`, invoiceID).Scan(
		&inv.ID, &inv.Type, &inv.InvoiceNumber, &inv.TotalAmount,
		&inv.PaidAmount, &inv.BalanceDue, &inv.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferentialError{Kind: "invoice", ID: invoiceID, Err: errors.New("not found or deleted")}
		}
		return nil, fmt.Errorf("failed to reconcile invoice %d: %w", invoiceID, err)
	}
	return &inv, nil
}

func (s *paymentService) UpdatePayment(ctx context.Context, paymentID int, amount decimal.Decimal, note string) (*PaymentResult, error) {
	if amount.IsZero() || amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.IsDeleted {
		return nil, &ValidationError{Field: "payment_id", Reason: "is deleted"}
	}

	if _, err := s.pool.Exec(ctx,
		"UPDATE payments SET amount = $1, note = $2 WHERE id = $3", amount, note, paymentID); err != nil {
		return nil, fmt.Errorf("failed to update payment %d: %w", paymentID, err)
	}
	p.Amount = amount
	p.Note = note
	result := &PaymentResult{Payment: p}

	// The old and new amounts may differ by any delta, so the invoice is
	// rewritten from the payments table rather than incremented.
	if p.InvoiceID != nil {
		inv, err := reconcileInvoicePaid(ctx, s.pool, *p.InvoiceID)
		if err != nil {
			return result, &PartialApplyError{Op: "update payment",
				Completed: []string{"payment updated"}, Failed: "invoice update", Err: err}
		}
		result.UpdatedInvoice = inv
	}

	s.log.Info().Str("receipt", p.ReceiptNumber).Str("amount", amount.StringFixed(2)).
		Msg("payment updated; mirror left as booked")
	return result, nil
}

func (s *paymentService) DeletePayment(ctx context.Context, paymentID int) error {
	p, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.IsDeleted {
		return &ValidationError{Field: "payment_id", Reason: "is already deleted"}
	}

	var completed []string

	// Reverse the invoice effect with the same atomic statement, negated.
	if p.InvoiceID != nil {
		if _, err := applyAmountToInvoice(ctx, s.pool, *p.InvoiceID, p.Amount.Neg()); err != nil {
			return &PartialApplyError{Op: "delete payment", Completed: completed,
				Failed: "invoice reversal", Err: err}
		}
		completed = append(completed, "invoice reversed")
	}

	// The original mirror row is immutable; append a compensating row.
	reversedDir := DirectionIn
	if p.Direction == DirectionIn {
		reversedDir = DirectionOut
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cashbank_transactions (direction, amount, txn_date, mode, reference_type, reference_id, description)
		VALUES ($1, $2, CURRENT_DATE, $3, $4, $5, $6)
		ON CONFLICT (reference_type, reference_id) DO NOTHING
	`, reversedDir, p.Amount, p.Mode, RefPaymentReversal, fmt.Sprintf("%d", p.ID),
		fmt.Sprintf("Reversal of %s", p.ReceiptNumber))
	if err != nil {
		return &PartialApplyError{Op: "delete payment", Completed: completed,
			Failed: "cash/bank reversal", Err: err}
	}
	completed = append(completed, "cash/bank reversed")

	_, err = s.pool.Exec(ctx,
		"UPDATE payments SET is_deleted = true, deleted_at = NOW() WHERE id = $1", paymentID)
	if err != nil {
		return &PartialApplyError{Op: "delete payment", Completed: completed,
			Failed: "payment soft delete", Err: err}
	}

	s.log.Info().Str("receipt", p.ReceiptNumber).Msg("payment deleted and reversed")
	return nil
}

func (s *paymentService) GetPayment(ctx context.Context, paymentID int) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT id, receipt_number, direction, amount, payment_date::text, party_id, invoice_id, mode, note, idempotency_key, is_deleted, created_at
		FROM payments WHERE id = $1
	`, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ReferentialError{Kind: "payment", ID: paymentID, Err: errors.New("not found")}
		}
		return nil, fmt.Errorf("failed to fetch payment %d: %w", paymentID, err)
	}
	return p, nil
}

func fetchPaymentByKey(ctx context.Context, q pgxQuerier, key string) (*Payment, error) {
	p, err := scanPayment(q.QueryRow(ctx, `
		SELECT id, receipt_number, direction, amount, payment_date::text, party_id, invoice_id, mode, note, idempotency_key, is_deleted, created_at
		FROM payments WHERE idempotency_key = $1
	`, key))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment by idempotency key: %w", err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.ReceiptNumber, &p.Direction, &p.Amount, &p.PaymentDate,
		&p.PartyID, &p.InvoiceID, &p.Mode, &p.Note, &p.IdempotencyKey, &p.IsDeleted, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *paymentService) ListPayments(ctx context.Context, partyID *int) ([]Payment, error) {
	q := `
		SELECT id, receipt_number, direction, amount, payment_date::text, party_id, invoice_id, mode, note, idempotency_key, is_deleted, created_at
		FROM payments
		WHERE NOT is_deleted`
	var args []any
	if partyID != nil {
		args = append(args, *partyID)
		q += " AND party_id = $1"
	}
	q += " ORDER BY payment_date DESC, id DESC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.ReceiptNumber, &p.Direction, &p.Amount, &p.PaymentDate,
			&p.PartyID, &p.InvoiceID, &p.Mode, &p.Note, &p.IdempotencyKey, &p.IsDeleted, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
