package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CashBankService owns the append-only cash/bank mirror: one transaction
// per payment, running balances, and administrative balance adjustments.
type CashBankService interface {
	// Balance returns the net (in − out) balance for a payment mode.
	// Pass nil to aggregate across all modes.
	Balance(ctx context.Context, mode *PaymentMode) (decimal.Decimal, error)
	// Book lists mirror transactions with a running balance, oldest first.
	// fromDate and toDate are optional — pass empty string for no bound.
	Book(ctx context.Context, mode *PaymentMode, fromDate, toDate string) ([]BookLine, error)
	// AdjustBalance posts a synthetic in/out transaction that forces the
	// mode's balance to target. Returns ErrAlreadyAtTarget without posting
	// anything when the balance already equals target.
	AdjustBalance(ctx context.Context, mode PaymentMode, target decimal.Decimal, date string) (*CashBankTransaction, error)
}

// BookLine is one mirror transaction with the cumulative balance after it.
type BookLine struct {
	Txn            CashBankTransaction
	RunningBalance decimal.Decimal
}

type cashBankService struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewCashBankService(pool *pgxpool.Pool, log zerolog.Logger) CashBankService {
	return &cashBankService{pool: pool, log: log.With().Str("component", "cashbank").Logger()}
}

// referenceTypeFor maps a payment direction to its mirror reference type.
func referenceTypeFor(d PaymentDirection) string {
	if d == DirectionOut {
		return RefPaymentOut
	}
	return RefPaymentIn
}

// mirrorDescription builds the human-readable description for a mirrored
// payment. It embeds the receipt number and, when the payment is linked,
// the invoice number, so the cash book reads without cross-referencing.
func mirrorDescription(p *Payment, invoiceNumber string) string {
	verb := "Payment received"
	if p.Direction == DirectionOut {
		verb = "Payment made"
	}
	if invoiceNumber != "" {
		return fmt.Sprintf("%s (%s) against invoice %s", verb, p.ReceiptNumber, invoiceNumber)
	}
	return fmt.Sprintf("%s (%s)", verb, p.ReceiptNumber)
}

// mirrorPayment appends the cash/bank transaction for a payment. The unique
// (reference_type, reference_id) pair makes this idempotent: re-mirroring a
// retried payment inserts nothing and returns the existing row.
func mirrorPayment(ctx context.Context, q pgxQuerier, p *Payment, invoiceNumber string) (*CashBankTransaction, error) {
	txn := CashBankTransaction{
		Direction:     p.Direction,
		Amount:        p.Amount,
		TxnDate:       p.PaymentDate,
		Mode:          p.Mode,
		ReferenceType: referenceTypeFor(p.Direction),
		ReferenceID:   strconv.Itoa(p.ID),
		Description:   mirrorDescription(p, invoiceNumber),
	}

	err := q.QueryRow(ctx, `
		INSERT INTO cashbank_transactions (direction, amount, txn_date, mode, reference_type, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference_type, reference_id) DO NOTHING
		RETURNING id, created_at
	`, txn.Direction, txn.Amount, txn.TxnDate, txn.Mode, txn.ReferenceType, txn.ReferenceID, txn.Description).
		Scan(&txn.ID, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already mirrored by a previous attempt; fetch the existing row.
		err = q.QueryRow(ctx, `
			SELECT id, direction, amount, txn_date::text, mode, description, created_at
			FROM cashbank_transactions
			WHERE reference_type = $1 AND reference_id = $2
		`, txn.ReferenceType, txn.ReferenceID).
			Scan(&txn.ID, &txn.Direction, &txn.Amount, &txn.TxnDate, &txn.Mode, &txn.Description, &txn.CreatedAt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mirror payment %d: %w", p.ID, err)
	}
	return &txn, nil
}

// ComputeAdjustment decides the synthetic transaction that moves current to
// target: amount is |target − current|, direction is chosen so applying it
// yields exactly target. ErrAlreadyAtTarget when nothing needs posting.
func ComputeAdjustment(current, target decimal.Decimal) (PaymentDirection, decimal.Decimal, error) {
	diff := target.Sub(current)
	if diff.IsZero() {
		return "", decimal.Zero, ErrAlreadyAtTarget
	}
	if diff.IsNegative() {
		return DirectionOut, diff.Abs(), nil
	}
	return DirectionIn, diff, nil
}

func (s *cashBankService) Balance(ctx context.Context, mode *PaymentMode) (decimal.Decimal, error) {
	q := `
		SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0)
		FROM cashbank_transactions
	`
	args := []any{}
	if mode != nil {
		q += " WHERE mode = $1"
		args = append(args, *mode)
	}

	var bal decimal.Decimal
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&bal); err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute cash/bank balance: %w", err)
	}
	return bal, nil
}

func (s *cashBankService) Book(ctx context.Context, mode *PaymentMode, fromDate, toDate string) ([]BookLine, error) {
	q := `
		SELECT id, direction, amount, txn_date::text, mode, reference_type, reference_id, description, created_at
		FROM cashbank_transactions
		WHERE 1=1`
	var args []any
	if mode != nil {
		args = append(args, *mode)
		q += fmt.Sprintf(" AND mode = $%d", len(args))
	}
	if fromDate != "" {
		args = append(args, fromDate)
		q += fmt.Sprintf(" AND txn_date >= $%d::date", len(args))
	}
	if toDate != "" {
		args = append(args, toDate)
		q += fmt.Sprintf(" AND txn_date <= $%d::date", len(args))
	}
	q += " ORDER BY txn_date ASC, id ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cash book: %w", err)
	}
	defer rows.Close()

	var lines []BookLine
	running := decimal.Zero
	for rows.Next() {
		var t CashBankTransaction
		if err := rows.Scan(&t.ID, &t.Direction, &t.Amount, &t.TxnDate, &t.Mode,
			&t.ReferenceType, &t.ReferenceID, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cash book line: %w", err)
		}
		if t.Direction == DirectionIn {
			running = running.Add(t.Amount)
		} else {
			running = running.Sub(t.Amount)
		}
		lines = append(lines, BookLine{Txn: t, RunningBalance: running})
	}
	return lines, rows.Err()
}

func (s *cashBankService) AdjustBalance(ctx context.Context, mode PaymentMode, target decimal.Decimal, date string) (*CashBankTransaction, error) {
	if target.IsNegative() {
		return nil, &ValidationError{Field: "target", Reason: "must not be negative"}
	}
	if date == "" {
		date = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}

	current, err := s.Balance(ctx, &mode)
	if err != nil {
		return nil, err
	}

	direction, amount, err := ComputeAdjustment(current, target)
	if err != nil {
		return nil, err
	}

	adjNumber, err := nextDocNumber(ctx, s.pool, docTypeAdjustment)
	if err != nil {
		return nil, err
	}

	txn := CashBankTransaction{
		Direction:     direction,
		Amount:        amount,
		TxnDate:       date,
		Mode:          mode,
		ReferenceType: RefBalanceAdjustment,
		ReferenceID:   adjNumber,
		Description:   fmt.Sprintf("Balance adjustment (%s): %s balance set to %s", adjNumber, mode, target.StringFixed(2)),
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO cashbank_transactions (direction, amount, txn_date, mode, reference_type, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, txn.Direction, txn.Amount, txn.TxnDate, txn.Mode, txn.ReferenceType, txn.ReferenceID, txn.Description).
		Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to post balance adjustment: %w", err)
	}

	s.log.Info().
		Str("mode", string(mode)).
		Str("from", current.StringFixed(2)).
		Str("to", target.StringFixed(2)).
		Str("reference", adjNumber).
		Msg("cash balance adjusted")
	return &txn, nil
}
