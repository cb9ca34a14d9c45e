package core_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"billing-ledger/internal/core"
)

// setupTestDB connects to a dedicated TEST database, applies the schema and
// resets all tables. Set TEST_DATABASE_URL in your .env or environment to
// run integration tests; they are skipped otherwise to protect live data.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	schema, err := os.ReadFile("../../migrations/001_schema.sql")
	if err != nil {
		t.Fatalf("Failed to read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE cashbank_transactions, payments, invoice_line_items, invoices, items, parties RESTART IDENTITY CASCADE;
		UPDATE doc_sequences SET last_number = 0;
	`)
	if err != nil {
		t.Fatalf("Failed to reset test database: %v", err)
	}

	return pool
}

type testFixture struct {
	customerID int
	supplierID int
	itemA      int
	itemB      int
}

// seedMasterData inserts a customer, a supplier and two items with known
// opening/current stock.
func seedMasterData(t *testing.T, pool *pgxpool.Pool) testFixture {
	t.Helper()
	ctx := context.Background()

	var f testFixture
	if err := pool.QueryRow(ctx,
		`INSERT INTO parties (name, party_type) VALUES ('Acme Traders', 'customer') RETURNING id`,
	).Scan(&f.customerID); err != nil {
		t.Fatalf("Failed to seed customer: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO parties (name, party_type) VALUES ('Bulk Supplies Co', 'supplier') RETURNING id`,
	).Scan(&f.supplierID); err != nil {
		t.Fatalf("Failed to seed supplier: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO items (name, unit, purchase_price, sale_price, tax_rate, opening_stock, current_stock, low_stock_alert)
		VALUES ('Widget', 'pcs', 80, 120, 18, 50, 50, 10) RETURNING id
	`).Scan(&f.itemA); err != nil {
		t.Fatalf("Failed to seed item A: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO items (name, unit, purchase_price, sale_price, tax_rate, opening_stock, current_stock, low_stock_alert)
		VALUES ('Gadget', 'pcs', 200, 300, 18, 20, 20, 5) RETURNING id
	`).Scan(&f.itemB); err != nil {
		t.Fatalf("Failed to seed item B: %v", err)
	}
	return f
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// createSaleInvoice makes a plain sale invoice with one line: qty × rate,
// no discounts, no tax.
func createSaleInvoice(t *testing.T, svc core.InvoiceService, partyID, itemID int, qty, rate string) *core.Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), core.InvoiceInput{
		Type:        core.InvoiceTypeSale,
		InvoiceDate: "2025-06-01",
		PartyID:     partyID,
		Lines: []core.LineItemInput{
			{ItemID: itemID, Quantity: d(qty), Rate: d(rate)},
		},
	})
	if err != nil {
		t.Fatalf("Failed to create sale invoice: %v", err)
	}
	return inv
}

func TestApplyPayment_LinkedInvoiceLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100") // total 1000

	res, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("400"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeCash, PaymentDate: "2025-06-02",
	})
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if res.UpdatedInvoice.Status != core.StatusPartial {
		t.Errorf("status = %s, want partial", res.UpdatedInvoice.Status)
	}
	if !res.UpdatedInvoice.BalanceDue.Equal(d("600")) {
		t.Errorf("balance_due = %s, want 600", res.UpdatedInvoice.BalanceDue)
	}
	if res.Mirrored == nil {
		t.Fatal("expected a mirrored cash/bank transaction")
	}
	if res.Mirrored.ReferenceType != core.RefPaymentIn {
		t.Errorf("reference_type = %s, want %s", res.Mirrored.ReferenceType, core.RefPaymentIn)
	}

	res, err = payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("600"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeBank, PaymentDate: "2025-06-03",
	})
	if err != nil {
		t.Fatalf("second ApplyPayment failed: %v", err)
	}
	if res.UpdatedInvoice.Status != core.StatusPaid {
		t.Errorf("status = %s, want paid", res.UpdatedInvoice.Status)
	}
	if !res.UpdatedInvoice.BalanceDue.IsZero() {
		t.Errorf("balance_due = %s, want 0", res.UpdatedInvoice.BalanceDue)
	}

	// balance_due = max(0, total − paid) must hold after every application.
	if !res.UpdatedInvoice.PaidAmount.Equal(d("1000")) {
		t.Errorf("paid_amount = %s, want 1000", res.UpdatedInvoice.PaidAmount)
	}
}

func TestApplyPayment_Commutativity(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	apply := func(invID int, amounts []string) *core.Invoice {
		var last *core.Invoice
		for _, a := range amounts {
			res, err := payments.ApplyPayment(ctx, core.PaymentInput{
				Direction: core.DirectionIn, Amount: d(a), PartyID: f.customerID,
				InvoiceID: &invID, Mode: core.ModeCash,
			})
			if err != nil {
				t.Fatalf("ApplyPayment(%s) failed: %v", a, err)
			}
			last = res.UpdatedInvoice
		}
		return last
	}

	invAB := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100")
	invBA := createSaleInvoice(t, invoices, f.customerID, f.itemB, "5", "200")

	finalAB := apply(invAB.ID, []string{"300", "450"})
	finalBA := apply(invBA.ID, []string{"450", "300"})

	if !finalAB.PaidAmount.Equal(finalBA.PaidAmount) {
		t.Errorf("paid amounts differ by order: %s vs %s", finalAB.PaidAmount, finalBA.PaidAmount)
	}
	if finalAB.Status != finalBA.Status {
		t.Errorf("statuses differ by order: %s vs %s", finalAB.Status, finalBA.Status)
	}
	if finalAB.Status != core.StatusPartial {
		t.Errorf("status = %s, want partial (750 of 1000 paid)", finalAB.Status)
	}
}

func TestApplyPayment_UnlinkedAffectsOnlyOutstanding(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())
	reports := core.NewReportingService(pool)

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100")

	res, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("250"), PartyID: f.customerID, Mode: core.ModeUPI,
	})
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if res.UpdatedInvoice != nil {
		t.Error("unlinked payment must not touch any invoice")
	}
	if res.Mirrored == nil {
		t.Error("unlinked payment must still be mirrored")
	}

	got, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatalf("Get invoice failed: %v", err)
	}
	if !got.PaidAmount.IsZero() || got.Status != core.StatusUnpaid {
		t.Errorf("invoice mutated by unlinked payment: paid=%s status=%s", got.PaidAmount, got.Status)
	}

	// The party's outstanding figure is derived from invoices only.
	bal, err := reports.PartyOutstanding(ctx, f.customerID)
	if err != nil {
		t.Fatalf("PartyOutstanding failed: %v", err)
	}
	if !bal.Receivable.Equal(d("1000")) {
		t.Errorf("receivable = %s, want 1000", bal.Receivable)
	}
}

func TestApplyPayment_ValidationAndReferentialRejection(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	payments := core.NewPaymentService(pool, testLogger())

	var vErr *core.ValidationError
	_, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("0"), PartyID: f.customerID, Mode: core.ModeCash,
	})
	if !errors.As(err, &vErr) {
		t.Errorf("zero amount: got %v, want ValidationError", err)
	}

	_, err = payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("10"), PartyID: f.customerID, Mode: "barter",
	})
	if !errors.As(err, &vErr) {
		t.Errorf("unknown mode: got %v, want ValidationError", err)
	}

	missing := 99999
	var rErr *core.ReferentialError
	_, err = payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("10"), PartyID: f.customerID,
		InvoiceID: &missing, Mode: core.ModeCash,
	})
	if !errors.As(err, &rErr) {
		t.Errorf("missing invoice: got %v, want ReferentialError", err)
	}

	// A rejected payment must leave no trace: no payment row, no mirror.
	var count int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM payments").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rejected payments left %d rows", count)
	}
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM cashbank_transactions").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rejected payments left %d mirror rows", count)
	}
}

func TestApplyPayment_IdempotentRetry(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100")

	in := core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("400"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeCash, IdempotencyKey: "retry-test-1",
	}
	first, err := payments.ApplyPayment(ctx, in)
	if err != nil {
		t.Fatalf("first ApplyPayment failed: %v", err)
	}
	second, err := payments.ApplyPayment(ctx, in)
	if err != nil {
		t.Fatalf("retried ApplyPayment failed: %v", err)
	}

	if first.Payment.ID != second.Payment.ID {
		t.Errorf("retry created a second payment: %d vs %d", first.Payment.ID, second.Payment.ID)
	}
	// The mirror is keyed by (reference_type, reference_id): exactly one row.
	var mirrors int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM cashbank_transactions").Scan(&mirrors); err != nil {
		t.Fatal(err)
	}
	if mirrors != 1 {
		t.Errorf("expected exactly one mirror row, got %d", mirrors)
	}

	// The resumed call rewrites paid_amount from the payments table, so the
	// retry cannot double-count the invoice.
	if !second.UpdatedInvoice.PaidAmount.Equal(d("400")) {
		t.Errorf("paid_amount after retry = %s, want 400", second.UpdatedInvoice.PaidAmount)
	}
	if second.UpdatedInvoice.Status != core.StatusPartial {
		t.Errorf("status after retry = %s, want partial", second.UpdatedInvoice.Status)
	}
	var paymentCount int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM payments WHERE idempotency_key = 'retry-test-1'").Scan(&paymentCount); err != nil {
		t.Fatal(err)
	}
	if paymentCount != 1 {
		t.Errorf("expected one payment row, got %d", paymentCount)
	}
}

func TestUpdatePayment_RewritesInvoiceButNotMirror(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100")
	res, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("1000"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeCash,
	})
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}

	updated, err := payments.UpdatePayment(ctx, res.Payment.ID, d("600"), "corrected amount")
	if err != nil {
		t.Fatalf("UpdatePayment failed: %v", err)
	}
	if updated.UpdatedInvoice.Status != core.StatusPartial {
		t.Errorf("status = %s, want partial", updated.UpdatedInvoice.Status)
	}
	if !updated.UpdatedInvoice.PaidAmount.Equal(d("600")) {
		t.Errorf("paid_amount = %s, want 600", updated.UpdatedInvoice.PaidAmount)
	}
	if !updated.UpdatedInvoice.BalanceDue.Equal(d("400")) {
		t.Errorf("balance_due = %s, want 400", updated.UpdatedInvoice.BalanceDue)
	}

	// The mirror keeps the amount as originally booked.
	var mirrorAmount decimal.Decimal
	if err := pool.QueryRow(ctx, "SELECT amount FROM cashbank_transactions").Scan(&mirrorAmount); err != nil {
		t.Fatal(err)
	}
	if !mirrorAmount.Equal(d("1000")) {
		t.Errorf("mirror amount = %s, want 1000 (never edited)", mirrorAmount)
	}

	var vErr *core.ValidationError
	if _, err := payments.UpdatePayment(ctx, res.Payment.ID, d("0"), ""); !errors.As(err, &vErr) {
		t.Errorf("zero amount: got %v, want ValidationError", err)
	}
}

func TestDeletePayment_ReversesInvoiceAndAppendsCompensation(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "10", "100")
	res, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionIn, Amount: d("1000"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeCash,
	})
	if err != nil {
		t.Fatalf("ApplyPayment failed: %v", err)
	}
	if res.UpdatedInvoice.Status != core.StatusPaid {
		t.Fatalf("precondition: invoice should be paid, got %s", res.UpdatedInvoice.Status)
	}

	if err := payments.DeletePayment(ctx, res.Payment.ID); err != nil {
		t.Fatalf("DeletePayment failed: %v", err)
	}

	got, err := invoices.Get(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != core.StatusUnpaid || !got.PaidAmount.IsZero() {
		t.Errorf("invoice not reversed: paid=%s status=%s", got.PaidAmount, got.Status)
	}

	// Original mirror row untouched, compensating row appended.
	var mirrors int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM cashbank_transactions").Scan(&mirrors); err != nil {
		t.Fatal(err)
	}
	if mirrors != 2 {
		t.Errorf("expected original + compensating mirror rows, got %d", mirrors)
	}
	var net decimal.Decimal
	if err := pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(CASE WHEN direction = 'in' THEN amount ELSE -amount END), 0) FROM cashbank_transactions",
	).Scan(&net); err != nil {
		t.Fatal(err)
	}
	if !net.IsZero() {
		t.Errorf("net cash movement after reversal = %s, want 0", net)
	}

	if err := payments.DeletePayment(ctx, res.Payment.ID); err == nil {
		t.Error("deleting an already-deleted payment should fail")
	}
}

func TestApplyPayment_DirectionMustMatchInvoiceType(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	f := seedMasterData(t, pool)
	ctx := context.Background()

	invoices := core.NewInvoiceService(pool, testLogger())
	payments := core.NewPaymentService(pool, testLogger())

	inv := createSaleInvoice(t, invoices, f.customerID, f.itemA, "1", "100")

	var vErr *core.ValidationError
	_, err := payments.ApplyPayment(ctx, core.PaymentInput{
		Direction: core.DirectionOut, Amount: d("100"), PartyID: f.customerID,
		InvoiceID: &inv.ID, Mode: core.ModeCash,
	})
	if !errors.As(err, &vErr) {
		t.Errorf("payment out against a sale invoice: got %v, want ValidationError", err)
	}
}
