// Package cli wires the ledger core into an operator command line: reports,
// reconciliation and corrections that would otherwise need ad-hoc SQL.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"billing-ledger/internal/config"
	"billing-ledger/internal/core"
	"billing-ledger/internal/logger"
)

// New builds the root command with all subcommands wired to the services.
func New(pool *pgxpool.Pool, cfg *config.Config) *cobra.Command {
	log := logger.WithComponent("cli")

	invoices := core.NewInvoiceService(pool, log)
	payments := core.NewPaymentService(pool, log)
	cashbank := core.NewCashBankService(pool, log)
	reports := core.NewReportingService(pool)

	opts := core.ValuationOptions{StandardCostFallback: cfg.StandardCostFallback}

	root := &cobra.Command{
		Use:           "ledger",
		Short:         "Billing ledger reconciliation tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// stock-report
	var fromDate, toDate string
	stockReport := &cobra.Command{
		Use:   "stock-report",
		Short: "Stock valuation report for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := parsePeriod(fromDate, toDate)
			if err != nil {
				return err
			}
			summary, err := reports.StockLedgerReport(cmd.Context(), period, opts)
			if err != nil {
				return err
			}
			printStockSummary(summary)
			return nil
		},
	}
	stockReport.Flags().StringVar(&fromDate, "from", "", "period start (YYYY-MM-DD)")
	stockReport.Flags().StringVar(&toDate, "to", "", "period end (YYYY-MM-DD)")
	_ = stockReport.MarkFlagRequired("from")
	_ = stockReport.MarkFlagRequired("to")

	// create-invoice
	createInvoice := &cobra.Command{
		Use:   "create-invoice",
		Short: "Create an invoice from a JSON document on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in core.InvoiceInput
			if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
				return fmt.Errorf("invalid invoice input: %w", err)
			}
			// Environment-level TCS applies to sale invoices unless the
			// document enables it explicitly.
			if !in.TCS.Enabled && cfg.TCSEnabled && in.Type == core.InvoiceTypeSale {
				rate, err := decimal.NewFromString(cfg.TCSRate)
				if err != nil {
					return fmt.Errorf("invalid TCS_RATE %q: %w", cfg.TCSRate, err)
				}
				in.TCS = core.TCSConfig{Enabled: true, Rate: rate}
			}
			inv, err := invoices.CreateInvoice(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(inv)
		},
	}

	// record-payment
	recordPayment := &cobra.Command{
		Use:   "record-payment",
		Short: "Record a payment from a JSON document on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in core.PaymentInput
			if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
				return fmt.Errorf("invalid payment input: %w", err)
			}
			res, err := payments.ApplyPayment(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	// update-payment
	var updPaymentID int
	var updAmount, updNote string
	updatePayment := &cobra.Command{
		Use:   "update-payment",
		Short: "Correct a payment's amount and reconcile its invoice",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(updAmount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", updAmount, err)
			}
			res, err := payments.UpdatePayment(cmd.Context(), updPaymentID, amount, updNote)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	updatePayment.Flags().IntVar(&updPaymentID, "payment", 0, "payment id")
	updatePayment.Flags().StringVar(&updAmount, "amount", "", "corrected amount")
	updatePayment.Flags().StringVar(&updNote, "note", "", "correction note")
	_ = updatePayment.MarkFlagRequired("payment")
	_ = updatePayment.MarkFlagRequired("amount")

	// delete-invoice
	var deleteInvoiceID int
	deleteInvoice := &cobra.Command{
		Use:   "delete-invoice",
		Short: "Soft-delete an invoice and restore its stock effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoices.SoftDelete(cmd.Context(), deleteInvoiceID)
		},
	}
	deleteInvoice.Flags().IntVar(&deleteInvoiceID, "invoice", 0, "invoice id")
	_ = deleteInvoice.MarkFlagRequired("invoice")

	// outstanding
	var partyID int
	outstanding := &cobra.Command{
		Use:   "outstanding",
		Short: "Party outstanding balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			if partyID != 0 {
				b, err := reports.PartyOutstanding(cmd.Context(), partyID)
				if err != nil {
					return err
				}
				printPartyBalance(b)
				return nil
			}
			balances, err := reports.AllPartiesOutstanding(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range balances {
				printPartyBalance(b)
			}
			return nil
		},
	}
	outstanding.Flags().IntVar(&partyID, "party", 0, "limit to one party id")

	// cashbook
	var cbMode, cbFrom, cbTo string
	cashbook := &cobra.Command{
		Use:   "cashbook",
		Short: "Cash/bank book with running balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode *core.PaymentMode
			if cbMode != "" {
				m := core.PaymentMode(cbMode)
				mode = &m
			}
			lines, err := cashbank.Book(cmd.Context(), mode, cbFrom, cbTo)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Printf("%-12s %-4s %12s  %12s  %s\n",
					l.Txn.TxnDate, l.Txn.Direction, l.Txn.Amount.StringFixed(2),
					l.RunningBalance.StringFixed(2), l.Txn.Description)
			}
			return nil
		},
	}
	cashbook.Flags().StringVar(&cbMode, "mode", "", "payment mode filter (cash, bank, upi, cheque, card)")
	cashbook.Flags().StringVar(&cbFrom, "from", "", "start date (YYYY-MM-DD)")
	cashbook.Flags().StringVar(&cbTo, "to", "", "end date (YYYY-MM-DD)")

	// adjust-balance
	var adjMode, adjTarget, adjDate string
	adjust := &cobra.Command{
		Use:   "adjust-balance",
		Short: "Force a cash/bank mode balance to a target via a synthetic transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := decimal.NewFromString(adjTarget)
			if err != nil {
				return fmt.Errorf("invalid target amount %q: %w", adjTarget, err)
			}
			txn, err := cashbank.AdjustBalance(cmd.Context(), core.PaymentMode(adjMode), target, adjDate)
			if err == core.ErrAlreadyAtTarget {
				fmt.Println("Balance already at target; nothing posted.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("Posted %s adjustment %s of %s\n", txn.Direction, txn.ReferenceID, txn.Amount.StringFixed(2))
			return nil
		},
	}
	adjust.Flags().StringVar(&adjMode, "mode", "cash", "payment mode to adjust")
	adjust.Flags().StringVar(&adjTarget, "target", "", "target balance")
	adjust.Flags().StringVar(&adjDate, "date", "", "transaction date (defaults to today)")
	_ = adjust.MarkFlagRequired("target")

	// reconcile-stock
	var itemID int
	reconcile := &cobra.Command{
		Use:   "reconcile-stock",
		Short: "Recompute an item's cached stock from its line-item history",
		RunE: func(cmd *cobra.Command, args []string) error {
			drift, err := invoices.ReconcileItemStock(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			if drift.IsZero() {
				fmt.Println("No drift; cached stock matches history.")
			} else {
				fmt.Printf("Repaired drift of %s\n", drift.String())
			}
			return nil
		},
	}
	reconcile.Flags().IntVar(&itemID, "item", 0, "item id")
	_ = reconcile.MarkFlagRequired("item")

	// low-stock
	lowStock := &cobra.Command{
		Use:   "low-stock",
		Short: "Items at or below their alert threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := reports.LowStockItems(cmd.Context())
			if err != nil {
				return err
			}
			for _, li := range items {
				fmt.Printf("%-30s %10s %s (alert %s, short %s)\n",
					li.Item.Name, li.Item.CurrentStock.String(), li.Item.Unit,
					li.Item.LowStockAlert.String(), li.Shortfall.String())
			}
			return nil
		},
	}

	// delete-payment
	var paymentID int
	deletePayment := &cobra.Command{
		Use:   "delete-payment",
		Short: "Soft-delete a payment and reverse its invoice and cash effects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return payments.DeletePayment(cmd.Context(), paymentID)
		},
	}
	deletePayment.Flags().IntVar(&paymentID, "payment", 0, "payment id")
	_ = deletePayment.MarkFlagRequired("payment")

	// migrate
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema migration files in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := os.ReadDir("migrations")
			if err != nil {
				return fmt.Errorf("failed to read migrations dir: %w", err)
			}
			for _, e := range entries {
				if e.IsDir() || len(e.Name()) < 4 || e.Name()[len(e.Name())-4:] != ".sql" {
					continue
				}
				sql, err := os.ReadFile("migrations/" + e.Name())
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", e.Name(), err)
				}
				if _, err := pool.Exec(cmd.Context(), string(sql)); err != nil {
					return fmt.Errorf("migration %s failed: %w", e.Name(), err)
				}
				log.Info().Str("file", e.Name()).Msg("migration applied")
			}
			return nil
		},
	}

	root.AddCommand(createInvoice, recordPayment, updatePayment, deleteInvoice,
		stockReport, outstanding, cashbook, adjust, reconcile, lowStock, deletePayment, migrate)
	return root
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePeriod(from, to string) (core.Period, error) {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return core.Period{}, fmt.Errorf("invalid --from date %q: %w", from, err)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return core.Period{}, fmt.Errorf("invalid --to date %q: %w", to, err)
	}
	if end.Before(start) {
		return core.Period{}, fmt.Errorf("--to must not be before --from")
	}
	return core.Period{Start: start, End: end}, nil
}

func printStockSummary(s core.StockLedgerSummary) {
	for _, r := range s.Rows {
		fmt.Printf("%-30s open %10s @ %-8s  purch %10s  sold %10s  close %10s @ %-8s  %s\n",
			r.ItemName,
			r.OpeningQty.String(), r.OpeningAvgPrice.StringFixed(2),
			r.PurchaseQty.String(), r.SaleQty.String(),
			r.ClosingQty.String(), r.ClosingAvgPrice.StringFixed(2),
			r.Status)
		if r.DataQuality != "" {
			fmt.Printf("  ! %s\n", r.DataQuality)
		}
	}
	fmt.Printf("\nTotals: opening %s, purchases %s, sales %s, closing %s\n",
		s.TotalOpeningValue.StringFixed(2), s.TotalPurchaseAmt.StringFixed(2),
		s.TotalSaleAmt.StringFixed(2), s.TotalClosingValue.StringFixed(2))
	if s.ItemsWithBadData > 0 {
		fmt.Printf("%d item(s) flagged for data quality\n", s.ItemsWithBadData)
	}
}

func printPartyBalance(b core.PartyBalance) {
	fmt.Printf("%-30s receivable %12s  payable %12s  net %12s\n",
		b.PartyName, b.Receivable.StringFixed(2), b.Payable.StringFixed(2), b.Net.StringFixed(2))
}
