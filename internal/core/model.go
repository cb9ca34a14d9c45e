package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceType string

const (
	InvoiceTypeSale     InvoiceType = "sale"
	InvoiceTypePurchase InvoiceType = "purchase"
)

type InvoiceStatus string

const (
	StatusUnpaid  InvoiceStatus = "unpaid"
	StatusPartial InvoiceStatus = "partial"
	StatusPaid    InvoiceStatus = "paid"
)

type PaymentDirection string

const (
	DirectionIn  PaymentDirection = "in"
	DirectionOut PaymentDirection = "out"
)

type PaymentMode string

const (
	ModeCash   PaymentMode = "cash"
	ModeBank   PaymentMode = "bank"
	ModeUPI    PaymentMode = "upi"
	ModeCheque PaymentMode = "cheque"
	ModeCard   PaymentMode = "card"
)

// ValidModes lists every payment mode that produces a cash/bank mirror entry.
var ValidModes = []PaymentMode{ModeCash, ModeBank, ModeUPI, ModeCheque, ModeCard}

type PartyType string

const (
	PartyCustomer PartyType = "customer"
	PartySupplier PartyType = "supplier"
	PartyBoth     PartyType = "both"
)

type Party struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Type      PartyType `json:"party_type"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	GSTIN     string    `json:"gstin"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is master data. CurrentStock is a denormalized running quantity kept
// by invoice save/delete; it is not authoritative for historical valuation,
// which is always reconstructed from the line-item history.
type Item struct {
	ID            int             `json:"id"`
	Name          string          `json:"name"`
	Unit          string          `json:"unit"`
	HSNCode       string          `json:"hsn_code"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SalePrice     decimal.Decimal `json:"sale_price"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	OpeningStock  decimal.Decimal `json:"opening_stock"`
	CurrentStock  decimal.Decimal `json:"current_stock"`
	LowStockAlert decimal.Decimal `json:"low_stock_alert"`
	IsDeleted     bool            `json:"is_deleted"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Invoice struct {
	ID             int             `json:"id"`
	Type           InvoiceType     `json:"invoice_type"`
	InvoiceNumber  string          `json:"invoice_number"`
	InvoiceDate    string          `json:"invoice_date"`
	DueDate        *string         `json:"due_date,omitempty"`
	PartyID        int             `json:"party_id"`
	PartyName      string          `json:"party_name,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	TCSAmount      decimal.Decimal `json:"tcs_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	BalanceDue     decimal.Decimal `json:"balance_due"`
	Status         InvoiceStatus   `json:"status"`
	Notes          string          `json:"notes"`
	StockRestored  bool            `json:"stock_restored"`
	IsDeleted      bool            `json:"is_deleted"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Lines          []LineItem      `json:"lines"`
}

// LineItem is a persisted invoice line. All monetary fields are rounded to
// two decimals at the line level before summation into the header totals.
type LineItem struct {
	ID             int             `json:"id"`
	InvoiceID      int             `json:"invoice_id"`
	LineNumber     int             `json:"line_number"`
	ItemID         int             `json:"item_id"`
	ItemName       string          `json:"item_name,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	Rate           decimal.Decimal `json:"rate"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

type Payment struct {
	ID             int              `json:"id"`
	ReceiptNumber  string           `json:"receipt_number"`
	Direction      PaymentDirection `json:"direction"`
	Amount         decimal.Decimal  `json:"amount"`
	PaymentDate    string           `json:"payment_date"`
	PartyID        int              `json:"party_id"`
	InvoiceID      *int             `json:"invoice_id,omitempty"`
	Mode           PaymentMode      `json:"mode"`
	Note           string           `json:"note"`
	IdempotencyKey string           `json:"idempotency_key"`
	IsDeleted      bool             `json:"is_deleted"`
	CreatedAt      time.Time        `json:"created_at"`
}

// CashBankTransaction is one row of the append-only cash/bank mirror.
// Rows are created once and never edited; corrections are compensating rows.
type CashBankTransaction struct {
	ID            int              `json:"id"`
	Direction     PaymentDirection `json:"direction"`
	Amount        decimal.Decimal  `json:"amount"`
	TxnDate       string           `json:"txn_date"`
	Mode          PaymentMode      `json:"mode"`
	ReferenceType string           `json:"reference_type"`
	ReferenceID   string           `json:"reference_id"`
	Description   string           `json:"description"`
	CreatedAt     time.Time        `json:"created_at"`
}

const (
	RefPaymentIn         = "payment_in"
	RefPaymentOut        = "payment_out"
	RefPaymentReversal   = "payment_reversal"
	RefBalanceAdjustment = "balance_adjustment"
)

// TCSConfig enables tax-collected-at-source on top of the tax-inclusive total.
type TCSConfig struct {
	Enabled bool            `json:"enabled"`
	Rate    decimal.Decimal `json:"rate"`
}

// StatusFor derives the invoice status from paid amount vs total.
// It is a pure function of the two figures: paid iff nothing remains due
// on a positive total, partial iff some but not all has been paid.
func StatusFor(total, paid decimal.Decimal) InvoiceStatus {
	switch {
	case paid.IsZero() || paid.IsNegative():
		return StatusUnpaid
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	default:
		return StatusPartial
	}
}
