package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Document number prefixes. Sequences live in doc_sequences and are
// advanced with a single atomic UPDATE, so numbers are gapless per type as
// long as the surrounding insert commits.
const (
	docTypeSaleInvoice     = "SINV"
	docTypePurchaseInvoice = "PINV"
	docTypeReceipt         = "RCPT"
	docTypeAdjustment      = "ADJ"
)

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func nextDocNumber(ctx context.Context, q pgxQuerier, docType string) (string, error) {
	var n int64
	err := q.QueryRow(ctx, `
		UPDATE doc_sequences
		SET last_number = last_number + 1
		WHERE doc_type = $1
		RETURNING last_number
	`, docType).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to advance %s sequence: %w", docType, err)
	}
	return fmt.Sprintf("%s-%05d", docType, n), nil
}

func invoiceDocType(t InvoiceType) string {
	if t == InvoiceTypePurchase {
		return docTypePurchaseInvoice
	}
	return docTypeSaleInvoice
}
