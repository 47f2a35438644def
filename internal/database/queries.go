package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// ==================== Purchase Queries ====================

const insertPurchaseQuery = `
	INSERT INTO purchases (
		wallet_address, amount_spent, tokens_received, stage,
		price_at_purchase, transaction_id, payment_method, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (transaction_id) DO NOTHING
`

// InsertPurchase mirrors a purchase record. The unique transaction id makes
// the insert idempotent; a replayed mirror write is a no-op.
func (db *DB) InsertPurchase(ctx context.Context, rec *models.PurchaseRecord) error {
	_, err := db.ExecContext(
		ctx, insertPurchaseQuery,
		strings.ToLower(rec.WalletAddress),
		rec.AmountSpent,
		rec.TokensReceived,
		rec.Stage,
		rec.PriceAtPurchase,
		rec.TransactionID,
		rec.PaymentMethod,
		rec.CreatedAt,
	)
	return err
}

// ReplayPurchases writes a batch of ledger records into the mirror in one
// transaction. Records that already reached the mirror are skipped by the
// insert's conflict clause, so a replay only fills gaps left by outages.
func (db *DB) ReplayPurchases(ctx context.Context, records []models.PurchaseRecord) error {
	return db.InTransaction(func(tx *sqlx.Tx) error {
		for i := range records {
			rec := &records[i]
			if _, err := tx.ExecContext(
				ctx, insertPurchaseQuery,
				strings.ToLower(rec.WalletAddress),
				rec.AmountSpent,
				rec.TokensReceived,
				rec.Stage,
				rec.PriceAtPurchase,
				rec.TransactionID,
				rec.PaymentMethod,
				rec.CreatedAt,
			); err != nil {
				return fmt.Errorf("replay purchase %s: %w", rec.TransactionID, err)
			}
		}
		return nil
	})
}

// CountPurchases returns the number of mirrored purchase rows, compared
// against the local ledger to flag divergence.
func (db *DB) CountPurchases(ctx context.Context) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM purchases`)
	return count, err
}
