package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
)

// Store persists transactions, refunds and the minimal invoice view in
// PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a billing store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateTransaction inserts a new INITIATED transaction and returns its ID.
func (s *Store) CreateTransaction(ctx context.Context, tx *Transaction) (int64, error) {
	query := `
		INSERT INTO transactions (gateway, gateway_ref, amount_minor, currency, status, invoice_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, query,
		tx.Gateway, tx.GatewayRef, tx.Amount.AmountMinor, tx.Amount.Currency,
		tx.Status, tx.InvoiceID, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create transaction: %w", err)
	}
	tx.ID = id
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return id, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	query := transactionSelect + ` WHERE id = $1`
	return scanTransaction(s.pool.QueryRow(ctx, query, id))
}

// FindTransactionByGatewayRef retrieves a transaction by its external
// correlation ID within one gateway.
func (s *Store) FindTransactionByGatewayRef(ctx context.Context, gw gateway.Gateway, ref string) (*Transaction, error) {
	query := transactionSelect + ` WHERE gateway = $1 AND gateway_ref = $2 ORDER BY created_at DESC LIMIT 1`
	return scanTransaction(s.pool.QueryRow(ctx, query, gw, ref))
}

// SettleTransaction marks an INITIATED transaction SUCCESS with its final
// gateway reference. The status guard lives in SQL so the transition
// happens at most once even under concurrent callbacks.
func (s *Store) SettleTransaction(ctx context.Context, id int64, gatewayRef string) error {
	query := `
		UPDATE transactions SET status = $2, gateway_ref = $3, updated_at = $4
		WHERE id = $1 AND status = $5
	`
	tag, err := s.pool.Exec(ctx, query, id, TxSuccess, gatewayRef, time.Now().UTC(), TxInitiated)
	if err != nil {
		return fmt.Errorf("settle transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settle transaction %d: %w", id, database.ErrConflict)
	}
	return nil
}

// FailTransaction marks an INITIATED transaction FAILED.
func (s *Store) FailTransaction(ctx context.Context, id int64) error {
	query := `
		UPDATE transactions SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	tag, err := s.pool.Exec(ctx, query, id, TxFailed, time.Now().UTC(), TxInitiated)
	if err != nil {
		return fmt.Errorf("fail transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail transaction %d: %w", id, database.ErrConflict)
	}
	return nil
}

// CompletedRefundsByGateway lists refunds marked COMPLETED joined to their
// owning transactions, filtered to one gateway. This is the reconciliation
// engine's working set.
func (s *Store) CompletedRefundsByGateway(ctx context.Context, gw gateway.Gateway) ([]*RefundWithTransaction, error) {
	query := `
		SELECT r.id, r.transaction_id, r.amount_minor, r.currency, r.reason, r.status, r.created_at, r.updated_at,
		       t.id, t.gateway, t.gateway_ref, t.amount_minor, t.currency, t.status, t.invoice_id, t.created_at, t.updated_at
		FROM refunds r
		JOIN transactions t ON t.id = r.transaction_id
		WHERE r.status = $1 AND t.gateway = $2
		ORDER BY r.id ASC
	`
	rows, err := s.pool.Query(ctx, query, RefundCompleted, gw)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RefundWithTransaction
	for rows.Next() {
		var rw RefundWithTransaction
		var rAmount, tAmount int64
		var rCurrency, tCurrency money.Currency
		err := rows.Scan(
			&rw.Refund.ID, &rw.Refund.TransactionID, &rAmount, &rCurrency,
			&rw.Refund.Reason, &rw.Refund.Status, &rw.Refund.CreatedAt, &rw.Refund.UpdatedAt,
			&rw.Transaction.ID, &rw.Transaction.Gateway, &rw.Transaction.GatewayRef,
			&tAmount, &tCurrency, &rw.Transaction.Status, &rw.Transaction.InvoiceID,
			&rw.Transaction.CreatedAt, &rw.Transaction.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		rw.Refund.Amount = money.New(rAmount, rCurrency)
		rw.Transaction.Amount = money.New(tAmount, tCurrency)
		out = append(out, &rw)
	}
	return out, rows.Err()
}

// GetInvoice retrieves the minimal invoice view.
func (s *Store) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `
		SELECT id, total_minor, currency, status, created_at, updated_at
		FROM invoices WHERE id = $1
	`
	row := s.pool.QueryRow(ctx, query, id)

	var inv Invoice
	var totalMinor int64
	var currency money.Currency
	err := row.Scan(&inv.ID, &totalMinor, &currency, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("invoice %d: %w", id, database.ErrNotFound)
		}
		return nil, err
	}
	inv.Total = money.New(totalMinor, currency)
	return &inv, nil
}

// MarkInvoicePaid transitions an unpaid invoice to paid.
func (s *Store) MarkInvoicePaid(ctx context.Context, id int64) error {
	query := `
		UPDATE invoices SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	_, err := s.pool.Exec(ctx, query, id, InvoicePaid, time.Now().UTC(), InvoiceUnpaid)
	return err
}

const transactionSelect = `
	SELECT id, gateway, gateway_ref, amount_minor, currency, status, invoice_id, created_at, updated_at
	FROM transactions
`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var amountMinor int64
	var currency money.Currency
	err := row.Scan(&t.ID, &t.Gateway, &t.GatewayRef, &amountMinor, &currency, &t.Status, &t.InvoiceID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("transaction: %w", database.ErrNotFound)
		}
		return nil, err
	}
	t.Amount = money.New(amountMinor, currency)
	return &t, nil
}
