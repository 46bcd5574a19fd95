package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"paycore/internal/gateway"
)

// Store persists audit logs in PostgreSQL. Rows are appended per distinct
// call attempt; UpdateStatus completes a previously INITIATED row for the
// same attempt and is the only in-place mutation.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an audit log store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Record appends a new log row and returns its ID.
func (s *Store) Record(ctx context.Context, gw gateway.Gateway, correlationID string, status Status, request, response string) (int64, error) {
	query := `
		INSERT INTO gateway_logs (gateway, correlation_id, status, request, response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`
	now := time.Now().UTC()
	var id int64
	if err := s.pool.QueryRow(ctx, query, gw, correlationID, status, request, response, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("record gateway log: %w", err)
	}
	return id, nil
}

// UpdateStatus completes a previously recorded attempt in place.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status Status, response string) error {
	query := `
		UPDATE gateway_logs SET status = $2, response = $3, updated_at = $4
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, status, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update gateway log %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gateway log %d not found", id)
	}
	return nil
}

// LatestSuccessByCorrelation returns the most recent SUCCESS row for an
// exact correlation ID, or nil when none exists. Multiple historical rows
// per correlation ID are expected; the newest wins.
func (s *Store) LatestSuccessByCorrelation(ctx context.Context, gw gateway.Gateway, correlationID string) (*Log, error) {
	query := `
		SELECT id, gateway, correlation_id, status, request, response, created_at, updated_at
		FROM gateway_logs
		WHERE gateway = $1 AND correlation_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, gw, correlationID, StatusSuccess))
}

// LatestRefundSuccessContaining returns the most recent SUCCESS refund row
// whose stored response contains the given substring. The token-based
// gateway's refund confirmations echo the original transaction ID nowhere
// predictable, so substring search is the only available match; scoping to
// refund-correlated rows keeps payment logs, which also carry the original
// identifiers, out of the candidate set. Nil when none exists.
func (s *Store) LatestRefundSuccessContaining(ctx context.Context, gw gateway.Gateway, substring string) (*Log, error) {
	query := `
		SELECT id, gateway, correlation_id, status, request, response, created_at, updated_at
		FROM gateway_logs
		WHERE gateway = $1 AND status = $2
			AND correlation_id LIKE $3
			AND response LIKE '%' || $4 || '%'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, gw, StatusSuccess, refundCorrelationPrefix+"%", substring))
}

// ListByCorrelation returns all rows for a correlation ID, newest first.
func (s *Store) ListByCorrelation(ctx context.Context, gw gateway.Gateway, correlationID string) ([]*Log, error) {
	query := `
		SELECT id, gateway, correlation_id, status, request, response, created_at, updated_at
		FROM gateway_logs
		WHERE gateway = $1 AND correlation_id = $2
		ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, gw, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.Gateway, &l.CorrelationID, &l.Status, &l.Request, &l.Response, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *Store) scanOne(row pgx.Row) (*Log, error) {
	var l Log
	err := row.Scan(&l.ID, &l.Gateway, &l.CorrelationID, &l.Status, &l.Request, &l.Response, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}
