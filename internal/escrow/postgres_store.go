package escrow

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The unique index on
// order_id guarantees at most one escrow record per order.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions
			(id, order_id, buyer_id, seller_id, price, buyer_fee, seller_fee, total,
			 status, release_amount, refund_amount, fee_amount, resolution, created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16)
	`, t.ID, t.OrderID, t.BuyerID, t.SellerID,
		int64(t.Price), int64(t.BuyerFee), int64(t.SellerFee), int64(t.Total),
		string(t.Status), int64(t.ReleaseAmount), int64(t.RefundAmount), int64(t.FeeAmount),
		t.Resolution, t.CreatedAt, t.UpdatedAt, t.ResolvedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("escrow record exists for order %s: %w", t.OrderID, ErrAlreadySettled)
		}
		return fmt.Errorf("failed to create escrow record: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, seller_id, price, buyer_fee, seller_fee, total,
		       status, release_amount, refund_amount, fee_amount, resolution, created_at, updated_at, resolved_at
		FROM escrow_transactions WHERE order_id = $1
	`, orderID)
	return scanEscrow(row)
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status         = $2,
			release_amount = $3,
			refund_amount  = $4,
			fee_amount     = $5,
			resolution     = NULLIF($6, ''),
			updated_at     = $7,
			resolved_at    = $8
		WHERE order_id = $1
	`, t.OrderID, string(t.Status), int64(t.ReleaseAmount), int64(t.RefundAmount), int64(t.FeeAmount),
		t.Resolution, t.UpdatedAt, t.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update escrow record: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, buyer_id, seller_id, price, buyer_fee, seller_fee, total,
		       status, release_amount, refund_amount, fee_amount, resolution, created_at, updated_at, resolved_at
		FROM escrow_transactions
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var resolution sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID,
		&t.Price, &t.BuyerFee, &t.SellerFee, &t.Total,
		&t.Status, &t.ReleaseAmount, &t.RefundAmount, &t.FeeAmount,
		&resolution, &t.CreatedAt, &t.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Resolution = resolution.String
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return t, nil
}
