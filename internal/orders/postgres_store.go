package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Updates carry an
// optimistic version check so concurrent transitions across instances
// lose cleanly with ErrConflict instead of overwriting each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, order_number, buyer_id, seller_id, listing_id, tier,
	price, buyer_fee, seller_fee, total_amount, seller_receives, currency,
	status, disputed_from, delivery_note, payment_deadline, delivery_deadline, review_deadline,
	paid_at, delivered_at, completed_at, cancelled_at, version, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12,
		        $13, NULLIF($14, ''), NULLIF($15, ''), $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`, o.ID, o.Number, o.BuyerID, o.SellerID, o.ListingID, o.Tier,
		int64(o.Price), int64(o.BuyerFee), int64(o.SellerFee), int64(o.TotalAmount), int64(o.SellerReceives), o.Currency,
		string(o.Status), string(o.DisputedFrom), o.DeliveryNote, o.PaymentDeadline, o.DeliveryDeadline, o.ReviewDeadline,
		o.PaidAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status            = $3,
			disputed_from     = NULLIF($4, ''),
			delivery_note     = NULLIF($5, ''),
			delivery_deadline = $6,
			review_deadline   = $7,
			paid_at           = $8,
			delivered_at      = $9,
			completed_at      = $10,
			cancelled_at      = $11,
			version           = version + 1,
			updated_at        = $12
		WHERE id = $1 AND version = $2
	`, o.ID, o.Version, string(o.Status), string(o.DisputedFrom), o.DeliveryNote, o.DeliveryDeadline, o.ReviewDeadline,
		o.PaidAt, o.DeliveredAt, o.CompletedAt, o.CancelledAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Either the order is gone or another writer bumped the version.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}

	o.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error) {
	var query string
	switch status {
	case StatusDelivered:
		query = `SELECT ` + orderColumns + ` FROM orders
			WHERE status = $1 AND review_deadline IS NOT NULL AND review_deadline < $2
			ORDER BY review_deadline LIMIT $3`
	case StatusPending:
		query = `SELECT ` + orderColumns + ` FROM orders
			WHERE status = $1 AND payment_deadline < $2
			ORDER BY payment_deadline LIMIT $3`
	default:
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, query, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	o := &Order{}
	var tier, disputedFrom, deliveryNote sql.NullString
	var deliveryDeadline, reviewDeadline, paidAt, deliveredAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.Number, &o.BuyerID, &o.SellerID, &o.ListingID, &tier,
		&o.Price, &o.BuyerFee, &o.SellerFee, &o.TotalAmount, &o.SellerReceives, &o.Currency,
		&o.Status, &disputedFrom, &deliveryNote, &o.PaymentDeadline, &deliveryDeadline, &reviewDeadline,
		&paidAt, &deliveredAt, &completedAt, &cancelledAt, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Tier = tier.String
	o.DisputedFrom = Status(disputedFrom.String)
	o.DeliveryNote = deliveryNote.String
	o.DeliveryDeadline = timePtr(deliveryDeadline)
	o.ReviewDeadline = timePtr(reviewDeadline)
	o.PaidAt = timePtr(paidAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
