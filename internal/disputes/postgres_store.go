package disputes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. The unique index on
// disputes.order_id enforces the one-dispute-per-order invariant.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, dispute_number, order_id, filed_by, against_id, reason, description,
	seller_response, status, deadline, resolution_type, refund_amount, release_amount,
	resolved_by, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12, $13, NULLIF($14, ''), $15, $16, $17)
	`, d.ID, d.Number, d.OrderID, d.FiledBy, d.AgainstID, string(d.Reason), d.Description,
		d.SellerResponse, string(d.Status), d.Deadline, string(d.ResolutionType),
		int64(d.RefundAmount), int64(d.ReleaseAmount), d.ResolvedBy, d.CreatedAt, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateDispute
		}
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			seller_response = NULLIF($2, ''),
			status          = $3,
			resolution_type = NULLIF($4, ''),
			refund_amount   = $5,
			release_amount  = $6,
			resolved_by     = NULLIF($7, ''),
			updated_at      = $8,
			resolved_at     = $9
		WHERE id = $1
	`, d.ID, d.SellerResponse, string(d.Status), string(d.ResolutionType),
		int64(d.RefundAmount), int64(d.ReleaseAmount), d.ResolvedBy, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE filed_by = $1 OR against_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) AddEvidence(ctx context.Context, e *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, type, url, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.DisputeID, string(e.Type), e.URL, e.UploadedBy, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add evidence: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, type, url, uploaded_by, created_at
		FROM dispute_evidence WHERE dispute_id = $1 ORDER BY created_at
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Evidence
	for rows.Next() {
		e := &Evidence{}
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.Type, &e.URL, &e.UploadedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, sender_id, message, attachments, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.DisputeID, m.SenderID, m.Body, pq.Array(m.Attachments), m.IsAdmin, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, sender_id, message, attachments, is_admin, created_at
		FROM dispute_messages WHERE dispute_id = $1 ORDER BY created_at
	`, disputeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &m.Body, pq.Array(&m.Attachments), &m.IsAdmin, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var sellerResponse, resolutionType, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.Number, &d.OrderID, &d.FiledBy, &d.AgainstID, &d.Reason, &d.Description,
		&sellerResponse, &d.Status, &d.Deadline, &resolutionType,
		&d.RefundAmount, &d.ReleaseAmount, &resolvedBy, &d.CreatedAt, &d.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.SellerResponse = sellerResponse.String
	d.ResolutionType = ResolutionType(resolutionType.String)
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}
