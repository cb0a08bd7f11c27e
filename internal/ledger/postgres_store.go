package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
// Monetary columns are BIGINT minor units; CHECK constraints on the
// wallets table prevent overdrafts at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
// Schema is managed by goose migrations (see migrations/).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// mapPQError translates Postgres constraint violations to ledger sentinels.
func mapPQError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return ErrDuplicatePosting
		case "23514": // check_violation
			return ErrInsufficientFunds
		}
	}
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT currency, available, pending, total_earned, total_spent, total_withdrawn, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.Currency, &w.Available, &w.Pending, &w.TotalEarned, &w.TotalSpent, &w.TotalWithdrawn, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Wallet{UserID: userID, Currency: "USD", UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, wallet_id, type, amount, fee, net_amount, status,
		       order_id, reference, description, created_at, completed_at
		FROM wallet_transactions
		WHERE wallet_id = $1`
	args := []any{walletID}

	if f.Type != "" {
		args = append(args, string(f.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.OrderID != "" {
		args = append(args, f.OrderID)
		query += fmt.Sprintf(" AND order_id = $%d", len(args))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
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

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var orderID, reference, description sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Fee, &t.NetAmount, &t.Status,
		&orderID, &reference, &description, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.OrderID = orderID.String
	t.Reference = reference.String
	t.Description = description.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, type, amount, fee, net_amount, status,
		       order_id, reference, description, created_at, completed_at
		FROM wallet_transactions WHERE id = $1
	`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// upsertCredit adds to a wallet's available balance, creating the row if needed.
func upsertCredit(ctx context.Context, tx *sql.Tx, walletID string, amount money.Amount, earned bool) error {
	earnedDelta := money.Amount(0)
	if earned {
		earnedDelta = amount
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, available, total_earned, updated_at)
		VALUES ($1, 'USD', $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available    = wallets.available + $2,
			total_earned = wallets.total_earned + $3,
			updated_at   = NOW()
	`, walletID, int64(amount), int64(earnedDelta))
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", mapPQError(err))
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, type, amount, fee, net_amount, status, order_id, reference, description, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
	`, t.ID, t.WalletID, string(t.Type), int64(t.Amount), int64(t.Fee), int64(t.NetAmount),
		string(t.Status), t.OrderID, t.Reference, t.Description, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", mapPQError(err))
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, walletID string, amount money.Amount, typ TransactionType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertCredit(ctx, tx, walletID, amount, false); err != nil {
		return err
	}

	// Unique index on reference makes replayed provider events no-ops.
	if err := insertEntry(ctx, tx, completed(walletID, typ, amount, 0, amount, "", reference, description)); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) RequestWithdrawal(ctx context.Context, walletID string, amount money.Amount, reference string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// CHECK constraint (available >= 0) rejects overdraws.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2,
			pending    = pending + $2,
			updated_at = NOW()
		WHERE user_id = $1
	`, walletID, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve withdrawal: %w", mapPQError(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrWalletNotFound
	}

	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Type:        TypeWithdrawal,
		Amount:      -amount,
		NetAmount:   -amount,
		Status:      StatusPending,
		Reference:   reference,
		Description: "withdrawal requested",
		CreatedAt:   time.Now(),
	}
	if err := insertEntry(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) SettleWithdrawal(ctx context.Context, transactionID string) error {
	return p.finishWithdrawal(ctx, transactionID, StatusCompleted)
}

func (p *PostgresStore) FailWithdrawal(ctx context.Context, transactionID string) error {
	return p.finishWithdrawal(ctx, transactionID, StatusFailed)
}

func (p *PostgresStore) finishWithdrawal(ctx context.Context, transactionID string, target TransactionStatus) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var walletID string
	var net int64
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT wallet_id, net_amount, status FROM wallet_transactions
		WHERE id = $1 AND type = 'withdrawal'
		FOR UPDATE
	`, transactionID).Scan(&walletID, &net, &status)
	if err == sql.ErrNoRows {
		return ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	if TransactionStatus(status) != StatusPending {
		return ErrNotPending
	}
	amount := -net

	if target == StatusCompleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				pending         = pending - $2,
				total_withdrawn = total_withdrawn + $2,
				updated_at      = NOW()
			WHERE user_id = $1
		`, walletID, amount)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				pending    = pending - $2,
				available  = available + $2,
				updated_at = NOW()
			WHERE user_id = $1
		`, walletID, amount)
	}
	if err != nil {
		return fmt.Errorf("failed to settle withdrawal: %w", mapPQError(err))
	}

	if target == StatusCompleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_transactions SET status = 'completed', completed_at = NOW() WHERE id = $1
		`, transactionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallet_transactions SET status = 'failed' WHERE id = $1
		`, transactionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) EscrowHold(ctx context.Context, buyerID string, amount money.Amount, orderID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// CHECK constraint (available >= 0) rejects overdraws atomically.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available   = available - $2,
			total_spent = total_spent + $2,
			updated_at  = NOW()
		WHERE user_id = $1
	`, buyerID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to hold funds: %w", mapPQError(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	// Unique partial index on (order_id, type) makes replays no-ops.
	if err := insertEntry(ctx, tx, completed(buyerID, TypeEscrowHold, -amount, 0, -amount, orderID, "", "escrow hold")); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) EscrowSettle(ctx context.Context, buyerID, sellerID string, release, refund, fee money.Amount, orderID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if release > 0 {
		if err := upsertCredit(ctx, tx, sellerID, release, true); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, completed(sellerID, TypeSale, release, 0, release, orderID, "", "escrow release")); err != nil {
			return err
		}
	}

	if refund > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				available   = available + $2,
				total_spent = total_spent - $2,
				updated_at  = NOW()
			WHERE user_id = $1
		`, buyerID, int64(refund))
		if err != nil {
			return fmt.Errorf("failed to refund buyer: %w", mapPQError(err))
		}
		if err := insertEntry(ctx, tx, completed(buyerID, TypeRefund, refund, 0, refund, orderID, "", "escrow refund")); err != nil {
			return err
		}
	}

	if fee > 0 {
		if err := upsertCredit(ctx, tx, PlatformWalletID, fee, true); err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, completed(PlatformWalletID, TypeFee, fee, 0, fee, orderID, "", "platform fee")); err != nil {
			return err
		}
	}

	// Release-side entries share the order_id; the (order_id, type) index
	// guards each leg, and a full-replay settlement trips on the first one.
	if release == 0 && refund == 0 && fee == 0 {
		return nil
	}

	return tx.Commit()
}

func (p *PostgresStore) SumCompleted(ctx context.Context, walletID string) (money.Amount, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(net_amount), 0) FROM wallet_transactions
		WHERE wallet_id = $1 AND status = 'completed'
	`, walletID).Scan(&sum)
	return money.Amount(sum), err
}
