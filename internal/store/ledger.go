package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/iapsync/internal/billing"
)

// Processed is one entry of the processed index.
type Processed struct {
	Key         string           `json:"key"`
	Platform    billing.Platform `json:"platform"`
	ProcessedAt time.Time        `json:"processed_at"`
}

// PendingTransaction is a purchase accepted by the billing API whose
// reconciliation has not completed.
type PendingTransaction struct {
	Key           string           `json:"key"`
	Platform      billing.Platform `json:"platform"`
	ProductID     string           `json:"product_id"`
	TransactionID string           `json:"transaction_id,omitempty"`
	PurchaseToken string           `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	RetryCount    int              `json:"retry_count"`
	Reason        string           `json:"reason,omitempty"`
}

// MarkProcessed records key in the processed index and evicts the oldest
// entries beyond the configured bound. Marking an already-present key
// keeps its original timestamp and moves it to the newest position.
func (s *Store) MarkProcessed(ctx context.Context, key string, platform billing.Platform, at time.Time) error {
	if key == "" {
		return fmt.Errorf("mark processed: empty key")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	defer tx.Rollback()

	processedAt := toMillis(at)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM processed_transactions WHERE key = ?
		RETURNING processed_at
	`, key).Scan(&processedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("mark processed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO processed_transactions (key, platform, processed_at)
		VALUES (?, ?, ?)
	`, key, string(platform), processedAt)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM processed_transactions
		WHERE id NOT IN (
			SELECT id FROM processed_transactions ORDER BY id DESC LIMIT ?
		)
	`, s.processedLimit)
	if err != nil {
		return fmt.Errorf("evict processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// IsProcessed reports whether key is in the processed index.
func (s *Store) IsProcessed(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_transactions WHERE key = ?
	`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query processed: %w", err)
	}
	return n > 0, nil
}

// ProcessedCount returns the number of keys in the processed index.
func (s *Store) ProcessedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// ListProcessed returns the processed index, most recent first.
// Returns an empty slice (not nil) when the index is empty.
func (s *Store) ListProcessed(ctx context.Context) ([]Processed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, platform, processed_at
		FROM processed_transactions
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	defer rows.Close()

	entries := []Processed{}
	for rows.Next() {
		var (
			p        Processed
			platform string
			at       int64
		)
		if err := rows.Scan(&p.Key, &platform, &at); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		p.Platform = billing.Platform(platform)
		p.ProcessedAt = fromMillis(at)
		entries = append(entries, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed: %w", err)
	}
	return entries, nil
}

// SavePending stores p as the pending transaction. Saving the same key
// again refreshes the reason and identifiers but keeps the original
// creation time and retry count; a different key replaces the record.
func (s *Store) SavePending(ctx context.Context, p PendingTransaction) error {
	if p.Key == "" {
		return fmt.Errorf("save pending: empty key")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_transaction
		(id, key, platform, product_id, transaction_id, purchase_token, created_at, retry_count, reason)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = CASE WHEN pending_transaction.key = excluded.key
				THEN pending_transaction.created_at ELSE excluded.created_at END,
			retry_count = CASE WHEN pending_transaction.key = excluded.key
				THEN pending_transaction.retry_count ELSE excluded.retry_count END,
			key = excluded.key,
			platform = excluded.platform,
			product_id = excluded.product_id,
			transaction_id = excluded.transaction_id,
			purchase_token = excluded.purchase_token,
			reason = excluded.reason
	`,
		p.Key,
		string(p.Platform),
		p.ProductID,
		p.TransactionID,
		p.PurchaseToken,
		toMillis(p.CreatedAt),
		p.RetryCount,
		p.Reason,
	)
	if err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// Pending returns the pending transaction, or nil when none exists.
func (s *Store) Pending(ctx context.Context) (*PendingTransaction, error) {
	var (
		p         PendingTransaction
		platform  string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, platform, product_id, transaction_id, purchase_token, created_at, retry_count, reason
		FROM pending_transaction
		WHERE id = 1
	`).Scan(&p.Key, &platform, &p.ProductID, &p.TransactionID, &p.PurchaseToken, &createdAt, &p.RetryCount, &p.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	p.Platform = billing.Platform(platform)
	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// IncrementPendingRetry bumps the retry counter of the pending record for
// key and returns the new count. Returns 0 when key is not pending.
func (s *Store) IncrementPendingRetry(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE pending_transaction
		SET retry_count = retry_count + 1
		WHERE id = 1 AND key = ?
		RETURNING retry_count
	`, key).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("increment pending retry: %w", err)
	}
	return n, nil
}

// ClearPending removes the pending record. With a non-empty key only a
// record for that key is removed.
func (s *Store) ClearPending(ctx context.Context, key string) error {
	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM pending_transaction`)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM pending_transaction WHERE key = ?`, key)
	}
	if err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}
