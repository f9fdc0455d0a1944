package engine

import (
	"context"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/store"
	"github.com/roach88/iapsync/internal/txkey"
)

// RecoveryStatus is the result of a pending-transaction recovery pass.
type RecoveryStatus string

const (
	RecoveryNone      RecoveryStatus = "none"
	RecoverySkipped   RecoveryStatus = "skipped"
	RecoveryResolved  RecoveryStatus = "resolved"
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryUnmatched RecoveryStatus = "unmatched"
	RecoveryFailed    RecoveryStatus = "failed"
)

// RecoveryResult describes one recovery pass.
type RecoveryResult struct {
	Status     RecoveryStatus `json:"status"`
	Key        string         `json:"key,omitempty"`
	Outcome    Outcome        `json:"outcome,omitempty"`
	RetryCount int            `json:"retry_count"`
	Reason     string         `json:"reason,omitempty"`
}

// RecoverPending replays the pending transaction at most once per
// initialization.
func (m *Manager) RecoverPending(ctx context.Context) RecoveryResult {
	m.mu.Lock()
	ran := m.recoveryRan
	m.recoveryRan = true
	m.mu.Unlock()
	if ran {
		return RecoveryResult{Status: RecoverySkipped, Reason: "already ran this session"}
	}
	return m.recover(ctx)
}

// RecoverNow replays the pending transaction regardless of earlier passes.
// The retry cap and grace period still apply.
func (m *Manager) RecoverNow(ctx context.Context) RecoveryResult {
	return m.recover(ctx)
}

func (m *Manager) recover(ctx context.Context) RecoveryResult {
	res := m.recoverPending(ctx)
	if res.Status != RecoveryNone {
		m.metrics.RecordRecovery(string(res.Status))
	}
	return res
}

func (m *Manager) recoverPending(ctx context.Context) RecoveryResult {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	rec, err := m.ledger.Pending(ctx)
	if err != nil {
		m.logger.Warn("pending record read failed", "error", err)
		return RecoveryResult{Status: RecoveryFailed, Reason: err.Error()}
	}
	if rec == nil {
		return RecoveryResult{Status: RecoveryNone}
	}

	res := RecoveryResult{Key: rec.Key, RetryCount: rec.RetryCount}
	log := m.logger.With("key", txkey.Short(rec.Key), "product_id", rec.ProductID)

	if rec.RetryCount >= m.cfg.Timing.MaxPendingRetries {
		res.Status = RecoverySkipped
		res.Reason = "retry cap reached"
		log.Debug("pending transaction over retry cap", "retries", rec.RetryCount)
		return res
	}
	if age := m.clock.Now().Sub(rec.CreatedAt); age < m.cfg.Timing.PendingGrace {
		res.Status = RecoverySkipped
		res.Reason = "within grace period"
		return res
	}

	avail := m.Methods().Available
	if avail == nil {
		res.Status = RecoveryUnmatched
		res.Reason = "store cannot list available purchases"
		res.RetryCount = m.bumpRetry(ctx, rec.Key)
		return res
	}
	purchases, err := avail.GetAvailablePurchases(ctx)
	if err != nil {
		res.Status = RecoveryFailed
		res.Reason = err.Error()
		res.RetryCount = m.bumpRetry(ctx, rec.Key)
		log.Warn("available purchases read failed", "error", err)
		return res
	}

	match, ok := matchPending(m.platform, rec, purchases)
	if !ok {
		res.Status = RecoveryUnmatched
		res.Reason = "no available purchase matches"
		res.RetryCount = m.bumpRetry(ctx, rec.Key)
		log.Info("pending transaction not found in available purchases")
		return res
	}

	outcome, err := m.reconcile(ctx, match)
	res.Outcome = outcome
	if IsTransient(err) {
		res.Status = RecoveryPending
		res.Reason = string(CodeOf(err))
		key := rec.Key
		if cur, cerr := m.ledger.Pending(ctx); cerr == nil && cur != nil {
			key = cur.Key
		}
		res.RetryCount = m.bumpRetry(ctx, key)
		log.Info("pending transaction still transient", "retries", res.RetryCount)
		return res
	}

	// A different, already processed purchase says nothing about the
	// pending one. Keep the record for the next pass.
	if outcome == OutcomeDuplicate {
		if key, _ := txkey.Derive(m.platform, match); key != rec.Key {
			res.Status = RecoveryUnmatched
			res.Reason = "matched purchase already processed"
			res.RetryCount = m.bumpRetry(ctx, rec.Key)
			log.Info("pending transaction matched a processed purchase", "match_key", txkey.Short(key))
			return res
		}
	}

	// The replayed purchase may carry a different key than the record
	// when it was matched by token, transaction or product.
	m.markProcessed(ctx, rec.Key)
	res.Status = RecoveryResolved
	if err != nil {
		res.Reason = string(CodeOf(err))
	}
	log.Info("pending transaction resolved", "outcome", outcome)
	return res
}

func (m *Manager) bumpRetry(ctx context.Context, key string) int {
	n, err := m.ledger.IncrementPendingRetry(ctx, key)
	if err != nil {
		m.logger.Warn("pending retry update failed", "error", err)
	}
	return n
}

// matchPending finds the available purchase for rec by key, then purchase
// token, then transaction ID, then product ID.
func matchPending(platform billing.Platform, rec *store.PendingTransaction, purchases []billing.Purchase) (billing.Purchase, bool) {
	for _, p := range purchases {
		if key, _ := txkey.Derive(platform, p); key != "" && key == rec.Key {
			return p, true
		}
	}
	matchers := []func(p billing.Purchase) bool{
		func(p billing.Purchase) bool {
			return rec.PurchaseToken != "" && p.PurchaseToken() == rec.PurchaseToken
		},
		func(p billing.Purchase) bool {
			return rec.TransactionID != "" && p.TransactionID() == rec.TransactionID
		},
		func(p billing.Purchase) bool {
			return rec.ProductID != "" && p.ProductID() == rec.ProductID
		},
	}
	for _, match := range matchers {
		for _, p := range purchases {
			if match(p) {
				return p, true
			}
		}
	}
	return billing.Purchase{}, false
}
