package engine

import (
	"context"
	"fmt"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/store"
	"github.com/roach88/iapsync/internal/txkey"
)

// Outcome is the result of reconciling one purchase.
type Outcome string

const (
	// OutcomeUnlocked means the purchase was validated and the entitlement
	// confirmed.
	OutcomeUnlocked Outcome = "unlocked"
	// OutcomeDuplicate means the transaction key was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeInvalid means the server rejected the proof.
	OutcomeInvalid Outcome = "invalid"
	// OutcomePending means the transaction stays unfinished for recovery.
	OutcomePending Outcome = "pending"
	// OutcomeRejected means the purchase could not be attributed.
	OutcomeRejected Outcome = "rejected"
)

// HandlePurchaseUpdate reconciles a purchase delivered by the store,
// including redeliveries. The purchase guard is released whatever the
// outcome.
func (m *Manager) HandlePurchaseUpdate(ctx context.Context, p billing.Purchase) (Outcome, error) {
	defer m.releasePurchase("")
	m.reconcileMu.Lock()
	outcome, err := m.reconcile(ctx, p)
	m.reconcileMu.Unlock()
	m.metrics.RecordPurchaseAttempt(string(outcome))
	return outcome, err
}

// HandlePurchaseError handles an asynchronous purchase failure. The guard
// is released; cancellation is not surfaced as an error.
func (m *Manager) HandlePurchaseError(ctx context.Context, err error) {
	m.releasePurchase("")
	if billing.IsCancellation(err) {
		m.metrics.RecordPurchaseAttempt("cancelled")
		m.logger.Info("purchase cancelled by user")
		return
	}
	e := newError(CodePurchaseFailed, "purchase failed", err)
	m.setError(e)
	m.metrics.RecordPurchaseAttempt("failed")
	m.logger.Warn("purchase failed", "error", err)
}

// reconcile runs the purchase update steps: dedupe by transaction key,
// attribute, prove, validate, unlock, finish and record. Callers hold
// reconcileMu.
func (m *Manager) reconcile(ctx context.Context, p billing.Purchase) (Outcome, error) {
	key, source := txkey.Derive(m.platform, p)
	log := m.logger.With("key", txkey.Short(key), "key_source", source, "product_id", p.ProductID())

	if key == "" {
		log.Warn("purchase has no transaction key; redeliveries cannot be deduplicated")
	} else {
		done, err := m.ledger.IsProcessed(ctx, key)
		if err != nil {
			log.Warn("processed index read failed", "error", err)
		}
		if done {
			if err := m.finish(ctx, p); err != nil {
				log.Warn("finishing redelivered transaction failed", "error", err)
			}
			m.metrics.RecordDuplicate()
			log.Info("redelivered transaction skipped")
			return OutcomeDuplicate, nil
		}
	}

	productID := p.ProductID()
	if productID == "" {
		if err := m.finish(ctx, p); err != nil {
			log.Warn("finishing unattributed transaction failed", "error", err)
		}
		e := newError(CodeProductIDMissing, "purchase carries no product id", nil)
		m.setError(e)
		log.Error("purchase has no product id")
		return OutcomeRejected, e
	}

	req, ok := m.proof(ctx, p)
	if !ok {
		m.savePending(ctx, key, p, "receipt_unavailable")
		e := newError(CodeReceiptUnavailable, "proof of purchase not yet available", nil)
		m.setError(e)
		log.Warn("proof of purchase unavailable")
		return OutcomePending, e
	}

	resp := m.validate(ctx, req)
	switch resp.Status {
	case entitlement.StatusValid:
		if !m.confirmUnlock(ctx) {
			m.savePending(ctx, key, p, "unlock_unconfirmed")
			e := newError(CodeUnlockUnconfirmed, "entitlement write not confirmed", nil)
			m.setError(e)
			log.Warn("unlock not confirmed; transaction left unfinished")
			return OutcomePending, e
		}
		m.mutate(func(s *State) bool {
			s.Entitled = true
			if s.LastError != nil && s.LastError.Code.Class() == ClassTransient {
				s.LastError = nil
			}
			return true
		})

		finishErr := m.finish(ctx, p)
		m.markProcessed(ctx, key)
		if finishErr != nil {
			e := newError(CodeFinishFailed, "transaction finish failed", finishErr)
			m.setError(e)
			log.Warn("entitlement granted but transaction not finished", "error", finishErr)
			return OutcomeUnlocked, e
		}
		log.Info("purchase unlocked")
		return OutcomeUnlocked, nil

	case entitlement.StatusInvalid:
		if err := m.finish(ctx, p); err != nil {
			log.Warn("finishing invalid transaction failed", "error", err)
		}
		m.markProcessed(ctx, key)
		e := newError(CodeReceiptInvalid, fmt.Sprintf("server rejected purchase: %s", resp.Reason), nil)
		m.setError(e)
		log.Warn("purchase rejected by server", "reason", resp.Reason)
		return OutcomeInvalid, e

	default:
		m.savePending(ctx, key, p, "validation_transient")
		e := newError(CodeValidationTransient, fmt.Sprintf("validation inconclusive: %s", resp.Reason), nil)
		m.setError(e)
		log.Info("validation inconclusive; transaction left pending", "reason", resp.Reason)
		return OutcomePending, e
	}
}

// proof builds the validation request. iOS sends the app receipt, falling
// back to a receipt carried on the purchase; Android sends the purchase
// token. Reports false when no proof is available yet.
func (m *Manager) proof(ctx context.Context, p billing.Purchase) (entitlement.Request, bool) {
	req := entitlement.Request{
		Platform:      m.platform,
		PurchaseToken: p.PurchaseToken(),
		TransactionID: p.TransactionID(),
		ProductID:     p.ProductID(),
	}
	if m.platform == billing.PlatformAndroid {
		return req, req.PurchaseToken != ""
	}

	if rp := m.Methods().Receipt; rp != nil {
		receipt, err := rp.GetReceipt(ctx)
		if err != nil {
			m.logger.Debug("receipt read failed", "error", err)
		}
		req.Receipt = receipt
	}
	if req.Receipt == "" {
		req.Receipt = p.Receipt()
	}
	return req, req.Receipt != ""
}

// validate asks the server for a verdict. Transport errors and unknown
// statuses count as transient.
func (m *Manager) validate(ctx context.Context, req entitlement.Request) entitlement.Response {
	start := m.clock.Now()
	resp, err := m.validator.Validate(ctx, req)
	if err != nil {
		resp = entitlement.Response{Status: entitlement.StatusTransient, Reason: err.Error()}
	} else if !resp.Status.Known() {
		resp = entitlement.Response{
			Status: entitlement.StatusTransient,
			Reason: fmt.Sprintf("unknown status %q", resp.Status),
		}
	}
	m.metrics.RecordValidation(string(resp.Status), m.clock.Now().Sub(start))
	return resp
}

// confirmUnlock writes the entitlement flag and, when the write is not
// confirmed, polls the cache on the unlock backoff schedule.
func (m *Manager) confirmUnlock(ctx context.Context) bool {
	ok, err := m.cache.SetUnlocked(ctx)
	if err != nil {
		m.logger.Warn("entitlement write failed", "error", err)
	}
	if err == nil && ok {
		return true
	}
	for i, d := range m.cfg.Timing.UnlockBackoff {
		if err := m.clock.Sleep(ctx, d); err != nil {
			return false
		}
		ok, err := m.cache.CheckUnlocked(ctx)
		if err != nil {
			m.logger.Debug("entitlement check failed", "poll", i+1, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// finish acknowledges p with the store. A failure bumps the stuck marker
// so the next connect may clear stranded transactions.
func (m *Manager) finish(ctx context.Context, p billing.Purchase) error {
	f := m.Methods().Finisher
	if f == nil {
		return nil
	}
	if err := f.FinishTransaction(ctx, p, false); err != nil {
		m.metrics.RecordFinishFailure()
		marker, serr := m.ledger.IncrementStuck(ctx, m.clock.Now())
		if serr != nil {
			m.logger.Warn("stuck marker update failed", "error", serr)
		} else {
			m.logger.Debug("stuck marker incremented", "count", marker.Count)
		}
		return err
	}
	return nil
}

// markProcessed records key and drops its pending record.
func (m *Manager) markProcessed(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := m.ledger.MarkProcessed(ctx, key, m.platform, m.clock.Now()); err != nil {
		m.logger.Warn("processed index write failed", "key", txkey.Short(key), "error", err)
	}
	if err := m.ledger.ClearPending(ctx, key); err != nil {
		m.logger.Warn("pending record clear failed", "key", txkey.Short(key), "error", err)
	}
}

// savePending records p as accepted by the store but not yet finished.
func (m *Manager) savePending(ctx context.Context, key string, p billing.Purchase, reason string) {
	if key == "" {
		m.logger.Warn("pending record not saved: purchase has no transaction key", "reason", reason)
		return
	}
	err := m.ledger.SavePending(ctx, store.PendingTransaction{
		Key:           key,
		Platform:      m.platform,
		ProductID:     p.ProductID(),
		TransactionID: p.TransactionID(),
		PurchaseToken: p.PurchaseToken(),
		CreatedAt:     m.clock.Now(),
		Reason:        reason,
	})
	if err != nil {
		m.logger.Warn("pending record write failed", "key", txkey.Short(key), "error", err)
	}
}
