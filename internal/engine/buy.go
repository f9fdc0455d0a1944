package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/offering"
)

// Buy starts a purchase of productID. It returns once the store accepted
// the request; the result arrives later as a purchase update or error.
//
// Preconditions are checked in order and rejected without any billing
// call: NOT_CONNECTED, PRODUCTS_NOT_LOADED, UNKNOWN_SKU, SKU_NOT_ALLOWED,
// PURCHASE_IN_PROGRESS. The guard is taken before the store is called
// and a watchdog releases it after the purchase timeout.
//
// A cancelled purchase returns a PURCHASE_CANCELLED error and leaves
// LastError untouched.
func (m *Manager) Buy(ctx context.Context, productID string) error {
	s := m.State()
	switch {
	case s.ConnectionStatus != StatusConnected:
		return newError(CodeNotConnected, fmt.Sprintf("store is %s", s.ConnectionStatus), nil)
	case len(s.Products) == 0:
		return newError(CodeProductsNotLoaded, "offerings are not loaded", nil)
	}
	product, ok := offering.Find(s.Products, productID)
	if !ok {
		return newError(CodeUnknownSKU, fmt.Sprintf("product %q is not loaded", productID), nil)
	}
	if !slices.Contains(m.expected, productID) {
		return newError(CodeSKUNotAllowed, fmt.Sprintf("product %q is not offered", productID), nil)
	}

	attemptID := m.ids.Generate()
	pending := PendingPurchase{SKU: productID, StartedAt: m.clock.Now(), AttemptID: attemptID}
	if !m.guard.tryAcquire(pending) {
		held, _ := m.guard.held()
		return newError(CodePurchaseInProgress,
			fmt.Sprintf("purchase of %q already in progress", held.SKU), nil)
	}

	m.mutate(func(s *State) bool {
		s.PurchaseInProgress = true
		s.LastError = nil
		return true
	})

	stop := m.clock.AfterFunc(m.cfg.Timing.PurchaseTimeout, func() {
		m.onPurchaseTimeout(attemptID)
	})
	m.guard.arm(attemptID, stop)

	log := m.logger.With("attempt_id", attemptID, "sku", productID)
	log.Info("purchase started")

	methods := m.Methods().PurchaseMethodsFor(product.IsSubscription())
	reqs := billing.BuildRequests(m.platform, productID, product.OfferToken)
	attempt, err := billing.TryShapes(ctx, methods, reqs)
	if err != nil {
		m.releasePurchase(attemptID)
		if billing.IsCancellation(err) {
			m.metrics.RecordPurchaseAttempt("cancelled")
			log.Info("purchase cancelled")
			return newError(CodePurchaseCancelled, "purchase cancelled", err)
		}
		e := newError(CodePurchaseFailed, "purchase request failed", err)
		m.setError(e)
		m.metrics.RecordPurchaseAttempt("failed")
		log.Warn("purchase request failed", "error", err)
		return e
	}

	m.metrics.RecordPurchaseAttempt("requested")
	log.Debug("purchase requested", "method", attempt.Method, "shape", attempt.Shape)
	return nil
}

// InFlight returns the purchase currently holding the guard.
func (m *Manager) InFlight() (PendingPurchase, bool) {
	return m.guard.held()
}

// releasePurchase frees the guard for attemptID ("" for any holder).
func (m *Manager) releasePurchase(attemptID string) bool {
	if _, ok := m.guard.release(attemptID); !ok {
		return false
	}
	m.mutate(func(s *State) bool {
		s.PurchaseInProgress = false
		return true
	})
	return true
}

// onPurchaseTimeout runs when no callback arrived for attemptID in time.
// The billing call itself is not cancelled.
func (m *Manager) onPurchaseTimeout(attemptID string) {
	p, ok := m.guard.release(attemptID)
	if !ok {
		return
	}
	e := newError(CodePurchaseTimeout,
		fmt.Sprintf("no purchase result after %s", m.cfg.Timing.PurchaseTimeout), nil)
	m.mutate(func(s *State) bool {
		s.PurchaseInProgress = false
		s.LastError = e.stateError()
		return true
	})
	m.metrics.RecordGuardTimeout()
	m.metrics.RecordPurchaseAttempt("timeout")
	m.logger.Warn("purchase timed out", "attempt_id", attemptID, "sku", p.SKU)
}
