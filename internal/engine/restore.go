package engine

import (
	"context"
	"slices"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/entitlement"
)

// RestoreStatus is the outcome of Restore.
type RestoreStatus string

const (
	RestoreSuccess   RestoreStatus = "success"
	RestoreNoneFound RestoreStatus = "none_found"
	RestoreCancelled RestoreStatus = "cancelled"
	RestoreError     RestoreStatus = "error"
)

// RestoreResult is returned by Restore.
type RestoreResult struct {
	Status    RestoreStatus `json:"status"`
	ProductID string        `json:"product_id,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Restore asks the store to restore prior purchases and re-validates the
// first one matching an expected product. Restored purchases are not
// finished. When nothing matches or validation is inconclusive the local
// entitlement cache decides. Restore never returns an error.
func (m *Manager) Restore(ctx context.Context) RestoreResult {
	res := m.restore(ctx)
	m.metrics.RecordRestore(string(res.Status))
	m.logger.Info("restore finished", "status", res.Status, "product_id", res.ProductID)
	return res
}

func (m *Manager) restore(ctx context.Context) RestoreResult {
	if s := m.State(); s.ConnectionStatus != StatusConnected {
		if m.cachedEntitlement(ctx) {
			return RestoreResult{Status: RestoreSuccess, Message: "entitlement restored from local cache"}
		}
		return RestoreResult{Status: RestoreError, Message: "store is " + string(s.ConnectionStatus)}
	}

	methods := m.Methods()

	var restoreErr error
	for _, rm := range methods.Restore {
		err := rm.Call(ctx)
		if err == nil {
			restoreErr = nil
			break
		}
		if billing.IsCancellation(err) {
			return RestoreResult{Status: RestoreCancelled}
		}
		m.logger.Warn("restore method failed", "method", rm.Name, "error", err)
		restoreErr = err
	}

	inconclusive := false
	invalid := false
	if methods.Available != nil {
		purchases, err := methods.Available.GetAvailablePurchases(ctx)
		if err != nil {
			if billing.IsCancellation(err) {
				return RestoreResult{Status: RestoreCancelled}
			}
			m.logger.Warn("available purchases read failed", "error", err)
			restoreErr = err
		}
		for _, p := range purchases {
			productID := p.ProductID()
			if !slices.Contains(m.expected, productID) {
				continue
			}
			req, ok := m.proof(ctx, p)
			if !ok {
				inconclusive = true
				continue
			}
			switch m.validate(ctx, req).Status {
			case entitlement.StatusValid:
				if m.confirmUnlock(ctx) {
					m.setEntitled()
					return RestoreResult{Status: RestoreSuccess, ProductID: productID}
				}
				inconclusive = true
			case entitlement.StatusInvalid:
				invalid = true
			default:
				inconclusive = true
			}
		}
	}

	if invalid && !inconclusive {
		return RestoreResult{Status: RestoreNoneFound, Message: "no valid purchase to restore"}
	}
	if m.cachedEntitlement(ctx) {
		return RestoreResult{Status: RestoreSuccess, Message: "entitlement restored from local cache"}
	}
	if restoreErr != nil {
		return RestoreResult{Status: RestoreError, Message: restoreErr.Error()}
	}
	return RestoreResult{Status: RestoreNoneFound}
}

// cachedEntitlement reports the local flag and mirrors it into State.
func (m *Manager) cachedEntitlement(ctx context.Context) bool {
	unlocked, err := m.cache.CheckUnlocked(ctx)
	if err != nil {
		m.logger.Warn("entitlement cache read failed", "error", err)
		return false
	}
	if unlocked {
		m.setEntitled()
	}
	return unlocked
}

func (m *Manager) setEntitled() {
	m.mutate(func(s *State) bool {
		if s.Entitled {
			return false
		}
		s.Entitled = true
		return true
	})
}
