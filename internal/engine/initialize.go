package engine

import (
	"context"

	"github.com/roach88/iapsync/internal/billing"
)

// Initialize connects to the store and brings the manager to a usable
// state. Concurrent callers share one execution. An already connected
// manager returns nil at once; a terminal manager returns the recorded
// configuration error without touching the billing module.
//
// A failed offering load does not fail Initialize; it is reported
// through State().LastError.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, shared := m.initGroup.Do("initialize", func() (any, error) {
		return nil, m.initialize(ctx)
	})
	if shared {
		m.logger.Debug("initialize joined in-flight call")
	}
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	m.mu.Lock()
	terminalErr := m.terminalErr
	status := m.state.ConnectionStatus
	methods := m.methods
	m.mu.Unlock()

	if terminalErr != nil {
		return terminalErr
	}
	if status == StatusConnected {
		return nil
	}

	if !m.platform.HasBillingSurface() {
		m.mutate(func(s *State) bool {
			s.ConnectionStatus = StatusDisconnected
			s.IsInitialized = true
			return true
		})
		m.logger.Info("billing unavailable on this platform", "platform", m.platform)
		return nil
	}

	if err := methods.Validate(); err != nil {
		e := newError(CodeConfiguration, "billing module lacks required capabilities", err)
		m.mu.Lock()
		m.terminalErr = e
		m.mu.Unlock()
		m.mutate(func(s *State) bool {
			s.ConnectionStatus = StatusError
			s.Terminal = true
			s.LastError = e.stateError()
			return true
		})
		m.logger.Error("capability negotiation failed",
			"module", methods.ModuleType,
			"methods", methods.Names(),
			"error", err)
		return e
	}

	m.mutate(func(s *State) bool {
		s.ConnectionStatus = StatusConnecting
		return true
	})

	if methods.Connector != nil {
		if err := methods.Connector.Connect(ctx); err != nil {
			e := newError(CodeConnectionFailed, "billing connect failed", err)
			m.mutate(func(s *State) bool {
				s.ConnectionStatus = StatusError
				s.LastError = e.stateError()
				return true
			})
			m.logger.Warn("billing connect failed", "error", err)
			return e
		}
	}

	m.mutate(func(s *State) bool {
		s.ConnectionStatus = StatusConnected
		if s.LastError != nil && s.LastError.Code == CodeConnectionFailed {
			s.LastError = nil
		}
		return true
	})
	m.logger.Info("billing connected", "module", methods.ModuleType)

	if err := m.clock.Sleep(ctx, m.cfg.Timing.SettleDelay); err != nil {
		return err
	}

	m.clearStranded(ctx)
	m.registerListeners()

	if res := m.RecoverPending(ctx); res.Status != RecoveryNone {
		m.logger.Info("pending transaction recovery",
			"status", res.Status,
			"reason", res.Reason)
	}

	m.cachedEntitlement(ctx)

	if err := m.LoadProducts(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("offerings not loaded", "code", CodeOf(err), "error", err)
	}

	m.mutate(func(s *State) bool {
		s.IsInitialized = true
		return true
	})
	return nil
}

// clearStranded asks the store to drop transactions it keeps
// redelivering. It runs only in development builds or while a stuck
// marker is active, and is bounded by the stranded-clear timeout.
func (m *Manager) clearStranded(ctx context.Context) {
	clearer := m.Methods().Clearer
	if clearer == nil {
		return
	}

	marker, active, err := m.ledger.StuckMarker(ctx, m.clock.Now())
	if err != nil {
		m.logger.Warn("stuck marker read failed", "error", err)
	}
	if !m.cfg.Development && !active {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timing.StrandedClearTimeout)
	defer cancel()

	if err := clearer.ClearStrandedTransactions(cctx); err != nil {
		m.logger.Warn("clearing stranded transactions failed",
			"stuck_count", marker.Count,
			"error", err)
		return
	}
	if active {
		if err := m.ledger.ClearStuck(ctx); err != nil {
			m.logger.Warn("stuck marker clear failed", "error", err)
		}
	}
	m.logger.Info("stranded transactions cleared",
		"development", m.cfg.Development,
		"stuck_count", marker.Count)
}

// registerListeners subscribes to purchase callbacks once per connection.
// Callbacks only enqueue; handling happens on the Run loop.
func (m *Manager) registerListeners() {
	m.mu.Lock()
	if m.state.ListenersRegistered {
		m.mu.Unlock()
		return
	}
	listener := m.methods.Listener
	m.mu.Unlock()

	if listener == nil {
		m.logger.Warn("billing module has no purchase listener; purchases arrive only through recovery")
		return
	}

	removeUpdated := listener.OnPurchaseUpdated(func(p billing.Purchase) {
		m.enqueue(Event{Type: EventTypePurchaseUpdated, Purchase: p})
	})
	removeErr := listener.OnPurchaseError(func(err error) {
		m.enqueue(Event{Type: EventTypePurchaseError, Err: err})
	})

	m.mu.Lock()
	m.removers = append(m.removers, removeUpdated, removeErr)
	m.mu.Unlock()

	m.mutate(func(s *State) bool {
		s.ListenersRegistered = true
		return true
	})
}

func (m *Manager) enqueue(e Event) {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()
	if !q.Enqueue(e) {
		m.logger.Warn("billing event dropped after shutdown", "type", e.Type)
	}
}
