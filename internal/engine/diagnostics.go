package engine

import (
	"context"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/store"
)

// Diagnostics is a read-only view of the engine for support tooling.
type Diagnostics struct {
	Platform         billing.Platform          `json:"platform"`
	ModuleType       string                    `json:"module_type"`
	Methods          map[string][]string       `json:"methods"`
	ConnectionStatus ConnectionStatus          `json:"connection_status"`
	Ready            bool                      `json:"ready"`
	ProductCount     int                       `json:"product_count"`
	MissingSKUs      []string                  `json:"missing_skus,omitempty"`
	ProcessedCount   int                       `json:"processed_count"`
	LoadAttempts     int                       `json:"load_attempts"`
	Pending          *store.PendingTransaction `json:"pending,omitempty"`
	Stuck            *store.StuckMarker        `json:"stuck,omitempty"`
	InFlight         *PendingPurchase          `json:"in_flight,omitempty"`
	QueueDepth       int                       `json:"queue_depth"`
	Entitled         bool                      `json:"entitled"`
	LastError        *StateError               `json:"last_error,omitempty"`
	Terminal         bool                      `json:"terminal"`
}

// Diagnostics collects the current engine and ledger state. Ledger read
// failures are logged and leave the affected fields empty.
func (m *Manager) Diagnostics(ctx context.Context) Diagnostics {
	m.mu.Lock()
	s := m.state.clone()
	methods := m.methods
	attempts := m.loadAttempts
	depth := m.queue.Len()
	m.mu.Unlock()

	d := Diagnostics{
		Platform:         m.platform,
		ModuleType:       methods.ModuleType,
		Methods:          methods.Names(),
		ConnectionStatus: s.ConnectionStatus,
		Ready:            s.IsReady(),
		ProductCount:     len(s.Products),
		MissingSKUs:      s.MissingSKUs,
		LoadAttempts:     attempts,
		QueueDepth:       depth,
		Entitled:         s.Entitled,
		LastError:        s.LastError,
		Terminal:         s.Terminal,
	}

	if n, err := m.ledger.ProcessedCount(ctx); err != nil {
		m.logger.Warn("diagnostics: processed count failed", "error", err)
	} else {
		d.ProcessedCount = n
	}
	if p, err := m.ledger.Pending(ctx); err != nil {
		m.logger.Warn("diagnostics: pending read failed", "error", err)
	} else {
		d.Pending = p
	}
	if marker, active, err := m.ledger.StuckMarker(ctx, m.clock.Now()); err != nil {
		m.logger.Warn("diagnostics: stuck marker read failed", "error", err)
	} else if active {
		d.Stuck = &marker
	}
	if p, ok := m.guard.held(); ok {
		d.InFlight = &p
	}
	return d
}
