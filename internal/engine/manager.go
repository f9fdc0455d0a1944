package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/metrics"
	"github.com/roach88/iapsync/internal/store"
)

// Ledger is the durable reconciliation record. *store.Store implements it.
type Ledger interface {
	MarkProcessed(ctx context.Context, key string, platform billing.Platform, at time.Time) error
	IsProcessed(ctx context.Context, key string) (bool, error)
	ProcessedCount(ctx context.Context) (int, error)
	SavePending(ctx context.Context, p store.PendingTransaction) error
	Pending(ctx context.Context) (*store.PendingTransaction, error)
	IncrementPendingRetry(ctx context.Context, key string) (int, error)
	ClearPending(ctx context.Context, key string) error
	IncrementStuck(ctx context.Context, now time.Time) (store.StuckMarker, error)
	StuckMarker(ctx context.Context, now time.Time) (store.StuckMarker, bool, error)
	ClearStuck(ctx context.Context) error
}

// Deps are the Manager's collaborators. Module, Validator, Cache and
// Ledger are required.
type Deps struct {
	// Module is the billing module. It is probed once by New.
	Module    any
	Validator entitlement.Validator
	Cache     entitlement.Cache
	Ledger    Ledger
	Config    config.Config
	// Clock defaults to SystemClock.
	Clock Clock
	// AttemptIDs defaults to UUIDv7Generator.
	AttemptIDs AttemptIDGenerator
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records engine telemetry to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// Manager is the reconciliation engine. One Manager is constructed per
// process and shared by every caller.
//
// Thread-safety model:
//   - Public operations: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Reconciliation (Run's HandlePurchaseUpdate and recovery passes) is
//     serialized, so a key is checked and marked by one caller at a time
//   - Subscribers are called synchronously, in mutation order, and must
//     not call back into mutating Manager methods
type Manager struct {
	cfg       config.Config
	platform  billing.Platform
	expected  []string
	module    any
	validator entitlement.Validator
	cache     entitlement.Cache
	ledger    Ledger
	clock     Clock
	ids       AttemptIDGenerator
	logger    *slog.Logger
	metrics   *metrics.Collector

	initGroup singleflight.Group
	guard     guard

	// notifyMu orders mutations with their notifications.
	notifyMu sync.Mutex

	// reconcileMu serializes reconciliation between Run and recovery
	// passes. Held from the processed check through the ledger write.
	reconcileMu sync.Mutex

	mu           sync.Mutex
	state        State
	methods      billing.SelectedMethods
	reprobed     bool
	terminalErr  *Error
	loadAttempts int
	recoveryRan  bool
	removers     []func()
	queue        *eventQueue
	subscribers  []subscriber
	nextSubID    int
}

type subscriber struct {
	id int
	fn func(State)
}

// New creates a Manager and probes the billing module.
func New(deps Deps, opts ...Option) *Manager {
	m := &Manager{
		cfg:       deps.Config,
		platform:  deps.Config.Platform,
		expected:  deps.Config.ExpectedSKUs(),
		module:    deps.Module,
		validator: deps.Validator,
		cache:     deps.Cache,
		ledger:    deps.Ledger,
		clock:     deps.Clock,
		ids:       deps.AttemptIDs,
		logger:    slog.Default(),
		state:     initialState(),
		queue:     newEventQueue(),
	}
	if m.clock == nil {
		m.clock = SystemClock{}
	}
	if m.ids == nil {
		m.ids = UUIDv7Generator{}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.methods = billing.Probe(deps.Module)
	return m
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Methods returns the selected billing capabilities.
func (m *Manager) Methods() billing.SelectedMethods {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.methods
}

// Subscribe registers fn to receive a snapshot after every state change.
// The returned function unsubscribes; calling it more than once is safe.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subscribers {
				if s.id == id {
					m.subscribers = append(m.subscribers[:i:i], m.subscribers[i+1:]...)
					return
				}
			}
		})
	}
}

// mutate applies fn under the state lock and, when fn reports a change,
// publishes the new snapshot to subscribers before returning.
func (m *Manager) mutate(fn func(s *State) bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if !fn(&m.state) {
		m.mu.Unlock()
		return
	}
	snap := m.state.clone()
	subs := make([]subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetProducts(len(snap.Products))
	}
	for _, s := range subs {
		s.fn(snap.clone())
	}
}

// setError records e as the last error.
func (m *Manager) setError(e *Error) {
	m.mutate(func(s *State) bool {
		s.LastError = e.stateError()
		return true
	})
}

// Run starts the single-writer event loop for billing callbacks.
// Blocks until ctx is cancelled or Shutdown closes the queue.
//
// Must be called from exactly ONE goroutine. Handler errors are logged
// and processing continues; transient outcomes are already persisted in
// the ledger for recovery.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()

	m.logger.Info("engine starting")

	for {
		if event, ok := q.TryDequeue(); ok {
			m.processEvent(ctx, event)
			continue
		}

		select {
		case <-ctx.Done():
			m.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-q.Wait():
			// The signal channel closes with the queue.
			if q.Len() == 0 && q.isClosed() {
				m.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Drain processes every queued event on the calling goroutine and returns
// how many were handled. It is for callers that do not run Run (tests and
// one-shot tools) and must not be used concurrently with Run.
func (m *Manager) Drain(ctx context.Context) int {
	m.mu.Lock()
	q := m.queue
	m.mu.Unlock()

	n := 0
	for {
		event, ok := q.TryDequeue()
		if !ok {
			return n
		}
		m.processEvent(ctx, event)
		n++
	}
}

// QueueLen returns the number of undelivered billing events.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// processEvent routes an event to its handler.
func (m *Manager) processEvent(ctx context.Context, event Event) {
	switch event.Type {
	case EventTypePurchaseUpdated:
		outcome, err := m.HandlePurchaseUpdate(ctx, event.Purchase)
		if err != nil {
			m.logger.Warn("purchase update not applied",
				"outcome", outcome,
				"code", CodeOf(err),
				"error", err)
			return
		}
		m.logger.Debug("purchase update handled", "outcome", outcome)

	case EventTypePurchaseError:
		m.HandlePurchaseError(ctx, event.Err)

	default:
		m.logger.Error("unknown event type", "type", event.Type)
	}
}

// Shutdown tears the manager down: listeners are removed, the billing
// connection is closed, the event queue is closed and state is reset.
// Capability failures stay terminal. Initialize may be called again.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	removers := m.removers
	m.removers = nil
	connector := m.methods.Connector
	q := m.queue
	m.queue = newEventQueue()
	m.loadAttempts = 0
	m.recoveryRan = false
	m.reprobed = false
	m.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	q.Close()
	m.guard.release("")

	var err error
	if connector != nil {
		if derr := connector.Disconnect(ctx); derr != nil {
			err = fmt.Errorf("disconnect: %w", derr)
		}
	}

	m.mutate(func(s *State) bool {
		terminal, lastErr := s.Terminal, s.LastError
		*s = initialState()
		if terminal {
			s.Terminal = true
			s.ConnectionStatus = StatusError
			s.LastError = lastErr
		}
		return true
	})

	m.logger.Info("engine shut down", "listeners_removed", len(removers))
	return err
}
