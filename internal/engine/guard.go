package engine

import (
	"sync"
	"time"
)

// PendingPurchase is the single in-flight purchase attempt.
type PendingPurchase struct {
	SKU       string    `json:"sku"`
	StartedAt time.Time `json:"started_at"`
	AttemptID string    `json:"attempt_id"`
}

// guard is the single-flight purchase lock. At most one attempt holds it;
// the watchdog stop function is kept so release can disarm it.
type guard struct {
	mu      sync.Mutex
	current *PendingPurchase
	stop    func() bool
}

// tryAcquire takes the guard for p. Returns false if another attempt holds it.
func (g *guard) tryAcquire(p PendingPurchase) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current != nil {
		return false
	}
	g.current = &p
	g.stop = nil
	return true
}

// arm attaches the watchdog to attemptID. If the attempt was already
// released the watchdog is stopped at once.
func (g *guard) arm(attemptID string, stop func() bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.AttemptID != attemptID {
		stop()
		return
	}
	g.stop = stop
}

// release frees the guard if attemptID holds it; an empty attemptID
// releases any holder. Returns the released attempt.
func (g *guard) release(attemptID string) (PendingPurchase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return PendingPurchase{}, false
	}
	if attemptID != "" && g.current.AttemptID != attemptID {
		return PendingPurchase{}, false
	}
	p := *g.current
	if g.stop != nil {
		g.stop()
	}
	g.current = nil
	g.stop = nil
	return p, true
}

// held returns the current attempt, if any.
func (g *guard) held() (PendingPurchase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return PendingPurchase{}, false
	}
	return *g.current, true
}
