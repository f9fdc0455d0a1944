package testutil

import (
	"context"
	"sync"

	"github.com/roach88/iapsync/internal/entitlement"
)

// ScriptedValidator answers validation requests from a queue of verdicts.
// When the queue is empty it answers Default (valid if unset).
type ScriptedValidator struct {
	mu        sync.Mutex
	responses []entitlement.Response
	errs      []error
	requests  []entitlement.Request
	held      chan struct{}
	entered   chan struct{}

	Default entitlement.Response
}

// NewScriptedValidator queues one response per status.
func NewScriptedValidator(statuses ...entitlement.Status) *ScriptedValidator {
	v := &ScriptedValidator{}
	v.Push(statuses...)
	return v
}

// Push queues more verdicts.
func (v *ScriptedValidator) Push(statuses ...entitlement.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range statuses {
		v.responses = append(v.responses, entitlement.Response{Status: s})
	}
}

// FailNext makes the next calls return err instead of a verdict.
func (v *ScriptedValidator) FailNext(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errs = append(v.errs, errs...)
}

// Hold makes Validate signal on entered and wait until release is called
// before answering.
func (v *ScriptedValidator) Hold() (entered <-chan struct{}, release func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held = make(chan struct{})
	v.entered = make(chan struct{}, 16)
	var once sync.Once
	held := v.held
	return v.entered, func() { once.Do(func() { close(held) }) }
}

// Validate implements entitlement.Validator.
func (v *ScriptedValidator) Validate(ctx context.Context, req entitlement.Request) (entitlement.Response, error) {
	v.mu.Lock()
	held, entered := v.held, v.entered
	v.mu.Unlock()
	if held != nil {
		entered <- struct{}{}
		select {
		case <-held:
		case <-ctx.Done():
			return entitlement.Response{}, ctx.Err()
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	if len(v.errs) > 0 {
		err := v.errs[0]
		v.errs = v.errs[1:]
		return entitlement.Response{}, err
	}
	if len(v.responses) > 0 {
		r := v.responses[0]
		v.responses = v.responses[1:]
		return r, nil
	}
	if v.Default.Status == "" {
		return entitlement.Response{Status: entitlement.StatusValid}, nil
	}
	return v.Default, nil
}

// Calls returns the number of Validate calls.
func (v *ScriptedValidator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.requests)
}

// Requests returns every request received.
func (v *ScriptedValidator) Requests() []entitlement.Request {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]entitlement.Request(nil), v.requests...)
}

// MemoryCache is an in-memory entitlement cache.
type MemoryCache struct {
	mu          sync.Mutex
	unlocked    bool
	unconfirmed int
	lagChecks   int
	sets        int
	confirmed   int
}

// NewMemoryCache returns a locked cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Unconfirmed makes the next n SetUnlocked calls report an unconfirmed
// write that becomes visible only after lag more CheckUnlocked calls. A
// negative lag means the write never becomes visible.
func (c *MemoryCache) Unconfirmed(n, lag int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unconfirmed = n
	c.lagChecks = lag
}

// Preset sets the flag without counting an unlock.
func (c *MemoryCache) Preset(unlocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlocked = unlocked
}

// CheckUnlocked implements entitlement.Cache.
func (c *MemoryCache) CheckUnlocked(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.unlocked && c.lagChecks > 0 {
		c.lagChecks--
		if c.lagChecks == 0 {
			c.unlocked = true
		}
	}
	return c.unlocked, nil
}

// SetUnlocked implements entitlement.Cache.
func (c *MemoryCache) SetUnlocked(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.unconfirmed > 0 {
		c.unconfirmed--
		return false, nil
	}
	c.unlocked = true
	c.confirmed++
	return true, nil
}

// Unlocked reports the flag.
func (c *MemoryCache) Unlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlocked
}

// Sets returns the number of SetUnlocked calls.
func (c *MemoryCache) Sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// Unlocks returns the number of confirmed SetUnlocked calls.
func (c *MemoryCache) Unlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirmed
}
