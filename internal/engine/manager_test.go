package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/metrics"
	fakes "github.com/roach88/iapsync/internal/testutil"
)

func TestManager_New_Defaults(t *testing.T) {
	fb := fakes.NewFakeBilling()
	m := New(Deps{Module: fb, Config: config.Default()})

	assert.IsType(t, SystemClock{}, m.clock)
	assert.IsType(t, UUIDv7Generator{}, m.ids)
	assert.NotNil(t, m.logger)
	assert.Equal(t, StatusDisconnected, m.State().ConnectionStatus)
	assert.Equal(t, "*testutil.FakeBilling", m.Methods().ModuleType)
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)

	id, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestManager_Subscribe(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var statuses []ConnectionStatus
	unsubscribe := f.m.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(statuses); n == 0 || statuses[n-1] != s.ConnectionStatus {
			statuses = append(statuses, s.ConnectionStatus)
		}
	})

	f.initialize()

	mu.Lock()
	assert.Equal(t, []ConnectionStatus{StatusConnecting, StatusConnected}, statuses)
	mu.Unlock()

	unsubscribe()
	unsubscribe()

	require.NoError(t, f.m.Shutdown(f.ctx))
	mu.Lock()
	assert.Len(t, statuses, 2, "no notifications after unsubscribe")
	mu.Unlock()
}

func TestManager_Subscribe_ReceivesCopies(t *testing.T) {
	f := newFixture(t)
	var last State
	f.m.Subscribe(func(s State) {
		last = s
	})
	f.initialize()

	require.NotEmpty(t, last.Products)
	last.Products[0].ProductID = "mutated"
	assert.NotEqual(t, "mutated", f.m.State().Products[0].ProductID)
}

func TestManager_Run_ProcessesDeliveries(t *testing.T) {
	f := newFixture(t)
	f.initialize()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.m.Run(ctx)
	}()

	f.billing.Deliver(iosPurchase("4000000001", skuMonthly))

	require.Eventually(t, func() bool {
		return f.cache.Unlocks() == 1 && f.billing.FinishCalls() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.m.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not stop after Shutdown")
	}
}

func TestManager_Run_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.m.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestManager_Diagnostics(t *testing.T) {
	f := newFixture(t)
	f.validator.Push(entitlement.StatusTransient)
	f.initialize()

	p := iosPurchase("4000000002", skuMonthly)
	f.deliver(p)
	f.billing.Deliver(iosPurchase("4000000003", skuLifetime))

	d := f.m.Diagnostics(f.ctx)
	assert.Equal(t, billing.PlatformIOS, d.Platform)
	assert.Equal(t, StatusConnected, d.ConnectionStatus)
	assert.True(t, d.Ready)
	assert.Equal(t, 2, d.ProductCount)
	assert.Equal(t, 1, d.LoadAttempts)
	assert.Equal(t, 1, d.QueueDepth)
	assert.Zero(t, d.ProcessedCount)
	assert.Contains(t, d.Methods["fetch"], "fetchProducts")
	assert.Contains(t, d.Methods["purchase"], "requestPurchase")
	require.NotNil(t, d.Pending)
	assert.Equal(t, keyOf(t, billing.PlatformIOS, p), d.Pending.Key)
	assert.Nil(t, d.Stuck)
	assert.Nil(t, d.InFlight)
	require.NotNil(t, d.LastError)
	assert.Equal(t, CodeValidationTransient, d.LastError.Code)
	assert.False(t, d.Terminal)
}

func TestManager_Metrics(t *testing.T) {
	f := newFixture(t)
	collector := metrics.NewCollector("")
	WithMetrics(collector)(f.m)

	f.initialize()
	require.NoError(t, f.m.Buy(f.ctx, skuMonthly))
	f.clock.Advance(f.cfg.Timing.PurchaseTimeout)

	p := iosPurchase("4000000004", skuMonthly)
	f.deliver(p)
	f.deliver(p)

	reg := collector.Registry()
	assert.Equal(t, 1.0, counterValue(t, reg, "iapsync_purchase_guard_timeouts_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "iapsync_purchase_duplicates_total"))
	assert.Equal(t, 2.0, gaugeValue(t, reg, "iapsync_offering_products"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return -1
}
