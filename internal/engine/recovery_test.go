package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/store"
)

func seedPending(t *testing.T, f *fixture, p billing.Purchase, createdAt time.Time, retries int) string {
	t.Helper()
	key := keyOf(t, f.cfg.Platform, p)
	require.NoError(t, f.ledger.SavePending(f.ctx, store.PendingTransaction{
		Key:           key,
		Platform:      f.cfg.Platform,
		ProductID:     p.ProductID(),
		TransactionID: p.TransactionID(),
		PurchaseToken: p.PurchaseToken(),
		CreatedAt:     createdAt,
		RetryCount:    retries,
		Reason:        "validation_transient",
	}))
	return key
}

func TestManager_RecoverPending_RunsOnceDuringInitialize(t *testing.T) {
	f := newFixture(t)
	p := iosPurchase("2000000001", skuMonthly)
	seedPending(t, f, p, t0.Add(-time.Hour), 0)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)

	f.initialize()

	assert.Nil(t, f.pending())
	assert.True(t, f.processed(p))
	assert.Equal(t, 1, f.cache.Unlocks())
	assert.Equal(t, 1, f.billing.FinishCalls())
	assert.True(t, f.m.State().Entitled)

	res := f.m.RecoverPending(f.ctx)
	assert.Equal(t, RecoverySkipped, res.Status)
}

func TestManager_RecoverNow_GracePeriod(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	p := iosPurchase("2000000002", skuMonthly)
	seedPending(t, f, p, f.clock.Now(), 0)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoverySkipped, res.Status)
	assert.Equal(t, "within grace period", res.Reason)
	assert.Zero(t, f.validator.Calls())

	f.clock.Advance(5 * time.Second)
	res = f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryResolved, res.Status)
	assert.Equal(t, OutcomeUnlocked, res.Outcome)
}

func TestManager_RecoverNow_RetryCap(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	p := iosPurchase("2000000003", skuMonthly)
	seedPending(t, f, p, t0.Add(-time.Hour), 3)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoverySkipped, res.Status)
	assert.Equal(t, "retry cap reached", res.Reason)
	assert.Zero(t, f.validator.Calls())
	assert.NotNil(t, f.pending(), "left for the next launch")
}

func TestManager_RecoverNow_PersistentTransientCountsRetries(t *testing.T) {
	f := newFixture(t)
	f.validator.Default = entitlement.Response{Status: entitlement.StatusTransient}
	f.initialize()
	p := iosPurchase("2000000004", skuMonthly)
	key := seedPending(t, f, p, t0.Add(-time.Hour), 0)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)

	for want := 1; want <= 3; want++ {
		res := f.m.RecoverNow(f.ctx)
		assert.Equal(t, RecoveryPending, res.Status)
		assert.Equal(t, want, res.RetryCount)
	}

	rec := f.pending()
	require.NotNil(t, rec)
	assert.Equal(t, key, rec.Key)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, RecoverySkipped, f.m.RecoverNow(f.ctx).Status)
	assert.Equal(t, 3, f.validator.Calls())
	assert.Zero(t, f.billing.FinishCalls())
}

func TestManager_RecoverNow_ExactlyOnceAfterTransients(t *testing.T) {
	f := newFixture(t)
	f.validator.Push(
		entitlement.StatusTransient,
		entitlement.StatusTransient,
		entitlement.StatusTransient,
		entitlement.StatusValid,
	)
	f.initialize()

	p := iosPurchase("2000000005", skuMonthly)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)
	f.deliver(p)
	f.clock.Advance(10 * time.Second)

	assert.Equal(t, RecoveryPending, f.m.RecoverNow(f.ctx).Status)
	assert.Equal(t, RecoveryPending, f.m.RecoverNow(f.ctx).Status)
	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryResolved, res.Status)

	assert.Equal(t, 1, f.cache.Unlocks())
	assert.Equal(t, 1, f.billing.FinishCalls())
	assert.Nil(t, f.pending())
}

func TestManager_RecoverNow_Unmatched(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	seedPending(t, f, iosPurchase("2000000006", skuMonthly), t0.Add(-time.Hour), 0)

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryUnmatched, res.Status)
	assert.Equal(t, 1, res.RetryCount)
}

func TestManager_RecoverNow_AvailableReadFails(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	seedPending(t, f, iosPurchase("2000000007", skuMonthly), t0.Add(-time.Hour), 0)
	f.billing.SetAvailable(nil, errors.New("store unavailable"))

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryFailed, res.Status)
	assert.Equal(t, 1, res.RetryCount)
}

func TestManager_RecoverNow_MatchesByProduct(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	stale := iosPurchase("2000000008", skuMonthly)
	staleKey := seedPending(t, f, stale, t0.Add(-time.Hour), 0)
	current := iosPurchase("2000000009", skuMonthly)
	f.billing.SetAvailable([]billing.Purchase{iosPurchase("2000000010", skuLifetime), current}, nil)

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryResolved, res.Status)
	assert.Equal(t, staleKey, res.Key)
	assert.Equal(t, "2000000009", f.validator.Requests()[0].TransactionID)
	assert.True(t, f.processed(stale))
	assert.True(t, f.processed(current))
	assert.Nil(t, f.pending())
}

func TestManager_RecoverNow_ProductMatchAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	stale := iosPurchase("2000000011", skuMonthly)
	staleKey := seedPending(t, f, stale, t0.Add(-time.Hour), 0)
	old := iosPurchase("2000000012", skuMonthly)
	require.NoError(t, f.ledger.MarkProcessed(f.ctx, keyOf(t, f.cfg.Platform, old), f.cfg.Platform, t0.Add(-2*time.Hour)))
	f.billing.SetAvailable([]billing.Purchase{old}, nil)

	res := f.m.RecoverNow(f.ctx)
	assert.Equal(t, RecoveryUnmatched, res.Status)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Equal(t, 1, res.RetryCount)
	assert.Zero(t, f.validator.Calls())
	assert.False(t, f.processed(stale))

	rec := f.pending()
	require.NotNil(t, rec)
	assert.Equal(t, staleKey, rec.Key)
	assert.Equal(t, 1, rec.RetryCount)

	// The real transaction still unlocks when it is redelivered.
	outcome, err := f.m.HandlePurchaseUpdate(f.ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnlocked, outcome)
	assert.Equal(t, 1, f.cache.Unlocks())
	assert.Nil(t, f.pending())
}

func TestManager_RecoverNow_SerializedWithDelivery(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	p := iosPurchase("2000000013", skuMonthly)
	seedPending(t, f, p, t0.Add(-time.Hour), 0)
	f.billing.SetAvailable([]billing.Purchase{p}, nil)
	entered, release := f.validator.Hold()
	defer release()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.m.HandlePurchaseUpdate(f.ctx, p)
	}()
	<-entered
	go func() {
		defer wg.Done()
		f.m.RecoverNow(f.ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, f.validator.Calls())
	assert.Equal(t, 1, f.cache.Unlocks())
	assert.Equal(t, 1, f.billing.FinishCalls())
	assert.True(t, f.processed(p))
	assert.Nil(t, f.pending())
}

func TestManager_RecoverNow_NothingPending(t *testing.T) {
	f := newFixture(t)
	f.initialize()
	assert.Equal(t, RecoveryNone, f.m.RecoverNow(f.ctx).Status)
}

func TestMatchPending_Order(t *testing.T) {
	rec := &store.PendingTransaction{
		Key:           "ios:unknown",
		ProductID:     skuMonthly,
		TransactionID: "tx-2",
		PurchaseToken: "tok-3",
	}
	byProduct := billing.NewPurchase([]byte(`{"productId":"pro_monthly","transactionId":"tx-1"}`))
	byTx := billing.NewPurchase([]byte(`{"productId":"other","transactionId":"tx-2"}`))
	byToken := billing.NewPurchase([]byte(`{"productId":"other","purchaseToken":"tok-3"}`))

	got, ok := matchPending(billing.PlatformIOS, rec, []billing.Purchase{byProduct, byTx, byToken})
	require.True(t, ok)
	assert.Equal(t, "tok-3", got.PurchaseToken())

	got, ok = matchPending(billing.PlatformIOS, rec, []billing.Purchase{byProduct, byTx})
	require.True(t, ok)
	assert.Equal(t, "tx-2", got.TransactionID())

	got, ok = matchPending(billing.PlatformIOS, rec, []billing.Purchase{byProduct})
	require.True(t, ok)
	assert.Equal(t, "tx-1", got.TransactionID())

	_, ok = matchPending(billing.PlatformIOS, rec, nil)
	assert.False(t, ok)
}
