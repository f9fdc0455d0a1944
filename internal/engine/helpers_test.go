package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/config"
	"github.com/roach88/iapsync/internal/offering"
	"github.com/roach88/iapsync/internal/store"
	"github.com/roach88/iapsync/internal/testutil"
	"github.com/roach88/iapsync/internal/txkey"
)

const (
	skuMonthly  = "pro_monthly"
	skuLifetime = "pro_lifetime"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t         *testing.T
	ctx       context.Context
	m         *Manager
	billing   *testutil.FakeBilling
	validator *testutil.ScriptedValidator
	cache     *testutil.MemoryCache
	ledger    *store.Store
	clock     *testutil.FakeClock
	cfg       config.Config
}

func testConfig(platform billing.Platform) config.Config {
	cfg := config.Default()
	cfg.Platform = platform
	cfg.SKUs = []config.SKU{
		{ID: skuMonthly, Type: offering.TypeIAP},
		{ID: skuLifetime, Type: offering.TypeIAP},
	}
	return cfg
}

func priced(id, price string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"productId":%q,"title":"Pro","price":%q,"currency":"USD"}`, id, price))
}

func unpriced(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"productId":%q,"title":"Pro"}`, id))
}

func iosPurchase(txID, productID string) billing.Purchase {
	return billing.NewPurchase([]byte(fmt.Sprintf(`{"productId":%q,"transactionId":%q}`, productID, txID)))
}

func androidPurchase(token, productID string) billing.Purchase {
	return billing.NewPurchase([]byte(fmt.Sprintf(`{"productId":%q,"purchaseToken":%q,"orderId":"GPA.1"}`, productID, token)))
}

func keyOf(t *testing.T, platform billing.Platform, p billing.Purchase) string {
	t.Helper()
	key, _ := txkey.Derive(platform, p)
	require.NotEmpty(t, key)
	return key
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a manager over a FakeBilling serving both expected
// SKUs with prices and an app receipt.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb := testutil.NewFakeBilling(priced(skuMonthly, "4.99"), priced(skuLifetime, "49.99"))
	fb.SetReceipt("receipt-blob", nil)
	return newFixtureWith(t, testConfig(billing.PlatformIOS), fb, fb)
}

func newFixtureWith(t *testing.T, cfg config.Config, module any, fb *testutil.FakeBilling) *fixture {
	t.Helper()
	ledger, err := store.Open(filepath.Join(t.TempDir(), "iapsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	f := &fixture{
		t:         t,
		ctx:       context.Background(),
		billing:   fb,
		validator: testutil.NewScriptedValidator(),
		cache:     testutil.NewMemoryCache(),
		ledger:    ledger,
		clock:     testutil.NewFakeClock(t0),
		cfg:       cfg,
	}
	f.m = New(Deps{
		Module:     module,
		Validator:  f.validator,
		Cache:      f.cache,
		Ledger:     ledger,
		Config:     cfg,
		Clock:      f.clock,
		AttemptIDs: testutil.NewSequenceIDs("attempt"),
	}, WithLogger(discardLogger()))
	return f
}

func (f *fixture) initialize() {
	f.t.Helper()
	require.NoError(f.t, f.m.Initialize(f.ctx))
}

// deliver sends p through the registered listener and processes it.
func (f *fixture) deliver(p billing.Purchase) {
	f.t.Helper()
	require.Equal(f.t, 1, f.billing.Deliver(p))
	require.Equal(f.t, 1, f.m.Drain(f.ctx))
}

func (f *fixture) processed(p billing.Purchase) bool {
	f.t.Helper()
	ok, err := f.ledger.IsProcessed(f.ctx, keyOf(f.t, f.cfg.Platform, p))
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) pending() *store.PendingTransaction {
	f.t.Helper()
	p, err := f.ledger.Pending(f.ctx)
	require.NoError(f.t, err)
	return p
}

func requireCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "error: %v", err)
}
