package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/iapsync/internal/billing"
	"github.com/roach88/iapsync/internal/engine"
	"github.com/roach88/iapsync/internal/entitlement"
	"github.com/roach88/iapsync/internal/store"
	"github.com/roach88/iapsync/internal/txkey"
)

type setupFunc func(h *Harness, ctx context.Context, args map[string]any) error

// stepFunc runs one flow step and returns its completion case and result.
// An error means the step itself was malformed.
type stepFunc func(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error)

var setupActions = map[string]setupFunc{
	"entitled":  setupEntitled,
	"processed": setupProcessed,
	"pending":   setupPending,
	"stuck":     setupStuck,
}

var flowSteps = map[string]stepFunc{
	"initialize":    stepInitialize,
	"buy":           stepBuy,
	"deliver":       stepDeliver,
	"deliver_error": stepDeliverError,
	"advance":       stepAdvance,
	"recover":       stepRecover,
	"restore":       stepRestore,
	"retry_load":    stepRetryLoad,
	"shutdown":      stepShutdown,
	"server":        stepServer,
	"fail":          stepFail,
	"offerings":     stepOfferings,
	"available":     stepAvailable,
	"unconfirmed":   stepUnconfirmed,
}

// purchaseFields maps scenario argument names to store record fields.
var purchaseFields = map[string]string{
	"product_id":              "productId",
	"transaction_id":          "transactionId",
	"original_transaction_id": "originalTransactionId",
	"purchase_token":          "purchaseToken",
	"order_id":                "orderId",
	"receipt":                 "transactionReceipt",
}

func setupEntitled(h *Harness, ctx context.Context, args map[string]any) error {
	v, err := boolArg(args, "value", true)
	if err != nil {
		return err
	}
	h.cache.Preset(v)
	return nil
}

func setupProcessed(h *Harness, ctx context.Context, args map[string]any) error {
	key, _, err := h.purchaseKey(args)
	if err != nil {
		return err
	}
	return h.ledger.MarkProcessed(ctx, key, h.platform, h.clock.Now())
}

func setupPending(h *Harness, ctx context.Context, args map[string]any) error {
	key, p, err := h.purchaseKey(args)
	if err != nil {
		return err
	}
	age, err := durationArg(args, "age", 0)
	if err != nil {
		return err
	}
	retries, err := intArg(args, "retry_count", 0)
	if err != nil {
		return err
	}
	reason := stringArg(args, "reason")
	if reason == "" {
		reason = "validation_transient"
	}
	return h.ledger.SavePending(ctx, store.PendingTransaction{
		Key:           key,
		Platform:      h.platform,
		ProductID:     p.ProductID(),
		TransactionID: p.TransactionID(),
		PurchaseToken: p.PurchaseToken(),
		CreatedAt:     h.clock.Now().Add(-age),
		RetryCount:    retries,
		Reason:        reason,
	})
}

func setupStuck(h *Harness, ctx context.Context, args map[string]any) error {
	n, err := intArg(args, "count", 1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := h.ledger.IncrementStuck(ctx, h.clock.Now()); err != nil {
			return err
		}
	}
	return nil
}

func stepInitialize(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	err := h.manager.Initialize(ctx)
	s := h.manager.State()
	return caseOf(err), map[string]any{
		"status":   string(s.ConnectionStatus),
		"ready":    s.IsReady(),
		"products": len(s.Products),
	}, nil
}

func stepBuy(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	sku, err := requireString(args, "sku")
	if err != nil {
		return "", nil, err
	}
	err = h.manager.Buy(ctx, sku)
	_, inFlight := h.manager.InFlight()
	return caseOf(err), map[string]any{"in_flight": inFlight}, nil
}

// stepDeliver hands a purchase update to the engine. With listener set
// it goes through the registered listener and the event queue instead of
// the direct call, and the case is "ok".
func stepDeliver(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	p, err := purchaseFromArgs(args)
	if err != nil {
		return "", nil, err
	}
	viaListener, err := boolArg(args, "listener", false)
	if err != nil {
		return "", nil, err
	}
	if viaListener {
		n := h.billing.Deliver(p)
		return CaseOK, map[string]any{"delivered": n, "processed": h.manager.Drain(ctx)}, nil
	}

	outcome, err := h.manager.HandlePurchaseUpdate(ctx, p)
	res := map[string]any{}
	if err != nil {
		res["error"] = caseOf(err)
	}
	return string(outcome), res, nil
}

func stepDeliverError(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	n := h.billing.DeliverError(injectedError(args))
	return CaseOK, map[string]any{"delivered": n, "processed": h.manager.Drain(ctx)}, nil
}

func stepAdvance(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	d, err := durationArg(args, "duration", -1)
	if err != nil {
		return "", nil, err
	}
	if d < 0 {
		return "", nil, fmt.Errorf("duration is required")
	}
	h.clock.Advance(d)
	_, inFlight := h.manager.InFlight()
	return CaseOK, map[string]any{"in_flight": inFlight}, nil
}

func stepRecover(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	r := h.manager.RecoverNow(ctx)
	res := map[string]any{"retry_count": r.RetryCount}
	if r.Outcome != "" {
		res["outcome"] = string(r.Outcome)
	}
	if r.Reason != "" {
		res["reason"] = r.Reason
	}
	return string(r.Status), res, nil
}

func stepRestore(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	r := h.manager.Restore(ctx)
	res := map[string]any{}
	if r.ProductID != "" {
		res["product_id"] = r.ProductID
	}
	return string(r.Status), res, nil
}

func stepRetryLoad(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	err := h.manager.RetryLoadProducts(ctx)
	s := h.manager.State()
	return caseOf(err), map[string]any{
		"ready":    s.IsReady(),
		"products": len(s.Products),
	}, nil
}

func stepShutdown(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	err := h.manager.Shutdown(ctx)
	return caseOf(err), map[string]any{"status": string(h.manager.State().ConnectionStatus)}, nil
}

// stepServer queues more entitlement verdicts.
func stepServer(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	list, err := listArg(args, "verdicts")
	if err != nil {
		return "", nil, err
	}
	statuses := make([]entitlement.Status, 0, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return "", nil, fmt.Errorf("verdicts[%d]: expected string, got %T", i, v)
		}
		statuses = append(statuses, entitlement.Status(s))
	}
	h.validator.Push(statuses...)
	return CaseOK, nil, nil
}

// stepFail scripts failures into the store module or the entitlement
// server.
func stepFail(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	target, err := requireString(args, "target")
	if err != nil {
		return "", nil, err
	}
	times, err := intArg(args, "times", 1)
	if err != nil {
		return "", nil, err
	}
	if times < 1 {
		return "", nil, fmt.Errorf("times must be positive")
	}
	injected := injectedError(args)
	errs := make([]error, times)
	for i := range errs {
		errs[i] = injected
	}

	switch target {
	case "connect":
		h.billing.FailConnect(injected)
	case "fetch":
		h.billing.FailFetch(errs...)
	case "purchase":
		h.billing.FailPurchase(errs...)
	case "finish":
		h.billing.FailFinish(errs...)
	case "receipt":
		h.billing.SetReceipt("", injected)
	case "available":
		h.billing.SetAvailable(nil, injected)
	case "restore":
		h.billing.FailRestore(injected)
	case "clear":
		h.billing.FailClear(injected)
	case "server":
		h.validator.FailNext(errs...)
	default:
		return "", nil, fmt.Errorf("unknown failure target %q", target)
	}
	return CaseOK, nil, nil
}

func stepOfferings(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	list, err := listArg(args, "products")
	if err != nil {
		return "", nil, err
	}
	raws := make([]json.RawMessage, 0, len(list))
	for i, v := range list {
		b, err := json.Marshal(v)
		if err != nil {
			return "", nil, fmt.Errorf("products[%d]: %w", i, err)
		}
		raws = append(raws, b)
	}
	h.billing.SetOfferings(raws...)
	return CaseOK, map[string]any{"count": len(raws)}, nil
}

// stepAvailable sets the purchases the store reports as owned.
func stepAvailable(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	list, err := listArg(args, "purchases")
	if err != nil {
		return "", nil, err
	}
	purchases := make([]billing.Purchase, 0, len(list))
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("purchases[%d]: expected mapping, got %T", i, v)
		}
		p, err := purchaseFromArgs(m)
		if err != nil {
			return "", nil, fmt.Errorf("purchases[%d]: %w", i, err)
		}
		purchases = append(purchases, p)
	}
	h.billing.SetAvailable(purchases, nil)
	return CaseOK, map[string]any{"count": len(purchases)}, nil
}

// stepUnconfirmed makes entitlement writes go unconfirmed. A negative lag
// (the default) means the write never becomes visible.
func stepUnconfirmed(h *Harness, ctx context.Context, args map[string]any) (string, map[string]any, error) {
	n, err := intArg(args, "count", 1)
	if err != nil {
		return "", nil, err
	}
	lag, err := intArg(args, "lag", -1)
	if err != nil {
		return "", nil, err
	}
	h.cache.Unconfirmed(n, lag)
	return CaseOK, nil, nil
}

// caseOf maps an engine error to its completion case.
func caseOf(err error) string {
	if err == nil {
		return CaseOK
	}
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

// injectedError builds the store error described by the code and message
// arguments.
func injectedError(args map[string]any) error {
	code := stringArg(args, "code")
	msg := stringArg(args, "message")
	if msg == "" {
		msg = "injected failure"
	}
	return &billing.StoreError{Code: code, Message: msg}
}

func (h *Harness) purchaseKey(args map[string]any) (string, billing.Purchase, error) {
	p, err := purchaseFromArgs(args)
	if err != nil {
		return "", billing.Purchase{}, err
	}
	key, _ := txkey.Derive(h.platform, p)
	if key == "" {
		return "", billing.Purchase{}, fmt.Errorf("purchase has no transaction key")
	}
	return key, p, nil
}

// purchaseFromArgs builds a store purchase record from scenario
// arguments. Arguments that are not purchase fields are ignored.
func purchaseFromArgs(args map[string]any) (billing.Purchase, error) {
	rec := make(map[string]any)
	for arg, field := range purchaseFields {
		if v := stringArg(args, arg); v != "" {
			rec[field] = v
		}
	}
	return billing.PurchaseFromMap(rec)
}

// stringArg returns args[key] as a string. Integers are formatted so
// numeric identifiers may be written unquoted.
func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

func requireString(args map[string]any, key string) (string, error) {
	s := stringArg(args, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
	return n, nil
}

func boolArg(args map[string]any, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected boolean, got %T", key, v)
	}
	return b, nil
}

func durationArg(args map[string]any, key string, def time.Duration) (time.Duration, error) {
	s := stringArg(args, key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func listArg(args map[string]any, key string) ([]any, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("%s is required", key)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected list, got %T", key, v)
	}
	return list, nil
}
