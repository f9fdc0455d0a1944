package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Connector opens and closes the store connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ProductsFetcher is the modern unified fetch ("fetchProducts").
type ProductsFetcher interface {
	FetchProducts(ctx context.Context, skus []string, kind ProductKind) ([]json.RawMessage, error)
}

// LegacyProductsFetcher is the older one-time product fetch ("getProducts").
type LegacyProductsFetcher interface {
	GetProducts(ctx context.Context, skus []string) ([]json.RawMessage, error)
}

// SubscriptionsFetcher is the older subscription fetch ("getSubscriptions").
type SubscriptionsFetcher interface {
	GetSubscriptions(ctx context.Context, skus []string) ([]json.RawMessage, error)
}

// PurchaseRequester starts a purchase ("requestPurchase").
type PurchaseRequester interface {
	RequestPurchase(ctx context.Context, req PurchaseRequest) error
}

// SubscriptionRequester starts a subscription purchase ("requestSubscription").
type SubscriptionRequester interface {
	RequestSubscription(ctx context.Context, req PurchaseRequest) error
}

// PurchaseListener delivers asynchronous purchase results. Each register
// call returns a function that removes the listener.
type PurchaseListener interface {
	OnPurchaseUpdated(fn func(Purchase)) (remove func())
	OnPurchaseError(fn func(error)) (remove func())
}

// TransactionFinisher acknowledges a transaction so the store stops
// redelivering it ("finishTransaction").
type TransactionFinisher interface {
	FinishTransaction(ctx context.Context, p Purchase, consumable bool) error
}

// ReceiptProvider returns the platform app receipt ("getReceiptIOS").
type ReceiptProvider interface {
	GetReceipt(ctx context.Context) (string, error)
}

// AvailablePurchasesProvider lists purchases the store still knows about
// ("getAvailablePurchases").
type AvailablePurchasesProvider interface {
	GetAvailablePurchases(ctx context.Context) ([]Purchase, error)
}

// Restorer asks the store to restore prior purchases ("restorePurchases").
type Restorer interface {
	RestorePurchases(ctx context.Context) error
}

// PurchaseSyncer is the alternative restore entry point ("syncIOS").
type PurchaseSyncer interface {
	SyncPurchases(ctx context.Context) error
}

// StrandedTransactionClearer drops transactions the store keeps
// redelivering ("clearTransactionIOS").
type StrandedTransactionClearer interface {
	ClearStrandedTransactions(ctx context.Context) error
}

// OfferingConverter is an optional adapter helper that maps a raw offering
// into the canonical record shape understood by the normalizer.
type OfferingConverter interface {
	ConvertOffering(raw json.RawMessage) (json.RawMessage, bool)
}

// Resolver is implemented by modules that bind late. Probe calls Resolve
// every time it runs, so a re-probe can see functions that were missing at
// first.
type Resolver interface {
	Resolve() any
}

// FetchFunc fetches raw offering records.
type FetchFunc func(ctx context.Context, skus []string, kind ProductKind) ([]json.RawMessage, error)

// RequestFunc submits one purchase request.
type RequestFunc func(ctx context.Context, req PurchaseRequest) error

// CallFunc is a context-only billing call.
type CallFunc func(ctx context.Context) error

// FetchMethod is a named fetch capability.
type FetchMethod struct {
	Name  string
	Fetch FetchFunc
}

// PurchaseMethod is a named purchase capability.
type PurchaseMethod struct {
	Name    string
	Request RequestFunc
	// SubscriptionOnly marks methods that only accept subscription SKUs.
	SubscriptionOnly bool
}

// CallMethod is a named context-only capability.
type CallMethod struct {
	Name string
	Call CallFunc
}

// SelectedMethods is the capability negotiation result for one module.
// It is computed once by Probe and handed to the engine; call sites never
// inspect the module directly.
type SelectedMethods struct {
	Connector  Connector
	Fetch      []FetchMethod
	Purchase   []PurchaseMethod
	Listener   PurchaseListener
	Finisher   TransactionFinisher
	Receipt    ReceiptProvider
	Available  AvailablePurchasesProvider
	Restore    []CallMethod
	Clearer    StrandedTransactionClearer
	Converter  OfferingConverter
	ModuleType string
}

// Probe inspects module and selects the functions it implements, in
// priority order. A Resolver is resolved first.
func Probe(module any) SelectedMethods {
	if r, ok := module.(Resolver); ok {
		module = r.Resolve()
	}

	sel := SelectedMethods{ModuleType: fmt.Sprintf("%T", module)}
	if module == nil {
		return sel
	}

	if c, ok := module.(Connector); ok {
		sel.Connector = c
	}

	if f, ok := module.(ProductsFetcher); ok {
		sel.Fetch = append(sel.Fetch, FetchMethod{Name: "fetchProducts", Fetch: f.FetchProducts})
	}
	if f, ok := module.(LegacyProductsFetcher); ok {
		sel.Fetch = append(sel.Fetch, FetchMethod{
			Name: "getProducts",
			Fetch: func(ctx context.Context, skus []string, _ ProductKind) ([]json.RawMessage, error) {
				return f.GetProducts(ctx, skus)
			},
		})
	}
	if f, ok := module.(SubscriptionsFetcher); ok {
		sel.Fetch = append(sel.Fetch, FetchMethod{
			Name: "getSubscriptions",
			Fetch: func(ctx context.Context, skus []string, _ ProductKind) ([]json.RawMessage, error) {
				return f.GetSubscriptions(ctx, skus)
			},
		})
	}

	if p, ok := module.(PurchaseRequester); ok {
		sel.Purchase = append(sel.Purchase, PurchaseMethod{Name: "requestPurchase", Request: p.RequestPurchase})
	}
	if p, ok := module.(SubscriptionRequester); ok {
		sel.Purchase = append(sel.Purchase, PurchaseMethod{
			Name:             "requestSubscription",
			Request:          p.RequestSubscription,
			SubscriptionOnly: true,
		})
	}

	if l, ok := module.(PurchaseListener); ok {
		sel.Listener = l
	}
	if f, ok := module.(TransactionFinisher); ok {
		sel.Finisher = f
	}
	if r, ok := module.(ReceiptProvider); ok {
		sel.Receipt = r
	}
	if a, ok := module.(AvailablePurchasesProvider); ok {
		sel.Available = a
	}
	if r, ok := module.(Restorer); ok {
		sel.Restore = append(sel.Restore, CallMethod{Name: "restorePurchases", Call: r.RestorePurchases})
	}
	if s, ok := module.(PurchaseSyncer); ok {
		sel.Restore = append(sel.Restore, CallMethod{Name: "syncPurchases", Call: s.SyncPurchases})
	}
	if c, ok := module.(StrandedTransactionClearer); ok {
		sel.Clearer = c
	}
	if c, ok := module.(OfferingConverter); ok {
		sel.Converter = c
	}

	return sel
}

// Validate checks the minimal capability set: at least one fetch method
// and one purchase method.
func (s SelectedMethods) Validate() error {
	var missing []string
	if len(s.Fetch) == 0 {
		missing = append(missing, "fetch")
	}
	if len(s.Purchase) == 0 {
		missing = append(missing, "purchase")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v (module %s)", ErrCapabilityMissing, missing, s.ModuleType)
	}
	return nil
}

// FetchByName returns the named fetch method if selected.
func (s SelectedMethods) FetchByName(name string) (FetchMethod, bool) {
	for _, m := range s.Fetch {
		if m.Name == name {
			return m, true
		}
	}
	return FetchMethod{}, false
}

// PurchaseMethodsFor returns the purchase methods usable for a product,
// subscription-specific methods first when the product is a subscription.
func (s SelectedMethods) PurchaseMethodsFor(subscription bool) []PurchaseMethod {
	var out []PurchaseMethod
	if subscription {
		for _, m := range s.Purchase {
			if m.SubscriptionOnly {
				out = append(out, m)
			}
		}
	}
	for _, m := range s.Purchase {
		if !m.SubscriptionOnly {
			out = append(out, m)
		}
	}
	return out
}

// Names lists the selected method names per concern, for diagnostics.
func (s SelectedMethods) Names() map[string][]string {
	names := map[string][]string{}
	add := func(concern, name string) {
		names[concern] = append(names[concern], name)
	}
	if s.Connector != nil {
		add("connection", "connect")
	}
	for _, m := range s.Fetch {
		add("fetch", m.Name)
	}
	for _, m := range s.Purchase {
		add("purchase", m.Name)
	}
	if s.Listener != nil {
		add("listen", "purchaseUpdated")
	}
	if s.Finisher != nil {
		add("finish", "finishTransaction")
	}
	if s.Receipt != nil {
		add("receipt", "getReceipt")
	}
	if s.Available != nil {
		add("available", "getAvailablePurchases")
	}
	for _, m := range s.Restore {
		add("restore", m.Name)
	}
	if s.Clearer != nil {
		add("clear", "clearStrandedTransactions")
	}
	if s.Converter != nil {
		add("convert", "convertOffering")
	}
	return names
}

// Concerns returns the concern names present in Names, sorted.
func (s SelectedMethods) Concerns() []string {
	names := s.Names()
	out := make([]string, 0, len(names))
	for k := range names {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
