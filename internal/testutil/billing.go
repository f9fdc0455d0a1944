package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/roach88/iapsync/internal/billing"
)

// FakeBilling is a scripted billing module implementing every capability
// interface. Queued errors are consumed one per call; when a queue is
// empty the call succeeds.
type FakeBilling struct {
	mu sync.Mutex

	offerings    []json.RawMessage
	fetchErrs    []error
	connectErr   error
	purchaseErrs []error
	acceptShapes map[billing.RequestShape]bool
	finishErrs   []error
	receipt      string
	receiptErr   error
	available    []billing.Purchase
	availableErr error
	restoreErr   error
	clearErr     error

	connects      int
	disconnects   int
	fetchCalls    int
	fetchedSKUs   [][]string
	requests      []billing.PurchaseRequest
	finished      []billing.Purchase
	finishCalls   int
	restores      int
	clears        int
	registrations int

	nextListener int
	updated      map[int]func(billing.Purchase)
	errored      map[int]func(error)
}

// NewFakeBilling returns a module that serves offerings.
func NewFakeBilling(offerings ...json.RawMessage) *FakeBilling {
	return &FakeBilling{
		offerings: offerings,
		updated:   make(map[int]func(billing.Purchase)),
		errored:   make(map[int]func(error)),
	}
}

// SetOfferings replaces the offerings returned by fetches.
func (f *FakeBilling) SetOfferings(offerings ...json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerings = offerings
}

// FailFetch queues errors for subsequent fetch calls.
func (f *FakeBilling) FailFetch(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs = append(f.fetchErrs, errs...)
}

// FailConnect makes Connect return err until reset with nil.
func (f *FakeBilling) FailConnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

// FailPurchase queues errors for subsequent purchase calls.
func (f *FakeBilling) FailPurchase(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseErrs = append(f.purchaseErrs, errs...)
}

// AcceptShapes restricts purchase calls to the given request shapes; any
// other shape fails with billing.ErrBadRequestShape.
func (f *FakeBilling) AcceptShapes(shapes ...billing.RequestShape) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acceptShapes = make(map[billing.RequestShape]bool, len(shapes))
	for _, s := range shapes {
		f.acceptShapes[s] = true
	}
}

// FailFinish queues errors for subsequent finish calls.
func (f *FakeBilling) FailFinish(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishErrs = append(f.finishErrs, errs...)
}

// SetReceipt sets the value GetReceipt returns.
func (f *FakeBilling) SetReceipt(receipt string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipt = receipt
	f.receiptErr = err
}

// SetAvailable sets the purchases GetAvailablePurchases returns.
func (f *FakeBilling) SetAvailable(purchases []billing.Purchase, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = purchases
	f.availableErr = err
}

// FailRestore makes RestorePurchases return err.
func (f *FakeBilling) FailRestore(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreErr = err
}

// FailClear makes ClearStrandedTransactions return err.
func (f *FakeBilling) FailClear(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearErr = err
}

// Connect implements billing.Connector.
func (f *FakeBilling) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

// Disconnect implements billing.Connector.
func (f *FakeBilling) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

// FetchProducts implements billing.ProductsFetcher.
func (f *FakeBilling) FetchProducts(ctx context.Context, skus []string, kind billing.ProductKind) ([]json.RawMessage, error) {
	return f.fetch(skus)
}

func (f *FakeBilling) fetch(skus []string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	f.fetchedSKUs = append(f.fetchedSKUs, append([]string(nil), skus...))
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]json.RawMessage, len(f.offerings))
	copy(out, f.offerings)
	return out, nil
}

// RequestPurchase implements billing.PurchaseRequester.
func (f *FakeBilling) RequestPurchase(ctx context.Context, req billing.PurchaseRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.acceptShapes) > 0 && !f.acceptShapes[req.Shape] {
		return billing.ErrBadRequestShape
	}
	if len(f.purchaseErrs) > 0 {
		err := f.purchaseErrs[0]
		f.purchaseErrs = f.purchaseErrs[1:]
		return err
	}
	return nil
}

// OnPurchaseUpdated implements billing.PurchaseListener.
func (f *FakeBilling) OnPurchaseUpdated(fn func(billing.Purchase)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	id := f.nextListener
	f.nextListener++
	f.updated[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.updated, id)
	}
}

// OnPurchaseError implements billing.PurchaseListener.
func (f *FakeBilling) OnPurchaseError(fn func(error)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextListener
	f.nextListener++
	f.errored[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.errored, id)
	}
}

// Deliver sends p to every registered update listener, in registration
// order. It returns the number of listeners called.
func (f *FakeBilling) Deliver(p billing.Purchase) int {
	f.mu.Lock()
	fns := orderedListeners(f.updated)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
	return len(fns)
}

// DeliverError sends err to every registered error listener.
func (f *FakeBilling) DeliverError(err error) int {
	f.mu.Lock()
	fns := orderedListeners(f.errored)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
	return len(fns)
}

func orderedListeners[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// FinishTransaction implements billing.TransactionFinisher.
func (f *FakeBilling) FinishTransaction(ctx context.Context, p billing.Purchase, consumable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishCalls++
	if len(f.finishErrs) > 0 {
		err := f.finishErrs[0]
		f.finishErrs = f.finishErrs[1:]
		if err != nil {
			return err
		}
	}
	f.finished = append(f.finished, p)
	return nil
}

// GetReceipt implements billing.ReceiptProvider.
func (f *FakeBilling) GetReceipt(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, f.receiptErr
}

// GetAvailablePurchases implements billing.AvailablePurchasesProvider.
func (f *FakeBilling) GetAvailablePurchases(ctx context.Context) ([]billing.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availableErr != nil {
		return nil, f.availableErr
	}
	out := make([]billing.Purchase, len(f.available))
	copy(out, f.available)
	return out, nil
}

// RestorePurchases implements billing.Restorer.
func (f *FakeBilling) RestorePurchases(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restores++
	return f.restoreErr
}

// ClearStrandedTransactions implements billing.StrandedTransactionClearer.
func (f *FakeBilling) ClearStrandedTransactions(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.clearErr
}

// Connects returns the number of Connect calls.
func (f *FakeBilling) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns the number of Disconnect calls.
func (f *FakeBilling) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// FetchCalls returns the number of fetch calls across all fetch methods.
func (f *FakeBilling) FetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// FetchedSKUs returns the SKU list of every fetch call.
func (f *FakeBilling) FetchedSKUs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.fetchedSKUs...)
}

// Requests returns every purchase request received.
func (f *FakeBilling) Requests() []billing.PurchaseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.PurchaseRequest(nil), f.requests...)
}

// FinishCalls returns the number of finish calls, failed ones included.
func (f *FakeBilling) FinishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finishCalls
}

// Finished returns the purchases successfully finished.
func (f *FakeBilling) Finished() []billing.Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]billing.Purchase(nil), f.finished...)
}

// Restores returns the number of RestorePurchases calls.
func (f *FakeBilling) Restores() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restores
}

// Clears returns the number of ClearStrandedTransactions calls.
func (f *FakeBilling) Clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

// Registrations returns how many times an update listener was registered.
func (f *FakeBilling) Registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations
}

// ActiveListeners returns the number of registered update listeners.
func (f *FakeBilling) ActiveListeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updated)
}

// Legacy exposes f through the older getProducts/getSubscriptions fetch
// names only.
func (f *FakeBilling) Legacy() any {
	return legacyModule{
		Connector:                  f,
		PurchaseRequester:          f,
		PurchaseListener:           f,
		TransactionFinisher:        f,
		ReceiptProvider:            f,
		AvailablePurchasesProvider: f,
		Restorer:                   f,
		f:                          f,
	}
}

type legacyModule struct {
	billing.Connector
	billing.PurchaseRequester
	billing.PurchaseListener
	billing.TransactionFinisher
	billing.ReceiptProvider
	billing.AvailablePurchasesProvider
	billing.Restorer

	f *FakeBilling
}

func (l legacyModule) GetProducts(ctx context.Context, skus []string) ([]json.RawMessage, error) {
	return l.f.fetch(skus)
}

func (l legacyModule) GetSubscriptions(ctx context.Context, skus []string) ([]json.RawMessage, error) {
	return l.f.fetch(skus)
}

// FetchOnly exposes f without any purchase capability.
func (f *FakeBilling) FetchOnly() any {
	return fetchOnlyModule{Connector: f, ProductsFetcher: f, PurchaseListener: f}
}

type fetchOnlyModule struct {
	billing.Connector
	billing.ProductsFetcher
	billing.PurchaseListener
}
