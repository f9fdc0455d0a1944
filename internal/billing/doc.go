// Package billing defines the contracts between the reconciliation engine
// and the platform purchase library that a host app binds to it.
//
// The host's purchase library is not a fixed API. Depending on the build,
// it may expose fetchProducts or only getProducts/getSubscriptions, accept
// several request shapes, or bind some functions late. This package turns
// that uncertainty into values:
//
//   - Each billing function is an optional capability interface
//     (ProductsFetcher, PurchaseRequester, TransactionFinisher, ...).
//   - Probe inspects a module once and returns SelectedMethods, the ordered
//     set of functions the engine is allowed to call.
//   - TryShapes walks an ordered list of PurchaseRequest shapes and stops at
//     the first one the library does not reject as malformed.
//
// Purchase records and offering records arrive as raw JSON. Purchase wraps
// the raw bytes and exposes defensive accessors that probe several
// candidate fields, so the engine never depends on one library's export
// shape.
package billing
