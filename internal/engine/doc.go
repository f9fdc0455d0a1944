// Package engine implements the purchase reconciliation engine.
//
// The Manager owns connection state, the loaded offerings and the purchase
// guard, and drives the validate, unlock, finish and record sequence for
// every purchase event the billing module delivers.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Purchase updates and purchase errors arrive on billing-module callbacks.
// Listeners only enqueue; Manager.Run() dequeues one event at a time and
// reconciles it. This keeps redelivered events strictly ordered.
//
// Event Processing Flow:
//  1. Billing module invokes a registered listener
//  2. Listener enqueues an Event (update or error)
//  3. Run() dequeues and calls HandlePurchaseUpdate / HandlePurchaseError
//  4. The handler validates, unlocks, finishes and records in the ledger
//  5. State mutations are published to subscribers in order
//
// Public operations (Initialize, LoadProducts, Buy, Restore) may be called
// from any goroutine. They suspend only on billing-module and entitlement
// server calls.
//
// CRITICAL PATTERNS:
//
// Idempotency:
// A transaction key present in the ledger's processed index is never
// validated again; redeliveries are finished and dropped.
//
// Transient failures never finish:
// A missing receipt, a transient server verdict or an unconfirmed unlock
// leaves the platform transaction unfinished and a pending record in the
// ledger, so the store redelivers it or recovery replays it.
//
// Guard release is unconditional:
// Every purchase-update or purchase-error callback releases the purchase
// guard. The watchdog releases it if neither arrives in time.
package engine
