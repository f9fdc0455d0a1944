// Package store provides SQLite-backed durable storage for the purchase
// reconciliation ledger.
//
// The store keeps:
//   - Processed index: a bounded list of transaction keys already applied
//   - Pending transaction: at most one purchase accepted but not finished
//   - Stuck marker: a counter of failed finish-transaction calls
//   - Entitlement flag: the local "pro unlocked" boolean
//
// # Invariants
//
// A key present in the processed index is never re-validated. The index
// holds at most ProcessedLimit keys; the oldest rows are evicted on insert.
//
// The pending and stuck tables hold at most one row (CHECK (id = 1)).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The ledger assumes a single active process. Transaction keys are
// hashes computed by internal/txkey; raw receipts are never stored.
package store
