// Package harness runs reconciliation scenarios against the engine.
//
// Each scenario drives a real engine.Manager wired to scripted fakes: a
// store module serving the scenario's offerings, an entitlement server
// answering scripted verdicts, an in-memory entitlement cache, a manual
// clock and a fresh in-memory ledger. Every step is recorded in the trace
// as an invocation followed by the completion the engine produced.
//
// # Scenario Format
//
//	name: exactly_once
//	description: "Transient validation leaves the purchase pending"
//	platform: ios
//	receipt: receipt-blob
//	skus:
//	  - id: pro_monthly
//	offerings:
//	  - { productId: pro_monthly, price: "4.99", currency: USD }
//	server: [transient, valid]
//	setup:
//	  - action: entitled
//	    args: { value: false }
//	flow:
//	  - invoke: initialize
//	    expect: { case: ok }
//	  - invoke: deliver
//	    args: { product_id: pro_monthly, transaction_id: "1000" }
//	    expect:
//	      case: pending
//	      result: { error: VALIDATION_TRANSIENT }
//	assertions:
//	  - type: unlock_count
//	    count: 0
//	  - type: final_state
//	    expect: { pending: true, entitled: false }
//
// # Steps
//
// Setup actions: entitled, processed, pending, stuck.
//
// Flow steps: initialize, buy, deliver, deliver_error, advance,
// recover, restore, retry_load, shutdown, server, fail, offerings,
// available, unconfirmed.
//
// # Assertion Types
//
//   - trace_contains: a step appears in the trace with matching args
//   - trace_order: steps appear in the given order
//   - trace_count: a step appears exactly N times
//   - unlock_count, finish_count, validate_count: confirmed unlocks,
//     finish calls and validation requests
//   - last_error: the final LastError code ("" for none)
//   - restore_status: the status of the last restore step
//   - final_state: subset match against the final state snapshot
//
// # Deterministic Testing
//
// Scenarios run on a manual clock starting at Epoch with sequential
// attempt IDs, so traces are reproducible and can be compared against
// golden files with RunWithGolden.
package harness
