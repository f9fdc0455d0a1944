// Package txkey derives idempotency keys for purchase transactions.
//
// A transaction key identifies one purchase event across redeliveries,
// restarts and recovery replays. On Android the purchase token is the
// identity; on iOS it is the transaction identifier. The chosen identifier
// is never stored raw: it is serialized as RFC 8785 canonical JSON
// (NFC-normalized, sorted keys) and hashed with domain-separated SHA-256,
// so ledger rows and log lines carry no purchase secrets.
package txkey
