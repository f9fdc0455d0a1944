// Package entitlement talks to the remote entitlement server and to the
// local entitlement cache.
//
// The server is authoritative: it answers whether a receipt or purchase
// token grants "pro". The cache holds the last confirmed answer on device.
package entitlement
