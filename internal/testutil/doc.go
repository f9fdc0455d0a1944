// Package testutil provides deterministic collaborators for engine tests
// and the scenario harness: a manual clock, a scripted billing module, a
// scripted entitlement server and an in-memory entitlement cache.
//
// Every fake is safe for concurrent use.
package testutil
