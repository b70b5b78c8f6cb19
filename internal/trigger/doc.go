// Package trigger maps inbound domain events to workflow definitions.
//
// For every active definition that declares the event type and whose
// trigger accepts the payload, the Matcher either reuses the definition's
// non-terminal instance for the event's correlation key or starts a new
// one. Reuse makes redelivered events idempotent.
package trigger
