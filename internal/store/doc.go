// Package store provides SQLite-backed document storage for stepflow.
//
// The store keeps three collections:
//   - Definitions: one row per (id, version), at most one active version
//   - Instances: one versioned document per instance
//   - Approvals: one row per approval request, keyed by id and indexed by
//     (instance_id, step_id)
//
// # Critical Patterns
//
// Optimistic concurrency:
//   - UpdateInstance writes WHERE id = ? AND version = ?
//   - Zero affected rows is a CONCURRENT_MODIFICATION error
//   - CloseApproval writes WHERE status = 'pending' with the same contract
//
// Idempotent starts:
//   - A partial UNIQUE index allows one live instance per
//     (definition_id, correlation_key); a duplicate CreateInstance is a
//     CONCURRENT_MODIFICATION error
//
// Retention:
//   - Terminal instances carry expires_at; PurgeExpired deletes them and
//     their approvals
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
