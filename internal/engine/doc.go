// Package engine implements the stepflow execution engine.
//
// The engine advances workflow instances through their definition's step
// graph. It has no long-lived owner per instance: every call (Start,
// Advance, Resume, DecideApproval, DeliverEvent, SweepTimeouts, Cancel) is
// a short unit of work that reads the instance, applies transitions, and
// writes it back.
//
// STATE MACHINE:
//
//	created → running ⇄ waiting
//	running → completed | failed
//	any non-terminal → cancelled
//
// Every transition appends one entry to the instance's activity log.
//
// SINGLE WRITER:
// Instances are guarded by a version token. Every write is conditional on
// the version the engine read; a conflicting writer gets a
// CONCURRENT_MODIFICATION error and must retry from a fresh read. A resume
// that loses the race is reported as STALE_RESUME and leaves the instance
// untouched.
//
// SUSPENSION:
// Approval and wait steps park the instance in waiting with a resume token
// that names the exact suspend point. The step budget (WithMaxSteps) is the
// third suspend point: a run that exhausts it records instance.yielded and
// returns, and a follow-up Advance continues from the current step.
package engine
