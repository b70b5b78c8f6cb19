// Package steps implements one handler per step type.
//
// A handler materializes its configuration through the expression resolver
// and returns a Result that either proceeds (output plus next step id) or
// suspends (reason, resume criteria, deadline). Handlers that suspend also
// implement Resumer, which the engine calls when a matching decision,
// event, or timeout arrives.
//
// Handlers never change instance status. They raise typed workflow errors
// (VALIDATION, UNROUTABLE_DECISION, EXTERNAL_CALL) and the engine converts
// them into transitions.
package steps
