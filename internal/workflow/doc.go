// Package workflow provides the core data model for stepflow.
//
// This package contains definitions, instances, the instance state machine,
// resume tokens, the error taxonomy, and the capability interfaces that the
// engine is constructed with. All other internal packages import workflow;
// workflow imports nothing internal.
//
// Key design constraints:
//   - Step graphs are arenas: steps are keyed by id and edges are ids,
//     never pointers to other steps
//   - All JSON tags use snake_case
//   - Instances are documents: the whole record is persisted as one unit
//     and guarded by a version token
package workflow
