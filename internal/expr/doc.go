// Package expr resolves dynamic references inside step configuration.
//
// A reference is parsed into a small AST (Literal, Path, Call, Template)
// and evaluated against a Context holding the instance's variables, step
// outputs, trigger input, and environment.
//
// Supported forms:
//
//	$.customer.name            variable path, [n] for array indices
//	{{steps.check.score}}      step output path
//	{{input.lead.id}}          trigger input path
//	{{env.REGION}}             environment lookup
//	{{fn.sum(1, 2, 3)}}        built-in function call
//	Hello, {{$.name}}!         interpolation
//
// A string that is exactly one {{...}} placeholder resolves to the typed
// value underneath. Anything that cannot be resolved (a missing path, an
// unknown function, a malformed call) is undefined: Resolve reports
// ok == false and never panics. Callers validate required values.
package expr
