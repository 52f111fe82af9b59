// Package policy compiles and evaluates agent policy conditions, the
// gate between a parsed AI response and the writeback.
//
// A condition is a small boolean expression over two names: "document"
// (the source document, alias "doc") and "result" (the parsed AI
// output):
//
//	result.category in ["spam", "abuse"] and document.score > 0.5
//	not (document.source == 'import') or result.override
//
// # Core Components
//
// Compile: parses a condition into a Policy. Syntax outside the
// grammar and paths rooted anywhere but document/doc/result are
// compile errors, so agent validation rejects bad conditions before
// any event flows.
//
// Policy.Evaluate: runs the condition against an environment map.
// Missing fields resolve to null; equality against null works, ordered
// comparison against null is an evaluation error. The executor maps an
// evaluation error to the agent's fallback action.
//
// # Semantics
//
// Operators: == != > >= < <= in "not in" and or not, with parentheses.
// "in" tests list membership or substring when both sides are strings.
// Numbers compare across integer and float representations. Bare paths
// coerce by truthiness: null, false, zero, empty string, empty list,
// and empty map are false.
package policy
