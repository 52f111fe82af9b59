// Package matcher decides which agents process a change event.
//
// A match requires three agreements between the agent's watch rules and
// the event: the database/collection namespace, the operation type,
// and the optional document filter.
//
// Filters use MongoDB query syntax evaluated in-process against the
// event's full document: comparison operators ($eq, $ne, $gt, $gte,
// $lt, $lte), membership ($in, $nin), $exists, $type, $regex with
// $options, and top-level $and/$or/$not/$nor. Field paths are
// dot-separated and numeric segments index into arrays, so
// "items.0.sku" addresses the first element.
//
// Two deliberate asymmetries:
//
//   - Ordered comparisons are nil-safe and report false, while $ne on
//     a missing field reports true, matching MongoDB's treatment of
//     absent values.
//   - Unknown operators warn and pass rather than fail, so a typo in
//     one filter degrades to over-matching instead of silently
//     dropping every event for that agent.
package matcher
