// Package audit appends one usage record per invocation attempt.
//
// Records are written to the store with a context detached from the caller's
// cancellation, so a call whose client has gone away is still recorded.
// Written records are then offered to optional sinks such as the ClickHouse
// analytics mirror.
package audit
