// Package engine executes stored tool bodies.
//
// Two runners sit behind Engine.Execute: the query-template runner binds
// arguments as driver parameters against the store, and the expression runner
// evaluates a closed arithmetic/string grammar (see package expr). Both return
// a result string or an *ExecutionError describing the failure.
package engine
