// Package dispatch is the single entry point for tool invocations.
//
// Every call runs through the same middleware chain regardless of which
// transport delivered it or whether the tool is built in or stored:
//
//	observe -> authenticate -> audit -> recover -> quota -> execute
//
// The chain never returns a Go error for a failed invocation. Failures are
// carried in Result.Err as an *Error whose Kind follows a fixed taxonomy, and
// Result.Text holds the message shown to the caller.
package dispatch
