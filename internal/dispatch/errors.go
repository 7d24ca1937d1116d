// ABOUTME: Invocation error taxonomy and the caller-facing messages for each kind
// ABOUTME: Every failed dispatch outcome is an *Error carried in a Result

package dispatch

import (
	"fmt"
)

// Kind classifies a failed invocation.
type Kind string

const (
	KindNotAuthenticated Kind = "NOT_AUTHENTICATED"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindToolNotFound     Kind = "TOOL_NOT_FOUND"
	KindInvalidArguments Kind = "INVALID_ARGUMENTS"
	KindExecutionFailure Kind = "EXECUTION_FAILURE"
)

// Error is a failed invocation.
type Error struct {
	Kind Kind
	Tool string
	// Used and Limit are set for KindQuotaExceeded.
	Used  int
	Limit int
	// Detail is the kind-specific explanation, e.g. the missing parameter.
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Tool, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Tool, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the text returned to the caller for this failure.
func (e *Error) Message() string {
	switch e.Kind {
	case KindNotAuthenticated:
		return "Error: Authentication required to execute tools. Please refresh token."
	case KindQuotaExceeded:
		return fmt.Sprintf("Error: Daily usage limit exceeded (%d/%d). Please contact admin.", e.Used, e.Limit)
	case KindToolNotFound:
		return fmt.Sprintf("Error: Unknown tool '%s'", e.Tool)
	case KindInvalidArguments:
		return "Error: Invalid arguments: " + e.Detail
	}
	return "Error: " + e.Detail
}

// Result is the outcome of one invocation.
type Result struct {
	Text string
	Err  *Error
}

// IsError reports whether the invocation failed.
func (r Result) IsError() bool { return r.Err != nil }

func success(text string) Result { return Result{Text: text} }

// failure builds a Result whose text is the error's standard message.
func failure(e *Error) Result { return Result{Text: e.Message(), Err: e} }
