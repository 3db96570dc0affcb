package control

import "fmt"

// ExitError reports that the worker process has exited. It carries the
// process's own exit code unchanged. Exit returns it as the expected
// result of a shutdown, and every call after exit fails with it too; the
// channel is no longer usable.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// Error is the generic protocol failure: a diagnostic tag with no
// registered variant. Unmatched tags land here rather than crashing the
// controller.
type Error struct {
	Tag     string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "worker failure: " + e.Tag
	}
	return fmt.Sprintf("worker failure %s: %s", e.Tag, e.Message)
}

// FuncNotFoundError reports a call to a name the worker does not expose.
type FuncNotFoundError struct {
	Name string
}

func (e *FuncNotFoundError) Error() string {
	return fmt.Sprintf("worker has no function %q", e.Name)
}

// UnexpectedSenderError reports a notify frame whose correlation token did
// not match the channel's.
type UnexpectedSenderError struct {
	Expected string
	Received string
}

func (e *UnexpectedSenderError) Error() string {
	return fmt.Sprintf("worker expected sender %s, received %s", e.Expected, e.Received)
}

// UserError is a failure raised inside an invoked worker function. Line is
// remapped to be relative to the user's own script text.
type UserError struct {
	Message string
	What    string
	Extra   string
	File    string
	Line    int

	// incomplete records that the wire record was missing fields; the
	// boundary cannot tell a well-formed failure from a contrived lookalike.
	incomplete bool
}

func (e *UserError) Error() string {
	return fmt.Sprintf("worker script error: message=%q what=%q extra=%q file=%q line=%d",
		e.Message, e.What, e.Extra, e.File, e.Line)
}

// MainThreadRequiredError reports a call that the worker rejected because
// it was dispatched inside a synchronous notification handler. The
// original failure is preserved as the cause.
type MainThreadRequiredError struct {
	Cause *UserError
}

func (e *MainThreadRequiredError) Error() string {
	return "call rejected inside a synchronous dispatch; use CallMain, FuncMain, or FuncRawMain for this function"
}

func (e *MainThreadRequiredError) Unwrap() error { return e.Cause }
