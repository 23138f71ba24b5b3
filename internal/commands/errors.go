// Package commands implements the twelve command handlers of spec.md
// §4.3, the shared validate/backup/apply/restart/rollback template they
// are built from, and the ErrorKind taxonomy of §7. Grounded on the
// teacher's internal/telegram/command_handler.go per-command methods,
// restructured from a switch statement into a registry of Handler values
// so internal/controlplane's register(command_name, handler) contract
// (§4.1) has something uniform to dispatch to.
package commands

import "fmt"

// ErrorKind enumerates the taxonomy of spec.md §7. These are kinds, not
// Go types: every Error carries exactly one.
type ErrorKind string

const (
	KindDecodeError       ErrorKind = "DecodeError"
	KindUnknownCommand    ErrorKind = "UnknownCommand"
	KindMissingParam      ErrorKind = "MissingParam"
	KindInvalidParam      ErrorKind = "InvalidParam"
	KindNoPipeline        ErrorKind = "NoPipeline"
	KindAlreadyPaused     ErrorKind = "AlreadyPaused"
	KindNotPaused         ErrorKind = "NotPaused"
	KindAlreadyPresent    ErrorKind = "AlreadyPresent"
	KindNotPresent        ErrorKind = "NotPresent"
	KindWouldBeEmpty      ErrorKind = "WouldBeEmpty"
	KindRestartInProgress ErrorKind = "RestartInProgress"
	KindRestartFailed     ErrorKind = "RestartFailed"
	KindPublishFailed     ErrorKind = "PublishFailed"
)

// Error is the error type every handler returns; it carries a kind so
// internal/controlplane can report it on the CommandAck without string
// matching.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorKind satisfies the unexported interface internal/controlplane
// checks for when building an error ack.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

// newError constructs an *Error, the handlers' uniform way of failing.
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
