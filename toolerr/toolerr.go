// Package toolerr holds the error taxonomy shared by every tool handler.
// Errors carry a Code, the same way connect errors do, and are translated
// into envelopes at the dispatcher boundary.
package toolerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidNetwork   Code = "invalid_network"
	CodeInvalidFormat    Code = "invalid_format"
	CodeInvalidRange     Code = "invalid_range"
	CodeUnknownTool      Code = "unknown_tool"
	CodeLibraryOperation Code = "library_operation"
)

func (c Code) String() string { return string(c) }

type Error struct {
	code Code
	err  error
}

func NewError(code Code, err error) *Error {
	return &Error{code: code, err: err}
}

func (e *Error) Code() Code { return e.code }

func (e *Error) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// CodeOf returns the code attached to err, or CodeLibraryOperation for
// errors that never passed through this package. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr.code
	}

	return CodeLibraryOperation
}

// Message is the text shown to callers. The wrapped library message is
// passed through verbatim.
func Message(err error) string {
	if err == nil || err.Error() == "" {
		return "Unknown error"
	}
	return err.Error()
}

func Format(format string, args ...any) error {
	return NewError(CodeInvalidFormat, fmt.Errorf(format, args...))
}

func Range(format string, args ...any) error {
	return NewError(CodeInvalidRange, fmt.Errorf(format, args...))
}

func Network(format string, args ...any) error {
	return NewError(CodeInvalidNetwork, fmt.Errorf(format, args...))
}

// Library marks err as a failure reported by the bitcoin libraries.
func Library(err error) error {
	if err == nil {
		return nil
	}

	var toolErr *Error
	if errors.As(err, &toolErr) {
		return err
	}

	return NewError(CodeLibraryOperation, err)
}
