package fault

import (
	"errors"
	"fmt"
)

// Code classifies a failure so callers can pick a continuation policy
// without matching on message text.
type Code string

const (
	LocatorMissing      Code = "LocatorMissing"
	ElementNotFound     Code = "ElementNotFound"
	NoActiveTab         Code = "NoActiveTab"
	StorageError        Code = "StorageError"
	LlmDisabled         Code = "LlmDisabled"
	LlmUnauthorized     Code = "LlmUnauthorized"
	MalformedLlmOutput  Code = "MalformedLlmOutput"
	UnsupportedStepType Code = "UnsupportedStepType"
	NotFound            Code = "NotFound"
	RecordingActive     Code = "RecordingActive"
	NotRecording        Code = "NotRecording"
	ScriptDenied        Code = "ScriptDenied"
	ExecutionError      Code = "ExecutionError"
)

// Error is a classified failure. Message is meant for the person who
// invoked the action.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost classified error in the chain,
// or "" when err is unclassified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Err
	}
	return false
}
