package tool

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyName rejects a call with an empty tool name.
	ErrEmptyName = errors.New("tool name must be a non-empty string")

	// ErrUnknownTool rejects a call whose name matches no registered
	// toolset prefix.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrChildExited reports a child-process toolset whose process is
	// gone; every call after exit fails with it.
	ErrChildExited = errors.New("tool child process exited")
)

// Error is a structured toolset failure: which provider, doing what,
// and the underlying cause when there is one.
type Error struct {
	Toolset string
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Toolset, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Toolset, e.Action, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a structured toolset failure.
func NewError(toolset, action, message string, err error) *Error {
	return &Error{
		Toolset: toolset,
		Action:  action,
		Message: message,
		Err:     err,
	}
}
