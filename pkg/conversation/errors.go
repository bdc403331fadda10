package conversation

import "errors"

var (
	// ErrNotFound reports an unknown message id.
	ErrNotFound = errors.New("message not found")

	// ErrEmptyReply reports an assistant reply with neither content
	// nor tool calls.
	ErrEmptyReply = errors.New("empty assistant reply")

	// ErrValidation reports a structurally invalid mutation, such as
	// inserting a system message through Add.
	ErrValidation = errors.New("invalid message")
)
