// Package memory shapes the conversation log into the view sent to
// the model: pair-integrity refinement under a token budget, plus a
// temporal side store holding the full text of trimmed tool results.
package memory

import (
	"github.com/mentatlabs/mentat/pkg/conversation"
)

// Strategy produces the refined view the model sees next. Refine never
// mutates the input log; the returned slice is a fresh value.
type Strategy interface {
	Name() string
	Refine(log []conversation.Message) []conversation.Message
}

// NilStrategy passes the log through untouched.
type NilStrategy struct{}

func (NilStrategy) Name() string {
	return "none"
}

func (NilStrategy) Refine(log []conversation.Message) []conversation.Message {
	return conversation.CopyAll(log)
}

var _ Strategy = NilStrategy{}
