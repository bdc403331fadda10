// Package utils provides small shared helpers for the Mentat runtime.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the model's real encoding. The
// refiner deliberately budgets on EstimateTokens instead so its output
// is stable across encodings; the counter feeds throughput numbers.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Encodings are expensive to build, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model, falling back
// to cl100k_base when the model is unknown to tiktoken.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text under the model's encoding.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter was built for.
func (tc *TokenCounter) Model() string {
	if tc == nil {
		return ""
	}
	return tc.model
}

// EstimateTokens approximates token count as len/4. Context budgeting
// uses this estimate so refinement does not depend on an encoding.
func EstimateTokens(text string) int {
	return len(text) / 4
}
