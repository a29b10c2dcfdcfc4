// Package extraction defines the contract with the external concept
// extraction service and ships a Gemini REST client for it.
package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinical-coding/platform/internal/terminology"
)

// Modifier is a contextual qualifier attached to a concept mention.
type Modifier string

const (
	Negated       Modifier = "negated"
	FamilyHistory Modifier = "family_history"
	Suspected     Modifier = "suspected"
	PastHistory   Modifier = "past_history"
)

// AllModifiers lists the modifiers in their reporting order.
var AllModifiers = []Modifier{Negated, FamilyHistory, Suspected, PastHistory}

// Modifiers holds the contextual qualifiers of one mention.
type Modifiers struct {
	Negated       bool `json:"negated"`
	FamilyHistory bool `json:"family_history"`
	Suspected     bool `json:"suspected"`
	PastHistory   bool `json:"past_history"`
}

// Get returns the value of m.
func (m Modifiers) Get(mod Modifier) bool {
	switch mod {
	case Negated:
		return m.Negated
	case FamilyHistory:
		return m.FamilyHistory
	case Suspected:
		return m.Suspected
	case PastHistory:
		return m.PastHistory
	default:
		return false
	}
}

// Candidate is one concept proposed by a single extraction pass. Code is
// optional and unverified. Candidates are never mutated after extraction.
type Candidate struct {
	Term      string                `json:"term"`
	Hierarchy terminology.Hierarchy `json:"hierarchy"`
	Code      string                `json:"code,omitempty"`
	Modifiers Modifiers             `json:"modifiers"`
}

// Result is the output of one extraction call.
type Result struct {
	Candidates   []Candidate `json:"candidates"`
	ActualCost   float64     `json:"actual_cost"`
	Model        string      `json:"model,omitempty"`
	InputTokens  int         `json:"input_tokens,omitempty"`
	OutputTokens int         `json:"output_tokens,omitempty"`
}

// Extractor turns clinical text into candidate concepts. Failures are
// reported as *TransientError or *PermanentError.
type Extractor interface {
	Extract(ctx context.Context, text string) (*Result, error)
}

// TransientError is a failure that may succeed on retry: rate limiting,
// server errors, network faults, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient extraction failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that must not be retried: rejected requests,
// unparseable responses, blocked content.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent extraction failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried. Context deadline
// errors count as transient; cancellation does not.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}
