// Package apperr defines the categorized errors surfaced by the graph and
// retrieval layers. Every error that crosses a package boundary carries one
// of the categories below so callers can branch on it with errors.Is and
// render it as {category, message, details}.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Category is a stable, machine-readable error class.
type Category string

const (
	// Validation marks malformed caller input, rejected before the store is touched.
	Validation Category = "VALIDATION_ERROR"

	// DocumentNotFound marks a referenced document id that does not exist.
	DocumentNotFound Category = "DOCUMENT_NOT_FOUND"

	// NodeNotFound marks a referenced knowledge node id that does not exist.
	NodeNotFound Category = "NODE_NOT_FOUND"

	// NoEntities marks a graph build over a scope with zero extracted entities.
	NoEntities Category = "NO_ENTITIES"

	// RetrievalLegFailed marks a lexical or vector search leg that failed.
	RetrievalLegFailed Category = "RETRIEVAL_LEG_FAILED"

	// StoreFailure marks an underlying relational store failure.
	StoreFailure Category = "STORE_ERROR"
)

// Error is a categorized error with optional details and cause.
type Error struct {
	Category Category
	Message  string
	Details  map[string]any
	Cause    error
}

// New returns an error of the given category.
func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Newf is New with fmt formatting.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes cause. A nil cause yields nil.
func Wrap(cat Category, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Category: cat, Message: msg, Cause: cause}
}

// Store wraps a store failure for operation op. Errors that already carry
// a category are returned unchanged.
func Store(cause error, op string) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{Category: StoreFailure, Message: op, Cause: cause}
}

// WithDetails attaches key/value context and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same category.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Category == e.Category
}

// MarshalJSON renders the structured {category, message, details} form.
// The cause is folded into the message rather than exposed as a chain.
func (e *Error) MarshalJSON() ([]byte, error) {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return json.Marshal(struct {
		Category Category       `json:"category"`
		Message  string         `json:"message"`
		Details  map[string]any `json:"details,omitempty"`
	}{e.Category, msg, e.Details})
}

// CategoryOf returns the category of the first *Error in err's chain, or
// the empty category when there is none.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// Is reports whether err carries category cat.
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}
