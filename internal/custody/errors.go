package custody

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"custody-tracker/internal/models"
)

// Sentinel errors surfaced to callers. Wrap them with fmt.Errorf("...: %w").
var (
	ErrNotFound            = errors.New("not found")
	ErrForbiddenTransition = errors.New("forbidden")
	ErrInvalidSequence     = errors.New("invalid sequence")
	ErrTerminalState       = errors.New("terminal state")
	ErrValidationFailed    = errors.New("validation failed")
	ErrItemsOutstanding    = errors.New("items outstanding")
	ErrConflict            = errors.New("conflict")
)

// ValidationError carries per-field messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s (%s)", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// Invalid builds a ValidationError for a single field.
func Invalid(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

// OutstandingItem names a batch member that blocks a close.
type OutstandingItem struct {
	JobCode string        `json:"job_code"`
	Status  models.Status `json:"status"`
}

// ItemsOutstandingError lists the members that have not come back to the shop.
type ItemsOutstandingError struct {
	BatchCode string
	Items     []OutstandingItem
}

func (e *ItemsOutstandingError) Error() string {
	codes := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		codes = append(codes, fmt.Sprintf("%s (%s)", it.JobCode, it.Status))
	}
	return fmt.Sprintf("batch %s: %d item(s) outstanding: %s", e.BatchCode, len(e.Items), strings.Join(codes, ", "))
}

func (e *ItemsOutstandingError) Unwrap() error { return ErrItemsOutstanding }

// NotFound wraps ErrNotFound with the kind and reference that missed.
func NotFound(kind, ref string) error {
	return fmt.Errorf("%s %s: %w", kind, ref, ErrNotFound)
}

// Kind names the taxonomy entry err belongs to, or "internal".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbiddenTransition):
		return "forbidden"
	case errors.Is(err, ErrInvalidSequence):
		return "invalid_sequence"
	case errors.Is(err, ErrTerminalState):
		return "terminal_state"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrItemsOutstanding):
		return "items_outstanding"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}
