package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Cursor is an adapter-defined resumption token. The empty cursor means
// "start of scope".
type Cursor string

// Checkpoint is the durable resume point of a source for one run scope.
type Checkpoint struct {
	SourceID  string    `json:"source_id"`
	ScopeKey  string    `json:"scope_key"`
	Cursor    Cursor    `json:"cursor"`
	PagesDone int       `json:"pages_done"`
	JobID     string    `json:"job_id"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawItem is one as-fetched upstream item. NaturalID holds the immutable
// identifier fields; Fields holds business values where nil means null.
type RawItem struct {
	SourceID   string             `validate:"required"`
	Ref        string             `validate:"-"`
	NaturalID  map[string]string  `validate:"required,min=1,dive,keys,required,endkeys,required"`
	Fields     map[string]*string `validate:"-"`
	ObservedAt time.Time          `validate:"required"`
}

// Str returns a pointer to a trimmed copy of s, or nil when s is blank.
func Str(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ValidationError reports an item that does not satisfy the item schema.
type ValidationError struct {
	SourceID string
	Ref      string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	ref := e.Ref
	if ref == "" {
		ref = "<unknown>"
	}
	return fmt.Sprintf("invalid item %s from %s: %s %s", ref, e.SourceID, e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the item against its schema and returns a *ValidationError
// describing the first violation.
func (r *RawItem) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			SourceID: r.SourceID,
			Ref:      r.Ref,
			Field:    fe.Namespace(),
			Reason:   "failed " + fe.Tag(),
		}
	}
	return &ValidationError{SourceID: r.SourceID, Ref: r.Ref, Field: "item", Reason: err.Error()}
}
