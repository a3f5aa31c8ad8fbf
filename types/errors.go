package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel values for errors.Is checks against the error taxonomy.
var (
	ErrValidation      = errors.New("validation error")
	ErrField           = errors.New("field error")
	ErrDoesNotExist    = errors.New("document does not exist")
	ErrMultipleObjects = errors.New("multiple objects returned")
	ErrConnection      = errors.New("connection failure")
	ErrOperation       = errors.New("operation error")
	ErrNotUnique       = errors.New("unique constraint violated")
	ErrSchema          = errors.New("invalid schema")
)

// ValidationError reports field or document-level constraint violations.
// A document-level error carries the per-field errors in Errors, keyed by
// field name; nested documents and lists nest further ValidationErrors.
type ValidationError struct {
	Field   string           // field name or path, empty for document-level errors
	Message string           // human readable reason
	Errors  map[string]error // per-field errors for document-level errors
}

// NewValidationError creates a field-level validation error.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewDocumentValidationError groups per-field errors under one error.
// It returns nil when errs is empty so callers can return it directly.
func NewDocumentValidationError(name string, errs map[string]error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{
		Message: fmt.Sprintf("%s failed validation", name),
		Errors:  errs,
	}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		if e.Field == "" {
			return e.Message
		}
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}

	var msg strings.Builder
	msg.WriteString(e.Message)
	msg.WriteString(" (")
	for i, path := range e.Fields() {
		if i > 0 {
			msg.WriteString("; ")
		}
		msg.WriteString(path)
		msg.WriteString(": ")
		msg.WriteString(leafMessage(e.ErrorFor(path)))
	}
	msg.WriteString(")")
	return msg.String()
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Fields returns the sorted, flattened dotted paths of every violation.
func (e *ValidationError) Fields() []string {
	var paths []string
	e.collect("", &paths)
	sort.Strings(paths)
	return paths
}

func (e *ValidationError) collect(prefix string, paths *[]string) {
	if prefix == "" {
		prefix = e.Field
	}
	if len(e.Errors) == 0 {
		if prefix != "" {
			*paths = append(*paths, prefix)
		}
		return
	}
	for key, err := range e.Errors {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		var nested *ValidationError
		if errors.As(err, &nested) && len(nested.Errors) > 0 {
			nested.collect(path, paths)
			continue
		}
		*paths = append(*paths, path)
	}
}

// ErrorFor returns the error recorded for a dotted path, or nil.
func (e *ValidationError) ErrorFor(path string) error {
	if len(e.Errors) == 0 {
		if path == e.Field {
			return e
		}
		return nil
	}
	if e.Field != "" && strings.HasPrefix(path, e.Field+".") {
		if _, direct := e.Errors[path]; !direct {
			path = strings.TrimPrefix(path, e.Field+".")
		}
	}
	if err, ok := e.Errors[path]; ok {
		return err
	}
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		err, ok := e.Errors[path[:i]]
		if !ok {
			continue
		}
		var nested *ValidationError
		if errors.As(err, &nested) {
			return nested.ErrorFor(path[i+1:])
		}
		return nil
	}
	return nil
}

func leafMessage(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) && len(ve.Errors) == 0 {
		return ve.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FieldError reports a query or schema referencing an unknown or mistyped
// field. It is raised while compiling, never during execution.
type FieldError struct {
	Schema string
	Field  string
	Reason string
}

// NewFieldError creates a FieldError
func NewFieldError(schema, field, format string, args ...interface{}) *FieldError {
	return &FieldError{Schema: schema, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *FieldError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: field %q: %s", e.Schema, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrField) hold
func (e *FieldError) Is(target error) bool {
	return target == ErrField
}

// DoesNotExist is returned when a singleton fetch or reload matches nothing.
type DoesNotExist struct {
	Schema string
	Query  string
}

// Error implements the error interface
func (e *DoesNotExist) Error() string {
	if e.Query == "" {
		return fmt.Sprintf("%s matching query does not exist", e.Schema)
	}
	return fmt.Sprintf("%s matching query does not exist: %s", e.Schema, e.Query)
}

// Is makes errors.Is(err, ErrDoesNotExist) hold
func (e *DoesNotExist) Is(target error) bool {
	return target == ErrDoesNotExist
}

// MultipleObjectsReturned is returned when a singleton fetch matches more
// than one document.
type MultipleObjectsReturned struct {
	Schema string
	Count  int
}

// Error implements the error interface
func (e *MultipleObjectsReturned) Error() string {
	return fmt.Sprintf("%d %s items returned, instead of 1", e.Count, e.Schema)
}

// Is makes errors.Is(err, ErrMultipleObjects) hold
func (e *MultipleObjectsReturned) Is(target error) bool {
	return target == ErrMultipleObjects
}

// ConnectionFailure is returned when an alias cannot be resolved or its
// transport is unreachable.
type ConnectionFailure struct {
	Alias string
	Err   error
}

// Error implements the error interface
func (e *ConnectionFailure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %q is not registered", e.Alias)
	}
	return fmt.Sprintf("connection %q: %v", e.Alias, e.Err)
}

// Unwrap returns the underlying transport error
func (e *ConnectionFailure) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrConnection) hold
func (e *ConnectionFailure) Is(target error) bool {
	return target == ErrConnection
}

// OperationError reports an illegal lifecycle transition, an index conflict
// or an inconsistency detected by the compiler.
type OperationError struct {
	Op     string
	Reason string
	Err    error
}

// NewOperationError creates an OperationError
func NewOperationError(op, format string, args ...interface{}) *OperationError {
	return &OperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOperation) hold
func (e *OperationError) Is(target error) bool {
	return target == ErrOperation
}

// NotUniqueError is the OperationError raised when a save would violate a
// unique field or unique index.
type NotUniqueError struct {
	Collection string
	Fields     []string
}

// Error implements the error interface
func (e *NotUniqueError) Error() string {
	return fmt.Sprintf("tried to save duplicate unique keys (%s) in %s",
		strings.Join(e.Fields, ", "), e.Collection)
}

// Is makes errors.Is hold for both ErrNotUnique and ErrOperation
func (e *NotUniqueError) Is(target error) bool {
	return target == ErrNotUnique || target == ErrOperation
}

// SchemaError reports an invalid schema definition or an attempt to
// instantiate an abstract schema.
type SchemaError struct {
	Schema string
	Reason string
}

// NewSchemaError creates a SchemaError
func NewSchemaError(schema, format string, args ...interface{}) *SchemaError {
	return &SchemaError{Schema: schema, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
}

// Is makes errors.Is(err, ErrSchema) hold
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}
