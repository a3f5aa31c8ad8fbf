package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arthur-debert/nanodoc/types"
)

// CLIError represents a user-friendly CLI error with context and suggestions
type CLIError struct {
	Operation   string   // The operation that failed (e.g., "describe", "find")
	Cause       string   // The underlying cause (e.g., "document not found")
	Details     string   // Additional technical details
	Suggestions []string // Helpful suggestions for the user
	Underlying  error    // Original error for debugging
}

// Error implements the error interface
func (e *CLIError) Error() string {
	var msg strings.Builder

	if e.Operation != "" {
		msg.WriteString(fmt.Sprintf("Failed to %s", e.Operation))
	} else {
		msg.WriteString("Operation failed")
	}

	if e.Cause != "" {
		msg.WriteString(fmt.Sprintf(": %s", e.Cause))
	}

	if e.Details != "" {
		msg.WriteString(fmt.Sprintf(" (%s)", e.Details))
	}

	if len(e.Suggestions) > 0 {
		msg.WriteString("\n\nSuggestions:")
		for i, suggestion := range e.Suggestions {
			msg.WriteString(fmt.Sprintf("\n  %d. %s", i+1, suggestion))
		}
	}

	return msg.String()
}

// Unwrap returns the underlying error for error chain compatibility
func (e *CLIError) Unwrap() error {
	return e.Underlying
}

// NewConfigError creates an error for configuration issues
func NewConfigError(operation, issue string, suggestions ...string) *CLIError {
	return &CLIError{
		Operation:   operation,
		Cause:       fmt.Sprintf("configuration error: %s", issue),
		Suggestions: suggestions,
	}
}

// NewSchemaNotFoundError creates an error for a schema missing from the
// schema file
func NewSchemaNotFoundError(operation, name string, available []string) *CLIError {
	suggestions := []string{"Run 'nanodoc schemas' to see the loaded schemas"}
	if len(available) > 0 {
		suggestions = append(suggestions, fmt.Sprintf("Available schemas: %s", strings.Join(available, ", ")))
	}
	return &CLIError{
		Operation:   operation,
		Cause:       fmt.Sprintf("unknown schema %q", name),
		Suggestions: suggestions,
	}
}

// NewFilterError creates an error for filters that cannot be parsed
func NewFilterError(operation, filter string, underlying error) *CLIError {
	return &CLIError{
		Operation: operation,
		Cause:     fmt.Sprintf("invalid filter %q", filter),
		Details:   underlying.Error(),
		Suggestions: []string{
			`Use a JSON object, e.g. --filter '{"age__gte": 18, "tags": "ops"}'`,
			"Operators are appended with a double underscore: ne, lt, lte, gt, gte, in, nin, exists, size, contains, startswith",
			CommonSuggestions.CheckFields,
		},
		Underlying: underlying,
	}
}

// WrapError wraps an existing error with CLI-friendly context. Library
// errors are classified by their sentinel.
func WrapError(operation string, err error, suggestions ...string) error {
	if err == nil {
		return nil
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		if cliErr.Operation == "" {
			cliErr.Operation = operation
		}
		return cliErr
	}

	cause := "operation failed"
	switch {
	case errors.Is(err, types.ErrConnection):
		cause = "could not reach the database"
		suggestions = append(suggestions, CommonSuggestions.CheckConfig, "Run 'nanodoc ping' to check the configured connections")
	case errors.Is(err, types.ErrSchema):
		cause = "invalid schema definition"
		suggestions = append(suggestions, CommonSuggestions.CheckSchemas)
	case errors.Is(err, types.ErrField):
		cause = "unknown or mistyped field"
		suggestions = append(suggestions, CommonSuggestions.CheckFields)
	case errors.Is(err, types.ErrValidation):
		cause = "invalid data provided"
	case errors.Is(err, types.ErrDoesNotExist):
		cause = "document not found"
	case errors.Is(err, types.ErrMultipleObjects):
		cause = "more than one document matched"
	case errors.Is(err, types.ErrNotUnique):
		cause = "a unique constraint was violated"
	case errors.Is(err, types.ErrOperation):
		cause = "the database rejected the operation"
	}

	return &CLIError{
		Operation:   operation,
		Cause:       cause,
		Details:     err.Error(),
		Suggestions: suggestions,
		Underlying:  err,
	}
}

// Common error messages and suggestions
var (
	CommonSuggestions = struct {
		CheckConfig  string
		CheckSchemas string
		CheckFields  string
		RunHelp      string
	}{
		CheckConfig:  "Check your configuration file or NANODOC_* environment variables",
		CheckSchemas: "Verify --schemas points to a valid schema file",
		CheckFields:  "Run 'nanodoc describe <schema>' to see the field names",
		RunHelp:      "Run command with --help for usage information",
	}
)
