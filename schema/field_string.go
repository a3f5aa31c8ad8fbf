package schema

import (
	"fmt"
	"net/mail"
	"net/url"
	"unicode/utf8"

	"github.com/arthur-debert/nanodoc/types"
)

// StringField holds text values
type StringField struct {
	base
	format func(string) error
}

// String creates a string field
func String(name string, opts ...Option) *StringField {
	return &StringField{base: newBase(KindString, name, opts)}
}

// Email creates a string field whose values must be e-mail addresses
func Email(name string, opts ...Option) *StringField {
	f := &StringField{base: newBase(KindEmail, name, opts)}
	f.format = func(s string) error {
		addr, err := mail.ParseAddress(s)
		if err != nil || addr.Address != s {
			return fmt.Errorf("invalid email address: %s", s)
		}
		return nil
	}
	return f
}

// URL creates a string field whose values must be absolute URLs
func URL(name string, opts ...Option) *StringField {
	f := &StringField{base: newBase(KindURL, name, opts)}
	f.format = func(s string) error {
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid URL: %s", s)
		}
		return nil
	}
	return f
}

func (f *StringField) check() error {
	return f.checkCommon(true, false, true)
}

// Coerce checks the value is a string; it never stringifies other types
func (f *StringField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case *string:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	default:
		return nil, f.errorf("StringField only accepts string values, got %T", raw)
	}
}

// Validate enforces length bounds, regex, format and choices
func (f *StringField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return f.errorf("StringField only accepts string values, got %T", value)
	}
	n := utf8.RuneCountInString(s)
	if f.opts.MaxLength != nil && n > *f.opts.MaxLength {
		return f.errorf("String value is too long (%d > %d)", n, *f.opts.MaxLength)
	}
	if f.opts.MinLength != nil && n < *f.opts.MinLength {
		return f.errorf("String value is too short (%d < %d)", n, *f.opts.MinLength)
	}
	if f.opts.Regex != nil && !f.opts.Regex.MatchString(s) {
		return f.errorf("String value did not match validation regex")
	}
	if f.format != nil {
		if err := f.format(s); err != nil {
			return f.errorf("%v", err)
		}
	}
	return f.validateCommon(s)
}

// ToWire returns the string unchanged
func (f *StringField) ToWire(value interface{}) (interface{}, error) {
	return f.Coerce(value)
}

// FromWire returns the stored string
func (f *StringField) FromWire(raw interface{}) (interface{}, error) {
	return f.Coerce(raw)
}

// PrepareQuery builds regular expressions for string operators
func (f *StringField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		s, ok := value.(string)
		if !ok {
			return nil, types.NewFieldError("", f.name, "operator %q requires a string operand, got %T", op, value)
		}
		return StringOperatorRegex(op, s), nil
	}
	return prepareScalar(f, op, value)
}
