package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ListField holds an ordered list of values of one inner kind
type ListField struct {
	base
	inner Field
}

// List creates a list field. The inner field's name is not used.
func List(name string, inner Field, opts ...Option) *ListField {
	return &ListField{base: newBase(KindList, name, opts), inner: inner}
}

// Inner returns the element field
func (f *ListField) Inner() Field { return f.inner }

func (f *ListField) check() error {
	if f.inner == nil {
		return fmt.Errorf("field %s: list fields need an inner field", f.name)
	}
	if f.opts.PrimaryKey {
		return fmt.Errorf("field %s: list fields cannot be primary keys", f.name)
	}
	if c, ok := f.inner.(checker); ok {
		if err := c.check(); err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}
	}
	return f.checkCommon(true, false, false)
}

// Coerce maps the inner coercion over the elements and fails on the first
// element that cannot be converted.
func (f *ListField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := sliceValues(raw)
	if !ok {
		return nil, f.errorf("Only lists and tuples may be used in a list field, got %T", raw)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		v, err := f.inner.Coerce(item)
		if err != nil {
			return nil, &types.ValidationError{
				Field:   f.name,
				Message: fmt.Sprintf("Invalid ListField item (%d)", i),
				Errors:  map[string]error{strconv.Itoa(i): err},
			}
		}
		out[i] = v
	}
	return out, nil
}

// Validate checks length bounds and validates every element, collecting
// all element errors by index.
func (f *ListField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	items, ok := value.([]interface{})
	if !ok {
		return f.errorf("Only lists and tuples may be used in a list field, got %T", value)
	}
	if f.opts.MaxLength != nil && len(items) > *f.opts.MaxLength {
		return f.errorf("List is too long (%d > %d)", len(items), *f.opts.MaxLength)
	}
	if f.opts.MinLength != nil && len(items) < *f.opts.MinLength {
		return f.errorf("List is too short (%d < %d)", len(items), *f.opts.MinLength)
	}
	errs := make(map[string]error)
	for i, item := range items {
		if item == nil {
			continue
		}
		if err := f.inner.Validate(item); err != nil {
			errs[strconv.Itoa(i)] = err
			continue
		}
		if len(f.opts.Choices) > 0 && !containsValue(f.opts.Choices, item) {
			errs[strconv.Itoa(i)] = f.errorf("value must be one of %v", f.opts.Choices)
		}
	}
	if len(errs) > 0 {
		return &types.ValidationError{Field: f.name, Message: "Invalid ListField items", Errors: errs}
	}
	if f.opts.Validator != nil {
		if err := f.opts.Validator(items); err != nil {
			return f.errorf("%v", err)
		}
	}
	return nil
}

// ToWire converts every element into a BSON array
func (f *ListField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	items := v.([]interface{})
	out := make(bson.A, len(items))
	for i, item := range items {
		w, err := f.inner.ToWire(item)
		if err != nil {
			return nil, err
		}
		out[i] = w
	}
	return out, nil
}

// FromWire converts a stored array element by element
func (f *ListField) FromWire(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := sliceValues(raw)
	if !ok {
		return nil, f.errorf("stored value is not an array: %T", raw)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		v, err := f.inner.FromWire(item)
		if err != nil {
			return nil, &types.ValidationError{
				Field:   f.name,
				Message: fmt.Sprintf("Invalid stored item (%d)", i),
				Errors:  map[string]error{strconv.Itoa(i): err},
			}
		}
		out[i] = v
	}
	return out, nil
}

// PrepareQuery compares whole lists for exact and ne with a list operand and
// otherwise prepares the operand as a single element.
func (f *ListField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if _, isList := sliceValues(value); isList && (op == "" || op == "exact" || op == "ne") {
		return f.ToWire(value)
	}
	return f.inner.PrepareQuery(op, value)
}

// MapField holds a string-keyed map. With an inner field every value is
// coerced by it; without one values are stored as given.
type MapField struct {
	base
	inner Field
}

// Map creates a map field; inner may be nil
func Map(name string, inner Field, opts ...Option) *MapField {
	return &MapField{base: newBase(KindMap, name, opts), inner: inner}
}

// Inner returns the value field, or nil for untyped maps
func (f *MapField) Inner() Field { return f.inner }

func (f *MapField) check() error {
	if f.opts.PrimaryKey {
		return fmt.Errorf("field %s: map fields cannot be primary keys", f.name)
	}
	if c, ok := f.inner.(checker); ok {
		if err := c.check(); err != nil {
			return fmt.Errorf("field %s: %w", f.name, err)
		}
	}
	return f.checkCommon(false, false, false)
}

func (f *MapField) checkKey(key string) error {
	if key == "" {
		return f.errorf("Invalid dictionary key: empty keys are not allowed")
	}
	if strings.HasPrefix(key, "$") {
		return f.errorf("Invalid dictionary key name %q: keys cannot start with '$'", key)
	}
	if strings.Contains(key, ".") {
		return f.errorf("Invalid dictionary key name %q: keys cannot contain '.'", key)
	}
	return nil
}

// Coerce accepts maps and BSON documents
func (f *MapField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := mapValues(raw)
	if !ok {
		return nil, f.errorf("Only dictionaries may be used in a DictField, got %T", raw)
	}
	out := make(map[string]interface{}, len(m))
	for _, key := range sortedKeys(m) {
		if err := f.checkKey(key); err != nil {
			return nil, err
		}
		v := m[key]
		if f.inner != nil {
			c, err := f.inner.Coerce(v)
			if err != nil {
				return nil, &types.ValidationError{
					Field:   f.name,
					Message: fmt.Sprintf("Invalid DictField value (%s)", key),
					Errors:  map[string]error{key: err},
				}
			}
			v = c
		}
		out[key] = v
	}
	return out, nil
}

// Validate validates every value, collecting errors by key
func (f *MapField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	m, ok := value.(map[string]interface{})
	if !ok {
		return f.errorf("Only dictionaries may be used in a DictField, got %T", value)
	}
	errs := make(map[string]error)
	for key, v := range m {
		if err := f.checkKey(key); err != nil {
			errs[key] = err
			continue
		}
		if f.inner != nil && v != nil {
			if err := f.inner.Validate(v); err != nil {
				errs[key] = err
			}
		}
	}
	if len(errs) > 0 {
		return &types.ValidationError{Field: f.name, Message: "Invalid DictField values", Errors: errs}
	}
	return f.validateCommon(m)
}

// ToWire stores the map as a document with sorted keys
func (f *MapField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	m := v.(map[string]interface{})
	out := make(bson.D, 0, len(m))
	for _, key := range sortedKeys(m) {
		w := m[key]
		if f.inner != nil {
			if w, err = f.inner.ToWire(w); err != nil {
				return nil, err
			}
		}
		out = append(out, bson.E{Key: key, Value: w})
	}
	return out, nil
}

// FromWire converts a stored document back into a map
func (f *MapField) FromWire(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := mapValues(raw)
	if !ok {
		return nil, f.errorf("stored value is not a document: %T", raw)
	}
	out := make(map[string]interface{}, len(m))
	for key, v := range m {
		if f.inner != nil {
			c, err := f.inner.FromWire(v)
			if err != nil {
				return nil, &types.ValidationError{
					Field:   f.name,
					Message: fmt.Sprintf("Invalid stored value (%s)", key),
					Errors:  map[string]error{key: err},
				}
			}
			v = c
		}
		out[key] = v
	}
	return out, nil
}

// PrepareQuery converts a whole-map operand into its stored form
func (f *MapField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		return nil, types.NewFieldError("", f.name, "operator %q is not supported by map fields", op)
	}
	if _, ok := mapValues(value); ok {
		return f.ToWire(value)
	}
	return value, nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
