package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"time"

	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Field is a typed value descriptor. Implementations are immutable and pure:
// they transform values and report violations but never mutate records.
type Field interface {
	// Name is the attribute name used in code and lookups
	Name() string

	// DBName is the storage key
	DBName() string

	// Kind is the registry name of the field kind, e.g. "string"
	Kind() string

	// Options returns a copy of the shared field attributes
	Options() Options

	// Coerce converts a raw Go value into the field's value type. Coercing an
	// already coerced value returns an equal value.
	Coerce(raw interface{}) (interface{}, error)

	// Validate checks a coerced value against the field's constraints
	Validate(value interface{}) error

	// ToWire converts a coerced value into its stored primitive form
	ToWire(value interface{}) (interface{}, error)

	// FromWire converts a stored primitive into a coerced value
	FromWire(raw interface{}) (interface{}, error)

	// PrepareQuery converts a lookup operand for the given operator into its
	// wire form
	PrepareQuery(op string, value interface{}) (interface{}, error)
}

// AutoValuer is implemented by kinds that support auto-population
type AutoValuer interface {
	AutoValue(now time.Time) interface{}
}

// checker is implemented by built-in kinds to validate their configuration
// when a schema is built.
type checker interface {
	check() error
}

// base carries the attributes and behavior shared by every built-in kind
type base struct {
	name string
	kind string
	opts Options
}

func newBase(kind, name string, opts []Option) base {
	return base{name: name, kind: kind, opts: buildOptions(opts)}
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() string { return b.kind }

func (b *base) DBName() string {
	if b.opts.PrimaryKey {
		return types.IDKey
	}
	if b.opts.DBField != "" {
		return b.opts.DBField
	}
	return b.name
}

func (b *base) Options() Options {
	o := b.opts
	o.Choices = append([]interface{}(nil), b.opts.Choices...)
	o.UniqueWith = append([]string(nil), b.opts.UniqueWith...)
	return o
}

func (b *base) errorf(format string, args ...interface{}) *types.ValidationError {
	return types.NewValidationError(b.name, format, args...)
}

// validateCommon runs the choice and custom validator checks
func (b *base) validateCommon(value interface{}) error {
	if len(b.opts.Choices) > 0 && !containsValue(b.opts.Choices, value) {
		return b.errorf("value must be one of %v", b.opts.Choices)
	}
	if b.opts.Validator != nil {
		if err := b.opts.Validator(value); err != nil {
			return b.errorf("%v", err)
		}
	}
	return nil
}

// checkCommon rejects options that do not apply to the kind
func (b *base) checkCommon(allowLength, allowBounds, allowRegex bool) error {
	if !allowLength && (b.opts.MinLength != nil || b.opts.MaxLength != nil) {
		return fmt.Errorf("field %s: %s fields do not support length bounds", b.name, b.kind)
	}
	if b.opts.MinLength != nil && b.opts.MaxLength != nil && *b.opts.MinLength > *b.opts.MaxLength {
		return fmt.Errorf("field %s: min length %d exceeds max length %d", b.name, *b.opts.MinLength, *b.opts.MaxLength)
	}
	if !allowBounds && (b.opts.Min != nil || b.opts.Max != nil) {
		return fmt.Errorf("field %s: %s fields do not support min/max bounds", b.name, b.kind)
	}
	if !allowRegex && b.opts.Regex != nil {
		return fmt.Errorf("field %s: %s fields do not support regex", b.name, b.kind)
	}
	if b.kind != KindDecimal && (b.opts.MaxDigits != nil || b.opts.DecimalPlaces != nil) {
		return fmt.Errorf("field %s: only decimal fields support digit limits", b.name)
	}
	if b.opts.Auto != types.AutoNone {
		switch b.kind {
		case KindDateTime, KindDate, KindUUID, KindObjectID:
		default:
			return fmt.Errorf("field %s: %s fields do not support auto population", b.name, b.kind)
		}
	}
	return nil
}

// DefaultValue returns the configured default, calling a producer if one is
// set. The boolean is false when the field has no default.
func DefaultValue(f Field) (interface{}, bool) {
	d := f.Options().Default
	if d == nil {
		return nil, false
	}
	if fn, ok := d.(func() interface{}); ok {
		return fn(), true
	}
	return d, true
}

// prepareScalar is the PrepareQuery behavior of non-string kinds
func prepareScalar(f Field, op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		return nil, types.NewFieldError("", f.Name(), "operator %q is not supported by %s fields", op, f.Kind())
	}
	if value == nil {
		return nil, nil
	}
	v, err := f.Coerce(value)
	if err != nil {
		return nil, err
	}
	return f.ToWire(v)
}

var stringOperators = map[string]bool{
	"contains": true, "icontains": true,
	"startswith": true, "istartswith": true,
	"endswith": true, "iendswith": true,
	"iexact": true, "regex": true, "iregex": true,
	"wholeword": true, "iwholeword": true,
}

// IsStringOperator reports whether op compiles to a regular expression match
func IsStringOperator(op string) bool {
	return stringOperators[op]
}

// StringOperatorRegex builds the wire regex for a string operator
func StringOperatorRegex(op, value string) bson.Regex {
	quoted := regexp.QuoteMeta(value)
	var pattern, options string
	switch op {
	case "contains", "icontains":
		pattern = quoted
	case "startswith", "istartswith":
		pattern = "^" + quoted
	case "endswith", "iendswith":
		pattern = quoted + "$"
	case "iexact":
		pattern = "^" + quoted + "$"
	case "regex", "iregex":
		pattern = value
	case "wholeword", "iwholeword":
		pattern = `\b` + quoted + `\b`
	}
	if op == "iexact" || (len(op) > 1 && op[0] == 'i' && stringOperators[op[1:]]) {
		options = "i"
	}
	return bson.Regex{Pattern: pattern, Options: options}
}

func containsValue(choices []interface{}, value interface{}) bool {
	for _, c := range choices {
		if valuesEqual(c, value) {
			return true
		}
	}
	return false
}

// valuesEqual compares values, treating numbers of different Go types alike
func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		f := float64(n)
		return int64(f), f == math.Trunc(f) && !math.IsInf(f, 0)
	case float64:
		return int64(n), n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1<<63
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// sliceValues returns the elements of any slice or array value
func sliceValues(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case bson.A:
		return []interface{}(s), true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		// byte slices are binary values, not lists
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// SliceValues exposes the slice flattening used by list coercion so the
// query compiler treats operands the same way.
func SliceValues(v interface{}) ([]interface{}, bool) {
	return sliceValues(v)
}

// mapValues returns the entries of a string-keyed map or BSON document
func mapValues(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return map[string]interface{}(m), true
	case bson.D:
		out := make(map[string]interface{}, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
