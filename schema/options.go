package schema

import (
	"regexp"

	"github.com/arthur-debert/nanodoc/types"
)

// PrecisionPolicy decides what a decimal field does with values carrying more
// decimal places than it allows.
type PrecisionPolicy int

const (
	// PrecisionReject fails validation instead of losing precision
	PrecisionReject PrecisionPolicy = iota
	// PrecisionRound rounds half away from zero to the allowed places during coercion
	PrecisionRound
)

// String returns the string representation of the PrecisionPolicy
func (p PrecisionPolicy) String() string {
	switch p {
	case PrecisionReject:
		return "reject"
	case PrecisionRound:
		return "round"
	default:
		return "unknown"
	}
}

// Options holds the attributes shared by every field kind. Kinds read only
// the attributes that apply to them; Build rejects attributes that make no
// sense for a kind.
type Options struct {
	// DBField is the storage key; defaults to the field name
	DBField string

	// Required fields must hold a value when a record is validated
	Required bool

	// Default is either a value or a func() interface{} producer
	Default interface{}

	// Unique fields get a unique index and a pre-save uniqueness check.
	// UniqueWith names companion fields forming a compound unique key.
	Unique     bool
	UniqueWith []string

	// Choices restricts values to a fixed set
	Choices []interface{}

	// Validator runs after the kind's own checks
	Validator func(interface{}) error

	// Auto controls population during save
	Auto types.AutoMode

	// PrimaryKey stores the field as the document identity
	PrimaryKey bool

	// MinLength and MaxLength bound strings (runes), lists (elements) and
	// binary values (bytes)
	MinLength *int
	MaxLength *int

	// Regex must match string values
	Regex *regexp.Regexp

	// Min and Max bound numeric values
	Min interface{}
	Max interface{}

	// MaxDigits and DecimalPlaces bound decimal values
	MaxDigits     *int
	DecimalPlaces *int
	Precision     PrecisionPolicy

	// Help is free text surfaced through Describe
	Help string
}

// Option configures a field at construction time
type Option func(*Options)

// DBField sets the storage key
func DBField(name string) Option {
	return func(o *Options) { o.DBField = name }
}

// Required marks the field as mandatory
func Required() Option {
	return func(o *Options) { o.Required = true }
}

// Default sets a default value
func Default(v interface{}) Option {
	return func(o *Options) { o.Default = v }
}

// DefaultFunc sets a zero-argument default producer
func DefaultFunc(fn func() interface{}) Option {
	return func(o *Options) { o.Default = fn }
}

// Unique marks the field as unique, optionally together with other fields
func Unique(with ...string) Option {
	return func(o *Options) {
		o.Unique = true
		o.UniqueWith = append(o.UniqueWith, with...)
	}
}

// Choices restricts the allowed values
func Choices(values ...interface{}) Option {
	return func(o *Options) { o.Choices = append(o.Choices, values...) }
}

// Validator adds a custom validation function
func Validator(fn func(interface{}) error) Option {
	return func(o *Options) { o.Validator = fn }
}

// Auto sets the auto-population mode
func Auto(mode types.AutoMode) Option {
	return func(o *Options) { o.Auto = mode }
}

// PrimaryKey stores the field as the document identity
func PrimaryKey() Option {
	return func(o *Options) { o.PrimaryKey = true }
}

// MinLength sets the minimum length
func MinLength(n int) Option {
	return func(o *Options) { o.MinLength = &n }
}

// MaxLength sets the maximum length
func MaxLength(n int) Option {
	return func(o *Options) { o.MaxLength = &n }
}

// Regex sets the pattern string values must match. It panics if the
// pattern does not compile.
func Regex(pattern string) Option {
	re := regexp.MustCompile(pattern)
	return func(o *Options) { o.Regex = re }
}

// Min sets the lower numeric bound
func Min(v interface{}) Option {
	return func(o *Options) { o.Min = v }
}

// Max sets the upper numeric bound
func Max(v interface{}) Option {
	return func(o *Options) { o.Max = v }
}

// MaxDigits sets the maximum number of significant digits of a decimal
func MaxDigits(n int) Option {
	return func(o *Options) { o.MaxDigits = &n }
}

// DecimalPlaces sets the maximum number of decimal places of a decimal
func DecimalPlaces(n int) Option {
	return func(o *Options) { o.DecimalPlaces = &n }
}

// Precision sets the decimal precision policy
func Precision(p PrecisionPolicy) Option {
	return func(o *Options) { o.Precision = p }
}

// Help sets a description
func Help(text string) Option {
	return func(o *Options) { o.Help = text }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
