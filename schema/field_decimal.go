package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// DecimalField holds exact decimal numbers, stored as Decimal128
type DecimalField struct {
	base
	min, max *decimal.Decimal
	err      error
}

// Decimal creates a decimal field
func Decimal(name string, opts ...Option) *DecimalField {
	f := &DecimalField{base: newBase(KindDecimal, name, opts)}
	if f.opts.Min != nil {
		if v, err := toDecimal(f.opts.Min); err == nil {
			f.min = &v
		} else {
			f.err = fmt.Errorf("field %s: min %v is not a decimal", name, f.opts.Min)
		}
	}
	if f.opts.Max != nil {
		if v, err := toDecimal(f.opts.Max); err == nil {
			f.max = &v
		} else {
			f.err = fmt.Errorf("field %s: max %v is not a decimal", name, f.opts.Max)
		}
	}
	return f
}

func (f *DecimalField) check() error {
	if err := f.checkCommon(false, true, false); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	if f.min != nil && f.max != nil && f.min.GreaterThan(*f.max) {
		return fmt.Errorf("field %s: min %s exceeds max %s", f.name, f.min, f.max)
	}
	if f.opts.MaxDigits != nil && *f.opts.MaxDigits <= 0 {
		return fmt.Errorf("field %s: max digits must be positive", f.name)
	}
	if f.opts.DecimalPlaces != nil && *f.opts.DecimalPlaces < 0 {
		return fmt.Errorf("field %s: decimal places cannot be negative", f.name)
	}
	if f.opts.MaxDigits != nil && f.opts.DecimalPlaces != nil && *f.opts.DecimalPlaces > *f.opts.MaxDigits {
		return fmt.Errorf("field %s: decimal places exceed max digits", f.name)
	}
	return nil
}

// Coerce accepts decimals, numbers and numeric strings. With the round
// policy, values are rounded to the allowed decimal places here.
func (f *DecimalField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := toDecimal(raw)
	if err != nil {
		return nil, f.errorf("Could not convert value to decimal: %v", err)
	}
	if f.opts.Precision == PrecisionRound && f.opts.DecimalPlaces != nil {
		d = d.Round(int32(*f.opts.DecimalPlaces))
	}
	return d, nil
}

// Validate enforces bounds, digit limits and choices
func (f *DecimalField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	d, ok := value.(decimal.Decimal)
	if !ok {
		return f.errorf("DecimalField only accepts decimal values, got %T", value)
	}
	if f.min != nil && d.LessThan(*f.min) {
		return f.errorf("Decimal value is too small (%s < %s)", d, f.min)
	}
	if f.max != nil && d.GreaterThan(*f.max) {
		return f.errorf("Decimal value is too large (%s > %s)", d, f.max)
	}
	digits, places := decimalShape(d)
	if f.opts.DecimalPlaces != nil && places > *f.opts.DecimalPlaces {
		return f.errorf("Decimal value has %d decimal places, at most %d allowed", places, *f.opts.DecimalPlaces)
	}
	if f.opts.MaxDigits != nil && digits > *f.opts.MaxDigits {
		return f.errorf("Decimal value has %d digits, at most %d allowed", digits, *f.opts.MaxDigits)
	}
	return f.validateCommon(d)
}

// ToWire converts the value to Decimal128
func (f *DecimalField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	d128, err := bson.ParseDecimal128(v.(decimal.Decimal).String())
	if err != nil {
		return nil, f.errorf("value %s does not fit Decimal128: %v", v, err)
	}
	return d128, nil
}

// FromWire accepts Decimal128 as well as legacy string and double storage
func (f *DecimalField) FromWire(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := toDecimal(raw)
	if err != nil {
		return nil, f.errorf("Could not convert stored value to decimal: %v", err)
	}
	return d, nil
}

// PrepareQuery coerces the operand into Decimal128
func (f *DecimalField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

func toDecimal(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Decimal{}, fmt.Errorf("nil decimal")
		}
		return *v, nil
	case bson.Decimal128:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case json.Number:
		return decimal.NewFromString(v.String())
	case float32:
		return floatDecimal(float64(v))
	case float64:
		return floatDecimal(v)
	}
	if n, ok := toInt64(raw); ok {
		return decimal.NewFromInt(n), nil
	}
	if n, ok := raw.(uint64); ok {
		return decimal.NewFromString(fmt.Sprintf("%d", n))
	}
	return decimal.Decimal{}, fmt.Errorf("unsupported type %T", raw)
}

func floatDecimal(v float64) (decimal.Decimal, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Decimal{}, fmt.Errorf("%v is not a finite number", v)
	}
	return decimal.NewFromFloat(v), nil
}

// decimalShape returns the significant digit count and the decimal places
// of d, ignoring trailing fractional zeros.
func decimalShape(d decimal.Decimal) (digits, places int) {
	s := strings.TrimPrefix(d.Abs().String(), "-")
	intPart, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" && frac != "" {
		// leading zeros of a pure fraction are not significant
		return len(strings.TrimLeft(frac, "0")), len(frac)
	}
	return len(intPart) + len(frac), len(frac)
}
