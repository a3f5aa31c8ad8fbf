package schema

import (
	"fmt"
	"math"
)

// IntField holds 64-bit integers
type IntField struct {
	base
	min, max *int64
	err      error
}

// Int creates an integer field
func Int(name string, opts ...Option) *IntField {
	f := &IntField{base: newBase(KindInt, name, opts)}
	if f.opts.Min != nil {
		if v, ok := toInt64(f.opts.Min); ok {
			f.min = &v
		} else {
			f.err = fmt.Errorf("field %s: min %v is not an integer", name, f.opts.Min)
		}
	}
	if f.opts.Max != nil {
		if v, ok := toInt64(f.opts.Max); ok {
			f.max = &v
		} else {
			f.err = fmt.Errorf("field %s: max %v is not an integer", name, f.opts.Max)
		}
	}
	return f
}

func (f *IntField) check() error {
	if err := f.checkCommon(false, true, false); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	if f.min != nil && f.max != nil && *f.min > *f.max {
		return fmt.Errorf("field %s: min %d exceeds max %d", f.name, *f.min, *f.max)
	}
	return nil
}

// Coerce accepts any Go integer and integral floats
func (f *IntField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	v, ok := toInt64(raw)
	if !ok {
		return nil, f.errorf("%v could not be converted to int", raw)
	}
	return v, nil
}

// Validate enforces min/max and choices
func (f *IntField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	v, ok := value.(int64)
	if !ok {
		return f.errorf("%v could not be converted to int", value)
	}
	if f.min != nil && v < *f.min {
		return f.errorf("Integer value is too small (%d < %d)", v, *f.min)
	}
	if f.max != nil && v > *f.max {
		return f.errorf("Integer value is too large (%d > %d)", v, *f.max)
	}
	return f.validateCommon(v)
}

// ToWire returns the int64 value
func (f *IntField) ToWire(value interface{}) (interface{}, error) {
	return f.Coerce(value)
}

// FromWire accepts int32, int64 and integral doubles
func (f *IntField) FromWire(raw interface{}) (interface{}, error) {
	return f.Coerce(raw)
}

// PrepareQuery coerces the operand
func (f *IntField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// FloatField holds 64-bit floating point numbers
type FloatField struct {
	base
	min, max *float64
	err      error
}

// Float creates a floating point field
func Float(name string, opts ...Option) *FloatField {
	f := &FloatField{base: newBase(KindFloat, name, opts)}
	if f.opts.Min != nil {
		if v, ok := toFloat64(f.opts.Min); ok {
			f.min = &v
		} else {
			f.err = fmt.Errorf("field %s: min %v is not a number", name, f.opts.Min)
		}
	}
	if f.opts.Max != nil {
		if v, ok := toFloat64(f.opts.Max); ok {
			f.max = &v
		} else {
			f.err = fmt.Errorf("field %s: max %v is not a number", name, f.opts.Max)
		}
	}
	return f
}

func (f *FloatField) check() error {
	if err := f.checkCommon(false, true, false); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	if f.min != nil && f.max != nil && *f.min > *f.max {
		return fmt.Errorf("field %s: min %g exceeds max %g", f.name, *f.min, *f.max)
	}
	return nil
}

// Coerce accepts any Go number
func (f *FloatField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	v, ok := toFloat64(raw)
	if !ok {
		return nil, f.errorf("FloatField only accepts float and integer values, got %T", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, f.errorf("FloatField does not accept %v", v)
	}
	return v, nil
}

// Validate enforces min/max and choices
func (f *FloatField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	v, ok := value.(float64)
	if !ok {
		return f.errorf("FloatField only accepts float and integer values, got %T", value)
	}
	if f.min != nil && v < *f.min {
		return f.errorf("Float value is too small (%g < %g)", v, *f.min)
	}
	if f.max != nil && v > *f.max {
		return f.errorf("Float value is too large (%g > %g)", v, *f.max)
	}
	return f.validateCommon(v)
}

// ToWire returns the float64 value
func (f *FloatField) ToWire(value interface{}) (interface{}, error) {
	return f.Coerce(value)
}

// FromWire accepts any stored number
func (f *FloatField) FromWire(raw interface{}) (interface{}, error) {
	return f.Coerce(raw)
}

// PrepareQuery coerces the operand
func (f *FloatField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}
