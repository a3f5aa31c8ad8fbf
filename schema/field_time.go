package schema

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Layouts accepted when coercing strings into datetimes
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// TimeField holds datetimes (UTC, millisecond precision) or, for the date
// kind, calendar dates at midnight UTC.
type TimeField struct {
	base
	dateOnly bool
}

// DateTime creates a datetime field
func DateTime(name string, opts ...Option) *TimeField {
	return &TimeField{base: newBase(KindDateTime, name, opts)}
}

// Date creates a date field
func Date(name string, opts ...Option) *TimeField {
	return &TimeField{base: newBase(KindDate, name, opts), dateOnly: true}
}

func (f *TimeField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce accepts time.Time, BSON datetimes and ISO-8601 strings
func (f *TimeField) Coerce(raw interface{}) (interface{}, error) {
	var t time.Time
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t = v
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		t = *v
	case bson.DateTime:
		t = v.Time()
	case string:
		parsed, err := parseTime(v)
		if err != nil {
			return nil, f.errorf("cannot parse date value %q", v)
		}
		t = parsed
	default:
		return nil, f.errorf("cannot parse date value of type %T", raw)
	}
	return f.normalize(t), nil
}

func (f *TimeField) normalize(t time.Time) time.Time {
	t = t.UTC().Truncate(time.Millisecond)
	if f.dateOnly {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Validate checks the type and choices
func (f *TimeField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	t, ok := value.(time.Time)
	if !ok {
		return f.errorf("cannot parse date value of type %T", value)
	}
	return f.validateCommon(t)
}

// ToWire converts the value into a BSON datetime
func (f *TimeField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	return bson.NewDateTimeFromTime(v.(time.Time)), nil
}

// FromWire converts a stored datetime back into a UTC time
func (f *TimeField) FromWire(raw interface{}) (interface{}, error) {
	return f.Coerce(raw)
}

// PrepareQuery converts the operand into a BSON datetime
func (f *TimeField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// AutoValue returns now normalized to the field's precision
func (f *TimeField) AutoValue(now time.Time) interface{} {
	return f.normalize(now)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
