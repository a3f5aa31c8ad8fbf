package schema

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// BoolField holds booleans
type BoolField struct {
	base
}

// Bool creates a boolean field
func Bool(name string, opts ...Option) *BoolField {
	return &BoolField{base: newBase(KindBool, name, opts)}
}

func (f *BoolField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce accepts bool values only
func (f *BoolField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bool:
		return v, nil
	case *bool:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	default:
		return nil, f.errorf("BooleanField only accepts boolean values, got %T", raw)
	}
}

// Validate checks the type and choices
func (f *BoolField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	if _, ok := value.(bool); !ok {
		return f.errorf("BooleanField only accepts boolean values, got %T", value)
	}
	return f.validateCommon(value)
}

// ToWire returns the bool unchanged
func (f *BoolField) ToWire(value interface{}) (interface{}, error) { return f.Coerce(value) }

// FromWire returns the stored bool
func (f *BoolField) FromWire(raw interface{}) (interface{}, error) { return f.Coerce(raw) }

// PrepareQuery coerces the operand
func (f *BoolField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// BinaryField holds raw bytes, stored as generic binary
type BinaryField struct {
	base
}

// Binary creates a binary field. MaxLength bounds the byte count.
func Binary(name string, opts ...Option) *BinaryField {
	return &BinaryField{base: newBase(KindBinary, name, opts)}
}

func (f *BinaryField) check() error {
	return f.checkCommon(true, false, false)
}

// Coerce accepts byte slices and BSON binaries; the result is a copy
func (f *BinaryField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		return append([]byte{}, v...), nil
	case bson.Binary:
		return append([]byte{}, v.Data...), nil
	default:
		return nil, f.errorf("BinaryField only accepts bytes, got %T", raw)
	}
}

// Validate enforces byte length bounds
func (f *BinaryField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return f.errorf("BinaryField only accepts bytes, got %T", value)
	}
	if f.opts.MaxLength != nil && len(b) > *f.opts.MaxLength {
		return f.errorf("Binary value is too long (%d > %d bytes)", len(b), *f.opts.MaxLength)
	}
	if f.opts.MinLength != nil && len(b) < *f.opts.MinLength {
		return f.errorf("Binary value is too short (%d < %d bytes)", len(b), *f.opts.MinLength)
	}
	if len(f.opts.Choices) > 0 {
		found := false
		for _, c := range f.opts.Choices {
			if cb, ok := c.([]byte); ok && bytes.Equal(cb, b) {
				found = true
				break
			}
		}
		if !found {
			return f.errorf("value must be one of the allowed choices")
		}
	}
	if f.opts.Validator != nil {
		if err := f.opts.Validator(b); err != nil {
			return f.errorf("%v", err)
		}
	}
	return nil
}

// ToWire wraps the bytes in a generic BSON binary
func (f *BinaryField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	return bson.Binary{Subtype: bson.TypeBinaryGeneric, Data: v.([]byte)}, nil
}

// FromWire unwraps a stored binary
func (f *BinaryField) FromWire(raw interface{}) (interface{}, error) { return f.Coerce(raw) }

// PrepareQuery converts the operand into a BSON binary
func (f *BinaryField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// ObjectIDField holds BSON object ids
type ObjectIDField struct {
	base
}

// ObjectID creates an object id field
func ObjectID(name string, opts ...Option) *ObjectIDField {
	return &ObjectIDField{base: newBase(KindObjectID, name, opts)}
}

func (f *ObjectIDField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce accepts object ids and their 24-character hex form
func (f *ObjectIDField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case bson.ObjectID:
		return v, nil
	case *bson.ObjectID:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case string:
		id, err := bson.ObjectIDFromHex(v)
		if err != nil {
			return nil, f.errorf("%q is not a valid ObjectId, it must be a 12-byte input or a 24-character hex string", v)
		}
		return id, nil
	default:
		return nil, f.errorf("%v is not a valid ObjectId", raw)
	}
}

// Validate checks the type and choices
func (f *ObjectIDField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	if _, ok := value.(bson.ObjectID); !ok {
		return f.errorf("%v is not a valid ObjectId", value)
	}
	return f.validateCommon(value)
}

// ToWire returns the object id
func (f *ObjectIDField) ToWire(value interface{}) (interface{}, error) { return f.Coerce(value) }

// FromWire returns the stored object id
func (f *ObjectIDField) FromWire(raw interface{}) (interface{}, error) { return f.Coerce(raw) }

// PrepareQuery converts hex strings into object ids
func (f *ObjectIDField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// AutoValue generates a new object id
func (f *ObjectIDField) AutoValue(now time.Time) interface{} {
	return bson.NewObjectIDFromTimestamp(now)
}

// UUIDField holds UUIDs, stored as binary subtype 4
type UUIDField struct {
	base
}

// UUID creates a uuid field
func UUID(name string, opts ...Option) *UUIDField {
	return &UUIDField{base: newBase(KindUUID, name, opts)}
}

func (f *UUIDField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce accepts uuid.UUID, canonical strings and 16-byte binaries
func (f *UUIDField) Coerce(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case uuid.UUID:
		return v, nil
	case *uuid.UUID:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return nil, f.errorf("Could not convert to UUID: %v", err)
		}
		return u, nil
	case [16]byte:
		return uuid.UUID(v), nil
	case []byte:
		u, err := uuid.FromBytes(v)
		if err != nil {
			return nil, f.errorf("Could not convert to UUID: %v", err)
		}
		return u, nil
	case bson.Binary:
		if v.Subtype != bson.TypeBinaryUUID && v.Subtype != bson.TypeBinaryUUIDOld {
			return nil, f.errorf("binary subtype %#x is not a UUID", v.Subtype)
		}
		u, err := uuid.FromBytes(v.Data)
		if err != nil {
			return nil, f.errorf("Could not convert to UUID: %v", err)
		}
		return u, nil
	default:
		return nil, f.errorf("Could not convert %T to UUID", raw)
	}
}

// Validate checks the type and choices
func (f *UUIDField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	if _, ok := value.(uuid.UUID); !ok {
		return f.errorf("Could not convert %T to UUID", value)
	}
	return f.validateCommon(value)
}

// ToWire stores the UUID as binary subtype 4
func (f *UUIDField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	u := v.(uuid.UUID)
	return bson.Binary{Subtype: bson.TypeBinaryUUID, Data: u[:]}, nil
}

// FromWire decodes a stored binary UUID
func (f *UUIDField) FromWire(raw interface{}) (interface{}, error) { return f.Coerce(raw) }

// PrepareQuery converts the operand into its binary form
func (f *UUIDField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	return prepareScalar(f, op, value)
}

// AutoValue generates a random UUID
func (f *UUIDField) AutoValue(time.Time) interface{} {
	return uuid.New()
}

// DynamicField holds any value the wire format can represent. Values are
// stored as given.
type DynamicField struct {
	base
}

// Dynamic creates an untyped field
func Dynamic(name string, opts ...Option) *DynamicField {
	return &DynamicField{base: newBase(KindDynamic, name, opts)}
}

func (f *DynamicField) check() error {
	return f.checkCommon(false, false, false)
}

// Coerce returns the value unchanged
func (f *DynamicField) Coerce(raw interface{}) (interface{}, error) { return raw, nil }

// Validate runs choices and the custom validator
func (f *DynamicField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	return f.validateCommon(value)
}

// ToWire returns the value unchanged
func (f *DynamicField) ToWire(value interface{}) (interface{}, error) { return value, nil }

// FromWire returns the stored value unchanged
func (f *DynamicField) FromWire(raw interface{}) (interface{}, error) { return raw, nil }

// PrepareQuery turns string operators into regexes and passes other
// operands through
func (f *DynamicField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		if s, ok := value.(string); ok {
			return StringOperatorRegex(op, s), nil
		}
	}
	return value, nil
}
