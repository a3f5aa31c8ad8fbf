package schema

import (
	"fmt"

	"github.com/arthur-debert/nanodoc/types"
)

// EmbeddedField holds a nested record of an embedded schema
type EmbeddedField struct {
	base
	schema *Schema
}

// Embedded creates a field holding a record of the given embedded schema
func Embedded(name string, s *Schema, opts ...Option) *EmbeddedField {
	return &EmbeddedField{base: newBase(KindEmbedded, name, opts), schema: s}
}

// Schema returns the embedded schema
func (f *EmbeddedField) Schema() *Schema { return f.schema }

func (f *EmbeddedField) check() error {
	if f.schema == nil {
		return fmt.Errorf("field %s: embedded fields need a schema", f.name)
	}
	if !f.schema.IsEmbedded() {
		return fmt.Errorf("field %s: schema %s is not an embedded schema", f.name, f.schema.Name())
	}
	if f.opts.PrimaryKey {
		return fmt.Errorf("field %s: embedded fields cannot be primary keys", f.name)
	}
	return f.checkCommon(false, false, false)
}

// Coerce accepts a record of the embedded schema (or a subclass) and
// string-keyed maps, which are coerced field by field.
func (f *EmbeddedField) Coerce(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	if rec, ok := raw.(*Record); ok {
		if rec == nil {
			return nil, nil
		}
		if rec.Schema() != f.schema && !rec.Schema().IsSubclassOf(f.schema) {
			return nil, f.errorf("Invalid embedded document instance provided to an EmbeddedDocumentField: %s", rec.Schema().Name())
		}
		return rec.Clone(), nil
	}
	m, ok := mapValues(raw)
	if !ok {
		return nil, f.errorf("Invalid embedded document instance provided to an EmbeddedDocumentField: %T", raw)
	}
	target := f.schema
	if cls, ok := m[types.ClassKey].(string); ok {
		sub, found := f.schema.classFor(cls)
		if !found {
			return nil, f.errorf("unknown document class %q", cls)
		}
		target = sub
	}
	rec := NewRecord(target)
	errs := make(map[string]error)
	for _, key := range sortedKeys(m) {
		if key == types.ClassKey {
			continue
		}
		if err := rec.Set(key, m[key]); err != nil {
			errs[key] = err
		}
	}
	if len(errs) > 0 {
		return nil, &types.ValidationError{Field: f.name, Message: "Invalid embedded document", Errors: errs}
	}
	return rec, nil
}

// Validate runs the embedded schema's full validation and nests its errors
// under the field name.
func (f *EmbeddedField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	rec, ok := value.(*Record)
	if !ok {
		return f.errorf("Invalid embedded document instance provided to an EmbeddedDocumentField: %T", value)
	}
	if err := rec.Validate(); err != nil {
		if ve, ok := err.(*types.ValidationError); ok && len(ve.Errors) > 0 {
			return &types.ValidationError{Field: f.name, Message: "Invalid embedded document", Errors: ve.Errors}
		}
		return err
	}
	if f.opts.Validator != nil {
		if err := f.opts.Validator(rec); err != nil {
			return f.errorf("%v", err)
		}
	}
	return nil
}

// ToWire converts the record into a nested document
func (f *EmbeddedField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	return v.(*Record).ToWire()
}

// FromWire decodes a nested document, honoring class discriminators
func (f *EmbeddedField) FromWire(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	return RecordFromWire(f.schema, raw)
}

// PrepareQuery converts whole-document operands into their stored form
func (f *EmbeddedField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		return nil, types.NewFieldError("", f.name, "operator %q is not supported by embedded fields", op)
	}
	if value == nil {
		return nil, nil
	}
	return f.ToWire(value)
}

// Identifier is implemented by persisted documents so they can be assigned
// to reference fields directly.
type Identifier interface {
	Schema() *Schema
	// Identity returns the stored identity, or nil before the first save
	Identity() interface{}
}

// Reference points at a document of another schema by identity
type Reference struct {
	Schema *Schema
	ID     interface{}
}

// String returns a readable form of the reference
func (r Reference) String() string {
	name := "<nil>"
	if r.Schema != nil {
		name = r.Schema.Name()
	}
	return fmt.Sprintf("%s(%v)", name, r.ID)
}

// ReferenceField stores the bare identity of a document of the target schema
type ReferenceField struct {
	base
	target *Schema
	self   bool
}

// Ref creates a reference to documents of the target schema
func Ref(name string, target *Schema, opts ...Option) *ReferenceField {
	return &ReferenceField{base: newBase(KindReference, name, opts), target: target}
}

// RefSelf creates a reference to documents of the schema being built
func RefSelf(name string, opts ...Option) *ReferenceField {
	return &ReferenceField{base: newBase(KindReference, name, opts), self: true}
}

// Target returns the referenced schema
func (f *ReferenceField) Target() *Schema { return f.target }

func (f *ReferenceField) bind(s *Schema) {
	if f.self && f.target == nil {
		f.target = s
	}
}

func (f *ReferenceField) check() error {
	if f.target == nil && !f.self {
		return fmt.Errorf("field %s: reference fields need a target schema", f.name)
	}
	if f.target != nil && f.target.IsEmbedded() {
		return fmt.Errorf("field %s: cannot reference embedded schema %s", f.name, f.target.Name())
	}
	if f.opts.PrimaryKey {
		return fmt.Errorf("field %s: reference fields cannot be primary keys", f.name)
	}
	return f.checkCommon(false, false, false)
}

func (f *ReferenceField) accepts(s *Schema) bool {
	return s == nil || s == f.target || s.IsSubclassOf(f.target)
}

// Coerce accepts references, saved documents and bare identities
func (f *ReferenceField) Coerce(raw interface{}) (interface{}, error) {
	idField := f.target.IDField()
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case Reference:
		if !f.accepts(v.Schema) {
			return nil, f.errorf("A ReferenceField only accepts %s documents, got %s", f.target.Name(), v.Schema.Name())
		}
		id, err := idField.Coerce(v.ID)
		if err != nil || id == nil {
			return nil, f.errorf("invalid reference identity %v", v.ID)
		}
		s := v.Schema
		if s == nil {
			s = f.target
		}
		return Reference{Schema: s, ID: id}, nil
	case Identifier:
		if !f.accepts(v.Schema()) {
			return nil, f.errorf("A ReferenceField only accepts %s documents, got %s", f.target.Name(), v.Schema().Name())
		}
		if v.Identity() == nil {
			return nil, f.errorf("You can only reference documents once they have been saved to the database")
		}
		return Reference{Schema: v.Schema(), ID: v.Identity()}, nil
	default:
		id, err := idField.Coerce(raw)
		if err != nil {
			return nil, f.errorf("invalid reference identity %v", raw)
		}
		return Reference{Schema: f.target, ID: id}, nil
	}
}

// Validate checks the value is a reference with an identity
func (f *ReferenceField) Validate(value interface{}) error {
	if value == nil {
		return nil
	}
	ref, ok := value.(Reference)
	if !ok || ref.ID == nil {
		return f.errorf("A ReferenceField only accepts references, got %T", value)
	}
	if f.opts.Validator != nil {
		if err := f.opts.Validator(ref); err != nil {
			return f.errorf("%v", err)
		}
	}
	return nil
}

// ToWire stores the bare identity
func (f *ReferenceField) ToWire(value interface{}) (interface{}, error) {
	v, err := f.Coerce(value)
	if err != nil || v == nil {
		return v, err
	}
	return f.target.IDField().ToWire(v.(Reference).ID)
}

// FromWire wraps a stored identity; legacy {$ref, $id} documents are
// accepted too.
func (f *ReferenceField) FromWire(raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	if m, ok := mapValues(raw); ok {
		if id, found := m["$id"]; found {
			raw = id
		}
	}
	id, err := f.target.IDField().FromWire(raw)
	if err != nil {
		return nil, err
	}
	return Reference{Schema: f.target, ID: id}, nil
}

// PrepareQuery converts the operand into the stored identity
func (f *ReferenceField) PrepareQuery(op string, value interface{}) (interface{}, error) {
	if IsStringOperator(op) {
		return nil, types.NewFieldError("", f.name, "operator %q is not supported by reference fields", op)
	}
	if value == nil {
		return nil, nil
	}
	return f.ToWire(value)
}
