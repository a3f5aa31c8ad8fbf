package schema

import (
	"bytes"
	"reflect"
	"sort"
	"time"

	"github.com/arthur-debert/nanodoc/types"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// NonFieldErrors is the key under which clean hook errors are reported
const NonFieldErrors = "__all__"

// Record holds the coerced values of one document or embedded document.
// Every mutation goes through the schema: unknown names fail with a
// FieldError and values that cannot be coerced with a ValidationError.
type Record struct {
	schema *Schema
	values  map[string]interface{}
	extras  bson.D          // undeclared stored keys of non-strict schemas
	changed map[string]bool // fields set or unset since the last MarkClean
}

// NewRecord creates an empty record bound to s
func NewRecord(s *Schema) *Record {
	return &Record{schema: s, values: make(map[string]interface{}), changed: make(map[string]bool)}
}

// Schema returns the schema the record is bound to
func (r *Record) Schema() *Schema { return r.schema }

func (r *Record) field(name string) (Field, error) {
	f, ok := r.schema.Field(name)
	if !ok {
		return nil, types.NewFieldError(r.schema.name, name, "%s has no field %q", r.schema.name, name)
	}
	return f, nil
}

// Get returns the value of a field, or nil when it is unset. Embedded
// records, lists and maps are returned as copies.
func (r *Record) Get(name string) (interface{}, error) {
	f, err := r.field(name)
	if err != nil {
		return nil, err
	}
	return copyValue(r.values[f.Name()]), nil
}

// Value returns the value of a field without copying, nil when unset or
// unknown
func (r *Record) Value(name string) interface{} {
	f, ok := r.schema.Field(name)
	if !ok {
		return nil
	}
	return r.values[f.Name()]
}

// Set coerces raw through the field and stores it. Setting nil unsets.
func (r *Record) Set(name string, raw interface{}) error {
	f, err := r.field(name)
	if err != nil {
		return err
	}
	v, err := f.Coerce(raw)
	if err != nil {
		return err
	}
	r.changed[f.Name()] = true
	if v == nil {
		delete(r.values, f.Name())
		return nil
	}
	r.values[f.Name()] = v
	return nil
}

// Unset removes the value of a field
func (r *Record) Unset(name string) error {
	f, err := r.field(name)
	if err != nil {
		return err
	}
	delete(r.values, f.Name())
	r.changed[f.Name()] = true
	return nil
}

// Changed returns the names of the fields set or unset since the record was
// decoded or last marked clean, in schema order
func (r *Record) Changed() []string {
	var names []string
	for _, f := range r.schema.fields {
		if r.changed[f.Name()] {
			names = append(names, f.Name())
		}
	}
	return names
}

// MarkClean forgets the changed fields, after the record was stored
func (r *Record) MarkClean() { clear(r.changed) }

// Has reports whether a field holds a value
func (r *Record) Has(name string) bool {
	f, ok := r.schema.Field(name)
	if !ok {
		return false
	}
	_, set := r.values[f.Name()]
	return set
}

// Names returns the names of the set fields in schema order
func (r *Record) Names() []string {
	var names []string
	for _, f := range r.schema.fields {
		if _, ok := r.values[f.Name()]; ok {
			names = append(names, f.Name())
		}
	}
	return names
}

// Extras returns the undeclared keys kept from storage
func (r *Record) Extras() bson.D { return append(bson.D(nil), r.extras...) }

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	c := &Record{
		schema:  r.schema,
		values:  make(map[string]interface{}, len(r.values)),
		changed: make(map[string]bool, len(r.changed)),
	}
	for k, v := range r.values {
		c.values[k] = copyValue(v)
	}
	for k := range r.changed {
		c.changed[k] = true
	}
	c.extras = append(bson.D(nil), r.extras...)
	return c
}

// Validate checks required fields and every value, collecting all
// violations by field name. The clean hook runs when the fields are valid;
// its error is reported under NonFieldErrors.
func (r *Record) Validate() error {
	errs := make(map[string]error)
	for _, f := range r.schema.fields {
		v, ok := r.values[f.Name()]
		if !ok || v == nil {
			if f.Options().Required {
				errs[f.Name()] = types.NewValidationError(f.Name(), "Field is required")
			}
			continue
		}
		if err := f.Validate(v); err != nil {
			errs[f.Name()] = err
		}
	}
	if len(errs) == 0 && r.schema.clean != nil {
		if err := r.schema.clean(r); err != nil {
			if ve, ok := err.(*types.ValidationError); ok && len(ve.Errors) > 0 {
				for k, e := range ve.Errors {
					errs[k] = e
				}
			} else {
				errs[NonFieldErrors] = err
			}
		}
	}
	return types.NewDocumentValidationError(r.schema.name, errs)
}

// ToWire converts the record into a stored document in schema order.
// Polymorphic schemas add their class name; extras are appended last.
func (r *Record) ToWire() (bson.D, error) {
	doc := make(bson.D, 0, len(r.values)+1)
	for _, f := range r.schema.fields {
		v, ok := r.values[f.Name()]
		if !ok || v == nil {
			continue
		}
		w, err := f.ToWire(v)
		if err != nil {
			return nil, err
		}
		doc = append(doc, bson.E{Key: f.DBName(), Value: w})
		if f.DBName() == types.IDKey && r.schema.Polymorphic() {
			doc = append(doc, bson.E{Key: types.ClassKey, Value: r.schema.ClassName()})
		}
	}
	if r.schema.Polymorphic() && !hasKey(doc, types.ClassKey) {
		doc = append(bson.D{{Key: types.ClassKey, Value: r.schema.ClassName()}}, doc...)
	}
	return append(doc, r.extras...), nil
}

func hasKey(doc bson.D, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}

// RecordFromWire decodes a stored document. The class discriminator picks
// the subclass; unknown keys fail with a FieldError on strict schemas and
// are kept as extras otherwise.
func RecordFromWire(s *Schema, raw interface{}) (*Record, error) {
	m, ok := mapValues(raw)
	if !ok {
		return nil, types.NewFieldError(s.name, "", "stored value is not a document: %T", raw)
	}
	target := s
	if cls, ok := m[types.ClassKey].(string); ok {
		sub, found := s.classFor(cls)
		if !found {
			return nil, types.NewFieldError(s.name, types.ClassKey, "unknown document class %q", cls)
		}
		target = sub
	}
	rec := NewRecord(target)
	errs := make(map[string]error)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if key == types.ClassKey {
			continue
		}
		f, ok := target.byDBName[key]
		if !ok {
			if target.strict {
				return nil, types.NewFieldError(target.name, key,
					"the field %q does not exist on the document %q", key, target.name)
			}
			rec.extras = append(rec.extras, bson.E{Key: key, Value: m[key]})
			continue
		}
		v, err := f.FromWire(m[key])
		if err != nil {
			errs[f.Name()] = err
			continue
		}
		if v != nil {
			rec.values[f.Name()] = v
		}
	}
	if err := types.NewDocumentValidationError(target.name, errs); err != nil {
		return nil, err
	}
	return rec, nil
}

// Equal reports whether two records have the same schema and values
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.schema != other.schema || len(r.values) != len(other.values) {
		return false
	}
	for k, v := range r.values {
		ov, ok := other.values[k]
		if !ok || !ValuesEqual(v, ov) {
			return false
		}
	}
	return reflect.DeepEqual(r.extras, other.extras)
}

// ValuesEqual compares coerced values: decimals numerically, times by
// instant, records and collections recursively.
func ValuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case decimal.Decimal:
		bv, ok := b.(decimal.Decimal)
		return ok && av.Equal(bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case *Record:
		bv, ok := b.(*Record)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, found := bv[k]
			if !found || !ValuesEqual(v, w) {
				return false
			}
		}
		return true
	}
	return valuesEqual(a, b)
}

func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case *Record:
		return x.Clone()
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = copyValue(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = copyValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}
