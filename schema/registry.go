package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Field kind names
const (
	KindString    = "string"
	KindEmail     = "email"
	KindURL       = "url"
	KindInt       = "int"
	KindFloat     = "float"
	KindDecimal   = "decimal"
	KindBool      = "bool"
	KindDateTime  = "datetime"
	KindDate      = "date"
	KindBinary    = "binary"
	KindObjectID  = "objectid"
	KindUUID      = "uuid"
	KindList      = "list"
	KindMap       = "map"
	KindEmbedded  = "embedded"
	KindReference = "reference"
	KindPoint     = "point"
	KindDynamic   = "dynamic"
)

// FieldSpec is a declarative field description used to build fields by
// kind name, e.g. from schema files.
type FieldSpec struct {
	Name    string
	Kind    string
	Options []Option

	// Inner describes list elements and map values
	Inner *FieldSpec

	// Schema is the embedded schema or the reference target
	Schema *Schema
}

// Factory builds a field from its spec
type Factory func(spec FieldSpec) (Field, error)

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]Factory)
)

// Register adds or replaces the factory for a kind
func Register(kind string, factory Factory) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[kind] = factory
}

// Lookup returns the factory registered for a kind
func Lookup(kind string) (Factory, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	f, ok := kinds[kind]
	return f, ok
}

// Kinds returns the registered kind names in sorted order
func Kinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FromSpec builds a field through the kind registry
func FromSpec(spec FieldSpec) (Field, error) {
	factory, ok := Lookup(spec.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown field kind %q", spec.Kind)
	}
	return factory(spec)
}

func innerField(spec FieldSpec) (Field, error) {
	if spec.Inner == nil {
		return nil, nil
	}
	return FromSpec(*spec.Inner)
}

func init() {
	simple := map[string]func(string, ...Option) Field{
		KindString:   func(n string, o ...Option) Field { return String(n, o...) },
		KindEmail:    func(n string, o ...Option) Field { return Email(n, o...) },
		KindURL:      func(n string, o ...Option) Field { return URL(n, o...) },
		KindInt:      func(n string, o ...Option) Field { return Int(n, o...) },
		KindFloat:    func(n string, o ...Option) Field { return Float(n, o...) },
		KindDecimal:  func(n string, o ...Option) Field { return Decimal(n, o...) },
		KindBool:     func(n string, o ...Option) Field { return Bool(n, o...) },
		KindDateTime: func(n string, o ...Option) Field { return DateTime(n, o...) },
		KindDate:     func(n string, o ...Option) Field { return Date(n, o...) },
		KindBinary:   func(n string, o ...Option) Field { return Binary(n, o...) },
		KindObjectID: func(n string, o ...Option) Field { return ObjectID(n, o...) },
		KindUUID:     func(n string, o ...Option) Field { return UUID(n, o...) },
		KindPoint:    func(n string, o ...Option) Field { return GeoPoint(n, o...) },
		KindDynamic:  func(n string, o ...Option) Field { return Dynamic(n, o...) },
	}
	for kind, ctor := range simple {
		ctor := ctor
		Register(kind, func(spec FieldSpec) (Field, error) {
			return ctor(spec.Name, spec.Options...), nil
		})
	}

	Register(KindList, func(spec FieldSpec) (Field, error) {
		inner, err := innerField(spec)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", spec.Name, err)
		}
		if inner == nil {
			return nil, fmt.Errorf("list %s: missing element kind", spec.Name)
		}
		return List(spec.Name, inner, spec.Options...), nil
	})
	Register(KindMap, func(spec FieldSpec) (Field, error) {
		inner, err := innerField(spec)
		if err != nil {
			return nil, fmt.Errorf("map %s: %w", spec.Name, err)
		}
		return Map(spec.Name, inner, spec.Options...), nil
	})
	Register(KindEmbedded, func(spec FieldSpec) (Field, error) {
		if spec.Schema == nil {
			return nil, fmt.Errorf("embedded %s: missing schema", spec.Name)
		}
		return Embedded(spec.Name, spec.Schema, spec.Options...), nil
	})
	Register(KindReference, func(spec FieldSpec) (Field, error) {
		if spec.Schema == nil {
			return RefSelf(spec.Name, spec.Options...), nil
		}
		return Ref(spec.Name, spec.Schema, spec.Options...), nil
	})
}
