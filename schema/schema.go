// Package schema defines typed document schemas: the field kinds, the
// builder that assembles them into immutable schemas, and the Record value
// container that holds coerced values.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arthur-debert/nanodoc/index"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Capped describes a capped collection
type Capped struct {
	SizeBytes    int64
	MaxDocuments int64
}

// Schema is an immutable, ordered set of fields bound to a collection.
// Schemas are created with New or NewEmbedded and Builder.Build.
type Schema struct {
	name       string
	fields     []Field
	byName     map[string]Field
	byDBName   map[string]Field
	idField    Field
	collection string
	alias      string
	ordering   []string
	indexes    []index.Spec
	capped     *Capped

	abstract         bool
	allowInheritance bool
	embedded         bool
	strict           bool

	parent *Schema
	clean  func(*Record) error
	hooks  map[Signal][]Hook

	mu         sync.RWMutex
	subclasses map[string]*Schema // by class name, including this schema
}

// Name returns the schema name
func (s *Schema) Name() string { return s.name }

// Fields returns the fields in declaration order, inherited fields first
func (s *Schema) Fields() []Field { return append([]Field(nil), s.fields...) }

// Field returns the field with the given name. "pk" names the identity
// field.
func (s *Schema) Field(name string) (Field, bool) {
	if name == "pk" && s.idField != nil {
		return s.idField, true
	}
	f, ok := s.byName[name]
	return f, ok
}

// FieldByDBName returns the field stored under the given key
func (s *Schema) FieldByDBName(dbName string) (Field, bool) {
	f, ok := s.byDBName[dbName]
	return f, ok
}

// IDField returns the identity field, nil for embedded schemas
func (s *Schema) IDField() Field { return s.idField }

// Collection returns the collection name, empty for abstract and embedded
// schemas
func (s *Schema) Collection() string { return s.collection }

// Alias returns the connection alias
func (s *Schema) Alias() string { return s.alias }

// Ordering returns the default ordering
func (s *Schema) Ordering() []string { return append([]string(nil), s.ordering...) }

// Indexes returns the normalized index specs, using storage names
func (s *Schema) Indexes() []index.Spec { return append([]index.Spec(nil), s.indexes...) }

// Capped returns the capped collection settings, nil when not capped
func (s *Schema) Capped() *Capped { return s.capped }

// IsAbstract reports whether the schema can be instantiated
func (s *Schema) IsAbstract() bool { return s.abstract }

// IsEmbedded reports whether the schema describes embedded documents
func (s *Schema) IsEmbedded() bool { return s.embedded }

// AllowsInheritance reports whether other schemas may share its collection
func (s *Schema) AllowsInheritance() bool { return s.allowInheritance }

// IsStrict reports whether unknown stored keys fail loading
func (s *Schema) IsStrict() bool { return s.strict }

// Parent returns the schema this one extends
func (s *Schema) Parent() *Schema { return s.parent }

// CleanHook returns the document-level validation hook, if any
func (s *Schema) CleanHook() func(*Record) error { return s.clean }

// IsSubclassOf reports whether s extends other, directly or not
func (s *Schema) IsSubclassOf(other *Schema) bool {
	for p := s.parent; p != nil; p = p.parent {
		if p == other {
			return true
		}
	}
	return false
}

// Polymorphic reports whether stored documents carry a class discriminator
func (s *Schema) Polymorphic() bool {
	return s.allowInheritance || s.sharesParentCollection()
}

func (s *Schema) sharesParentCollection() bool {
	return s.parent != nil && s.parent.allowInheritance
}

// ClassName returns the discriminator value, e.g. "Animal.Dog"
func (s *Schema) ClassName() string {
	if s.sharesParentCollection() {
		return s.parent.ClassName() + "." + s.name
	}
	return s.name
}

// ClassCondition returns the filter restricting a query to this schema and
// its subclasses. It is false for schemas that own their collection alone.
func (s *Schema) ClassCondition() (bson.E, bool) {
	if !s.sharesParentCollection() {
		return bson.E{}, false
	}
	pattern := "^" + regexpQuote(s.ClassName()) + `(\.|$)`
	return bson.E{Key: types.ClassKey, Value: bson.Regex{Pattern: pattern}}, true
}

func regexpQuote(s string) string {
	return strings.ReplaceAll(s, ".", `\.`)
}

// classFor returns the schema whose class name is cls among s and its
// subclasses
func (s *Schema) classFor(cls string) (*Schema, bool) {
	if cls == "" || cls == s.ClassName() {
		return s, true
	}
	root := s
	for root.sharesParentCollection() {
		root = root.parent
	}
	root.mu.RLock()
	sub, ok := root.subclasses[cls]
	root.mu.RUnlock()
	if !ok || (sub != s && !sub.IsSubclassOf(s)) {
		return nil, false
	}
	return sub, true
}

// register records a subclass on every ancestor sharing the collection
func (s *Schema) register(sub *Schema) {
	s.mu.Lock()
	if s.subclasses == nil {
		s.subclasses = make(map[string]*Schema)
	}
	s.subclasses[sub.ClassName()] = sub
	s.mu.Unlock()
	if s.sharesParentCollection() {
		s.parent.register(sub)
	}
}

// PathStep is one resolved segment of a lookup path
type PathStep struct {
	DBName string
	Field  Field // nil inside untyped maps and dynamic values
}

// Path is a resolved lookup path
type Path []PathStep

// String returns the dotted storage path
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, step := range p {
		parts[i] = step.DBName
	}
	return strings.Join(parts, ".")
}

// Field returns the field that prepares operands for the path
func (p Path) Field() Field {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1].Field
}

// Resolve maps attribute name segments onto storage names. "pk" and "id"
// name the identity; numeric segments index lists; references can only be
// followed to their identity.
func (s *Schema) Resolve(parts []string) (Path, error) {
	if len(parts) == 0 {
		return nil, types.NewFieldError(s.name, "", "empty field path")
	}
	var path Path
	current := s
	var last Field
	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if last == nil {
			f, err := current.lookup(part)
			if err != nil {
				return nil, err
			}
			path = append(path, PathStep{DBName: f.DBName(), Field: f})
			last = f
			continue
		}
		switch f := last.(type) {
		case *EmbeddedField:
			current = f.Schema()
			last = nil
			i--
		case *ListField:
			if _, err := strconv.Atoi(part); err == nil {
				path = append(path, PathStep{DBName: part, Field: f.Inner()})
				last = f.Inner()
				continue
			}
			if emb, ok := f.Inner().(*EmbeddedField); ok {
				current = emb.Schema()
				last = nil
				i--
				continue
			}
			return nil, types.NewFieldError(s.name, strings.Join(parts[:i+1], "__"),
				"cannot resolve %q inside list of %s", part, f.Inner().Kind())
		case *MapField:
			if strings.HasPrefix(part, "$") {
				return nil, types.NewFieldError(s.name, part, "invalid map key")
			}
			path = append(path, PathStep{DBName: part, Field: f.Inner()})
			last = f.Inner()
			if last == nil {
				return appendDynamic(path, parts[i+1:]), nil
			}
		case *ReferenceField:
			if part == "id" || part == "pk" || part == types.IDKey {
				// the reference is stored as the bare identity
				continue
			}
			return nil, types.NewFieldError(s.name, strings.Join(parts[:i+1], "__"),
				"cannot traverse reference field %s", f.Name())
		case *DynamicField:
			return appendDynamic(path, parts[i:]), nil
		default:
			return nil, types.NewFieldError(s.name, strings.Join(parts[:i+1], "__"),
				"cannot resolve %q on %s field %s", part, last.Kind(), last.Name())
		}
	}
	return path, nil
}

func appendDynamic(path Path, rest []string) Path {
	for _, p := range rest {
		path = append(path, PathStep{DBName: p})
	}
	return path
}

func (s *Schema) lookup(name string) (Field, error) {
	if name == "pk" && s.idField != nil {
		return s.idField, nil
	}
	if f, ok := s.byName[name]; ok {
		return f, nil
	}
	if name == "id" && s.idField != nil {
		return s.idField, nil
	}
	if f, ok := s.byDBName[name]; ok {
		return f, nil
	}
	return nil, types.NewFieldError(s.name, name, "cannot resolve field %q", name)
}

// ResolveDotted resolves a dotted or double-underscore path
func (s *Schema) ResolveDotted(name string) (Path, error) {
	if strings.Contains(name, "__") {
		return s.Resolve(strings.Split(name, "__"))
	}
	return s.Resolve(strings.Split(name, "."))
}

// FieldInfo describes one field for serializers and tooling
type FieldInfo struct {
	Name       string        `json:"name" yaml:"name"`
	DBName     string        `json:"db_name" yaml:"db_name"`
	Kind       string        `json:"kind" yaml:"kind"`
	Required   bool          `json:"required" yaml:"required"`
	HasDefault bool          `json:"has_default" yaml:"has_default"`
	Default    interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	Choices    []interface{} `json:"choices,omitempty" yaml:"choices,omitempty"`
	Unique     bool          `json:"unique" yaml:"unique"`
	PrimaryKey bool          `json:"primary_key" yaml:"primary_key"`
	Help       string        `json:"help,omitempty" yaml:"help,omitempty"`
	Inner      string        `json:"inner,omitempty" yaml:"inner,omitempty"`
	Target     string        `json:"target,omitempty" yaml:"target,omitempty"`
}

// Describe returns the ordered field metadata. Producer defaults are
// reported as present but not evaluated.
func (s *Schema) Describe() []FieldInfo {
	out := make([]FieldInfo, 0, len(s.fields))
	for _, f := range s.fields {
		o := f.Options()
		info := FieldInfo{
			Name:       f.Name(),
			DBName:     f.DBName(),
			Kind:       f.Kind(),
			Required:   o.Required,
			HasDefault: o.Default != nil,
			Choices:    o.Choices,
			Unique:     o.Unique,
			PrimaryKey: o.PrimaryKey,
			Help:       o.Help,
		}
		if _, isFunc := o.Default.(func() interface{}); !isFunc {
			info.Default = o.Default
		}
		switch v := f.(type) {
		case *ListField:
			info.Inner = v.Inner().Kind()
		case *MapField:
			if v.Inner() != nil {
				info.Inner = v.Inner().Kind()
			}
		case *EmbeddedField:
			info.Target = v.Schema().Name()
		case *ReferenceField:
			if v.Target() != nil {
				info.Target = v.Target().Name()
			}
		}
		out = append(out, info)
	}
	return out
}

// String returns a short description of the schema
func (s *Schema) String() string {
	switch {
	case s.embedded:
		return fmt.Sprintf("Schema(%s, embedded)", s.name)
	case s.abstract:
		return fmt.Sprintf("Schema(%s, abstract)", s.name)
	}
	return fmt.Sprintf("Schema(%s, %s)", s.name, s.collection)
}
