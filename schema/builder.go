package schema

import (
	"strings"
	"unicode"

	"github.com/arthur-debert/nanodoc/index"
	"github.com/arthur-debert/nanodoc/internal/validation"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Builder assembles a Schema. Builder methods record configuration; every
// check runs in Build.
type Builder struct {
	name             string
	fields           []Field
	collection       string
	alias            string
	ordering         []string
	indexDecls       []interface{}
	capped           *Capped
	abstract         bool
	allowInheritance bool
	embedded         bool
	strict           *bool
	parent           *Schema
	clean            func(*Record) error
	hooks            map[Signal][]Hook
}

// New starts a document schema
func New(name string) *Builder {
	return &Builder{name: name, hooks: make(map[Signal][]Hook)}
}

// NewEmbedded starts an embedded document schema
func NewEmbedded(name string) *Builder {
	b := New(name)
	b.embedded = true
	return b
}

// Field appends fields in order
func (b *Builder) Field(fields ...Field) *Builder {
	b.fields = append(b.fields, fields...)
	return b
}

// Collection overrides the collection name
func (b *Builder) Collection(name string) *Builder {
	b.collection = name
	return b
}

// Alias binds the schema to a connection alias
func (b *Builder) Alias(alias string) *Builder {
	b.alias = alias
	return b
}

// Ordering sets the default ordering, e.g. "-created", "+name"
func (b *Builder) Ordering(fields ...string) *Builder {
	b.ordering = append(b.ordering, fields...)
	return b
}

// Index adds index declarations; see index.Normalize for the accepted forms
func (b *Builder) Index(decls ...interface{}) *Builder {
	b.indexDecls = append(b.indexDecls, decls...)
	return b
}

// Capped makes the collection capped
func (b *Builder) Capped(sizeBytes, maxDocuments int64) *Builder {
	b.capped = &Capped{SizeBytes: sizeBytes, MaxDocuments: maxDocuments}
	return b
}

// Abstract marks the schema as a base that cannot be instantiated
func (b *Builder) Abstract() *Builder {
	b.abstract = true
	return b
}

// AllowInheritance lets child schemas share the collection, discriminated
// by a stored class name
func (b *Builder) AllowInheritance() *Builder {
	b.allowInheritance = true
	return b
}

// Extends inherits the fields, hooks and settings of parent
func (b *Builder) Extends(parent *Schema) *Builder {
	b.parent = parent
	return b
}

// Clean sets the document-level validation hook. It runs after the fields
// validated and may normalize values.
func (b *Builder) Clean(fn func(*Record) error) *Builder {
	b.clean = fn
	return b
}

// Hook registers a lifecycle hook
func (b *Builder) Hook(sig Signal, h Hook) *Builder {
	b.hooks[sig] = append(b.hooks[sig], h)
	return b
}

// Strict controls whether undeclared stored keys fail loading (the default)
// or are kept as extras
func (b *Builder) Strict(strict bool) *Builder {
	b.strict = &strict
	return b
}

// MustBuild is Build that panics on error
func (b *Builder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Build validates the configuration and returns the immutable schema
func (b *Builder) Build() (*Schema, error) {
	if err := validation.ValidateSchemaName(b.name); err != nil {
		return nil, types.NewSchemaError(b.name, "%v", err)
	}
	s := &Schema{
		name:             b.name,
		byName:           make(map[string]Field),
		byDBName:         make(map[string]Field),
		abstract:         b.abstract,
		allowInheritance: b.allowInheritance,
		embedded:         b.embedded,
		strict:           true,
		parent:           b.parent,
		clean:            b.clean,
		hooks:            make(map[Signal][]Hook),
	}

	p := b.parent
	if p != nil {
		if !p.allowInheritance && !p.abstract {
			return nil, types.NewSchemaError(b.name, "schema %s does not allow inheritance", p.name)
		}
		if p.embedded != b.embedded {
			return nil, types.NewSchemaError(b.name, "cannot mix embedded and document schemas when extending %s", p.name)
		}
		if p.allowInheritance {
			s.allowInheritance = true
		}
		s.strict = p.strict
		if s.clean == nil {
			s.clean = p.clean
		}
		for sig, hooks := range p.hooks {
			s.hooks[sig] = append(s.hooks[sig], hooks...)
		}
	}
	if b.strict != nil {
		s.strict = *b.strict
	}
	for sig, hooks := range b.hooks {
		s.hooks[sig] = append(s.hooks[sig], hooks...)
	}

	if err := b.buildFields(s); err != nil {
		return nil, err
	}
	if err := b.bindCollection(s); err != nil {
		return nil, err
	}
	if err := b.buildOrdering(s); err != nil {
		return nil, err
	}
	if err := b.buildIndexes(s); err != nil {
		return nil, err
	}

	if s.Polymorphic() {
		s.register(s)
	}
	return s, nil
}

func (b *Builder) buildFields(s *Schema) error {
	var fields []Field
	if b.parent != nil {
		fields = append(fields, b.parent.fields...)
		s.idField = b.parent.idField
	}
	for _, f := range b.fields {
		if f == nil {
			return types.NewSchemaError(b.name, "nil field")
		}
		if err := validation.ValidateFieldName(f.Name()); err != nil {
			return types.NewSchemaError(b.name, "%v", err)
		}
		if db := f.Options().DBField; db != "" && !f.Options().PrimaryKey {
			if err := validation.ValidateFieldName(db); err != nil && db != types.IDKey {
				return types.NewSchemaError(b.name, "field %s: invalid storage name: %v", f.Name(), err)
			}
		}
		if f.Options().PrimaryKey {
			if b.embedded {
				return types.NewSchemaError(b.name, "embedded schemas cannot have a primary key")
			}
			if s.idField != nil {
				return types.NewSchemaError(b.name, "field %s: schema already has primary key %s", f.Name(), s.idField.Name())
			}
			s.idField = f
		}
		if ref, ok := f.(*ReferenceField); ok {
			ref.bind(s)
		}
		if c, ok := f.(checker); ok {
			if err := c.check(); err != nil {
				return types.NewSchemaError(b.name, "%v", err)
			}
		}
		fields = append(fields, f)
	}
	declared := len(fields)
	if !b.embedded && s.idField == nil {
		// implicit identity, stored as _id
		s.idField = ObjectID("id", PrimaryKey())
		fields = append([]Field{s.idField}, fields...)
	}
	if !b.abstract && declared == 0 {
		return types.NewSchemaError(b.name, "schema has no fields")
	}

	for _, f := range fields {
		if _, dup := s.byName[f.Name()]; dup {
			return types.NewSchemaError(b.name, "field %s is defined twice", f.Name())
		}
		if other, dup := s.byDBName[f.DBName()]; dup {
			return types.NewSchemaError(b.name, "fields %s and %s share storage name %s", other.Name(), f.Name(), f.DBName())
		}
		s.byName[f.Name()] = f
		s.byDBName[f.DBName()] = f
	}
	s.fields = fields

	for _, f := range fields {
		with := f.Options().UniqueWith
		for _, name := range with {
			if _, err := s.ResolveDotted(name); err != nil {
				return types.NewSchemaError(b.name, "field %s: unique_with names unknown field %s", f.Name(), name)
			}
		}
	}
	return nil
}

func (b *Builder) bindCollection(s *Schema) error {
	p := b.parent
	switch {
	case b.embedded:
		if b.collection != "" {
			return types.NewSchemaError(b.name, "embedded schemas have no collection")
		}
	case b.abstract && b.collection == "" && (p == nil || !p.allowInheritance):
		// abstract bases bind no collection
	case p != nil && p.allowInheritance:
		if b.collection != "" && b.collection != p.collection {
			return types.NewSchemaError(b.name, "cannot override the collection %s inherited from %s", p.collection, p.name)
		}
		s.collection = p.collection
		if s.collection == "" {
			s.collection = snakeCase(b.name)
		}
	default:
		s.collection = b.collection
		if s.collection == "" {
			s.collection = snakeCase(b.name)
		}
	}
	if s.collection != "" {
		if err := validation.ValidateCollectionName(s.collection); err != nil {
			return types.NewSchemaError(b.name, "%v", err)
		}
	}

	s.alias = b.alias
	if s.alias == "" && p != nil {
		s.alias = p.alias
	}
	if s.alias == "" {
		s.alias = types.DefaultAlias
	}

	s.capped = b.capped
	if s.capped == nil && p != nil && p.allowInheritance {
		s.capped = p.capped
	}
	if b.capped != nil {
		if b.embedded || (p != nil && p.allowInheritance) {
			return types.NewSchemaError(b.name, "only root document schemas can be capped")
		}
		if b.capped.SizeBytes <= 0 {
			return types.NewSchemaError(b.name, "capped collections need a positive size")
		}
	}
	return nil
}

func (b *Builder) buildOrdering(s *Schema) error {
	s.ordering = append([]string(nil), b.ordering...)
	if len(s.ordering) == 0 && b.parent != nil {
		s.ordering = b.parent.Ordering()
	}
	for _, o := range s.ordering {
		name := strings.TrimLeft(o, "+-")
		if _, err := s.ResolveDotted(name); err != nil {
			return types.NewSchemaError(b.name, "ordering names unknown field %s", name)
		}
	}
	return nil
}

func (b *Builder) buildIndexes(s *Schema) error {
	if b.parent != nil && b.parent.allowInheritance {
		s.indexes = append(s.indexes, b.parent.indexes...)
	}
	add := func(spec index.Spec) {
		for _, existing := range s.indexes {
			if existing.Name == spec.Name {
				return
			}
		}
		s.indexes = append(s.indexes, spec)
	}

	for _, decl := range b.indexDecls {
		spec, err := index.Normalize(decl)
		if err != nil {
			return types.NewSchemaError(b.name, "index: %v", err)
		}
		keys, err := storageKeys(s, spec.Keys)
		if err != nil {
			return types.NewSchemaError(b.name, "index %s: %v", spec.Name, err)
		}
		add(spec.WithKeys(keys))
	}

	if b.embedded {
		return nil
	}
	for _, f := range s.fields {
		o := f.Options()
		if o.Unique && !o.PrimaryKey {
			keys := bson.D{{Key: f.DBName(), Value: index.Ascending}}
			for _, name := range o.UniqueWith {
				path, _ := s.ResolveDotted(name)
				keys = append(keys, bson.E{Key: path.String(), Value: index.Ascending})
			}
			add(index.Spec{Keys: keys, Name: index.DefaultName(keys), Unique: true, Sparse: !o.Required})
		}
		if f.Kind() == KindPoint {
			keys := bson.D{{Key: f.DBName(), Value: index.Sphere}}
			add(index.Spec{Keys: keys, Name: index.DefaultName(keys)})
		}
	}
	return nil
}

func storageKeys(s *Schema, keys bson.D) (bson.D, error) {
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		path, err := s.ResolveDotted(k.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: path.String(), Value: k.Value})
	}
	return out, nil
}

// UniqueSpecs returns the unique constraints as lists of field names, one
// per unique field followed by its companions.
func (s *Schema) UniqueSpecs() [][]string {
	var out [][]string
	for _, f := range s.fields {
		o := f.Options()
		if !o.Unique || o.PrimaryKey {
			continue
		}
		names := []string{f.Name()}
		names = append(names, o.UniqueWith...)
		out = append(out, names)
	}
	return out
}

// snakeCase converts "BlogPost" to "blog_post" and "HTTPRequest" to
// "http_request"
func snakeCase(name string) string {
	runes := []rune(name)
	var sb strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sb.WriteByte('_')
				}
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SnakeCase exposes the default collection naming
func SnakeCase(name string) string { return snakeCase(name) }
