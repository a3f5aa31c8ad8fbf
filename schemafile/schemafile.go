// Package schemafile builds schemas from YAML definitions. Field kinds are
// resolved through the schema kind registry, so kinds registered by
// applications are available to files as well.
//
// A file lists schemas in any order; references between them (extends,
// embedded schemas, reference targets) are resolved by name:
//
//	schemas:
//	  - name: Address
//	    embedded: true
//	    fields:
//	      - {name: city, kind: string, required: true}
//	  - name: User
//	    ordering: ["-age"]
//	    indexes: ["-age", {fields: [name, email], unique: true}]
//	    fields:
//	      - {name: name, kind: string, required: true, max_length: 80}
//	      - {name: age, kind: int, min: 0, max: 150}
//	      - {name: tags, kind: list, inner: {kind: string}}
//	      - {name: home, kind: embedded, schema: Address}
package schemafile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"gopkg.in/yaml.v3"
)

// File is the top level of a schema file
type File struct {
	Schemas []SchemaDef `yaml:"schemas"`
}

// SchemaDef describes one schema
type SchemaDef struct {
	Name             string        `yaml:"name"`
	Collection       string        `yaml:"collection,omitempty"`
	Alias            string        `yaml:"alias,omitempty"`
	Embedded         bool          `yaml:"embedded,omitempty"`
	Abstract         bool          `yaml:"abstract,omitempty"`
	AllowInheritance bool          `yaml:"allow_inheritance,omitempty"`
	Extends          string        `yaml:"extends,omitempty"`
	Strict           *bool         `yaml:"strict,omitempty"`
	Ordering         []string      `yaml:"ordering,omitempty"`
	Indexes          []interface{} `yaml:"indexes,omitempty"`
	Capped           *CappedDef    `yaml:"capped,omitempty"`
	Fields           []FieldDef    `yaml:"fields"`
}

// CappedDef bounds a capped collection
type CappedDef struct {
	Size int64 `yaml:"size"`
	Max  int64 `yaml:"max,omitempty"`
}

// FieldDef describes one field. Attributes that do not apply to the kind
// are rejected when the schema is built.
type FieldDef struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	DBField       string        `yaml:"db_field,omitempty"`
	Required      bool          `yaml:"required,omitempty"`
	Default       interface{}   `yaml:"default,omitempty"`
	Unique        bool          `yaml:"unique,omitempty"`
	UniqueWith    []string      `yaml:"unique_with,omitempty"`
	Choices       []interface{} `yaml:"choices,omitempty"`
	PrimaryKey    bool          `yaml:"primary_key,omitempty"`
	Auto          string        `yaml:"auto,omitempty"`
	MinLength     *int          `yaml:"min_length,omitempty"`
	MaxLength     *int          `yaml:"max_length,omitempty"`
	Regex         string        `yaml:"regex,omitempty"`
	Min           interface{}   `yaml:"min,omitempty"`
	Max           interface{}   `yaml:"max,omitempty"`
	MaxDigits     *int          `yaml:"max_digits,omitempty"`
	DecimalPlaces *int          `yaml:"decimal_places,omitempty"`
	Precision     string        `yaml:"precision,omitempty"`
	Help          string        `yaml:"help,omitempty"`

	// Inner describes list elements and map values
	Inner *FieldDef `yaml:"inner,omitempty"`

	// Schema names the embedded schema or the reference target; "self"
	// references the schema being defined
	Schema string `yaml:"schema,omitempty"`
}

// Set holds the schemas built from a file
type Set struct {
	order   []string
	schemas map[string]*schema.Schema
}

// Get returns a schema by name
func (s *Set) Get(name string) (*schema.Schema, bool) {
	sc, ok := s.schemas[name]
	return sc, ok
}

// Names returns the schema names in file order
func (s *Set) Names() []string { return append([]string(nil), s.order...) }

// Schemas returns the schemas in file order
func (s *Set) Schemas() []*schema.Schema {
	out := make([]*schema.Schema, len(s.order))
	for i, name := range s.order {
		out[i] = s.schemas[name]
	}
	return out
}

// LoadFile reads and builds a schema file
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	set, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// Load decodes a schema file and builds every schema in it. Unknown keys
// are rejected.
func Load(r io.Reader) (*Set, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	return Build(f)
}

// Build builds the schemas of a decoded file. Schemas are built once all
// the schemas they name are built; a cycle fails.
func Build(f File) (*Set, error) {
	set := &Set{schemas: make(map[string]*schema.Schema, len(f.Schemas))}
	defs := make(map[string]SchemaDef, len(f.Schemas))
	for _, def := range f.Schemas {
		if def.Name == "" {
			return nil, types.NewSchemaError("", "schema without a name")
		}
		if _, dup := defs[def.Name]; dup {
			return nil, types.NewSchemaError(def.Name, "schema %s is defined twice", def.Name)
		}
		defs[def.Name] = def
		set.order = append(set.order, def.Name)
	}

	pending := append([]string(nil), set.order...)
	for len(pending) > 0 {
		var next []string
		for _, name := range pending {
			def := defs[name]
			deps := dependencies(def)
			ready := true
			for _, dep := range deps {
				if _, ok := defs[dep]; !ok {
					return nil, types.NewSchemaError(name, "unknown schema %s", dep)
				}
				if _, built := set.schemas[dep]; !built {
					ready = false
				}
			}
			if !ready {
				next = append(next, name)
				continue
			}
			s, err := buildSchema(def, set.schemas)
			if err != nil {
				return nil, err
			}
			set.schemas[name] = s
		}
		if len(next) == len(pending) {
			sort.Strings(next)
			return nil, types.NewSchemaError(next[0], "schemas %v depend on each other", next)
		}
		pending = next
	}
	return set, nil
}

// dependencies lists the other schemas def needs before it can be built
func dependencies(def SchemaDef) []string {
	var out []string
	if def.Extends != "" {
		out = append(out, def.Extends)
	}
	var walk func(fd *FieldDef)
	walk = func(fd *FieldDef) {
		if fd.Schema != "" && fd.Schema != "self" && fd.Schema != def.Name {
			out = append(out, fd.Schema)
		}
		if fd.Inner != nil {
			walk(fd.Inner)
		}
	}
	for i := range def.Fields {
		walk(&def.Fields[i])
	}
	return out
}

func buildSchema(def SchemaDef, built map[string]*schema.Schema) (*schema.Schema, error) {
	var b *schema.Builder
	if def.Embedded {
		b = schema.NewEmbedded(def.Name)
	} else {
		b = schema.New(def.Name)
	}
	if def.Collection != "" {
		b.Collection(def.Collection)
	}
	if def.Alias != "" {
		b.Alias(def.Alias)
	}
	if def.Abstract {
		b.Abstract()
	}
	if def.AllowInheritance {
		b.AllowInheritance()
	}
	if def.Extends != "" {
		b.Extends(built[def.Extends])
	}
	if def.Strict != nil {
		b.Strict(*def.Strict)
	}
	if len(def.Ordering) > 0 {
		b.Ordering(def.Ordering...)
	}
	if len(def.Indexes) > 0 {
		b.Index(def.Indexes...)
	}
	if def.Capped != nil {
		b.Capped(def.Capped.Size, def.Capped.Max)
	}
	for i := range def.Fields {
		f, err := buildField(def.Name, &def.Fields[i], built)
		if err != nil {
			return nil, err
		}
		b.Field(f)
	}
	return b.Build()
}

func buildField(owner string, fd *FieldDef, built map[string]*schema.Schema) (schema.Field, error) {
	spec, err := fieldSpec(owner, fd, built)
	if err != nil {
		return nil, err
	}
	f, err := schema.FromSpec(spec)
	if err != nil {
		return nil, types.NewSchemaError(owner, "field %s: %v", fd.Name, err)
	}
	return f, nil
}

func fieldSpec(owner string, fd *FieldDef, built map[string]*schema.Schema) (schema.FieldSpec, error) {
	if fd.Kind == "" {
		return schema.FieldSpec{}, types.NewSchemaError(owner, "field %q has no kind", fd.Name)
	}
	opts, err := options(owner, fd)
	if err != nil {
		return schema.FieldSpec{}, err
	}
	spec := schema.FieldSpec{Name: fd.Name, Kind: fd.Kind, Options: opts}
	if fd.Schema != "" && fd.Schema != "self" && fd.Schema != owner {
		spec.Schema = built[fd.Schema]
	}
	if fd.Inner != nil {
		inner, err := fieldSpec(owner, fd.Inner, built)
		if err != nil {
			return schema.FieldSpec{}, err
		}
		spec.Inner = &inner
	}
	return spec, nil
}

func options(owner string, fd *FieldDef) ([]schema.Option, error) {
	var opts []schema.Option
	add := func(o schema.Option) { opts = append(opts, o) }

	if fd.DBField != "" {
		add(schema.DBField(fd.DBField))
	}
	if fd.Required {
		add(schema.Required())
	}
	if fd.Default != nil {
		add(schema.Default(fd.Default))
	}
	if fd.Unique || len(fd.UniqueWith) > 0 {
		add(schema.Unique(fd.UniqueWith...))
	}
	if len(fd.Choices) > 0 {
		add(schema.Choices(fd.Choices...))
	}
	if fd.PrimaryKey {
		add(schema.PrimaryKey())
	}
	switch fd.Auto {
	case "", "none":
	case "on-create", "on_create":
		add(schema.Auto(types.AutoOnCreate))
	case "on-every-save", "on_every_save", "on-save":
		add(schema.Auto(types.AutoOnSave))
	default:
		return nil, types.NewSchemaError(owner, "field %s: unknown auto mode %q", fd.Name, fd.Auto)
	}
	if fd.MinLength != nil {
		add(schema.MinLength(*fd.MinLength))
	}
	if fd.MaxLength != nil {
		add(schema.MaxLength(*fd.MaxLength))
	}
	if fd.Regex != "" {
		if _, err := regexp.Compile(fd.Regex); err != nil {
			return nil, types.NewSchemaError(owner, "field %s: %v", fd.Name, err)
		}
		add(schema.Regex(fd.Regex))
	}
	if fd.Min != nil {
		add(schema.Min(fd.Min))
	}
	if fd.Max != nil {
		add(schema.Max(fd.Max))
	}
	if fd.MaxDigits != nil {
		add(schema.MaxDigits(*fd.MaxDigits))
	}
	if fd.DecimalPlaces != nil {
		add(schema.DecimalPlaces(*fd.DecimalPlaces))
	}
	switch fd.Precision {
	case "", "reject":
	case "round":
		add(schema.Precision(schema.PrecisionRound))
	default:
		return nil, types.NewSchemaError(owner, "field %s: unknown precision policy %q", fd.Name, fd.Precision)
	}
	if fd.Help != "" {
		add(schema.Help(fd.Help))
	}
	return opts, nil
}
