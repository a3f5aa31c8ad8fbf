// Package testutil loads a small blog universe (authors, posts with embedded
// comments and references between them) into an in-memory store for tests.
package testutil

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/schemafile"
	"gopkg.in/yaml.v3"
)

//go:embed testdata/schemas.yaml
var schemaFile []byte

//go:embed testdata/documents.yaml
var documentFile []byte

// UniverseData provides typed access to the fixture data
type UniverseData struct {
	Schemas *schemafile.Set
	Driver  *memdriver.Driver

	// Authors
	Ann *nanodoc.Document // Lisbon, two live posts
	Bob *nanodoc.Document // Porto, one live post and one draft
	Cid *nanodoc.Document // no email or address, one archived post

	// Posts
	Intro   *nanodoc.Document // live, two comments, most viewed
	Indexes *nanodoc.Document // live, priced, follows Intro
	Queries *nanodoc.Document // live, one comment, follows Indexes
	Draft   *nanodoc.Document // draft defaults, never published
	Old     *nanodoc.Document // archived

	// All documents by fixture key
	ByKey map[string]*nanodoc.Document
}

// fixtureDocument represents one entry of documents.yaml
type fixtureDocument struct {
	Key    string                 `yaml:"key"`
	Schema string                 `yaml:"schema"`
	Values map[string]interface{} `yaml:"values"`
}

type fixtureData struct {
	Documents []fixtureDocument `yaml:"documents"`
}

// SchemaFile returns the fixture schema file
func SchemaFile() []byte { return append([]byte(nil), schemaFile...) }

// WriteSchemaFile writes the fixture schema file into dir and returns its path
func WriteSchemaFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "schemas.yaml")
	if err := os.WriteFile(path, schemaFile, 0o644); err != nil {
		t.Fatalf("failed to write schema file: %v", err)
	}
	return path
}

// LoadUniverse saves the fixture documents through a new registry whose
// default connection is a memdriver created with opts. Documents are saved
// once everything they reference is saved.
func LoadUniverse(t *testing.T, opts ...memdriver.Option) (*nanodoc.Registry, *UniverseData) {
	t.Helper()

	set, err := schemafile.Load(bytes.NewReader(schemaFile))
	if err != nil {
		t.Fatalf("failed to load fixture schemas: %v", err)
	}
	drv, err := memdriver.New(opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	reg := nanodoc.NewRegistry()
	reg.Connect("", drv)
	t.Cleanup(func() { _ = reg.DisconnectAll(t.Context()) })

	var fixture fixtureData
	if err := yaml.Unmarshal(documentFile, &fixture); err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}

	universe := &UniverseData{
		Schemas: set,
		Driver:  drv,
		ByKey:   make(map[string]*nanodoc.Document),
	}

	// Multiple passes so referenced documents are saved first
	pending := fixture.Documents
	for len(pending) > 0 {
		var next []fixtureDocument
		for _, fd := range pending {
			if !universe.ready(fd.Values) {
				next = append(next, fd)
				continue
			}
			universe.ByKey[fd.Key] = universe.save(t, reg, fd)
		}
		if len(next) == len(pending) {
			var keys []string
			for _, fd := range next {
				keys = append(keys, fd.Key)
			}
			t.Fatalf("fixture documents reference unknown keys: %s", strings.Join(keys, ", "))
		}
		pending = next
	}

	universe.Ann = universe.ByKey["ann"]
	universe.Bob = universe.ByKey["bob"]
	universe.Cid = universe.ByKey["cid"]
	universe.Intro = universe.ByKey["intro"]
	universe.Indexes = universe.ByKey["indexes"]
	universe.Queries = universe.ByKey["queries"]
	universe.Draft = universe.ByKey["draft"]
	universe.Old = universe.ByKey["old"]
	return reg, universe
}

func (u *UniverseData) save(t *testing.T, reg *nanodoc.Registry, fd fixtureDocument) *nanodoc.Document {
	t.Helper()
	doc, err := reg.New(u.Schema(t, fd.Schema))
	if err != nil {
		t.Fatalf("failed to create document %s: %v", fd.Key, err)
	}
	names := make([]string, 0, len(fd.Values))
	for name := range fd.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := doc.Set(name, u.resolve(fd.Values[name])); err != nil {
			t.Fatalf("failed to set %s.%s: %v", fd.Key, name, err)
		}
	}
	if err := doc.Save(t.Context()); err != nil {
		t.Fatalf("failed to save document %s: %v", fd.Key, err)
	}
	return doc
}

// ready reports whether every document v references is saved
func (u *UniverseData) ready(v interface{}) bool {
	switch x := v.(type) {
	case string:
		if key, ok := strings.CutPrefix(x, "@"); ok {
			_, saved := u.ByKey[key]
			return saved
		}
	case []interface{}:
		for _, item := range x {
			if !u.ready(item) {
				return false
			}
		}
	case map[string]interface{}:
		for _, item := range x {
			if !u.ready(item) {
				return false
			}
		}
	}
	return true
}

// resolve replaces @key strings with the saved documents
func (u *UniverseData) resolve(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		if key, ok := strings.CutPrefix(x, "@"); ok {
			return u.ByKey[key]
		}
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, item := range x {
			out[i] = u.resolve(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[k] = u.resolve(item)
		}
		return out
	}
	return v
}

// Schema returns a fixture schema by name
func (u *UniverseData) Schema(t *testing.T, name string) *schema.Schema {
	t.Helper()
	s, ok := u.Schemas.Get(name)
	if !ok {
		t.Fatalf("fixture has no schema %s", name)
	}
	return s
}

// Posts returns the fixture posts in fixture order
func (u *UniverseData) Posts() []*nanodoc.Document {
	return []*nanodoc.Document{u.Intro, u.Indexes, u.Queries, u.Draft, u.Old}
}

// Authors returns the fixture authors in fixture order
func (u *UniverseData) Authors() []*nanodoc.Document {
	return []*nanodoc.Document{u.Ann, u.Bob, u.Cid}
}
