// Package index normalizes declarative index definitions into canonical
// specs and ensures them idempotently through a driver.
package index

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Key directions and special index types
const (
	Ascending  = 1
	Descending = -1
	Text       = "text"
	Hashed     = "hashed"
	Sphere     = "2dsphere"
	Flat       = "2d"
)

// Pair is one key of an index
type Pair struct {
	Field     string
	Direction interface{} // 1, -1 or one of the special types
}

// Options is the long form of an index declaration
type Options struct {
	Fields        []interface{} // strings and Pairs
	Unique        bool
	Sparse        bool
	Background    bool
	Name          string
	ExpireAfter   time.Duration
	PartialFilter bson.D
}

// Spec is the canonical form of an index
type Spec struct {
	Keys          bson.D
	Name          string
	Unique        bool
	Sparse        bool
	Background    bool
	ExpireAfter   *int32
	PartialFilter bson.D
}

// Fields returns the key field names in order
func (s Spec) Fields() []string {
	out := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		out[i] = k.Key
	}
	return out
}

// WithKeys returns a copy with keys replaced and, when the name was derived
// from the old keys, a name derived from the new ones.
func (s Spec) WithKeys(keys bson.D) Spec {
	derived := s.Name == "" || s.Name == DefaultName(s.Keys)
	s.Keys = keys
	if derived {
		s.Name = DefaultName(keys)
	}
	return s
}

// Model converts the spec into the driver form
func (s Spec) Model() driver.IndexModel {
	return driver.IndexModel{
		Keys: s.Keys,
		Options: driver.IndexOptions{
			Name:          s.Name,
			Unique:        s.Unique,
			Sparse:        s.Sparse,
			Background:    s.Background,
			ExpireAfter:   s.ExpireAfter,
			PartialFilter: s.PartialFilter,
		},
	}
}

// DefaultName derives the server's default index name, e.g. "age_-1_name_1"
func DefaultName(keys bson.D) string {
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k.Key, fmt.Sprint(k.Value))
	}
	return strings.Join(parts, "_")
}

// ParseKey parses the prefixed string form of one key:
// "name" ascending, "-name" descending, "$name" text, "#name" hashed,
// "*name" 2dsphere and "+name" ascending.
func ParseKey(s string) (bson.E, error) {
	if s == "" {
		return bson.E{}, fmt.Errorf("empty index key")
	}
	var dir interface{} = Ascending
	switch s[0] {
	case '-':
		dir = Descending
	case '+':
		dir = Ascending
	case '$':
		dir = Text
	case '#':
		dir = Hashed
	case '*':
		dir = Sphere
	default:
		return bson.E{Key: s, Value: dir}, nil
	}
	if len(s) == 1 {
		return bson.E{}, fmt.Errorf("index key %q has no field", s)
	}
	return bson.E{Key: s[1:], Value: dir}, nil
}

// normalizeDirection accepts numbers and direction words
func normalizeDirection(d interface{}) (interface{}, error) {
	switch v := d.(type) {
	case nil:
		return Ascending, nil
	case int:
		return directionSign(int64(v))
	case int32:
		return directionSign(int64(v))
	case int64:
		return directionSign(v)
	case float64:
		return directionSign(int64(v))
	case string:
		switch strings.ToLower(v) {
		case "", "asc", "ascending", "1":
			return Ascending, nil
		case "desc", "descending", "-1":
			return Descending, nil
		case Text, Hashed, Sphere, Flat:
			return strings.ToLower(v), nil
		}
	}
	return nil, fmt.Errorf("invalid index direction %v", d)
}

func directionSign(n int64) (interface{}, error) {
	switch {
	case n > 0:
		return Ascending, nil
	case n < 0:
		return Descending, nil
	}
	return nil, fmt.Errorf("index direction cannot be 0")
}

func normalizeKey(item interface{}) (bson.E, error) {
	switch v := item.(type) {
	case string:
		return ParseKey(v)
	case Pair:
		if v.Field == "" {
			return bson.E{}, fmt.Errorf("index pair has no field")
		}
		dir, err := normalizeDirection(v.Direction)
		if err != nil {
			return bson.E{}, err
		}
		return bson.E{Key: v.Field, Value: dir}, nil
	case bson.E:
		return normalizeKey(Pair{Field: v.Key, Direction: v.Value})
	case map[string]interface{}:
		// {field: name, direction: -1} as written in schema files
		name, _ := v["field"].(string)
		return normalizeKey(Pair{Field: name, Direction: v["direction"]})
	}
	return bson.E{}, fmt.Errorf("unsupported index key %T", item)
}

func normalizeKeys(items []interface{}) (bson.D, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("index has no fields")
	}
	keys := make(bson.D, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		k, err := normalizeKey(item)
		if err != nil {
			return nil, err
		}
		if seen[k.Key] {
			return nil, fmt.Errorf("index names field %q twice", k.Key)
		}
		seen[k.Key] = true
		keys = append(keys, k)
	}
	return keys, nil
}

// Normalize converts one declaration into its canonical spec. Accepted forms:
// a key string, a Pair, []Pair, []string, []interface{}, Options, Spec and
// the map[string]interface{} form used by schema files.
func Normalize(decl interface{}) (Spec, error) {
	var items []interface{}
	var spec Spec
	switch v := decl.(type) {
	case Spec:
		if len(v.Keys) == 0 {
			return Spec{}, fmt.Errorf("index has no fields")
		}
		if v.Name == "" {
			v.Name = DefaultName(v.Keys)
		}
		return v, nil
	case string, Pair, bson.E:
		items = []interface{}{v}
	case []Pair:
		for _, p := range v {
			items = append(items, p)
		}
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []interface{}:
		items = v
	case Options:
		items = v.Fields
		spec = Spec{
			Name:          v.Name,
			Unique:        v.Unique,
			Sparse:        v.Sparse,
			Background:    v.Background,
			PartialFilter: v.PartialFilter,
		}
		if v.ExpireAfter > 0 {
			spec.ExpireAfter = driver.ExpireAfter(v.ExpireAfter)
		}
	case map[string]interface{}:
		return fromMap(v)
	default:
		return Spec{}, fmt.Errorf("unsupported index declaration %T", decl)
	}
	keys, err := normalizeKeys(items)
	if err != nil {
		return Spec{}, err
	}
	spec.Keys = keys
	if spec.Name == "" {
		spec.Name = DefaultName(keys)
	}
	return spec, nil
}

func fromMap(m map[string]interface{}) (Spec, error) {
	opts := Options{}
	switch f := m["fields"].(type) {
	case []interface{}:
		opts.Fields = f
	case []string:
		for _, s := range f {
			opts.Fields = append(opts.Fields, s)
		}
	case string:
		opts.Fields = []interface{}{f}
	default:
		return Spec{}, fmt.Errorf("index declaration needs a fields list")
	}
	opts.Unique, _ = m["unique"].(bool)
	opts.Sparse, _ = m["sparse"].(bool)
	opts.Background, _ = m["background"].(bool)
	opts.Name, _ = m["name"].(string)
	switch ttl := m["expire_after_seconds"].(type) {
	case int:
		opts.ExpireAfter = time.Duration(ttl) * time.Second
	case int64:
		opts.ExpireAfter = time.Duration(ttl) * time.Second
	}
	if pf, ok := m["partial_filter"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(pf))
		for k := range pf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			opts.PartialFilter = append(opts.PartialFilter, bson.E{Key: k, Value: pf[k]})
		}
	}
	return Normalize(opts)
}

// sameOptions compares the options that make two indexes interchangeable.
// Background only affects the build and is ignored.
func sameOptions(a driver.IndexOptions, b driver.IndexOptions) bool {
	if a.Unique != b.Unique || a.Sparse != b.Sparse {
		return false
	}
	if (a.ExpireAfter == nil) != (b.ExpireAfter == nil) {
		return false
	}
	if a.ExpireAfter != nil && *a.ExpireAfter != *b.ExpireAfter {
		return false
	}
	return reflect.DeepEqual(normalizeDoc(a.PartialFilter), normalizeDoc(b.PartialFilter))
}

func normalizeDoc(d bson.D) bson.D {
	if len(d) == 0 {
		return nil
	}
	return d
}

// sameKeys compares key documents, treating numeric directions of any Go
// type alike
func sameKeys(a, b bson.D) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
		da, errA := normalizeDirection(a[i].Value)
		db, errB := normalizeDirection(b[i].Value)
		if errA != nil || errB != nil || da != db {
			return false
		}
	}
	return true
}

// Indexer is the part of a driver the index manager needs
type Indexer interface {
	EnsureIndex(ctx context.Context, collection string, model driver.IndexModel) error
	ListIndexes(ctx context.Context, collection string) ([]driver.IndexModel, error)
}

// Ensure creates every spec missing from the collection. An index that
// already exists with the same keys and options is left alone; one that
// shares a name or keys but differs fails with an OperationError.
func Ensure(ctx context.Context, ix Indexer, collection string, specs []Spec) error {
	existing, err := ix.ListIndexes(ctx, collection)
	if err != nil {
		return &types.OperationError{Op: "ensure indexes", Reason: "listing indexes of " + collection, Err: err}
	}
	for _, spec := range specs {
		model := spec.Model()
		if model.Options.Name == "" {
			model.Options.Name = DefaultName(model.Keys)
		}
		found := false
		for _, ex := range existing {
			sameName := ex.Options.Name == model.Options.Name
			keysMatch := sameKeys(ex.Keys, model.Keys)
			if !sameName && !keysMatch {
				continue
			}
			if sameName && keysMatch && sameOptions(ex.Options, model.Options) {
				found = true
				break
			}
			if !sameName && keysMatch && sameOptions(ex.Options, model.Options) {
				// same index under another name
				found = true
				break
			}
			return types.NewOperationError("ensure indexes",
				"index %s on %s conflicts with existing index %s", model.Options.Name, collection, ex.Options.Name)
		}
		if found {
			continue
		}
		if err := ix.EnsureIndex(ctx, collection, model); err != nil {
			return &types.OperationError{Op: "ensure indexes", Reason: "creating index " + model.Options.Name, Err: err}
		}
		existing = append(existing, model)
	}
	return nil
}
