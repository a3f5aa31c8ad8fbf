package query

import (
	"sort"
	"strings"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Spec is the complete state of a read: filter tree, projection, ordering
// and paging against one schema. Every method returns a new Spec and leaves
// the receiver untouched, so specs can be shared between goroutines.
type Spec struct {
	schema  *schema.Schema
	filter  Node
	only    []string
	exclude []string
	slices  map[string]interface{}
	order   []string
	ordered bool // false falls back to the schema ordering
	skip    int64
	limit   int64
}

// NewSpec returns the match-all spec for s
func NewSpec(s *schema.Schema) *Spec {
	return &Spec{schema: s}
}

func (q *Spec) clone() *Spec {
	c := *q
	c.only = append([]string(nil), q.only...)
	c.exclude = append([]string(nil), q.exclude...)
	c.order = append([]string(nil), q.order...)
	if q.slices != nil {
		c.slices = make(map[string]interface{}, len(q.slices))
		for k, v := range q.slices {
			c.slices[k] = v
		}
	}
	return &c
}

// Schema returns the target schema
func (q *Spec) Schema() *schema.Schema { return q.schema }

// Node returns the filter tree, nil when the spec matches everything
func (q *Spec) Node() Node { return q.filter }

// Partial reports whether the projection leaves out stored values
func (q *Spec) Partial() bool {
	return len(q.only) > 0 || len(q.exclude) > 0 || len(q.slices) > 0
}

// SkipValue returns the number of skipped documents
func (q *Spec) SkipValue() int64 { return q.skip }

// LimitValue returns the limit, 0 when unlimited
func (q *Spec) LimitValue() int64 { return q.limit }

// Filter narrows the spec to documents matching every node
func (q *Spec) Filter(nodes ...Node) *Spec {
	c := q.clone()
	c.filter = And(append([]Node{q.filter}, nodes...)...)
	return c
}

// Exclude narrows the spec to documents that do not match all of nodes
func (q *Spec) Exclude(nodes ...Node) *Spec {
	n := And(nodes...)
	if n == nil {
		return q
	}
	c := q.clone()
	c.filter = And(q.filter, Not(n))
	return c
}

// Only restricts loaded fields to names. The identity is always loaded.
func (q *Spec) Only(names ...string) *Spec {
	c := q.clone()
	c.only = appendUnique(c.only, names)
	return c
}

// ExcludeFields drops names from loaded documents
func (q *Spec) ExcludeFields(names ...string) *Spec {
	c := q.clone()
	c.exclude = appendUnique(c.exclude, names)
	return c
}

// Slice loads only the first n elements of a list field, or the last -n
func (q *Spec) Slice(name string, n int) *Spec {
	c := q.clone()
	if c.slices == nil {
		c.slices = make(map[string]interface{})
	}
	c.slices[name] = n
	return c
}

// SliceRange loads limit elements of a list field starting at skip
func (q *Spec) SliceRange(name string, skip, limit int) *Spec {
	c := q.clone()
	if c.slices == nil {
		c.slices = make(map[string]interface{})
	}
	c.slices[name] = [2]int{skip, limit}
	return c
}

// OrderBy replaces the ordering. Keys are field names with an optional "-"
// (descending) or "+" prefix. Calling it with no keys clears the ordering,
// including the schema default.
func (q *Spec) OrderBy(keys ...string) *Spec {
	c := q.clone()
	c.order = append([]string(nil), keys...)
	c.ordered = true
	return c
}

// Skip sets the number of documents to skip
func (q *Spec) Skip(n int64) *Spec {
	c := q.clone()
	c.skip = n
	return c
}

// Limit sets the maximum number of documents, 0 for no limit
func (q *Spec) Limit(n int64) *Spec {
	c := q.clone()
	c.limit = n
	return c
}

// CompileFilter compiles the filter tree and the class discriminator
func (q *Spec) CompileFilter() (bson.D, error) {
	filter, err := Compile(q.schema, q.filter)
	if err != nil {
		return nil, err
	}
	if cond, ok := q.schema.ClassCondition(); ok {
		return mergeAnd([]bson.D{{cond}, filter})
	}
	return filter, nil
}

// CompileSort compiles the ordering keys
func (q *Spec) CompileSort() (bson.D, error) {
	keys := q.order
	if !q.ordered {
		keys = q.schema.Ordering()
	}
	return CompileSort(q.schema, keys)
}

// CompileProjection compiles Only, ExcludeFields and Slice
func (q *Spec) CompileProjection() (bson.D, error) {
	proj := bson.D{}
	seen := map[string]bool{}

	if len(q.only) > 0 {
		excluded := map[string]bool{}
		for _, name := range q.exclude {
			excluded[name] = true
		}
		for _, name := range q.only {
			if excluded[name] {
				continue
			}
			p, err := q.resolve(name)
			if err != nil {
				return nil, err
			}
			if !seen[p] {
				proj = append(proj, bson.E{Key: p, Value: 1})
				seen[p] = true
			}
		}
		if q.schema.Polymorphic() && !seen[types.ClassKey] {
			proj = append(proj, bson.E{Key: types.ClassKey, Value: 1})
			seen[types.ClassKey] = true
		}
	} else {
		for _, name := range q.exclude {
			p, err := q.resolve(name)
			if err != nil {
				return nil, err
			}
			if p == types.IDKey {
				return nil, types.NewFieldError(q.schema.Name(), name, "the identity cannot be excluded")
			}
			if !seen[p] {
				proj = append(proj, bson.E{Key: p, Value: 0})
				seen[p] = true
			}
		}
	}

	names := make([]string, 0, len(q.slices))
	for name := range q.slices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path, err := q.schema.ResolveDotted(name)
		if err != nil {
			return nil, err
		}
		if _, ok := path.Field().(*schema.ListField); !ok {
			return nil, types.NewFieldError(q.schema.Name(), name, "slice needs a list field")
		}
		var arg interface{}
		switch v := q.slices[name].(type) {
		case int:
			arg = v
		case [2]int:
			arg = bson.A{v[0], v[1]}
		}
		p := path.String()
		if seen[p] {
			for i := range proj {
				if proj[i].Key == p {
					proj = append(proj[:i], proj[i+1:]...)
					break
				}
			}
		}
		proj = append(proj, bson.E{Key: p, Value: bson.D{{Key: "$slice", Value: arg}}})
	}
	return proj, nil
}

func (q *Spec) resolve(name string) (string, error) {
	path, err := q.schema.ResolveDotted(name)
	if err != nil {
		return "", err
	}
	return path.String(), nil
}

// Compile compiles the whole spec into a driver read
func (q *Spec) Compile() (driver.FindQuery, error) {
	var out driver.FindQuery
	if q.skip < 0 || q.limit < 0 {
		return out, types.NewOperationError("compile", "skip and limit must not be negative")
	}
	var err error
	if out.Filter, err = q.CompileFilter(); err != nil {
		return out, err
	}
	if out.Projection, err = q.CompileProjection(); err != nil {
		return out, err
	}
	if out.Sort, err = q.CompileSort(); err != nil {
		return out, err
	}
	out.Skip = q.skip
	out.Limit = q.limit
	return out, nil
}

// CompileSort compiles ordering keys such as "-age" or "+name"
func CompileSort(s *schema.Schema, keys []string) (bson.D, error) {
	out := bson.D{}
	for _, key := range keys {
		dir := 1
		name := key
		switch {
		case strings.HasPrefix(key, "-"):
			dir, name = -1, key[1:]
		case strings.HasPrefix(key, "+"):
			name = key[1:]
		}
		if name == "" {
			return nil, types.NewFieldError(s.Name(), key, "empty sort key")
		}
		path, err := s.ResolveDotted(name)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: path.String(), Value: dir})
	}
	return out, nil
}

func appendUnique(dst, names []string) []string {
	for _, n := range names {
		found := false
		for _, have := range dst {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, n)
		}
	}
	return dst
}
