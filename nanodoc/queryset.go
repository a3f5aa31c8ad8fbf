package nanodoc

import (
	"context"
	"iter"
	"strings"

	"github.com/arthur-debert/nanodoc/aggregate"
	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/query"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// QuerySet is a lazy, immutable read over one schema. Chaining returns a
// new QuerySet; nothing touches the driver until a terminal method runs,
// and every terminal call runs the query again.
type QuerySet struct {
	reg   *Registry
	alias string
	spec  *query.Spec
}

// Objects returns the match-all query set of s on the default registry
func Objects(s *schema.Schema) QuerySet { return defaultRegistry.Objects(s) }

// Objects returns the match-all query set of s
func (r *Registry) Objects(s *schema.Schema) QuerySet {
	return QuerySet{reg: r, alias: s.Alias(), spec: query.NewSpec(s)}
}

func (qs QuerySet) with(spec *query.Spec) QuerySet {
	qs.spec = spec
	return qs
}

// Schema returns the target schema
func (qs QuerySet) Schema() *schema.Schema { return qs.spec.Schema() }

// Spec returns the underlying query state
func (qs QuerySet) Spec() *query.Spec { return qs.spec }

// Filter narrows the set to documents matching every node
func (qs QuerySet) Filter(nodes ...query.Node) QuerySet { return qs.with(qs.spec.Filter(nodes...)) }

// Exclude removes documents matching all the nodes
func (qs QuerySet) Exclude(nodes ...query.Node) QuerySet { return qs.with(qs.spec.Exclude(nodes...)) }

// Only loads just the named fields
func (qs QuerySet) Only(names ...string) QuerySet { return qs.with(qs.spec.Only(names...)) }

// ExcludeFields loads everything but the named fields
func (qs QuerySet) ExcludeFields(names ...string) QuerySet {
	return qs.with(qs.spec.ExcludeFields(names...))
}

// Slice loads the first n elements of a list field, the last -n when n is
// negative
func (qs QuerySet) Slice(name string, n int) QuerySet { return qs.with(qs.spec.Slice(name, n)) }

// SliceRange loads limit elements of a list field after skipping skip
func (qs QuerySet) SliceRange(name string, skip, limit int) QuerySet {
	return qs.with(qs.spec.SliceRange(name, skip, limit))
}

// OrderBy sets the ordering, e.g. OrderBy("-age", "name"). Calling it
// without keys clears the ordering, including the schema default.
func (qs QuerySet) OrderBy(keys ...string) QuerySet { return qs.with(qs.spec.OrderBy(keys...)) }

// Skip skips the first n documents
func (qs QuerySet) Skip(n int64) QuerySet { return qs.with(qs.spec.Skip(n)) }

// Limit returns at most n documents; 0 removes the limit
func (qs QuerySet) Limit(n int64) QuerySet { return qs.with(qs.spec.Limit(n)) }

// Using routes the query set through another connection alias
func (qs QuerySet) Using(alias string) QuerySet {
	qs.alias = alias
	return qs
}

// Compile returns the driver read the query set would run
func (qs QuerySet) Compile() (driver.FindQuery, error) { return qs.spec.Compile() }

func (qs QuerySet) driver(ctx context.Context) (driver.Driver, error) {
	return qs.reg.Get(ctx, qs.alias)
}

func (qs QuerySet) collection() (string, error) {
	s := qs.Schema()
	if s.Collection() == "" {
		return "", types.NewSchemaError(s.Name(), "schema %s has no collection", s.Name())
	}
	return s.Collection(), nil
}

// Values runs the query and returns the stored documents undecoded
func (qs QuerySet) Values(ctx context.Context) ([]bson.M, error) {
	coll, err := qs.collection()
	if err != nil {
		return nil, err
	}
	q, err := qs.Compile()
	if err != nil {
		return nil, err
	}
	drv, err := qs.driver(ctx)
	if err != nil {
		return nil, err
	}
	log().Debug("find", "collection", coll, "filter", query.String(q.Filter), "skip", q.Skip, "limit", q.Limit)
	return drv.Find(ctx, coll, q)
}

// All runs the query and decodes every document
func (qs QuerySet) All(ctx context.Context) ([]*Document, error) {
	var out []*Document
	for doc, err := range qs.Iter(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Iter runs the query when iteration starts and decodes documents one at a
// time. A decoding error is yielded and ends the iteration.
func (qs QuerySet) Iter(ctx context.Context) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		raws, err := qs.Values(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, raw := range raws {
			doc, err := fromWire(qs.reg, qs.alias, qs.Schema(), raw)
			if err != nil {
				yield(nil, err)
				return
			}
			doc.partial = qs.spec.Partial()
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Count counts matching documents. Skip and limit apply only when
// withSkipLimit is set.
func (qs QuerySet) Count(ctx context.Context, withSkipLimit bool) (int64, error) {
	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	filter, err := qs.spec.CompileFilter()
	if err != nil {
		return 0, err
	}
	drv, err := qs.driver(ctx)
	if err != nil {
		return 0, err
	}
	var skip, limit int64
	if withSkipLimit {
		skip, limit = qs.spec.SkipValue(), qs.spec.LimitValue()
	}
	return drv.Count(ctx, coll, filter, skip, limit)
}

// First returns the first document in order, nil when none matches
func (qs QuerySet) First(ctx context.Context) (*Document, error) {
	docs, err := qs.Limit(1).All(ctx)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// Get returns the single document matching the set and nodes. It fails with
// DoesNotExist or MultipleObjectsReturned otherwise.
func (qs QuerySet) Get(ctx context.Context, nodes ...query.Node) (*Document, error) {
	qs = qs.Filter(nodes...)
	docs, err := qs.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 1:
		return docs[0], nil
	case 0:
		filter, _ := qs.spec.CompileFilter()
		return nil, &types.DoesNotExist{Schema: qs.Schema().Name(), Query: query.String(filter)}
	}
	n, err := qs.Count(ctx, false)
	if err != nil {
		return nil, err
	}
	return nil, &types.MultipleObjectsReturned{Schema: qs.Schema().Name(), Count: int(n)}
}

// InBulk loads the documents with the given identities, keyed by identity.
// Missing identities are absent from the map.
func (qs QuerySet) InBulk(ctx context.Context, ids ...interface{}) (map[interface{}]*Document, error) {
	out := make(map[interface{}]*Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	for doc, err := range qs.Filter(query.Q{"pk__in": ids}).Iter(ctx) {
		if err != nil {
			return nil, err
		}
		out[doc.Identity()] = doc
	}
	return out, nil
}

// Distinct returns the distinct values of a field among matching
// documents, in first-seen order. List values contribute their elements.
func (qs QuerySet) Distinct(ctx context.Context, name string) ([]interface{}, error) {
	s := qs.Schema()
	path, err := s.ResolveDotted(name)
	if err != nil {
		return nil, err
	}
	raws, err := qs.Only(name).OrderBy().Values(ctx)
	if err != nil {
		return nil, err
	}
	field := path.Field()
	if lf, ok := field.(*schema.ListField); ok {
		field = lf.Inner()
	}

	var out []interface{}
	add := func(w interface{}) error {
		v := w
		if field != nil {
			var err error
			if v, err = field.FromWire(w); err != nil {
				return err
			}
		}
		for _, seen := range out {
			if schema.ValuesEqual(seen, v) {
				return nil
			}
		}
		out = append(out, v)
		return nil
	}
	for _, raw := range raws {
		for _, w := range pathValues(raw, strings.Split(path.String(), ".")) {
			if items, ok := w.(bson.A); ok {
				for _, item := range items {
					if err := add(item); err != nil {
						return nil, err
					}
				}
				continue
			}
			if err := add(w); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// pathValues collects the values at a dotted path, descending into arrays
// of documents
func pathValues(v interface{}, parts []string) []interface{} {
	if len(parts) == 0 {
		if v == nil {
			return nil
		}
		return []interface{}{v}
	}
	switch x := v.(type) {
	case bson.M:
		return pathValues(x[parts[0]], parts[1:])
	case bson.D:
		for _, e := range x {
			if e.Key == parts[0] {
				return pathValues(e.Value, parts[1:])
			}
		}
	case bson.A:
		var out []interface{}
		for _, item := range x {
			out = append(out, pathValues(item, parts)...)
		}
		return out
	}
	return nil
}

// Update applies update operators to every matching document and returns
// the number modified
func (qs QuerySet) Update(ctx context.Context, u query.Update) (int64, error) {
	return qs.update(ctx, u, false)
}

// UpdateOne applies update operators to the first matching document
func (qs QuerySet) UpdateOne(ctx context.Context, u query.Update) (int64, error) {
	return qs.update(ctx, u, true)
}

func (qs QuerySet) update(ctx context.Context, u query.Update, single bool) (int64, error) {
	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	upd, err := query.CompileUpdate(qs.Schema(), u)
	if err != nil {
		return 0, err
	}
	filter, err := qs.spec.CompileFilter()
	if err != nil {
		return 0, err
	}
	drv, err := qs.driver(ctx)
	if err != nil {
		return 0, err
	}
	n, err := drv.UpdateMany(ctx, coll, filter, upd, single)
	if err != nil {
		return 0, err
	}
	log().Debug("updated documents", "collection", coll, "filter", query.String(filter), "modified", n)
	return n, nil
}

// Delete removes every matching document and returns how many were removed.
// When the schema has delete hooks, or the set is paged, documents are
// loaded and deleted one by one so the hooks fire for each.
func (qs QuerySet) Delete(ctx context.Context) (int64, error) {
	s := qs.Schema()
	paged := qs.spec.SkipValue() > 0 || qs.spec.LimitValue() > 0
	if paged || s.HasHooks(schema.PreDelete) || s.HasHooks(schema.PostDelete) {
		var n int64
		for doc, err := range qs.Iter(ctx) {
			if err != nil {
				return n, err
			}
			if err := doc.Delete(ctx); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}

	coll, err := qs.collection()
	if err != nil {
		return 0, err
	}
	filter, err := qs.spec.CompileFilter()
	if err != nil {
		return 0, err
	}
	drv, err := qs.driver(ctx)
	if err != nil {
		return 0, err
	}
	n, err := drv.DeleteMany(ctx, coll, filter)
	if err != nil {
		return 0, err
	}
	log().Debug("deleted documents", "collection", coll, "filter", query.String(filter), "count", n)
	return n, nil
}

// Aggregate runs a pipeline over the matching documents. The query set's
// filter, ordering, skip and limit become the leading $match, $sort, $skip
// and $limit stages. Nothing runs until the results are consumed.
func (qs QuerySet) Aggregate(p aggregate.Pipeline) *aggregate.Results {
	return aggregate.NewResults(func(ctx context.Context) ([]bson.M, error) {
		stages, err := qs.Pipeline(p)
		if err != nil {
			return nil, err
		}
		coll, err := qs.collection()
		if err != nil {
			return nil, err
		}
		drv, err := qs.driver(ctx)
		if err != nil {
			return nil, err
		}
		log().Debug("aggregate", "collection", coll, "stages", len(stages))
		return drv.Aggregate(ctx, coll, stages)
	})
}

// Pipeline compiles the stages Aggregate would run
func (qs QuerySet) Pipeline(p aggregate.Pipeline) ([]bson.D, error) {
	q, err := qs.Compile()
	if err != nil {
		return nil, err
	}
	var stages []bson.D
	if len(q.Filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: q.Filter}})
	}
	if len(q.Sort) > 0 {
		stages = append(stages, bson.D{{Key: "$sort", Value: q.Sort}})
	}
	if q.Skip > 0 {
		stages = append(stages, bson.D{{Key: "$skip", Value: q.Skip}})
	}
	if q.Limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: q.Limit}})
	}
	if p == nil {
		return stages, nil
	}
	rest, err := p.Compile(qs.Schema())
	if err != nil {
		return nil, err
	}
	return append(stages, rest...), nil
}
