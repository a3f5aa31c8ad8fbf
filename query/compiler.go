package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// dynamic prepares operands on paths without a typed field, such as keys
// inside untyped maps
var dynamic = schema.Dynamic("value")

type compiler struct {
	s *schema.Schema
}

// Compile compiles a filter tree against a schema. Negation is pushed down
// to the leaves, so the output never contains a document-level $not. A nil
// node compiles to the empty filter.
func Compile(s *schema.Schema, n Node) (bson.D, error) {
	if n == nil {
		return bson.D{}, nil
	}
	c := &compiler{s: s}
	return c.node(n, false)
}

func (c *compiler) node(n Node, neg bool) (bson.D, error) {
	switch v := n.(type) {
	case nil:
		return bson.D{}, nil
	case Q:
		return c.q(v, neg)
	case andNode:
		if neg {
			return c.or(v.children, true)
		}
		return c.and(v.children, false)
	case orNode:
		if neg {
			return c.and(v.children, true)
		}
		return c.or(v.children, false)
	case notNode:
		return c.node(v.child, !neg)
	case rawNode:
		if neg {
			return bson.D{{Key: "$nor", Value: bson.A{v.doc}}}, nil
		}
		return v.doc, nil
	}
	return nil, types.NewOperationError("compile", "unknown filter node %T", n)
}

func (c *compiler) q(q Q, neg bool) (bson.D, error) {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	docs := make([]bson.D, 0, len(keys))
	for _, k := range keys {
		d, err := c.leaf(k, q[k], neg)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if neg && len(docs) > 1 {
		// not (a and b) == (not a) or (not b)
		return orDocs(docs), nil
	}
	return mergeAnd(docs)
}

func (c *compiler) and(children []Node, neg bool) (bson.D, error) {
	docs := make([]bson.D, 0, len(children))
	for _, child := range children {
		d, err := c.node(child, neg)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return mergeAnd(docs)
}

func (c *compiler) or(children []Node, neg bool) (bson.D, error) {
	docs := make([]bson.D, 0, len(children))
	for _, child := range children {
		d, err := c.node(child, neg)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return orDocs(docs), nil
}

// orDocs joins docs with $or. An empty doc matches everything, which makes
// the whole disjunction match everything.
func orDocs(docs []bson.D) bson.D {
	var alts bson.A
	for _, d := range docs {
		if len(d) == 0 {
			return bson.D{}
		}
		if len(d) == 1 && d[0].Key == "$or" {
			if nested, ok := d[0].Value.(bson.A); ok {
				alts = append(alts, nested...)
				continue
			}
		}
		alts = append(alts, d)
	}
	switch len(alts) {
	case 0:
		return bson.D{}
	case 1:
		return alts[0].(bson.D)
	}
	return bson.D{{Key: "$or", Value: alts}}
}

// mergeAnd conjoins docs. Docs whose conditions touch distinct paths, or
// distinct operators on the same path, merge into one document; any
// collision falls back to $and.
func mergeAnd(docs []bson.D) (bson.D, error) {
	var flat []bson.D
	for _, d := range docs {
		if len(d) == 0 {
			continue
		}
		if len(d) == 1 && d[0].Key == "$and" {
			if nested, ok := d[0].Value.(bson.A); ok {
				for _, item := range nested {
					flat = append(flat, item.(bson.D))
				}
				continue
			}
		}
		flat = append(flat, d)
	}
	switch len(flat) {
	case 0:
		return bson.D{}, nil
	case 1:
		return foldGeo(flat[0])
	}

	merged := bson.D{}
	for _, d := range flat {
		for _, e := range d {
			if !mergeElem(&merged, e) {
				return andDocs(flat)
			}
		}
	}
	return foldGeo(merged)
}

func andDocs(docs []bson.D) (bson.D, error) {
	items := make(bson.A, 0, len(docs))
	for _, d := range docs {
		folded, err := foldGeo(d)
		if err != nil {
			return nil, err
		}
		items = append(items, folded)
	}
	return bson.D{{Key: "$and", Value: items}}, nil
}

func mergeElem(doc *bson.D, e bson.E) bool {
	for i, existing := range *doc {
		if existing.Key != e.Key {
			continue
		}
		a, okA := operatorDoc(existing.Value)
		b, okB := operatorDoc(e.Value)
		if !okA || !okB {
			return false
		}
		for _, op := range b {
			for _, have := range a {
				if have.Key == op.Key {
					return false
				}
			}
		}
		combined := append(append(bson.D(nil), a...), b...)
		(*doc)[i].Value = combined
		return true
	}
	*doc = append(*doc, e)
	return true
}

// operatorDoc reports whether v is a document of $-operators
func operatorDoc(v interface{}) (bson.D, bool) {
	d, ok := v.(bson.D)
	if !ok || len(d) == 0 {
		return nil, false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	return d, true
}

// foldGeo moves $maxDistance and $minDistance into the $near document they
// qualify
func foldGeo(d bson.D) (bson.D, error) {
	var out bson.D
	for i, e := range d {
		ops, ok := operatorDoc(e.Value)
		if !ok {
			continue
		}
		var near bson.D
		hasNear := false
		var limits, rest bson.D
		for _, op := range ops {
			switch op.Key {
			case "$maxDistance", "$minDistance":
				limits = append(limits, op)
				continue
			case "$near":
				near, _ = op.Value.(bson.D)
				hasNear = true
			}
			rest = append(rest, op)
		}
		if len(limits) == 0 {
			continue
		}
		if !hasNear {
			return nil, types.NewOperationError("compile", "%s on %s needs a near lookup in the same Q", limits[0].Key, e.Key)
		}
		near = append(append(bson.D(nil), near...), limits...)
		for j := range rest {
			if rest[j].Key == "$near" {
				rest[j].Value = near
			}
		}
		if out == nil {
			out = append(bson.D(nil), d...)
		}
		out[i].Value = rest
	}
	if out == nil {
		return d, nil
	}
	return out, nil
}

func (c *compiler) leaf(key string, operand interface{}, neg bool) (bson.D, error) {
	l := parseLookup(key)
	neg = neg != l.negated
	if len(l.parts) == 0 || l.parts[0] == "" {
		return nil, types.NewFieldError(c.s.Name(), key, "empty field name in lookup")
	}
	path, err := c.s.Resolve(l.parts)
	if err != nil {
		return nil, err
	}
	field := path.Field()
	p := path.String()

	cond := func(v interface{}) (bson.D, error) { return bson.D{{Key: p, Value: v}}, nil }
	opDoc := func(op string, v interface{}) bson.D { return bson.D{{Key: op, Value: v}} }
	negatable := func(op string, v interface{}) (bson.D, error) {
		if neg {
			return cond(opDoc("$not", opDoc(op, v)))
		}
		return cond(opDoc(op, v))
	}

	switch l.op {
	case "exact":
		w, err := prepare(field, "exact", operand)
		if err != nil {
			return nil, err
		}
		if neg {
			return cond(opDoc("$ne", w))
		}
		return cond(w)

	case "ne":
		w, err := prepare(field, "ne", operand)
		if err != nil {
			return nil, err
		}
		if neg {
			return cond(w)
		}
		return cond(opDoc("$ne", w))

	case "gt", "gte", "lt", "lte":
		w, err := prepare(field, l.op, operand)
		if err != nil {
			return nil, err
		}
		return negatable(operators[l.op], w)

	case "in", "nin":
		list, err := prepareList(field, l.op, operand)
		if err != nil {
			return nil, err
		}
		op := l.op
		if neg {
			op = map[string]string{"in": "nin", "nin": "in"}[op]
		}
		return cond(opDoc(operators[op], list))

	case "all":
		list, err := prepareList(field, l.op, operand)
		if err != nil {
			return nil, err
		}
		return negatable("$all", list)

	case "size":
		n, ok := asInt64(operand)
		if !ok || n < 0 {
			return nil, types.NewFieldError(c.s.Name(), key, "size needs a non-negative integer, got %v", operand)
		}
		return negatable("$size", n)

	case "exists":
		b, ok := operand.(bool)
		if !ok {
			return nil, types.NewFieldError(c.s.Name(), key, "exists needs a boolean, got %T", operand)
		}
		return cond(opDoc("$exists", b != neg))

	case "type":
		switch operand.(type) {
		case string, int, int32, int64:
		default:
			return nil, types.NewFieldError(c.s.Name(), key, "type needs a type name or number, got %T", operand)
		}
		return negatable("$type", operand)

	case "mod":
		parts, ok := schema.SliceValues(operand)
		if !ok || len(parts) != 2 {
			return nil, types.NewFieldError(c.s.Name(), key, "mod needs [divisor, remainder]")
		}
		d, okD := asInt64(parts[0])
		r, okR := asInt64(parts[1])
		if !okD || !okR || d == 0 {
			return nil, types.NewFieldError(c.s.Name(), key, "mod needs a non-zero integer divisor and an integer remainder")
		}
		return negatable("$mod", bson.A{d, r})

	case "match", "elem_match":
		m, err := c.elemMatch(key, field, operand)
		if err != nil {
			return nil, err
		}
		return negatable("$elemMatch", m)

	case "near", "max_distance", "min_distance", "within_box", "within_polygon", "within_distance":
		return c.geo(key, l.op, field, operand, neg, cond)
	}

	if schema.IsStringOperator(l.op) {
		w, err := prepare(field, l.op, operand)
		if err != nil {
			return nil, err
		}
		re, ok := w.(bson.Regex)
		if !ok {
			return nil, types.NewFieldError(c.s.Name(), key, "operator %s is not supported on this field", l.op)
		}
		if neg {
			return cond(opDoc("$not", re))
		}
		return cond(opDoc("$regex", re))
	}
	return nil, types.NewFieldError(c.s.Name(), key, "unknown operator %q", l.op)
}

func (c *compiler) geo(key, op string, field schema.Field, operand interface{}, neg bool,
	cond func(interface{}) (bson.D, error)) (bson.D, error) {
	if field == nil || field.Kind() != schema.KindPoint {
		return nil, types.NewFieldError(c.s.Name(), key, "operator %s needs a point field", op)
	}
	if neg && (op == "near" || op == "max_distance" || op == "min_distance") {
		return nil, types.NewOperationError("compile", "%s cannot be negated", key)
	}
	w, err := field.PrepareQuery(op, operand)
	if err != nil {
		return nil, err
	}
	var expr bson.D
	switch op {
	case "near":
		expr = bson.D{{Key: "$near", Value: w}}
	case "max_distance":
		expr = bson.D{{Key: "$maxDistance", Value: w}}
	case "min_distance":
		expr = bson.D{{Key: "$minDistance", Value: w}}
	case "within_box":
		expr = bson.D{{Key: "$geoWithin", Value: bson.D{{Key: "$box", Value: w}}}}
	case "within_polygon":
		expr = bson.D{{Key: "$geoWithin", Value: w}}
	case "within_distance":
		expr = bson.D{{Key: "$geoWithin", Value: bson.D{{Key: "$centerSphere", Value: w}}}}
	}
	if neg {
		return cond(bson.D{{Key: "$not", Value: expr}})
	}
	return cond(expr)
}

// elemMatch compiles the operand of match: a Node against the embedded
// schema of a list of embedded documents, or a raw document.
func (c *compiler) elemMatch(key string, field schema.Field, operand interface{}) (bson.D, error) {
	switch v := operand.(type) {
	case bson.D:
		return v, nil
	case bson.M:
		return sortedDoc(v), nil
	case Node:
		list, ok := field.(*schema.ListField)
		if !ok {
			return nil, types.NewFieldError(c.s.Name(), key, "match needs a list field")
		}
		emb, ok := list.Inner().(*schema.EmbeddedField)
		if !ok {
			return nil, types.NewFieldError(c.s.Name(), key, "match with lookups needs a list of embedded documents")
		}
		return Compile(emb.Schema(), v)
	}
	return nil, types.NewFieldError(c.s.Name(), key, "match needs a Q or a document, got %T", operand)
}

func prepare(field schema.Field, op string, v interface{}) (interface{}, error) {
	if field == nil {
		field = dynamic
	}
	return field.PrepareQuery(op, v)
}

func prepareList(field schema.Field, op string, v interface{}) (bson.A, error) {
	items, ok := schema.SliceValues(v)
	if !ok {
		name := "value"
		if field != nil {
			name = field.Name()
		}
		return nil, types.NewFieldError("", name, "operator %s needs a list, got %T", op, v)
	}
	out := make(bson.A, 0, len(items))
	for _, item := range items {
		w, err := prepare(field, op, item)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}

func sortedDoc(m bson.M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(bson.D, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}

// String renders a filter for logs and error messages
func String(d bson.D) string {
	return fmt.Sprint(d)
}
