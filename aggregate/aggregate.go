// Package aggregate builds aggregation pipelines.
//
// Two modes are supported. Named maps output names to accumulator
// expressions and compiles to a single $group stage, grouped under a null
// key unless GroupBy supplies one. Stages passes raw pipeline stages through
// untouched.
package aggregate

import (
	"sort"
	"strings"

	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Pipeline compiles to pipeline stages for a schema
type Pipeline interface {
	Compile(s *schema.Schema) ([]bson.D, error)
}

// Expr is an accumulator over one field
type Expr struct {
	op    string
	field string
}

// Sum adds the values of field
func Sum(field string) Expr { return Expr{op: "$sum", field: field} }

// Avg averages the values of field
func Avg(field string) Expr { return Expr{op: "$avg", field: field} }

// Min takes the smallest value of field
func Min(field string) Expr { return Expr{op: "$min", field: field} }

// Max takes the largest value of field
func Max(field string) Expr { return Expr{op: "$max", field: field} }

// First takes the value of field from the first document of each group
func First(field string) Expr { return Expr{op: "$first", field: field} }

// Last takes the value of field from the last document of each group
func Last(field string) Expr { return Expr{op: "$last", field: field} }

// Push collects the values of field into a list
func Push(field string) Expr { return Expr{op: "$push", field: field} }

// Count counts documents. With a field, only documents where the field is
// set and not null are counted.
func Count(field ...string) Expr {
	e := Expr{op: "$count"}
	if len(field) > 0 {
		e.field = field[0]
	}
	return e
}

func (e Expr) compile(s *schema.Schema) (interface{}, error) {
	if e.op == "$count" {
		if e.field == "" {
			return bson.D{{Key: "$sum", Value: 1}}, nil
		}
		ref, err := fieldRef(s, e.field)
		if err != nil {
			return nil, err
		}
		present := bson.D{{Key: "$ifNull", Value: bson.A{ref, nil}}}
		isSet := bson.D{{Key: "$ne", Value: bson.A{present, nil}}}
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{isSet, 1, 0}}}}}, nil
	}
	if e.op == "" {
		return nil, types.NewOperationError("aggregate", "empty aggregate expression")
	}
	ref, err := fieldRef(s, e.field)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: e.op, Value: ref}}, nil
}

func fieldRef(s *schema.Schema, name string) (string, error) {
	if name == "" {
		return "", types.NewFieldError(s.Name(), name, "aggregate needs a field name")
	}
	path, err := s.ResolveDotted(name)
	if err != nil {
		return "", err
	}
	return "$" + path.String(), nil
}

// Named maps output names to expressions
type Named map[string]Expr

// Compile returns one $group stage keyed by null
func (n Named) Compile(s *schema.Schema) ([]bson.D, error) {
	return Group{named: n}.Compile(s)
}

// GroupBy groups the named expressions by the values of fields
func (n Named) GroupBy(fields ...string) Group {
	return Group{named: n, by: append([]string(nil), fields...)}
}

// Group is a Named aggregation with a group key
type Group struct {
	named Named
	by    []string
}

// Compile returns one $group stage. A single group field becomes the group
// identity directly; several become a document keyed by field name.
func (g Group) Compile(s *schema.Schema) ([]bson.D, error) {
	if len(g.named) == 0 {
		return nil, types.NewOperationError("aggregate", "no aggregate expressions given")
	}

	var id interface{}
	switch len(g.by) {
	case 0:
		id = nil
	case 1:
		ref, err := fieldRef(s, g.by[0])
		if err != nil {
			return nil, err
		}
		id = ref
	default:
		key := bson.D{}
		for _, name := range g.by {
			ref, err := fieldRef(s, name)
			if err != nil {
				return nil, err
			}
			key = append(key, bson.E{Key: strings.ReplaceAll(name, ".", "_"), Value: ref})
		}
		id = key
	}

	names := make([]string, 0, len(g.named))
	for name := range g.named {
		names = append(names, name)
	}
	sort.Strings(names)

	group := bson.D{{Key: "_id", Value: id}}
	for _, name := range names {
		if name == "" || name == types.IDKey || strings.HasPrefix(name, "$") || strings.Contains(name, ".") {
			return nil, types.NewFieldError(s.Name(), name, "invalid aggregate output name %q", name)
		}
		expr, err := g.named[name].compile(s)
		if err != nil {
			return nil, err
		}
		group = append(group, bson.E{Key: name, Value: expr})
	}
	return []bson.D{{{Key: "$group", Value: group}}}, nil
}

type stages []bson.D

// Stages passes raw pipeline stages through. Field names inside them are
// storage names and are not checked.
func Stages(list ...bson.D) Pipeline {
	out := make(stages, len(list))
	for i, st := range list {
		out[i] = append(bson.D(nil), st...)
	}
	return out
}

func (st stages) Compile(*schema.Schema) ([]bson.D, error) {
	for i, stage := range st {
		if len(stage) != 1 || !strings.HasPrefix(stage[0].Key, "$") {
			return nil, types.NewOperationError("aggregate", "stage %d must be a single $operator document", i)
		}
	}
	return append([]bson.D(nil), st...), nil
}
