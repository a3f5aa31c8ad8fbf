package query

import (
	"errors"
	"testing"

	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func peopleSchema(t *testing.T) *schema.Schema {
	t.Helper()
	address := schema.NewEmbedded("Address").Field(schema.String("city"), schema.Int("zip")).MustBuild()
	author := schema.New("Author").Field(schema.String("name")).MustBuild()
	return schema.New("Person").Field(
		schema.String("name", schema.DBField("n")),
		schema.Int("age"),
		schema.List("tags", schema.String("")),
		schema.List("addresses", schema.Embedded("", address)),
		schema.Embedded("home", address),
		schema.Ref("author", author),
		schema.GeoPoint("loc"),
		schema.String("type"),
		schema.Map("attrs", nil),
	).MustBuild()
}

func TestCompile(t *testing.T) {
	s := peopleSchema(t)
	oid := bson.NewObjectID()

	tests := []struct {
		name string
		node Node
		want bson.D
	}{
		{"nil", nil, bson.D{}},
		{"empty Q", Q{}, bson.D{}},
		{
			"exact uses storage name",
			Q{"name": "bob"},
			bson.D{{Key: "n", Value: "bob"}},
		},
		{
			"range merges on one path",
			Q{"age__gte": 18, "age__lte": 65},
			bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: int64(18)}, {Key: "$lte", Value: int64(65)}}}},
		},
		{
			"size",
			Q{"tags__size": 3},
			bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: int64(3)}}}},
		},
		{
			"in prepares each element",
			Q{"age__in": []int{1, 2}},
			bson.D{{Key: "age", Value: bson.D{{Key: "$in", Value: bson.A{int64(1), int64(2)}}}}},
		},
		{
			"negated in",
			Q{"age__not__in": []int{1}},
			bson.D{{Key: "age", Value: bson.D{{Key: "$nin", Value: bson.A{int64(1)}}}}},
		},
		{
			"string operator",
			Q{"name__istartswith": "Bo"},
			bson.D{{Key: "n", Value: bson.D{{Key: "$regex", Value: bson.Regex{Pattern: "^Bo", Options: "i"}}}}},
		},
		{
			"negated string operator",
			Q{"name__not__contains": "x"},
			bson.D{{Key: "n", Value: bson.D{{Key: "$not", Value: bson.Regex{Pattern: "x"}}}}},
		},
		{
			"field named like an operator",
			Q{"type": "a"},
			bson.D{{Key: "type", Value: "a"}},
		},
		{
			"escaped operator name",
			Q{"type__": "a"},
			bson.D{{Key: "type", Value: "a"}},
		},
		{
			"operator on field named like an operator",
			Q{"type__exists": true},
			bson.D{{Key: "type", Value: bson.D{{Key: "$exists", Value: true}}}},
		},
		{
			"embedded path",
			Q{"home__city": "Lisbon"},
			bson.D{{Key: "home.city", Value: "Lisbon"}},
		},
		{
			"list of embedded path",
			Q{"addresses__zip__gt": 1000},
			bson.D{{Key: "addresses.zip", Value: bson.D{{Key: "$gt", Value: int64(1000)}}}},
		},
		{
			"reference identity",
			Q{"author__id": oid},
			bson.D{{Key: "author", Value: oid}},
		},
		{
			"pk",
			Q{"pk": oid.Hex()},
			bson.D{{Key: "_id", Value: oid}},
		},
		{
			"untyped map key",
			Q{"attrs__color__startswith": "r"},
			bson.D{{Key: "attrs.color", Value: bson.D{{Key: "$regex", Value: bson.Regex{Pattern: "^r"}}}}},
		},
		{
			"field not",
			Q{"age__not": 3},
			bson.D{{Key: "age", Value: bson.D{{Key: "$ne", Value: int64(3)}}}},
		},
		{
			"exists negated",
			Not(Q{"home__exists": true}),
			bson.D{{Key: "home", Value: bson.D{{Key: "$exists", Value: false}}}},
		},
		{
			"elem match with lookups",
			Q{"addresses__match": Q{"city": "Lisbon", "zip__gte": 1000}},
			bson.D{{Key: "addresses", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
				{Key: "city", Value: "Lisbon"},
				{Key: "zip", Value: bson.D{{Key: "$gte", Value: int64(1000)}}},
			}}}}},
		},
		{
			"near folds distance",
			Q{"loc__near": schema.Point{Lng: 1, Lat: 2}, "loc__max_distance": 500},
			bson.D{{Key: "loc", Value: bson.D{{Key: "$near", Value: bson.D{
				{Key: "$geometry", Value: bson.D{{Key: "type", Value: "Point"}, {Key: "coordinates", Value: bson.A{1.0, 2.0}}}},
				{Key: "$maxDistance", Value: 500.0},
			}}}}},
		},
		{
			"within distance",
			Q{"loc__within_distance": []interface{}{[]float64{1, 2}, 0.5}},
			bson.D{{Key: "loc", Value: bson.D{{Key: "$geoWithin", Value: bson.D{
				{Key: "$centerSphere", Value: bson.A{bson.A{1.0, 2.0}, 0.5}},
			}}}}},
		},
		{
			"and of disjoint paths merges",
			And(Q{"age__gt": 1}, Q{"name": "x"}),
			bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int64(1)}}}, {Key: "n", Value: "x"}},
		},
		{
			"and of colliding operators",
			And(Q{"age__gt": 1}, Q{"age__gt": 5}),
			bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int64(1)}}}},
				bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int64(5)}}}},
			}}},
		},
		{
			"exact and operator on one path",
			Q{"age": 5, "age__gt": 1},
			bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "age", Value: int64(5)}},
				bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int64(1)}}}},
			}}},
		},
		{
			"or",
			Or(Q{"age": 1}, Q{"age": 2}),
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "age", Value: int64(1)}},
				bson.D{{Key: "age", Value: int64(2)}},
			}}},
		},
		{
			"negated Q becomes or",
			Not(Q{"age__gt": 5, "name": "x"}),
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "age", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int64(5)}}}}}},
				bson.D{{Key: "n", Value: bson.D{{Key: "$ne", Value: "x"}}}},
			}}},
		},
		{
			"negated or becomes and",
			Not(Or(Q{"age": 1}, Q{"name": "x"})),
			bson.D{
				{Key: "age", Value: bson.D{{Key: "$ne", Value: int64(1)}}},
				{Key: "n", Value: bson.D{{Key: "$ne", Value: "x"}}},
			},
		},
		{
			"double negation",
			Not(Not(Q{"age": 1})),
			bson.D{{Key: "age", Value: int64(1)}},
		},
		{
			"raw",
			Raw(bson.D{{Key: "x", Value: 1}}),
			bson.D{{Key: "x", Value: 1}},
		},
		{
			"negated raw",
			Not(Raw(bson.D{{Key: "x", Value: 1}})),
			bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "x", Value: 1}}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compile(s, tt.node)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Compile() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileDeMorgan(t *testing.T) {
	s := peopleSchema(t)
	pushed, err := Compile(s, Or(Not(Q{"age__gt": 5}), Q{"name": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	explicit, err := Compile(s, Or(Q{"age__not__gt": 5}, Q{"name": "x"}))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(explicit, pushed); diff != "" {
		t.Errorf("negation push-down mismatch (-explicit +pushed):\n%s", diff)
	}
}

func TestCompileDeterministic(t *testing.T) {
	s := peopleSchema(t)
	node := And(
		Q{"name__startswith": "a", "age__gte": 3, "tags__in": []string{"x", "y"}, "home__zip": 1000},
		Or(Q{"age": 1}, Not(Q{"type__exists": true})),
	)
	first, err := Compile(s, node)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := Compile(s, node)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("compile %d differs:\n%s", i, diff)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	s := peopleSchema(t)

	tests := []struct {
		name   string
		node   Node
		target error
	}{
		{"unknown field", Q{"nope": 1}, types.ErrField},
		{"unknown nested field", Q{"home__nope": 1}, types.ErrField},
		{"reference traversal", Q{"author__name": "x"}, types.ErrField},
		{"string operator on int", Q{"age__contains": "1"}, types.ErrField},
		{"in without list", Q{"age__in": 3}, types.ErrField},
		{"bad operand", Q{"age__gt": "old"}, types.ErrValidation},
		{"negated near", Not(Q{"loc__near": []float64{1, 2}}), types.ErrOperation},
		{"distance without near", Q{"loc__max_distance": 10}, types.ErrOperation},
		{"geo on non point", Q{"age__near": []float64{1, 2}}, types.ErrField},
		{"match on scalar list", Q{"tags__match": Q{"x": 1}}, types.ErrField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(s, tt.node)
			if !errors.Is(err, tt.target) {
				t.Errorf("Compile() error = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestParseLookup(t *testing.T) {
	tests := []struct {
		key     string
		parts   []string
		op      string
		negated bool
	}{
		{"age", []string{"age"}, "exact", false},
		{"age__gt", []string{"age"}, "gt", false},
		{"age__not__gt", []string{"age"}, "gt", true},
		{"age__not", []string{"age"}, "exact", true},
		{"home__city__iexact", []string{"home", "city"}, "iexact", false},
		{"type__", []string{"type"}, "exact", false},
		{"exists", []string{"exists"}, "exact", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			l := parseLookup(tt.key)
			if diff := cmp.Diff(tt.parts, l.parts); diff != "" {
				t.Errorf("parts mismatch:\n%s", diff)
			}
			if l.op != tt.op || l.negated != tt.negated {
				t.Errorf("got op=%s negated=%v, want op=%s negated=%v", l.op, l.negated, tt.op, tt.negated)
			}
		})
	}
}
