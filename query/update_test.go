package query

import (
	"errors"
	"testing"

	"github.com/arthur-debert/nanodoc/types"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCompileUpdate(t *testing.T) {
	s := peopleSchema(t)

	tests := []struct {
		name   string
		update Update
		want   bson.D
	}{
		{
			"default operator is set",
			Update{"name": "bob"},
			bson.D{{Key: "$set", Value: bson.D{{Key: "n", Value: "bob"}}}},
		},
		{
			"mixed operators in sorted order",
			Update{"inc__age": 1, "set__name": "bob", "push__tags": "x", "unset__home": true},
			bson.D{
				{Key: "$inc", Value: bson.D{{Key: "age", Value: int64(1)}}},
				{Key: "$push", Value: bson.D{{Key: "tags", Value: "x"}}},
				{Key: "$set", Value: bson.D{{Key: "n", Value: "bob"}}},
				{Key: "$unset", Value: bson.D{{Key: "home", Value: ""}}},
			},
		},
		{
			"set nil unsets",
			Update{"set__age": nil},
			bson.D{{Key: "$unset", Value: bson.D{{Key: "age", Value: ""}}}},
		},
		{
			"dec",
			Update{"dec__age": 2},
			bson.D{{Key: "$inc", Value: bson.D{{Key: "age", Value: int64(-2)}}}},
		},
		{
			"push all",
			Update{"push_all__tags": []string{"a", "b"}},
			bson.D{{Key: "$push", Value: bson.D{{Key: "tags", Value: bson.D{{Key: "$each", Value: bson.A{"a", "b"}}}}}}},
		},
		{
			"add to set with list",
			Update{"add_to_set__tags": []string{"a"}},
			bson.D{{Key: "$addToSet", Value: bson.D{{Key: "tags", Value: bson.D{{Key: "$each", Value: bson.A{"a"}}}}}}},
		},
		{
			"pull all",
			Update{"pull_all__tags": []string{"a"}},
			bson.D{{Key: "$pullAll", Value: bson.D{{Key: "tags", Value: bson.A{"a"}}}}},
		},
		{
			"pop",
			Update{"pop__tags": -1},
			bson.D{{Key: "$pop", Value: bson.D{{Key: "tags", Value: int64(-1)}}}},
		},
		{
			"nested set",
			Update{"set__home__city": "Porto"},
			bson.D{{Key: "$set", Value: bson.D{{Key: "home.city", Value: "Porto"}}}},
		},
		{
			"rename",
			Update{"rename__type": "kind"},
			bson.D{{Key: "$rename", Value: bson.D{{Key: "type", Value: "kind"}}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompileUpdate(s, tt.update)
			if err != nil {
				t.Fatalf("CompileUpdate() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CompileUpdate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileUpdateErrors(t *testing.T) {
	s := peopleSchema(t)

	tests := []struct {
		name   string
		update Update
		target error
	}{
		{"empty", Update{}, types.ErrOperation},
		{"identity", Update{"set__id": bson.NewObjectID()}, types.ErrOperation},
		{"same path twice", Update{"set__age": 1, "inc__age": 1}, types.ErrOperation},
		{"invalid value", Update{"age": "old"}, types.ErrValidation},
		{"inc on string", Update{"inc__name": 1}, types.ErrField},
		{"unknown field", Update{"set__nope": 1}, types.ErrField},
		{"bad pop", Update{"pop__tags": 2}, types.ErrField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileUpdate(s, tt.update)
			if !errors.Is(err, tt.target) {
				t.Errorf("CompileUpdate() error = %v, want %v", err, tt.target)
			}
		})
	}
}
