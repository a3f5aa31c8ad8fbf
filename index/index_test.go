package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/google/go-cmp/cmp"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestNormalize(t *testing.T) {
	ttl := int32(3600)
	tests := []struct {
		name string
		decl interface{}
		want Spec
	}{
		{
			name: "ascending key",
			decl: "name",
			want: Spec{Keys: bson.D{{Key: "name", Value: Ascending}}, Name: "name_1"},
		},
		{
			name: "prefixed keys",
			decl: []string{"-age", "$title"},
			want: Spec{Keys: bson.D{{Key: "age", Value: Descending}, {Key: "title", Value: Text}}, Name: "age_-1_title_text"},
		},
		{
			name: "pairs",
			decl: []Pair{{Field: "loc", Direction: Sphere}, {Field: "at", Direction: "desc"}},
			want: Spec{Keys: bson.D{{Key: "loc", Value: Sphere}, {Key: "at", Value: Descending}}, Name: "loc_2dsphere_at_-1"},
		},
		{
			name: "options",
			decl: Options{Fields: []interface{}{"#key"}, Unique: true, Name: "by_key", ExpireAfter: time.Hour},
			want: Spec{Keys: bson.D{{Key: "key", Value: Hashed}}, Name: "by_key", Unique: true, ExpireAfter: &ttl},
		},
		{
			name: "schema file map",
			decl: map[string]interface{}{
				"fields":         []interface{}{"author", map[string]interface{}{"field": "slug", "direction": -1}},
				"unique":         true,
				"sparse":         true,
				"partial_filter": map[string]interface{}{"status": "live"},
			},
			want: Spec{
				Keys:          bson.D{{Key: "author", Value: Ascending}, {Key: "slug", Value: Descending}},
				Name:          "author_1_slug_-1",
				Unique:        true,
				Sparse:        true,
				PartialFilter: bson.D{{Key: "status", Value: "live"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.decl)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name string
		decl interface{}
	}{
		{"empty key", ""},
		{"prefix only", "-"},
		{"no fields", []string{}},
		{"repeated field", []string{"a", "-a"}},
		{"zero direction", Pair{Field: "a", Direction: 0}},
		{"unknown direction", Pair{Field: "a", Direction: "sideways"}},
		{"map without fields", map[string]interface{}{"unique": true}},
		{"unsupported", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.decl); err == nil {
				t.Errorf("Normalize(%v) succeeded", tt.decl)
			}
		})
	}
}

func TestWithKeys(t *testing.T) {
	s, _ := Normalize("author")
	moved := s.WithKeys(bson.D{{Key: "author_id", Value: Ascending}})
	if moved.Name != "author_id_1" {
		t.Errorf("derived name = %q, want author_id_1", moved.Name)
	}

	named, _ := Normalize(Options{Fields: []interface{}{"author"}, Name: "by_author"})
	if got := named.WithKeys(bson.D{{Key: "author_id", Value: Ascending}}).Name; got != "by_author" {
		t.Errorf("explicit name = %q, want by_author", got)
	}
}

type fakeIndexer struct {
	existing []driver.IndexModel
	created  []string
	fail     error
}

func (f *fakeIndexer) EnsureIndex(_ context.Context, _ string, m driver.IndexModel) error {
	if f.fail != nil {
		return f.fail
	}
	f.created = append(f.created, m.Options.Name)
	return nil
}

func (f *fakeIndexer) ListIndexes(context.Context, string) ([]driver.IndexModel, error) {
	return f.existing, nil
}

func TestEnsure(t *testing.T) {
	age, _ := Normalize("-age")
	name, _ := Normalize(Options{Fields: []interface{}{"name"}, Unique: true})

	t.Run("creates missing", func(t *testing.T) {
		ix := &fakeIndexer{}
		if err := Ensure(t.Context(), ix, "users", []Spec{age, name}); err != nil {
			t.Fatalf("Ensure() error = %v", err)
		}
		if diff := cmp.Diff([]string{"age_-1", "name_1"}, ix.created); diff != "" {
			t.Errorf("created (-want +got):\n%s", diff)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		ix := &fakeIndexer{existing: []driver.IndexModel{
			{Keys: bson.D{{Key: "age", Value: int32(-1)}}, Options: driver.IndexOptions{Name: "age_-1"}},
			{Keys: bson.D{{Key: "name", Value: 1.0}}, Options: driver.IndexOptions{Name: "custom", Unique: true}},
		}}
		if err := Ensure(t.Context(), ix, "users", []Spec{age, name}); err != nil {
			t.Fatalf("Ensure() error = %v", err)
		}
		if len(ix.created) != 0 {
			t.Errorf("created %v, want nothing", ix.created)
		}
	})

	t.Run("conflicting options", func(t *testing.T) {
		ix := &fakeIndexer{existing: []driver.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: driver.IndexOptions{Name: "name_1"}},
		}}
		err := Ensure(t.Context(), ix, "users", []Spec{name})
		if !errors.Is(err, types.ErrOperation) {
			t.Errorf("Ensure() error = %v, want an operation error", err)
		}
	})

	t.Run("driver failure", func(t *testing.T) {
		boom := errors.New("boom")
		err := Ensure(t.Context(), &fakeIndexer{fail: boom}, "users", []Spec{age})
		if !errors.Is(err, boom) || !errors.Is(err, types.ErrOperation) {
			t.Errorf("Ensure() error = %v, want a wrapped operation error", err)
		}
	})
}
