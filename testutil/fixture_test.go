package testutil_test

import (
	"fmt"
	"testing"

	"github.com/arthur-debert/nanodoc/aggregate"
	"github.com/arthur-debert/nanodoc/query"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/testutil"
	"github.com/arthur-debert/nanodoc/types"
)

func TestLoadUniverse(t *testing.T) {
	reg, universe := testutil.LoadUniverse(t)

	if len(universe.ByKey) != 8 {
		t.Fatalf("expected 8 fixture documents, got %d", len(universe.ByKey))
	}
	for key, doc := range universe.ByKey {
		if doc.State() != types.StatePersisted {
			t.Errorf("document %s is %v", key, doc.State())
		}
	}

	posts := reg.Objects(universe.Schema(t, "Post"))
	authors := reg.Objects(universe.Schema(t, "Author"))
	testutil.AssertCount(t, posts, 5, "in total")
	testutil.AssertCount(t, authors, 3, "in total")

	// Defaults apply to documents that leave fields unset
	testutil.AssertValues(t, universe.Posts()[3:4], "status", "draft")
	testutil.AssertValues(t, universe.Posts()[3:4], "views", int64(0))
}

func TestUniverseQueries(t *testing.T) {
	reg, u := testutil.LoadUniverse(t)
	posts := reg.Objects(u.Schema(t, "Post"))
	authors := reg.Objects(u.Schema(t, "Author"))

	t.Run("default ordering", func(t *testing.T) {
		testutil.AssertQuery(t, posts.Filter(query.Q{"status": "live"}), "slug",
			"writing-queries", "index-everything", "introducing-the-store")
	})

	t.Run("reference", func(t *testing.T) {
		testutil.AssertQuery(t, posts.Filter(query.Q{"author": u.Ann}).OrderBy("slug"), "slug",
			"index-everything", "introducing-the-store")
		testutil.AssertQuery(t, posts.Filter(query.Q{"author__in": []interface{}{u.Cid, u.Bob}}).OrderBy("slug"), "slug",
			"aggregations", "old-news", "writing-queries")
	})

	t.Run("embedded", func(t *testing.T) {
		testutil.AssertQuery(t, authors.Filter(query.Q{"address__city": "Porto"}), "name", "Bob")
		testutil.AssertQuery(t, authors.Filter(query.Q{"address__exists": false}), "name", "Cid")
	})

	t.Run("list of embedded", func(t *testing.T) {
		testutil.AssertQuery(t, posts.Filter(query.Q{"comments__likes__gte": 5}), "slug", "writing-queries")
		testutil.AssertQuery(t, posts.Filter(query.Q{"comments__by": u.Cid}), "slug", "introducing-the-store")
	})

	t.Run("lists", func(t *testing.T) {
		testutil.AssertQuery(t, posts.Filter(query.Q{"tags__all": []string{"go", "databases"}}), "slug",
			"index-everything", "aggregations")
		testutil.AssertQuery(t, posts.Exclude(query.Q{"tags": "databases"}).OrderBy("slug"), "slug",
			"introducing-the-store", "old-news")
	})

	t.Run("geo", func(t *testing.T) {
		porto := []float64{-8.61, 41.15}
		near := authors.OrderBy().Filter(query.Q{"address__location__near": porto})
		testutil.AssertQuery(t, near, "name", "Bob", "Ann")
		testutil.AssertQuery(t, authors.Filter(query.Q{
			"address__location__near":         porto,
			"address__location__max_distance": 100000,
		}), "name", "Bob")
	})
}

func TestUniverseReferences(t *testing.T) {
	reg, u := testutil.LoadUniverse(t)
	ctx := t.Context()

	v, err := u.Queries.Get("follows")
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := v.(schema.Reference)
	if !ok {
		t.Fatalf("follows = %T, want a reference", v)
	}
	followed, err := reg.Dereference(ctx, ref)
	if err != nil {
		t.Fatalf("Dereference() error = %v", err)
	}
	testutil.AssertSameDocument(t, followed, u.Indexes)

	v, _ = followed.Get("follows")
	first, err := reg.Dereference(ctx, v.(schema.Reference))
	if err != nil {
		t.Fatalf("Dereference() error = %v", err)
	}
	testutil.AssertSameDocument(t, first, u.Intro)

	if err := u.Indexes.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	testutil.AssertState(t, u.Indexes, types.StateDeleted)
	_, err = reg.Dereference(ctx, ref)
	testutil.AssertErrorIs(t, err, types.ErrDoesNotExist)
}

func TestUniverseUniqueIndex(t *testing.T) {
	reg, u := testutil.LoadUniverse(t)
	post, err := reg.New(u.Schema(t, "Post"))
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]interface{}{"title": "Copy", "slug": "index-everything", "author": u.Ann} {
		if err := post.Set(name, v); err != nil {
			t.Fatal(err)
		}
	}
	testutil.AssertErrorIs(t, post.Save(t.Context()), types.ErrNotUnique)
	testutil.AssertState(t, post, types.StateNew)

	// The same slug by another author is fine
	if err := post.Set("author", u.Bob); err != nil {
		t.Fatal(err)
	}
	if err := post.Save(t.Context()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestUniverseAggregate(t *testing.T) {
	reg, u := testutil.LoadUniverse(t)
	rows, err := reg.Objects(u.Schema(t, "Post")).OrderBy().Aggregate(
		aggregate.Named{"n": aggregate.Count(), "views": aggregate.Sum("views")}.GroupBy("status"),
	).All(t.Context())
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	got := make(map[interface{}]string)
	for _, r := range rows {
		got[r["_id"]] = fmt.Sprint(r["n"], " ", r["views"])
	}
	want := map[interface{}]string{
		"live":     "3 1545",
		"draft":    "1 0",
		"archived": "1 5",
	}
	if len(got) != len(want) {
		t.Fatalf("groups = %v, want %v", got, want)
	}
	for k, w := range want {
		if got[k] != w {
			t.Errorf("group %v = %v, want %v", k, got[k], w)
		}
	}
}
