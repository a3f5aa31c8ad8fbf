package memdriver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func seed(t *testing.T, d *Driver) {
	t.Helper()
	ctx := context.Background()
	docs := []bson.D{
		{{Key: "name", Value: "ann"}, {Key: "age", Value: int64(31)}, {Key: "tags", Value: bson.A{"a", "b"}}},
		{{Key: "name", Value: "bob"}, {Key: "age", Value: int64(17)}, {Key: "tags", Value: bson.A{"b"}}},
		{{Key: "name", Value: "cid"}, {Key: "age", Value: int64(45)}, {Key: "tags", Value: bson.A{}},
			{Key: "home", Value: bson.D{{Key: "city", Value: "Lisbon"}}}},
	}
	for i, doc := range docs {
		_, created, err := d.Upsert(ctx, "people", int64(i+1), doc)
		require.NoError(t, err)
		require.True(t, created)
	}
}

func names(docs []bson.M) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i], _ = d["name"].(string)
	}
	return out
}

func TestFind(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	seed(t, d)
	ctx := context.Background()

	tests := []struct {
		name  string
		query driver.FindQuery
		want  []string
	}{
		{"all", driver.FindQuery{}, []string{"ann", "bob", "cid"}},
		{"equality", driver.FindQuery{Filter: bson.D{{Key: "name", Value: "bob"}}}, []string{"bob"}},
		{"range", driver.FindQuery{Filter: bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: int64(18)}, {Key: "$lt", Value: int64(40)}}}}}, []string{"ann"}},
		{"array contains", driver.FindQuery{Filter: bson.D{{Key: "tags", Value: "b"}}}, []string{"ann", "bob"}},
		{"size", driver.FindQuery{Filter: bson.D{{Key: "tags", Value: bson.D{{Key: "$size", Value: int64(0)}}}}}, []string{"cid"}},
		{"nested", driver.FindQuery{Filter: bson.D{{Key: "home.city", Value: "Lisbon"}}}, []string{"cid"}},
		{"exists false", driver.FindQuery{Filter: bson.D{{Key: "home", Value: bson.D{{Key: "$exists", Value: false}}}}}, []string{"ann", "bob"}},
		{"regex", driver.FindQuery{Filter: bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: bson.Regex{Pattern: "^A", Options: "i"}}}}}}, []string{"ann"}},
		{"not", driver.FindQuery{Filter: bson.D{{Key: "age", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int64(20)}}}}}}}, []string{"bob"}},
		{"or", driver.FindQuery{Filter: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: "ann"}},
			bson.D{{Key: "age", Value: int64(45)}},
		}}}}, []string{"ann", "cid"}},
		{"nin", driver.FindQuery{Filter: bson.D{{Key: "name", Value: bson.D{{Key: "$nin", Value: bson.A{"ann", "bob"}}}}}}, []string{"cid"}},
		{"sort skip limit", driver.FindQuery{Sort: bson.D{{Key: "age", Value: -1}}, Skip: 1, Limit: 1}, []string{"ann"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := d.Find(ctx, "people", tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(docs))
		})
	}
}

func TestFindProjection(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	seed(t, d)

	docs, err := d.Find(context.Background(), "people", driver.FindQuery{
		Filter:     bson.D{{Key: "name", Value: "ann"}},
		Projection: bson.D{{Key: "name", Value: 1}, {Key: "tags", Value: bson.D{{Key: "$slice", Value: 1}}}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, bson.M{"_id": int64(1), "name": "ann", "tags": bson.A{"a"}}, docs[0])
}

func TestUpsertReplacesAndCountsWrites(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	id, created, err := d.Upsert(ctx, "c", nil, bson.D{{Key: "x", Value: 1}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.IsType(t, bson.ObjectID{}, id)

	_, created, err = d.Upsert(ctx, "c", id, bson.D{{Key: "x", Value: 2}})
	require.NoError(t, err)
	assert.False(t, created)

	n, err := d.Count(ctx, "c", nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(2), d.Writes())

	removed, err := d.Delete(ctx, "c", id)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = d.Delete(ctx, "c", id)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestUniqueIndex(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	model := driver.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: driver.IndexOptions{Name: "email_1", Unique: true, Sparse: true},
	}
	require.NoError(t, d.EnsureIndex(ctx, "users", model))
	require.NoError(t, d.EnsureIndex(ctx, "users", model), "identical index is a no-op")

	_, _, err = d.Upsert(ctx, "users", 1, bson.D{{Key: "email", Value: "a@x.io"}})
	require.NoError(t, err)
	_, _, err = d.Upsert(ctx, "users", 2, bson.D{{Key: "name", Value: "no email"}})
	require.NoError(t, err, "sparse index skips documents without the key")
	_, _, err = d.Upsert(ctx, "users", 3, bson.D{{Key: "name", Value: "also none"}})
	require.NoError(t, err)

	_, _, err = d.Upsert(ctx, "users", 4, bson.D{{Key: "email", Value: "a@x.io"}})
	assert.True(t, errors.Is(err, types.ErrNotUnique))

	_, _, err = d.Upsert(ctx, "users", 1, bson.D{{Key: "email", Value: "a@x.io"}, {Key: "n", Value: 2}})
	assert.NoError(t, err, "a document does not conflict with itself")

	_, err = d.UpdateMany(ctx, "users", bson.D{{Key: "_id", Value: 2}}, bson.D{{Key: "$set", Value: bson.D{{Key: "email", Value: "a@x.io"}}}}, true)
	assert.True(t, errors.Is(err, types.ErrNotUnique))
}

func TestEnsureIndexConflicts(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.EnsureIndex(ctx, "c", driver.IndexModel{Keys: bson.D{{Key: "a", Value: 1}}, Options: driver.IndexOptions{Name: "a_1"}}))

	err = d.EnsureIndex(ctx, "c", driver.IndexModel{Keys: bson.D{{Key: "a", Value: 1}}, Options: driver.IndexOptions{Name: "a_1", Unique: true}})
	assert.True(t, errors.Is(err, types.ErrOperation))

	err = d.EnsureIndex(ctx, "c", driver.IndexModel{Keys: bson.D{{Key: "a", Value: 1}}, Options: driver.IndexOptions{Name: "other"}})
	assert.True(t, errors.Is(err, types.ErrOperation))

	indexes, err := d.ListIndexes(ctx, "c")
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, "_id_", indexes[0].Options.Name)
	assert.Equal(t, "a_1", indexes[1].Options.Name)
}

func TestUpdateMany(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	seed(t, d)
	ctx := context.Background()

	n, err := d.UpdateMany(ctx, "people", bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int64(20)}}}}, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "age", Value: int64(1)}}},
		{Key: "$push", Value: bson.D{{Key: "tags", Value: bson.D{{Key: "$each", Value: bson.A{"x", "y"}}}}}},
		{Key: "$set", Value: bson.D{{Key: "home.zip", Value: "1000"}}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	docs, err := d.Find(ctx, "people", driver.FindQuery{Filter: bson.D{{Key: "name", Value: "cid"}}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int64(46), docs[0]["age"])
	assert.Equal(t, bson.A{"x", "y"}, docs[0]["tags"])
	assert.Equal(t, bson.D{{Key: "city", Value: "Lisbon"}, {Key: "zip", Value: "1000"}}, docs[0]["home"])

	n, err = d.UpdateMany(ctx, "people", nil, bson.D{
		{Key: "$pull", Value: bson.D{{Key: "tags", Value: "b"}}},
		{Key: "$unset", Value: bson.D{{Key: "home", Value: ""}}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := d.Count(ctx, "people", bson.D{{Key: "tags", Value: "b"}}, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAggregate(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	seed(t, d)

	docs, err := d.Aggregate(context.Background(), "people", []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: int64(18)}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$age"}}},
			{Key: "avg", Value: bson.D{{Key: "$avg", Value: "$age"}}},
			{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "oldest", Value: bson.D{{Key: "$max", Value: "$age"}}},
		}}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Nil(t, docs[0]["_id"])
	assert.Equal(t, int64(76), docs[0]["total"])
	assert.Equal(t, 38.0, docs[0]["avg"])
	assert.Equal(t, int64(2), docs[0]["n"])
	assert.Equal(t, int64(45), docs[0]["oldest"])
}

func TestGeo(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	pt := func(lng, lat float64) bson.D {
		return bson.D{{Key: "type", Value: "Point"}, {Key: "coordinates", Value: bson.A{lng, lat}}}
	}
	for i, p := range []bson.D{pt(-9.14, 38.72), pt(-8.61, 41.15), pt(2.35, 48.85)} {
		_, _, err := d.Upsert(ctx, "places", i+1, bson.D{{Key: "loc", Value: p}})
		require.NoError(t, err)
	}

	near := bson.D{{Key: "loc", Value: bson.D{{Key: "$near", Value: bson.D{
		{Key: "$geometry", Value: pt(-8.6, 41.1)},
		{Key: "$maxDistance", Value: 400000.0},
	}}}}}
	docs, err := d.Find(ctx, "places", driver.FindQuery{Filter: near})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(2), docs[0]["_id"], "nearest first")
	assert.Equal(t, int64(1), docs[1]["_id"])

	box := bson.D{{Key: "loc", Value: bson.D{{Key: "$geoWithin", Value: bson.D{
		{Key: "$box", Value: bson.A{bson.A{-10.0, 38.0}, bson.A{-8.0, 40.0}}},
	}}}}}
	n, err := d.Count(ctx, "places", box, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bson")
	ctx := context.Background()

	d, err := New(WithSnapshot(path))
	require.NoError(t, err)
	require.NoError(t, d.EnsureIndex(ctx, "c", driver.IndexModel{
		Keys:    bson.D{{Key: "k", Value: 1}},
		Options: driver.IndexOptions{Name: "k_1", Unique: true},
	}))
	_, _, err = d.Upsert(ctx, "c", "a", bson.D{{Key: "k", Value: "v"}})
	require.NoError(t, err)
	require.NoError(t, d.Close(ctx))

	reopened, err := New(WithSnapshot(path))
	require.NoError(t, err)
	docs, err := reopened.Find(ctx, "c", driver.FindQuery{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0]["_id"])
	assert.Equal(t, "v", docs[0]["k"])

	_, _, err = reopened.Upsert(ctx, "c", "b", bson.D{{Key: "k", Value: "v"}})
	assert.True(t, errors.Is(err, types.ErrNotUnique), "unique index survives the snapshot")
}

func TestClosed(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.Ping(ctx))
	require.NoError(t, d.Close(ctx))
	assert.Error(t, d.Ping(ctx))
	_, err = d.Find(ctx, "c", driver.FindQuery{})
	assert.Error(t, err)
}

func TestCappedCollection(t *testing.T) {
	d, err := New()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.EnsureCollection(ctx, "log", driver.CollectionOptions{Capped: true, SizeBytes: 1 << 20, MaxDocuments: 2}))

	for i := 1; i <= 3; i++ {
		_, _, err := d.Upsert(ctx, "log", i, bson.D{{Key: "n", Value: i}})
		require.NoError(t, err)
	}
	docs, err := d.Find(ctx, "log", driver.FindQuery{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(2), docs[0]["n"], "oldest document is evicted")
	assert.Equal(t, int64(3), docs[1]["n"])
}
