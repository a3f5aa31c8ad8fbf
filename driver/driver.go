// Package driver defines the contract between nanodoc and the transport that
// executes compiled queries. Filters, projections, sorts, updates and
// pipelines arrive fully compiled as BSON; raw documents come back as bson.M.
package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// FindQuery is a compiled read
type FindQuery struct {
	Filter     bson.D
	Projection bson.D
	Sort       bson.D
	Skip       int64
	Limit      int64 // 0 means no limit
}

// IndexOptions are the options of one index
type IndexOptions struct {
	Name          string
	Unique        bool
	Sparse        bool
	Background    bool
	ExpireAfter   *int32 // seconds
	PartialFilter bson.D
}

// IndexModel is an index as created or listed
type IndexModel struct {
	Keys    bson.D
	Options IndexOptions
}

// CollectionOptions are applied when a collection is first created
type CollectionOptions struct {
	Capped       bool
	SizeBytes    int64
	MaxDocuments int64
}

// Driver executes compiled operations against one database
type Driver interface {
	// Find returns the documents matching q
	Find(ctx context.Context, collection string, q FindQuery) ([]bson.M, error)

	// Count returns the number of documents matching filter, honoring skip
	// and limit when they are non-zero
	Count(ctx context.Context, collection string, filter bson.D, skip, limit int64) (int64, error)

	// Aggregate runs a pipeline
	Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error)

	// Upsert replaces the document stored under id, inserting it when id is
	// nil or absent. It returns the stored identity and whether the document
	// was inserted.
	Upsert(ctx context.Context, collection string, id interface{}, doc bson.D) (interface{}, bool, error)

	// Delete removes the document stored under id and reports whether one
	// was removed
	Delete(ctx context.Context, collection string, id interface{}) (bool, error)

	// DeleteMany removes every document matching filter
	DeleteMany(ctx context.Context, collection string, filter bson.D) (int64, error)

	// UpdateMany applies update to the documents matching filter; with
	// single set only the first match is updated
	UpdateMany(ctx context.Context, collection string, filter, update bson.D, single bool) (int64, error)

	// EnsureCollection creates the collection with opts if it does not exist
	EnsureCollection(ctx context.Context, collection string, opts CollectionOptions) error

	// EnsureIndex creates an index
	EnsureIndex(ctx context.Context, collection string, model IndexModel) error

	// ListIndexes returns the indexes of a collection
	ListIndexes(ctx context.Context, collection string) ([]IndexModel, error)

	// Ping checks the transport
	Ping(ctx context.Context) error

	// Close releases the transport
	Close(ctx context.Context) error
}

// Dialer opens a driver on first use
type Dialer func(ctx context.Context) (Driver, error)

// ExpireAfter converts a duration into the seconds form of IndexOptions
func ExpireAfter(d time.Duration) *int32 {
	s := int32(d / time.Second)
	return &s
}
