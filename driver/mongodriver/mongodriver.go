// Package mongodriver runs compiled operations against a MongoDB server
// through the official Go driver.
package mongodriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/internal/validation"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultTimeout bounds connecting and pinging
const DefaultTimeout = 10 * time.Second

// Settings configure one connection
type Settings struct {
	URI      string        `mapstructure:"uri" yaml:"uri"`
	Database string        `mapstructure:"database" yaml:"database"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Validate checks the settings before dialing
func (s Settings) Validate() error {
	if s.URI == "" {
		return fmt.Errorf("connection uri cannot be empty")
	}
	if !strings.HasPrefix(s.URI, "mongodb://") && !strings.HasPrefix(s.URI, "mongodb+srv://") {
		return fmt.Errorf("connection uri %q must use the mongodb:// or mongodb+srv:// scheme", s.URI)
	}
	if err := validation.ValidateDatabaseName(s.Database); err != nil {
		return err
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

func (s Settings) timeout() time.Duration {
	if s.Timeout == 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

// Driver is a driver.Driver backed by a MongoDB database
type Driver struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ driver.Driver = (*Driver)(nil)

// Dialer returns a dialer that connects with settings on first use
func Dialer(settings Settings) driver.Dialer {
	return func(ctx context.Context) (driver.Driver, error) {
		return Connect(ctx, settings)
	}
}

// Connect opens a client and pings the primary
func Connect(ctx context.Context, settings Settings) (*Driver, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(settings.URI).SetConnectTimeout(settings.timeout())
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, settings.timeout())
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging database: %w", err)
	}
	return &Driver{client: client, db: client.Database(settings.Database)}, nil
}

// Find implements driver.Driver
func (d *Driver) Find(ctx context.Context, collection string, q driver.FindQuery) ([]bson.M, error) {
	opts := options.Find()
	if len(q.Projection) > 0 {
		opts.SetProjection(q.Projection)
	}
	if len(q.Sort) > 0 {
		opts.SetSort(q.Sort)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	cursor, err := d.db.Collection(collection).Find(ctx, filterOrEmpty(q.Filter), opts)
	if err != nil {
		return nil, fmt.Errorf("error querying collection %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding documents: %w", err)
	}
	return docs, nil
}

// Count implements driver.Driver
func (d *Driver) Count(ctx context.Context, collection string, filter bson.D, skip, limit int64) (int64, error) {
	opts := options.Count()
	if skip > 0 {
		opts.SetSkip(skip)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}
	n, err := d.db.Collection(collection).CountDocuments(ctx, filterOrEmpty(filter), opts)
	if err != nil {
		return 0, fmt.Errorf("error counting collection %s: %w", collection, err)
	}
	return n, nil
}

// Aggregate implements driver.Driver
func (d *Driver) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]bson.M, error) {
	cursor, err := d.db.Collection(collection).Aggregate(ctx, mongo.Pipeline(pipeline))
	if err != nil {
		return nil, fmt.Errorf("error aggregating collection %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("error decoding aggregation results: %w", err)
	}
	return docs, nil
}

// Upsert implements driver.Driver
func (d *Driver) Upsert(ctx context.Context, collection string, id interface{}, doc bson.D) (interface{}, bool, error) {
	coll := d.db.Collection(collection)
	if id == nil {
		res, err := coll.InsertOne(ctx, withoutID(doc))
		if err != nil {
			return nil, false, writeError(collection, err)
		}
		return res.InsertedID, true, nil
	}

	opts := options.Replace().SetUpsert(true)
	res, err := coll.ReplaceOne(ctx, bson.D{{Key: types.IDKey, Value: id}}, withID(doc, id), opts)
	if err != nil {
		return nil, false, writeError(collection, err)
	}
	return id, res.UpsertedCount > 0, nil
}

// Delete implements driver.Driver
func (d *Driver) Delete(ctx context.Context, collection string, id interface{}) (bool, error) {
	res, err := d.db.Collection(collection).DeleteOne(ctx, bson.D{{Key: types.IDKey, Value: id}})
	if err != nil {
		return false, fmt.Errorf("error deleting from %s: %w", collection, err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteMany implements driver.Driver
func (d *Driver) DeleteMany(ctx context.Context, collection string, filter bson.D) (int64, error) {
	res, err := d.db.Collection(collection).DeleteMany(ctx, filterOrEmpty(filter))
	if err != nil {
		return 0, fmt.Errorf("error deleting from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// UpdateMany implements driver.Driver
func (d *Driver) UpdateMany(ctx context.Context, collection string, filter, update bson.D, single bool) (int64, error) {
	coll := d.db.Collection(collection)
	var (
		res *mongo.UpdateResult
		err error
	)
	if single {
		res, err = coll.UpdateOne(ctx, filterOrEmpty(filter), update)
	} else {
		res, err = coll.UpdateMany(ctx, filterOrEmpty(filter), update)
	}
	if err != nil {
		return 0, writeError(collection, err)
	}
	return res.ModifiedCount, nil
}

// EnsureCollection implements driver.Driver
func (d *Driver) EnsureCollection(ctx context.Context, collection string, opts driver.CollectionOptions) error {
	names, err := d.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return fmt.Errorf("error listing collections: %w", err)
	}
	if len(names) > 0 {
		return nil
	}
	createOpts := options.CreateCollection()
	if opts.Capped {
		createOpts.SetCapped(true)
		if opts.SizeBytes > 0 {
			createOpts.SetSizeInBytes(opts.SizeBytes)
		}
		if opts.MaxDocuments > 0 {
			createOpts.SetMaxDocuments(opts.MaxDocuments)
		}
	}
	if err := d.db.CreateCollection(ctx, collection, createOpts); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceExists" {
			return nil
		}
		return fmt.Errorf("error creating collection %s: %w", collection, err)
	}
	return nil
}

// EnsureIndex implements driver.Driver
func (d *Driver) EnsureIndex(ctx context.Context, collection string, model driver.IndexModel) error {
	indexOpts := options.Index()
	if model.Options.Name != "" {
		indexOpts.SetName(model.Options.Name)
	}
	if model.Options.Unique {
		indexOpts.SetUnique(true)
	}
	if model.Options.Sparse {
		indexOpts.SetSparse(true)
	}
	if model.Options.ExpireAfter != nil {
		indexOpts.SetExpireAfterSeconds(*model.Options.ExpireAfter)
	}
	if len(model.Options.PartialFilter) > 0 {
		indexOpts.SetPartialFilterExpression(model.Options.PartialFilter)
	}
	_, err := d.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    model.Keys,
		Options: indexOpts,
	})
	if err != nil {
		return &types.OperationError{Op: "ensure index", Reason: fmt.Sprintf("%s on %s", model.Options.Name, collection), Err: err}
	}
	return nil
}

// ListIndexes implements driver.Driver
func (d *Driver) ListIndexes(ctx context.Context, collection string) ([]driver.IndexModel, error) {
	cursor, err := d.db.Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes for collection %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var out []driver.IndexModel
	for cursor.Next(ctx) {
		var raw bson.D
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("error decoding index: %w", err)
		}
		out = append(out, indexFromDoc(raw))
	}
	return out, cursor.Err()
}

// Ping implements driver.Driver
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx, readpref.Primary())
}

// Close implements driver.Driver
func (d *Driver) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

func indexFromDoc(raw bson.D) driver.IndexModel {
	var m driver.IndexModel
	for _, e := range raw {
		switch e.Key {
		case "key":
			if keys, ok := e.Value.(bson.D); ok {
				m.Keys = keys
			}
		case "name":
			m.Options.Name, _ = e.Value.(string)
		case "unique":
			m.Options.Unique, _ = e.Value.(bool)
		case "sparse":
			m.Options.Sparse, _ = e.Value.(bool)
		case "background":
			m.Options.Background, _ = e.Value.(bool)
		case "expireAfterSeconds":
			switch v := e.Value.(type) {
			case int32:
				m.Options.ExpireAfter = &v
			case int64:
				s := int32(v)
				m.Options.ExpireAfter = &s
			case float64:
				s := int32(v)
				m.Options.ExpireAfter = &s
			}
		case "partialFilterExpression":
			m.Options.PartialFilter, _ = e.Value.(bson.D)
		}
	}
	return m
}

func writeError(collection string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return &types.NotUniqueError{Collection: collection, Fields: []string{err.Error()}}
	}
	return fmt.Errorf("error writing to %s: %w", collection, err)
}

func filterOrEmpty(filter bson.D) bson.D {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

func withoutID(doc bson.D) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key == types.IDKey && e.Value == nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

func withID(doc bson.D, id interface{}) bson.D {
	out := bson.D{{Key: types.IDKey, Value: id}}
	for _, e := range doc {
		if e.Key != types.IDKey {
			out = append(out, e)
		}
	}
	return out
}
