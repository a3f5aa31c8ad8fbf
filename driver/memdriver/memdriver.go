// Package memdriver is an in-process driver.Driver. It evaluates compiled
// filters, updates and pipelines over documents held in memory, enforces
// unique indexes, and can persist everything to a snapshot file shared
// between processes through a file lock.
package memdriver

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("memdriver: "+format, args...)
}

type collection struct {
	docs         []bson.D
	indexes      []driver.IndexModel
	capped       bool
	sizeBytes    int64
	maxDocuments int64
}

func newCollection() *collection {
	return &collection{
		indexes: []driver.IndexModel{{
			Keys:    bson.D{{Key: types.IDKey, Value: int32(1)}},
			Options: driver.IndexOptions{Name: "_id_"},
		}},
	}
}

func (c *collection) find(id interface{}) int {
	for i, doc := range c.docs {
		if v, ok := getPath(doc, types.IDKey); ok && equalValues(v, id) {
			return i
		}
	}
	return -1
}

// Driver keeps collections in memory
type Driver struct {
	locks       lockManager
	collections map[string]*collection
	writes      atomic.Int64
	closed      atomic.Bool

	path        string
	lockFactory FileLockFactory
	fileLock    FileLock
	newID       func() interface{}
}

var _ driver.Driver = (*Driver)(nil)

// Option configures a Driver
type Option func(*Driver)

// WithSnapshot persists the store to path after every write and loads it
// on creation
func WithSnapshot(path string) Option {
	return func(d *Driver) { d.path = path }
}

// WithFileLockFactory replaces the flock based snapshot lock
func WithFileLockFactory(f FileLockFactory) Option {
	return func(d *Driver) { d.lockFactory = f }
}

// WithIDFunc replaces ObjectID generation for inserts without an identity
func WithIDFunc(fn func() interface{}) Option {
	return func(d *Driver) { d.newID = fn }
}

// New creates an empty driver, or one loaded from its snapshot
func New(opts ...Option) (*Driver, error) {
	d := &Driver{
		collections: make(map[string]*collection),
		newID:       func() interface{} { return bson.NewObjectID() },
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.path != "" {
		if d.lockFactory == nil {
			d.lockFactory = flockFactory{}
		}
		d.fileLock = d.lockFactory.New(d.path + ".lock")
		if err := withFileLock(d.fileLock, d.load); err != nil {
			return nil, fmt.Errorf("failed to load data: %w", err)
		}
	}
	return d, nil
}

// Dialer returns a dialer that creates a driver with opts on first use
func Dialer(opts ...Option) driver.Dialer {
	return func(context.Context) (driver.Driver, error) {
		return New(opts...)
	}
}

// Writes returns the number of document writes performed so far
func (d *Driver) Writes() int64 { return d.writes.Load() }

func (d *Driver) collection(name string, create bool) *collection {
	c, ok := d.collections[name]
	if !ok && create {
		c = newCollection()
		d.collections[name] = c
	}
	return c
}

func (d *Driver) collectionNames() []string {
	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Driver) check(ctx context.Context) error {
	if d.closed.Load() {
		return errorf("driver is closed")
	}
	return ctx.Err()
}

func (d *Driver) read(ctx context.Context, fn func() error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return d.locks.execute(readOperation, fn)
}

func (d *Driver) write(ctx context.Context, fn func() error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return d.locks.execute(writeOperation, func() error {
		if err := fn(); err != nil {
			return err
		}
		return d.persist()
	})
}

// Find implements driver.Driver
func (d *Driver) Find(ctx context.Context, name string, q driver.FindQuery) ([]bson.M, error) {
	var out []bson.M
	err := d.read(ctx, func() error {
		docs, err := d.query(name, q.Filter, q.Sort, q.Skip, q.Limit)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			p, err := project(doc, normalize(q.Projection).(bson.D))
			if err != nil {
				return err
			}
			out = append(out, docToMap(p))
		}
		return nil
	})
	return out, err
}

// query filters, orders and pages a collection. Without an explicit sort a
// $near condition orders by distance.
func (d *Driver) query(name string, filter, order bson.D, skip, limit int64) ([]bson.D, error) {
	c := d.collection(name, false)
	if c == nil {
		return nil, nil
	}
	docs, err := filterDocs(c.docs, normalize(filter).(bson.D))
	if err != nil {
		return nil, err
	}
	if len(order) > 0 {
		docs = sortDocs(docs, order)
	} else if path, lng, lat, ok := nearSort(normalize(filter).(bson.D)); ok {
		sort.SliceStable(docs, func(i, j int) bool {
			return distanceTo(docs[i], path, lng, lat) < distanceTo(docs[j], path, lng, lat)
		})
	}
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil, nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	out := make([]bson.D, len(docs))
	for i, doc := range docs {
		out[i] = cloneDoc(doc)
	}
	return out, nil
}

func distanceTo(doc bson.D, path string, lng, lat float64) float64 {
	v, _ := getPath(doc, path)
	plng, plat, ok := point(v)
	if !ok {
		return 1e18
	}
	return haversine(lng, lat, plng, plat)
}

// Count implements driver.Driver
func (d *Driver) Count(ctx context.Context, name string, filter bson.D, skip, limit int64) (int64, error) {
	var n int64
	err := d.read(ctx, func() error {
		docs, err := d.query(name, filter, nil, skip, limit)
		n = int64(len(docs))
		return err
	})
	return n, err
}

// Aggregate implements driver.Driver
func (d *Driver) Aggregate(ctx context.Context, name string, pipeline []bson.D) ([]bson.M, error) {
	var out []bson.M
	err := d.read(ctx, func() error {
		var docs []bson.D
		if c := d.collection(name, false); c != nil {
			docs = c.docs
		}
		results, err := runPipeline(docs, pipeline)
		if err != nil {
			return err
		}
		for _, r := range results {
			out = append(out, docToMap(cloneDoc(r)))
		}
		return nil
	})
	return out, err
}

// Upsert implements driver.Driver
func (d *Driver) Upsert(ctx context.Context, name string, id interface{}, doc bson.D) (interface{}, bool, error) {
	var created bool
	err := d.write(ctx, func() error {
		c := d.collection(name, true)
		if id == nil {
			id = d.newID()
		}
		stored := bson.D{{Key: types.IDKey, Value: normalize(id)}}
		for _, e := range cloneDoc(doc) {
			if e.Key != types.IDKey {
				stored = append(stored, e)
			}
		}

		at := c.find(id)
		if err := d.checkUnique(name, c, stored, at); err != nil {
			return err
		}
		if at >= 0 {
			c.docs[at] = stored
		} else {
			c.docs = append(c.docs, stored)
			created = true
			c.trim()
		}
		d.writes.Add(1)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return id, created, nil
}

// trim evicts the oldest documents of a capped collection
func (c *collection) trim() {
	if !c.capped {
		return
	}
	for c.maxDocuments > 0 && int64(len(c.docs)) > c.maxDocuments {
		c.docs = c.docs[1:]
	}
	if c.sizeBytes <= 0 {
		return
	}
	for len(c.docs) > 1 && c.size() > c.sizeBytes {
		c.docs = c.docs[1:]
	}
}

func (c *collection) size() int64 {
	var total int64
	for _, doc := range c.docs {
		raw, err := bson.Marshal(doc)
		if err == nil {
			total += int64(len(raw))
		}
	}
	return total
}

// Delete implements driver.Driver
func (d *Driver) Delete(ctx context.Context, name string, id interface{}) (bool, error) {
	var removed bool
	err := d.write(ctx, func() error {
		c := d.collection(name, false)
		if c == nil {
			return nil
		}
		if at := c.find(id); at >= 0 {
			c.docs = append(c.docs[:at:at], c.docs[at+1:]...)
			removed = true
			d.writes.Add(1)
		}
		return nil
	})
	return removed, err
}

// DeleteMany implements driver.Driver
func (d *Driver) DeleteMany(ctx context.Context, name string, filter bson.D) (int64, error) {
	var n int64
	err := d.write(ctx, func() error {
		c := d.collection(name, false)
		if c == nil {
			return nil
		}
		f := normalize(filter).(bson.D)
		kept := make([]bson.D, 0, len(c.docs))
		for _, doc := range c.docs {
			ok, err := matches(doc, f)
			if err != nil {
				return err
			}
			if ok {
				n++
				continue
			}
			kept = append(kept, doc)
		}
		c.docs = kept
		d.writes.Add(n)
		return nil
	})
	return n, err
}

// UpdateMany implements driver.Driver
func (d *Driver) UpdateMany(ctx context.Context, name string, filter, update bson.D, single bool) (int64, error) {
	var n int64
	err := d.write(ctx, func() error {
		c := d.collection(name, false)
		if c == nil {
			return nil
		}
		f := normalize(filter).(bson.D)
		next := append([]bson.D(nil), c.docs...)
		for i, doc := range c.docs {
			ok, err := matches(doc, f)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			updated, err := applyUpdate(doc, update)
			if err != nil {
				return err
			}
			if !equalValues(doc, updated) {
				next[i] = updated
				n++
			}
			if single {
				break
			}
		}
		staged := &collection{docs: next, indexes: c.indexes}
		for i, doc := range next {
			if err := d.checkUnique(name, staged, doc, i); err != nil {
				return err
			}
		}
		c.docs = next
		d.writes.Add(n)
		return nil
	})
	return n, err
}

// checkUnique rejects doc when a unique index already holds its key
// elsewhere in the collection. at is doc's own position, or -1.
func (d *Driver) checkUnique(name string, c *collection, doc bson.D, at int) error {
	for _, ix := range c.indexes {
		if !ix.Options.Unique {
			continue
		}
		key, ok := indexKey(doc, ix)
		if !ok {
			continue
		}
		for i, other := range c.docs {
			if i == at {
				continue
			}
			otherKey, ok := indexKey(other, ix)
			if ok && equalValues(key, otherKey) {
				return &types.NotUniqueError{Collection: name, Fields: indexFields(ix)}
			}
		}
	}
	return nil
}

// indexKey extracts the indexed values of doc. Sparse indexes skip
// documents missing every key.
func indexKey(doc bson.D, ix driver.IndexModel) (bson.A, bool) {
	key := bson.A{}
	present := false
	for _, k := range ix.Keys {
		v, ok := getPath(doc, k.Key)
		if ok {
			present = true
		}
		key = append(key, v)
	}
	if ix.Options.Sparse && !present {
		return nil, false
	}
	return key, true
}

func indexFields(ix driver.IndexModel) []string {
	out := make([]string, len(ix.Keys))
	for i, k := range ix.Keys {
		out[i] = k.Key
	}
	return out
}

// EnsureCollection implements driver.Driver
func (d *Driver) EnsureCollection(ctx context.Context, name string, opts driver.CollectionOptions) error {
	return d.write(ctx, func() error {
		if _, exists := d.collections[name]; exists {
			return nil
		}
		c := d.collection(name, true)
		c.capped = opts.Capped
		c.sizeBytes = opts.SizeBytes
		c.maxDocuments = opts.MaxDocuments
		return nil
	})
}

// EnsureIndex implements driver.Driver. Recreating an identical index is a
// no-op; reusing a name or key pattern with different options fails.
func (d *Driver) EnsureIndex(ctx context.Context, name string, model driver.IndexModel) error {
	return d.write(ctx, func() error {
		c := d.collection(name, true)
		model.Keys = normalize(model.Keys).(bson.D)
		for _, existing := range c.indexes {
			sameName := existing.Options.Name == model.Options.Name
			sameKeys := equalValues(existing.Keys, model.Keys)
			switch {
			case sameName && sameKeys && sameOptions(existing.Options, model.Options):
				return nil
			case sameName:
				return &types.OperationError{Op: "ensure index", Reason: fmt.Sprintf("index %s already exists with different keys or options", model.Options.Name)}
			case sameKeys:
				return &types.OperationError{Op: "ensure index", Reason: fmt.Sprintf("index with the keys of %s already exists as %s", model.Options.Name, existing.Options.Name)}
			}
		}
		if model.Options.Unique {
			staged := &collection{docs: c.docs, indexes: []driver.IndexModel{model}}
			for i, doc := range c.docs {
				if err := d.checkUnique(name, staged, doc, i); err != nil {
					return err
				}
			}
		}
		c.indexes = append(c.indexes, model)
		return nil
	})
}

func sameOptions(a, b driver.IndexOptions) bool {
	if a.Unique != b.Unique || a.Sparse != b.Sparse {
		return false
	}
	if (a.ExpireAfter == nil) != (b.ExpireAfter == nil) {
		return false
	}
	if a.ExpireAfter != nil && *a.ExpireAfter != *b.ExpireAfter {
		return false
	}
	if len(a.PartialFilter) == 0 && len(b.PartialFilter) == 0 {
		return true
	}
	return equalValues(a.PartialFilter, b.PartialFilter)
}

// ListIndexes implements driver.Driver
func (d *Driver) ListIndexes(ctx context.Context, name string) ([]driver.IndexModel, error) {
	var out []driver.IndexModel
	err := d.read(ctx, func() error {
		c := d.collection(name, false)
		if c == nil {
			return nil
		}
		out = append(out, c.indexes...)
		return nil
	})
	return out, err
}

// Ping implements driver.Driver
func (d *Driver) Ping(ctx context.Context) error {
	return d.check(ctx)
}

// Close implements driver.Driver
func (d *Driver) Close(context.Context) error {
	d.closed.Store(true)
	return nil
}

func indexModel(ix snapshotIndex) driver.IndexModel {
	return driver.IndexModel{
		Keys: ix.Keys,
		Options: driver.IndexOptions{
			Name:          ix.Name,
			Unique:        ix.Unique,
			Sparse:        ix.Sparse,
			ExpireAfter:   ix.ExpireAfter,
			PartialFilter: ix.PartialFilter,
		},
	}
}

func snapshotIndexOf(m driver.IndexModel) snapshotIndex {
	return snapshotIndex{
		Keys:          m.Keys,
		Name:          m.Options.Name,
		Unique:        m.Options.Unique,
		Sparse:        m.Options.Sparse,
		ExpireAfter:   m.Options.ExpireAfter,
		PartialFilter: m.Options.PartialFilter,
	}
}
