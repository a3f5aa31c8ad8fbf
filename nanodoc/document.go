package nanodoc

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/query"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Document is one instance of a document schema. It holds coerced values in
// a schema.Record and moves through the states new, persisted and deleted.
// A Document is owned by one goroutine at a time.
type Document struct {
	reg   *Registry
	alias string
	rec   *schema.Record
	state types.State
	now   func() time.Time

	// partial marks documents loaded with a projection: unloaded fields
	// are neither validated nor written
	partial bool
}

var _ schema.Identifier = (*Document)(nil)

// New creates an unsaved document of s bound to the default registry
func New(s *schema.Schema) (*Document, error) {
	return defaultRegistry.New(s)
}

// New creates an unsaved document of s bound to r
func (r *Registry) New(s *schema.Schema) (*Document, error) {
	if err := checkDocumentSchema(s); err != nil {
		return nil, err
	}
	return &Document{reg: r, alias: s.Alias(), rec: schema.NewRecord(s), state: types.StateNew, now: time.Now}, nil
}

func checkDocumentSchema(s *schema.Schema) error {
	switch {
	case s == nil:
		return types.NewSchemaError("", "nil schema")
	case s.IsAbstract():
		return types.NewSchemaError(s.Name(), "abstract schema %s cannot be instantiated", s.Name())
	case s.IsEmbedded():
		return types.NewSchemaError(s.Name(), "embedded schema %s has no collection; use schema.NewRecord", s.Name())
	}
	return nil
}

// fromWire builds a persisted document from a stored document
func fromWire(r *Registry, alias string, s *schema.Schema, raw bson.M) (*Document, error) {
	rec, err := schema.RecordFromWire(s, raw)
	if err != nil {
		return nil, err
	}
	return &Document{reg: r, alias: alias, rec: rec, state: types.StatePersisted, now: time.Now}, nil
}

// Schema returns the schema of the document. Documents loaded through a
// parent schema report the stored subclass.
func (d *Document) Schema() *schema.Schema { return d.rec.Schema() }

// State returns the lifecycle state
func (d *Document) State() types.State { return d.state }

// Alias returns the connection alias the document is written through
func (d *Document) Alias() string { return d.alias }

// Using returns the document bound to another connection alias. The
// document itself is updated and returned for chaining.
func (d *Document) Using(alias string) *Document {
	d.alias = alias
	return d
}

// Identity returns the identity value, nil before the first save
func (d *Document) Identity() interface{} {
	return d.rec.Value(d.Schema().IDField().Name())
}

// Get returns the value of a field
func (d *Document) Get(name string) (interface{}, error) { return d.rec.Get(name) }

// Set coerces and stores a field value; nil unsets
func (d *Document) Set(name string, value interface{}) error { return d.rec.Set(name, value) }

// Unset removes a field value
func (d *Document) Unset(name string) error { return d.rec.Unset(name) }

// Has reports whether a field holds a value
func (d *Document) Has(name string) bool { return d.rec.Has(name) }

// Record returns a copy of the document values
func (d *Document) Record() *schema.Record { return d.rec.Clone() }

// ToWire returns the stored form of the document
func (d *Document) ToWire() (bson.D, error) { return d.rec.ToWire() }

// Validate checks every field and the clean hook without saving
func (d *Document) Validate() error { return d.rec.Validate() }

// Reference returns a reference to the document
func (d *Document) Reference() schema.Reference {
	return schema.Reference{Schema: d.Schema(), ID: d.Identity()}
}

func (d *Document) connection(ctx context.Context) (*connection, driver.Driver, error) {
	c, err := d.reg.connection(d.alias)
	if err != nil {
		return nil, nil, err
	}
	drv, err := c.driver(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, drv, nil
}

// populate applies auto values, and defaults of new documents, to rec.
// A persisted document may have been loaded without some of its fields,
// so defaults never fill them.
func (d *Document) populate(rec *schema.Record) map[string]error {
	errs := make(map[string]error)
	now := d.now()
	isNew := d.state == types.StateNew
	for _, f := range d.Schema().Fields() {
		name := f.Name()
		mode := f.Options().Auto
		if av, ok := f.(schema.AutoValuer); ok && mode != types.AutoNone {
			if mode == types.AutoOnSave || (isNew && !rec.Has(name)) {
				if err := rec.Set(name, av.AutoValue(now)); err != nil {
					errs[name] = err
				}
				continue
			}
		}
		if !isNew || rec.Has(name) {
			continue
		}
		if v, ok := schema.DefaultValue(f); ok {
			if err := rec.Set(name, v); err != nil {
				errs[name] = err
			}
		}
	}
	return errs
}

// check populates rec and validates it, reporting every violation at once
func (d *Document) check(rec *schema.Record) error {
	s := d.Schema()
	errs := d.populate(rec)
	if err := rec.Validate(); err != nil {
		var ve *types.ValidationError
		if !errors.As(err, &ve) || len(ve.Errors) == 0 {
			return err
		}
		for name, e := range ve.Errors {
			if _, ok := errs[name]; !ok {
				errs[name] = e
			}
		}
	}
	idField := s.IDField()
	if !rec.Has(idField.Name()) && idField.Kind() != schema.KindObjectID {
		errs[idField.Name()] = types.NewValidationError(idField.Name(), "Field is required")
	}
	if d.partial {
		changed := rec.Changed()
		for name := range errs {
			if name != schema.NonFieldErrors && !rec.Has(name) && !slices.Contains(changed, name) {
				delete(errs, name)
			}
		}
	}
	return types.NewDocumentValidationError(s.Name(), errs)
}

// Save validates the document and writes it. A new document is upserted
// whole; a persisted one gets a $set/$unset of the fields changed since it
// was loaded or last saved. Validation runs on a copy before any write: a
// document that fails it is left untouched, in memory and in storage.
func (d *Document) Save(ctx context.Context) error {
	s := d.Schema()
	if d.state == types.StateDeleted {
		return types.NewOperationError("save", "%s document was deleted", s.Name())
	}
	rec := d.rec.Clone()
	if err := d.check(rec); err != nil {
		return err
	}
	d.rec = rec
	wasNew := d.state == types.StateNew
	d.state = types.StateValidated

	err := d.save(ctx, wasNew)
	if d.state == types.StateValidated {
		// nothing was written
		if wasNew {
			d.state = types.StateNew
		} else {
			d.state = types.StatePersisted
		}
	}
	return err
}

func (d *Document) save(ctx context.Context, isNew bool) error {
	s := d.Schema()
	if err := s.Fire(ctx, &schema.Event{Signal: schema.PreSave, Schema: s, Record: d.rec, ID: d.Identity()}); err != nil {
		return err
	}
	c, drv, err := d.connection(ctx)
	if err != nil {
		return err
	}
	if err := c.ensureIndexes(ctx, drv, s); err != nil {
		return err
	}
	if !isNew {
		if err := d.update(ctx, drv); err != nil {
			return err
		}
		d.state = types.StatePersisted
		d.rec.MarkClean()
		log().Debug("saved document", "schema", s.Name(), "collection", s.Collection(), "id", d.Identity(), "created", false)
		return s.Fire(ctx, &schema.Event{Signal: schema.PostSave, Schema: s, Record: d.rec, ID: d.Identity()})
	}

	doc, err := d.rec.ToWire()
	if err != nil {
		return err
	}
	var id interface{}
	if d.rec.Has(s.IDField().Name()) {
		id, err = s.IDField().ToWire(d.Identity())
		if err != nil {
			return err
		}
	}
	if err := checkUnique(ctx, drv, s, doc, id, nil); err != nil {
		return err
	}

	stored, created, err := drv.Upsert(ctx, s.Collection(), id, doc)
	if err != nil {
		return err
	}
	if id == nil {
		v, err := s.IDField().FromWire(stored)
		if err != nil {
			return &types.OperationError{Op: "save", Reason: "driver returned an invalid identity", Err: err}
		}
		if err := d.rec.Set(s.IDField().Name(), v); err != nil {
			return err
		}
	}
	d.state = types.StatePersisted
	d.rec.MarkClean()
	log().Debug("saved document", "schema", s.Name(), "collection", s.Collection(), "id", d.Identity(), "created", created)

	return s.Fire(ctx, &schema.Event{Signal: schema.PostSave, Schema: s, Record: d.rec, ID: d.Identity(), Created: created})
}

// update writes the changed fields of a persisted document as one
// $set/$unset update. Nothing is written when no field changed.
func (d *Document) update(ctx context.Context, drv driver.Driver) error {
	s := d.Schema()
	changed := d.rec.Changed()
	if slices.Contains(changed, s.IDField().Name()) {
		return types.NewOperationError("save", "the identity of a saved %s document cannot change", s.Name())
	}
	var set, unset bson.D
	for _, name := range changed {
		f, _ := s.Field(name)
		v := d.rec.Value(name)
		if v == nil {
			unset = append(unset, bson.E{Key: f.DBName(), Value: ""})
			continue
		}
		w, err := f.ToWire(v)
		if err != nil {
			return err
		}
		set = append(set, bson.E{Key: f.DBName(), Value: w})
	}
	if len(set)+len(unset) == 0 {
		return nil
	}

	id, err := s.IDField().ToWire(d.Identity())
	if err != nil {
		return err
	}
	doc, err := d.rec.ToWire()
	if err != nil {
		return err
	}
	if err := checkUnique(ctx, drv, s, doc, id, changed); err != nil {
		return err
	}

	upd := bson.D{}
	if len(set) > 0 {
		upd = append(upd, bson.E{Key: "$set", Value: set})
	}
	if len(unset) > 0 {
		upd = append(upd, bson.E{Key: "$unset", Value: unset})
	}
	_, err = drv.UpdateMany(ctx, s.Collection(), bson.D{{Key: types.IDKey, Value: id}}, upd, true)
	return err
}

// checkUnique reports a NotUniqueError when another document already holds
// the value of a unique field. Unset values of optional fields are skipped,
// matching the sparse unique index built for them. With changed, only
// constraints naming a changed field are checked, and those with a value
// missing from doc are left to the storage index.
func checkUnique(ctx context.Context, drv driver.Driver, s *schema.Schema, doc bson.D, id interface{}, changed []string) error {
	touched := func(names []string) bool {
		for _, name := range names {
			top, _, _ := strings.Cut(name, ".")
			if slices.Contains(changed, top) {
				return true
			}
		}
		return false
	}
	for _, names := range s.UniqueSpecs() {
		if changed != nil && !touched(names) {
			continue
		}
		filter := bson.D{}
		skip := false
		for _, name := range names {
			path, err := s.ResolveDotted(name)
			if err != nil {
				return err
			}
			v, ok := wireValue(doc, path.String())
			if !ok {
				if f, _ := s.Field(name); changed != nil || (f != nil && !f.Options().Required) {
					skip = true
					break
				}
			}
			filter = append(filter, bson.E{Key: path.String(), Value: v})
		}
		if skip {
			continue
		}
		if id != nil {
			filter = append(filter, bson.E{Key: types.IDKey, Value: bson.D{{Key: "$ne", Value: id}}})
		}
		n, err := drv.Count(ctx, s.Collection(), filter, 0, 1)
		if err != nil {
			return err
		}
		if n > 0 {
			return &types.NotUniqueError{Collection: s.Collection(), Fields: names}
		}
	}
	return nil
}

// wireValue reads a dotted path from a stored document
func wireValue(doc bson.D, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, part := range strings.Split(path, ".") {
		d, ok := cur.(bson.D)
		if !ok {
			return nil, false
		}
		found := false
		for _, e := range d {
			if e.Key == part {
				cur, found = e.Value, true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return cur, true
}

// Delete removes the document. Deleting twice, or deleting a document that
// was never saved, fails with an OperationError and writes nothing.
func (d *Document) Delete(ctx context.Context) error {
	s := d.Schema()
	switch d.state {
	case types.StateDeleted:
		return types.NewOperationError("delete", "%s document was already deleted", s.Name())
	case types.StateNew:
		return types.NewOperationError("delete", "%s document was never saved", s.Name())
	}
	if err := s.Fire(ctx, &schema.Event{Signal: schema.PreDelete, Schema: s, Record: d.rec, ID: d.Identity()}); err != nil {
		return err
	}
	_, drv, err := d.connection(ctx)
	if err != nil {
		return err
	}
	id, err := s.IDField().ToWire(d.Identity())
	if err != nil {
		return err
	}
	if _, err := drv.Delete(ctx, s.Collection(), id); err != nil {
		return err
	}
	d.state = types.StateDeleted
	log().Debug("deleted document", "schema", s.Name(), "collection", s.Collection(), "id", d.Identity())
	return s.Fire(ctx, &schema.Event{Signal: schema.PostDelete, Schema: s, Record: d.rec, ID: d.Identity()})
}

// Reload replaces the values with the stored ones. It fails with
// DoesNotExist when the document is gone.
func (d *Document) Reload(ctx context.Context) error {
	s := d.Schema()
	if d.state != types.StatePersisted {
		return types.NewOperationError("reload", "%s document is %s", s.Name(), d.state)
	}
	_, drv, err := d.connection(ctx)
	if err != nil {
		return err
	}
	id, err := s.IDField().ToWire(d.Identity())
	if err != nil {
		return err
	}
	filter := bson.D{{Key: types.IDKey, Value: id}}
	docs, err := drv.Find(ctx, s.Collection(), driver.FindQuery{Filter: filter, Limit: 1})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return &types.DoesNotExist{Schema: s.Name(), Query: query.String(filter)}
	}
	rec, err := schema.RecordFromWire(s, docs[0])
	if err != nil {
		return err
	}
	d.rec = rec
	d.partial = false
	return nil
}

// Update applies update operators to the stored document atomically and
// reloads it. Keys use the update lookup syntax, e.g. "inc__views".
func (d *Document) Update(ctx context.Context, u query.Update) error {
	s := d.Schema()
	if d.state != types.StatePersisted {
		return types.NewOperationError("update", "%s document is %s", s.Name(), d.state)
	}
	upd, err := query.CompileUpdate(s, u)
	if err != nil {
		return err
	}
	_, drv, err := d.connection(ctx)
	if err != nil {
		return err
	}
	id, err := s.IDField().ToWire(d.Identity())
	if err != nil {
		return err
	}
	n, err := drv.UpdateMany(ctx, s.Collection(), bson.D{{Key: types.IDKey, Value: id}}, upd, true)
	if err != nil {
		return err
	}
	log().Debug("updated document", "schema", s.Name(), "id", d.Identity(), "modified", n)
	return d.Reload(ctx)
}

// Dereference loads the document a reference points at, through the
// default registry
func Dereference(ctx context.Context, ref schema.Reference) (*Document, error) {
	return defaultRegistry.Dereference(ctx, ref)
}

// Dereference loads the document a reference points at
func (r *Registry) Dereference(ctx context.Context, ref schema.Reference) (*Document, error) {
	if ref.Schema == nil {
		return nil, types.NewOperationError("dereference", "reference has no schema")
	}
	return r.Objects(ref.Schema).Get(ctx, query.Q{"pk": ref.ID})
}
