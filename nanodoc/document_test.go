package nanodoc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arthur-debert/nanodoc/query"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestSaveAssignsIdentity(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)

	doc := saveUser(t, reg, s, people[0])
	assert.Equal(t, types.StatePersisted, doc.State())
	assert.IsType(t, bson.ObjectID{}, doc.Identity())
	assert.Equal(t, int64(1), drv.Writes())

	role, err := doc.Get("role")
	require.NoError(t, err)
	assert.Equal(t, "member", role, "defaults are applied on save")

	loaded, err := reg.Objects(s).Get(t.Context(), query.Q{"pk": doc.Identity()})
	require.NoError(t, err)
	assert.True(t, doc.Record().Equal(loaded.Record()))
}

func TestSaveRequiredUnsetWritesNothing(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("age", 30))

	err = doc.Save(t.Context())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidation))
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"name"}, ve.Fields())

	assert.Equal(t, types.StateNew, doc.State())
	assert.Zero(t, drv.Writes())
	assert.Nil(t, doc.Identity())
}

func TestSaveCitesEveryInvalidField(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("age", 200), "bounds are checked on validation, not on set")

	err = doc.Save(t.Context())
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"age", "name"}, ve.Fields())
	assert.NotNil(t, ve.ErrorFor("age"))
	assert.Zero(t, drv.Writes())
}

func TestSetRejectsUnknownAndMistyped(t *testing.T) {
	reg, _ := newRegistry(t)
	doc, err := reg.New(userSchema(t))
	require.NoError(t, err)

	assert.True(t, errors.Is(doc.Set("nickname", "x"), types.ErrField))
	assert.True(t, errors.Is(doc.Set("age", "old"), types.ErrValidation))
	_, err = doc.Get("nickname")
	assert.True(t, errors.Is(err, types.ErrField))
}

func TestAutoFields(t *testing.T) {
	reg, _ := newRegistry(t)
	s := userSchema(t)

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	second := first.Add(time.Hour)

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	doc.now = func() time.Time { return first }
	require.NoError(t, doc.Save(t.Context()))

	doc.now = func() time.Time { return second }
	require.NoError(t, doc.Save(t.Context()))

	created, err := doc.Get("created")
	require.NoError(t, err)
	updated, err := doc.Get("updated")
	require.NoError(t, err)
	assert.True(t, first.Equal(created.(time.Time)), "on-create value is stable")
	assert.True(t, second.Equal(updated.(time.Time)), "on-save value changes")
}

func TestDeleteLifecycle(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)
	ctx := t.Context()

	unsaved, err := reg.New(s)
	require.NoError(t, err)
	assert.True(t, errors.Is(unsaved.Delete(ctx), types.ErrOperation))

	doc := saveUser(t, reg, s, people[0])
	require.NoError(t, doc.Delete(ctx))
	assert.Equal(t, types.StateDeleted, doc.State())
	writes := drv.Writes()

	assert.True(t, errors.Is(doc.Delete(ctx), types.ErrOperation))
	assert.True(t, errors.Is(doc.Save(ctx), types.ErrOperation))
	assert.Equal(t, writes, drv.Writes(), "a deleted document writes nothing")

	n, err := reg.Objects(s).Count(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSaveUnique(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)

	saveUser(t, reg, s, people[0])
	dup, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, dup.Set("name", "other"))
	require.NoError(t, dup.Set("email", people[0].email))

	err = dup.Save(t.Context())
	assert.True(t, errors.Is(err, types.ErrNotUnique))
	var nu *types.NotUniqueError
	require.True(t, errors.As(err, &nu))
	assert.Equal(t, []string{"email"}, nu.Fields)
	assert.Equal(t, types.StateNew, dup.State())
	assert.Equal(t, int64(1), drv.Writes())

	// unset optional unique values do not collide
	saveUser(t, reg, s, userData{name: "x"})
	saveUser(t, reg, s, userData{name: "y"})
}

func TestSaveEnsuresIndexesOnce(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)
	ctx := t.Context()

	saveUser(t, reg, s, people[0])
	indexes, err := drv.ListIndexes(ctx, s.Collection())
	require.NoError(t, err)
	var names []string
	for _, ix := range indexes {
		names = append(names, ix.Options.Name)
	}
	assert.Equal(t, []string{"_id_", "mail_1"}, names)
	assert.True(t, indexes[1].Options.Unique)
	assert.True(t, indexes[1].Options.Sparse)

	c, err := reg.connection(types.DefaultAlias)
	require.NoError(t, err)
	assert.True(t, c.ensured[s.Collection()]["mail_1"])
	saveUser(t, reg, s, people[1])
	assert.Len(t, c.ensured[s.Collection()], 1)
}

func TestHooks(t *testing.T) {
	reg, _ := newRegistry(t)
	var events []string
	record := func(ctx context.Context, e *schema.Event) error {
		events = append(events, e.Signal.String())
		if e.Signal == schema.PostSave && e.Created {
			events = append(events, "created")
		}
		return nil
	}
	upper := func(ctx context.Context, e *schema.Event) error {
		return e.Record.Set("name", "ANN")
	}
	s := userSchema(t, func(b *schema.Builder) {
		b.Hook(schema.PreSave, record).
			Hook(schema.PreSave, upper).
			Hook(schema.PostSave, record).
			Hook(schema.PreDelete, record).
			Hook(schema.PostDelete, record)
	})

	doc := saveUser(t, reg, s, people[0])
	require.NoError(t, doc.Save(t.Context()))
	require.NoError(t, doc.Delete(t.Context()))

	assert.Equal(t, []string{
		"pre-save", "post-save", "created",
		"pre-save", "post-save",
		"pre-delete", "post-delete",
	}, events)

	stored, err := reg.Objects(s).Values(t.Context())
	require.NoError(t, err)
	assert.Empty(t, stored)
	name, err := doc.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "ANN", name, "pre-save hooks may modify the record")
}

func TestPreSaveHookAborts(t *testing.T) {
	reg, drv := newRegistry(t)
	boom := errors.New("boom")
	s := userSchema(t, func(b *schema.Builder) {
		b.Hook(schema.PreSave, func(context.Context, *schema.Event) error { return boom })
	})

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	assert.ErrorIs(t, doc.Save(t.Context()), boom)
	assert.Equal(t, types.StateNew, doc.State())
	assert.Zero(t, drv.Writes())
}

func TestCleanHook(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t, func(b *schema.Builder) {
		b.Clean(func(r *schema.Record) error {
			if r.Value("role") == "admin" && r.Value("email") == nil {
				return types.NewValidationError("", "admins need an email")
			}
			return nil
		})
	})

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	require.NoError(t, doc.Set("role", "admin"))
	err = doc.Save(t.Context())
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{schema.NonFieldErrors}, ve.Fields())
	assert.Zero(t, drv.Writes())
}

func TestReloadAndUpdate(t *testing.T) {
	reg, _ := newRegistry(t)
	s := userSchema(t)
	ctx := t.Context()

	doc := saveUser(t, reg, s, people[0])
	require.NoError(t, doc.Update(ctx, query.Update{"inc__age": 1, "push__tags": "dev"}))

	age, _ := doc.Get("age")
	tags, _ := doc.Get("tags")
	assert.Equal(t, int64(32), age)
	assert.Equal(t, []interface{}{"admin", "ops", "dev"}, tags)

	_, err := reg.Objects(s).Filter(query.Q{"pk": doc.Identity()}).Delete(ctx)
	require.NoError(t, err)
	assert.True(t, errors.Is(doc.Reload(ctx), types.ErrDoesNotExist))
}

func TestNewRejectsAbstractAndEmbedded(t *testing.T) {
	reg, _ := newRegistry(t)
	base := schema.New("Base").Abstract().Field(schema.String("name")).MustBuild()
	addr := schema.NewEmbedded("Address").Field(schema.String("city")).MustBuild()

	_, err := reg.New(base)
	assert.True(t, errors.Is(err, types.ErrSchema))
	_, err = reg.New(addr)
	assert.True(t, errors.Is(err, types.ErrSchema))
}

func TestInheritance(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := t.Context()
	animal := schema.New("Animal").AllowInheritance().Field(schema.String("name")).MustBuild()
	dog := schema.New("Dog").Extends(animal).Field(schema.Bool("good")).MustBuild()

	a, err := reg.New(animal)
	require.NoError(t, err)
	require.NoError(t, a.Set("name", "generic"))
	require.NoError(t, a.Save(ctx))

	d, err := reg.New(dog)
	require.NoError(t, err)
	require.NoError(t, d.Set("name", "rex"))
	require.NoError(t, d.Set("good", true))
	require.NoError(t, d.Save(ctx))

	all, err := reg.Objects(animal).OrderBy("name").All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Same(t, animal, all[0].Schema())
	assert.Same(t, dog, all[1].Schema(), "stored class selects the subclass")

	dogs, err := reg.Objects(dog).Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dogs)
}

func TestDereference(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := t.Context()
	users := userSchema(t)
	posts := schema.New("Post").Field(
		schema.String("title", schema.Required()),
		schema.Ref("author", users),
	).MustBuild()

	author := saveUser(t, reg, users, people[0])
	post, err := reg.New(posts)
	require.NoError(t, err)
	require.NoError(t, post.Set("title", "hello"))
	require.NoError(t, post.Set("author", author))
	require.NoError(t, post.Save(ctx))

	raw, err := reg.Objects(posts).Values(ctx)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, author.Identity(), raw[0]["author"], "references store the bare identity")

	loaded, err := reg.Objects(posts).First(ctx)
	require.NoError(t, err)
	ref, err := loaded.Get("author")
	require.NoError(t, err)
	got, err := reg.Dereference(ctx, ref.(schema.Reference))
	require.NoError(t, err)
	assert.Equal(t, author.Identity(), got.Identity())

	byAuthor, err := reg.Objects(posts).Filter(query.Q{"author": author}).Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), byAuthor)
}

func TestSavePersistedWritesOnlyChangedFields(t *testing.T) {
	reg, _ := newRegistry(t)
	s := userSchema(t)
	ctx := t.Context()
	saved := saveUser(t, reg, s, people[0])

	doc, err := reg.Objects(s).Only("name").Get(ctx, query.Q{"pk": saved.Identity()})
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "anna"))
	require.NoError(t, doc.Save(ctx))
	assert.Empty(t, doc.Record().Changed(), "a saved document is clean")

	require.NoError(t, saved.Reload(ctx))
	for name, want := range map[string]interface{}{
		"name":  "anna",
		"age":   int64(31),
		"email": "ann@example.com",
		"tags":  []interface{}{"admin", "ops"},
		"role":  "member",
	} {
		got, err := saved.Get(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	// required fields left out of the projection are not validated
	doc, err = reg.Objects(s).Only("age").Get(ctx, query.Q{"pk": saved.Identity()})
	require.NoError(t, err)
	require.NoError(t, doc.Set("age", 40))
	require.NoError(t, doc.Save(ctx))

	require.NoError(t, saved.Unset("tags"))
	require.NoError(t, saved.Save(ctx))

	loaded, err := reg.Objects(s).Get(ctx, query.Q{"pk": saved.Identity()})
	require.NoError(t, err)
	assert.False(t, loaded.Has("tags"))
	name, _ := loaded.Get("name")
	age, _ := loaded.Get("age")
	assert.Equal(t, "anna", name)
	assert.Equal(t, int64(40), age)
}

func TestSavePersistedKeepsIdentity(t *testing.T) {
	reg, _ := newRegistry(t)
	s := userSchema(t)
	doc := saveUser(t, reg, s, people[0])

	require.NoError(t, doc.Set("id", bson.NewObjectID()))
	assert.True(t, errors.Is(doc.Save(t.Context()), types.ErrOperation))
}

func TestFailedSaveLeavesDocumentUntouched(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t, func(b *schema.Builder) {
		b.Field(schema.Int("level", schema.DefaultFunc(func() interface{} { return "high" })))
	})

	first := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	require.NoError(t, doc.Set("age", 200))
	doc.now = func() time.Time { return first }

	err = doc.Save(t.Context())
	var ve *types.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"age", "level"}, ve.Fields(), "default and value errors are reported together")
	assert.False(t, doc.Has("updated"))
	assert.False(t, doc.Has("role"))
	assert.Zero(t, drv.Writes())

	// a persisted document keeps its on-save value when validation fails
	s = userSchema(t)
	doc, err = reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "bob"))
	doc.now = func() time.Time { return first }
	require.NoError(t, doc.Save(t.Context()))

	require.NoError(t, doc.Set("age", 200))
	doc.now = func() time.Time { return first.Add(time.Hour) }
	assert.True(t, errors.Is(doc.Save(t.Context()), types.ErrValidation))
	updated, err := doc.Get("updated")
	require.NoError(t, err)
	assert.True(t, first.Equal(updated.(time.Time)))
}
