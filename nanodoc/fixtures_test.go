package nanodoc

import (
	"testing"

	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/stretchr/testify/require"
)

// newRegistry returns a registry whose default alias is a fresh memory
// driver
func newRegistry(t *testing.T) (*Registry, *memdriver.Driver) {
	t.Helper()
	drv, err := memdriver.New()
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Connect(types.DefaultAlias, drv)
	return reg, drv
}

func userSchema(t *testing.T, opts ...func(*schema.Builder)) *schema.Schema {
	t.Helper()
	b := schema.New("User").
		Field(
			schema.String("name", schema.Required()),
			schema.Int("age", schema.Min(0), schema.Max(150)),
			schema.Email("email", schema.Unique(), schema.DBField("mail")),
			schema.List("tags", schema.String("")),
			schema.String("role", schema.Default("member")),
			schema.DateTime("created", schema.Auto(types.AutoOnCreate)),
			schema.DateTime("updated", schema.Auto(types.AutoOnSave)),
		).
		Ordering("name")
	for _, opt := range opts {
		opt(b)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

type userData struct {
	name  string
	age   int
	email string
	tags  []string
}

var people = []userData{
	{"ann", 31, "ann@example.com", []string{"admin", "ops"}},
	{"bob", 17, "bob@example.com", []string{"ops"}},
	{"cid", 45, "cid@example.com", nil},
	{"dee", 62, "", []string{"dev", "ops"}},
}

func saveUser(t *testing.T, reg *Registry, s *schema.Schema, u userData) *Document {
	t.Helper()
	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", u.name))
	require.NoError(t, doc.Set("age", u.age))
	if u.email != "" {
		require.NoError(t, doc.Set("email", u.email))
	}
	if u.tags != nil {
		require.NoError(t, doc.Set("tags", u.tags))
	}
	require.NoError(t, doc.Save(t.Context()))
	return doc
}

func seedUsers(t *testing.T, reg *Registry, s *schema.Schema) []*Document {
	t.Helper()
	docs := make([]*Document, len(people))
	for i, u := range people {
		docs[i] = saveUser(t, reg, s, u)
	}
	return docs
}
