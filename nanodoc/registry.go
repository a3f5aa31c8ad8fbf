package nanodoc

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/index"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.DiscardHandler))
}

// SetLogger sets the logger used for debug output around writes, dialing
// and index creation. A nil logger discards everything.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	logger.Store(l)
}

func log() *slog.Logger { return logger.Load() }

// connection is one registered alias. The driver is dialed on first use.
type connection struct {
	alias  string
	dial   driver.Dialer
	mu     sync.Mutex // serializes the first dial and closing
	handle atomic.Pointer[driver.Driver]
	closed bool

	ensureMu sync.Mutex
	ensured  map[string]map[string]bool // collection -> index names
}

func (c *connection) driver(ctx context.Context) (driver.Driver, error) {
	if h := c.handle.Load(); h != nil {
		return *h, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h := c.handle.Load(); h != nil {
		return *h, nil
	}
	if c.closed {
		return nil, &types.ConnectionFailure{Alias: c.alias, Err: errors.New("disconnected")}
	}
	if c.dial == nil {
		return nil, &types.ConnectionFailure{Alias: c.alias, Err: errors.New("no dialer")}
	}
	log().Debug("dialing connection", "alias", c.alias)
	d, err := c.dial(ctx)
	if err != nil {
		return nil, &types.ConnectionFailure{Alias: c.alias, Err: err}
	}
	c.handle.Store(&d)
	return d, nil
}

// ensureIndexes creates the collection and the schema's indexes the first
// time a document of s is written through this connection
func (c *connection) ensureIndexes(ctx context.Context, d driver.Driver, s *schema.Schema) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()

	coll := s.Collection()
	done, seen := c.ensured[coll]
	var pending []index.Spec
	for _, spec := range s.Indexes() {
		if !done[spec.Name] {
			pending = append(pending, spec)
		}
	}
	if seen && len(pending) == 0 {
		return nil
	}

	if !seen {
		opts := driver.CollectionOptions{}
		if capped := s.Capped(); capped != nil {
			opts = driver.CollectionOptions{Capped: true, SizeBytes: capped.SizeBytes, MaxDocuments: capped.MaxDocuments}
		}
		if err := d.EnsureCollection(ctx, coll, opts); err != nil {
			return &types.OperationError{Op: "ensure collection", Reason: coll, Err: err}
		}
	}
	log().Debug("ensuring indexes", "alias", c.alias, "collection", coll, "count", len(pending))
	if err := index.Ensure(ctx, d, coll, pending); err != nil {
		return err
	}

	if c.ensured == nil {
		c.ensured = make(map[string]map[string]bool)
	}
	if done == nil {
		done = make(map[string]bool)
		c.ensured[coll] = done
	}
	for _, spec := range pending {
		done[spec.Name] = true
	}
	return nil
}

// Registry maps connection aliases to drivers. Lookups are lock free: the
// table is replaced as a whole on every registration.
type Registry struct {
	mu    sync.Mutex // serializes writers
	table atomic.Pointer[map[string]*connection]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*connection)
	r.table.Store(&empty)
	return r
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used by the package
// level functions
func DefaultRegistry() *Registry { return defaultRegistry }

func (r *Registry) lookup(alias string) (*connection, bool) {
	c, ok := (*r.table.Load())[alias]
	return c, ok
}

// swap applies fn to a copy of the table and publishes it
func (r *Registry) swap(fn func(map[string]*connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.table.Load()
	next := make(map[string]*connection, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	fn(next)
	r.table.Store(&next)
}

// Register records a lazily dialed connection under alias, replacing any
// previous registration. The replaced connection is not closed.
func (r *Registry) Register(alias string, dial driver.Dialer) {
	if alias == "" {
		alias = types.DefaultAlias
	}
	r.swap(func(t map[string]*connection) {
		t[alias] = &connection{alias: alias, dial: dial}
	})
	log().Debug("registered connection", "alias", alias)
}

// Connect registers a live driver under alias
func (r *Registry) Connect(alias string, d driver.Driver) {
	if alias == "" {
		alias = types.DefaultAlias
	}
	c := &connection{alias: alias}
	c.handle.Store(&d)
	r.swap(func(t map[string]*connection) { t[alias] = c })
	log().Debug("connected", "alias", alias)
}

// Get returns the driver of alias, dialing it on first use
func (r *Registry) Get(ctx context.Context, alias string) (driver.Driver, error) {
	c, err := r.connection(alias)
	if err != nil {
		return nil, err
	}
	return c.driver(ctx)
}

func (r *Registry) connection(alias string) (*connection, error) {
	if alias == "" {
		alias = types.DefaultAlias
	}
	c, ok := r.lookup(alias)
	if !ok {
		return nil, &types.ConnectionFailure{Alias: alias}
	}
	return c, nil
}

// EnsureIndexes creates the collection and indexes of s through alias, or
// through the schema's own alias when alias is empty. Indexes already
// ensured through the connection are skipped.
func (r *Registry) EnsureIndexes(ctx context.Context, alias string, s *schema.Schema) error {
	if err := checkDocumentSchema(s); err != nil {
		return err
	}
	if alias == "" {
		alias = s.Alias()
	}
	c, err := r.connection(alias)
	if err != nil {
		return err
	}
	d, err := c.driver(ctx)
	if err != nil {
		return err
	}
	return c.ensureIndexes(ctx, d, s)
}

// Disconnect closes the driver of alias, if it was dialed, and removes the
// registration. Unknown aliases are ignored.
func (r *Registry) Disconnect(ctx context.Context, alias string) error {
	if alias == "" {
		alias = types.DefaultAlias
	}
	var removed *connection
	r.swap(func(t map[string]*connection) {
		removed = t[alias]
		delete(t, alias)
	})
	if removed == nil {
		return nil
	}
	log().Debug("disconnecting", "alias", alias)
	// waits for a dial in progress so its driver is closed too
	removed.mu.Lock()
	removed.closed = true
	h := removed.handle.Load()
	removed.mu.Unlock()
	if h != nil {
		return (*h).Close(ctx)
	}
	return nil
}

// DisconnectAll closes and removes every connection. All drivers are closed
// even when some fail; the errors are joined.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, alias := range r.Aliases() {
		if err := r.Disconnect(ctx, alias); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Aliases returns the registered aliases in sorted order
func (r *Registry) Aliases() []string {
	t := *r.table.Load()
	out := make([]string, 0, len(t))
	for alias := range t {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Register records a lazily dialed connection in the default registry
func Register(alias string, dial driver.Dialer) { defaultRegistry.Register(alias, dial) }

// Connect registers a live driver in the default registry
func Connect(alias string, d driver.Driver) { defaultRegistry.Connect(alias, d) }

// Get returns a driver from the default registry
func Get(ctx context.Context, alias string) (driver.Driver, error) {
	return defaultRegistry.Get(ctx, alias)
}

// Disconnect closes and removes a connection of the default registry
func Disconnect(ctx context.Context, alias string) error {
	return defaultRegistry.Disconnect(ctx, alias)
}

// DisconnectAll closes every connection of the default registry
func DisconnectAll(ctx context.Context) error { return defaultRegistry.DisconnectAll(ctx) }

// EnsureIndexes ensures the indexes of s in the default registry
func EnsureIndexes(ctx context.Context, alias string, s *schema.Schema) error {
	return defaultRegistry.EnsureIndexes(ctx, alias, s)
}
