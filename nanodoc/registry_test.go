package nanodoc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/schema"
	"github.com/arthur-debert/nanodoc/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryUnknownAlias(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get(t.Context(), "missing")
	assert.True(t, errors.Is(err, types.ErrConnection))
	var cf *types.ConnectionFailure
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "missing", cf.Alias)
}

func TestRegistryDialsOnce(t *testing.T) {
	reg := NewRegistry()
	var dials atomic.Int32
	reg.Register("main", func(ctx context.Context) (driver.Driver, error) {
		dials.Add(1)
		return memdriver.New()
	})
	assert.Zero(t, dials.Load(), "registration does not dial")

	var wg sync.WaitGroup
	drivers := make([]driver.Driver, 8)
	for i := range drivers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := reg.Get(context.Background(), "main")
			assert.NoError(t, err)
			drivers[i] = d
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, d := range drivers[1:] {
		assert.Same(t, drivers[0], d)
	}
}

func TestRegistryDialFailure(t *testing.T) {
	reg := NewRegistry()
	refused := errors.New("connection refused")
	reg.Register("", func(context.Context) (driver.Driver, error) { return nil, refused })

	_, err := reg.Get(t.Context(), "")
	assert.True(t, errors.Is(err, types.ErrConnection))
	assert.ErrorIs(t, err, refused)

	doc, err := reg.New(userSchema(t))
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	assert.True(t, errors.Is(doc.Save(t.Context()), types.ErrConnection))
	assert.Equal(t, types.StateNew, doc.State())
}

func TestRegistryDisconnect(t *testing.T) {
	reg, drv := newRegistry(t)
	other, err := memdriver.New()
	require.NoError(t, err)
	reg.Connect("other", other)
	assert.Equal(t, []string{"default", "other"}, reg.Aliases())

	require.NoError(t, reg.Disconnect(t.Context(), "other"))
	assert.Error(t, other.Ping(t.Context()), "disconnect closes the driver")
	assert.Equal(t, []string{"default"}, reg.Aliases())
	assert.NoError(t, reg.Disconnect(t.Context(), "other"), "unknown aliases are ignored")

	require.NoError(t, reg.DisconnectAll(t.Context()))
	assert.Empty(t, reg.Aliases())
	assert.Error(t, drv.Ping(t.Context()))
}

func TestDisconnectDuringDial(t *testing.T) {
	reg := NewRegistry()
	drv, err := memdriver.New()
	require.NoError(t, err)
	dialing := make(chan struct{})
	release := make(chan struct{})
	reg.Register("slow", func(ctx context.Context) (driver.Driver, error) {
		close(dialing)
		<-release
		return drv, nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = reg.Get(t.Context(), "slow")
	}()
	<-dialing
	var disconnectErr error
	go func() {
		defer wg.Done()
		disconnectErr = reg.Disconnect(t.Context(), "slow")
	}()
	assert.Eventually(t, func() bool { return len(reg.Aliases()) == 0 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, disconnectErr)
	assert.Error(t, drv.Ping(t.Context()), "the driver dialed during disconnect is closed")
}

func TestUsingRoutesToAlias(t *testing.T) {
	reg, main := newRegistry(t)
	archive, err := memdriver.New()
	require.NoError(t, err)
	reg.Connect("archive", archive)
	s := userSchema(t)
	ctx := t.Context()

	doc, err := reg.New(s)
	require.NoError(t, err)
	require.NoError(t, doc.Set("name", "ann"))
	require.NoError(t, doc.Using("archive").Save(ctx))

	assert.Zero(t, main.Writes())
	assert.Equal(t, int64(1), archive.Writes())

	n, err := reg.Objects(s).Using("archive").Count(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = reg.Objects(s).Count(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnsureIndexesWithoutWrites(t *testing.T) {
	reg, drv := newRegistry(t)
	s := userSchema(t)
	ctx := t.Context()

	require.NoError(t, reg.EnsureIndexes(ctx, "", s))
	indexes, err := drv.ListIndexes(ctx, s.Collection())
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	assert.Equal(t, "mail_1", indexes[1].Options.Name)
	assert.Zero(t, drv.Writes())

	_, err = reg.New(userSchema(t, func(b *schema.Builder) { b.Abstract() }))
	assert.True(t, errors.Is(err, types.ErrSchema))
	assert.True(t, errors.Is(reg.EnsureIndexes(ctx, "missing", s), types.ErrConnection))
}
