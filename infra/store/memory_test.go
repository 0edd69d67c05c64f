package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGetDelete(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", []byte("one"), 0))

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, m.Delete(ctx, "a"))
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "short", []byte("x"), 10*time.Second))
	require.NoError(t, m.Put(ctx, "forever", []byte("y"), 0))

	clock.Advance(11 * time.Second)

	_, err := m.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got)
}

func TestMemoryWriteSweepEvictsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMemory(clock)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Put(ctx, "b", []byte("2"), time.Second))
	clock.Advance(2 * time.Second)

	// The next write sweeps both expired entries out of the map.
	require.NoError(t, m.Put(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 1, m.Len())
}

func TestMemoryDetachesValues(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()

	src := []byte("mutable")
	require.NoError(t, m.Put(ctx, "k", src, 0))
	src[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)

	got[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), again)
}

func TestMemoryDeleteAbsentKey(t *testing.T) {
	m := NewMemory(clockwork.NewFakeClock())
	assert.NoError(t, m.Delete(context.Background(), "never-existed"))
}
