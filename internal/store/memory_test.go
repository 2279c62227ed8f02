package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreTTL(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "presence.u1", `{"status":"online"}`, 300*time.Second))

	val, err := s.Get(ctx, "presence.u1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"online"}`, val)

	now = now.Add(301 * time.Second)
	_, err = s.Get(ctx, "presence.u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIncr(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	n, err := s.Incr(ctx, "presence.count.u1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.Incr(ctx, "presence.count.u1", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.Incr(ctx, "presence.count.u1", -1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestMemoryStoreKeysPattern(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "cluster.node.a", "{}", 0))
	require.NoError(t, s.Set(ctx, "cluster.node.b", "{}", 0))
	require.NoError(t, s.Set(ctx, "presence.u1", "{}", 0))

	keys, err := s.Keys(ctx, "cluster.node.*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cluster.node.a", "cluster.node.b"}, keys)
}

func TestMemoryStoreSets(t *testing.T) {
	s := NewMemory()
	now := time.Now()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "typing.rooms.r1", "u1", 10*time.Second))
	require.NoError(t, s.SetAdd(ctx, "typing.rooms.r1", "u2", 10*time.Second))

	members, err := s.SetMembers(ctx, "typing.rooms.r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)

	require.NoError(t, s.SetRemove(ctx, "typing.rooms.r1", "u1"))
	members, _ = s.SetMembers(ctx, "typing.rooms.r1")
	assert.Equal(t, []string{"u2"}, members)

	now = now.Add(11 * time.Second)
	members, _ = s.SetMembers(ctx, "typing.rooms.r1")
	assert.Empty(t, members)
}
