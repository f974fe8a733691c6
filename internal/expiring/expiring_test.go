package expiring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "token:abc", "alice", time.Minute))

	v, ok, err := m.Get(ctx, "token:abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", v)

	now = now.Add(time.Minute)

	_, ok, err = m.Get(ctx, "token:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m := NewMemory()
	m.now = func() time.Time { return now }

	ok, err := m.SetNX(ctx, "cooldown:alice", "1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "cooldown:alice", "1", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = m.SetNX(ctx, "cooldown:alice", "1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryDeleteAndSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "a", "1", time.Second))
	require.NoError(t, m.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, m.Set(ctx, "c", "3", time.Hour))
	require.NoError(t, m.Delete(ctx, "c"))

	now = now.Add(time.Minute)

	assert.Equal(t, 1, m.Sweep())

	_, ok, _ := m.Get(ctx, "b")
	assert.True(t, ok)
}
