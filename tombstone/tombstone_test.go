package tombstone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t0 := time.Unix(1_700_000_000, 0)
	require.NoError(t, m.Mark(ctx, Entry{ProviderID: "p", Key: "b", TombstonedAt: t0.Add(time.Minute)}))
	require.NoError(t, m.Mark(ctx, Entry{ProviderID: "p", Key: "a", TombstonedAt: t0}))
	require.NoError(t, m.Mark(ctx, Entry{ProviderID: "q", Key: "a", TombstonedAt: t0.Add(time.Hour)}))
	assert.Equal(t, 3, m.Len())

	due, err := m.Due(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].Key)
	assert.Equal(t, "b", due[1].Key)

	// Strictly before.
	due, err = m.Due(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, m.Remove(ctx, Entry{ProviderID: "p", Key: "a", TombstonedAt: t0}))
	assert.Equal(t, 2, m.Len())
}

func TestMemory_RemoveChanged(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	t0 := time.Unix(1_700_000_000, 0)
	old := Entry{ProviderID: "p", Key: "k", TombstonedAt: t0}
	require.NoError(t, m.Mark(ctx, old))
	require.NoError(t, m.Mark(ctx, Entry{ProviderID: "p", Key: "k", TombstonedAt: t0.Add(time.Minute)}))

	assert.ErrorIs(t, m.Remove(ctx, old), ErrChanged)
	assert.Equal(t, 1, m.Len())
	assert.NoError(t, m.Remove(ctx, Entry{ProviderID: "p", Key: "missing"}))
}
