package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveConnection_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	meta := ConnectionMeta{
		ID:          3,
		Status:      "open",
		ConnectedAt: time.Unix(0, 1700000000000000000),
		Attached:    []byte(`{"user":"alice"}`),
		Topics:      []string{"room1", "room2"},
	}
	require.NoError(t, s.SaveConnection(ctx, meta))

	metas, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, meta.ID, metas[0].ID)
	assert.Equal(t, meta.Status, metas[0].Status)
	assert.Equal(t, meta.Topics, metas[0].Topics)
	assert.Equal(t, meta.Attached, metas[0].Attached)
	assert.True(t, metas[0].HibernatedAt.IsZero())
}

func TestSaveConnection_UpsertStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	meta := ConnectionMeta{ID: 1, Status: "open", ConnectedAt: time.Now(), Topics: []string{"t"}}
	require.NoError(t, s.SaveConnection(ctx, meta))

	meta.Status = "hibernating"
	meta.HibernatedAt = time.Now()
	require.NoError(t, s.SaveConnection(ctx, meta))

	metas, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "hibernating", metas[0].Status)
	assert.False(t, metas[0].HibernatedAt.IsZero())
	assert.Equal(t, []string{"t"}, metas[0].Topics)
}

func TestDeleteConnection_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteConnection(ctx, 42))

	require.NoError(t, s.SaveConnection(ctx, ConnectionMeta{ID: 42, Status: "open", ConnectedAt: time.Now()}))
	require.NoError(t, s.DeleteConnection(ctx, 42))
	require.NoError(t, s.DeleteConnection(ctx, 42))

	metas, err := s.ListConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
}
