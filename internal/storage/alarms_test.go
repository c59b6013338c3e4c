package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarm_SetGetDelete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Unix(0, 1700000000000000000)
	require.NoError(t, s.SetAlarm(ctx, at))

	got, ok, err := s.GetAlarm(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(got))

	// Replacing the slot keeps a single alarm.
	later := at.Add(time.Minute)
	require.NoError(t, s.SetAlarm(ctx, later))
	got, ok, err = s.GetAlarm(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, later.Equal(got))

	require.NoError(t, s.DeleteAlarm(ctx))
	require.NoError(t, s.DeleteAlarm(ctx))
	_, ok, err = s.GetAlarm(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
