package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/objectd/internal/conn"
	"github.com/substratehq/objectd/internal/object"
	"github.com/substratehq/objectd/internal/storage"
)

type stubTransport struct {
	messages [][]byte
}

func (s *stubTransport) WriteMessage(_ int, data []byte) error {
	s.messages = append(s.messages, data)
	return nil
}

func (s *stubTransport) Close() error { return nil }

func newTestHost(t *testing.T) (*host, int64, *stubTransport) {
	t.Helper()
	backend, err := storage.Open(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	actor, err := object.New(ctx, backend, object.Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		actor.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	registry := conn.NewRegistry(clock.WallClock, nil)
	st := &stubTransport{}
	c := registry.Adopt(st, nil)

	return &host{ctx: ctx, actor: actor, registry: registry}, c.ID(), st
}

func call(t *testing.T, h *host, id int64, req request) response {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(h.handle(context.Background(), id, payload), &resp))
	return resp
}

func TestHost_SetGetDelete(t *testing.T) {
	h, id, _ := newTestHost(t)

	resp := call(t, h, id, request{Op: "set", Key: "users:alice", Value: []byte("v1")})
	require.True(t, resp.OK)
	assert.Equal(t, int64(1), resp.Version)

	resp = call(t, h, id, request{Op: "get", Key: "users:alice"})
	require.True(t, resp.OK)
	assert.True(t, resp.Found)
	assert.Equal(t, []byte("v1"), resp.Value)

	resp = call(t, h, id, request{Op: "delete", Key: "users:alice"})
	require.True(t, resp.OK)
	assert.True(t, resp.Deleted)

	resp = call(t, h, id, request{Op: "get", Key: "users:alice"})
	require.True(t, resp.OK)
	assert.False(t, resp.Found)
}

func TestHost_SetWithBadTTL(t *testing.T) {
	h, id, _ := newTestHost(t)

	resp := call(t, h, id, request{Op: "set", Key: "k", Value: []byte("v"), TTL: "soon"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid ttl")
}

func TestHost_List(t *testing.T) {
	h, id, _ := newTestHost(t)

	call(t, h, id, request{Op: "set", Key: "users:alice", Value: []byte("a")})
	call(t, h, id, request{Op: "set", Key: "users:bob", Value: []byte("b")})
	call(t, h, id, request{Op: "set", Key: "rooms:lobby", Value: []byte("l")})

	resp := call(t, h, id, request{Op: "list", Key: "users:"})
	require.True(t, resp.OK)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "users:alice", resp.Records[0].Key)
}

func TestHost_SubscribePublish(t *testing.T) {
	h, id, st := newTestHost(t)

	resp := call(t, h, id, request{Op: "subscribe", Topic: "room1"})
	require.True(t, resp.OK)

	resp = call(t, h, id, request{Op: "publish", Topic: "room1", Data: []byte("hello")})
	require.True(t, resp.OK)
	assert.Equal(t, 1, resp.Delivered)
	require.NotEmpty(t, st.messages)
	assert.Equal(t, "hello", string(st.messages[len(st.messages)-1]))
}

func TestHost_MalformedAndUnknown(t *testing.T) {
	h, id, _ := newTestHost(t)

	resp := call(t, h, id, request{Op: "levitate"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown op")

	var raw response
	require.NoError(t, json.Unmarshal(h.handle(context.Background(), id, []byte("{")), &raw))
	assert.Contains(t, raw.Error, "malformed request")
}
