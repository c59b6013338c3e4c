package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/objectd/internal/storage"
)

var epoch = time.Unix(0, 0).UTC()

// fakeTransport records writes and can be told to fail.
type fakeTransport struct {
	messages [][]byte
	writeErr error
	closed   bool
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *storage.Store) {
	t.Helper()
	backend, err := storage.Open(filepath.Join(t.TempDir(), "conn.db"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewRegistry(testclock.NewClock(epoch), backend), backend
}

func TestAdopt_AssignsIncrementingIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	c1 := r.Adopt(&fakeTransport{}, nil)
	c2 := r.Adopt(&fakeTransport{}, []byte(`{"user":"bob"}`))

	assert.Equal(t, int64(1), c1.ID())
	assert.Equal(t, int64(2), c2.ID())
	assert.Equal(t, StatusOpen, c1.Status())
	assert.Equal(t, []byte(`{"user":"bob"}`), c2.Attached())
	assert.Equal(t, 2, r.Len())
}

func TestSend_UnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.False(t, r.Send(99, []byte("hello")))
}

func TestSend_TransportFailureEvicts(t *testing.T) {
	r, _ := newTestRegistry(t)

	ft := &fakeTransport{writeErr: errors.New("broken pipe")}
	c := r.Adopt(ft, nil)

	assert.False(t, r.Send(c.ID(), []byte("hello")))
	assert.True(t, ft.closed)
	assert.Equal(t, 0, r.Len(), "failed connection is removed")

	// A later send to the evicted id just reports failure.
	assert.False(t, r.Send(c.ID(), []byte("again")))
}

func TestBroadcast_FilterAndCount(t *testing.T) {
	r, _ := newTestRegistry(t)

	t1, t2, t3 := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	r.Adopt(t1, []byte("alice"))
	r.Adopt(t2, []byte("bob"))
	c3 := r.Adopt(t3, []byte("carol"))
	_ = c3

	count := r.Broadcast([]byte("hi"), nil)
	assert.Equal(t, 3, count)

	count = r.Broadcast([]byte("only-bob"), func(c *Connection) bool {
		return string(c.Attached()) == "bob"
	})
	assert.Equal(t, 1, count)
	require.Len(t, t2.messages, 2)
	assert.Equal(t, "only-bob", string(t2.messages[1]))
	assert.Len(t, t1.messages, 1)
}

func TestBroadcast_FailedSendReducesCount(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Adopt(&fakeTransport{}, nil)
	r.Adopt(&fakeTransport{writeErr: errors.New("gone")}, nil)

	count := r.Broadcast([]byte("hi"), nil)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, r.Len())
}

func TestPublish_OnlySubscribers(t *testing.T) {
	r, _ := newTestRegistry(t)

	ta, tb := &fakeTransport{}, &fakeTransport{}
	a := r.Adopt(ta, nil)
	r.Adopt(tb, nil)

	require.True(t, r.Subscribe(a.ID(), "room1"))

	count := r.Publish("room1", []byte("hello"))
	assert.Equal(t, 1, count)
	require.Len(t, ta.messages, 1)
	assert.Equal(t, "hello", string(ta.messages[0]))
	assert.Empty(t, tb.messages)
}

func TestSubscribe_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	c := r.Adopt(&fakeTransport{}, nil)
	require.True(t, r.Subscribe(c.ID(), "room1"))
	require.True(t, r.Subscribe(c.ID(), "room1"))
	assert.Equal(t, []string{"room1"}, c.Topics())

	require.True(t, r.Unsubscribe(c.ID(), "room1"))
	require.True(t, r.Unsubscribe(c.ID(), "room1"))
	assert.Empty(t, c.Topics())

	assert.False(t, r.Subscribe(99, "room1"))
	assert.False(t, r.Unsubscribe(99, "room1"))
}

func TestClose_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	ft := &fakeTransport{}
	c := r.Adopt(ft, nil)

	r.Close(c.ID())
	r.Close(c.ID())
	assert.True(t, ft.closed)
	assert.Equal(t, 0, r.Len())
}

func TestSuspendResume_PreservesIdentityAndTopics(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	c := r.Adopt(&fakeTransport{}, []byte("alice"))
	require.True(t, r.Subscribe(c.ID(), "room1"))
	id := c.ID()

	require.NoError(t, r.SuspendAll(ctx))
	assert.Equal(t, StatusHibernating, c.Status(), "suspended, not removed")
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.ResumeAll(ctx))
	assert.Equal(t, StatusOpen, c.Status())
	assert.Equal(t, id, c.ID())
	assert.Equal(t, []string{"room1"}, c.Topics())
}

func TestSuspendAll_SkipsNonOpen(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	c := r.Adopt(&fakeTransport{}, nil)
	require.NoError(t, r.SuspendAll(ctx))
	require.NoError(t, r.SuspendAll(ctx)) // second pass is a no-op
	assert.Equal(t, StatusHibernating, c.Status())
}

func TestPublish_SkipsHibernating(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	ft := &fakeTransport{}
	c := r.Adopt(ft, nil)
	require.True(t, r.Subscribe(c.ID(), "room1"))
	require.NoError(t, r.SuspendAll(ctx))

	assert.Equal(t, 0, r.Publish("room1", []byte("hello")))
	assert.Empty(t, ft.messages)

	require.NoError(t, r.ResumeAll(ctx))
	assert.Equal(t, 1, r.Publish("room1", []byte("hello")))
}

func TestRestore_RehydratesMetadata(t *testing.T) {
	r, backend := newTestRegistry(t)
	ctx := context.Background()

	c := r.Adopt(&fakeTransport{}, []byte("alice"))
	require.True(t, r.Subscribe(c.ID(), "room1"))
	require.NoError(t, r.SuspendAll(ctx))

	// Simulate a restart: a fresh registry over the same backend.
	r2 := NewRegistry(testclock.NewClock(epoch), backend)
	require.NoError(t, r2.Restore(ctx))
	require.Equal(t, 1, r2.Len())

	restored, ok := r2.Get(c.ID())
	require.True(t, ok)
	assert.Equal(t, StatusHibernating, restored.Status())
	assert.Equal(t, []string{"room1"}, restored.Topics())
	assert.Equal(t, []byte("alice"), restored.Attached())

	// Without a reattached transport a send fails and evicts.
	require.NoError(t, r2.ResumeAll(ctx))
	assert.False(t, r2.Send(restored.ID(), []byte("hi")))
	assert.Equal(t, 0, r2.Len())
}

func TestReattach(t *testing.T) {
	r, backend := newTestRegistry(t)
	ctx := context.Background()

	c := r.Adopt(&fakeTransport{}, nil)
	require.NoError(t, r.SuspendAll(ctx))

	r2 := NewRegistry(testclock.NewClock(epoch), backend)
	require.NoError(t, r2.Restore(ctx))
	require.NoError(t, r2.ResumeAll(ctx))

	ft := &fakeTransport{}
	require.True(t, r2.Reattach(c.ID(), ft))
	assert.False(t, r2.Reattach(99, ft))

	assert.True(t, r2.Send(c.ID(), []byte("hi")))
	require.Len(t, ft.messages, 1)

	// New ids continue after the restored ones.
	fresh := r2.Adopt(&fakeTransport{}, nil)
	assert.Greater(t, fresh.ID(), c.ID())
}

func TestAccept_RejectsPlainHTTP(t *testing.T) {
	r, _ := newTestRegistry(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/connect", nil)
	_, err := r.Accept(rec, req, nil)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestAccept_WebsocketHandshake(t *testing.T) {
	r, _ := newTestRegistry(t)

	accepted := make(chan *Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := r.Accept(w, req, []byte("alice"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		accepted <- c
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	c := <-accepted
	assert.Equal(t, StatusOpen, c.Status())

	require.True(t, r.Send(c.ID(), []byte("welcome")))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(msg))
}
