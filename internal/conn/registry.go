// Package conn tracks the live bidirectional connections owned by one
// actor: status, topic subscriptions and attached data, with metadata
// persisted across hibernation.
//
// The registry cannot keep a socket alive through hibernation on its own;
// that needs a host facility. What it guarantees is that id, topics and
// attached data survive durably, and that a transport which did keep the
// socket open can reattach it.
package conn

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/substratehq/objectd/internal/storage"
)

var logger = loggo.GetLogger("objectd.conn")

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnecting  Status = "connecting"
	StatusOpen        Status = "open"
	StatusHibernating Status = "hibernating"
	StatusClosing     Status = "closing"
	StatusClosed      Status = "closed"
)

// Transport is the write side of one bidirectional connection.
// *websocket.Conn satisfies it.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connection is one tracked connection. Fields are owned by the registry;
// accessors take the registry lock.
type Connection struct {
	registry *Registry

	id            int64
	status        Status
	connectedAt   time.Time
	hibernatedAt  time.Time
	lastMessageAt time.Time
	attached      []byte
	topics        map[string]struct{}
	transport     Transport
}

// ID returns the connection's registry-assigned id.
func (c *Connection) ID() int64 { return c.id }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	return c.status
}

// Attached returns the free-form data supplied at accept time.
func (c *Connection) Attached() []byte {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	return c.attached
}

// Topics returns the connection's subscriptions, sorted.
func (c *Connection) Topics() []string {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	return c.topicsLocked()
}

func (c *Connection) topicsLocked() []string {
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Registry owns every connection of one actor. It carries its own lock:
// transport failures and broadcasts arrive from socket goroutines, outside
// the actor's run loop.
type Registry struct {
	clk      clock.Clock
	backend  *storage.Store // optional; nil disables metadata persistence
	upgrader websocket.Upgrader

	mu     sync.Mutex
	nextID int64
	conns  map[int64]*Connection
}

// NewRegistry creates an empty registry. backend may be nil; when set,
// connection metadata is persisted for hibernation.
func NewRegistry(clk clock.Clock, backend *storage.Store) *Registry {
	return &Registry{
		clk:     clk,
		backend: backend,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[int64]*Connection),
	}
}

// Accept validates the protocol-upgrade request, performs the websocket
// handshake and registers the resulting connection as open.
func (r *Registry) Accept(w http.ResponseWriter, req *http.Request, attached []byte) (*Connection, error) {
	if !websocket.IsWebSocketUpgrade(req) {
		return nil, fmt.Errorf("not a websocket upgrade request")
	}
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return r.Adopt(ws, attached), nil
}

// Adopt registers an already-established transport. Used by Accept, and
// directly by hosts whose transport is not an HTTP upgrade (for example a
// revived connection).
func (r *Registry) Adopt(t Transport, attached []byte) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	c := &Connection{
		registry:    r,
		id:          r.nextID,
		status:      StatusOpen,
		connectedAt: r.clk.Now(),
		attached:    attached,
		topics:      make(map[string]struct{}),
		transport:   t,
	}
	r.conns[c.id] = c
	r.persistLocked(c)
	return c
}

// Send writes message to the identified connection. Returns false when
// the connection is unknown; a transport failure evicts the connection
// (closed and removed) and also returns false.
func (r *Registry) Send(id int64, message []byte) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return r.write(c, message)
}

// Broadcast sends message to every open connection matching filter (nil
// matches all) and returns the delivered count. Failed sends evict the
// connection and reduce the count; they are never surfaced as errors.
func (r *Registry) Broadcast(message []byte, filter func(*Connection) bool) int {
	delivered := 0
	for _, c := range r.snapshot(StatusOpen) {
		if filter != nil && !filter(c) {
			continue
		}
		if r.write(c, message) {
			delivered++
		}
	}
	return delivered
}

// Subscribe adds the connection to a topic. Idempotent; returns false
// when the connection is unknown.
func (r *Registry) Subscribe(id int64, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, dup := c.topics[topic]; !dup {
		c.topics[topic] = struct{}{}
		r.persistLocked(c)
	}
	return true
}

// Unsubscribe removes the connection from a topic. Idempotent; returns
// false when the connection is unknown.
func (r *Registry) Unsubscribe(id int64, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if _, had := c.topics[topic]; had {
		delete(c.topics, topic)
		r.persistLocked(c)
	}
	return true
}

// Publish broadcasts message to the open subscribers of topic and returns
// the delivered count.
func (r *Registry) Publish(topic string, message []byte) int {
	delivered := 0
	for _, c := range r.snapshot(StatusOpen) {
		r.mu.Lock()
		_, subscribed := c.topics[topic]
		r.mu.Unlock()
		if !subscribed {
			continue
		}
		if r.write(c, message) {
			delivered++
		}
	}
	return delivered
}

// Close removes the connection and closes its transport. Idempotent.
func (r *Registry) Close(id int64) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		c.status = StatusClosing
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.evict(c)
}

// Get returns the connection with the given id.
func (r *Registry) Get(id int64) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Touch records inbound traffic on a connection.
func (r *Registry) Touch(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.lastMessageAt = r.clk.Now()
	}
}

// SuspendAll marks every open connection hibernating, keeping id, topics
// and attached data. Persistence failures propagate: hibernation must not
// commit without durable metadata.
func (r *Registry) SuspendAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	for _, c := range r.conns {
		if c.status != StatusOpen {
			continue
		}
		c.status = StatusHibernating
		c.hibernatedAt = now
		if err := r.saveLocked(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// ResumeAll marks every hibernating connection open again.
func (r *Registry) ResumeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.status != StatusHibernating {
			continue
		}
		c.status = StatusOpen
		c.hibernatedAt = time.Time{}
		if err := r.saveLocked(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Restore rehydrates persisted connection metadata, typically after a
// restart while hibernating. Restored connections have no transport until
// the host reattaches one; sends to them fail and evict.
func (r *Registry) Restore(ctx context.Context) error {
	if r.backend == nil {
		return nil
	}
	metas, err := r.backend.ListConnections(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, meta := range metas {
		if _, live := r.conns[meta.ID]; live {
			continue
		}
		c := &Connection{
			registry:     r,
			id:           meta.ID,
			status:       Status(meta.Status),
			connectedAt:  meta.ConnectedAt,
			hibernatedAt: meta.HibernatedAt,
			attached:     meta.Attached,
			topics:       make(map[string]struct{}, len(meta.Topics)),
		}
		for _, t := range meta.Topics {
			c.topics[t] = struct{}{}
		}
		r.conns[c.id] = c
		if c.id > r.nextID {
			r.nextID = c.id
		}
	}
	return nil
}

// Reattach hands a live transport back to a restored connection. Returns
// false when the id is unknown.
func (r *Registry) Reattach(id int64, t Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	c.transport = t
	return true
}

// write sends one text message, evicting the connection on failure.
func (r *Registry) write(c *Connection, message []byte) bool {
	r.mu.Lock()
	t := c.transport
	r.mu.Unlock()

	if t == nil {
		logger.Debugf("send to connection %d without transport", c.id)
		r.evict(c)
		return false
	}
	if err := t.WriteMessage(websocket.TextMessage, message); err != nil {
		logger.Debugf("send to connection %d failed: %v", c.id, err)
		r.evict(c)
		return false
	}
	r.mu.Lock()
	c.lastMessageAt = r.clk.Now()
	r.mu.Unlock()
	return true
}

// evict closes the transport and removes the connection and its durable
// metadata.
func (r *Registry) evict(c *Connection) {
	r.mu.Lock()
	t := c.transport
	c.transport = nil
	c.status = StatusClosed
	delete(r.conns, c.id)
	r.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			logger.Tracef("close transport %d: %v", c.id, err)
		}
	}
	if r.backend != nil {
		if err := r.backend.DeleteConnection(context.Background(), c.id); err != nil {
			logger.Warningf("delete connection %d metadata: %v", c.id, err)
		}
	}
}

// snapshot copies connections in the given status, in id order, so writes
// happen outside the lock.
func (r *Registry) snapshot(status Status) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// persistLocked mirrors metadata to storage, best effort. Callers that
// need the error (hibernation) use saveLocked.
func (r *Registry) persistLocked(c *Connection) {
	if err := r.saveLocked(context.Background(), c); err != nil {
		logger.Warningf("persist connection %d metadata: %v", c.id, err)
	}
}

func (r *Registry) saveLocked(ctx context.Context, c *Connection) error {
	if r.backend == nil {
		return nil
	}
	return r.backend.SaveConnection(ctx, storage.ConnectionMeta{
		ID:           c.id,
		Status:       string(c.status),
		ConnectedAt:  c.connectedAt,
		HibernatedAt: c.hibernatedAt,
		Attached:     c.attached,
		Topics:       c.topicsLocked(),
	})
}
