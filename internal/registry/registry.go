// Package registry tracks every socket connected to the bridge: remote UI
// clients and at most one upstream socket. It owns connection identity,
// concurrent-safe writes, broadcast, and the liveness probe that is the
// only server-initiated teardown path besides explicit close.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

// Role classifies a connection.
type Role string

const (
	// RoleUpstream is the coding-assistant side. At most one may exist.
	RoleUpstream Role = "upstream"
	// RoleClient is a remote UI / tool executor connection.
	RoleClient Role = "client"
)

const (
	writeWait = 10 * time.Second
	pingWait  = 5 * time.Second
)

// ConnectionRecord is one tracked socket.
type ConnectionRecord struct {
	ID          string
	Role        Role
	ConnectedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows a single concurrent writer
}

// WriteJSON marshals v and writes one frame under the record's write lock.
func (r *ConnectionRecord) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for conn %s: %w", r.ID, err)
	}
	return r.WriteRaw(data)
}

// WriteRaw writes a pre-marshaled frame under the record's write lock.
func (r *ConnectionRecord) WriteRaw(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a control ping. An error means the peer is gone.
func (r *ConnectionRecord) Ping() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWait))
}

// Close closes the underlying socket.
func (r *ConnectionRecord) Close() error {
	return r.conn.Close()
}

// Conn exposes the raw socket for read loops.
func (r *ConnectionRecord) Conn() *websocket.Conn {
	return r.conn
}

// Registry is the process-wide connection table. All access goes through
// its lock; it is shared explicitly, never as a package global.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*ConnectionRecord
	upstreamID string

	pingInterval time.Duration
	onDisconnect func(*ConnectionRecord)

	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New builds a registry. Start launches the liveness loop.
func New(pingInterval time.Duration) *Registry {
	return &Registry{
		conns:        make(map[string]*ConnectionRecord),
		pingInterval: pingInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetOnDisconnect installs a callback invoked after a record is removed,
// whether by explicit unregister or ping failure. Set before Start.
func (reg *Registry) SetOnDisconnect(fn func(*ConnectionRecord)) {
	reg.onDisconnect = fn
}

// Register tracks a new socket. Registering a second upstream closes and
// replaces the first; the displaced record is returned to the caller's
// disconnect callback like any other teardown.
func (reg *Registry) Register(conn *websocket.Conn, role Role) *ConnectionRecord {
	rec := &ConnectionRecord{
		ID:          uuid.NewString(),
		Role:        role,
		ConnectedAt: time.Now(),
		conn:        conn,
	}

	var displaced *ConnectionRecord
	reg.mu.Lock()
	if role == RoleUpstream && reg.upstreamID != "" {
		displaced = reg.conns[reg.upstreamID]
		delete(reg.conns, reg.upstreamID)
	}
	reg.conns[rec.ID] = rec
	if role == RoleUpstream {
		reg.upstreamID = rec.ID
	}
	clients := reg.clientCountLocked()
	reg.mu.Unlock()

	if displaced != nil {
		logging.Registry("upstream replaced: closing %s in favor of %s", displaced.ID, rec.ID)
		_ = displaced.Close()
		if reg.onDisconnect != nil {
			reg.onDisconnect(displaced)
		}
	}

	metrics.ConnectedClients.Set(float64(clients))
	logging.RegistryDebug("registered %s role=%s", rec.ID, role)
	return rec
}

// Unregister removes and closes a connection. Unknown ids are a no-op.
func (reg *Registry) Unregister(id string) {
	reg.mu.Lock()
	rec, ok := reg.conns[id]
	if ok {
		delete(reg.conns, id)
		if reg.upstreamID == id {
			reg.upstreamID = ""
		}
	}
	clients := reg.clientCountLocked()
	reg.mu.Unlock()

	if !ok {
		return
	}
	_ = rec.Close()
	metrics.ConnectedClients.Set(float64(clients))
	logging.RegistryDebug("unregistered %s role=%s", rec.ID, rec.Role)
	if reg.onDisconnect != nil {
		reg.onDisconnect(rec)
	}
}

// Get returns a record by id.
func (reg *Registry) Get(id string) (*ConnectionRecord, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.conns[id]
	return rec, ok
}

// Upstream returns the upstream socket record, if connected.
func (reg *Registry) Upstream() (*ConnectionRecord, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if reg.upstreamID == "" {
		return nil, false
	}
	rec, ok := reg.conns[reg.upstreamID]
	return rec, ok
}

// Clients snapshots all client-role records.
func (reg *Registry) Clients() []*ConnectionRecord {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*ConnectionRecord, 0, len(reg.conns))
	for _, rec := range reg.conns {
		if rec.Role == RoleClient {
			out = append(out, rec)
		}
	}
	return out
}

// ClientCount reports the number of client-role connections.
func (reg *Registry) ClientCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.clientCountLocked()
}

func (reg *Registry) clientCountLocked() int {
	n := 0
	for _, rec := range reg.conns {
		if rec.Role == RoleClient {
			n++
		}
	}
	return n
}

// Broadcast sends v to every client connection. Write failures are logged;
// teardown stays with the ping loop and explicit closes.
func (reg *Registry) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Get(logging.CategoryRegistry).Error("broadcast marshal: %v", err)
		return
	}
	for _, rec := range reg.Clients() {
		if err := rec.WriteRaw(data); err != nil {
			logging.Get(logging.CategoryRegistry).Warn("broadcast to %s failed: %v", rec.ID, err)
		}
	}
}

// SendTo sends v to one connection.
func (reg *Registry) SendTo(id string, v interface{}) error {
	rec, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("connection %s not registered", id)
	}
	return rec.WriteJSON(v)
}

// Start launches the keepalive loop: every interval, ping every tracked
// connection; one failed ping removes that record immediately, no retry.
func (reg *Registry) Start() {
	reg.mu.Lock()
	if reg.started {
		reg.mu.Unlock()
		return
	}
	reg.started = true
	reg.mu.Unlock()

	go func() {
		defer close(reg.doneCh)
		ticker := time.NewTicker(reg.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reg.stopCh:
				return
			case <-ticker.C:
				reg.pingAll()
			}
		}
	}()
}

func (reg *Registry) pingAll() {
	reg.mu.RLock()
	snapshot := make([]*ConnectionRecord, 0, len(reg.conns))
	for _, rec := range reg.conns {
		snapshot = append(snapshot, rec)
	}
	reg.mu.RUnlock()

	for _, rec := range snapshot {
		if err := rec.Ping(); err != nil {
			logging.Registry("ping failed for %s role=%s, removing: %v", rec.ID, rec.Role, err)
			reg.Unregister(rec.ID)
		}
	}
}

// Stop halts the keepalive loop and closes every tracked connection.
// Safe to call whether or not Start ran.
func (reg *Registry) Stop() {
	reg.stopOnce.Do(func() {
		close(reg.stopCh)
		reg.mu.RLock()
		started := reg.started
		reg.mu.RUnlock()
		if started {
			<-reg.doneCh
		}

		reg.mu.Lock()
		conns := reg.conns
		reg.conns = make(map[string]*ConnectionRecord)
		reg.upstreamID = ""
		reg.mu.Unlock()

		for _, rec := range conns {
			_ = rec.Close()
		}
		metrics.ConnectedClients.Set(0)
	})
}
