// Package chain routes envelopes through the ordered handler pipeline:
// intercept-and-enrich, relay, post-relay observer. Each stage receives the
// envelope plus a next function; not calling next stops propagation, which
// is how interception works. Stage errors and panics are caught and logged
// so deliveries already performed are never undone.
package chain

import (
	"context"
	"sync"

	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

// Next advances to the following stage with the envelope to route onward.
// Handlers that enrich derive a new envelope and pass it here; calling Next
// more than once is tolerated (the extra calls are ignored).
type Next func(ctx context.Context, env *bridge.Envelope) error

// Handler is one chain stage.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env *bridge.Envelope, hctx *Context, next Next) error
}

// Context exposes the four capabilities handlers may use, plus the
// landing-surface bookkeeping. It is built once by the server and shared
// by every dispatch.
type Context struct {
	SendToUpstream    func(raw []byte) error
	SendToClient      func(id string, v interface{}) error
	Broadcast         func(v interface{})
	UpstreamConnected func() bool
	Surfaces          *SurfaceMap
}

// Chain is the ordered pipeline driver.
type Chain struct {
	handlers []Handler
	hctx     *Context
}

// New builds a chain over the given stages, invoked in order.
func New(hctx *Context, handlers ...Handler) *Chain {
	return &Chain{handlers: handlers, hctx: hctx}
}

// Dispatch routes one envelope on its own goroutine so a stalled stage
// cannot block unrelated envelopes. Use it for independent client
// connections only: stream sources that guarantee arrival-order delivery
// must call Run from their single reader goroutine instead.
func (c *Chain) Dispatch(ctx context.Context, env *bridge.Envelope) {
	go c.Run(ctx, env)
}

// Run routes one envelope synchronously. Stage errors are logged, never
// returned; the chain's contract is fire-and-observe. Sequential Run calls
// from one goroutine deliver in call order, which is how the upstream
// stream keeps its lines in arrival order.
func (c *Chain) Run(ctx context.Context, env *bridge.Envelope) {
	metrics.EnvelopesTotal.WithLabelValues(string(env.Direction)).Inc()
	c.invoke(ctx, env, 0)
}

func (c *Chain) invoke(ctx context.Context, env *bridge.Envelope, idx int) {
	if idx >= len(c.handlers) {
		return
	}
	h := c.handlers[idx]

	advanced := false
	next := func(nctx context.Context, nenv *bridge.Envelope) error {
		if advanced {
			logging.ChainDebug("handler %s called next more than once; ignored", h.Name())
			return nil
		}
		advanced = true
		if nenv == nil {
			nenv = env
		}
		c.invoke(nctx, nenv, idx+1)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryChain).Error("handler %s panicked: %v", h.Name(), r)
		}
	}()
	if err := h.Handle(ctx, env, c.hctx, next); err != nil {
		logging.Get(logging.CategoryChain).Error("handler %s failed: %v", h.Name(), err)
	}
}

// DefaultSurface is the landing surface assumed when a session has none
// recorded.
const DefaultSurface = "chat"

// SurfaceMap tracks the landing surface chosen per session. Explicit
// shared state, guarded here rather than by a package global.
type SurfaceMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewSurfaceMap builds an empty surface table.
func NewSurfaceMap() *SurfaceMap {
	return &SurfaceMap{m: make(map[string]string)}
}

// Set records the surface for a session.
func (s *SurfaceMap) Set(sessionID, surface string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.m[sessionID] = surface
	s.mu.Unlock()
}

// Get returns the recorded surface for a session.
func (s *SurfaceMap) Get(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	surface, ok := s.m[sessionID]
	return surface, ok
}

// Delete clears a session's record, e.g. when the upstream goes away.
func (s *SurfaceMap) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
}
