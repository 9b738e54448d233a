// Package tooldispatch correlates tool invocations forwarded to remote
// executors with the responses that come back over client sockets. Every
// request resolves exactly once: with the first matching response, or with
// a synthetic timeout when none arrives in time.
package tooldispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

var (
	// ErrNoExecutor means no client socket was available to receive the
	// forwarded request.
	ErrNoExecutor = errors.New("no tool executor connected")
	// ErrDuplicateID rejects a dispatch whose correlation id is already
	// pending.
	ErrDuplicateID = errors.New("tool request id already pending")
	// ErrTimeout is the synthetic resolution for requests nobody answered.
	ErrTimeout = errors.New("tool request timed out")
)

// Forwarder delivers the dispatch frame to every connected executor and
// reports how many received it.
type Forwarder func(v interface{}) int

// dispatchFrame is the socket shape executors receive.
type dispatchFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type outcome struct {
	resp bridge.ToolResponse
	err  error
}

type pendingRequest struct {
	id    string
	done  chan outcome // buffered, written to at most once
	timer *time.Timer
}

// Correlator owns the pending-request table.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
	forward Forwarder
}

// New builds a correlator with a per-request timeout and a forwarding hook.
func New(timeout time.Duration, forward Forwarder) *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		forward: forward,
	}
}

// Dispatch forwards one tool request to every connected executor and blocks
// until a response, the timeout, or context cancellation. An empty request
// id is assigned a fresh UUID. Duplicate executor responses after the first
// are dropped by Resolve, so at-least-once forwarding still yields
// exactly-once resolution.
func (c *Correlator) Dispatch(ctx context.Context, req bridge.ToolRequest) (bridge.ToolResponse, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	// 1. Register before forwarding so an instant response finds the entry.
	c.mu.Lock()
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		metrics.ToolDispatchTotal.WithLabelValues("duplicate").Inc()
		return bridge.ToolResponse{}, fmt.Errorf("tool request %s: %w", req.ID, ErrDuplicateID)
	}
	p := &pendingRequest{id: req.ID, done: make(chan outcome, 1)}
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(req.ID) })
	c.pending[req.ID] = p
	c.mu.Unlock()

	// 2. Fan out to every executor.
	frame := dispatchFrame{Type: "tool_dispatch", ID: req.ID, Name: req.Name, Input: req.Input}
	receivers := c.forward(frame)
	if receivers == 0 {
		c.take(req.ID)
		metrics.ToolDispatchTotal.WithLabelValues("no_executor").Inc()
		return bridge.ToolResponse{}, fmt.Errorf("tool request %s (%s): %w", req.ID, req.Name, ErrNoExecutor)
	}
	logging.ToolDispatchDebug("forwarded %s (%s) to %d executor(s)", req.ID, req.Name, receivers)

	// 3. Block until resolution.
	select {
	case out := <-p.done:
		return out.resp, out.err
	case <-ctx.Done():
		if c.take(req.ID) != nil {
			return bridge.ToolResponse{}, ctx.Err()
		}
		// A resolution won the race; honor it.
		out := <-p.done
		return out.resp, out.err
	}
}

// Resolve matches a response to its pending request. Returns false for
// unknown ids, which includes late responses to already-resolved requests.
func (c *Correlator) Resolve(resp bridge.ToolResponse) bool {
	p := c.take(resp.ID)
	if p == nil {
		logging.ToolDispatch("dropping response for unknown tool request %q", resp.ID)
		metrics.ToolDispatchTotal.WithLabelValues("unknown_id").Inc()
		return false
	}
	metrics.ToolDispatchTotal.WithLabelValues("resolved").Inc()
	p.done <- outcome{resp: resp}
	return true
}

// expire fires from the per-request timer. Losing the removal race to
// Resolve means a response arrived first; do nothing.
func (c *Correlator) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	logging.ToolDispatch("tool request %s expired after %s", id, c.timeout)
	metrics.ToolDispatchTotal.WithLabelValues("timeout").Inc()
	p.done <- outcome{err: fmt.Errorf("tool request %s: %w", id, ErrTimeout)}
}

// take removes and returns the pending entry, or nil when absent. Whoever
// takes the entry owns its single resolution.
func (c *Correlator) take(id string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

// PendingCount reports in-flight requests, for /status.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
