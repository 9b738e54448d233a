// Package server exposes the bridge's HTTP and WebSocket surface and owns
// the process-level wiring between the connection registry, the upstream
// subprocess adapter, the handler chain, tool-dispatch correlation, and the
// autonomous dispatch orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"agentbridge/internal/assembler"
	"agentbridge/internal/bridge"
	"agentbridge/internal/chain"
	"agentbridge/internal/collab"
	"agentbridge/internal/config"
	"agentbridge/internal/dispatch"
	"agentbridge/internal/logging"
	"agentbridge/internal/process"
	"agentbridge/internal/registry"
	"agentbridge/internal/tooldispatch"
)

// Collaborators bundles the external services consumed by the context
// assembler. Nil fields fall back to collab.Unconfigured, which keeps the
// bridge bootable with enrichment degraded to pass-through.
type Collaborators struct {
	Triage    collab.Triager
	Voice     collab.VoiceComposer
	Knowledge collab.KnowledgeSearcher
	Position  collab.PositionLookup
}

func (c Collaborators) withDefaults() Collaborators {
	if c.Triage == nil {
		c.Triage = collab.Unconfigured{}
	}
	if c.Voice == nil {
		c.Voice = collab.Unconfigured{}
	}
	if c.Knowledge == nil {
		c.Knowledge = collab.Unconfigured{}
	}
	if c.Position == nil {
		c.Position = collab.Unconfigured{}
	}
	return c
}

// Server composes every bridge subsystem behind one listener.
type Server struct {
	cfg *config.Config

	registry   *registry.Registry
	adapter    *process.Adapter
	chain      *chain.Chain
	surfaces   *chain.SurfaceMap
	correlator *tooldispatch.Correlator
	orch       *dispatch.Orchestrator
	ruleWatch  *dispatch.RuleWatcher

	mu            sync.Mutex
	lastSessionID string

	startedAt time.Time
	httpSrv   *http.Server
}

// New wires the full bridge from configuration. The dispatch notifier may
// be nil; terminal outcomes then go to the dispatch log.
func New(cfg *config.Config, collabs Collaborators, notifier dispatch.Notifier) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		registry:  registry.New(cfg.GetPingInterval()),
		adapter:   process.New(cfg.Agent),
		surfaces:  chain.NewSurfaceMap(),
		startedAt: time.Now(),
	}

	collabs = collabs.withDefaults()
	asm := assembler.New(collabs.Triage, collabs.Voice, collabs.Knowledge, collabs.Position,
		cfg.Intercept.TotalBudget, cfg.GetTriageTimeout())

	hctx := &chain.Context{
		SendToUpstream:    s.sendToUpstream,
		SendToClient:      s.registry.SendTo,
		Broadcast:         s.registry.Broadcast,
		UpstreamConnected: s.upstreamConnected,
		Surfaces:          s.surfaces,
	}
	s.chain = chain.New(hctx,
		chain.NewInterceptHandler(asm, cfg.Intercept.Disabled),
		chain.NewRelayHandler(),
		chain.NewObserverHandler(),
	)

	s.correlator = tooldispatch.New(cfg.GetToolTimeout(), s.forwardToClients)

	table := dispatch.NewRuleTable(dispatch.DefaultRules(cfg.Dispatch))
	if cfg.Dispatch.RulesFile != "" {
		watch, err := dispatch.NewRuleWatcher(cfg.Dispatch.RulesFile, table, cfg.Dispatch)
		if err != nil {
			return nil, fmt.Errorf("rule watcher: %w", err)
		}
		s.ruleWatch = watch
	}
	s.orch = dispatch.New(cfg.Dispatch, table,
		dispatch.NewWorkspaceManager(cfg.Dispatch),
		dispatch.NewSessionRunner(cfg.Agent),
		notifier)

	s.adapter.SetCallbacks(s.onAgentLine, s.onAgentReady, s.onAgentExit)
	s.registry.SetOnDisconnect(s.onSocketGone)

	return s, nil
}

// Spawn starts the agent subprocess without waiting for a /spawn call.
// Idempotent like the endpoint: a second call reports the live process.
func (s *Server) Spawn() (alreadyRunning bool, err error) {
	return s.adapter.Spawn()
}

// Run serves until ctx is canceled, then drains: HTTP shutdown inside the
// configured window, orchestrator stop, registry teardown, subprocess kill.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if max := s.cfg.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	s.registry.Start()
	if s.ruleWatch != nil {
		if err := s.ruleWatch.Start(); err != nil {
			logging.Get(logging.CategoryServer).Warn("rule watcher not started, using current table: %v", err)
		}
	}

	s.httpSrv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()
	logging.Server("bridge listening on %s", ln.Addr())

	select {
	case <-ctx.Done():
		logging.Server("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.teardown()
			return fmt.Errorf("serve: %w", err)
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()
	if err := s.httpSrv.Shutdown(shCtx); err != nil {
		logging.Get(logging.CategoryServer).Warn("http shutdown incomplete: %v", err)
	}
	s.teardown()
	logging.Server("bridge stopped")
	return nil
}

// teardown releases everything Run started. Orchestrator first so no new
// session can outlive the webhook surface, registry last so disconnect
// notices still have sockets to go to.
func (s *Server) teardown() {
	if s.ruleWatch != nil {
		s.ruleWatch.Stop()
	}
	s.orch.Stop()
	if err := s.adapter.Kill(); err != nil {
		logging.Get(logging.CategoryServer).Warn("agent kill during shutdown: %v", err)
	}
	s.registry.Stop()
}

// sendToUpstream delivers one outbound frame. The subprocess stdin takes
// precedence over a socket upstream when both are alive; user_message
// frames are translated to the stdin envelope only on the subprocess path.
func (s *Server) sendToUpstream(raw []byte) error {
	if s.adapter.Running() {
		return s.adapter.ForwardClientMessage(json.RawMessage(raw))
	}
	if rec, ok := s.registry.Upstream(); ok {
		return rec.WriteRaw(raw)
	}
	return errors.New("no upstream available")
}

// upstreamConnected reports whether any upstream exists: a live subprocess
// or a registered upstream socket.
func (s *Server) upstreamConnected() bool {
	if s.adapter.Running() {
		return true
	}
	_, ok := s.registry.Upstream()
	return ok
}

// forwardToClients writes v to every client socket and reports how many
// deliveries succeeded. It is the correlator's Forwarder.
func (s *Server) forwardToClients(v interface{}) int {
	n := 0
	for _, rec := range s.registry.Clients() {
		if err := rec.WriteJSON(v); err != nil {
			logging.Get(logging.CategoryServer).Warn("tool forward to %s failed: %v", rec.ID, err)
			continue
		}
		n++
	}
	return n
}

// onAgentLine routes one subprocess stdout line through the chain toward
// the client sockets. It runs on the adapter's single reader goroutine and
// delivers synchronously, so lines reach clients strictly in arrival order.
func (s *Server) onAgentLine(raw []byte) {
	env := bridge.NewEnvelope(bridge.DirectionFromUpstream, raw, "").
		WithSession(s.adapter.SessionID(), "")
	s.chain.Run(context.Background(), env)
}

func (s *Server) onAgentReady(sessionID, model string) {
	s.mu.Lock()
	s.lastSessionID = sessionID
	s.mu.Unlock()
	logging.Server("agent session ready: id=%s model=%s", sessionID, model)
}

// onAgentExit announces the disconnect to every client and clears the
// session's landing-surface record.
func (s *Server) onAgentExit(err error) {
	detail := "agent subprocess exited"
	if err != nil {
		detail = fmt.Sprintf("agent subprocess exited: %v", err)
	}
	s.registry.Broadcast(bridge.DisconnectNotice(detail))

	s.mu.Lock()
	last := s.lastSessionID
	s.lastSessionID = ""
	s.mu.Unlock()
	if last != "" {
		s.surfaces.Delete(last)
	}
}

// onSocketGone fires for every removed socket; only a lost upstream is
// worth telling the remaining clients about. A displaced upstream is not a
// loss: its replacement is already registered when this callback runs, so
// the notice is suppressed rather than announcing an outage that isn't one.
func (s *Server) onSocketGone(rec *registry.ConnectionRecord) {
	if rec.Role != registry.RoleUpstream {
		return
	}
	if _, ok := s.registry.Upstream(); ok {
		return
	}
	s.registry.Broadcast(bridge.DisconnectNotice("upstream connection closed"))
}
