package chain

import (
	"context"

	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
)

// RelayHandler is the delivery stage: outbound envelopes go to the
// upstream subprocess, inbound envelopes broadcast to every client.
// Connectivity failures degrade to an error notice at the source
// connection; they never abort the chain.
type RelayHandler struct{}

// NewRelayHandler builds the relay stage.
func NewRelayHandler() *RelayHandler { return &RelayHandler{} }

func (h *RelayHandler) Name() string { return "relay" }

func (h *RelayHandler) Handle(ctx context.Context, env *bridge.Envelope, hctx *Context, next Next) error {
	switch env.Direction {
	case bridge.DirectionToUpstream:
		if !hctx.UpstreamConnected() {
			logging.Get(logging.CategoryChain).Warn("relay with no upstream connected; notifying source %s", env.SourceConnectionID)
			h.notifySource(hctx, env, "upstream not connected")
			break
		}
		if err := hctx.SendToUpstream(env.Message); err != nil {
			logging.Get(logging.CategoryChain).Warn("relay to upstream failed: %v", err)
			h.notifySource(hctx, env, "delivery to upstream failed")
		}

	case bridge.DirectionFromUpstream:
		hctx.Broadcast(env.Message)
	}

	return next(ctx, env)
}

func (h *RelayHandler) notifySource(hctx *Context, env *bridge.Envelope, detail string) {
	if env.SourceConnectionID == "" {
		return
	}
	notice := bridge.SystemNotice{Type: "system", Subtype: "error", Detail: detail}
	if err := hctx.SendToClient(env.SourceConnectionID, notice); err != nil {
		logging.ChainDebug("error notice to %s undeliverable: %v", env.SourceConnectionID, err)
	}
}
