package chain

import (
	"context"

	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
)

// ObserverHandler runs after relay. It is a no-op unless the session's
// recorded landing surface is non-default, in which case the delivery is
// noted for surface-aware clients; it never alters the envelope.
type ObserverHandler struct{}

// NewObserverHandler builds the post-relay observer.
func NewObserverHandler() *ObserverHandler { return &ObserverHandler{} }

func (h *ObserverHandler) Name() string { return "observer" }

func (h *ObserverHandler) Handle(ctx context.Context, env *bridge.Envelope, hctx *Context, next Next) error {
	if env.Direction == bridge.DirectionFromUpstream && env.SessionID != "" {
		if surface, ok := hctx.Surfaces.Get(env.SessionID); ok && surface != DefaultSurface {
			logging.ChainDebug("session %s delivery observed on surface %s", env.SessionID, surface)
		}
	}
	return next(ctx, env)
}
