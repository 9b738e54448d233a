package chain

import (
	"context"
	"encoding/json"

	"agentbridge/internal/assembler"
	"agentbridge/internal/bridge"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

// InterceptHandler enriches outbound user messages through the context
// assembler. Triage failure falls back to pass-through delivery of the
// original envelope; nothing is ever dropped here.
//
// Messages triaged to the local route (tiers 0-1) are still forwarded
// upstream after enrichment. That mirrors the long-observed behavior of
// this stage; the computed route is carried in the result metadata only.
type InterceptHandler struct {
	assembler *assembler.Assembler
	disabled  bool
}

// NewInterceptHandler wires the stage. disabled short-circuits to relay,
// the runtime kill-switch for enrichment.
func NewInterceptHandler(a *assembler.Assembler, disabled bool) *InterceptHandler {
	return &InterceptHandler{assembler: a, disabled: disabled}
}

func (h *InterceptHandler) Name() string { return "intercept" }

func (h *InterceptHandler) Handle(ctx context.Context, env *bridge.Envelope, hctx *Context, next Next) error {
	if env.Direction != bridge.DirectionToUpstream {
		return next(ctx, env)
	}

	var cm bridge.ClientMessage
	if err := json.Unmarshal(env.Message, &cm); err != nil || cm.Type != "user_message" || cm.Message == "" {
		// Not a chat message; nothing to enrich.
		return next(ctx, env)
	}

	if h.disabled {
		metrics.InterceptsTotal.WithLabelValues("disabled").Inc()
		return next(ctx, env)
	}

	res, err := h.assembler.Assemble(ctx, assembler.Request{
		Message:     cm.Message,
		PageContext: cm.Page,
		SessionID:   env.SessionID,
	})
	if err != nil {
		// Triage is the one source allowed to abort enrichment; the message
		// still goes through untouched.
		logging.Chain("enrichment skipped, triage failed: %v", err)
		metrics.InterceptsTotal.WithLabelValues("triage_failed").Inc()
		return next(ctx, env)
	}

	hctx.Surfaces.Set(env.SessionID, res.Surface)

	enriched := bridge.ClientMessage{
		Type:    "user_message",
		Message: res.Instruction(),
		Surface: res.Surface,
	}
	raw, err := json.Marshal(enriched)
	if err != nil {
		logging.Get(logging.CategoryChain).Error("marshal enriched message: %v", err)
		metrics.InterceptsTotal.WithLabelValues("passthrough").Inc()
		return next(ctx, env)
	}

	metrics.InterceptsTotal.WithLabelValues("enriched").Inc()
	logging.ChainDebug("enriched message: tier=%d route=%s surface=%s slots=%d tokens=%d",
		res.Tier, res.Route, res.Surface, res.SlotsUsed, res.TotalTokens)
	return next(ctx, env.WithMessage(raw))
}
