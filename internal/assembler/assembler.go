// Package assembler gathers supporting context for an intercepted user
// message and emits a token-budgeted instruction. One blocking triage call
// classifies the message; everything downstream of triage runs in parallel
// and fails soft to empty slots. Triage failure is the caller's problem:
// it propagates so the chain can fall back to pass-through delivery.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"agentbridge/internal/collab"
	"agentbridge/internal/logging"
	"agentbridge/internal/metrics"
)

// Route is the destination computed from the complexity tier.
type Route string

const (
	RouteLocal  Route = "local"  // tiers 0-1
	RouteRemote Route = "remote" // tiers 2-3
)

// Request is one assembly input.
type Request struct {
	Message     string
	PageContext map[string]string // optional browser/page context
	SessionID   string
}

// AssemblyResult carries the six slots plus routing metadata.
type AssemblyResult struct {
	Slots       []ContextSlot // fixed SlotOrder, always length 6
	Intent      string
	Pillar      string
	Tier        int
	Route       Route
	Surface     string
	SlotsUsed   int
	TotalTokens int
	LatencyMS   int64
}

// Instruction renders the populated slots, in slot order, into the text
// that replaces the user's message upstream.
func (r *AssemblyResult) Instruction() string {
	parts := make([]string, 0, len(r.Slots))
	for _, s := range r.Slots {
		if s.Populated {
			parts = append(parts, s.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Assembler owns the collaborator handles and the global token budget.
type Assembler struct {
	triage      collab.Triager
	voice       collab.VoiceComposer
	knowledge   collab.KnowledgeSearcher
	position    collab.PositionLookup
	totalBudget int
	triageWait  time.Duration
}

// New wires an assembler. All collaborators are required; pass
// collab.Unconfigured{} for absent ones.
func New(triage collab.Triager, voice collab.VoiceComposer, knowledge collab.KnowledgeSearcher, position collab.PositionLookup, totalBudget int, triageWait time.Duration) *Assembler {
	return &Assembler{
		triage:      triage,
		voice:       voice,
		knowledge:   knowledge,
		position:    position,
		totalBudget: totalBudget,
		triageWait:  triageWait,
	}
}

// Assemble runs the fixed pipeline: triage, parallel fetches, slot
// construction, budget enforcement. The only error it returns is a triage
// failure; every other source degrades to an unpopulated slot.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*AssemblyResult, error) {
	started := time.Now()

	// 1. Triage: sequential and blocking, everything downstream may depend
	//    on its output.
	tctx, cancel := context.WithTimeout(ctx, a.triageWait)
	triage, err := a.triage.Triage(tctx, req.Message)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}

	// 2. Fixed tier-to-route table.
	route := routeForTier(triage.ComplexityTier)

	// 3. Independent sources in parallel. Each records its own failure and
	//    returns nil so one bad source never aborts its siblings.
	var voiceText, knowledgeText, positionText string

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		prompt, err := a.voice.ComposeVoice(egCtx, collab.VoiceRequest{
			Intent: triage.Intent,
			Depth:  depthForTier(triage.ComplexityTier),
			Pillar: triage.Pillar,
		})
		if err != nil {
			logging.AssemblerDebug("voice source failed: %v", err)
			return nil
		}
		voiceText = prompt.PromptText
		return nil
	})

	eg.Go(func() error {
		chunks, err := a.knowledge.KnowledgeSearch(egCtx, triage.Pillar, req.Message)
		if err != nil {
			logging.AssemblerDebug("knowledge source failed: %v", err)
			return nil
		}
		knowledgeText = formatChunks(chunks)
		return nil
	})

	eg.Go(func() error {
		fields, err := a.position.PositionLookup(egCtx, triage.Pillar, triage.Keywords)
		if err != nil {
			logging.AssemblerDebug("position source failed: %v", err)
			return nil
		}
		positionText = formatFields(fields)
		return nil
	})

	pageText := formatPageContext(req.PageContext)
	_ = eg.Wait()

	// 4. Landing surface from the fixed intent+tier table.
	surface := surfaceFor(triage.Intent, triage.ComplexityTier)

	// 5. Build the six slots in output order.
	slots := []ContextSlot{
		NewSlot(SlotMessage, "user", req.Message),
		NewSlot(SlotVoice, "voice", voiceText),
		NewSlot(SlotPage, "page", pageText),
		NewSlot(SlotKnowledge, "knowledge", knowledgeText),
		NewSlot(SlotPosition, "position", positionText),
		NewSlot(SlotSurface, "surface", surfaceInstructions[surface]),
	}

	// 6. Global ceiling.
	total := enforceBudget(slots, a.totalBudget)

	used := 0
	for _, s := range slots {
		if s.Populated {
			used++
		}
	}

	result := &AssemblyResult{
		Slots:       slots,
		Intent:      triage.Intent,
		Pillar:      triage.Pillar,
		Tier:        triage.ComplexityTier,
		Route:       route,
		Surface:     surface,
		SlotsUsed:   used,
		TotalTokens: total,
		LatencyMS:   time.Since(started).Milliseconds(),
	}

	metrics.AssemblyLatency.Observe(time.Since(started).Seconds())
	logging.AssemblerDebug("assembled %d slots, %d tokens, tier %d -> %s surface %s in %dms",
		used, total, triage.ComplexityTier, route, surface, result.LatencyMS)
	return result, nil
}

// enforceBudget clears slots in ascending priority (ties by array position)
// until the token sum fits. Selection sorts a copy of the indices; the slot
// array itself is never reordered.
func enforceBudget(slots []ContextSlot, budget int) int {
	total := 0
	for _, s := range slots {
		total += s.Tokens
	}
	if total <= budget {
		return total
	}

	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return slots[order[a]].Priority < slots[order[b]].Priority
	})

	for _, idx := range order {
		if total <= budget {
			break
		}
		if !slots[idx].Populated {
			continue
		}
		total -= slots[idx].Tokens
		slots[idx].clear()
		logging.AssemblerDebug("budget trim cleared slot %s", slots[idx].ID)
	}
	return total
}

// routeForTier maps complexity to a destination. Fixed table.
func routeForTier(tier int) Route {
	if tier <= 1 {
		return RouteLocal
	}
	return RouteRemote
}

// depthForTier maps complexity to the voice depth parameter. Fixed table.
func depthForTier(tier int) string {
	switch tier {
	case 0, 1:
		return "brief"
	case 2:
		return "standard"
	default:
		return "deep"
	}
}

// surfaceFor picks a landing surface from intent and tier. Fixed table.
func surfaceFor(intent string, tier int) string {
	switch {
	case intent == "draft" || intent == "write":
		return "canvas"
	case (intent == "code" || intent == "build") && tier >= 2:
		return "editor"
	case intent == "status" || intent == "report":
		return "dashboard"
	default:
		return "chat"
	}
}

// surfaceInstructions is the fixed instructional text rendered per surface.
var surfaceInstructions = map[string]string{
	"chat":      "Respond conversationally in the chat surface.",
	"canvas":    "Produce the deliverable as a standalone document for the canvas surface.",
	"editor":    "Apply changes directly in the editor surface; reference files by path.",
	"dashboard": "Summarize as structured status items for the dashboard surface.",
}

// formatPageContext renders the optional page-context object into a text
// block, keys sorted for determinism.
func formatPageContext(page map[string]string) string {
	if len(page) == 0 {
		return ""
	}
	keys := make([]string, 0, len(page))
	for k := range page {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Current page context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, page[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatChunks renders knowledge hits as titled excerpts.
func formatChunks(chunks []collab.Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "- %s\n%s\n", c.Title, c.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatFields renders position-document fields, keys sorted.
func formatFields(fields collab.PositionFields) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Position:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, fields[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
