package assembler

import (
	"strings"
	"unicode"

	"agentbridge/internal/bridge"
)

// =============================================================================
// SECTION 1: Slot identity and static budget tables
// =============================================================================
// Six fixed slots make up one assembled instruction. Ceilings and trim
// priorities are compile-time tables, not runtime configuration: the shape
// of an enriched prompt is a product decision, not an ops knob.

// SlotID names one of the six context slots.
type SlotID string

const (
	SlotMessage   SlotID = "message"   // the user's own words
	SlotVoice     SlotID = "voice"     // style/voice instructions
	SlotPage      SlotID = "page"      // formatted browser/page context
	SlotKnowledge SlotID = "knowledge" // knowledge-base excerpts
	SlotPosition  SlotID = "position"  // position-document fields
	SlotSurface   SlotID = "surface"   // landing-surface instructions
)

// SlotOrder fixes the output array order. Trimming selects by priority but
// the emitted array always keeps this order.
var SlotOrder = [6]SlotID{SlotMessage, SlotVoice, SlotPage, SlotKnowledge, SlotPosition, SlotSurface}

// slotCeilings caps each slot in tokens.
var slotCeilings = map[SlotID]int{
	SlotMessage:   2000,
	SlotVoice:     800,
	SlotPage:      1000,
	SlotKnowledge: 1200,
	SlotPosition:  800,
	SlotSurface:   400,
}

// slotPriorities order trimming: lowest priority is cleared first when the
// global budget is exceeded. The user's message survives longest.
var slotPriorities = map[SlotID]int{
	SlotMessage:   6,
	SlotSurface:   5,
	SlotVoice:     4,
	SlotKnowledge: 3,
	SlotPosition:  2,
	SlotPage:      1,
}

// TruncationMarker terminates content cut at a slot ceiling.
const TruncationMarker = "…"

// ContextSlot is one populated (or deliberately empty) slot.
type ContextSlot struct {
	ID        SlotID
	Source    string
	Content   string
	Tokens    int
	Priority  int
	Populated bool
}

// =============================================================================
// SECTION 2: Slot construction
// =============================================================================

var counter = bridge.NewTokenCounter()

// NewSlot builds a slot from raw content, applying the slot's token ceiling.
// Content over the ceiling is truncated at the nearest word boundary and
// terminated with the truncation marker; empty content yields an
// unpopulated slot.
func NewSlot(id SlotID, source, content string) ContextSlot {
	slot := ContextSlot{
		ID:       id,
		Source:   source,
		Priority: slotPriorities[id],
	}

	if content == "" {
		return slot
	}

	ceiling := slotCeilings[id]
	tokens := counter.CountString(content)
	if tokens > ceiling {
		content = truncateAtWord(content, counter.CharBudget(ceiling)-len([]rune(TruncationMarker)))
		tokens = counter.CountString(content)
	}

	slot.Content = content
	slot.Tokens = tokens
	slot.Populated = true
	return slot
}

// truncateAtWord cuts s to at most budget runes, stepping back to the last
// word boundary when one exists in range, and appends the marker. A single
// unbroken word is hard-cut at the budget.
func truncateAtWord(s string, budget int) string {
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}

	cut := runes[:budget]
	boundary := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if unicode.IsSpace(cut[i]) {
			boundary = i
			break
		}
	}
	if boundary > 0 {
		cut = cut[:boundary]
	}

	return strings.TrimRightFunc(string(cut), unicode.IsSpace) + TruncationMarker
}

// clear zeroes a slot during budget trimming.
func (s *ContextSlot) clear() {
	s.Content = ""
	s.Tokens = 0
	s.Populated = false
}
