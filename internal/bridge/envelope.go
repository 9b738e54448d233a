// Package bridge defines the shared message shapes that cross the bridge:
// the Envelope routed through the handler chain, the wire formats spoken to
// the upstream subprocess and to socket clients, and token estimation used
// by the context budget.
package bridge

import (
	"encoding/json"
	"time"
)

// Direction marks which way an envelope is traveling.
type Direction string

const (
	// DirectionToUpstream flows from a client socket toward the subprocess.
	DirectionToUpstream Direction = "to_upstream"
	// DirectionFromUpstream flows from the subprocess toward client sockets.
	DirectionFromUpstream Direction = "from_upstream"
)

// Envelope wraps one message crossing the bridge. It is immutable once
// constructed: handlers that want to alter the payload derive a new
// envelope via WithMessage instead of mutating in place.
type Envelope struct {
	Message            json.RawMessage
	Surface            string
	SessionID          string
	Timestamp          time.Time
	Direction          Direction
	SourceConnectionID string
}

// NewEnvelope constructs an envelope stamped with the current time.
func NewEnvelope(direction Direction, message json.RawMessage, sourceConnID string) *Envelope {
	return &Envelope{
		Message:            message,
		Timestamp:          time.Now(),
		Direction:          direction,
		SourceConnectionID: sourceConnID,
	}
}

// WithMessage returns a copy of the envelope carrying a different payload.
// Routing metadata (direction, source, timestamps) is preserved.
func (e *Envelope) WithMessage(message json.RawMessage) *Envelope {
	derived := *e
	derived.Message = message
	return &derived
}

// WithSession returns a copy tagged with session and surface metadata.
func (e *Envelope) WithSession(sessionID, surface string) *Envelope {
	derived := *e
	derived.SessionID = sessionID
	derived.Surface = surface
	return &derived
}
