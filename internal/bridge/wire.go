package bridge

import "encoding/json"

// Head is the minimal shape sniffed from any inbound JSON line or socket
// frame before routing. Unknown fields are ignored.
type Head struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

// PeekHead extracts type/subtype from a raw message. Malformed JSON yields
// an empty Head rather than an error; callers treat that as "unrecognized,
// pass through".
func PeekHead(raw json.RawMessage) Head {
	var h Head
	_ = json.Unmarshal(raw, &h)
	return h
}

// ClientMessage is the shape clients send over the socket. Type "user_message"
// carries chat input; type "tool_response" resolves a forwarded tool request.
// Anything else passes through to the subprocess verbatim.
type ClientMessage struct {
	Type    string            `json:"type"`
	Message string            `json:"message,omitempty"`
	Surface string            `json:"surface,omitempty"`
	Page    map[string]string `json:"page,omitempty"`
	ID      string            `json:"id,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// UserMessage is the subprocess's expected stdin envelope for chat input.
type UserMessage struct {
	Type    string      `json:"type"`
	Message MessageBody `json:"message"`
}

// MessageBody holds the role and typed content blocks.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one typed block of subprocess I/O: text, tool_use on the
// way out of the model, tool_result on the way back in.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

// NewUserMessage wraps plain text in the subprocess stdin envelope.
func NewUserMessage(text string) UserMessage {
	return UserMessage{
		Type: "user",
		Message: MessageBody{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// ToolRequest is a tool invocation forwarded to remote executors, keyed by
// a caller-supplied globally unique correlation id.
type ToolRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResponse resolves a ToolRequest. Exactly one of Result or Error is
// meaningful; Error doubles as the synthetic timeout marker.
type ToolResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SystemNotice is a bridge-originated event pushed to clients, e.g. the
// upstream disconnect broadcast.
type SystemNotice struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Detail  string `json:"detail,omitempty"`
}

// DisconnectNotice announces that the upstream subprocess went away.
func DisconnectNotice(detail string) SystemNotice {
	return SystemNotice{Type: "system", Subtype: "disconnect", Detail: detail}
}
