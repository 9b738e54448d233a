// Package collab defines the interfaces of the external collaborators the
// bridge consumes: intent triage, voice/style composition, knowledge-base
// search, and position-document lookup. Implementations live outside this
// repo and are injected at construction; Unconfigured stand-ins keep the
// bridge bootable without them.
//
// Contract shared by all collaborators: "no result" is an empty value, not
// an error. An error return means the call itself failed.
package collab

import "context"

// TriageResult classifies one user message.
type TriageResult struct {
	Intent         string   `json:"intent"`
	Pillar         string   `json:"pillar"`
	RequestType    string   `json:"requestType"`
	Keywords       []string `json:"keywords"`
	Confidence     float64  `json:"confidence"`
	ComplexityTier int      `json:"complexityTier"` // 0..3
}

// Triager classifies message intent. Blocking; callers bound it with a
// context deadline.
type Triager interface {
	Triage(ctx context.Context, text string) (TriageResult, error)
}

// VoiceRequest asks for style/voice instructions for an intent.
type VoiceRequest struct {
	Intent string
	Depth  string
	Pillar string
}

// VoicePrompt is composed prose instruction text.
type VoicePrompt struct {
	PromptText string
}

// VoiceComposer turns an intent/depth pair into style instructions.
type VoiceComposer interface {
	ComposeVoice(ctx context.Context, req VoiceRequest) (VoicePrompt, error)
}

// Chunk is one knowledge-base hit.
type Chunk struct {
	Title string
	Text  string
	Score float64
}

// KnowledgeSearcher queries the knowledge base by pillar.
type KnowledgeSearcher interface {
	KnowledgeSearch(ctx context.Context, pillar, query string) ([]Chunk, error)
}

// PositionFields are the structured fields of a position document.
type PositionFields map[string]string

// PositionLookup fetches position-document fields by pillar and keywords.
type PositionLookup interface {
	PositionLookup(ctx context.Context, pillar string, keywords []string) (PositionFields, error)
}

// Unconfigured implements every collaborator with empty results. It stands
// in when no collaborator endpoint is configured, except for triage: an
// unconfigured triage must fail loudly so interception falls back to
// pass-through instead of silently enriching with garbage.
type Unconfigured struct{}

// ErrUnconfigured is returned by Unconfigured.Triage.
type unconfiguredError struct{}

func (unconfiguredError) Error() string { return "collaborator not configured" }

// ErrUnconfigured marks collaborator calls with no backing implementation.
var ErrUnconfigured error = unconfiguredError{}

func (Unconfigured) Triage(ctx context.Context, text string) (TriageResult, error) {
	return TriageResult{}, ErrUnconfigured
}

func (Unconfigured) ComposeVoice(ctx context.Context, req VoiceRequest) (VoicePrompt, error) {
	return VoicePrompt{}, nil
}

func (Unconfigured) KnowledgeSearch(ctx context.Context, pillar, query string) ([]Chunk, error) {
	return nil, nil
}

func (Unconfigured) PositionLookup(ctx context.Context, pillar string, keywords []string) (PositionFields, error) {
	return nil, nil
}
