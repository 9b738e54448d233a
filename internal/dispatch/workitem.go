// Package dispatch turns inbound work-item webhooks into bounded autonomous
// coding sessions. A fixed, ordered rule list decides whether an item is
// dispatched, queued, or escalated to a human; dispatched items get a
// disposable git worktree and a non-interactive agent session whose output
// is parsed into a terminal result.
package dispatch

import (
	"fmt"
	"strings"
)

// WorkItem is the webhook payload for one unit of work. The six identity
// fields are required; the rest enrich the session prompt.
type WorkItem struct {
	PageID   string `json:"pageId" yaml:"pageId"`
	Title    string `json:"title" yaml:"title"`
	Status   string `json:"status" yaml:"status"`
	Pillar   string `json:"pillar" yaml:"pillar"`
	Priority string `json:"priority" yaml:"priority"`
	Type     string `json:"type" yaml:"type"`
	Notes    string `json:"notes,omitempty" yaml:"notes,omitempty"`
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Assignee string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
}

// Validate rejects payloads missing any required field. The error names
// every missing field so the webhook caller can fix them in one pass.
func (w *WorkItem) Validate() error {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"pageId", w.PageID},
		{"title", w.Title},
		{"status", w.Status},
		{"pillar", w.Pillar},
		{"priority", w.Priority},
		{"type", w.Type},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("work item missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Field resolves a matchable field by its wire name. Declarative rules use
// this to bind match predicates; unknown names report ok=false at rule
// compile time rather than at evaluation time.
func (w *WorkItem) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "pageid":
		return w.PageID, true
	case "title":
		return w.Title, true
	case "status":
		return w.Status, true
	case "pillar":
		return w.Pillar, true
	case "priority":
		return w.Priority, true
	case "type":
		return w.Type, true
	case "assignee":
		return w.Assignee, true
	default:
		return "", false
	}
}
