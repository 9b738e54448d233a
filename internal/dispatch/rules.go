package dispatch

import (
	"fmt"
	"strings"

	"agentbridge/internal/config"
)

// Decision is the action a matched rule prescribes.
type Decision string

const (
	// DecisionDispatch starts an autonomous session.
	DecisionDispatch Decision = "dispatch"
	// DecisionQueue acknowledges the item for later batch handling.
	DecisionQueue Decision = "queue"
	// DecisionEscalate hands the item to a human. Also the fallback when no
	// rule matches.
	DecisionEscalate Decision = "escalate"
)

// DispatchRule pairs a predicate with a decision and the session budgets
// that apply when the decision is dispatch.
type DispatchRule struct {
	ID             string
	Name           string
	Match          func(item WorkItem) bool
	Decision       Decision
	Prompt         func(item WorkItem) string
	Model          string
	MaxTurns       int
	TimeoutSeconds int
}

// Evaluation is the outcome of running one work item down the rule list.
type Evaluation struct {
	RuleID         string
	RuleName       string
	Decision       Decision
	Prompt         string
	Model          string
	MaxTurns       int
	TimeoutSeconds int
}

// DefaultRuleID marks an evaluation that fell through every rule.
const DefaultRuleID = "default"

// Evaluate walks the rules in order; the first predicate match decides.
// Order is the only precedence mechanism. No match falls through to
// escalate with an empty prompt and zero budgets.
func Evaluate(rules []DispatchRule, item WorkItem) Evaluation {
	for i := range rules {
		r := &rules[i]
		if r.Match == nil || !r.Match(item) {
			continue
		}
		ev := Evaluation{
			RuleID:         r.ID,
			RuleName:       r.Name,
			Decision:       r.Decision,
			Model:          r.Model,
			MaxTurns:       r.MaxTurns,
			TimeoutSeconds: r.TimeoutSeconds,
		}
		if r.Prompt != nil {
			ev.Prompt = r.Prompt(item)
		}
		return ev
	}
	return Evaluation{RuleID: DefaultRuleID, RuleName: "unmatched", Decision: DecisionEscalate}
}

// DefaultRules is the built-in rule set, used when no rules file is
// configured. P0 escalation is first and must stay first: it wins over any
// dispatch rule for the same item.
func DefaultRules(cfg config.DispatchConfig) []DispatchRule {
	return []DispatchRule{
		{
			ID:       "p0-escalate",
			Name:     "P0 items always go to a human",
			Match:    func(it WorkItem) bool { return it.Priority == "P0" },
			Decision: DecisionEscalate,
		},
		{
			ID:   "core-build",
			Name: "Active Core build assigned to the agent",
			Match: func(it WorkItem) bool {
				return it.Type == "Build" && it.Status == "Active" && it.Assignee == "Agent" && it.Pillar == "Core"
			},
			Decision:       DecisionDispatch,
			Prompt:         corePillarPrompt,
			Model:          cfg.DefaultModel,
			MaxTurns:       cfg.DefaultMaxTurns,
			TimeoutSeconds: cfg.DefaultTimeoutSeconds,
		},
		{
			ID:   "build-any-pillar",
			Name: "Active build assigned to the agent, any pillar",
			Match: func(it WorkItem) bool {
				return it.Type == "Build" && it.Status == "Active" && it.Assignee == "Agent"
			},
			Decision:       DecisionDispatch,
			Prompt:         BuildPrompt,
			Model:          cfg.DefaultModel,
			MaxTurns:       cfg.DefaultMaxTurns,
			TimeoutSeconds: cfg.DefaultTimeoutSeconds,
		},
		{
			ID:       "content-queue",
			Name:     "Content items queue for batch review",
			Match:    func(it WorkItem) bool { return it.Type == "Content" },
			Decision: DecisionQueue,
		},
	}
}

// BuildPrompt renders a work item into the brief handed to the
// non-interactive session.
func BuildPrompt(item WorkItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working autonomously on work item %s.\n\n", item.PageID)
	fmt.Fprintf(&b, "## %s\n\n", item.Title)
	fmt.Fprintf(&b, "Type: %s\nPillar: %s\nPriority: %s\n", item.Type, item.Pillar, item.Priority)
	if item.Notes != "" {
		fmt.Fprintf(&b, "\nNotes:\n%s\n", item.Notes)
	}
	if item.URL != "" {
		fmt.Fprintf(&b, "\nReference: %s\n", item.URL)
	}
	b.WriteString(`
## Execution Protocol

1. You are already on a dedicated branch in an isolated checkout.
2. Implement the work item described above.
3. Run the test suite and make it pass.
4. Report every file you touch as "Edited: <path>", "Created: <path>", or "Modified: <path>".
5. Commit the result with a descriptive message and report the hash as "commit <hash>".
`)
	return b.String()
}

func corePillarPrompt(item WorkItem) string {
	return BuildPrompt(item) +
		"\nThis item belongs to the Core pillar. Keep changes tightly scoped to core packages and do not touch pillar-specific surfaces.\n"
}
