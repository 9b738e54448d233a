package dispatch

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"agentbridge/internal/config"
)

// ruleFile is the YAML schema for a declarative rules file:
//
//	rules:
//	  - id: core-build
//	    decision: dispatch
//	    match:
//	      type: [Build]
//	      status: [Active]
//	      assignee: [Agent]
//	      pillar: [Core]
//	    prompt: |
//	      Implement {{title}} ({{pageId}}).
//	    model: sonnet
//	    maxTurns: 30
//	    timeoutSeconds: 900
//
// Match entries are AND-ed; each field must equal one of its listed values.
// An empty match block matches every item, which makes catch-all rules
// possible. Prompt templates substitute {{field}} from the work item.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID             string              `yaml:"id"`
	Name           string              `yaml:"name"`
	Decision       string              `yaml:"decision"`
	Match          map[string][]string `yaml:"match"`
	Prompt         string              `yaml:"prompt"`
	Model          string              `yaml:"model"`
	MaxTurns       int                 `yaml:"maxTurns"`
	TimeoutSeconds int                 `yaml:"timeoutSeconds"`
}

// LoadRulesFile parses and compiles a declarative rules file. Any error
// leaves the caller's current rule set untouched; the watcher relies on
// that to survive broken edits.
func LoadRulesFile(path string, cfg config.DispatchConfig) ([]DispatchRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s defines no rules", path)
	}

	rules := make([]DispatchRule, 0, len(rf.Rules))
	for i, spec := range rf.Rules {
		rule, err := compileRule(spec, cfg)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i+1, spec.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec ruleSpec, cfg config.DispatchConfig) (DispatchRule, error) {
	if spec.ID == "" {
		return DispatchRule{}, fmt.Errorf("missing id")
	}

	decision := Decision(spec.Decision)
	switch decision {
	case DecisionDispatch, DecisionQueue, DecisionEscalate:
	default:
		return DispatchRule{}, fmt.Errorf("unknown decision %q", spec.Decision)
	}

	// Bind match fields now so a typo fails the whole load instead of
	// silently never matching.
	type fieldMatch struct {
		field  string
		values []string
	}
	probe := WorkItem{}
	matchers := make([]fieldMatch, 0, len(spec.Match))
	for field, values := range spec.Match {
		if _, ok := probe.Field(field); !ok {
			return DispatchRule{}, fmt.Errorf("unknown match field %q", field)
		}
		if len(values) == 0 {
			return DispatchRule{}, fmt.Errorf("match field %q lists no values", field)
		}
		matchers = append(matchers, fieldMatch{field: field, values: values})
	}

	rule := DispatchRule{
		ID:       spec.ID,
		Name:     spec.Name,
		Decision: decision,
		Match: func(item WorkItem) bool {
			for _, m := range matchers {
				v, _ := item.Field(m.field)
				if !oneOf(v, m.values) {
					return false
				}
			}
			return true
		},
	}
	if rule.Name == "" {
		rule.Name = spec.ID
	}

	if decision == DecisionDispatch {
		rule.Model = spec.Model
		if rule.Model == "" {
			rule.Model = cfg.DefaultModel
		}
		rule.MaxTurns = spec.MaxTurns
		if rule.MaxTurns <= 0 {
			rule.MaxTurns = cfg.DefaultMaxTurns
		}
		rule.TimeoutSeconds = spec.TimeoutSeconds
		if rule.TimeoutSeconds <= 0 {
			rule.TimeoutSeconds = cfg.DefaultTimeoutSeconds
		}
		if spec.Prompt != "" {
			tpl := spec.Prompt
			rule.Prompt = func(item WorkItem) string { return expandPromptTemplate(tpl, item) }
		} else {
			rule.Prompt = BuildPrompt
		}
	}

	return rule, nil
}

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

var promptFieldRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// expandPromptTemplate substitutes {{field}} placeholders with work item
// fields. Unknown placeholders render empty.
func expandPromptTemplate(tpl string, item WorkItem) string {
	return promptFieldRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := promptFieldRe.FindStringSubmatch(m)[1]
		if v, ok := item.Field(name); ok {
			return v
		}
		return ""
	})
}
