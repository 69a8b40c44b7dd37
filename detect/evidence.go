package detect

import (
	"time"

	"ruleforge/sigma"
)

// FieldResult records the outcome of one field condition against one event,
// kept whether or not it matched so a triage view can show exactly which
// comparisons held and which did not.
type FieldResult struct {
	// Field is the canonical field name; empty for keyword conditions.
	Field string `json:"field"`
	// Modifier is the comparison modifier that was applied.
	Modifier string `json:"modifier"`
	// Matched reports whether the condition held.
	Matched bool `json:"matched"`
	// Value is the event's field value at evaluation time. Empty when the
	// field was absent.
	Value string `json:"value,omitempty"`
	// Pattern is the rule value that matched, or the first rule value when
	// nothing matched.
	Pattern string `json:"pattern,omitempty"`
}

// SelectionResult is the evaluation outcome of one named selection.
type SelectionResult struct {
	Name    string        `json:"name"`
	Matched bool          `json:"matched"`
	Fields  []FieldResult `json:"fields"`
}

// MatchEvidence is the full record of a rule firing on an event. It carries
// every selection's result, including the ones that did not match, so the
// reader can reconstruct why the condition came out true.
type MatchEvidence struct {
	Rule    *sigma.Rule `json:"rule"`
	EventID string      `json:"event_id"`
	// Timestamp is the event's own timestamp; MatchedAt records when the
	// match was produced.
	Timestamp  time.Time         `json:"timestamp"`
	MatchedAt  time.Time         `json:"matched_at"`
	Selections []SelectionResult `json:"selections"`
}

// SelectionOutcomes returns the per-selection boolean results keyed by name.
func (e *MatchEvidence) SelectionOutcomes() map[string]bool {
	out := make(map[string]bool, len(e.Selections))
	for _, sel := range e.Selections {
		out[sel.Name] = sel.Matched
	}
	return out
}
