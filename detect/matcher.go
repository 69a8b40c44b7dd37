package detect

import (
	"sort"
	"strings"
	"time"

	"ruleforge/core"
)

// Matcher evaluates compiled rules against single events. It owns no rule
// state of its own; the same Matcher serves any number of rules.
//
// Matching is total. Malformed events, absent fields, and regex timeouts
// all read as non-matches; nothing at evaluation time returns an error.
type Matcher struct {
	modifiers *ModifierSet
	resolver  *core.FieldResolver
}

// NewMatcher builds a matcher around a modifier evaluator and field
// resolver. Passing nil for either installs defaults.
func NewMatcher(modifiers *ModifierSet, resolver *core.FieldResolver) *Matcher {
	if modifiers == nil {
		modifiers = NewModifierSet(0, 0)
	}
	if resolver == nil {
		resolver = core.NewFieldResolver(0)
	}
	return &Matcher{modifiers: modifiers, resolver: resolver}
}

// Match evaluates one rule against one event. It returns full evidence when
// the rule's condition holds and nil otherwise.
func (m *Matcher) Match(rule *CompiledRule, event *core.Event) *MatchEvidence {
	results, selections := m.EvaluateSelections(rule, event)
	if !rule.Condition.Evaluate(results) {
		return nil
	}
	return &MatchEvidence{
		Rule:       rule.Rule,
		EventID:    event.EventID,
		Timestamp:  event.Timestamp,
		MatchedAt:  time.Now().UTC(),
		Selections: selections,
	}
}

// EvaluateSelections computes every selection of a rule against an event.
// It returns the boolean outcomes keyed by selection name, for condition
// evaluation, alongside the detailed per-field results for evidence.
func (m *Matcher) EvaluateSelections(rule *CompiledRule, event *core.Event) (map[string]bool, []SelectionResult) {
	results := make(map[string]bool, len(rule.Selections))
	details := make([]SelectionResult, 0, len(rule.Selections))

	for i := range rule.Selections {
		sel := &rule.Selections[i]
		matched, fields := m.evaluateSelection(sel, event)
		results[sel.Name] = matched
		details = append(details, SelectionResult{
			Name:    sel.Name,
			Matched: matched,
			Fields:  fields,
		})
	}

	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
	return results, details
}

// evaluateSelection applies a selection's conjunctive groups: every
// condition within a group must hold, any group suffices. Conditions are
// pre-sorted cheapest-first per group, and a failed condition short-circuits
// the rest of its group's evaluation while still being recorded.
func (m *Matcher) evaluateSelection(sel *CompiledSelection, event *core.Event) (bool, []FieldResult) {
	fields := make([]FieldResult, 0, len(sel.Conditions))

	groupMatched := map[int]bool{}
	groupFailed := map[int]bool{}
	for g := 0; g < sel.Groups; g++ {
		groupMatched[g] = true
	}

	for i := range sel.Conditions {
		cond := &sel.Conditions[i]
		if groupFailed[cond.Group] {
			// Group already dead; note the skip as a non-match without
			// paying for the comparison.
			fields = append(fields, FieldResult{
				Field:    cond.Field,
				Modifier: cond.Modifier,
				Matched:  false,
				Pattern:  firstPattern(cond),
			})
			groupMatched[cond.Group] = false
			continue
		}

		result := m.evaluateCondition(cond, event)
		fields = append(fields, result)
		if !result.Matched {
			groupMatched[cond.Group] = false
			groupFailed[cond.Group] = true
		}
	}

	for g := 0; g < sel.Groups; g++ {
		if groupMatched[g] {
			return true, fields
		}
	}
	return false, fields
}

// evaluateCondition applies one field condition to the event.
func (m *Matcher) evaluateCondition(cond *FieldCondition, event *core.Event) FieldResult {
	result := FieldResult{
		Field:    cond.Field,
		Modifier: cond.Modifier,
		Pattern:  firstPattern(cond),
	}

	// Keyword conditions search the whole payload.
	if cond.Field == "" {
		haystack := m.keywordHaystack(event)
		result.Matched = m.matchValues(cond, haystack, haystack, &result)
		return result
	}

	raw, present := m.resolver.Resolve(event, cond.Field)

	if cond.Modifier == ModifierExists {
		result.Matched = present == cond.ExistsExpect
		if present {
			result.Value = ToString(raw)
		}
		return result
	}
	if cond.NullTarget {
		result.Matched = !present
		if present {
			result.Value = ToString(raw)
		}
		return result
	}
	if !present {
		return result
	}

	// Array-valued fields match when any element matches.
	if list, ok := raw.([]interface{}); ok {
		for _, element := range list {
			value := ToString(element)
			if m.matchValues(cond, value, strings.ToLower(value), &result) {
				result.Matched = true
				result.Value = value
				return result
			}
		}
		if len(list) > 0 {
			result.Value = ToString(list[0])
		}
		return result
	}

	value := ToString(raw)
	result.Value = value
	result.Matched = m.matchValues(cond, value, strings.ToLower(value), &result)
	return result
}

// matchValues applies the condition's value list with any/all semantics and
// records the matching pattern in the result.
func (m *Matcher) matchValues(cond *FieldCondition, field, loweredField string, result *FieldResult) bool {
	if cond.RequireAll {
		for i, pattern := range cond.Values {
			if !m.modifiers.Match(cond.Modifier, pattern, cond.Lowered[i], field, loweredField) {
				result.Pattern = pattern
				return false
			}
		}
		return true
	}
	for i, pattern := range cond.Values {
		if m.modifiers.Match(cond.Modifier, pattern, cond.Lowered[i], field, loweredField) {
			result.Pattern = pattern
			return true
		}
	}
	return false
}

// keywordHaystack joins the searchable text of an event: the raw payload,
// the typed attributes, and every field value, lowercased once. Values parsed
// out of RawData are included in decoded form; the raw JSON alone would hide
// backslashes and quotes behind escape sequences.
func (m *Matcher) keywordHaystack(event *core.Event) string {
	var sb strings.Builder
	sb.WriteString(event.RawData)
	sb.WriteByte('\n')
	sb.WriteString(event.Channel)
	sb.WriteByte('\n')
	sb.WriteString(event.Provider)
	sb.WriteByte('\n')
	sb.WriteString(event.Computer)
	sb.WriteByte('\n')
	sb.WriteString(event.EventType)
	for _, v := range event.Fields {
		sb.WriteByte('\n')
		sb.WriteString(ToString(v))
	}
	for _, v := range m.resolver.RawFields(event) {
		sb.WriteByte('\n')
		sb.WriteString(ToString(v))
	}
	return strings.ToLower(sb.String())
}

func firstPattern(cond *FieldCondition) string {
	if len(cond.Values) > 0 {
		return cond.Values[0]
	}
	return ""
}
