package detect

import (
	"strings"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// Prefilter is a literal quick-reject stage for batch matching. It scans an
// event's lowercased text once with an Aho-Corasick automaton and rules out
// rules whose required literals cannot appear.
//
// Soundness is the hard constraint: a rule is only guarded (skippable) when
// a selection can be proven necessary for the rule to fire AND that
// selection can be proven to require one of a fixed set of literals in the
// event text. Rules without such a proof always run the full matcher, so
// the prefilter can only save work, never drop a true match.
type Prefilter struct {
	ac       *ahocorasick.AhoCorasick
	patterns []string
	// patternRules maps automaton pattern index to the ordinals of guarded
	// rules that the literal can wake up.
	patternRules map[int][]int
	// guarded marks rule ordinals that may be skipped on zero hits.
	guarded map[int]bool
}

// BuildPrefilter derives literal covers for the given rules and builds the
// shared automaton. Rules indexes refer to positions in the input slice.
func BuildPrefilter(rules []*CompiledRule) *Prefilter {
	p := &Prefilter{
		patternRules: map[int][]int{},
		guarded:      map[int]bool{},
	}

	patternIndex := map[string]int{}
	for ruleIdx, rule := range rules {
		cover, ok := ruleLiteralCover(rule)
		if !ok {
			continue
		}
		p.guarded[ruleIdx] = true
		for _, literal := range cover {
			idx, seen := patternIndex[literal]
			if !seen {
				idx = len(p.patterns)
				p.patterns = append(p.patterns, literal)
				patternIndex[literal] = idx
			}
			p.patternRules[idx] = append(p.patternRules[idx], ruleIdx)
		}
	}

	if len(p.patterns) > 0 {
		builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
			MatchKind: ahocorasick.LeftMostLongestMatch,
			DFA:       true,
		})
		automaton := builder.Build(p.patterns)
		p.ac = &automaton
	}
	return p
}

// Guarded reports whether the rule at the given ordinal has a sound literal
// cover and may be skipped when Survivors excludes it.
func (p *Prefilter) Guarded(ruleIdx int) bool {
	return p.guarded[ruleIdx]
}

// Survivors scans the lowercased event text and returns the set of guarded
// rule ordinals whose cover produced at least one hit. Unguarded rules are
// never in the map and must be evaluated regardless.
func (p *Prefilter) Survivors(loweredText string) map[int]bool {
	if p.ac == nil {
		return nil
	}
	survivors := map[int]bool{}
	for _, match := range p.ac.FindAll(loweredText) {
		for _, ruleIdx := range p.patternRules[match.Pattern()] {
			survivors[ruleIdx] = true
		}
	}
	return survivors
}

// PatternCount returns the number of distinct literals in the automaton.
func (p *Prefilter) PatternCount() int {
	return len(p.patterns)
}

// ruleLiteralCover derives a set of lowercase literals such that the rule
// cannot match an event whose text contains none of them. The second return
// is false when no such set can be proven.
func ruleLiteralCover(rule *CompiledRule) ([]string, bool) {
	for _, name := range requiredSelections(rule.Condition) {
		sel, ok := rule.Selection(name)
		if !ok {
			continue
		}
		if cover, ok := selectionLiteralCover(sel); ok {
			return cover, true
		}
	}
	return nil, false
}

// requiredSelections returns selection names that must be true whenever the
// condition is true. AND propagates both sides, OR only what both branches
// share, and NOT proves nothing. A count comparison that fails at zero
// matches forces its selection on.
func requiredSelections(n *Node) []string {
	set := requiredSet(n)
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

func requiredSet(n *Node) map[string]bool {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case NodeSelection:
		return map[string]bool{n.Name: true}

	case NodeAnd:
		out := map[string]bool{}
		for name := range requiredSet(n.Left) {
			out[name] = true
		}
		for name := range requiredSet(n.Right) {
			out[name] = true
		}
		return out

	case NodeOr:
		left := requiredSet(n.Left)
		right := requiredSet(n.Right)
		out := map[string]bool{}
		for name := range left {
			if right[name] {
				out[name] = true
			}
		}
		return out

	case NodeCount:
		if !n.Op.Compare(0, n.Threshold) {
			return map[string]bool{n.Name: true}
		}
		return nil

	case NodeOneOf:
		// An exact (non-wildcard) target with a positive minimum can only
		// hold through that one selection.
		if n.Pattern != "them" && !strings.Contains(n.Pattern, "*") && n.MinMatches >= 1 {
			return map[string]bool{n.Pattern: true}
		}
		return nil

	case NodeAllOf:
		if n.Pattern != "them" && !strings.Contains(n.Pattern, "*") {
			return map[string]bool{n.Pattern: true}
		}
		return nil

	default:
		// NOT and wildcard quantifiers prove nothing about any single
		// selection.
		return nil
	}
}

// selectionLiteralCover derives literals for one selection. Each conjunctive
// group must contribute a literal-bearing condition; the cover is the union
// of one condition's values per group. Any group without a usable condition
// sinks the whole cover.
func selectionLiteralCover(sel *CompiledSelection) ([]string, bool) {
	groupCovered := make([]bool, sel.Groups)
	var cover []string

	for g := 0; g < sel.Groups; g++ {
		for i := range sel.Conditions {
			cond := &sel.Conditions[i]
			if cond.Group != g {
				continue
			}
			literals, ok := conditionLiterals(cond)
			if !ok {
				continue
			}
			cover = append(cover, literals...)
			groupCovered[g] = true
			break
		}
		if !groupCovered[g] {
			return nil, false
		}
	}
	return cover, true
}

// conditionLiterals extracts the literals a condition forces into the event
// text. Only plain-string comparisons qualify; glob values, encoded forms,
// regexes, and presence tests give no guarantee.
func conditionLiterals(cond *FieldCondition) ([]string, bool) {
	switch cond.Modifier {
	case ModifierEquals, ModifierContains, ModifierStartsWith, ModifierEndsWith:
	default:
		return nil, false
	}
	if cond.NullTarget || len(cond.Lowered) == 0 {
		return nil, false
	}

	if cond.RequireAll {
		// All values must match, so any single one is a sound witness. Take
		// the longest for selectivity.
		best := ""
		for _, v := range cond.Lowered {
			if hasGlob(v) || v == "" {
				continue
			}
			if len(v) > len(best) {
				best = v
			}
		}
		if best == "" {
			return nil, false
		}
		return []string{best}, true
	}

	// Any-match: every value must be a clean literal, because a match
	// through any one of them has to be visible to the automaton.
	literals := make([]string, 0, len(cond.Lowered))
	for _, v := range cond.Lowered {
		if hasGlob(v) || v == "" {
			return nil, false
		}
		literals = append(literals, v)
	}
	return literals, true
}
