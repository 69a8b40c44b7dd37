package detect

import (
	"strings"
	"testing"
)

func TestPrefilterGuardsLiteralRules(t *testing.T) {
	rules := []*CompiledRule{
		compileRule(t, `
title: literal rule
detection:
  selection:
    CommandLine|contains: 'mimikatz'
  condition: selection
`),
		compileRule(t, `
title: regex rule
detection:
  selection:
    CommandLine|re: 'enc.{1,20}payload'
  condition: selection
`),
		compileRule(t, `
title: negated only
detection:
  filter:
    User: 'system'
  condition: not filter
`),
	}

	p := BuildPrefilter(rules)
	if !p.Guarded(0) {
		t.Error("literal rule not guarded")
	}
	if p.Guarded(1) {
		t.Error("regex-only rule must stay unguarded")
	}
	if p.Guarded(2) {
		t.Error("purely negated rule must stay unguarded")
	}

	survivors := p.Survivors("powershell invoke-mimikatz now")
	if !survivors[0] {
		t.Error("literal hit did not wake its rule")
	}
	if len(p.Survivors("nothing interesting")) != 0 {
		t.Error("unrelated text produced survivors")
	}
}

func TestPrefilterOrRequiresIntersection(t *testing.T) {
	// With "a or b", neither selection alone is required, so no guard.
	orRule := compileRule(t, `
title: or rule
detection:
  a:
    Image|contains: 'cmd'
  b:
    Image|contains: 'powershell'
  condition: a or b
`)
	// With "a and b" both are required and either may guard.
	andRule := compileRule(t, `
title: and rule
detection:
  a:
    Image|contains: 'cmd'
  b:
    CommandLine|contains: 'whoami'
  condition: a and b
`)
	p := BuildPrefilter([]*CompiledRule{orRule, andRule})
	if p.Guarded(0) {
		t.Error("or-rule guarded despite no single required selection")
	}
	if !p.Guarded(1) {
		t.Error("and-rule not guarded")
	}
}

func TestPrefilterGlobValueSinksCover(t *testing.T) {
	rule := compileRule(t, `
title: glob values
detection:
  selection:
    Image: 'c:\*\cmd.exe'
  condition: selection
`)
	p := BuildPrefilter([]*CompiledRule{rule})
	if p.Guarded(0) {
		t.Error("glob-valued selection must not be guarded")
	}
}

func TestPrefilterListSelectionNeedsEveryGroup(t *testing.T) {
	// One group is regex-only, so the selection as a whole has no cover.
	mixed := compileRule(t, `
title: mixed groups
detection:
  selection:
    - CommandLine|contains: 'stage1'
    - CommandLine|re: 'x.{1,10}y'
  condition: selection
`)
	// Both groups carry literals, so the union covers the selection.
	covered := compileRule(t, `
title: covered groups
detection:
  selection:
    - CommandLine|contains: 'stage1'
    - CommandLine|contains: 'stage2'
  condition: selection
`)
	p := BuildPrefilter([]*CompiledRule{mixed, covered})
	if p.Guarded(0) {
		t.Error("selection with an uncoverable group was guarded")
	}
	if !p.Guarded(1) {
		t.Error("fully covered list selection not guarded")
	}

	if s := p.Survivors("run stage2 now"); !s[1] {
		t.Error("second group literal did not wake the rule")
	}
}

func TestPrefilterCountGating(t *testing.T) {
	mustMatch := compileRule(t, `
title: count must fire
detection:
  sel:
    CommandLine|contains: 'whoami'
  condition: count(sel) >= 1
`)
	mayBeZero := compileRule(t, `
title: count may be zero
detection:
  sel:
    CommandLine|contains: 'whoami'
  condition: count(sel) < 5
`)
	p := BuildPrefilter([]*CompiledRule{mustMatch, mayBeZero})
	if !p.Guarded(0) {
		t.Error("count >= 1 rule not guarded")
	}
	if p.Guarded(1) {
		t.Error("count < 5 rule guarded even though zero matches satisfies it")
	}
}

func TestPrefilterNeverFalseNegative(t *testing.T) {
	rules := batchTestRules(t)
	p := BuildPrefilter(rules)
	m := NewMatcher(nil, nil)

	for _, event := range batchTestEvents() {
		haystack := m.keywordHaystack(event)
		survivors := p.Survivors(strings.ToLower(haystack))
		for idx, rule := range rules {
			if m.Match(rule, event) == nil {
				continue
			}
			if p.Guarded(idx) && !survivors[idx] {
				t.Errorf("rule %s matches but prefilter rejected it", rule.Rule.ID)
			}
		}
	}
}
