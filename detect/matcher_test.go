package detect

import (
	"testing"
	"time"

	"ruleforge/core"
)

func newTestEvent(fields map[string]interface{}) *core.Event {
	ev := core.NewEvent()
	ev.Channel = "security"
	for k, v := range fields {
		ev.Fields[k] = v
	}
	return ev
}

func TestMatchCaseInsensitiveEquals(t *testing.T) {
	compiled := compileRule(t, `
title: case folding
detection:
  selection:
    Image: 'CMD.EXE'
  condition: selection
`)
	m := NewMatcher(nil, nil)

	if m.Match(compiled, newTestEvent(map[string]interface{}{"Image": "cmd.exe"})) == nil {
		t.Error("uppercase rule value failed to match lowercase event value")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{"Image": "Cmd.Exe"})) == nil {
		t.Error("mixed-case event value failed to match")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{"Image": "powershell.exe"})) != nil {
		t.Error("unrelated value matched")
	}
}

func TestMatchSelectionAndNotFilter(t *testing.T) {
	compiled := compileRule(t, suspiciousPowershellRule)
	m := NewMatcher(nil, nil)

	hit := newTestEvent(map[string]interface{}{
		"Image":       `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
		"CommandLine": `powershell.exe -Enc SQBFAFgA`,
		"User":        `CORP\alice`,
	})
	evidence := m.Match(compiled, hit)
	if evidence == nil {
		t.Fatal("expected a match")
	}

	// Evidence must carry every selection, filter included, with per-field
	// results even for the non-matching side.
	if len(evidence.Selections) != 2 {
		t.Fatalf("evidence has %d selections, want 2", len(evidence.Selections))
	}
	outcomes := evidence.SelectionOutcomes()
	if !outcomes["selection"] || outcomes["filter"] {
		t.Errorf("outcomes = %v, want selection=true filter=false", outcomes)
	}
	for _, sel := range evidence.Selections {
		if len(sel.Fields) == 0 {
			t.Errorf("selection %q carries no field results", sel.Name)
		}
	}

	// Filter knocks the match out for SYSTEM.
	system := newTestEvent(map[string]interface{}{
		"Image":       `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
		"CommandLine": `powershell.exe -EncodedCommand SQBFAFgA`,
		"User":        `NT AUTHORITY\SYSTEM`,
	})
	if m.Match(compiled, system) != nil {
		t.Error("filter failed to suppress the match")
	}

	// Missing CommandLine fails the selection entirely.
	noCmd := newTestEvent(map[string]interface{}{
		"Image": `C:\Tools\powershell.exe`,
		"User":  `CORP\alice`,
	})
	if m.Match(compiled, noCmd) != nil {
		t.Error("rule matched without the contains field present")
	}
}

func TestMatchListSelectionOrAcrossGroups(t *testing.T) {
	compiled := compileRule(t, `
title: group semantics
detection:
  selection:
    - Image|endswith: '\cmd.exe'
      User: 'guest'
    - Image|endswith: '\powershell.exe'
  condition: selection
`)
	m := NewMatcher(nil, nil)

	// First group needs both fields.
	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"Image": `C:\Windows\cmd.exe`, "User": "admin",
	})) != nil {
		t.Error("half-satisfied conjunctive group matched")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"Image": `C:\Windows\cmd.exe`, "User": "guest",
	})) == nil {
		t.Error("fully satisfied first group did not match")
	}
	// Second group alone suffices.
	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"Image": `C:\Windows\powershell.exe`,
	})) == nil {
		t.Error("second group did not match on its own")
	}
}

func TestMatchKeywordSelection(t *testing.T) {
	compiled := compileRule(t, `
title: keywords
detection:
  keywords:
    - 'mimikatz'
    - 'sekurlsa'
  condition: keywords
`)
	m := NewMatcher(nil, nil)

	ev := newTestEvent(map[string]interface{}{"CommandLine": "run Sekurlsa::LogonPasswords"})
	if m.Match(compiled, ev) == nil {
		t.Error("keyword did not match against field values")
	}

	raw := core.NewEvent()
	raw.RawData = `{"payload":"Invoke-MIMIKATZ"}`
	if m.Match(compiled, raw) == nil {
		t.Error("keyword did not match against raw payload")
	}

	if m.Match(compiled, newTestEvent(map[string]interface{}{"CommandLine": "notepad.exe"})) != nil {
		t.Error("keyword matched an unrelated event")
	}
}

func TestMatchExistsAndNull(t *testing.T) {
	compiled := compileRule(t, `
title: presence
detection:
  selection:
    ParentImage: null
    TargetObject|exists: true
  condition: selection
`)
	m := NewMatcher(nil, nil)

	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"TargetObject": `HKLM\Software\Run`,
	})) == nil {
		t.Error("null+exists combination did not match")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"TargetObject": `HKLM\Software\Run`,
		"ParentImage":  `C:\Windows\explorer.exe`,
	})) != nil {
		t.Error("null condition matched a present field")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{})) != nil {
		t.Error("exists condition matched an absent field")
	}
}

func TestMatchArrayFieldValues(t *testing.T) {
	compiled := compileRule(t, `
title: array fields
detection:
  selection:
    Hashes|contains: 'abcdef'
  condition: selection
`)
	m := NewMatcher(nil, nil)

	ev := newTestEvent(map[string]interface{}{
		"Hashes": []interface{}{"sha1=123456", "md5=ABCDEF99"},
	})
	if m.Match(compiled, ev) == nil {
		t.Error("array element did not match")
	}
}

func TestMatchRequireAllValues(t *testing.T) {
	compiled := compileRule(t, `
title: all values
detection:
  selection:
    CommandLine|contains|all:
      - 'stage1'
      - 'stage2'
  condition: selection
`)
	m := NewMatcher(nil, nil)

	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"CommandLine": "run stage1 then stage2",
	})) == nil {
		t.Error("all values present but no match")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{
		"CommandLine": "run stage1 only",
	})) != nil {
		t.Error("matched with one of two required values")
	}
}

func TestMatchCountConditionSingleEvent(t *testing.T) {
	compiled := compileRule(t, `
title: count gate
detection:
  sel:
    Image|endswith: '\cmd.exe'
  condition: count(sel) >= 1
`)
	m := NewMatcher(nil, nil)

	if m.Match(compiled, newTestEvent(map[string]interface{}{"Image": `C:\cmd.exe`})) == nil {
		t.Error("count >= 1 did not fire on a matching event")
	}
	if m.Match(compiled, newTestEvent(map[string]interface{}{"Image": `C:\other.exe`})) != nil {
		t.Error("count >= 1 fired without a selection match")
	}
}

func TestMatchEvidenceNeverErrors(t *testing.T) {
	compiled := compileRule(t, suspiciousPowershellRule)
	m := NewMatcher(nil, nil)

	// Hostile inputs must produce nil or evidence, never a panic.
	empty := core.NewEvent()
	_ = m.Match(compiled, empty)

	garbage := core.NewEvent()
	garbage.RawData = "{not json at all"
	garbage.Fields = nil
	_ = m.Match(compiled, garbage)
}

func TestMatchEvidenceCarriesEventTimestamp(t *testing.T) {
	compiled := compileRule(t, suspiciousPowershellRule)
	m := NewMatcher(nil, nil)

	ev := newTestEvent(map[string]interface{}{
		"Image":       `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`,
		"CommandLine": `powershell.exe -enc SQBFAFgA`,
		"User":        `CORP\alice`,
	})
	ev.Timestamp = time.Date(2024, 3, 7, 12, 30, 0, 0, time.UTC)

	evidence := m.Match(compiled, ev)
	if evidence == nil {
		t.Fatal("expected a match")
	}
	if !evidence.Timestamp.Equal(ev.Timestamp) {
		t.Errorf("evidence timestamp = %v, want the event's %v", evidence.Timestamp, ev.Timestamp)
	}
	if evidence.MatchedAt.Before(ev.Timestamp) {
		t.Error("match time precedes the event's timestamp")
	}
}
