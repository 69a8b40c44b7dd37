package detect

import (
	"fmt"
	"sort"
	"strings"
)

// ConditionSyntaxError reports a lexical or grammatical problem in a rule
// condition expression. It carries enough position and context information
// to point the rule author at the exact offending token.
type ConditionSyntaxError struct {
	// Expression is the full condition string being parsed.
	Expression string
	// Position is the byte offset of the offending token.
	Position int
	// Token is the offending token text. Empty at end of input.
	Token string
	// Expected describes what the parser wanted instead.
	Expected string
	// Context is a short human explanation of the surrounding situation.
	Context string
}

func (e *ConditionSyntaxError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("condition syntax error at position %d", e.Position))
	if e.Token != "" {
		sb.WriteString(fmt.Sprintf(": unexpected %q", e.Token))
	} else {
		sb.WriteString(": unexpected end of expression")
	}
	if e.Expected != "" {
		sb.WriteString(", expected " + e.Expected)
	}
	if e.Context != "" {
		sb.WriteString(" (" + e.Context + ")")
	}
	if snippet := e.snippet(); snippet != "" {
		sb.WriteString("\n  " + snippet)
	}
	return sb.String()
}

// snippet renders a caret marker under the offending position, trimmed to a
// window around it for long expressions.
func (e *ConditionSyntaxError) snippet() string {
	if e.Expression == "" {
		return ""
	}
	start := 0
	pos := e.Position
	if pos > len(e.Expression) {
		pos = len(e.Expression)
	}
	if pos > 30 {
		start = pos - 30
	}
	end := pos + 30
	if end > len(e.Expression) {
		end = len(e.Expression)
	}
	window := e.Expression[start:end]
	return window + "\n  " + strings.Repeat(" ", pos-start) + "^"
}

// CompilationError reports a rule that parsed but cannot be compiled into an
// executable form, most commonly a condition referencing a selection the
// detection block never defines.
type CompilationError struct {
	// RuleID identifies the failing rule.
	RuleID string
	// Reason describes the compilation failure.
	Reason string
	// Identifier is the undefined selection reference, when that is the
	// cause. Empty otherwise.
	Identifier string
	// Available lists the selection names the rule does define, for
	// suggestion output.
	Available []string
}

func (e *CompilationError) Error() string {
	msg := fmt.Sprintf("rule %s: %s", e.RuleID, e.Reason)
	if e.Identifier != "" && len(e.Available) > 0 {
		if suggestion := closestName(e.Identifier, e.Available); suggestion != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
		} else {
			msg += fmt.Sprintf(" (defined selections: %s)", strings.Join(sortedCopy(e.Available), ", "))
		}
	}
	return msg
}

// closestName picks the candidate with the smallest edit distance to name,
// provided the distance is small enough to be a plausible typo.
func closestName(name string, candidates []string) string {
	best := ""
	bestDist := len(name)/2 + 1
	for _, cand := range candidates {
		if d := editDistance(strings.ToLower(name), strings.ToLower(cand)); d < bestDist {
			best = cand
			bestDist = d
		}
	}
	return best
}

// editDistance computes the Levenshtein distance between two strings using a
// rolling single-row table.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cur := row[j]
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = minInt(row[j]+1, minInt(row[j-1]+1, prev+cost))
			prev = cur
		}
	}
	return row[len(b)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
