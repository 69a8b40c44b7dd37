package sigma

import (
	"sort"
	"strings"
)

// Rule statuses, ordered roughly by maturity.
const (
	StatusExperimental = "experimental"
	StatusTest         = "test"
	StatusStable       = "stable"
	StatusDeprecated   = "deprecated"
)

// Severity levels, from most to least severe.
const (
	LevelCritical      = "critical"
	LevelHigh          = "high"
	LevelMedium        = "medium"
	LevelLow           = "low"
	LevelInformational = "informational"
)

// levelRank orders severity levels: higher rank means more severe.
var levelRank = map[string]int{
	LevelCritical:      4,
	LevelHigh:          3,
	LevelMedium:        2,
	LevelLow:           1,
	LevelInformational: 0,
}

// LevelRank returns the ordering rank of a severity level, with -1 for
// unknown levels. critical > high > medium > low > informational.
func LevelRank(level string) int {
	if rank, ok := levelRank[strings.ToLower(level)]; ok {
		return rank
	}
	return -1
}

// LogSource describes the family of events a rule targets. It is routing
// metadata only; no log-source field participates in pattern matching.
type LogSource struct {
	Product  string `yaml:"product,omitempty" json:"product,omitempty"`
	Service  string `yaml:"service,omitempty" json:"service,omitempty"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// Empty reports whether no log-source component is set.
func (l LogSource) Empty() bool {
	return l.Product == "" && l.Service == "" && l.Category == ""
}

// Matches reports whether this rule log source is compatible with a
// requested descriptor. Every component the rule specifies must equal the
// descriptor's (case-insensitive); components the descriptor leaves empty
// act as wildcards.
func (l LogSource) Matches(desc LogSource) bool {
	match := func(rule, want string) bool {
		return rule == "" || want == "" || strings.EqualFold(rule, want)
	}
	return match(l.Product, desc.Product) &&
		match(l.Service, desc.Service) &&
		match(l.Category, desc.Category)
}

// Rule is a parsed detection rule. Immutable once parsed: the engine holds
// rules by pointer and shares them across compiled forms and match evidence.
type Rule struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	Date        string   `json:"date,omitempty"`
	Modified    string   `json:"modified,omitempty"`
	Status      string   `json:"status,omitempty"`
	Level       string   `json:"level,omitempty"`
	References  []string `json:"references,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	FalsePositives []string `json:"falsepositives,omitempty"`

	// Logsource routes the rule to an event-source family.
	Logsource LogSource `json:"logsource,omitempty"`

	// Detection holds the raw detection block: named selections plus the
	// "condition" entry (and an optional "timeframe" hint, which the engine
	// parses but does not evaluate).
	Detection map[string]interface{} `json:"detection"`

	// RawSource is the original document text, kept for display and for
	// re-validation in strict mode. Never serialized.
	RawSource string `json:"-"`
}

// Condition returns the rule's condition expression string.
func (r *Rule) Condition() (string, bool) {
	raw, ok := r.Detection["condition"]
	if !ok {
		return "", false
	}
	cond, ok := raw.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(cond), cond != ""
}

// SelectionNames returns the sorted names of the detection block's
// selections (every detection key except condition and timeframe).
func (r *Rule) SelectionNames() []string {
	names := make([]string, 0, len(r.Detection))
	for name := range r.Detection {
		if name == "condition" || name == "timeframe" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
