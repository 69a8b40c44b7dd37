package sigma

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// validStatuses and validLevels enumerate the recognized metadata values.
var validStatuses = map[string]bool{
	StatusExperimental: true,
	StatusTest:         true,
	StatusStable:       true,
	StatusDeprecated:   true,
}

var validLevels = map[string]bool{
	LevelCritical:      true,
	LevelHigh:          true,
	LevelMedium:        true,
	LevelLow:           true,
	LevelInformational: true,
}

// Parser turns YAML rule documents into Rule values. The zero value is
// usable; Strict enables schema validation on top of structural checks.
type Parser struct {
	// Strict rejects documents that fail JSON-schema validation instead of
	// downgrading the findings to warnings.
	Strict bool

	warnings []ValidationWarning
}

// NewParser returns a parser with default (lenient) settings.
func NewParser() *Parser {
	return &Parser{}
}

// Warnings returns the validation warnings accumulated since the last call.
// The slice is reset by each Parse* invocation.
func (p *Parser) Warnings() []ValidationWarning {
	return p.warnings
}

// ParseRule parses a single-document YAML rule. The label identifies the
// source in error messages and may be empty.
func (p *Parser) ParseRule(data []byte, label string) (*Rule, error) {
	rules, err := p.ParseStream(data, label)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, &RuleSyntaxError{Path: label, Reason: "empty document"}
	}
	if len(rules) > 1 {
		return nil, &RuleSyntaxError{Path: label, Reason: fmt.Sprintf("expected a single document, got %d", len(rules))}
	}
	return rules[0], nil
}

// ParseStream parses a YAML stream that may contain multiple rule documents
// separated by "---". Empty documents are skipped. The first malformed
// document aborts the whole stream.
func (p *Parser) ParseStream(data []byte, label string) ([]*Rule, error) {
	p.warnings = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var rules []*Rule
	for docIdx := 0; ; docIdx++ {
		var raw map[string]interface{}
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &RuleSyntaxError{Path: label, Document: docIdx, Reason: "invalid YAML", Err: err}
		}
		if len(raw) == 0 {
			continue
		}
		if p.Strict {
			if err := validateStrict(raw, label, docIdx); err != nil {
				return nil, err
			}
		}
		rule, err := p.buildRule(raw, label, docIdx)
		if err != nil {
			return nil, err
		}
		rule.RawSource = string(data)
		rules = append(rules, rule)
	}
	return rules, nil
}

// buildRule converts one decoded document into a Rule, applying metadata
// defaults and structural detection checks.
func (p *Parser) buildRule(raw map[string]interface{}, label string, doc int) (*Rule, error) {
	rule := &Rule{
		ID:          strField(raw, "id"),
		Title:       strField(raw, "title"),
		Description: strField(raw, "description"),
		Author:      strField(raw, "author"),
		Date:        strField(raw, "date"),
		Modified:    strField(raw, "modified"),
		Status:      strings.ToLower(strField(raw, "status")),
		Level:       strings.ToLower(strField(raw, "level")),
		References:  strSliceField(raw, "references"),
		Tags:        strSliceField(raw, "tags"),

		FalsePositives: strSliceField(raw, "falsepositives"),
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
		p.warn(rule.ID, "id", "missing rule id, generated one")
	}
	if rule.Title == "" {
		p.warn(rule.ID, "title", "missing title")
	}
	if rule.Description == "" {
		p.warn(rule.ID, "description", "missing description")
	}
	if rule.Author == "" {
		p.warn(rule.ID, "author", "missing author")
	}
	if rule.Status == "" {
		rule.Status = StatusExperimental
	} else if !validStatuses[rule.Status] {
		p.warn(rule.ID, "status", fmt.Sprintf("unrecognized status %q, treating as experimental", rule.Status))
		rule.Status = StatusExperimental
	}
	if rule.Level != "" && !validLevels[rule.Level] {
		p.warn(rule.ID, "level", fmt.Sprintf("unrecognized level %q, treating as medium", rule.Level))
		rule.Level = LevelMedium
	}

	if ls, ok := raw["logsource"].(map[string]interface{}); ok {
		rule.Logsource = LogSource{
			Product:  strField(ls, "product"),
			Service:  strField(ls, "service"),
			Category: strField(ls, "category"),
		}
	}

	det, ok := raw["detection"].(map[string]interface{})
	if !ok || len(det) == 0 {
		return nil, &RuleSyntaxError{Path: label, Document: doc, Reason: "missing or empty detection block"}
	}
	if err := checkDetection(det, label, doc); err != nil {
		return nil, err
	}
	rule.Detection = det

	return rule, nil
}

// checkDetection verifies the structural shape of a detection block: a
// non-empty condition string and at least one selection that is either a
// field map or a list.
func checkDetection(det map[string]interface{}, label string, doc int) error {
	cond, ok := det["condition"]
	if !ok {
		return &RuleSyntaxError{Path: label, Document: doc, Reason: "detection block has no condition"}
	}
	condStr, ok := cond.(string)
	if !ok || strings.TrimSpace(condStr) == "" {
		return &RuleSyntaxError{Path: label, Document: doc, Reason: "condition must be a non-empty string"}
	}

	selections := 0
	for name, body := range det {
		if name == "condition" || name == "timeframe" {
			continue
		}
		switch body.(type) {
		case map[string]interface{}, []interface{}:
			selections++
		default:
			return &RuleSyntaxError{
				Path:     label,
				Document: doc,
				Reason:   fmt.Sprintf("selection %q must be a field map or a list", name),
			}
		}
	}
	if selections == 0 {
		return &RuleSyntaxError{Path: label, Document: doc, Reason: "detection block has no selections"}
	}
	return nil
}

func (p *Parser) warn(ruleID, field, msg string) {
	p.warnings = append(p.warnings, ValidationWarning{RuleID: ruleID, Field: field, Message: msg})
}

func strField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

func strSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}
