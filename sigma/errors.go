package sigma

import "fmt"

// RuleSyntaxError reports a rule document that could not be parsed into a
// usable Rule: malformed YAML, a missing detection block, or a detection
// block whose shape is invalid.
type RuleSyntaxError struct {
	// Path identifies the source of the document, when known (file path or
	// caller-provided label). Empty for anonymous documents.
	Path string
	// Document is the zero-based index of the document within a multi-doc
	// stream.
	Document int
	// Reason describes what was wrong.
	Reason string
	// Err holds the underlying YAML error, if any.
	Err error
}

func (e *RuleSyntaxError) Error() string {
	where := e.Path
	if where == "" {
		where = "rule"
	}
	msg := fmt.Sprintf("%s: document %d: %s", where, e.Document, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuleSyntaxError) Unwrap() error { return e.Err }

// ValidationWarning flags a recoverable rule-quality issue. Warnings never
// prevent a rule from loading or matching.
type ValidationWarning struct {
	RuleID  string
	Field   string
	Message string
}

func (w ValidationWarning) String() string {
	if w.Field != "" {
		return fmt.Sprintf("rule %s: %s: %s", w.RuleID, w.Field, w.Message)
	}
	return fmt.Sprintf("rule %s: %s", w.RuleID, w.Message)
}

// ValidationResult aggregates the outcome of validating one rule document.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []ValidationWarning
}
