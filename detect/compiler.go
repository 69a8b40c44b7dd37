package detect

import (
	"fmt"
	"sort"
	"strings"

	"ruleforge/core"
	"ruleforge/sigma"
)

// Comparison costs drive cheapest-first ordering inside a selection. Cheap
// string operations run before regexes so a miss on an equals check skips
// the expensive work entirely.
var modifierCost = map[string]int{
	ModifierExists:       0,
	ModifierEquals:       1,
	ModifierStartsWith:   2,
	ModifierEndsWith:     2,
	ModifierWindash:      3,
	ModifierContains:     5,
	ModifierWide:         6,
	ModifierUTF16LE:      6,
	ModifierUTF16BE:      6,
	ModifierBase64:       7,
	ModifierBase64Offset: 8,
	ModifierRegex:        10,
}

// FieldCondition is one normalized field comparison. Rule values are
// lowercased once here so per-event matching never calls strings.ToLower on
// the pattern side.
type FieldCondition struct {
	// Field is the canonical event field name. Empty means a keyword
	// condition searched across the whole event payload.
	Field string
	// Modifier is the comparison modifier (ModifierEquals when none given).
	Modifier string
	// RequireAll forces every value to match instead of any.
	RequireAll bool
	// ExistsExpect is the expected presence for ModifierExists conditions.
	ExistsExpect bool
	// NullTarget marks "field: null", which matches when the field is
	// absent from the event.
	NullTarget bool

	// Values are the rule values as written; Lowered holds their lowercase
	// forms for the case-insensitive comparisons.
	Values  []string
	Lowered []string

	// Group separates the conjunctive groups of a list-shaped selection:
	// conditions in the same group AND together, groups OR together.
	// Map-shaped selections use a single group 0.
	Group int

	cost int
}

// Cost returns the ordering weight of the condition's comparison.
func (fc *FieldCondition) Cost() int { return fc.cost }

// CompiledSelection is one named selection with its conditions sorted
// cheapest-first within each group.
type CompiledSelection struct {
	Name       string
	Conditions []FieldCondition
	// Groups is the number of conjunctive groups (1 for map selections).
	Groups int
}

// CompiledRule is a rule in executable form: normalized selections plus the
// parsed condition tree. Compiled rules are immutable and safe to share.
type CompiledRule struct {
	Rule       *sigma.Rule
	Selections []CompiledSelection
	Condition  *Node

	// Fields is the sorted set of canonical field names the rule inspects,
	// excluding keyword conditions. The batch matcher groups rules by this.
	Fields []string

	selectionIndex map[string]*CompiledSelection
}

// Selection returns the compiled selection with the given name.
func (cr *CompiledRule) Selection(name string) (*CompiledSelection, bool) {
	sel, ok := cr.selectionIndex[name]
	return sel, ok
}

// SelectionNames returns the names of all compiled selections, sorted.
func (cr *CompiledRule) SelectionNames() []string {
	names := make([]string, 0, len(cr.Selections))
	for i := range cr.Selections {
		names = append(names, cr.Selections[i].Name)
	}
	sort.Strings(names)
	return names
}

// Compiler turns parsed rules into CompiledRules. It validates condition
// references and screens regex patterns, so everything that can fail does so
// here rather than during matching.
type Compiler struct {
	parser *ConditionParser
}

// NewCompiler returns a ready Compiler.
func NewCompiler() *Compiler {
	return &Compiler{parser: NewConditionParser()}
}

// Compile builds the executable form of a rule. It returns a
// ConditionSyntaxError for condition grammar problems and a CompilationError
// for everything else: undefined selection references, unknown modifiers,
// unsafe regex patterns, malformed selection bodies.
func (c *Compiler) Compile(rule *sigma.Rule) (*CompiledRule, error) {
	condExpr, ok := rule.Condition()
	if !ok {
		return nil, &CompilationError{RuleID: rule.ID, Reason: "detection block has no condition"}
	}

	ast, err := c.parser.Parse(condExpr)
	if err != nil {
		return nil, err
	}

	defined := rule.SelectionNames()
	definedSet := make(map[string]bool, len(defined))
	for _, name := range defined {
		definedSet[name] = true
	}
	for _, ref := range ast.References() {
		if !definedSet[ref] {
			return nil, &CompilationError{
				RuleID:     rule.ID,
				Reason:     fmt.Sprintf("condition references undefined selection %q", ref),
				Identifier: ref,
				Available:  defined,
			}
		}
	}

	compiled := &CompiledRule{
		Rule:           rule,
		Condition:      ast,
		selectionIndex: make(map[string]*CompiledSelection, len(defined)),
	}

	fieldSet := map[string]bool{}
	for _, name := range defined {
		sel, err := c.compileSelection(rule, name, rule.Detection[name])
		if err != nil {
			return nil, err
		}
		compiled.Selections = append(compiled.Selections, sel)
		for i := range sel.Conditions {
			if f := sel.Conditions[i].Field; f != "" {
				fieldSet[f] = true
			}
		}
	}
	for i := range compiled.Selections {
		sel := &compiled.Selections[i]
		compiled.selectionIndex[sel.Name] = sel
	}

	compiled.Fields = make([]string, 0, len(fieldSet))
	for f := range fieldSet {
		compiled.Fields = append(compiled.Fields, f)
	}
	sort.Strings(compiled.Fields)

	return compiled, nil
}

// compileSelection normalizes one selection body. Map bodies become a single
// conjunctive group; list bodies become one group per element, where scalar
// elements turn into keyword conditions and map elements into field groups.
func (c *Compiler) compileSelection(rule *sigma.Rule, name string, body interface{}) (CompiledSelection, error) {
	sel := CompiledSelection{Name: name}

	switch b := body.(type) {
	case map[string]interface{}:
		conds, err := c.compileFieldMap(rule, name, b, 0)
		if err != nil {
			return sel, err
		}
		sel.Conditions = conds
		sel.Groups = 1

	case []interface{}:
		if len(b) == 0 {
			return sel, &CompilationError{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("selection %q is an empty list", name),
			}
		}
		for group, element := range b {
			switch el := element.(type) {
			case map[string]interface{}:
				conds, err := c.compileFieldMap(rule, name, el, group)
				if err != nil {
					return sel, err
				}
				sel.Conditions = append(sel.Conditions, conds...)
			default:
				value := ToString(el)
				sel.Conditions = append(sel.Conditions, FieldCondition{
					Field:    "",
					Modifier: ModifierContains,
					Values:   []string{value},
					Lowered:  []string{strings.ToLower(value)},
					Group:    group,
					cost:     modifierCost[ModifierContains],
				})
			}
		}
		sel.Groups = len(b)

	default:
		return sel, &CompilationError{
			RuleID: rule.ID,
			Reason: fmt.Sprintf("selection %q must be a field map or a list", name),
		}
	}

	sort.SliceStable(sel.Conditions, func(i, j int) bool {
		if sel.Conditions[i].Group != sel.Conditions[j].Group {
			return sel.Conditions[i].Group < sel.Conditions[j].Group
		}
		return sel.Conditions[i].cost < sel.Conditions[j].cost
	})
	return sel, nil
}

// compileFieldMap turns one field map into conditions belonging to a single
// conjunctive group.
func (c *Compiler) compileFieldMap(rule *sigma.Rule, selName string, fields map[string]interface{}, group int) ([]FieldCondition, error) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conds := make([]FieldCondition, 0, len(keys))
	for _, key := range keys {
		cond, err := c.compileField(rule, selName, key, fields[key], group)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

// compileField parses a "Field|modifier|all" key and its value into one
// normalized condition.
func (c *Compiler) compileField(rule *sigma.Rule, selName, key string, rawValue interface{}, group int) (FieldCondition, error) {
	parts := strings.Split(key, "|")
	field := strings.TrimSpace(parts[0])
	if field == "" {
		return FieldCondition{}, &CompilationError{
			RuleID: rule.ID,
			Reason: fmt.Sprintf("selection %q has an empty field name in key %q", selName, key),
		}
	}

	cond := FieldCondition{
		Field:    core.CanonicalFieldName(field),
		Modifier: ModifierEquals,
		Group:    group,
	}

	comparisons := 0
	for _, part := range parts[1:] {
		mod := strings.ToLower(strings.TrimSpace(part))
		switch {
		case mod == ModifierAll:
			cond.RequireAll = true
		case knownModifiers[mod]:
			comparisons++
			if comparisons > 1 {
				return FieldCondition{}, &CompilationError{
					RuleID: rule.ID,
					Reason: fmt.Sprintf("selection %q field %q combines multiple comparison modifiers", selName, field),
				}
			}
			cond.Modifier = mod
		default:
			return FieldCondition{}, &CompilationError{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("selection %q field %q uses unknown modifier %q", selName, field, mod),
			}
		}
	}

	switch cond.Modifier {
	case ModifierExists:
		expect, ok := rawValue.(bool)
		if !ok {
			return FieldCondition{}, &CompilationError{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("selection %q field %q: exists takes true or false", selName, field),
			}
		}
		cond.ExistsExpect = expect
		cond.cost = modifierCost[ModifierExists]
		return cond, nil
	}

	if rawValue == nil {
		cond.NullTarget = true
		cond.cost = modifierCost[ModifierEquals]
		return cond, nil
	}

	values, err := c.conditionValues(rule, selName, field, rawValue)
	if err != nil {
		return FieldCondition{}, err
	}
	cond.Values = values
	cond.Lowered = make([]string, len(values))
	for i, v := range values {
		cond.Lowered[i] = strings.ToLower(v)
	}

	if cond.Modifier == ModifierRegex {
		for _, pattern := range cond.Values {
			if err := ValidateRegexPattern(pattern); err != nil {
				return FieldCondition{}, &CompilationError{
					RuleID: rule.ID,
					Reason: fmt.Sprintf("selection %q field %q: %v", selName, field, err),
				}
			}
		}
	}

	cond.cost = modifierCost[cond.Modifier]
	return cond, nil
}

// conditionValues flattens a rule value (scalar or list) into strings.
func (c *Compiler) conditionValues(rule *sigma.Rule, selName, field string, rawValue interface{}) ([]string, error) {
	switch v := rawValue.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil, &CompilationError{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("selection %q field %q has an empty value list", selName, field),
			}
		}
		values := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				return nil, &CompilationError{
					RuleID: rule.ID,
					Reason: fmt.Sprintf("selection %q field %q mixes null into a value list", selName, field),
				}
			}
			values = append(values, ToString(item))
		}
		return values, nil
	default:
		return []string{ToString(v)}, nil
	}
}
