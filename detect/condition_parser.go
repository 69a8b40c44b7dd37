package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TokenType identifies the kind of a lexical token in a condition expression.
type TokenType int

const (
	// TokenEOF marks end of input.
	TokenEOF TokenType = iota
	// TokenAND is the "and" keyword.
	TokenAND
	// TokenOR is the "or" keyword.
	TokenOR
	// TokenNOT is the "not" keyword.
	TokenNOT
	// TokenLPAREN is "(".
	TokenLPAREN
	// TokenRPAREN is ")".
	TokenRPAREN
	// TokenOF is the "of" keyword.
	TokenOF
	// TokenALL is the "all" keyword.
	TokenALL
	// TokenANY is the "any" keyword.
	TokenANY
	// TokenONE is the "one" keyword.
	TokenONE
	// TokenTHEM is the "them" keyword.
	TokenTHEM
	// TokenCOUNT is the "count" keyword introducing a count comparison.
	TokenCOUNT
	// TokenOPERATOR is a comparison operator (>, >=, <, <=, ==).
	TokenOPERATOR
	// TokenNUMBER is a non-negative integer literal.
	TokenNUMBER
	// TokenIDENTIFIER is a selection name, possibly containing * wildcards.
	TokenIDENTIFIER
)

// String returns a readable name for the token type.
func (tt TokenType) String() string {
	switch tt {
	case TokenEOF:
		return "EOF"
	case TokenAND:
		return "AND"
	case TokenOR:
		return "OR"
	case TokenNOT:
		return "NOT"
	case TokenLPAREN:
		return "LPAREN"
	case TokenRPAREN:
		return "RPAREN"
	case TokenOF:
		return "OF"
	case TokenALL:
		return "ALL"
	case TokenANY:
		return "ANY"
	case TokenONE:
		return "ONE"
	case TokenTHEM:
		return "THEM"
	case TokenCOUNT:
		return "COUNT"
	case TokenOPERATOR:
		return "OPERATOR"
	case TokenNUMBER:
		return "NUMBER"
	case TokenIDENTIFIER:
		return "IDENTIFIER"
	default:
		return "UNKNOWN"
	}
}

// Token is one lexical token with its byte offset in the expression.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q) at pos %d", t.Type, t.Value, t.Position)
}

type tokenPattern struct {
	Type    TokenType
	Pattern *regexp.Regexp
}

var (
	// tokenPatterns is checked in priority order. Keywords must precede
	// identifiers so "and" never lexes as a selection name; the \b boundary
	// keeps "android" from matching "and".
	tokenPatterns = []tokenPattern{
		{TokenAND, regexp.MustCompile(`^(?i)\band\b`)},
		{TokenOR, regexp.MustCompile(`^(?i)\bor\b`)},
		{TokenNOT, regexp.MustCompile(`^(?i)\bnot\b`)},
		{TokenOF, regexp.MustCompile(`^(?i)\bof\b`)},
		{TokenALL, regexp.MustCompile(`^(?i)\ball\b`)},
		{TokenANY, regexp.MustCompile(`^(?i)\bany\b`)},
		{TokenONE, regexp.MustCompile(`^(?i)\bone\b`)},
		{TokenTHEM, regexp.MustCompile(`^(?i)\bthem\b`)},
		{TokenCOUNT, regexp.MustCompile(`^(?i)\bcount\b`)},

		{TokenOPERATOR, regexp.MustCompile(`^(>=|<=|==|>|<)`)},
		{TokenNUMBER, regexp.MustCompile(`^\d+`)},

		{TokenLPAREN, regexp.MustCompile(`^\(`)},
		{TokenRPAREN, regexp.MustCompile(`^\)`)},

		// Wildcards may appear anywhere: selection*, *_filter, sel*win*.
		{TokenIDENTIFIER, regexp.MustCompile(`^[a-zA-Z0-9_*]+`)},
	}

	whitespacePattern = regexp.MustCompile(`^\s+`)
)

// Tokenize performs lexical analysis of a condition expression. Keywords are
// case-insensitive and matched on word boundaries. The returned slice always
// ends with an EOF token.
func Tokenize(expression string) ([]Token, error) {
	var tokens []Token
	position := 0

	for position < len(expression) {
		if match := whitespacePattern.FindString(expression[position:]); match != "" {
			position += len(match)
			continue
		}

		matched := false
		for _, pattern := range tokenPatterns {
			if match := pattern.Pattern.FindString(expression[position:]); match != "" {
				tokens = append(tokens, Token{
					Type:     pattern.Type,
					Value:    match,
					Position: position,
				})
				position += len(match)
				matched = true
				break
			}
		}

		if !matched {
			return nil, &ConditionSyntaxError{
				Expression: expression,
				Position:   position,
				Token:      string(expression[position]),
				Expected:   "identifier, keyword, number, operator, or parenthesis",
				Context:    "invalid character",
			}
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Position: len(expression)})
	return tokens, nil
}

// NodeKind tags the variant a Node holds.
type NodeKind int

const (
	// NodeSelection references a single named selection.
	NodeSelection NodeKind = iota
	// NodeAnd is a binary conjunction of Left and Right.
	NodeAnd
	// NodeOr is a binary disjunction of Left and Right.
	NodeOr
	// NodeNot negates Child.
	NodeNot
	// NodeOneOf requires at least MinMatches of the selections matching
	// Pattern to hold.
	NodeOneOf
	// NodeAllOf requires every selection matching Pattern to hold.
	NodeAllOf
	// NodeCount compares the match count of one selection against Threshold
	// using Op.
	NodeCount
)

// String returns a readable name for the node kind.
func (k NodeKind) String() string {
	switch k {
	case NodeSelection:
		return "selection"
	case NodeAnd:
		return "and"
	case NodeOr:
		return "or"
	case NodeNot:
		return "not"
	case NodeOneOf:
		return "one-of"
	case NodeAllOf:
		return "all-of"
	case NodeCount:
		return "count"
	default:
		return "unknown"
	}
}

// CountOp is the comparison operator of a count expression.
type CountOp int

const (
	CountGT CountOp = iota
	CountGTE
	CountLT
	CountLTE
	CountEQ
)

// String returns the operator's source form.
func (op CountOp) String() string {
	switch op {
	case CountGT:
		return ">"
	case CountGTE:
		return ">="
	case CountLT:
		return "<"
	case CountLTE:
		return "<="
	case CountEQ:
		return "=="
	default:
		return "?"
	}
}

// Compare applies the operator to a count and threshold.
func (op CountOp) Compare(count, threshold int) bool {
	switch op {
	case CountGT:
		return count > threshold
	case CountGTE:
		return count >= threshold
	case CountLT:
		return count < threshold
	case CountLTE:
		return count <= threshold
	case CountEQ:
		return count == threshold
	default:
		return false
	}
}

// Node is one node of a parsed condition expression. The Kind field selects
// which of the remaining fields are meaningful:
//
//	NodeSelection          Name
//	NodeAnd, NodeOr        Left, Right
//	NodeNot                Child
//	NodeOneOf              Pattern, MinMatches
//	NodeAllOf              Pattern
//	NodeCount              Name, Op, Threshold
//
// Quantifier patterns ("selection*", "them") expand against the result set
// at evaluation time, so one parsed tree serves any selection universe.
type Node struct {
	Kind NodeKind

	Left  *Node
	Right *Node
	Child *Node

	Name       string
	Pattern    string
	MinMatches int

	Op        CountOp
	Threshold int
}

// Evaluate computes the truth value of the expression given per-selection
// match results. Evaluation is total: an unknown selection name or a
// quantifier pattern that expands to nothing yields false, never an error.
// AND and OR short-circuit.
func (n *Node) Evaluate(results map[string]bool) bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case NodeSelection:
		return results[n.Name]

	case NodeAnd:
		return n.Left.Evaluate(results) && n.Right.Evaluate(results)

	case NodeOr:
		return n.Left.Evaluate(results) || n.Right.Evaluate(results)

	case NodeNot:
		return !n.Child.Evaluate(results)

	case NodeOneOf:
		names := expandPattern(n.Pattern, results)
		if len(names) == 0 {
			return false
		}
		matched := 0
		for _, name := range names {
			if results[name] {
				matched++
				if matched >= n.MinMatches {
					return true
				}
			}
		}
		return false

	case NodeAllOf:
		names := expandPattern(n.Pattern, results)
		if len(names) == 0 {
			return false
		}
		for _, name := range names {
			if !results[name] {
				return false
			}
		}
		return true

	case NodeCount:
		count := 0
		if results[n.Name] {
			count = 1
		}
		return n.Op.Compare(count, n.Threshold)

	default:
		return false
	}
}

// References collects every exact selection name the expression mentions.
// Wildcard patterns and "them" are excluded; those bind late against
// whatever selections exist at evaluation time.
func (n *Node) References() []string {
	seen := map[string]bool{}
	n.collectRefs(seen)
	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs
}

func (n *Node) collectRefs(seen map[string]bool) {
	if n == nil {
		return
	}
	switch n.Kind {
	case NodeSelection, NodeCount:
		seen[n.Name] = true
	case NodeAnd, NodeOr:
		n.Left.collectRefs(seen)
		n.Right.collectRefs(seen)
	case NodeNot:
		n.Child.collectRefs(seen)
	case NodeOneOf, NodeAllOf:
		if n.Pattern != "them" && !strings.Contains(n.Pattern, "*") {
			seen[n.Pattern] = true
		}
	}
}

// expandPattern resolves a quantifier pattern against the selection names
// present in the result set. "them" expands to everything; wildcard patterns
// use segment matching; a bare name expands to itself when present.
func expandPattern(pattern string, results map[string]bool) []string {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	if strings.EqualFold(pattern, "them") {
		return names
	}
	if !strings.Contains(pattern, "*") {
		for _, name := range names {
			if name == pattern {
				return []string{name}
			}
		}
		return nil
	}

	segments := strings.Split(pattern, "*")
	var matches []string
	for _, name := range names {
		if matchesSegments(name, segments) {
			matches = append(matches, name)
		}
	}
	return matches
}

// matchesSegments reports whether a name matches a wildcard pattern that was
// split on '*'. The first segment anchors as a prefix, the last as a suffix,
// and middle segments must occur in order between them.
func matchesSegments(name string, segments []string) bool {
	if len(segments) == 0 {
		return false
	}
	if len(segments) == 1 {
		return name == segments[0]
	}

	position := 0
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		switch {
		case i == 0:
			if !strings.HasPrefix(name, segment) {
				return false
			}
			position = len(segment)
		case i == len(segments)-1:
			if !strings.HasSuffix(name, segment) {
				return false
			}
			if strings.LastIndex(name, segment) < position {
				return false
			}
		default:
			idx := strings.Index(name[position:], segment)
			if idx == -1 {
				return false
			}
			position += idx + len(segment)
		}
	}
	return true
}

// ConditionParser is a recursive descent parser for condition expressions.
//
// Operator precedence, highest to lowest:
//
//	primary (identifiers, quantifiers, count comparisons, parentheses)
//	NOT
//	AND
//	OR
//
// Binary operators are left-associative, so "a or b or c" parses as
// "(a or b) or c".
type ConditionParser struct {
	expression string
	tokens     []Token
	position   int
}

// NewConditionParser returns a parser ready for repeated Parse calls.
func NewConditionParser() *ConditionParser {
	return &ConditionParser{}
}

// Parse builds the AST for a condition expression. It returns a
// ConditionSyntaxError describing the first lexical or grammatical problem.
func (p *ConditionParser) Parse(expression string) (*Node, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, &ConditionSyntaxError{
			Expression: expression,
			Expected:   "an expression",
			Context:    "condition is empty",
		}
	}

	tokens, err := Tokenize(expression)
	if err != nil {
		return nil, err
	}

	p.expression = expression
	p.tokens = tokens
	p.position = 0

	ast, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.errorAt(tok, "end of expression", "unexpected trailing tokens")
	}
	return ast, nil
}

func (p *ConditionParser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenOR {
		orTok := p.consume()
		right, err := p.parseAnd()
		if err != nil {
			if p.peek().Type == TokenEOF {
				return nil, p.errorAt(orTok, "expression after \"or\"", "missing right operand")
			}
			return nil, err
		}
		left = &Node{Kind: NodeOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *ConditionParser) parseAnd() (*Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenAND {
		andTok := p.consume()
		right, err := p.parseNot()
		if err != nil {
			if p.peek().Type == TokenEOF {
				return nil, p.errorAt(andTok, "expression after \"and\"", "missing right operand")
			}
			return nil, err
		}
		left = &Node{Kind: NodeAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *ConditionParser) parseNot() (*Node, error) {
	if p.peek().Type == TokenNOT {
		notTok := p.consume()
		child, err := p.parseNot()
		if err != nil {
			if p.peek().Type == TokenEOF {
				return nil, p.errorAt(notTok, "expression after \"not\"", "missing operand")
			}
			return nil, err
		}
		return &Node{Kind: NodeNot, Child: child}, nil
	}
	return p.parsePrimary()
}

func (p *ConditionParser) parsePrimary() (*Node, error) {
	tok := p.peek()

	switch tok.Type {
	case TokenLPAREN:
		p.consume()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing.Type != TokenRPAREN {
			return nil, p.errorAt(closing, "closing parenthesis",
				fmt.Sprintf("parenthesis opened at position %d is never closed", tok.Position))
		}
		p.consume()
		return expr, nil

	case TokenIDENTIFIER:
		p.consume()
		// A bare wildcard identifier is only meaningful as a quantifier
		// target; treat it as a selection reference and let compilation
		// report it if nothing defines it.
		return &Node{Kind: NodeSelection, Name: tok.Value}, nil

	case TokenALL, TokenANY, TokenONE, TokenNUMBER:
		return p.parseQuantifier()

	case TokenCOUNT:
		return p.parseCount()

	case TokenEOF:
		return nil, p.errorAt(tok, "identifier or expression", "unexpected end of expression")

	case TokenRPAREN:
		return nil, p.errorAt(tok, "identifier or expression", "unmatched closing parenthesis")

	case TokenAND, TokenOR:
		return nil, p.errorAt(tok, "identifier or expression",
			fmt.Sprintf("%q is missing a left operand", strings.ToLower(tok.Value)))

	case TokenOF:
		return nil, p.errorAt(tok, "a quantifier before \"of\"", "try \"1 of\", \"any of\", or \"all of\"")

	case TokenTHEM:
		return nil, p.errorAt(tok, "a quantifier before \"them\"", "try \"all of them\"")

	default:
		return nil, p.errorAt(tok, "identifier or expression", "")
	}
}

// parseQuantifier parses "<all|any|one|N> of <them|pattern>".
func (p *ConditionParser) parseQuantifier() (*Node, error) {
	quantTok := p.consume()

	var kind NodeKind
	minMatches := 1
	switch quantTok.Type {
	case TokenALL:
		kind = NodeAllOf
	case TokenANY, TokenONE:
		kind = NodeOneOf
	case TokenNUMBER:
		kind = NodeOneOf
		n, err := strconv.Atoi(quantTok.Value)
		if err != nil || n < 1 {
			return nil, p.errorAt(quantTok, "a positive count", "quantifier must be at least 1")
		}
		minMatches = n
	}

	ofTok := p.peek()
	if ofTok.Type != TokenOF {
		return nil, p.errorAt(ofTok, "\"of\"",
			fmt.Sprintf("quantifier %q must be followed by \"of\"", strings.ToLower(quantTok.Value)))
	}
	p.consume()

	targetTok := p.peek()
	var pattern string
	switch targetTok.Type {
	case TokenTHEM:
		pattern = "them"
	case TokenIDENTIFIER:
		pattern = targetTok.Value
	case TokenEOF:
		return nil, p.errorAt(targetTok, "\"them\" or a selection pattern", "quantifier target is missing")
	default:
		return nil, p.errorAt(targetTok, "\"them\" or a selection pattern", "")
	}
	p.consume()

	if kind == NodeAllOf {
		return &Node{Kind: NodeAllOf, Pattern: pattern}, nil
	}
	return &Node{Kind: NodeOneOf, Pattern: pattern, MinMatches: minMatches}, nil
}

// parseCount parses "count(<selection>) <op> <N>".
func (p *ConditionParser) parseCount() (*Node, error) {
	countTok := p.consume()

	if tok := p.peek(); tok.Type != TokenLPAREN {
		return nil, p.errorAt(tok, "\"(\"", "count must be written as count(selection)")
	}
	p.consume()

	nameTok := p.peek()
	if nameTok.Type != TokenIDENTIFIER {
		return nil, p.errorAt(nameTok, "a selection name", "count targets a single named selection")
	}
	if strings.Contains(nameTok.Value, "*") {
		return nil, p.errorAt(nameTok, "a selection name without wildcards", "count does not accept patterns")
	}
	p.consume()

	if tok := p.peek(); tok.Type != TokenRPAREN {
		return nil, p.errorAt(tok, "\")\"",
			fmt.Sprintf("count opened at position %d is never closed", countTok.Position))
	}
	p.consume()

	opTok := p.peek()
	if opTok.Type != TokenOPERATOR {
		return nil, p.errorAt(opTok, "a comparison operator (>, >=, <, <=, ==)", "")
	}
	p.consume()

	var op CountOp
	switch opTok.Value {
	case ">":
		op = CountGT
	case ">=":
		op = CountGTE
	case "<":
		op = CountLT
	case "<=":
		op = CountLTE
	case "==":
		op = CountEQ
	}

	numTok := p.peek()
	if numTok.Type != TokenNUMBER {
		return nil, p.errorAt(numTok, "a number", "comparison needs a numeric threshold")
	}
	p.consume()
	threshold, err := strconv.Atoi(numTok.Value)
	if err != nil {
		return nil, p.errorAt(numTok, "a number", "threshold is out of range")
	}

	return &Node{Kind: NodeCount, Name: nameTok.Value, Op: op, Threshold: threshold}, nil
}

func (p *ConditionParser) peek() Token {
	if p.position >= len(p.tokens) {
		return Token{Type: TokenEOF, Position: len(p.expression)}
	}
	return p.tokens[p.position]
}

func (p *ConditionParser) consume() Token {
	tok := p.peek()
	if p.position < len(p.tokens) {
		p.position++
	}
	return tok
}

func (p *ConditionParser) errorAt(tok Token, expected, context string) *ConditionSyntaxError {
	return &ConditionSyntaxError{
		Expression: p.expression,
		Position:   tok.Position,
		Token:      tok.Value,
		Expected:   expected,
		Context:    context,
	}
}
