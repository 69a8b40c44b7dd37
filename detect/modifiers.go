package detect

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Supported field modifiers.
const (
	// ModifierEquals is the implicit comparison when no modifier is given.
	ModifierEquals = "equals"

	ModifierContains   = "contains"
	ModifierStartsWith = "startswith"
	ModifierEndsWith   = "endswith"
	ModifierRegex      = "re"

	// ModifierBase64 decodes the field value as base64 and searches for the
	// target inside the decode.
	ModifierBase64 = "base64"
	// ModifierBase64Offset encodes the target at all three byte alignments
	// and searches the raw field, catching targets embedded mid-stream where
	// decoding the field is not possible.
	ModifierBase64Offset = "base64offset"
	// UTF-16 modifiers re-encode the target and search the raw field bytes.
	ModifierUTF16LE = "utf16le"
	ModifierUTF16BE = "utf16be"
	ModifierWide    = "wide"

	// ModifierWindash folds Unicode dash variants to ASCII hyphen on both
	// sides before comparing.
	ModifierWindash = "windash"

	// ModifierExists tests field presence instead of field content.
	ModifierExists = "exists"

	// ModifierAll switches a value list from any-match to all-match. It
	// combines with the comparison modifiers above.
	ModifierAll = "all"
)

// knownModifiers is the full set accepted in field keys.
var knownModifiers = map[string]bool{
	ModifierEquals:       true,
	ModifierContains:     true,
	ModifierStartsWith:   true,
	ModifierEndsWith:     true,
	ModifierRegex:        true,
	ModifierBase64:       true,
	ModifierBase64Offset: true,
	ModifierUTF16LE:      true,
	ModifierUTF16BE:      true,
	ModifierWide:         true,
	ModifierWindash:      true,
	ModifierExists:       true,
	ModifierAll:          true,
}

// KnownModifier reports whether name is a recognized field modifier.
func KnownModifier(name string) bool {
	return knownModifiers[strings.ToLower(name)]
}

// Regex safety limits. Patterns are screened before compilation so a hostile
// rule cannot stall the engine, and matching itself runs under a timeout.
const (
	// maxRegexPatternLength bounds pattern size. Real detection regexes stay
	// far below this.
	maxRegexPatternLength = 500

	// defaultRegexTimeout bounds a single regex match.
	defaultRegexTimeout = 100 * time.Millisecond

	// DefaultRegexCacheSize bounds the per-instance compiled pattern cache.
	DefaultRegexCacheSize = 1000
)

// nestedQuantifierPattern flags the classic catastrophic-backtracking shape:
// a quantified group that is itself quantified, like (a+)+ or (\w*)*.
// It is a heuristic and intentionally errs toward rejection.
var nestedQuantifierPattern = regexp.MustCompile(`\([^()]*[+*][^()]*\)\s*[+*{]`)

// windashReplacer folds Unicode dash variants into ASCII hyphen. Attackers
// swap these in command lines to slip past literal matches.
var windashReplacer = strings.NewReplacer(
	"‐", "-",
	"‑", "-",
	"‒", "-",
	"–", "-",
	"—", "-",
	"―", "-",
	"−", "-",
)

// ValidateRegexPattern screens a rule regex before compilation. It rejects
// oversized patterns and nested quantifiers, then test-compiles the pattern.
func ValidateRegexPattern(pattern string) error {
	if len(pattern) > maxRegexPatternLength {
		return fmt.Errorf("regex pattern too long: %d bytes (max %d)", len(pattern), maxRegexPatternLength)
	}
	if nestedQuantifierPattern.MatchString(pattern) {
		return fmt.Errorf("regex pattern rejected: nested quantifier %q risks catastrophic backtracking", pattern)
	}
	if _, err := regexp2.Compile(pattern, regexp2.IgnoreCase); err != nil {
		return fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return nil
}

// ModifierSet evaluates field modifiers against event values. Each instance
// owns its compiled-regex cache, so independent engines never contend on
// shared state and dropping the engine drops the cache with it.
//
// Matching is total: malformed patterns and regex timeouts yield false, not
// errors. Pattern problems are surfaced once, at compile time.
type ModifierSet struct {
	regexCache   *lru.Cache[string, *regexp2.Regexp]
	regexTimeout time.Duration
}

// NewModifierSet builds a modifier evaluator with a bounded regex cache.
// cacheSize falls back to DefaultRegexCacheSize when non-positive; timeout
// falls back to defaultRegexTimeout.
func NewModifierSet(cacheSize int, timeout time.Duration) *ModifierSet {
	if cacheSize <= 0 {
		cacheSize = DefaultRegexCacheSize
	}
	if timeout <= 0 {
		timeout = defaultRegexTimeout
	}
	cache, err := lru.New[string, *regexp2.Regexp](cacheSize)
	if err != nil {
		// lru.New only fails for non-positive sizes, which the guard above
		// rules out.
		panic(fmt.Sprintf("detect: regex cache: %v", err))
	}
	return &ModifierSet{
		regexCache:   cache,
		regexTimeout: timeout,
	}
}

// Match applies one comparison modifier to one rule value against one field
// value. Plain string comparisons are case-insensitive and operate on the
// pre-lowered forms; encoding modifiers operate on the raw forms because the
// encoding fixes the byte sequence the rule author targeted, with base64
// decoding the field and the rest re-encoding the rule value.
func (m *ModifierSet) Match(modifier, pattern, loweredPattern, field, loweredField string) bool {
	switch modifier {
	case ModifierEquals, "":
		if hasGlob(loweredPattern) {
			return globMatch(loweredPattern, loweredField)
		}
		return loweredField == loweredPattern

	case ModifierContains:
		return strings.Contains(loweredField, loweredPattern)

	case ModifierStartsWith:
		return strings.HasPrefix(loweredField, loweredPattern)

	case ModifierEndsWith:
		return strings.HasSuffix(loweredField, loweredPattern)

	case ModifierWindash:
		folded := windashReplacer.Replace(loweredField)
		foldedPattern := windashReplacer.Replace(loweredPattern)
		if hasGlob(foldedPattern) {
			return globMatch(foldedPattern, folded)
		}
		return folded == foldedPattern

	case ModifierRegex:
		return m.matchRegex(pattern, field)

	case ModifierBase64:
		return base64DecodeContains(field, pattern)

	case ModifierBase64Offset:
		for _, encoded := range Base64OffsetPatterns(pattern) {
			if encoded != "" && strings.Contains(field, encoded) {
				return true
			}
		}
		return false

	case ModifierUTF16LE, ModifierWide:
		return strings.Contains(field, encodeUTF16(pattern, binary.LittleEndian))

	case ModifierUTF16BE:
		return strings.Contains(field, encodeUTF16(pattern, binary.BigEndian))

	default:
		return false
	}
}

// matchRegex compiles (or fetches) the pattern case-insensitively and runs
// it under the configured timeout. Every failure mode reads as "no match".
func (m *ModifierSet) matchRegex(pattern, value string) bool {
	re, ok := m.regexCache.Get(pattern)
	if !ok {
		if len(pattern) > maxRegexPatternLength || nestedQuantifierPattern.MatchString(pattern) {
			return false
		}
		compiled, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
		if err != nil {
			return false
		}
		compiled.MatchTimeout = m.regexTimeout
		m.regexCache.Add(pattern, compiled)
		re = compiled
	}
	matched, err := re.MatchString(value)
	if err != nil {
		// Timeout. Treat the value as unmatched rather than aborting the
		// whole evaluation.
		return false
	}
	return matched
}

// Base64OffsetPatterns returns the three base64 encodings of target, one per
// byte alignment it can occupy inside a longer encoded stream.
//
// base64DecodeContains decodes field as base64 and substring-searches target
// in the decode. Fields that do not decode never match; padded and unpadded
// encodings are both accepted.
func base64DecodeContains(field, target string) bool {
	trimmed := strings.TrimSpace(field)
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(trimmed)
		if err != nil {
			return false
		}
	}
	return strings.Contains(string(decoded), target)
}

// Base64 encodes 3 bytes into 4 characters, so a substring of the plaintext
// starts at offset 0, 1, or 2 within a 3-byte group. For each alignment the
// target is shifted right by i filler bytes before encoding; the characters
// still influenced by the filler (and by whatever follows) are trimmed away,
// leaving the exact character run any embedding of the target produces.
func Base64OffsetPatterns(target string) [3]string {
	// Characters to drop from the front for shift i: the filler bytes fully
	// or partially occupy them.
	startTrim := [3]int{0, 2, 3}
	// Characters to drop from the back depend on how many plaintext bytes
	// spill into the final group, which is (len+i) mod 3.
	endTrim := map[int]int{0: 0, 1: 3, 2: 2}

	var patterns [3]string
	raw := []byte(target)
	for i := 0; i < 3; i++ {
		shifted := append(make([]byte, i), raw...)
		encoded := base64.StdEncoding.EncodeToString(shifted)
		start := startTrim[i]
		end := len(encoded) - endTrim[(len(raw)+i)%3]
		if start > end {
			patterns[i] = ""
			continue
		}
		patterns[i] = encoded[start:end]
	}
	return patterns
}

// encodeUTF16 converts a string to its UTF-16 byte sequence in the given
// byte order, returned as a Go string so substring search works directly
// against raw event payloads.
func encodeUTF16(s string, order binary.ByteOrder) string {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		order.PutUint16(buf[i*2:], u)
	}
	return string(buf)
}

// hasGlob reports whether a plain value uses wildcard syntax.
func hasGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// globMatch matches a value against a pattern containing * (any run) and ?
// (any single byte). Iterative two-pointer matching with backtracking to the
// last star keeps it linear in practice and free of regex machinery.
func globMatch(pattern, value string) bool {
	p, v := 0, 0
	star, vStar := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			vStar = v
			p++
		case star != -1:
			p = star + 1
			vStar++
			v = vStar
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// ToString renders an event field value for comparison. Numbers format
// without exponents so rule literals like "4688" line up with numeric JSON.
func ToString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return fmt.Sprintf("%d", v)
	case int32:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
