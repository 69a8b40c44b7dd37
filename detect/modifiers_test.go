package detect

import (
	"encoding/base64"
	"strings"
	"testing"
)

func newTestModifiers(t *testing.T) *ModifierSet {
	t.Helper()
	return NewModifierSet(0, 0)
}

// match is a test shim that lowers both sides the way the compiler and
// matcher do before calling Match.
func match(m *ModifierSet, modifier, pattern, field string) bool {
	return m.Match(modifier, pattern, strings.ToLower(pattern), field, strings.ToLower(field))
}

func TestMatchPlainComparisons(t *testing.T) {
	m := newTestModifiers(t)

	cases := []struct {
		name     string
		modifier string
		pattern  string
		field    string
		want     bool
	}{
		{"equals exact", ModifierEquals, "cmd.exe", "cmd.exe", true},
		{"equals case-insensitive", ModifierEquals, "cmd.exe", "CMD.EXE", true},
		{"equals mixed case pattern", ModifierEquals, "CMD.exe", "cmd.EXE", true},
		{"equals mismatch", ModifierEquals, "cmd.exe", "powershell.exe", false},
		{"contains", ModifierContains, "-enc", "powershell.exe -Enc SQBFAFgA", true},
		{"contains case-insensitive", ModifierContains, "ENCODEDCOMMAND", "powershell -EncodedCommand x", true},
		{"contains miss", ModifierContains, "-enc", "powershell.exe -File x.ps1", false},
		{"startswith", ModifierStartsWith, `c:\windows`, `C:\Windows\System32\cmd.exe`, true},
		{"startswith miss", ModifierStartsWith, "cmd", `C:\Windows\cmd.exe`, false},
		{"endswith", ModifierEndsWith, `\cmd.exe`, `C:\Windows\System32\CMD.EXE`, true},
		{"endswith miss", ModifierEndsWith, ".dll", `C:\Windows\cmd.exe`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := match(m, tc.modifier, tc.pattern, tc.field); got != tc.want {
				t.Errorf("Match(%s, %q, %q) = %v, want %v", tc.modifier, tc.pattern, tc.field, got, tc.want)
			}
		})
	}
}

func TestMatchGlobValues(t *testing.T) {
	m := newTestModifiers(t)

	cases := []struct {
		pattern string
		field   string
		want    bool
	}{
		{`*\cmd.exe`, `C:\Windows\System32\cmd.exe`, true},
		{`c:\*\cmd.exe`, `C:\Windows\cmd.exe`, true},
		{`c:\*\cmd.exe`, `D:\Windows\cmd.exe`, false},
		{"cmd.???", "cmd.exe", true},
		{"cmd.???", "cmd.com1", false},
		{"*", "anything", true},
		{"*mimi*katz*", "x-MIMIkatz-y", true},
		{"*mimi*katz*", "x-katz-mimi-y", false},
	}
	for _, tc := range cases {
		if got := match(m, ModifierEquals, tc.pattern, tc.field); got != tc.want {
			t.Errorf("glob %q vs %q = %v, want %v", tc.pattern, tc.field, got, tc.want)
		}
	}
}

func TestMatchRegex(t *testing.T) {
	m := newTestModifiers(t)

	if !match(m, ModifierRegex, `powershell.*-enc`, "POWERSHELL.exe -Enc abc") {
		t.Error("regex should match case-insensitively")
	}
	if match(m, ModifierRegex, `^cmd$`, "cmd.exe") {
		t.Error("anchored regex matched a longer value")
	}
	if match(m, ModifierRegex, `[unclosed`, "anything") {
		t.Error("invalid pattern should read as no match")
	}
}

func TestMatchRegexCacheReuse(t *testing.T) {
	m := newTestModifiers(t)
	pattern := `\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`
	for i := 0; i < 3; i++ {
		if !match(m, ModifierRegex, pattern, "src=10.0.0.5 dst=8.8.8.8") {
			t.Fatal("regex failed on cached iteration")
		}
	}
	if m.regexCache.Len() != 1 {
		t.Errorf("cache holds %d entries, want 1", m.regexCache.Len())
	}
}

func TestValidateRegexPattern(t *testing.T) {
	if err := ValidateRegexPattern(`powershell.*-enc`); err != nil {
		t.Errorf("sane pattern rejected: %v", err)
	}
	if err := ValidateRegexPattern(strings.Repeat("a", 501)); err == nil {
		t.Error("pattern over 500 bytes accepted")
	}
	for _, pattern := range []string{`(a+)+b`, `(\w*)*x`, `(ab+)*c`, `(x+){3}`} {
		if err := ValidateRegexPattern(pattern); err == nil {
			t.Errorf("nested quantifier %q accepted", pattern)
		}
	}
	if err := ValidateRegexPattern(`[unclosed`); err == nil {
		t.Error("uncompilable pattern accepted")
	}
}

func TestMatchBase64(t *testing.T) {
	m := newTestModifiers(t)

	field := base64.StdEncoding.EncodeToString([]byte("cmd /c Invoke-Mimikatz now"))
	if !match(m, ModifierBase64, "Invoke-Mimikatz", field) {
		t.Error("base64 modifier missed target inside the decoded field")
	}
	if match(m, ModifierBase64, "Invoke-Mimikatz", base64.StdEncoding.EncodeToString([]byte("cmd /c echo plain"))) {
		t.Error("base64 modifier matched a decode without the target")
	}
	if match(m, ModifierBase64, "Invoke-Mimikatz", "not base64 at all!") {
		t.Error("base64 modifier matched an undecodable field")
	}
}

func TestMatchBase64UnalignedTarget(t *testing.T) {
	m := newTestModifiers(t)

	// The target starts at byte offset 1 of the plaintext, so encoding the
	// target on its own would never appear in the field. Decoding the field
	// finds it regardless of alignment.
	field := base64.StdEncoding.EncodeToString([]byte("Xcmd"))
	if !match(m, ModifierBase64, "cmd", field) {
		t.Error("base64 modifier missed a target at non-zero byte alignment")
	}

	// Unpadded encodings decode the same way.
	if !match(m, ModifierBase64, "cmd", base64.RawStdEncoding.EncodeToString([]byte("Xcmd"))) {
		t.Error("base64 modifier missed target in an unpadded encoding")
	}
}

func TestBase64OffsetAllAlignments(t *testing.T) {
	m := newTestModifiers(t)
	target := "Invoke-Mimikatz"

	// The target must be found regardless of how many bytes precede it in
	// the plaintext that was encoded.
	for shift := 0; shift < 3; shift++ {
		plain := strings.Repeat("x", shift) + target + "trailing"
		field := base64.StdEncoding.EncodeToString([]byte(plain))
		if !match(m, ModifierBase64Offset, target, field) {
			t.Errorf("base64offset missed target at alignment %d", shift)
		}
	}

	if match(m, ModifierBase64Offset, target, base64.StdEncoding.EncodeToString([]byte("nothing here"))) {
		t.Error("base64offset matched an unrelated payload")
	}
}

func TestBase64OffsetPatternsDistinct(t *testing.T) {
	patterns := Base64OffsetPatterns("mimikatz")
	seen := map[string]bool{}
	for i, p := range patterns {
		if p == "" {
			t.Errorf("alignment %d produced empty pattern", i)
			continue
		}
		if seen[p] {
			t.Errorf("alignment %d duplicates another pattern %q", i, p)
		}
		seen[p] = true
	}
}

func TestMatchUTF16(t *testing.T) {
	m := newTestModifiers(t)

	le := "c\x00m\x00d\x00"
	be := "\x00c\x00m\x00d"

	if !match(m, ModifierUTF16LE, "cmd", "prefix"+le+"suffix") {
		t.Error("utf16le missed little-endian target")
	}
	if !match(m, ModifierWide, "cmd", "prefix"+le+"suffix") {
		t.Error("wide missed little-endian target")
	}
	if !match(m, ModifierUTF16BE, "cmd", "prefix"+be+"suffix") {
		t.Error("utf16be missed big-endian target")
	}
	if match(m, ModifierUTF16LE, "cmd", "prefix cmd suffix") {
		t.Error("utf16le matched plain ASCII")
	}
}

func TestMatchWindash(t *testing.T) {
	m := newTestModifiers(t)
	// EN DASH in the event, ASCII hyphen in the rule.
	if !match(m, ModifierWindash, "-executionpolicy", "\u2013ExecutionPolicy") {
		t.Error("windash failed to fold EN DASH")
	}
	if match(m, ModifierWindash, "-executionpolicy", "ExecutionPolicy") {
		t.Error("windash matched with no dash at all")
	}
}

func TestKnownModifier(t *testing.T) {
	for _, name := range []string{"contains", "RE", "base64offset", "all", "exists", "wide"} {
		if !KnownModifier(name) {
			t.Errorf("KnownModifier(%q) = false", name)
		}
	}
	if KnownModifier("frobnicate") {
		t.Error("KnownModifier accepted an unknown name")
	}
}
