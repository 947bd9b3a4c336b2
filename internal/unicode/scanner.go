// Package unicode detects characters that make a log line read differently
// from what the pattern matcher sees: invisible code points, bidi controls,
// tag characters, raw control bytes and Latin look-alikes.
package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Threat is one smuggling indicator found in a line.
type Threat struct {
	Category    string // "zero-width", "bidi-override", "tag-char", "control-char", "invalid-utf8", "homoglyph-*"
	Description string
	Position    int    // byte offset in the input
	Codepoint   string // e.g. "U+200B"
}

// ScanResult holds the output of a Scan.
type ScanResult struct {
	Clean   bool
	Threats []Threat
	// Sanitized is the input with invisible characters removed and
	// homoglyphs folded to their Latin counterparts.
	Sanitized string
}

// Scan inspects a line for smuggling indicators and returns a sanitized copy
// suitable for pattern matching.
func Scan(input string) ScanResult {
	result := ScanResult{Clean: true}
	var sanitized strings.Builder
	sanitized.Grow(len(input))

	for i := 0; i < len(input); {
		r, size := utf8.DecodeRuneInString(input[i:])

		if r == utf8.RuneError && size == 1 {
			result.Clean = false
			result.Threats = append(result.Threats, Threat{
				Category:    "invalid-utf8",
				Description: "Invalid UTF-8 byte sequence",
				Position:    i,
				Codepoint:   fmt.Sprintf("0x%02X", input[i]),
			})
			i++
			continue
		}

		if threat, found := classifyRune(r, i); found {
			result.Clean = false
			result.Threats = append(result.Threats, threat)
			if latin, ok := foldHomoglyph(r); ok {
				sanitized.WriteRune(latin)
			}
			i += size
			continue
		}

		sanitized.WriteRune(r)
		i += size
	}

	result.Sanitized = sanitized.String()
	return result
}

// Sanitize is Scan(input).Sanitized with a fast path for plain ASCII.
func Sanitize(input string) string {
	for i := 0; i < len(input); i++ {
		c := input[i]
		if c >= utf8.RuneSelf || (c < 0x20 && c != '\t') || c == 0x7F {
			return Scan(input).Sanitized
		}
	}
	return input
}

func classifyRune(r rune, pos int) (Threat, bool) {
	cp := fmt.Sprintf("U+%04X", r)

	switch {
	case isZeroWidth(r):
		return Threat{
			Category:    "zero-width",
			Description: fmt.Sprintf("Zero-width character %s hides content from display", cp),
			Position:    pos,
			Codepoint:   cp,
		}, true
	case isBidiOverride(r):
		return Threat{
			Category:    "bidi-override",
			Description: fmt.Sprintf("Bidirectional control %s reorders displayed text", cp),
			Position:    pos,
			Codepoint:   cp,
		}, true
	case isTagCharacter(r):
		return Threat{
			Category:    "tag-char",
			Description: fmt.Sprintf("Unicode tag character %s carries hidden text", cp),
			Position:    pos,
			Codepoint:   cp,
		}, true
	case isUnsafeControl(r):
		return Threat{
			Category:    "control-char",
			Description: fmt.Sprintf("Control character %s in log line", cp),
			Position:    pos,
			Codepoint:   cp,
		}, true
	}

	if unicode.Is(unicode.Cyrillic, r) {
		if latin, ok := cyrillicHomoglyphs[r]; ok {
			return Threat{
				Category:    "homoglyph-cyrillic",
				Description: fmt.Sprintf("Cyrillic %s looks like Latin '%c'", cp, latin),
				Position:    pos,
				Codepoint:   cp,
			}, true
		}
	}
	if unicode.Is(unicode.Greek, r) {
		if latin, ok := greekHomoglyphs[r]; ok {
			return Threat{
				Category:    "homoglyph-greek",
				Description: fmt.Sprintf("Greek %s looks like Latin '%c'", cp, latin),
				Position:    pos,
				Codepoint:   cp,
			}, true
		}
	}

	return Threat{}, false
}

func foldHomoglyph(r rune) (rune, bool) {
	if latin, ok := cyrillicHomoglyphs[r]; ok {
		return latin, true
	}
	if latin, ok := greekHomoglyphs[r]; ok {
		return latin, true
	}
	return 0, false
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // BOM
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F', // RIGHT-TO-LEFT MARK
		'\u00AD': // SOFT HYPHEN
		return true
	}
	return false
}

func isBidiOverride(r rune) bool {
	switch r {
	case '\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
		'\u2066', '\u2067', '\u2068', '\u2069':
		return true
	}
	return false
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

// isUnsafeControl reports C0/C1 controls and DEL. Tab is allowed; lines
// never contain newlines after framing.
func isUnsafeControl(r rune) bool {
	if r == '\t' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A', 'В': 'B', 'с': 'c', 'С': 'C', 'е': 'e', 'Е': 'E',
	'Н': 'H', 'і': 'i', 'І': 'I', 'К': 'K', 'М': 'M', 'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P', 'Т': 'T', 'х': 'x', 'Х': 'X', 'у': 'y', 'У': 'Y',
	'ѕ': 's', 'Ѕ': 'S', 'ј': 'j', 'Ј': 'J', 'ԁ': 'd',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'ο': 'o', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y',
	'Ζ': 'Z', 'ι': 'i', 'ν': 'v',
}
