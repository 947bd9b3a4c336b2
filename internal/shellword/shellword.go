// Package shellword recovers the text a shell would execute from a log line
// that embeds a command, so quote and escape tricks such as r''m or "su"do
// cannot split a word the filter is looking for.
package shellword

import (
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// maxPasses bounds how deeply quoting nested in inline scripts is undone.
const maxPasses = 3

// Unquote parses line as a bash command list and prints it back with every
// quote removed and every backslash escape resolved. Quoting inside an inline
// script (sh -c '...') surfaces one level per pass. ok is false when line
// contains nothing a shell would unquote, does not parse, or prints back
// unchanged.
func Unquote(line string) (out string, ok bool) {
	out = line
	for i := 0; i < maxPasses; i++ {
		next, changed := unquoteOnce(out)
		if !changed {
			break
		}
		out, ok = next, true
	}
	if !ok {
		return "", false
	}
	return out, true
}

func unquoteOnce(line string) (out string, ok bool) {
	if !strings.ContainsAny(line, "'\"\\`$") {
		return "", false
	}

	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(line), "")
	if err != nil || len(file.Stmts) == 0 {
		return "", false
	}

	syntax.Walk(file, func(node syntax.Node) bool {
		if w, isWord := node.(*syntax.Word); isWord {
			w.Parts = flatten(w.Parts)
		}
		return true
	})

	printer := syntax.NewPrinter()
	stmts := make([]string, 0, len(file.Stmts))
	for _, stmt := range file.Stmts {
		var sb strings.Builder
		if err := printer.Print(&sb, stmt); err != nil {
			return "", false
		}
		stmts = append(stmts, strings.TrimSpace(sb.String()))
	}

	out = strings.Join(stmts, "; ")
	if out == line {
		return "", false
	}
	return out, true
}

// flatten replaces quoted parts with the literal text they stand for.
// Expansions are kept; the walk descends into them afterwards.
func flatten(parts []syntax.WordPart) []syntax.WordPart {
	flat := make([]syntax.WordPart, 0, len(parts))
	for _, part := range parts {
		switch p := part.(type) {
		case *syntax.Lit:
			flat = append(flat, literal(p.Pos(), p.End(), unescape(p.Value)))
		case *syntax.SglQuoted:
			v := p.Value
			if p.Dollar {
				v = decodeANSIC(v)
			}
			flat = append(flat, literal(p.Pos(), p.End(), v))
		case *syntax.DblQuoted:
			flat = append(flat, flatten(p.Parts)...)
		default:
			flat = append(flat, part)
		}
	}
	return flat
}

func literal(pos, end syntax.Pos, value string) *syntax.Lit {
	return &syntax.Lit{ValuePos: pos, ValueEnd: end, Value: value}
}

// unescape drops the backslash in front of every escaped character.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// decodeANSIC resolves the escapes of a $'...' string. Sequences Go does not
// share with bash leave the value as written.
func decodeANSIC(s string) string {
	q := strings.ReplaceAll(s, `\'`, `'`)
	q = strings.ReplaceAll(q, `"`, `\"`)
	v, err := strconv.Unquote(`"` + q + `"`)
	if err != nil {
		return s
	}
	return v
}
