// Package filter is the fast pre-classification stage. It decides whether a
// log line is obviously safe or needs a model's review, using one combined
// RE2 automaton for the essential, domain and custom tiers and a second one
// for the exclude (whitelist) tier. A line that embeds a quoted shell command
// is also matched with its quoting removed.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cluster-127/tripwired/internal/shellword"
	unicheck "github.com/cluster-127/tripwired/internal/unicode"
)

type compiledPattern struct {
	tier   Tier
	source string
	re     *regexp.Regexp
}

// Filter is immutable after New and safe for concurrent use.
type Filter struct {
	domain     Domain
	suspicious *regexp.Regexp
	exclude    *regexp.Regexp // nil when no exclusions are configured

	// per-pattern copies for Explain; never used on the hot path
	suspiciousPatterns []compiledPattern
	excludePatterns    []compiledPattern
}

// New compiles a Config. Any pattern that does not compile makes New fail;
// a filter is never built from a partial pattern set.
func New(cfg Config) (*Filter, error) {
	domain, _ := ResolveDomain(cfg.Domain)

	f := &Filter{domain: domain}

	var suspicious []compiledPattern
	for _, group := range []struct {
		tier     Tier
		patterns []string
		fold     bool
	}{
		{TierEssential, essentialPatterns, false},
		{TierDomain, domainPresets[domain], false},
		{TierCustom, cfg.Patterns, true},
	} {
		compiled, err := compileTier(group.tier, group.patterns, group.fold)
		if err != nil {
			return nil, err
		}
		suspicious = append(suspicious, compiled...)
	}

	combined, err := combine(suspicious)
	if err != nil {
		return nil, err
	}
	f.suspicious = combined
	f.suspiciousPatterns = suspicious

	if len(cfg.Exclude) > 0 {
		excludes, err := compileTier(TierExclude, cfg.Exclude, true)
		if err != nil {
			return nil, err
		}
		for _, p := range excludes {
			if matchesAnything(p.re) {
				return nil, fmt.Errorf("%w: exclude pattern %q matches every line", ErrInvalidPattern, p.source)
			}
		}
		combinedExclude, err := combine(excludes)
		if err != nil {
			return nil, err
		}
		f.exclude = combinedExclude
		f.excludePatterns = excludes
	}

	return f, nil
}

// matchesAnything reports whether re accepts the empty line or every
// essential canary, either of which would switch the filter off.
func matchesAnything(re *regexp.Regexp) bool {
	if re.MatchString("") {
		return true
	}
	for _, line := range essentialCanaries {
		if !re.MatchString(line) {
			return false
		}
	}
	return true
}

// MustNew is New for built-in configurations known to compile.
func MustNew(cfg Config) *Filter {
	f, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return f
}

// IsSuspicious reports whether the line needs classification. Exclusions are
// checked first and win over every other tier.
func (f *Filter) IsSuspicious(line string) bool {
	text := unicheck.Sanitize(line)
	if f.exclude != nil && f.exclude.MatchString(text) {
		return false
	}
	if f.suspicious.MatchString(text) {
		return true
	}
	if unquoted, ok := shellword.Unquote(text); ok {
		return f.suspicious.MatchString(unquoted)
	}
	return false
}

// Explain is IsSuspicious with the deciding tier and pattern attached.
func (f *Filter) Explain(line string) Verdict {
	text := unicheck.Sanitize(line)
	v := Verdict{Sanitized: text}

	if f.exclude != nil && f.exclude.MatchString(text) {
		v.Tier, v.Pattern = firstMatch(f.excludePatterns, text)
		return v
	}

	if f.suspicious.MatchString(text) {
		v.Suspicious = true
		v.Tier, v.Pattern = firstMatch(f.suspiciousPatterns, text)
		return v
	}

	if unquoted, ok := shellword.Unquote(text); ok && f.suspicious.MatchString(unquoted) {
		v.Suspicious = true
		v.Unquoted = unquoted
		v.Tier, v.Pattern = firstMatch(f.suspiciousPatterns, unquoted)
	}
	return v
}

func firstMatch(patterns []compiledPattern, text string) (Tier, string) {
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p.tier, p.source
		}
	}
	return "", ""
}

// Domain returns the active preset.
func (f *Filter) Domain() Domain { return f.domain }

// PatternCount returns the number of suspicion and exclusion patterns.
func (f *Filter) PatternCount() (suspicious, exclude int) {
	return len(f.suspiciousPatterns), len(f.excludePatterns)
}

// compileTier compiles each pattern on its own so an error can name the
// offending pattern. User patterns (fold=true) are case-insensitive.
func compileTier(tier Tier, patterns []string, fold bool) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(patterns))
	for i, src := range patterns {
		if strings.TrimSpace(src) == "" {
			return nil, fmt.Errorf("%w: %s pattern #%d is empty", ErrInvalidPattern, tier, i+1)
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %s pattern #%d %q: %v", ErrInvalidPattern, tier, i+1, src, err)
		}
		if fold {
			re = regexp.MustCompile("(?i:" + src + ")")
		}
		out = append(out, compiledPattern{tier: tier, source: src, re: re})
	}
	return out, nil
}

// combine joins patterns into one alternation so a match is a single pass
// over the line.
func combine(patterns []compiledPattern) (*regexp.Regexp, error) {
	parts := make([]string, len(patterns))
	for i, p := range patterns {
		parts[i] = "(?:" + p.re.String() + ")"
	}
	re, err := regexp.Compile(strings.Join(parts, "|"))
	if err != nil {
		return nil, fmt.Errorf("%w: combining patterns: %v", ErrInvalidPattern, err)
	}
	return re, nil
}
