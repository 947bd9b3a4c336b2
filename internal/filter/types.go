package filter

import (
	"errors"
	"strings"
)

// ErrInvalidPattern is wrapped by every pattern compilation failure.
var ErrInvalidPattern = errors.New("invalid filter pattern")

// Domain names a preset bundle of patterns tuned to one operating context.
type Domain string

const (
	DomainTrading    Domain = "trading"
	DomainDeployment Domain = "deployment"
	DomainDatabase   Domain = "database"
	DomainGeneral    Domain = "general"

	// DefaultDomain is used when no domain, or an unknown one, is configured.
	// The trading preset is the historical flat pattern list.
	DefaultDomain = DomainTrading
)

// Domains lists the preset names in a stable order.
func Domains() []Domain {
	return []Domain{DomainTrading, DomainDeployment, DomainDatabase, DomainGeneral}
}

// ResolveDomain maps a configured name onto a preset. The second return is
// false when the name was empty or unknown and DefaultDomain was chosen.
func ResolveDomain(name string) (Domain, bool) {
	d := Domain(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := domainPresets[d]; ok {
		return d, true
	}
	return DefaultDomain, false
}

// Config is the user-facing filter configuration.
type Config struct {
	// Domain selects one preset; empty or unknown falls back to DefaultDomain.
	Domain string `yaml:"domain,omitempty"`
	// Patterns are appended to the essential and domain tiers.
	Patterns []string `yaml:"patterns,omitempty"`
	// Exclude patterns whitelist a line before any suspicion check.
	Exclude []string `yaml:"exclude,omitempty"`
}

// Tier identifies which layer a pattern belongs to.
type Tier string

const (
	TierEssential Tier = "essential"
	TierDomain    Tier = "domain"
	TierCustom    Tier = "custom"
	TierExclude   Tier = "exclude"
)

// Verdict explains a single classification for diagnostics.
type Verdict struct {
	Suspicious bool
	// Tier and Pattern identify the first pattern that decided the verdict;
	// both are empty for a line no pattern matched.
	Tier    Tier
	Pattern string
	// Sanitized is the text the patterns were evaluated against.
	Sanitized string
	// Unquoted is set when only the shell-unquoted form of the line matched.
	Unquoted string
}
