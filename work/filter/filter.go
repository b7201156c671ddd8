package filter

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"iptv-gateway/work/logger"
)

// Kind discriminates the supported match forms. A filter spec is either a
// plain literal, a "glob:" pattern (* and ? wildcards) or a "regexp:" pattern.
type Kind int

const (
	KindLiteral Kind = iota
	KindGlob
	KindRegexp
)

// Filter is one compiled match value. All three kinds are evaluated through
// the single Matches method so call sites never sniff prefixes themselves.
type Filter struct {
	kind    Kind
	pattern string
	re      *regexp.Regexp
}

// Compile parses a filter spec into a Filter. Prefix sniffing happens here,
// once, and nowhere else.
func Compile(spec string) (Filter, error) {
	switch {
	case strings.HasPrefix(spec, "regexp:"):
		re, err := regexp.Compile(spec[len("regexp:"):])
		if err != nil {
			return Filter{}, fmt.Errorf("invalid regexp filter %q: %w", spec, err)
		}
		return Filter{kind: KindRegexp, pattern: spec, re: re}, nil

	case strings.HasPrefix(spec, "glob:"):
		re, err := regexp.Compile(globToRegexp(spec[len("glob:"):]))
		if err != nil {
			return Filter{}, fmt.Errorf("invalid glob filter %q: %w", spec, err)
		}
		return Filter{kind: KindGlob, pattern: spec, re: re}, nil

	default:
		return Filter{kind: KindLiteral, pattern: spec}, nil
	}
}

// CompileAll compiles a list of filter specs. Invalid entries are logged and
// skipped rather than aborting, matching how malformed config fragments are
// treated elsewhere.
func CompileAll(specs []string) []Filter {
	filters := make([]Filter, 0, len(specs))
	for _, spec := range specs {
		f, err := Compile(spec)
		if err != nil {
			logger.Error("skipping filter: %v", err)
			continue
		}
		filters = append(filters, f)
	}
	return filters
}

// Matches reports whether the value satisfies this filter.
func (f Filter) Matches(value string) bool {
	switch f.kind {
	case KindLiteral:
		return f.pattern == value
	default:
		return f.re.MatchString(value)
	}
}

// Kind returns the discriminator of this filter.
func (f Filter) Kind() Kind { return f.kind }

// MatchAny reports whether any filter in the list matches the value.
func MatchAny(filters []Filter, value string) bool {
	for _, f := range filters {
		if f.Matches(value) {
			return true
		}
	}
	return false
}

// globToRegexp translates a glob pattern (* and ? wildcards) into an anchored
// regular expression. Everything else is matched literally.
func globToRegexp(glob string) string {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return sb.String()
}

// UserFilters holds a user's compiled channel and category allow/deny lists.
type UserFilters struct {
	ChannelWhitelist  []Filter
	ChannelBlacklist  []Filter
	CategoryWhitelist []Filter
	CategoryBlacklist []Filter
}

// CompileUserFilters compiles the four filter lists of a user definition.
func CompileUserFilters(chWhite, chBlack, catWhite, catBlack []string) *UserFilters {
	return &UserFilters{
		ChannelWhitelist:  CompileAll(chWhite),
		ChannelBlacklist:  CompileAll(chBlack),
		CategoryWhitelist: CompileAll(catWhite),
		CategoryBlacklist: CompileAll(catBlack),
	}
}

// Allows reports whether a channel with the given name and groups is visible
// to the user. Blacklists win over whitelists; an empty whitelist allows
// everything not blacklisted.
func (uf *UserFilters) Allows(name string, groups []string) bool {
	if uf == nil {
		return true
	}

	if MatchAny(uf.ChannelBlacklist, name) {
		return false
	}
	for _, g := range groups {
		if MatchAny(uf.CategoryBlacklist, g) {
			return false
		}
	}

	if len(uf.ChannelWhitelist) > 0 && !MatchAny(uf.ChannelWhitelist, name) {
		return false
	}
	if len(uf.CategoryWhitelist) > 0 {
		matched := false
		for _, g := range groups {
			if MatchAny(uf.CategoryWhitelist, g) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// CompileGroupFilters compiles a provider's regex allow-list over channel
// groups. Invalid patterns are logged and skipped.
func CompileGroupFilters(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logger.Error("skipping group filter %q: %v", pattern, err)
			continue
		}
		compiled = append(compiled, re)
	}
	return compiled
}

// GroupsMatch reports whether any group matches any of the compiled filters.
// With no filters configured every channel passes.
func GroupsMatch(filters []*regexp.Regexp, groups []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, g := range groups {
		for _, re := range filters {
			if re.MatchString(g) {
				return true
			}
		}
	}
	return false
}
