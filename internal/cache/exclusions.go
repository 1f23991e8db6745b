package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList keeps selected models out of the response cache. Rules come
// from CACHE_EXCLUDE_EXACT (model names) and CACHE_EXCLUDE_PATTERNS (regular
// expressions) and are tested against the translated upstream model name,
// i.e. after the default-model substitution, so excluding "gpt-3.5-turbo"
// also covers requests that never named a model.
//
// A nil *ExclusionList never matches.
type ExclusionList struct {
	names    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList builds an ExclusionList from the two config lists. Empty
// entries are skipped; a pattern that fails to compile aborts startup so a
// typo cannot silently disable the rule.
func NewExclusionList(names, patterns []string) (*ExclusionList, error) {
	el := &ExclusionList{names: make(map[string]struct{}, len(names))}

	for _, name := range names {
		if name == "" {
			continue
		}
		el.names[name] = struct{}{}
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

// Matches reports whether replies for model must bypass the cache. Name
// rules are checked before patterns; matching is case-sensitive, the same
// way the upstream treats model IDs.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.names[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len counts the configured rules across both kinds.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.names) + len(el.patterns)
}
