// This file implements key pattern matching for bulk invalidation.
//
// Pattern syntax:
//   - Exact: "user:123" matches only "user:123"
//   - Prefix: "users:*" matches "users:123", "users:abc", etc.
//   - Glob: "user:*:profile" matches "user:123:profile", "?" matches one character
//   - "*" matches every key
//
// Design Notes:
//   - Patterns are compiled once into a KeyPattern; exact and prefix patterns
//     never touch the regexp engine
//   - Glob patterns compile to an anchored regexp with every other character
//     escaped, so user input cannot inject regexp syntax
//
// Trade-offs:
//   - Matching a pattern against the whole key space is O(n) in keys; the
//     index has no ordered key structure to narrow prefix scans
package utils

import (
	"fmt"
	"regexp"
	"strings"
)

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternAll
	patternGlob
)

// KeyPattern is a compiled key pattern. The zero value matches nothing.
type KeyPattern struct {
	source string
	kind   patternKind
	prefix string
	re     *regexp.Regexp
}

// CompilePattern parses a pattern string.
func CompilePattern(pattern string) (KeyPattern, error) {
	if pattern == "" {
		return KeyPattern{}, fmt.Errorf("pattern cannot be empty")
	}

	p := KeyPattern{source: pattern}
	wildcards := strings.ContainsAny(pattern, "*?")
	switch {
	case pattern == "*":
		p.kind = patternAll
	case !wildcards:
		p.kind = patternExact
	case strings.HasSuffix(pattern, "*") && !strings.ContainsAny(pattern[:len(pattern)-1], "*?"):
		p.kind = patternPrefix
		p.prefix = pattern[:len(pattern)-1]
	default:
		re, err := regexp.Compile("^" + globToRegex(pattern) + "$")
		if err != nil {
			return KeyPattern{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		p.kind = patternGlob
		p.re = re
	}
	return p, nil
}

// Match reports whether key matches the pattern.
// Complexity: O(len(prefix)) for exact/prefix patterns, O(len(key)) for globs.
func (p KeyPattern) Match(key string) bool {
	switch p.kind {
	case patternAll:
		return true
	case patternExact:
		return p.source != "" && key == p.source
	case patternPrefix:
		return strings.HasPrefix(key, p.prefix)
	case patternGlob:
		return p.re.MatchString(key)
	}
	return false
}

// String returns the source pattern.
func (p KeyPattern) String() string {
	return p.source
}

// FilterKeys returns the keys matching pattern, preserving input order.
func FilterKeys(pattern string, keys []string) ([]string, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(keys)/10)
	for _, key := range keys {
		if p.Match(key) {
			result = append(result, key)
		}
	}
	return result, nil
}

// globToRegex converts a glob pattern to regexp syntax.
//
// Example: "user:*:profile" -> "user:.*:profile"
func globToRegex(pattern string) string {
	var result strings.Builder
	result.Grow(len(pattern) * 2)

	for _, part := range strings.SplitAfter(pattern, "") {
		switch part {
		case "*":
			result.WriteString(".*")
		case "?":
			result.WriteString(".")
		default:
			result.WriteString(regexp.QuoteMeta(part))
		}
	}
	return result.String()
}
