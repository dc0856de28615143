// Package filter implements the inventory search expressions used to select nodes.
//
// An expression is a list of space separated "path:glob" terms that must all
// match. Terms prefixed with "!" (or preceded by NOT) are negated, and OR
// separates alternative groups. "*:*" matches every node.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

// Node is anything a filter can be evaluated against
type Node interface {
	// Values returns every value stored at a dotted attribute path
	Values(path string) []string
}

// Filter represents a node filter condition
type Filter interface {
	// Match returns true if the node matches the filter condition
	Match(node Node) bool
	// String returns a human-readable description of the filter
	String() string
}

// AttributeFilter matches nodes with at least one value at Path matching Pattern
type AttributeFilter struct {
	Path    string
	Pattern string
	re      *regexp.Regexp
}

// NewAttributeFilter creates a filter for a shell-style glob over one attribute
func NewAttributeFilter(path, pattern string) (*AttributeFilter, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	return &AttributeFilter{Path: path, Pattern: pattern, re: re}, nil
}

// Match checks whether any value at the filter path matches its pattern
func (f *AttributeFilter) Match(node Node) bool {
	for _, v := range node.Values(f.Path) {
		if f.re.MatchString(v) {
			return true
		}
	}
	return false
}

// String returns a description of the attribute filter
func (f *AttributeFilter) String() string {
	return f.Path + ":" + f.Pattern
}

// NotFilter inverts another filter
type NotFilter struct {
	Filter Filter
}

// Match returns true when the wrapped filter does not match
func (f *NotFilter) Match(node Node) bool {
	return !f.Filter.Match(node)
}

// String returns a description of the negation
func (f *NotFilter) String() string {
	return "NOT " + f.Filter.String()
}

// MatchAll matches every node
type MatchAll struct{}

// Match always returns true
func (MatchAll) Match(Node) bool { return true }

// String returns the match-all expression
func (MatchAll) String() string { return "*:*" }

// CompositeFilter combines multiple filters with AND/OR logic
type CompositeFilter struct {
	Filters []Filter
	Logic   string // "AND" or "OR"
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(logic string, filters ...Filter) *CompositeFilter {
	return &CompositeFilter{
		Filters: filters,
		Logic:   strings.ToUpper(logic),
	}
}

// Match evaluates all filters with the specified logic
func (f *CompositeFilter) Match(node Node) bool {
	if len(f.Filters) == 0 {
		return true
	}

	switch f.Logic {
	case "AND":
		for _, filter := range f.Filters {
			if !filter.Match(node) {
				return false
			}
		}
		return true
	case "OR":
		for _, filter := range f.Filters {
			if filter.Match(node) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// String returns a description of the composite filter
func (f *CompositeFilter) String() string {
	if len(f.Filters) == 0 {
		return "no filters"
	}

	var descriptions []string
	for _, filter := range f.Filters {
		descriptions = append(descriptions, filter.String())
	}

	return fmt.Sprintf("(%s)", strings.Join(descriptions, " "+f.Logic+" "))
}

// Apply returns the nodes matching f, preserving order
func Apply[N Node](nodes []N, f Filter) []N {
	var matched []N
	for _, n := range nodes {
		if f.Match(n) {
			matched = append(matched, n)
		}
	}
	return matched
}

// Parse parses a search expression.
// Format: "role:web env:prod OR name:db-* !tags:retired"
func Parse(expression string) (Filter, error) {
	tokens, err := shlex.Split(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid query '%s': %w", expression, err)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty query")
	}

	var groups []Filter
	var current []Filter
	negateNext := false

	closeGroup := func() error {
		if negateNext {
			return fmt.Errorf("NOT must be followed by a term")
		}
		if len(current) == 0 {
			return fmt.Errorf("OR must separate two terms")
		}
		if len(current) == 1 {
			groups = append(groups, current[0])
		} else {
			groups = append(groups, NewCompositeFilter("AND", current...))
		}
		current = nil
		return nil
	}

	for _, tok := range tokens {
		switch strings.ToUpper(tok) {
		case "OR":
			if err := closeGroup(); err != nil {
				return nil, err
			}
			continue
		case "AND":
			continue
		case "NOT":
			negateNext = !negateNext
			continue
		}

		negate := negateNext
		negateNext = false
		for strings.HasPrefix(tok, "!") || strings.HasPrefix(tok, "-") {
			negate = !negate
			tok = tok[1:]
		}

		term, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		if negate {
			term = &NotFilter{Filter: term}
		}
		current = append(current, term)
	}

	if err := closeGroup(); err != nil {
		return nil, err
	}
	if len(groups) == 1 {
		return groups[0], nil
	}
	return NewCompositeFilter("OR", groups...), nil
}

// parseTerm parses one "path:glob" term. A term without a path matches on name.
func parseTerm(tok string) (Filter, error) {
	path, pattern, found := strings.Cut(tok, ":")
	if !found {
		path, pattern = "name", tok
	}
	if path == "" || pattern == "" {
		return nil, fmt.Errorf("invalid term '%s': expected path:pattern", tok)
	}
	if path == "*" {
		if pattern != "*" {
			return nil, fmt.Errorf("invalid term '%s': a wildcard path only matches '*'", tok)
		}
		return MatchAll{}, nil
	}
	return NewAttributeFilter(path, pattern)
}

// globToRegexp converts a shell-style wildcard into an anchored,
// case-insensitive regular expression
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.Compile("(?i)^" + quoted + "$")
}
