// Package resolver maps stock-site URLs to a (site, stock id) pair using an ordered,
// first-match-wins rule list.
package resolver

import (
	"errors"
	"regexp"
	"strings"
)

// maxURLLength bounds the input handed to the rule patterns.
const maxURLLength = 2048

// ErrNotSupported is returned when no rule matches the URL.
var ErrNotSupported = errors.New("site not supported")

// Match is the result of a successful resolve.
type Match struct {
	Site    string `json:"site"`
	StockID string `json:"stock_id"`
}

// Rule pairs a matcher with an extractor. Exclude stands in for a negative look-around:
// the rule only applies when Pattern matches and Exclude does not.
type Rule struct {
	Site    string
	Pattern *regexp.Regexp
	Exclude *regexp.Regexp
	// Groups are the capture groups joined (with Join) into the stock id.
	Groups []int
	Join   string
}

// Extract runs the rule against u. ok is false when the rule does not apply.
func (r Rule) Extract(u string) (string, bool) {
	m := r.Pattern.FindStringSubmatch(u)
	if m == nil {
		return "", false
	}
	if r.Exclude != nil && r.Exclude.MatchString(u) {
		return "", false
	}
	parts := make([]string, 0, len(r.Groups))
	for _, g := range r.Groups {
		if g <= 0 || g >= len(m) || m[g] == "" {
			return "", false
		}
		parts = append(parts, m[g])
	}
	return strings.Join(parts, r.Join), true
}

// Resolver evaluates rules in order. It holds no mutable state and is safe for concurrent use.
type Resolver struct {
	rules []Rule
}

// New returns a Resolver over a copy of rules, kept in the given priority order.
func New(rules []Rule) *Resolver {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Resolver{rules: cp}
}

// Resolve returns the first matching rule's site and extracted stock id.
func (r *Resolver) Resolve(raw string) (Match, error) {
	u := strings.TrimSpace(raw)
	if u == "" || len(u) > maxURLLength {
		return Match{}, ErrNotSupported
	}
	for _, rule := range r.rules {
		if id, ok := rule.Extract(u); ok {
			return Match{Site: rule.Site, StockID: id}, nil
		}
	}
	return Match{}, ErrNotSupported
}

// Rules returns the number of rules, mostly for logging at startup.
func (r *Resolver) Rules() int {
	return len(r.rules)
}
