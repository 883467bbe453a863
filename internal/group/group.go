// Package group compiles named request-predicate groups into boolean
// request filters used to scope pipeline stages.
package group

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gatewd/gatewd/internal/config"
)

// Predicate matches a request when every stated field matches.
type Predicate struct {
	method string
	url    *regexp.Regexp
}

// Matches reports whether the request satisfies the predicate.
// Predicates are pure functions of the request.
func (p *Predicate) Matches(r *http.Request) bool {
	if p.method != "" && !strings.EqualFold(p.method, r.Method) {
		return false
	}
	if p.url != nil && !p.url.MatchString(r.URL.Path) {
		return false
	}
	return true
}

// Group is a compiled named set of predicates. A group matches a
// request when any of its predicates matches.
type Group struct {
	Name       string
	predicates []*Predicate
}

// Matches reports whether any predicate of the group matches.
func (g *Group) Matches(r *http.Request) bool {
	for _, p := range g.predicates {
		if p.Matches(r) {
			return true
		}
	}
	return false
}

// Filter is a compiled allow filter over one or more groups.
type Filter func(r *http.Request) bool

// Matcher holds the compiled groups of one API.
type Matcher struct {
	byName map[string]*Group
}

// NewMatcher compiles the group definitions. Path regexes are anchored
// at the start of the request path.
func NewMatcher(groups []config.GroupConfig) (*Matcher, error) {
	m := &Matcher{byName: make(map[string]*Group, len(groups))}

	for _, gc := range groups {
		g := &Group{Name: gc.Name}
		for _, pc := range gc.Predicates {
			p := &Predicate{method: pc.Method}
			if pc.URL != "" {
				expr := pc.URL
				if !strings.HasPrefix(expr, "^") {
					expr = "^" + expr
				}
				re, err := regexp.Compile(expr)
				if err != nil {
					return nil, fmt.Errorf("group %s: %w", gc.Name, err)
				}
				p.url = re
			}
			g.predicates = append(g.predicates, p)
		}
		m.byName[gc.Name] = g
	}

	return m, nil
}

// Filter returns the resolved groups for the given names, preserving
// order and dropping unknown names. Used for logging which groups gate
// a stage.
func (m *Matcher) Filter(names []string) []*Group {
	resolved := make([]*Group, 0, len(names))
	for _, name := range names {
		if g, ok := m.byName[name]; ok {
			resolved = append(resolved, g)
		}
	}
	return resolved
}

// AllowFilter compiles the union of predicates across the named groups
// into one closure: the filter accepts a request iff any named group
// matches it. Empty names return a nil filter, meaning the stage
// applies unconditionally.
func (m *Matcher) AllowFilter(names []string) Filter {
	if len(names) == 0 {
		return nil
	}

	groups := m.Filter(names)
	return func(r *http.Request) bool {
		for _, g := range groups {
			if g.Matches(r) {
				return true
			}
		}
		return false
	}
}
