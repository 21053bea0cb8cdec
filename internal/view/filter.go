package view

import (
	"strings"

	"golang.org/x/text/cases"
)

// Filter selects rows by message text and level. The zero Filter matches
// everything.
type Filter struct {
	// Text is matched as a case-folded substring of the message.
	Text string
	// Levels restricts rows to these level names when non-empty.
	Levels []string
}

// Empty reports whether the filter matches every row.
func (f Filter) Empty() bool {
	return strings.TrimSpace(f.Text) == "" && len(f.Levels) == 0
}

// Matcher is a compiled Filter.
type Matcher struct {
	fold   cases.Caser
	needle string
	levels map[string]struct{}
}

// Compile prepares the filter for repeated matching.
func (f Filter) Compile() *Matcher {
	m := &Matcher{fold: cases.Fold()}
	m.needle = m.fold.String(strings.TrimSpace(f.Text))
	if len(f.Levels) > 0 {
		m.levels = make(map[string]struct{}, len(f.Levels))
		for _, level := range f.Levels {
			level = strings.ToLower(strings.TrimSpace(level))
			if level == "warning" {
				level = "warn"
			}
			if level != "" {
				m.levels[level] = struct{}{}
			}
		}
	}
	return m
}

// Match reports whether row passes the filter.
func (m *Matcher) Match(row Row) bool {
	if m.levels != nil {
		level := row.Level
		if level == "warning" {
			level = "warn"
		}
		if _, ok := m.levels[level]; !ok {
			return false
		}
	}
	if m.needle == "" {
		return true
	}
	return strings.Contains(m.fold.String(row.Message), m.needle)
}
