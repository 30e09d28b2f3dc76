// Package allowlist restricts stream ingestion to monitored airports.
package allowlist

import "strings"

// Policy admits notices whose entity is on the list. An empty policy admits
// everything.
type Policy struct {
	entities map[string]struct{}
}

// New creates a Policy from entity designators. Entries are trimmed and
// uppercased; blanks are ignored.
func New(entities ...string) *Policy {
	p := &Policy{entities: make(map[string]struct{}, len(entities))}
	for _, e := range entities {
		e = normalize(e)
		if e == "" {
			continue
		}
		p.entities[e] = struct{}{}
	}
	return p
}

// FromDesignators keeps only 4-letter ICAO designators, the convention of the
// source manifest.
func FromDesignators(designators []string) *Policy {
	kept := make([]string, 0, len(designators))
	for _, d := range designators {
		if d = normalize(d); len(d) == 4 {
			kept = append(kept, d)
		}
	}
	return New(kept...)
}

// Enabled reports whether the policy filters anything.
func (p *Policy) Enabled() bool {
	return p != nil && len(p.entities) > 0
}

// Allow reports whether entity may be ingested.
func (p *Policy) Allow(entity string) bool {
	if !p.Enabled() {
		return true
	}
	_, ok := p.entities[normalize(entity)]
	return ok
}

// Len returns the number of monitored entities.
func (p *Policy) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entities)
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
