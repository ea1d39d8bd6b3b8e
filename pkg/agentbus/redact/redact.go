// Package redact scrubs sensitive payload fields before envelopes are
// persisted or logged.
//
// Rules name dot-notation paths inside a JSON payload; matched values are
// replaced with a fixed placeholder. Redaction is best-effort and never
// fails the publish pipeline: missing paths, non-object payloads, and
// non-JSON payloads are all no-ops.
package redact

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/randalmurphal/agentbus/pkg/agentbus/topic"
)

// Placeholder replaces redacted values.
const Placeholder = "[REDACTED]"

// Rule lists the payload paths to scrub for topics matching a pattern.
type Rule struct {
	// TopicPattern selects topics; "*" covers one segment, a trailing "*"
	// covers one or more segments, and an empty pattern matches all topics.
	TopicPattern string

	// Paths are dot-notation field paths, e.g. "customer.card.number".
	Paths []string
}

// Redactor applies redaction rules to payloads. Replace swaps the rule set
// atomically for admin updates.
type Redactor struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRedactor builds a redactor from the given rules.
func NewRedactor(rules ...Rule) *Redactor {
	r := &Redactor{}
	r.Replace(rules)
	return r
}

// Replace atomically installs a new rule set.
func (r *Redactor) Replace(rules []Rule) {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	r.mu.Lock()
	r.rules = cp
	r.mu.Unlock()
}

// Apply returns the payload with every matching path scrubbed. The input
// slice is never modified. If nothing matches or the payload is not a JSON
// object, the original payload is returned unchanged.
func (r *Redactor) Apply(topic string, payload []byte) []byte {
	paths := r.pathsFor(topic)
	if len(paths) == 0 || len(payload) == 0 {
		return payload
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}

	changed := false
	for _, p := range paths {
		if scrub(doc, strings.Split(p, ".")) {
			changed = true
		}
	}
	if !changed {
		return payload
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}

func (r *Redactor) pathsFor(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paths []string
	for _, rule := range r.rules {
		if rule.TopicPattern == "" || topic.Match(rule.TopicPattern, name) {
			paths = append(paths, rule.Paths...)
		}
	}
	return paths
}

// scrub walks doc along path and replaces the terminal value.
// Returns true if a value was replaced.
func scrub(doc map[string]any, path []string) bool {
	if len(path) == 0 {
		return false
	}
	key := path[0]
	v, ok := doc[key]
	if !ok {
		return false
	}
	if len(path) == 1 {
		doc[key] = Placeholder
		return true
	}
	child, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return scrub(child, path[1:])
}
