// Package acl enforces topic-level authorization for bus actions.
//
// Policies map a topic (exact name or trailing-wildcard pattern such as
// "orders.*") to the sets of agent identities allowed to publish or
// subscribe. Lookup prefers an exact topic match, then the most specific
// matching wildcard. A topic with no matching policy denies every action.
package acl

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/randalmurphal/agentbus/pkg/agentbus/topic"
)

// ErrDenied is returned when no policy permits the requested action.
var ErrDenied = errors.New("permission denied")

// Action is a bus operation subject to authorization.
type Action int

const (
	// ActionPublish is the right to publish envelopes to a topic.
	ActionPublish Action = iota
	// ActionSubscribe is the right to receive envelopes from a topic.
	ActionSubscribe
)

// String returns the action name for logs and errors.
func (a Action) String() string {
	switch a {
	case ActionPublish:
		return "publish"
	case ActionSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Policy grants publish and subscribe rights on one topic or topic pattern.
//
// Identity entries may be exact agent IDs, trailing-wildcard patterns
// ("billing.*"), or "*" for any agent. An empty set grants nothing.
type Policy struct {
	Topic            string
	AllowedProducers []string
	AllowedConsumers []string
}

// Enforcer answers authorization questions against an immutable policy
// snapshot. Replace swaps the snapshot atomically so admin updates take
// effect on the next check without locking out readers.
type Enforcer struct {
	mu       sync.RWMutex
	exact    map[string]*Policy
	wildcard []*Policy // sorted most-specific first
}

// NewEnforcer builds an enforcer from the given policies.
func NewEnforcer(policies ...Policy) *Enforcer {
	e := &Enforcer{}
	e.Replace(policies)
	return e
}

// Replace atomically installs a new policy set, discarding the old one.
func (e *Enforcer) Replace(policies []Policy) {
	exact := make(map[string]*Policy, len(policies))
	var wildcard []*Policy

	for i := range policies {
		p := policies[i]
		if topic.IsPattern(p.Topic) {
			wildcard = append(wildcard, &p)
		} else {
			exact[p.Topic] = &p
		}
	}

	// Most literal segments first so the most specific pattern wins.
	sort.SliceStable(wildcard, func(i, j int) bool {
		return topic.Specificity(wildcard[i].Topic) > topic.Specificity(wildcard[j].Topic)
	})

	e.mu.Lock()
	e.exact = exact
	e.wildcard = wildcard
	e.mu.Unlock()
}

// Allowed reports whether agentID may perform action on topic.
// Absence of a matching policy denies the action.
func (e *Enforcer) Allowed(action Action, agentID, topic string) bool {
	if agentID == "" || topic == "" {
		return false
	}

	p := e.lookup(topic)
	if p == nil {
		return false
	}

	switch action {
	case ActionPublish:
		return identityMatch(p.AllowedProducers, agentID)
	case ActionSubscribe:
		return identityMatch(p.AllowedConsumers, agentID)
	default:
		return false
	}
}

// Authorize is Allowed with an error result, for callers that thread errors.
func (e *Enforcer) Authorize(action Action, agentID, topic string) error {
	if !e.Allowed(action, agentID, topic) {
		return ErrDenied
	}
	return nil
}

// lookup finds the governing policy: exact topic first, then the most
// specific wildcard pattern.
func (e *Enforcer) lookup(name string) *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.exact[name]; ok {
		return p
	}
	for _, p := range e.wildcard {
		if topic.Match(p.Topic, name) {
			return p
		}
	}
	return nil
}

// identityMatch reports whether agentID is covered by any entry in set.
func identityMatch(set []string, agentID string) bool {
	for _, entry := range set {
		if entry == "*" || entry == agentID {
			return true
		}
		if strings.HasSuffix(entry, ".*") && topic.Match(entry, agentID) {
			return true
		}
	}
	return false
}
