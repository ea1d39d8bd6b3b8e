// Package schema fetches and caches message schemas from an external
// registry.
//
// The registry is a plain HTTP collaborator: GET {base}/schema/{id}
// returns a schema document with a version. The client keeps a TTL-bounded
// cache with least-recently-used eviction; when the registry is
// unreachable it serves the last-known entry even if stale, and only
// fails with ErrUnavailable when nothing cached exists.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the registry cannot be reached and no
// cached schema exists. Transient: callers may retry.
var ErrUnavailable = errors.New("schema unavailable")

// Schema describes the shape expected of payloads on a topic.
type Schema struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Comment string `json:"comment,omitempty"`

	// Required lists top-level fields a payload object must carry.
	Required []string `json:"required,omitempty"`
}

// Validate checks a payload against the schema. Payloads must be JSON;
// when Required is non-empty they must be JSON objects carrying every
// required field.
func (s *Schema) Validate(payload []byte) error {
	if len(payload) == 0 {
		if len(s.Required) == 0 {
			return nil
		}
		return fmt.Errorf("schema %s: empty payload, required fields %v", s.ID, s.Required)
	}

	if len(s.Required) == 0 {
		if !json.Valid(payload) {
			return fmt.Errorf("schema %s: payload is not valid JSON", s.ID)
		}
		return nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("schema %s: payload is not a JSON object: %w", s.ID, err)
	}
	for _, field := range s.Required {
		if _, ok := doc[field]; !ok {
			return fmt.Errorf("schema %s: missing required field %q", s.ID, field)
		}
	}
	return nil
}
