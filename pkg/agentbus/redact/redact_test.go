package redact_test

import (
	"encoding/json"
	"testing"

	"github.com/randalmurphal/agentbus/pkg/agentbus/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyScrubsNestedPaths(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{
		TopicPattern: "orders.*",
		Paths:        []string{"customer.card.number", "customer.email"},
	})

	payload := []byte(`{"customer":{"email":"a@example.com","card":{"number":"4111","expiry":"12/29"}},"total":42}`)
	out := r.Apply("orders.created", payload)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))

	customer := doc["customer"].(map[string]any)
	assert.Equal(t, redact.Placeholder, customer["email"])

	card := customer["card"].(map[string]any)
	assert.Equal(t, redact.Placeholder, card["number"])
	assert.Equal(t, "12/29", card["expiry"])
	assert.Equal(t, float64(42), doc["total"])
}

func TestApplyMissingPathIsNoop(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{
		TopicPattern: "orders.*",
		Paths:        []string{"nonexistent.field"},
	})

	payload := []byte(`{"total":42}`)
	out := r.Apply("orders.created", payload)
	assert.JSONEq(t, `{"total":42}`, string(out))
}

func TestApplyNonJSONPayloadIsNoop(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{
		TopicPattern: "orders.*",
		Paths:        []string{"secret"},
	})

	payload := []byte("not json at all")
	out := r.Apply("orders.created", payload)
	assert.Equal(t, payload, out)
}

func TestApplyUnmatchedTopicIsNoop(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{
		TopicPattern: "billing.*",
		Paths:        []string{"secret"},
	})

	payload := []byte(`{"secret":"s3cr3t"}`)
	out := r.Apply("orders.created", payload)
	assert.JSONEq(t, `{"secret":"s3cr3t"}`, string(out))
}

func TestApplyEmptyPatternMatchesAllTopics(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{Paths: []string{"token"}})

	out := r.Apply("anything.at.all", []byte(`{"token":"abc"}`))
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(out))
}

func TestApplyDoesNotModifyInput(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{Paths: []string{"secret"}})

	payload := []byte(`{"secret":"s3cr3t"}`)
	orig := string(payload)
	_ = r.Apply("t", payload)
	assert.Equal(t, orig, string(payload))
}

func TestReplaceSwapsRules(t *testing.T) {
	r := redact.NewRedactor(redact.Rule{Paths: []string{"a"}})
	r.Replace([]redact.Rule{{Paths: []string{"b"}}})

	out := r.Apply("t", []byte(`{"a":"1","b":"2"}`))

	var doc map[string]string
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "1", doc["a"])
	assert.Equal(t, redact.Placeholder, doc["b"])
}
