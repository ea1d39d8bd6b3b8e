package agentbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIdempotencyKey(t *testing.T) {
	k1 := deriveIdempotencyKey("task.created", []byte(`{"n":1}`))
	assert.Len(t, k1, 64)
	assert.Equal(t, k1, deriveIdempotencyKey("task.created", []byte(`{"n":1}`)))

	// Topic and payload both contribute.
	assert.NotEqual(t, k1, deriveIdempotencyKey("task.updated", []byte(`{"n":1}`)))
	assert.NotEqual(t, k1, deriveIdempotencyKey("task.created", []byte(`{"n":2}`)))

	// The separator keeps topic/payload boundaries unambiguous.
	assert.NotEqual(t,
		deriveIdempotencyKey("a.b", []byte("c")),
		deriveIdempotencyKey("a.bc", []byte("")))
}

func TestNewEnvelope(t *testing.T) {
	env := newEnvelope("agent-1", "task.created", []byte(`{"n":1}`), publishOptions{
		correlationID: "conv-9",
		schemaID:      "task.created.v1",
	})

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "agent-1", env.ProducerID)
	assert.Equal(t, "task.created", env.Topic)
	assert.Equal(t, "conv-9", env.CorrelationID)
	assert.Equal(t, "task.created.v1", env.SchemaID)
	assert.Equal(t, 0, env.Attempt)
	assert.False(t, env.CreatedAt.IsZero())
	assert.Equal(t, deriveIdempotencyKey("task.created", []byte(`{"n":1}`)), env.IdempotencyKey)

	withKey := newEnvelope("agent-1", "task.created", nil, publishOptions{idempotencyKey: "op-1"})
	assert.Equal(t, "op-1", withKey.IdempotencyKey)
	assert.NotEqual(t, env.ID, withKey.ID)

	// No correlation ID supplied: the envelope roots its own chain.
	assert.Equal(t, withKey.ID, withKey.CorrelationID)
}
