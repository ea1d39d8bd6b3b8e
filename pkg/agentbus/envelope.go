package agentbus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of delivery: an opaque payload plus the routing and
// tracking metadata the bus needs. Payloads are treated as bytes; when a
// schema is attached they must be JSON.
type Envelope struct {
	// ID is the bus-assigned message identifier, unique per accepted publish.
	ID string `json:"id"`

	// Topic is the dot-separated channel the envelope was published to.
	Topic string `json:"topic"`

	// Payload as accepted: redaction has already been applied.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ProducerID identifies the publishing agent.
	ProducerID string `json:"producer_id"`

	// CorrelationID threads an envelope to the conversation that caused it.
	// Defaults to the envelope's own ID when the producer supplies none.
	CorrelationID string `json:"correlation_id"`

	// IdempotencyKey identifies the logical event. Duplicate publishes with
	// the same key on the same topic within the dedupe window are
	// acknowledged without redelivery.
	IdempotencyKey string `json:"idempotency_key"`

	// SchemaID names the registry schema the payload was validated against,
	// empty when the publish carried none.
	SchemaID string `json:"schema_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Attempt counts the failed deliveries that preceded this copy: 0 for
	// the original publish, 1 for the first retry, and so on.
	Attempt int `json:"attempt"`
}

// publishOptions collects the optional publish metadata.
type publishOptions struct {
	correlationID  string
	idempotencyKey string
	schemaID       string
}

// PublishOption customizes a single publish.
type PublishOption func(*publishOptions)

// WithCorrelationID threads the envelope to an existing conversation.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithIdempotencyKey overrides the derived idempotency key. Producers that
// retry on their side should pass a stable key so the bus can collapse the
// copies.
func WithIdempotencyKey(key string) PublishOption {
	return func(o *publishOptions) { o.idempotencyKey = key }
}

// WithSchemaID requests payload validation against a registry schema.
func WithSchemaID(id string) PublishOption {
	return func(o *publishOptions) { o.schemaID = id }
}

// deriveIdempotencyKey is the default key: hex SHA-256 over topic, a NUL
// separator, and the payload. The separator keeps ("a.b", "c") and
// ("a.bc", "") distinct.
func deriveIdempotencyKey(topic string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// newEnvelope builds the accepted form of a publish. The payload must
// already be redacted; the derived idempotency key covers what subscribers
// will actually see.
func newEnvelope(producerID, topic string, payload []byte, opts publishOptions) *Envelope {
	key := opts.idempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(topic, payload)
	}
	id := uuid.NewString()
	correlation := opts.correlationID
	if correlation == "" {
		// Root of a new conversation: the envelope correlates to itself,
		// so consumers always have a chain to thread replies onto.
		correlation = id
	}
	return &Envelope{
		ID:             id,
		Topic:          topic,
		Payload:        payload,
		ProducerID:     producerID,
		CorrelationID:  correlation,
		IdempotencyKey: key,
		SchemaID:       opts.schemaID,
		CreatedAt:      time.Now().UTC(),
	}
}
