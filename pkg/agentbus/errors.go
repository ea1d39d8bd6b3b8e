package agentbus

import (
	"errors"

	"github.com/randalmurphal/agentbus/pkg/agentbus/acl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/quota"
	"github.com/randalmurphal/agentbus/pkg/agentbus/schema"
)

// Publish rejections. Callers distinguish them with errors.Is; every
// rejection happens before the envelope is staged, so a rejected publish
// never reaches subscribers, the outbox, or the DLQ.
var (
	// ErrBusClosed is returned by every operation after Close.
	ErrBusClosed = errors.New("agentbus: bus is closed")

	// ErrInvalidTopic rejects publishes and subscriptions with malformed
	// topic names.
	ErrInvalidTopic = errors.New("agentbus: invalid topic")

	// ErrValidation rejects payloads that fail schema validation.
	ErrValidation = errors.New("agentbus: payload failed schema validation")

	// ErrRateSmoothed rejects publishes that exceed the producer's burst
	// allowance. The producer should back off briefly and retry.
	ErrRateSmoothed = errors.New("agentbus: publish rate exceeds burst allowance")

	// ErrPermissionDenied rejects agents the ACL does not authorize.
	ErrPermissionDenied = acl.ErrDenied

	// ErrQuotaExceeded rejects publishes over the volume quota for the
	// current window.
	ErrQuotaExceeded = quota.ErrExceeded

	// ErrSchemaUnavailable rejects publishes whose schema could not be
	// resolved from the registry or the cache.
	ErrSchemaUnavailable = schema.ErrUnavailable
)

// HandlerError is a subscriber handler failure. It never reaches the
// publisher: the bus records it in the outbox failure history and retries
// the delivery on the backoff schedule.
type HandlerError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID string

	// AgentID is the subscribing agent.
	AgentID string

	Err error
}

func (e *HandlerError) Error() string {
	return "handler for agent " + e.AgentID + " failed: " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }
