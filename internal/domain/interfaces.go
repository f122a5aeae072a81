package domain

import "context"

// TickListener receives updates fanned out for a key.
// Implementations are used as map keys and must be comparable (typically pointers).
type TickListener interface {
	OnTick(tick Tick)
}

// Listener receives the results and updates of a subscription.
// Callbacks for one key arrive in order; callbacks for different keys may run concurrently.
type Listener interface {
	// OnResult is invoked exactly once per requested key.
	OnResult(result Result)
	// OnTick is invoked for every update delivered after a successful result.
	OnTick(tick Tick)
	// OnStopped is invoked when the key's subscription ends after an unsubscribe.
	OnStopped(key Key)
}

// ResponseFunc receives the asynchronous answer to a SubscriptionRequest.
// A non-nil error means no trustworthy response could be obtained.
type ResponseFunc func(resp SubscriptionResponse, err error)

// TickSink receives ticks from a started tick channel.
type TickSink func(tick Tick)

// SubscriptionTransport carries subscription requests and tick channels.
// Implementations must deliver ticks of one channel sequentially.
type SubscriptionTransport interface {
	// RequestSubscriptions sends req and invokes onResponse once, asynchronously.
	RequestSubscriptions(ctx context.Context, req SubscriptionRequest, onResponse ResponseFunc) error
	// StartTickChannel begins delivering ticks of channelID to sink.
	StartTickChannel(ctx context.Context, channelID string, sink TickSink) error
	// StopTickChannel is best-effort and idempotent.
	StopTickChannel(ctx context.Context, channelID string) error
}

// HeartbeatTransport sends keep-alive messages listing active keys.
type HeartbeatTransport interface {
	SendHeartbeat(ctx context.Context, keys []Key) error
}

// EntitlementChecker is the remote yes/no oracle for key access.
type EntitlementChecker interface {
	CheckEntitlement(ctx context.Context, user User, keys []Key) (map[Key]bool, error)
}

// Transport bundles every collaborator the client consumes from a transport adapter.
type Transport interface {
	SubscriptionTransport
	HeartbeatTransport
	EntitlementChecker
}

// LastValueRepository persists the latest image per key.
type LastValueRepository interface {
	SaveLastValue(tick Tick) error
	GetLastValue(key Key) (*Tick, error)
	DeleteLastValue(key Key) error
}
