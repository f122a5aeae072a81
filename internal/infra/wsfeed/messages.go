package wsfeed

import "livedata_go/internal/domain"

// Message types
const (
	TypeSubscribe         = "subscribe"          // body: domain.SubscriptionRequest
	TypeSubscribeResult   = "subscribe_result"   // body: domain.SubscriptionResponse
	TypeStartChannel      = "start_channel"      // body: ChannelMessage
	TypeStopChannel       = "stop_channel"       // body: ChannelMessage
	TypeTick              = "tick"               // body: TickMessage
	TypeHeartbeat         = "heartbeat"          // body: HeartbeatMessage
	TypeEntitlement       = "entitlement"        // body: EntitlementMessage
	TypeEntitlementResult = "entitlement_result" // body: EntitlementResult
	TypeError             = "error"              // body: ErrorMessage, correlated by id
)

type ChannelMessage struct {
	Channel string `json:"channel" cbor:"channel"`
}

type TickMessage struct {
	Channel string      `json:"channel" cbor:"channel"`
	Tick    domain.Tick `json:"tick" cbor:"tick"`
}

type HeartbeatMessage struct {
	Keys []domain.Key `json:"keys" cbor:"keys"`
}

type EntitlementMessage struct {
	User domain.User  `json:"user" cbor:"user"`
	Keys []domain.Key `json:"keys" cbor:"keys"`
}

// EntitlementResult lists the granted subset of the requested keys.
type EntitlementResult struct {
	Granted []domain.Key `json:"granted" cbor:"granted"`
}

type ErrorMessage struct {
	Message string `json:"message" cbor:"message"`
}
