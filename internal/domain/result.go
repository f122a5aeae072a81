package domain

import "fmt"

// RequestKind selects between a streaming subscription and a one-off snapshot.
type RequestKind int

const (
	KindStreaming RequestKind = iota + 1
	KindSnapshot
)

// String returns the string representation of RequestKind
func (k RequestKind) String() string {
	switch k {
	case KindStreaming:
		return "STREAMING"
	case KindSnapshot:
		return "SNAPSHOT_ONLY"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the per-key result reported by the remote service.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotAuthorized
	OutcomeUnavailable
	OutcomeInternalError
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeNotAuthorized:
		return "NOT_AUTHORIZED"
	case OutcomeUnavailable:
		return "UNAVAILABLE"
	case OutcomeInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int(o))
	}
}

// Err returns the sentinel error for a failed outcome, or nil for success.
func (o Outcome) Err() error {
	switch o {
	case OutcomeSuccess:
		return nil
	case OutcomeNotAuthorized:
		return ErrNotAuthorized
	case OutcomeUnavailable:
		return ErrUnavailable
	case OutcomeInternalError:
		return ErrInternal
	default:
		return ErrInternal
	}
}

// Result is the terminal outcome of one requested key.
// Snapshot is set on success unless a reset tick superseded it.
type Result struct {
	Key      Key
	Outcome  Outcome
	Message  string
	Snapshot *Tick
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// Err converts a failed result into an *OutcomeError.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &OutcomeError{Key: r.Key, Outcome: r.Outcome, Message: r.Message}
}

// Failure builds a failed result for key.
func Failure(key Key, outcome Outcome, message string) Result {
	return Result{Key: key, Outcome: outcome, Message: message}
}

// SubscriptionRequest is one batched outbound request.
type SubscriptionRequest struct {
	CorrelationID string      `json:"id" cbor:"id"`
	User          User        `json:"user" cbor:"user"`
	Kind          RequestKind `json:"kind" cbor:"kind"`
	Keys          []Key       `json:"keys" cbor:"keys"`
}

// KeyResponse is the server's answer for one key of a batch.
type KeyResponse struct {
	Key       Key     `json:"key" cbor:"key"`
	Outcome   Outcome `json:"outcome" cbor:"outcome"`
	Message   string  `json:"message,omitempty" cbor:"message,omitempty"`
	ChannelID string  `json:"channel,omitempty" cbor:"channel,omitempty"`
	Snapshot  *Tick   `json:"snapshot,omitempty" cbor:"snapshot,omitempty"`
}

// SubscriptionResponse answers a SubscriptionRequest with the same correlation id.
type SubscriptionResponse struct {
	CorrelationID string        `json:"id" cbor:"id"`
	Entries       []KeyResponse `json:"entries" cbor:"entries"`
}
