// Package wire defines the JSON protocol spoken with connected clients:
// an envelope of {topic, event, payload, ref} and the payload shapes for
// every event the broker sends or accepts.
package wire

import (
	"encoding/json"
	"fmt"
)

// TopicClient is the only topic the client channel speaks.
const TopicClient = "client"

// Client-bound (push/reply) events.
const (
	EventInit                     = "init"
	EventConfigChanged            = "config_changed"
	EventResourceCreatedOrUpdated = "resource_created_or_updated"
	EventResourceDeleted          = "resource_deleted"
	EventRelaysPresence           = "relays_presence"
	EventIceCandidates            = "ice_candidates"
	EventInvalidateIceCandidates  = "invalidate_ice_candidates"
	EventFlowCreated              = "flow_created"
	EventFlowCreationFailed       = "flow_creation_failed"
	EventReply                    = "reply"
	EventError                    = "error"
)

// Broker-bound (request) events.
const (
	EventCreateFlow                        = "create_flow"
	EventPrepareConnection                 = "prepare_connection"
	EventReuseConnection                   = "reuse_connection"
	EventRequestConnection                 = "request_connection"
	EventBroadcastIceCandidates            = "broadcast_ice_candidates"
	EventBroadcastInvalidatedIceCandidates = "broadcast_invalidated_ice_candidates"
)

// Failure reasons surfaced to clients.
const (
	ReasonNotFound       = "not_found"
	ReasonOffline        = "offline"
	ReasonRateLimit      = "rate_limit"
	ReasonUnknownMessage = "unknown_message"
)

type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     *uint64         `json:"ref,omitempty"`
}

// Encode builds an envelope around payload.
func Encode(event string, payload any, ref *uint64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Envelope{Topic: TopicClient, Event: event, Payload: raw, Ref: ref}, nil
}

// DecodePayload unmarshals an envelope payload into v.
func DecodePayload[T any](e Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", e.Event, err)
	}
	return v, nil
}
