// Package flow negotiates client-gateway tunnel setups: gateway-side
// authorization messages, ephemeral ICE credentials and preshared keys,
// and the PolicyAuthorization audit records that bound each flow.
package flow

import (
	"sync"

	"github.com/alitto/pond/v2"
)

type MessageKind int

const (
	// MessageAuthorizePolicy asks a gateway to accept a client for a
	// resource (create_flow / prepare_connection path).
	MessageAuthorizePolicy MessageKind = iota
	// MessageAllowAccess carries a client's opaque transport payload for
	// an existing connection (reuse_connection path).
	MessageAllowAccess
	// MessageRequestConnection carries a full tunnel-setup blob
	// (request_connection path).
	MessageRequestConnection
	// MessageIceCandidates / MessageInvalidateIceCandidates fan opaque
	// candidate strings out to gateways.
	MessageIceCandidates
	MessageInvalidateIceCandidates
)

// ConnectReply is a gateway's asynchronous answer to an authorization,
// relayed to the client as flow_created or as the reply to the original
// request.
type ConnectReply struct {
	ResourceID            string
	GatewayID             string
	SiteID                string
	GatewayPublicKey      string
	GatewayIPv4           string
	GatewayIPv6           string
	PresharedKey          string
	ClientIceCredentials  Credentials
	GatewayIceCredentials Credentials
	// GatewayPayload is the opaque reply blob for the reuse/request
	// paths, forwarded to the client unmodified.
	GatewayPayload string
}

type Credentials struct {
	Username string
	Password string
}

// GatewayMessage is one broker-to-gateway message. Replies travel through
// the Reply callback, which delivers into the requesting client's mailbox;
// either side may be gone by the time the other answers, which is why
// nothing here holds a reference to a session.
type GatewayMessage struct {
	Kind          MessageKind
	ClientID      string
	ResourceID    string
	Authorization *Authorization
	Payload       string
	Candidates    []string
	Reply         func(ConnectReply)
}

// Hub routes messages to the session actors of online gateways. Gateways
// register a mailbox under their stable id; delivery is non-blocking so a
// wedged gateway session cannot stall a client's negotiation.
type Hub struct {
	mu        sync.RWMutex
	mailboxes map[string]chan<- GatewayMessage
	pool      pond.Pool
}

func NewHub() *Hub {
	return &Hub{
		mailboxes: make(map[string]chan<- GatewayMessage),
		pool:      pond.NewPool(16),
	}
}

// Register attaches a gateway mailbox and returns its deregistration
// function. Re-registering an id replaces the previous mailbox.
func (h *Hub) Register(gatewayID string, mailbox chan<- GatewayMessage) func() {
	h.mu.Lock()
	h.mailboxes[gatewayID] = mailbox
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.mailboxes[gatewayID] == mailbox {
			delete(h.mailboxes, gatewayID)
		}
	}
}

// Send delivers msg to one gateway. It reports false when the gateway is
// not registered or its mailbox is full — the caller treats both as the
// gateway being offline.
func (h *Hub) Send(gatewayID string, msg GatewayMessage) bool {
	h.mu.RLock()
	mailbox, ok := h.mailboxes[gatewayID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case mailbox <- msg:
		messagesSent.WithLabelValues(kindLabel(msg.Kind)).Inc()
		return true
	default:
		messagesDropped.WithLabelValues(kindLabel(msg.Kind)).Inc()
		return false
	}
}

// Broadcast fans msg out to every listed gateway. An empty target list is
// a complete no-op.
func (h *Hub) Broadcast(gatewayIDs []string, msg GatewayMessage) {
	if len(gatewayIDs) == 0 {
		return
	}
	for _, id := range gatewayIDs {
		id := id
		h.pool.Submit(func() {
			h.Send(id, msg)
		})
	}
}

func kindLabel(k MessageKind) string {
	switch k {
	case MessageAuthorizePolicy:
		return "authorize_policy"
	case MessageAllowAccess:
		return "allow_access"
	case MessageRequestConnection:
		return "request_connection"
	case MessageIceCandidates:
		return "ice_candidates"
	case MessageInvalidateIceCandidates:
		return "invalidate_ice_candidates"
	default:
		return "unknown"
	}
}
