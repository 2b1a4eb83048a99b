package flow

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/pion/randutil"
)

// PersistentKeepalive is the fixed keepalive interval, in seconds,
// returned with every negotiated connection.
const PersistentKeepalive = 25

const (
	iceUsernameLen = 4
	icePasswordLen = 22
	iceRunes       = "abcdefghijklmnopqrstuvwxyz0123456789"

	// maxAuthorizationTTL caps authorization lifetimes. Tokens with an
	// implausibly distant expiry get clamped rather than trusted.
	maxAuthorizationTTL = 90 * 24 * time.Hour
)

// ErrGatewayUnreachable: the selected gateway dropped off between
// selection and dispatch. Callers surface it as offline.
var ErrGatewayUnreachable = errors.New("gateway unreachable")

// Authorization is the ephemeral record of one successfully negotiated
// flow, written only after the gateway message is on its way.
type Authorization struct {
	ID         string
	ClientID   string
	ResourceID string
	GatewayID  string
	PolicyID   string
	ExpiresAt  time.Time

	PresharedKey          string
	ClientIceCredentials  Credentials
	GatewayIceCredentials Credentials
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Hub    *Hub
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Hub == nil {
		return errors.New("hub is required")
	}
	return nil
}

// Negotiator mints key material and drives the gateway-side half of every
// connection setup. It is stateless across requests except for the
// authorization records it writes.
type Negotiator struct {
	log   *slog.Logger
	clock clockwork.Clock
	hub   *Hub
	auths *ttlcache.Cache[string, Authorization]
}

func NewNegotiator(cfg Config) (*Negotiator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	auths := ttlcache.New(
		ttlcache.WithTTL[string, Authorization](maxAuthorizationTTL),
	)
	go auths.Start()
	return &Negotiator{
		log:   cfg.Logger,
		clock: cfg.Clock,
		hub:   cfg.Hub,
		auths: auths,
	}, nil
}

func (n *Negotiator) Close() {
	n.auths.Stop()
}

// Request describes one negotiation attempt after gateway selection has
// already succeeded.
type Request struct {
	ClientID   string
	ResourceID string
	GatewayID  string
	PolicyID   string
	// TokenExpiresAt bounds the authorization: session token expiry,
	// not a fixed TTL.
	TokenExpiresAt time.Time
	// Payload is the opaque client transport blob for the reuse/request
	// paths, forwarded unmodified.
	Payload string
	// PresharedKey overrides key generation when the client supplies
	// its own (request_connection).
	PresharedKey string
	Reply        func(ConnectReply)
}

// Authorize runs the create_flow / prepare_connection path: fresh ICE
// credentials for each side, a fresh preshared key, and an asynchronous
// authorize message to the gateway's session actor. The authorization
// record is written last; a failed dispatch leaves nothing behind.
func (n *Negotiator) Authorize(req Request) (Authorization, error) {
	auth, err := n.mint(req)
	if err != nil {
		return Authorization{}, err
	}

	ok := n.hub.Send(req.GatewayID, GatewayMessage{
		Kind:          MessageAuthorizePolicy,
		ClientID:      req.ClientID,
		ResourceID:    req.ResourceID,
		Authorization: &auth,
		Reply:         req.Reply,
	})
	if !ok {
		negotiationsFailed.WithLabelValues("unreachable").Inc()
		return Authorization{}, ErrGatewayUnreachable
	}

	n.record(auth)
	return auth, nil
}

// Forward runs the reuse_connection / request_connection paths: same
// authorization bookkeeping, but the client's transport payload passes
// through untouched and the gateway's reply blob comes back untouched.
func (n *Negotiator) Forward(kind MessageKind, req Request) (Authorization, error) {
	auth, err := n.mint(req)
	if err != nil {
		return Authorization{}, err
	}

	ok := n.hub.Send(req.GatewayID, GatewayMessage{
		Kind:          kind,
		ClientID:      req.ClientID,
		ResourceID:    req.ResourceID,
		Authorization: &auth,
		Payload:       req.Payload,
		Reply:         req.Reply,
	})
	if !ok {
		negotiationsFailed.WithLabelValues("unreachable").Inc()
		return Authorization{}, ErrGatewayUnreachable
	}

	n.record(auth)
	return auth, nil
}

// BroadcastCandidates fans ICE candidate strings out to gateways.
// Fire-and-forget; an empty gateway list is a no-op.
func (n *Negotiator) BroadcastCandidates(kind MessageKind, clientID string, gatewayIDs, candidates []string) {
	n.hub.Broadcast(gatewayIDs, GatewayMessage{
		Kind:       kind,
		ClientID:   clientID,
		Candidates: candidates,
	})
}

func (n *Negotiator) mint(req Request) (Authorization, error) {
	clientCreds, err := mintIceCredentials()
	if err != nil {
		return Authorization{}, err
	}
	gatewayCreds, err := mintIceCredentials()
	if err != nil {
		return Authorization{}, err
	}

	psk := req.PresharedKey
	if psk == "" {
		if psk, err = mintPresharedKey(); err != nil {
			return Authorization{}, err
		}
	}

	return Authorization{
		ID:                    uuid.NewString(),
		ClientID:              req.ClientID,
		ResourceID:            req.ResourceID,
		GatewayID:             req.GatewayID,
		PolicyID:              req.PolicyID,
		ExpiresAt:             n.clampExpiry(req.TokenExpiresAt),
		PresharedKey:          psk,
		ClientIceCredentials:  clientCreds,
		GatewayIceCredentials: gatewayCreds,
	}, nil
}

func (n *Negotiator) record(auth Authorization) {
	ttl := auth.ExpiresAt.Sub(n.clock.Now())
	if ttl <= 0 {
		return
	}
	n.auths.Set(auth.ID, auth, ttl)
	negotiationsTotal.Inc()
}

// AuthorizationCount reports live authorization records, for tests and
// introspection.
func (n *Negotiator) AuthorizationCount() int {
	return n.auths.Len()
}

func (n *Negotiator) clampExpiry(expiresAt time.Time) time.Time {
	ceiling := n.clock.Now().Add(maxAuthorizationTTL)
	if expiresAt.IsZero() || expiresAt.After(ceiling) {
		return ceiling
	}
	return expiresAt
}

func mintIceCredentials() (Credentials, error) {
	username, err := randutil.GenerateCryptoRandomString(iceUsernameLen, iceRunes)
	if err != nil {
		return Credentials{}, fmt.Errorf("generating ice username: %w", err)
	}
	password, err := randutil.GenerateCryptoRandomString(icePasswordLen, iceRunes)
	if err != nil {
		return Credentials{}, fmt.Errorf("generating ice password: %w", err)
	}
	return Credentials{Username: username, Password: password}, nil
}

// mintPresharedKey returns a fresh 32-byte key, base64 encoded to the
// 44-character form tunnels expect.
func mintPresharedKey() (string, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return "", fmt.Errorf("generating preshared key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}
