package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWire_Encode_EnvelopeShape(t *testing.T) {
	t.Parallel()

	ref := uint64(3)
	env, err := Encode(EventResourceDeleted, ResourceDeleted{ResourceID: "res-1"}, &ref)
	require.NoError(t, err)
	require.Equal(t, TopicClient, env.Topic)
	require.Equal(t, EventResourceDeleted, env.Event)
	require.Equal(t, uint64(3), *env.Ref)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"topic":"client","event":"resource_deleted","payload":{"resource_id":"res-1"},"ref":3}`, string(raw))
}

func TestWire_Encode_OmitsNilRef(t *testing.T) {
	t.Parallel()

	env, err := Encode(EventError, ErrorReply{Reason: ReasonUnknownMessage}, nil)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"ref"`)
}

func TestWire_DecodePayload_RoundTrip(t *testing.T) {
	t.Parallel()

	env := Envelope{
		Topic:   TopicClient,
		Event:   EventCreateFlow,
		Payload: json.RawMessage(`{"resource_id":"res-1","connected_gateway_ids":["gw-1","gw-2"]}`),
	}
	got, err := DecodePayload[CreateFlow](env)
	require.NoError(t, err)
	require.Equal(t, "res-1", got.ResourceID)
	require.Equal(t, []string{"gw-1", "gw-2"}, got.ConnectedGatewayIDs)
}

func TestWire_DecodePayload_MalformedErrors(t *testing.T) {
	t.Parallel()

	env := Envelope{Event: EventCreateFlow, Payload: json.RawMessage(`"not an object"`)}
	_, err := DecodePayload[CreateFlow](env)
	require.Error(t, err)
}

func TestWire_Relay_TURNFieldsOptional(t *testing.T) {
	t.Parallel()

	stun, err := json.Marshal(Relay{ID: "r1", Type: "stun", Addr: "stun:3478"})
	require.NoError(t, err)
	require.NotContains(t, string(stun), "username")
	require.NotContains(t, string(stun), "expires_at")

	turn, err := json.Marshal(Relay{ID: "r2", Type: "turn", Addr: "turn:3478", Username: "u", Password: "p", ExpiresAt: 100})
	require.NoError(t, err)
	require.Contains(t, string(turn), `"expires_at":100`)
}
