package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/cordonlabs/cordon/internal/feed"
	"github.com/cordonlabs/cordon/internal/flow"
	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/wire"
)

func testServer(t *testing.T, connectRate rate.Limit, burst int) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := flow.NewHub()
	negotiator, err := flow.NewNegotiator(flow.Config{
		Logger: logger,
		Clock:  clockwork.NewRealClock(),
		Hub:    hub,
	})
	require.NoError(t, err)
	t.Cleanup(negotiator.Close)

	store := NewSeedStore(&Seed{})
	srv, err := New(Config{
		Logger:       logger,
		Clock:        clockwork.NewRealClock(),
		Registry:     presence.NewRegistry(),
		Feed:         feed.NewMemorySource(),
		Negotiator:   negotiator,
		Tokens:       store,
		Snapshots:    store,
		ListenAddr:   "127.0.0.1:0",
		ConnectRate:  connectRate,
		ConnectBurst: burst,
	})
	require.NoError(t, err)
	return srv
}

func TestServer_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Logger = logger
	require.EqualError(t, cfg.Validate(), "clock is required")
}

func TestServer_AllowConnect_BurstThenThrottle(t *testing.T) {
	t.Parallel()

	srv := testServer(t, rate.Every(time.Hour), 2)

	require.True(t, srv.allowConnect("203.0.113.7", "token-a"))
	require.True(t, srv.allowConnect("203.0.113.7", "token-a"))
	require.False(t, srv.allowConnect("203.0.113.7", "token-a"))
}

func TestServer_AllowConnect_KeysIndependent(t *testing.T) {
	t.Parallel()

	srv := testServer(t, rate.Every(time.Hour), 1)

	require.True(t, srv.allowConnect("203.0.113.7", "token-a"))
	require.False(t, srv.allowConnect("203.0.113.7", "token-a"))

	// Same address, different credential: its own bucket.
	require.True(t, srv.allowConnect("203.0.113.7", "token-b"))
	// Same credential, different address: also its own bucket.
	require.True(t, srv.allowConnect("198.51.100.2", "token-a"))
}

func TestServer_HandleClient_SessionOutlivesHandler(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := flow.NewHub()
	negotiator, err := flow.NewNegotiator(flow.Config{
		Logger: logger,
		Clock:  clockwork.NewRealClock(),
		Hub:    hub,
	})
	require.NoError(t, err)
	t.Cleanup(negotiator.Close)

	store := NewSeedStore(testSeed())
	source := feed.NewMemorySource()
	srv, err := New(Config{
		Logger:     logger,
		Clock:      clockwork.NewRealClock(),
		Registry:   presence.NewRegistry(),
		Feed:       source,
		Negotiator: negotiator,
		Tokens:     store,
		Snapshots:  store,
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleClient))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/client/websocket?token=s3cret-token"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env wire.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, wire.EventInit, env.Event)
	init, err := wire.DecodePayload[wire.Init](env)
	require.NoError(t, err)
	require.Len(t, init.Resources, 1)

	// By now the HTTP handler has returned. A change published afterwards
	// must still reach the session over the open socket.
	res := testSeed().Resources[0]
	res.Name = "app v2"
	raw, err := json.Marshal(res)
	require.NoError(t, err)
	source.Publish(feed.Change{LSN: 1, Op: feed.OpUpdate, Table: feed.TableResource, AccountID: "acct-1", Struct: raw})

	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, wire.EventResourceCreatedOrUpdated, env.Event)
	view, err := wire.DecodePayload[wire.Resource](env)
	require.NoError(t, err)
	require.Equal(t, "app v2", view.Name)
}
