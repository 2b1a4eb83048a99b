// Package server terminates client websockets and hands each accepted
// connection to its session actor. Everything that may block — token
// validation, rate limiting, geolocation, snapshot loading — happens here,
// before a session's steady-state loop starts.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/cordonlabs/cordon/internal/access"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/feed"
	"github.com/cordonlabs/cordon/internal/flow"
	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/session"
	"github.com/cordonlabs/cordon/internal/wire"
)

// TokenValidator resolves a presented credential to its token row and the
// client it belongs to.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (domain.Token, domain.Client, error)
}

// SnapshotLoader loads the account-scoped state a new session starts
// from. The loaded client must carry any previously assigned addresses:
// IP allocation is sticky across reconnects.
type SnapshotLoader interface {
	Load(ctx context.Context, client domain.Client) (*access.Snapshot, error)
}

// GeoResolver maps a source address to a geolocation; ok is false when
// the address is unknown to the database.
type GeoResolver interface {
	Resolve(ip net.IP) (domain.Location, bool)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Registry   *presence.Registry
	Feed       feed.Source
	Negotiator *flow.Negotiator
	Tokens     TokenValidator
	Snapshots  SnapshotLoader
	Geo        GeoResolver // optional

	ListenAddr  string
	MetricsAddr string

	// ConnectRate/ConnectBurst shape the per-(address, credential)
	// token bucket guarding connection attempts.
	ConnectRate  rate.Limit
	ConnectBurst int

	DebounceWindow  time.Duration
	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Feed == nil {
		return errors.New("feed source is required")
	}
	if cfg.Negotiator == nil {
		return errors.New("negotiator is required")
	}
	if cfg.Tokens == nil {
		return errors.New("token validator is required")
	}
	if cfg.Snapshots == nil {
		return errors.New("snapshot loader is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	return nil
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	limiters *ttlcache.Cache[string, *rate.Limiter]

	// baseCtx is the lifetime context sessions run on. net/http cancels
	// a request's context as soon as its handler returns, so a session
	// must never inherit it.
	baseCtx context.Context
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectRate <= 0 {
		cfg.ConnectRate = rate.Every(time.Second)
	}
	if cfg.ConnectBurst <= 0 {
		cfg.ConnectBurst = 5
	}
	limiters := ttlcache.New(
		ttlcache.WithTTL[string, *rate.Limiter](10 * time.Minute),
	)
	go limiters.Start()
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		limiters: limiters,
		baseCtx:  context.Background(),
	}, nil
}

// Run serves the client websocket endpoint until ctx ends. Metrics and
// pprof live on their own mux when MetricsAddr is set.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx

	if s.cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/debug/pprof/", pprof.Index)
			http.ListenAndServe(s.cfg.MetricsAddr, mux) //nolint
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/client/websocket", s.handleClient)
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: mux}

	errChan := make(chan error)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rawToken := r.URL.Query().Get("token")
	if rawToken == "" {
		http.Error(w, `{"reason":"not_found"}`, http.StatusUnauthorized)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.allowConnect(host, rawToken) {
		connectionsRejected.WithLabelValues("rate_limit").Inc()
		http.Error(w, `{"reason":"rate_limit"}`, http.StatusTooManyRequests)
		return
	}

	token, client, err := s.cfg.Tokens.Validate(ctx, rawToken)
	if err != nil {
		connectionsRejected.WithLabelValues("unauthorized").Inc()
		http.Error(w, `{"reason":"not_found"}`, http.StatusUnauthorized)
		return
	}

	// Refresh connect-time context: source address and geolocation feed
	// policy conditions.
	client.RemoteIP = host
	if s.cfg.Geo != nil {
		if ip := net.ParseIP(host); ip != nil {
			if loc, ok := s.cfg.Geo.Resolve(ip); ok {
				client.Location = loc
			}
		}
	}

	snap, err := s.cfg.Snapshots.Load(ctx, client)
	if err != nil {
		s.log.Error("loading account snapshot", "client_id", client.ID, "error", err)
		http.Error(w, `{"reason":"offline"}`, http.StatusServiceUnavailable)
		return
	}

	engine, err := access.NewEngine(access.Config{
		Logger:   s.log,
		Clock:    s.cfg.Clock,
		Snapshot: snap,
		TokenID:  token.ID,
	})
	if err != nil {
		s.log.Error("building access engine", "client_id", client.ID, "error", err)
		http.Error(w, `{"reason":"offline"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	connectionsAccepted.Inc()

	sess, err := session.New(session.Config{
		Logger:          s.log,
		Clock:           s.cfg.Clock,
		Engine:          engine,
		Registry:        s.cfg.Registry,
		Negotiator:      s.cfg.Negotiator,
		Transport:       &wsTransport{conn: conn},
		Feed:            s.cfg.Feed,
		Token:           token,
		DebounceWindow:  s.cfg.DebounceWindow,
		RefreshInterval: s.cfg.RefreshInterval,
	})
	if err != nil {
		s.log.Error("building session", "client_id", client.ID, "error", err)
		conn.Close()
		return
	}

	go s.runSession(s.baseCtx, sess, conn, client.ID)
}

// runSession drives one actor. A panic tears down this client's transport
// and nothing else; sessions share no mutable state.
func (s *Server) runSession(ctx context.Context, sess *session.Session, conn *websocket.Conn, clientID string) {
	defer func() {
		if r := recover(); r != nil {
			sessionPanics.Inc()
			s.log.Error("session panicked", "client_id", clientID, "panic", fmt.Sprint(r))
		}
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			sess.Enqueue(env)
		}
	}()

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("session ended", "client_id", clientID, "error", err)
	}
}

// allowConnect enforces the per-(address, credential) token bucket.
// Buckets are independent: bursts from one key never throttle another.
func (s *Server) allowConnect(host, rawToken string) bool {
	sum := sha256.Sum256([]byte(rawToken))
	key := host + "|" + hex.EncodeToString(sum[:8])

	item := s.limiters.Get(key)
	if item == nil {
		item = s.limiters.Set(key, rate.NewLimiter(s.cfg.ConnectRate, s.cfg.ConnectBurst), ttlcache.DefaultTTL)
	}
	return item.Value().Allow()
}

// wsTransport adapts a gorilla connection to the session's Transport. The
// actor goroutine is the only writer.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(env wire.Envelope) error {
	return t.conn.WriteJSON(env)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
