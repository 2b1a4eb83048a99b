// Package session runs the per-client actor: one goroutine owning that
// client's connectable set, fed by the change stream, relay presence and
// the client's own requests, processed strictly one at a time.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/cordonlabs/cordon/internal/access"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/feed"
	"github.com/cordonlabs/cordon/internal/flow"
	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/wire"
)

const (
	// DefaultDebounceWindow coalesces relay presence churn before a
	// single relays_presence push goes out.
	DefaultDebounceWindow = 50 * time.Millisecond
	// DefaultRefreshInterval re-evaluates time-bound policy conditions;
	// nothing on the change feed marks a time boundary crossing.
	DefaultRefreshInterval = time.Minute
)

// Transport is the client's socket as the actor sees it. Implementations
// must be safe for use from the actor goroutine only.
type Transport interface {
	Send(wire.Envelope) error
	Close() error
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Engine     *access.Engine
	Registry   *presence.Registry
	Negotiator *flow.Negotiator
	Transport  Transport
	Feed       feed.Source
	Token      domain.Token

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
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Negotiator == nil {
		return errors.New("negotiator is required")
	}
	if cfg.Transport == nil {
		return errors.New("transport is required")
	}
	if cfg.Feed == nil {
		return errors.New("feed source is required")
	}
	if cfg.Token.ID == "" {
		return errors.New("token is required")
	}
	return nil
}

// gatewayReply carries a gateway's answer back into the actor mailbox
// together with how the original request wanted it surfaced.
type gatewayReply struct {
	variant string
	ref     *uint64
	reply   flow.ConnectReply
}

type Session struct {
	log        *slog.Logger
	clock      clockwork.Clock
	engine     *access.Engine
	registry   *presence.Registry
	negotiator *flow.Negotiator
	transport  Transport
	feedSrc    feed.Source
	token      domain.Token

	debounceWindow  time.Duration
	refreshInterval time.Duration

	inbound chan wire.Envelope
	replies chan gatewayReply

	// Debounce state, touched only by the actor goroutine.
	pendingJoins  map[string]presence.RelayMeta
	pendingLeaves map[string]struct{}
}

func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	return &Session{
		log:             cfg.Logger.With("client_id", cfg.Engine.Client().ID),
		clock:           cfg.Clock,
		engine:          cfg.Engine,
		registry:        cfg.Registry,
		negotiator:      cfg.Negotiator,
		transport:       cfg.Transport,
		feedSrc:         cfg.Feed,
		token:           cfg.Token,
		debounceWindow:  cfg.DebounceWindow,
		refreshInterval: cfg.RefreshInterval,
		inbound:         make(chan wire.Envelope, 64),
		replies:         make(chan gatewayReply, 16),
		pendingJoins:    make(map[string]presence.RelayMeta),
		pendingLeaves:   make(map[string]struct{}),
	}, nil
}

// Enqueue hands a decoded client message to the actor. Non-blocking: a
// client flooding its own session loses messages rather than wedging the
// broker.
func (s *Session) Enqueue(env wire.Envelope) {
	select {
	case s.inbound <- env:
	default:
		inboundDropped.Inc()
	}
}

// Run subscribes, pushes init, and processes the mailbox until the
// context ends, the transport dies, or a terminal change event arrives.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	changes, err := s.feedSrc.Subscribe(ctx, s.engine.Client().AccountID)
	if err != nil {
		return err
	}
	relayDiffs, cancelRelays := s.registry.Subscribe(presence.RelayScope)
	defer cancelRelays()

	if err := s.pushInit(); err != nil {
		return err
	}
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	refresh := s.clock.NewTicker(s.refreshInterval)
	defer refresh.Stop()

	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-changes:
			if !ok {
				return errors.New("change feed closed")
			}
			terminate, err := s.applyChange(change)
			if err != nil {
				return err
			}
			if terminate {
				_ = s.transport.Close()
				return nil
			}

		case diff, ok := <-relayDiffs:
			if !ok {
				return errors.New("presence subscription closed")
			}
			s.bufferRelayDiff(diff)
			if debounceCh == nil {
				debounceCh = s.clock.NewTimer(s.debounceWindow).Chan()
			}

		case <-debounceCh:
			debounceCh = nil
			if err := s.flushRelayPresence(); err != nil {
				return err
			}

		case <-refresh.Chan():
			if err := s.sendEvents(s.engine.Refresh()); err != nil {
				return err
			}

		case env := <-s.inbound:
			terminate, err := s.handleClient(env)
			if err != nil {
				return err
			}
			if terminate {
				_ = s.transport.Close()
				return nil
			}

		case reply := <-s.replies:
			if err := s.sendGatewayReply(reply); err != nil {
				return err
			}
		}
	}
}

// applyChange folds one feed event and pushes the resulting messages in
// order. It reports whether the session must terminate.
func (s *Session) applyChange(change feed.Change) (bool, error) {
	events := s.engine.Apply(change)
	for _, ev := range events {
		if ev.Kind == access.EventTerminate {
			s.log.Info("terminating session", "lsn", change.LSN, "table", change.Table)
			return true, nil
		}
	}
	return false, s.sendEvents(events)
}

func (s *Session) sendEvents(events []access.Event) error {
	for _, ev := range events {
		var (
			env wire.Envelope
			err error
		)
		switch ev.Kind {
		case access.EventResourceCreatedOrUpdated:
			env, err = wire.Encode(wire.EventResourceCreatedOrUpdated, ev.Resource, nil)
		case access.EventResourceDeleted:
			env, err = wire.Encode(wire.EventResourceDeleted, wire.ResourceDeleted{ResourceID: ev.ResourceID}, nil)
		case access.EventConfigChanged:
			env, err = wire.Encode(wire.EventConfigChanged, wire.ConfigChanged{Interface: *ev.Interface}, nil)
		default:
			continue
		}
		if err != nil {
			return err
		}
		if err := s.transport.Send(env); err != nil {
			return err
		}
		pushesTotal.WithLabelValues(env.Event).Inc()
	}
	return nil
}

func (s *Session) pushInit() error {
	init := wire.Init{
		Resources: s.engine.Init(),
		Interface: s.engine.InterfaceView(),
		Relays:    s.selectRelays(),
	}
	env, err := wire.Encode(wire.EventInit, init, nil)
	if err != nil {
		return err
	}
	return s.transport.Send(env)
}
