// Package access maintains one client's connectable-resource set and turns
// ordered change-feed events into the add/update/remove diffs pushed to
// that client. The engine is single-owner state: the session actor is the
// only caller, so there is no locking here.
package access

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/wire"
)

// Snapshot is the account-scoped state the engine evaluates over. It is
// loaded once at connect time and kept current by Apply.
type Snapshot struct {
	Account     domain.Account
	Client      domain.Client
	Resources   map[string]domain.Resource
	Sites       map[string]domain.Site
	Policies    map[string]domain.Policy
	Memberships map[string]domain.Membership
}

func NewSnapshot(account domain.Account, client domain.Client) *Snapshot {
	return &Snapshot{
		Account:     account,
		Client:      client,
		Resources:   make(map[string]domain.Resource),
		Sites:       make(map[string]domain.Site),
		Policies:    make(map[string]domain.Policy),
		Memberships: make(map[string]domain.Membership),
	}
}

type EventKind int

const (
	// EventResourceCreatedOrUpdated carries a full resource payload.
	EventResourceCreatedOrUpdated EventKind = iota
	// EventResourceDeleted carries only the resource id.
	EventResourceDeleted
	// EventConfigChanged carries a refreshed interface configuration.
	EventConfigChanged
	// EventTerminate ends the session; the client record or its token
	// was deleted.
	EventTerminate
)

// Event is one ordered message for the client. Order within a returned
// slice is significant and must be preserved on the wire.
type Event struct {
	Kind       EventKind
	Resource   *wire.Resource
	ResourceID string
	Interface  *wire.Interface
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Snapshot *Snapshot
	// TokenID is the id of the credential this session authenticated
	// with; its deletion terminates the session.
	TokenID string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Snapshot == nil {
		return errors.New("snapshot is required")
	}
	return nil
}

// Engine owns the connectable set and the change-feed watermark for one
// client session.
type Engine struct {
	log         *slog.Logger
	clock       clockwork.Clock
	snap        *Snapshot
	tokenID     string
	clientVer   domain.Version
	connectable map[string]wire.Resource
	lastLSN     uint64
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ver, err := domain.ParseVersion(cfg.Snapshot.Client.Version)
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		snap:        cfg.Snapshot,
		tokenID:     cfg.TokenID,
		clientVer:   ver,
		connectable: make(map[string]wire.Resource),
	}, nil
}

// Client returns the engine's current view of its own client row.
func (e *Engine) Client() domain.Client { return e.snap.Client }

// LastLSN returns the change-feed watermark.
func (e *Engine) LastLSN() uint64 { return e.lastLSN }

// Connectable returns the client's current view of resourceID, if the
// client is authorized to reach it right now.
func (e *Engine) Connectable(resourceID string) (wire.Resource, bool) {
	v, ok := e.connectable[resourceID]
	return v, ok
}

// Resource returns the raw resource row, independent of authorization.
func (e *Engine) Resource(resourceID string) (domain.Resource, bool) {
	r, ok := e.snap.Resources[resourceID]
	return r, ok
}

// Init computes the initial connectable set and returns it sorted by id.
func (e *Engine) Init() []wire.Resource {
	for id := range e.snap.Resources {
		if view, ok := e.evaluate(id); ok {
			e.connectable[id] = view
		}
	}
	out := make([]wire.Resource, 0, len(e.connectable))
	for _, id := range sortedKeys(e.connectable) {
		out = append(out, e.connectable[id])
	}
	connectableSize.Set(float64(len(e.connectable)))
	return out
}
