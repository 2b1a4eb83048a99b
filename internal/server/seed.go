package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/cordonlabs/cordon/internal/access"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/presence"
)

// Seed is a declarative bootstrap state for standalone deployments: the
// portal database compacted into one JSON document. The change feed takes
// over from here.
type Seed struct {
	Account     domain.Account      `json:"account"`
	Tokens      []SeedToken         `json:"tokens"`
	Clients     []domain.Client     `json:"clients"`
	Resources   []domain.Resource   `json:"resources"`
	Sites       []domain.Site       `json:"sites"`
	Policies    []domain.Policy     `json:"policies"`
	Memberships []domain.Membership `json:"memberships"`
	Gateways    []domain.Gateway    `json:"gateways"`
	Relays      []SeedRelay         `json:"relays"`
}

type SeedRelay struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Addr   string   `json:"addr"`
	Secret string   `json:"secret"`
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
}

// JoinPresence registers the seed's gateways and relays as online. In a
// multi-node deployment presence comes from the participants themselves;
// a standalone broker starts from the seed.
func (s *Seed) JoinPresence(registry *presence.Registry) {
	for _, gw := range s.Gateways {
		registry.Join(presence.GatewayScope(gw.AccountID), gw.ID, presence.Meta{Gateway: &presence.GatewayMeta{
			SiteID:    gw.SiteID,
			AccountID: gw.AccountID,
			PublicKey: gw.PublicKey,
			Version:   gw.Version,
			IPv4:      gw.IPv4,
			IPv6:      gw.IPv6,
		}})
	}
	for _, r := range s.Relays {
		registry.Join(presence.RelayScope, r.ID, presence.Meta{Relay: &presence.RelayMeta{
			Type:   r.Type,
			Addr:   r.Addr,
			Secret: r.Secret,
			Lat:    r.Lat,
			Lon:    r.Lon,
		}})
	}
}

type SeedToken struct {
	Secret   string       `json:"secret"`
	Token    domain.Token `json:"token"`
	ClientID string       `json:"client_id"`
}

func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return &seed, nil
}

// SeedStore serves token validation and snapshot loading out of a Seed.
// IP stickiness lives here: the first allocation a client connects with
// is remembered and survives reconnects.
type SeedStore struct {
	mu   sync.Mutex
	seed *Seed
	ips  map[string][2]string
}

func NewSeedStore(seed *Seed) *SeedStore {
	return &SeedStore{seed: seed, ips: make(map[string][2]string)}
}

func (s *SeedStore) Validate(_ context.Context, raw string) (domain.Token, domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.seed.Tokens {
		if st.Secret != raw {
			continue
		}
		for _, c := range s.seed.Clients {
			if c.ID == st.ClientID {
				return st.Token, s.stickyLocked(c), nil
			}
		}
	}
	return domain.Token{}, domain.Client{}, fmt.Errorf("unknown token")
}

func (s *SeedStore) stickyLocked(c domain.Client) domain.Client {
	if prev, ok := s.ips[c.ID]; ok {
		c.IPv4, c.IPv6 = prev[0], prev[1]
		return c
	}
	s.ips[c.ID] = [2]string{c.IPv4, c.IPv6}
	return c
}

func (s *SeedStore) Load(_ context.Context, client domain.Client) (*access.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := access.NewSnapshot(s.seed.Account, client)
	for _, r := range s.seed.Resources {
		snap.Resources[r.ID] = r
	}
	for _, site := range s.seed.Sites {
		snap.Sites[site.ID] = site
	}
	for _, p := range s.seed.Policies {
		snap.Policies[p.ID] = p
	}
	for _, m := range s.seed.Memberships {
		if m.ActorID == client.ActorID {
			snap.Memberships[m.ID] = m
		}
	}
	return snap, nil
}
