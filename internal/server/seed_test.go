package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/presence"
)

func testSeed() *Seed {
	return &Seed{
		Account: domain.Account{ID: "acct-1", Slug: "corp"},
		Tokens: []SeedToken{
			{
				Secret:   "s3cret-token",
				Token:    domain.Token{ID: "tok-1", AccountID: "acct-1", ActorID: "actor-1", ExpiresAt: time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)},
				ClientID: "client-1",
			},
		},
		Clients: []domain.Client{
			{ID: "client-1", AccountID: "acct-1", ActorID: "actor-1", Version: "1.4.0", IPv4: "100.64.0.5"},
		},
		Resources: []domain.Resource{
			{ID: "res-1", AccountID: "acct-1", Type: domain.ResourceTypeDNS, Address: "app.example.com", SiteID: "site-1"},
		},
		Sites:    []domain.Site{{ID: "site-1", AccountID: "acct-1", Name: "HQ"}},
		Policies: []domain.Policy{{ID: "pol-1", AccountID: "acct-1", GroupID: "grp-1", ResourceID: "res-1"}},
		Memberships: []domain.Membership{
			{ID: "m-1", ActorID: "actor-1", GroupID: "grp-1"},
			{ID: "m-other", ActorID: "actor-other", GroupID: "grp-1"},
		},
		Gateways: []domain.Gateway{
			{ID: "gw-1", AccountID: "acct-1", SiteID: "site-1", PublicKey: "gw-pk", Version: "1.4.0", IPv4: "203.0.113.1"},
		},
		Relays: []SeedRelay{
			{ID: "relay-1", Type: "turn", Addr: "relay-1:3478", Secret: "relay-secret"},
		},
	}
}

func TestServer_LoadSeed_RoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(testSeed())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Equal(t, "acct-1", seed.Account.ID)
	require.Len(t, seed.Tokens, 1)
	require.Len(t, seed.Relays, 1)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestServer_SeedStore_ValidateToken(t *testing.T) {
	t.Parallel()

	store := NewSeedStore(testSeed())

	token, client, err := store.Validate(context.Background(), "s3cret-token")
	require.NoError(t, err)
	require.Equal(t, "tok-1", token.ID)
	require.Equal(t, "client-1", client.ID)

	_, _, err = store.Validate(context.Background(), "wrong")
	require.Error(t, err)
}

func TestServer_SeedStore_IPStickyAcrossReconnects(t *testing.T) {
	t.Parallel()

	seed := testSeed()
	store := NewSeedStore(seed)

	_, first, err := store.Validate(context.Background(), "s3cret-token")
	require.NoError(t, err)
	require.Equal(t, "100.64.0.5", first.IPv4)

	// The seed mutating underneath does not change the allocation this
	// client already holds.
	seed.Clients[0].IPv4 = "100.64.0.99"
	_, second, err := store.Validate(context.Background(), "s3cret-token")
	require.NoError(t, err)
	require.Equal(t, "100.64.0.5", second.IPv4)
}

func TestServer_SeedStore_LoadScopesMemberships(t *testing.T) {
	t.Parallel()

	store := NewSeedStore(testSeed())
	client := domain.Client{ID: "client-1", AccountID: "acct-1", ActorID: "actor-1"}

	snap, err := store.Load(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, snap.Resources, 1)
	require.Len(t, snap.Sites, 1)
	require.Len(t, snap.Policies, 1)
	// Only this actor's memberships.
	require.Len(t, snap.Memberships, 1)
	require.Contains(t, snap.Memberships, "m-1")
}

func TestServer_Seed_JoinPresence(t *testing.T) {
	t.Parallel()

	registry := presence.NewRegistry()
	testSeed().JoinPresence(registry)

	gws := registry.List(presence.GatewayScope("acct-1"))
	require.Len(t, gws, 1)
	require.Equal(t, "site-1", gws["gw-1"].Gateway.SiteID)

	rls := registry.List(presence.RelayScope)
	require.Len(t, rls, 1)
	require.Equal(t, "relay-secret", rls["relay-1"].Relay.Secret)
}
