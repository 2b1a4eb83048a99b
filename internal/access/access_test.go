package access

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/feed"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSnapshot builds an account with one site, one DNS resource, one
// group the client's actor belongs to, and one unconditional policy
// granting the resource.
func testSnapshot() *Snapshot {
	snap := NewSnapshot(
		domain.Account{ID: "acct-1", Slug: "corp", UpstreamDNS: []string{"10.0.0.53:53"}},
		domain.Client{ID: "client-1", AccountID: "acct-1", ActorID: "actor-1", Version: "1.4.0", IPv4: "100.64.0.5", IPv6: "fd00::5"},
	)
	snap.Sites["site-1"] = domain.Site{ID: "site-1", AccountID: "acct-1", Name: "HQ"}
	snap.Resources["res-1"] = domain.Resource{
		ID: "res-1", AccountID: "acct-1", Type: domain.ResourceTypeDNS,
		Name: "app", Address: "app.example.com", SiteID: "site-1",
	}
	snap.Memberships["m-1"] = domain.Membership{ID: "m-1", ActorID: "actor-1", GroupID: "grp-1"}
	snap.Policies["pol-1"] = domain.Policy{ID: "pol-1", AccountID: "acct-1", GroupID: "grp-1", ResourceID: "res-1"}
	return snap
}

func testEngine(t *testing.T, snap *Snapshot) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC))
	eng, err := NewEngine(Config{
		Logger:   testLogger(),
		Clock:    clock,
		Snapshot: snap,
		TokenID:  "tok-1",
	})
	require.NoError(t, err)
	return eng, clock
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func change(t *testing.T, lsn uint64, op feed.Op, table feed.Table, v any) feed.Change {
	t.Helper()
	return feed.Change{LSN: lsn, Op: op, Table: table, AccountID: "acct-1", Struct: mustRaw(t, v)}
}

func TestAccess_Engine_InitSortedGrantedSet(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Resources["res-0"] = domain.Resource{
		ID: "res-0", AccountID: "acct-1", Type: domain.ResourceTypeIP,
		Name: "db", Address: "10.1.2.3", SiteID: "site-1",
	}
	snap.Policies["pol-0"] = domain.Policy{ID: "pol-0", GroupID: "grp-1", ResourceID: "res-0"}
	// A resource with no policy never shows up.
	snap.Resources["res-orphan"] = domain.Resource{
		ID: "res-orphan", Type: domain.ResourceTypeIP, Address: "10.9.9.9", SiteID: "site-1",
	}

	eng, _ := testEngine(t, snap)
	got := eng.Init()
	require.Len(t, got, 2)
	require.Equal(t, "res-0", got[0].ID)
	require.Equal(t, "res-1", got[1].ID)
	require.Equal(t, "app.example.com", got[1].Address)
	require.Equal(t, "HQ", got[1].GatewayGroups[0].Name)
}

func TestAccess_Engine_StaleLSNDropped(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	res := domain.Resource{ID: "res-1", Type: domain.ResourceTypeDNS, Name: "renamed", Address: "app.example.com", SiteID: "site-1"}
	events := eng.Apply(change(t, 10, feed.OpUpdate, feed.TableResource, res))
	require.Len(t, events, 1)
	require.Equal(t, uint64(10), eng.LastLSN())

	// A redelivery of the same LSN and anything older is absorbed, even
	// if the payload differs.
	res.Name = "renamed again"
	require.Nil(t, eng.Apply(change(t, 10, feed.OpUpdate, feed.TableResource, res)))
	require.Nil(t, eng.Apply(change(t, 3, feed.OpUpdate, feed.TableResource, res)))
	require.Equal(t, uint64(10), eng.LastLSN())

	view, ok := eng.Connectable("res-1")
	require.True(t, ok)
	require.Equal(t, "renamed", view.Name)
}

func TestAccess_Engine_IrrelevantChangeAdvancesWatermark(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// A change for another client still moves the watermark.
	other := domain.Client{ID: "client-other", ActorID: "actor-9", Version: "1.4.0"}
	require.Nil(t, eng.Apply(change(t, 5, feed.OpUpdate, feed.TableClient, other)))
	require.Equal(t, uint64(5), eng.LastLSN())

	c := feed.Change{LSN: 6, Op: feed.OpInsert, Table: "unknown_table", AccountID: "acct-1"}
	require.Nil(t, eng.Apply(c))
	require.Equal(t, uint64(6), eng.LastLSN())
}

func TestAccess_Engine_MembershipORSemantics(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	// Second membership whose group also grants res-1.
	snap.Memberships["m-2"] = domain.Membership{ID: "m-2", ActorID: "actor-1", GroupID: "grp-2"}
	snap.Policies["pol-2"] = domain.Policy{ID: "pol-2", GroupID: "grp-2", ResourceID: "res-1"}

	eng, _ := testEngine(t, snap)
	eng.Init()

	// Losing one of two grants changes nothing on the wire.
	m2 := domain.Membership{ID: "m-2", ActorID: "actor-1", GroupID: "grp-2"}
	require.Nil(t, eng.Apply(change(t, 1, feed.OpDelete, feed.TableMembership, m2)))
	_, ok := eng.Connectable("res-1")
	require.True(t, ok)

	// Losing the last grant removes the resource.
	m1 := domain.Membership{ID: "m-1", ActorID: "actor-1", GroupID: "grp-1"}
	events := eng.Apply(change(t, 2, feed.OpDelete, feed.TableMembership, m1))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)
	_, ok = eng.Connectable("res-1")
	require.False(t, ok)
}

func TestAccess_Engine_MembershipInsertGrants(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	delete(snap.Memberships, "m-1")
	eng, _ := testEngine(t, snap)
	require.Empty(t, eng.Init())

	m := domain.Membership{ID: "m-1", ActorID: "actor-1", GroupID: "grp-1"}
	events := eng.Apply(change(t, 1, feed.OpInsert, feed.TableMembership, m))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceCreatedOrUpdated, events[0].Kind)
	require.Equal(t, "res-1", events[0].Resource.ID)

	// A membership for a different actor is ignored.
	foreign := domain.Membership{ID: "m-9", ActorID: "actor-other", GroupID: "grp-1"}
	require.Nil(t, eng.Apply(change(t, 2, feed.OpInsert, feed.TableMembership, foreign)))
}

func TestAccess_Engine_BreakingPolicyUpdateEmitsDeleteThenCreate(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	updated := domain.Policy{
		ID: "pol-1", GroupID: "grp-1", ResourceID: "res-1",
		Conditions: []domain.Condition{
			{Property: domain.ConditionClientVerified, Operator: domain.OperatorIsNot, Values: []string{"true"}},
		},
	}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TablePolicy, updated))
	require.Len(t, events, 2)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)
	require.Equal(t, EventResourceCreatedOrUpdated, events[1].Kind)
	require.Equal(t, "res-1", events[1].Resource.ID)
}

func TestAccess_Engine_BreakingPolicyUpdateLosingAccess(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// Conditions now require verification the client lacks: delete only.
	updated := domain.Policy{
		ID: "pol-1", GroupID: "grp-1", ResourceID: "res-1",
		Conditions: []domain.Condition{
			{Property: domain.ConditionClientVerified, Operator: domain.OperatorIs, Values: []string{"true"}},
		},
	}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TablePolicy, updated))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
}

func TestAccess_Engine_CosmeticPolicyUpdateSilent(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// Same group, resource and conditions: nothing breaking changed.
	same := domain.Policy{ID: "pol-1", AccountID: "acct-1", GroupID: "grp-1", ResourceID: "res-1"}
	require.Nil(t, eng.Apply(change(t, 1, feed.OpUpdate, feed.TablePolicy, same)))
}

func TestAccess_Engine_PolicyMovedBetweenResources(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Resources["res-2"] = domain.Resource{
		ID: "res-2", Type: domain.ResourceTypeIP, Name: "db", Address: "10.1.2.3", SiteID: "site-1",
	}
	eng, _ := testEngine(t, snap)
	eng.Init()

	moved := domain.Policy{ID: "pol-1", GroupID: "grp-1", ResourceID: "res-2"}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TablePolicy, moved))
	require.Len(t, events, 2)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)
	require.Equal(t, EventResourceCreatedOrUpdated, events[1].Kind)
	require.Equal(t, "res-2", events[1].Resource.ID)
}

func TestAccess_Engine_PolicyDeleteUsesStoredResource(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// Delete payload carries only the id; the stored policy locates the
	// affected resource.
	events := eng.Apply(change(t, 1, feed.OpDelete, feed.TablePolicy, domain.Policy{ID: "pol-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)

	// Deleting a policy the engine never saw is a no-op.
	require.Nil(t, eng.Apply(change(t, 2, feed.OpDelete, feed.TablePolicy, domain.Policy{ID: "pol-ghost"})))
}

func TestAccess_Engine_VerificationToggleRecomputesAll(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	// res-1 stays unconditional; res-2 needs verification; res-3 needs
	// the client to be unverified.
	snap.Resources["res-2"] = domain.Resource{ID: "res-2", Type: domain.ResourceTypeIP, Address: "10.1.2.3", SiteID: "site-1"}
	snap.Policies["pol-2"] = domain.Policy{
		ID: "pol-2", GroupID: "grp-1", ResourceID: "res-2",
		Conditions: []domain.Condition{{Property: domain.ConditionClientVerified, Operator: domain.OperatorIs, Values: []string{"true"}}},
	}
	snap.Resources["res-3"] = domain.Resource{ID: "res-3", Type: domain.ResourceTypeIP, Address: "10.1.2.4", SiteID: "site-1"}
	snap.Policies["pol-3"] = domain.Policy{
		ID: "pol-3", GroupID: "grp-1", ResourceID: "res-3",
		Conditions: []domain.Condition{{Property: domain.ConditionClientVerified, Operator: domain.OperatorIsNot, Values: []string{"true"}}},
	}

	eng, clock := testEngine(t, snap)
	require.Len(t, eng.Init(), 2) // res-1 + res-3

	verifiedAt := clock.Now()
	c := snap.Client
	c.VerifiedAt = &verifiedAt
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableClient, c))

	// Removals first, then additions, each in id order.
	require.Len(t, events, 2)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-3", events[0].ResourceID)
	require.Equal(t, EventResourceCreatedOrUpdated, events[1].Kind)
	require.Equal(t, "res-2", events[1].Resource.ID)
}

func TestAccess_Engine_ClientIPSticky(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// Feed payload omits the assigned addresses; they survive.
	c := domain.Client{ID: "client-1", AccountID: "acct-1", ActorID: "actor-1", Version: "1.4.0"}
	require.Nil(t, eng.Apply(change(t, 1, feed.OpUpdate, feed.TableClient, c)))
	require.Equal(t, "100.64.0.5", eng.Client().IPv4)
	require.Equal(t, "fd00::5", eng.Client().IPv6)
}

func TestAccess_Engine_ClientIPChangeEmitsConfigChanged(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	c := eng.Client()
	c.IPv4 = "100.64.0.99"
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableClient, c))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, EventConfigChanged, last.Kind)
	require.Equal(t, "100.64.0.99", last.Interface.IPv4)
}

func TestAccess_Engine_ClientDeleteTerminates(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	events := eng.Apply(change(t, 1, feed.OpDelete, feed.TableClient, domain.Client{ID: "client-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventTerminate, events[0].Kind)

	// Another client's deletion is not ours.
	eng2, _ := testEngine(t, testSnapshot())
	eng2.Init()
	require.Nil(t, eng2.Apply(change(t, 1, feed.OpDelete, feed.TableClient, domain.Client{ID: "client-other"})))
}

func TestAccess_Engine_TokenDeleteTerminates(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	require.Nil(t, eng.Apply(change(t, 1, feed.OpDelete, feed.TableToken, domain.Token{ID: "tok-other"})))

	events := eng.Apply(change(t, 2, feed.OpDelete, feed.TableToken, domain.Token{ID: "tok-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventTerminate, events[0].Kind)
}

func TestAccess_Engine_AccountDNSChangeEmitsConfigChanged(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	a := domain.Account{ID: "acct-1", Slug: "corp", UpstreamDNS: []string{"10.0.0.53:53"}, SearchDomain: "corp.example.com"}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableAccount, a))
	require.Len(t, events, 1)
	require.Equal(t, EventConfigChanged, events[0].Kind)
	require.Equal(t, "corp.example.com", events[0].Interface.SearchDomain)

	// Same payload again is cosmetic.
	require.Nil(t, eng.Apply(change(t, 2, feed.OpUpdate, feed.TableAccount, a)))
}

func TestAccess_Engine_ResourceIdentityChangePair(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Sites["site-2"] = domain.Site{ID: "site-2", Name: "DR"}
	eng, _ := testEngine(t, snap)
	eng.Init()

	moved := domain.Resource{
		ID: "res-1", Type: domain.ResourceTypeDNS, Name: "app",
		Address: "app.example.com", SiteID: "site-2",
	}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableResource, moved))
	require.Len(t, events, 2)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, EventResourceCreatedOrUpdated, events[1].Kind)
	// The recreate already carries the new site.
	require.Equal(t, "site-2", events[1].Resource.GatewayGroups[0].ID)
	require.Equal(t, "DR", events[1].Resource.GatewayGroups[0].Name)
}

func TestAccess_Engine_ResourceCosmeticUpdateSingleEvent(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	renamed := domain.Resource{
		ID: "res-1", Type: domain.ResourceTypeDNS, Name: "app v2",
		Address: "app.example.com", SiteID: "site-1",
	}
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableResource, renamed))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceCreatedOrUpdated, events[0].Kind)
	require.Equal(t, "app v2", events[0].Resource.Name)

	// Identical update again produces nothing.
	require.Nil(t, eng.Apply(change(t, 2, feed.OpUpdate, feed.TableResource, renamed)))
}

func TestAccess_Engine_SiteRenameRefreshesResources(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableSite, domain.Site{ID: "site-1", Name: "HQ East"}))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceCreatedOrUpdated, events[0].Kind)
	require.Equal(t, "HQ East", events[0].Resource.GatewayGroups[0].Name)
}

func TestAccess_Engine_SiteDeleteRemovesResources(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	events := eng.Apply(change(t, 1, feed.OpDelete, feed.TableSite, domain.Site{ID: "site-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)
}

func TestAccess_Engine_DNSDowngradeDropsForOldClient(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Client.Version = "1.3.0"
	snap.Resources["res-1"] = domain.Resource{
		ID: "res-1", Type: domain.ResourceTypeDNS, Name: "app",
		Address: "app-?.example.com", SiteID: "site-1",
	}
	snap.Resources["res-2"] = domain.Resource{
		ID: "res-2", Type: domain.ResourceTypeDNS, Name: "wild",
		Address: "**.example.com", SiteID: "site-1",
	}
	snap.Policies["pol-2"] = domain.Policy{ID: "pol-2", GroupID: "grp-1", ResourceID: "res-2"}

	eng, _ := testEngine(t, snap)
	got := eng.Init()
	// res-1 has no lossless downgrade; res-2 downgrades to *.
	require.Len(t, got, 1)
	require.Equal(t, "res-2", got[0].ID)
	require.Equal(t, "*.example.com", got[0].Address)
}

func TestAccess_Engine_InternetResourceGatedOnClientVersion(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Client.Version = "1.2.0"
	snap.Resources["res-net"] = domain.Resource{ID: "res-net", Type: domain.ResourceTypeInternet, SiteID: "site-1"}
	snap.Policies["pol-net"] = domain.Policy{ID: "pol-net", GroupID: "grp-1", ResourceID: "res-net"}

	eng, _ := testEngine(t, snap)
	got := eng.Init()
	require.Len(t, got, 1)
	require.Equal(t, "res-1", got[0].ID)

	snap2 := testSnapshot()
	snap2.Resources["res-net"] = domain.Resource{ID: "res-net", Type: domain.ResourceTypeInternet, SiteID: "site-1"}
	snap2.Policies["pol-net"] = domain.Policy{ID: "pol-net", GroupID: "grp-1", ResourceID: "res-net"}
	eng2, _ := testEngine(t, snap2)
	got2 := eng2.Init()
	require.Len(t, got2, 2)
	require.Equal(t, "res-net", got2[1].ID)
	require.True(t, got2[1].CanBeDisabled)
}

func TestAccess_Engine_StackCompatibility(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Client.IPv6 = ""
	snap.Resources["res-6"] = domain.Resource{
		ID: "res-6", Type: domain.ResourceTypeIP, Address: "fd00::1",
		IPStack: domain.IPStackIPv6Only, SiteID: "site-1",
	}
	snap.Policies["pol-6"] = domain.Policy{ID: "pol-6", GroupID: "grp-1", ResourceID: "res-6"}

	eng, _ := testEngine(t, snap)
	got := eng.Init()
	require.Len(t, got, 1)
	require.Equal(t, "res-1", got[0].ID)
}

func TestAccess_Engine_Violations(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Policies["pol-1"] = domain.Policy{
		ID: "pol-1", GroupID: "grp-1", ResourceID: "res-1",
		Conditions: []domain.Condition{
			{Property: domain.ConditionClientVerified, Operator: domain.OperatorIs, Values: []string{"true"}},
		},
	}
	eng, _ := testEngine(t, snap)
	require.Empty(t, eng.Init())

	require.Equal(t, []string{"client_verified"}, eng.Violations("res-1"))

	// Unknown resources and resources with no applicable policy look
	// identical: no violations either way.
	require.Empty(t, eng.Violations("res-ghost"))

	snap.Resources["res-bare"] = domain.Resource{ID: "res-bare", Type: domain.ResourceTypeIP, SiteID: "site-1"}
	require.Empty(t, eng.Violations("res-bare"))
}

func TestAccess_Engine_GrantingPolicy(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	p, ok := eng.GrantingPolicy("res-1")
	require.True(t, ok)
	require.Equal(t, "pol-1", p.ID)

	_, ok = eng.GrantingPolicy("res-ghost")
	require.False(t, ok)
}

func TestAccess_Engine_RefreshOnlyWithTimeConditions(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()
	require.Nil(t, eng.Refresh())

	snap := testSnapshot()
	snap.Policies["pol-1"] = domain.Policy{
		ID: "pol-1", GroupID: "grp-1", ResourceID: "res-1",
		Conditions: []domain.Condition{
			{
				Property: domain.ConditionUTCDatetime,
				Operator: domain.OperatorIsInDayOfWeekTimeRanges,
				Values:   []string{"MTWRF/09:00:00-17:00:00/UTC"},
			},
		},
	}
	eng2, clock := testEngine(t, snap)
	require.Len(t, eng2.Init(), 1) // Wednesday noon: inside the window.

	clock.Advance(6 * time.Hour) // 18:00: outside.
	events := eng2.Refresh()
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
}

func TestAccess_Engine_InterfaceViewSplitsDNS(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Account.UpstreamDNS = []string{"10.0.0.53:53", "10.0.0.54:53"}
	snap.Account.UpstreamDoH = []string{"https://dns.example.com/dns-query"}
	snap.Account.SearchDomain = "corp.example.com"

	eng, _ := testEngine(t, snap)
	iface := eng.InterfaceView()
	require.Equal(t, "100.64.0.5", iface.IPv4)
	require.Len(t, iface.UpstreamDNS, 2)
	require.Equal(t, "ip_port", iface.UpstreamDNS[0].Protocol)
	require.Equal(t, []string{"10.0.0.53", "10.0.0.54"}, []string{iface.UpstreamDo53[0].IP, iface.UpstreamDo53[1].IP})
	require.Equal(t, "https://dns.example.com/dns-query", iface.UpstreamDoH[0].URL)
	require.Equal(t, "corp.example.com", iface.SearchDomain)
}

// oldChange builds a change whose payload is only the pre-image, the shape
// replication emits for deletes.
func oldChange(t *testing.T, lsn uint64, table feed.Table, v any) feed.Change {
	t.Helper()
	return feed.Change{LSN: lsn, Op: feed.OpDelete, Table: table, AccountID: "acct-1", OldStruct: mustRaw(t, v)}
}

func TestAccess_Engine_CombinedVerificationAndIPChange(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Resources["res-2"] = domain.Resource{ID: "res-2", Type: domain.ResourceTypeIP, Address: "10.1.2.3", SiteID: "site-1"}
	snap.Policies["pol-2"] = domain.Policy{
		ID: "pol-2", GroupID: "grp-1", ResourceID: "res-2",
		Conditions: []domain.Condition{{Property: domain.ConditionClientVerified, Operator: domain.OperatorIs, Values: []string{"true"}}},
	}

	eng, clock := testEngine(t, snap)
	require.Len(t, eng.Init(), 1) // res-1 only until verified.

	// One update flips verification and moves the tunnel address; the
	// recompute and the interface change both go out.
	verifiedAt := clock.Now()
	c := snap.Client
	c.VerifiedAt = &verifiedAt
	c.IPv4 = "100.64.0.99"
	events := eng.Apply(change(t, 1, feed.OpUpdate, feed.TableClient, c))

	require.Len(t, events, 2)
	require.Equal(t, EventResourceCreatedOrUpdated, events[0].Kind)
	require.Equal(t, "res-2", events[0].Resource.ID)
	require.Equal(t, EventConfigChanged, events[1].Kind)
	require.Equal(t, "100.64.0.99", events[1].Interface.IPv4)
}

func TestAccess_Engine_ClientDeleteWithPreImageOnly(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	events := eng.Apply(oldChange(t, 1, feed.TableClient, domain.Client{ID: "client-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventTerminate, events[0].Kind)
}

func TestAccess_Engine_MembershipDeleteWithPreImageOnly(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	m := domain.Membership{ID: "m-1", ActorID: "actor-1", GroupID: "grp-1"}
	events := eng.Apply(oldChange(t, 1, feed.TableMembership, m))
	require.Len(t, events, 1)
	require.Equal(t, EventResourceDeleted, events[0].Kind)
	require.Equal(t, "res-1", events[0].ResourceID)
}

func TestAccess_Engine_AccountDeleteWithPreImageOnly(t *testing.T) {
	t.Parallel()

	eng, _ := testEngine(t, testSnapshot())
	eng.Init()

	// Another account being dropped does not end this session.
	require.Nil(t, eng.Apply(oldChange(t, 1, feed.TableAccount, domain.Account{ID: "acct-other"})))

	events := eng.Apply(oldChange(t, 2, feed.TableAccount, domain.Account{ID: "acct-1"}))
	require.Len(t, events, 1)
	require.Equal(t, EventTerminate, events[0].Kind)
}
