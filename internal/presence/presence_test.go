package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresence_Registry_JoinLeaveList(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	scope := GatewayScope("acct-1")

	r.Join(scope, "gw-1", Meta{Gateway: &GatewayMeta{SiteID: "site-1"}})
	r.Join(scope, "gw-2", Meta{Gateway: &GatewayMeta{SiteID: "site-2"}})

	got := r.List(scope)
	require.Len(t, got, 2)
	require.Equal(t, "site-1", got["gw-1"].Gateway.SiteID)

	r.Leave(scope, "gw-1")
	require.Len(t, r.List(scope), 1)

	// Scopes are independent.
	require.Empty(t, r.List(GatewayScope("acct-2")))
}

func TestPresence_Registry_RejoinRefreshesWithoutLeave(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ch, cancel := r.Subscribe(RelayScope)
	defer cancel()

	r.Join(RelayScope, "r1", Meta{Relay: &RelayMeta{Addr: "a:3478"}})
	r.Join(RelayScope, "r1", Meta{Relay: &RelayMeta{Addr: "b:3478"}})

	d := <-ch
	require.Contains(t, d.Joins, "r1")
	require.Empty(t, d.Leaves)

	d = <-ch
	require.Equal(t, "b:3478", d.Joins["r1"].Relay.Addr)
	require.Empty(t, d.Leaves)

	require.Equal(t, "b:3478", r.List(RelayScope)["r1"].Relay.Addr)
}

func TestPresence_Registry_LeaveUnknownIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ch, cancel := r.Subscribe(RelayScope)
	defer cancel()

	r.Leave(RelayScope, "never-joined")
	select {
	case d := <-ch:
		t.Fatalf("unexpected diff %+v", d)
	default:
	}
}

func TestPresence_Registry_SubscribeScoped(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	relayCh, cancelRelays := r.Subscribe(RelayScope)
	defer cancelRelays()
	gwCh, cancelGws := r.Subscribe(GatewayScope("acct-1"))
	defer cancelGws()

	r.Join(GatewayScope("acct-1"), "gw-1", Meta{Gateway: &GatewayMeta{}})

	d := <-gwCh
	require.Contains(t, d.Joins, "gw-1")

	select {
	case d := <-relayCh:
		t.Fatalf("relay subscriber saw gateway diff %+v", d)
	default:
	}
}

func TestPresence_Registry_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	ch, cancel := r.Subscribe(RelayScope)
	cancel()

	r.Join(RelayScope, "r1", Meta{Relay: &RelayMeta{}})

	_, open := <-ch
	require.False(t, open)
}

func TestPresence_Registry_JoinDuringUnsubscribe(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.Join(RelayScope, "r1", Meta{Relay: &RelayMeta{Addr: "a:3478"}})
			r.Leave(RelayScope, "r1")
		}
	}()

	// Subscribers churn while joins and leaves flow; a cancel must never
	// close a channel mid-delivery.
	for i := 0; i < 200; i++ {
		ch, cancel := r.Subscribe(RelayScope)
		go func() {
			for range ch {
			}
		}()
		cancel()
	}
	close(stop)
	wg.Wait()
}
