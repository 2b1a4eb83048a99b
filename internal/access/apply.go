package access

import (
	"reflect"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/feed"
	"github.com/cordonlabs/cordon/internal/wire"
)

// Apply folds one change-feed event into the engine and returns the
// ordered messages to push to the client. Events at or below the watermark
// are duplicates or stale redeliveries and are silently absorbed; every
// in-order event advances the watermark, relevant or not.
func (e *Engine) Apply(change feed.Change) []Event {
	if change.LSN <= e.lastLSN {
		staleChanges.Inc()
		return nil
	}
	e.lastLSN = change.LSN

	var events []Event
	switch change.Table {
	case feed.TableAccount:
		events = e.applyAccount(change)
	case feed.TableClient:
		events = e.applyClient(change)
	case feed.TableResource:
		events = e.applyResource(change)
	case feed.TableSite:
		events = e.applySite(change)
	case feed.TableMembership:
		events = e.applyMembership(change)
	case feed.TablePolicy:
		events = e.applyPolicy(change)
	case feed.TableToken:
		events = e.applyToken(change)
	default:
		// Unknown tables advance the watermark and nothing else.
	}

	appliedChanges.WithLabelValues(string(change.Table), string(change.Op)).Inc()
	connectableSize.Set(float64(len(e.connectable)))
	return events
}

func (e *Engine) applyAccount(change feed.Change) []Event {
	if change.Op == feed.OpDelete {
		account, err := change.Account()
		if err != nil {
			account, err = change.OldAccount()
		}
		if err == nil && account.ID != e.snap.Account.ID {
			return nil
		}
		return []Event{{Kind: EventTerminate}}
	}
	account, err := change.Account()
	if err != nil {
		e.log.Error("malformed account change", "error", err)
		return nil
	}
	if account.ID != e.snap.Account.ID {
		return nil
	}
	old := e.snap.Account
	e.snap.Account = account

	if !reflect.DeepEqual(old.UpstreamDNS, account.UpstreamDNS) ||
		!reflect.DeepEqual(old.UpstreamDoH, account.UpstreamDoH) ||
		old.SearchDomain != account.SearchDomain {
		iface := e.InterfaceView()
		return []Event{{Kind: EventConfigChanged, Interface: &iface}}
	}
	return nil
}

func (e *Engine) applyClient(change feed.Change) []Event {
	// Deletes may carry only the pre-image.
	client, err := change.Client()
	if err != nil {
		client, err = change.OldClient()
	}
	if err != nil {
		e.log.Error("malformed client change", "error", err)
		return nil
	}
	if client.ID != e.snap.Client.ID {
		return nil
	}
	if change.Op == feed.OpDelete {
		return []Event{{Kind: EventTerminate}}
	}

	// IP assignment is sticky: a feed payload that omits it must not
	// clobber the allocation this session connected with.
	if client.IPv4 == "" {
		client.IPv4 = e.snap.Client.IPv4
	}
	if client.IPv6 == "" {
		client.IPv6 = e.snap.Client.IPv6
	}

	old := e.snap.Client
	e.snap.Client = client

	// Verification and the rest of the policy context feed condition
	// evaluation, so any of them flipping can both add and remove
	// resources in the same event. An update may flip the context and
	// move the assigned addresses at once; both reactions go out.
	contextChanged := old.Verified() != client.Verified() ||
		old.Location.Region != client.Location.Region ||
		old.ProviderID != client.ProviderID ||
		old.RemoteIP != client.RemoteIP
	ipChanged := old.IPv4 != client.IPv4 || old.IPv6 != client.IPv6
	if !contextChanged && !ipChanged {
		return nil
	}
	events := e.recomputeAll()
	if ipChanged {
		iface := e.InterfaceView()
		events = append(events, Event{Kind: EventConfigChanged, Interface: &iface})
	}
	return events
}

func (e *Engine) applyToken(change feed.Change) []Event {
	if change.Op != feed.OpDelete {
		return nil
	}
	token, err := change.Token()
	if err != nil {
		e.log.Error("malformed token change", "error", err)
		return nil
	}
	if token.ID != e.tokenID {
		return nil
	}
	return []Event{{Kind: EventTerminate}}
}

func (e *Engine) applyMembership(change feed.Change) []Event {
	m, err := change.Membership()
	if err != nil {
		m, err = change.OldMembership()
	}
	if err != nil {
		e.log.Error("malformed membership change", "error", err)
		return nil
	}
	switch change.Op {
	case feed.OpInsert:
		if m.ActorID != e.snap.Client.ActorID {
			return nil
		}
		e.snap.Memberships[m.ID] = m
		return e.reevaluateGroup(m.GroupID)
	case feed.OpDelete:
		if _, ok := e.snap.Memberships[m.ID]; !ok {
			return nil
		}
		delete(e.snap.Memberships, m.ID)
		return e.reevaluateGroup(m.GroupID)
	default:
		return nil
	}
}

// reevaluateGroup re-evaluates every resource reachable through the
// policies of one group. A membership insert only adds what no other
// membership already grants; a delete only removes what no surviving
// grant still covers.
func (e *Engine) reevaluateGroup(groupID string) []Event {
	affected := make(map[string]struct{})
	for _, p := range e.snap.Policies {
		if p.GroupID == groupID {
			affected[p.ResourceID] = struct{}{}
		}
	}
	var events []Event
	for _, id := range sortedKeys(affected) {
		events = append(events, e.reconcile(id)...)
	}
	return events
}

func (e *Engine) applyPolicy(change feed.Change) []Event {
	switch change.Op {
	case feed.OpInsert:
		p, err := change.Policy()
		if err != nil {
			e.log.Error("malformed policy change", "error", err)
			return nil
		}
		e.snap.Policies[p.ID] = p
		return e.reconcile(p.ResourceID)

	case feed.OpDelete:
		p, err := change.Policy()
		if err != nil {
			p, err = change.OldPolicy()
		}
		if err != nil {
			e.log.Error("malformed policy change", "error", err)
			return nil
		}
		stored, ok := e.snap.Policies[p.ID]
		if !ok {
			return nil
		}
		delete(e.snap.Policies, p.ID)
		return e.reconcile(stored.ResourceID)

	case feed.OpUpdate:
		updated, err := change.Policy()
		if err != nil {
			e.log.Error("malformed policy change", "error", err)
			return nil
		}
		old, ok := e.snap.Policies[updated.ID]
		if !ok {
			if old, err = change.OldPolicy(); err != nil {
				old = updated
			}
		}
		e.snap.Policies[updated.ID] = updated

		breaking := old.GroupID != updated.GroupID ||
			old.ResourceID != updated.ResourceID ||
			!reflect.DeepEqual(old.Conditions, updated.Conditions)
		if !breaking {
			return nil
		}

		var events []Event
		if old.ResourceID != updated.ResourceID {
			events = append(events, e.reconcile(old.ResourceID)...)
			events = append(events, e.reconcile(updated.ResourceID)...)
			return events
		}

		// A breaking update tears down any flow the old policy
		// authorized, so the client sees an explicit delete before the
		// re-add even when access survives the edit. The two messages
		// stay distinct and ordered, never coalesced.
		if _, was := e.connectable[updated.ResourceID]; was {
			delete(e.connectable, updated.ResourceID)
			events = append(events, Event{Kind: EventResourceDeleted, ResourceID: updated.ResourceID})
		}
		if view, ok := e.evaluate(updated.ResourceID); ok {
			e.connectable[updated.ResourceID] = view
			events = append(events, Event{Kind: EventResourceCreatedOrUpdated, Resource: &view})
		}
		return events

	default:
		return nil
	}
}

func (e *Engine) applyResource(change feed.Change) []Event {
	switch change.Op {
	case feed.OpInsert:
		res, err := change.Resource()
		if err != nil {
			e.log.Error("malformed resource change", "error", err)
			return nil
		}
		e.snap.Resources[res.ID] = res
		return e.reconcile(res.ID)

	case feed.OpDelete:
		res, err := change.Resource()
		if err != nil {
			res, err = change.OldResource()
		}
		if err != nil {
			e.log.Error("malformed resource change", "error", err)
			return nil
		}
		delete(e.snap.Resources, res.ID)
		if _, was := e.connectable[res.ID]; was {
			delete(e.connectable, res.ID)
			return []Event{{Kind: EventResourceDeleted, ResourceID: res.ID}}
		}
		return nil

	case feed.OpUpdate:
		updated, err := change.Resource()
		if err != nil {
			e.log.Error("malformed resource change", "error", err)
			return nil
		}
		old, had := e.snap.Resources[updated.ID]
		if !had {
			if old, err = change.OldResource(); err != nil {
				old = updated
			}
		}
		e.snap.Resources[updated.ID] = updated

		_, was := e.connectable[updated.ID]
		view, now := e.evaluate(updated.ID)

		identityChanged := old.Address != updated.Address ||
			old.Type != updated.Type ||
			old.SiteID != updated.SiteID

		switch {
		case was && !now:
			delete(e.connectable, updated.ID)
			return []Event{{Kind: EventResourceDeleted, ResourceID: updated.ID}}
		case !was && now:
			e.connectable[updated.ID] = view
			return []Event{{Kind: EventResourceCreatedOrUpdated, Resource: &view}}
		case was && now && identityChanged:
			// Address, type or site changes re-key the resource on the
			// client side: an explicit delete precedes the recreate,
			// which already carries the new site.
			e.connectable[updated.ID] = view
			return []Event{
				{Kind: EventResourceDeleted, ResourceID: updated.ID},
				{Kind: EventResourceCreatedOrUpdated, Resource: &view},
			}
		case was && now:
			if reflect.DeepEqual(e.connectable[updated.ID], view) {
				return nil
			}
			e.connectable[updated.ID] = view
			return []Event{{Kind: EventResourceCreatedOrUpdated, Resource: &view}}
		default:
			return nil
		}

	default:
		return nil
	}
}

func (e *Engine) applySite(change feed.Change) []Event {
	site, err := change.Site()
	if err != nil {
		e.log.Error("malformed site change", "error", err)
		return nil
	}
	switch change.Op {
	case feed.OpInsert:
		e.snap.Sites[site.ID] = site
		return nil
	case feed.OpDelete:
		delete(e.snap.Sites, site.ID)
		return e.refreshSite(site.ID)
	case feed.OpUpdate:
		e.snap.Sites[site.ID] = site
		return e.refreshSite(site.ID)
	default:
		return nil
	}
}

// refreshSite rebuilds the payloads of every connectable resource on a
// site. A rename only refreshes the gateway_groups sub-payload; a site
// deletion fails the view and removes the resource.
func (e *Engine) refreshSite(siteID string) []Event {
	var events []Event
	for _, id := range sortedKeys(e.connectable) {
		res, ok := e.snap.Resources[id]
		if !ok || res.SiteID != siteID {
			continue
		}
		events = append(events, e.reconcile(id)...)
	}
	return events
}

// reconcile brings one resource's connectable entry in line with the
// current snapshot, emitting at most one message.
func (e *Engine) reconcile(resourceID string) []Event {
	_, was := e.connectable[resourceID]
	view, now := e.evaluate(resourceID)
	switch {
	case was && !now:
		delete(e.connectable, resourceID)
		return []Event{{Kind: EventResourceDeleted, ResourceID: resourceID}}
	case !was && now:
		e.connectable[resourceID] = view
		return []Event{{Kind: EventResourceCreatedOrUpdated, Resource: &view}}
	case was && now && !reflect.DeepEqual(e.connectable[resourceID], view):
		e.connectable[resourceID] = view
		return []Event{{Kind: EventResourceCreatedOrUpdated, Resource: &view}}
	default:
		return nil
	}
}

// recomputeAll re-evaluates every resource in the account, used when the
// client's own policy context changes. Removals are emitted before
// additions, each in id order.
func (e *Engine) recomputeAll() []Event {
	recomputeOps.Inc()
	next := make(map[string]wire.Resource, len(e.connectable))
	for id := range e.snap.Resources {
		if view, ok := e.evaluate(id); ok {
			next[id] = view
		}
	}

	var events []Event
	for _, id := range sortedKeys(e.connectable) {
		if _, ok := next[id]; !ok {
			events = append(events, Event{Kind: EventResourceDeleted, ResourceID: id})
		}
	}
	for _, id := range sortedKeys(next) {
		view := next[id]
		if prev, ok := e.connectable[id]; !ok || !reflect.DeepEqual(prev, view) {
			events = append(events, Event{Kind: EventResourceCreatedOrUpdated, Resource: &view})
		}
	}
	e.connectable = next
	return events
}

// Refresh re-evaluates time-bound conditions on a scheduled wake-up; no
// change-feed event marks a day-of-week boundary crossing.
func (e *Engine) Refresh() []Event {
	if !e.hasTimeConditions() {
		return nil
	}
	return e.recomputeAll()
}

func (e *Engine) hasTimeConditions() bool {
	for _, p := range e.snap.Policies {
		for _, c := range p.Conditions {
			if c.Property == domain.ConditionUTCDatetime {
				return true
			}
		}
	}
	return false
}
