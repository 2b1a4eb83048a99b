package access

import (
	"net"
	"sort"

	"github.com/cordonlabs/cordon/internal/address"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/policy"
	"github.com/cordonlabs/cordon/internal/wire"
)

// evaluate decides whether resourceID is connectable for this client right
// now and, if so, builds its client-facing view.
func (e *Engine) evaluate(resourceID string) (wire.Resource, bool) {
	res, ok := e.snap.Resources[resourceID]
	if !ok {
		return wire.Resource{}, false
	}
	if granted, _ := e.granted(res); !granted {
		return wire.Resource{}, false
	}
	return e.view(res)
}

// granted runs the OR across every policy of every group the client's
// actor belongs to. Violated properties are only meaningful when no policy
// grants: they name the conditions that stood between the client and the
// closest-to-granting policies.
func (e *Engine) granted(res domain.Resource) (bool, []domain.ConditionProperty) {
	groups := make(map[string]struct{}, len(e.snap.Memberships))
	for _, m := range e.snap.Memberships {
		if m.ActorID == e.snap.Client.ActorID {
			groups[m.GroupID] = struct{}{}
		}
	}

	now := e.clock.Now().UTC()
	var violated []domain.ConditionProperty
	evaluated := false
	for _, p := range e.snap.Policies {
		if p.ResourceID != res.ID {
			continue
		}
		if _, ok := groups[p.GroupID]; !ok {
			continue
		}
		evaluated = true
		result := policy.Evaluate(p, e.snap.Client, now)
		if result.Allowed {
			return true, nil
		}
		violated = append(violated, result.Violated...)
	}
	if !evaluated {
		return false, nil
	}
	return false, dedupeProperties(violated)
}

// GrantingPolicy returns one policy currently granting resourceID, for
// authorization records. Which of several granting policies wins is not
// significant; the scan order makes it arbitrary but the grant itself is
// recomputed on every relevant change anyway.
func (e *Engine) GrantingPolicy(resourceID string) (domain.Policy, bool) {
	groups := make(map[string]struct{}, len(e.snap.Memberships))
	for _, m := range e.snap.Memberships {
		if m.ActorID == e.snap.Client.ActorID {
			groups[m.GroupID] = struct{}{}
		}
	}
	now := e.clock.Now().UTC()
	for _, p := range e.snap.Policies {
		if p.ResourceID != resourceID {
			continue
		}
		if _, ok := groups[p.GroupID]; !ok {
			continue
		}
		if policy.Evaluate(p, e.snap.Client, now).Allowed {
			return p, true
		}
	}
	return domain.Policy{}, false
}

// Violations reports the condition properties that deny resourceID, for
// flow_creation_failed payloads. Empty when no applicable policy exists at
// all: an unknown resource and an unauthorized one must look identical.
func (e *Engine) Violations(resourceID string) []string {
	res, ok := e.snap.Resources[resourceID]
	if !ok {
		return nil
	}
	granted, violated := e.granted(res)
	if granted {
		return nil
	}
	out := make([]string, 0, len(violated))
	for _, p := range violated {
		out = append(out, string(p))
	}
	return out
}

// view serializes res for this client: the site must still exist, the
// address must be expressible in the client's syntax level, and the IP
// stack must overlap with the client's assigned addresses.
func (e *Engine) view(res domain.Resource) (wire.Resource, bool) {
	if res.SiteID == "" {
		return wire.Resource{}, false
	}
	site, ok := e.snap.Sites[res.SiteID]
	if !ok {
		return wire.Resource{}, false
	}
	if res.Type == domain.ResourceTypeInternet && !e.clientVer.AtLeast(domain.MinClientVersionInternet) {
		return wire.Resource{}, false
	}
	if !e.stackCompatible(res.IPStack) {
		return wire.Resource{}, false
	}

	addr := res.Address
	if res.Type == domain.ResourceTypeDNS {
		downgraded, ok := address.ForClientVersion(res.Address, e.clientVer)
		if !ok {
			return wire.Resource{}, false
		}
		addr = downgraded
	}

	view := wire.Resource{
		ID:                 res.ID,
		Type:               string(res.Type),
		Name:               res.Name,
		Address:            addr,
		AddressDescription: res.AddressDescription,
		IPStack:            string(res.IPStack),
		GatewayGroups:      []wire.GatewayGroup{{ID: site.ID, Name: site.Name}},
		CanBeDisabled:      res.Type == domain.ResourceTypeInternet,
	}
	for _, f := range res.Filters {
		view.Filters = append(view.Filters, wire.Filter{
			Protocol:  f.Protocol,
			PortStart: f.PortStart,
			PortEnd:   f.PortEnd,
		})
	}
	return view, true
}

func (e *Engine) stackCompatible(stack domain.IPStack) bool {
	switch stack {
	case domain.IPStackIPv4Only:
		return e.snap.Client.IPv4 != ""
	case domain.IPStackIPv6Only:
		return e.snap.Client.IPv6 != ""
	default:
		return true
	}
}

// InterfaceView builds the interface payload for init and config_changed.
func (e *Engine) InterfaceView() wire.Interface {
	iface := wire.Interface{
		IPv4:         e.snap.Client.IPv4,
		IPv6:         e.snap.Client.IPv6,
		UpstreamDNS:  []wire.DNSServer{},
		SearchDomain: e.snap.Account.SearchDomain,
	}
	for _, addr := range e.snap.Account.UpstreamDNS {
		iface.UpstreamDNS = append(iface.UpstreamDNS, wire.DNSServer{Protocol: "ip_port", Address: addr})
		if host, _, err := net.SplitHostPort(addr); err == nil {
			iface.UpstreamDo53 = append(iface.UpstreamDo53, wire.UpstreamDo53{IP: host})
		}
	}
	for _, url := range e.snap.Account.UpstreamDoH {
		iface.UpstreamDoH = append(iface.UpstreamDoH, wire.UpstreamDoH{URL: url})
	}
	return iface
}

func dedupeProperties(props []domain.ConditionProperty) []domain.ConditionProperty {
	seen := make(map[domain.ConditionProperty]struct{}, len(props))
	out := props[:0]
	for _, p := range props {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
