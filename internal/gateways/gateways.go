// Package gateways selects an online, version-compatible gateway for a
// resource. Selection is deterministic for a given presence snapshot so
// repeated requests land on the same gateway unless presence changed.
package gateways

import (
	"errors"
	"sort"

	"github.com/cordonlabs/cordon/internal/address"
	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/presence"
)

var (
	// ErrNotFound: the resource is not in the client's connectable set.
	// Deliberately the same answer for "no grant" and "no such resource"
	// so a probing client learns nothing about resource existence.
	ErrNotFound = errors.New("resource not found")
	// ErrOffline: the grant exists but no compatible gateway is online.
	ErrOffline = errors.New("no compatible gateway online")
)

// Candidate is one online gateway as seen through the presence registry.
type Candidate struct {
	ID   string
	Meta presence.GatewayMeta
}

// Select picks a gateway serving res's site for a client running
// clientVersion. requestedIDs, when non-empty, are preferred in request
// order; otherwise the compatible gateway with the lowest id wins.
func Select(res domain.Resource, online map[string]presence.GatewayMeta, requestedIDs []string, clientVersion domain.Version) (Candidate, error) {
	if !ClientCanRequest(res, clientVersion) {
		return Candidate{}, ErrOffline
	}

	var compatible []Candidate
	for id, meta := range online {
		if meta.SiteID != res.SiteID {
			continue
		}
		if !gatewayCanServe(res, meta.Version) {
			continue
		}
		compatible = append(compatible, Candidate{ID: id, Meta: meta})
	}
	if len(compatible) == 0 {
		return Candidate{}, ErrOffline
	}

	for _, want := range requestedIDs {
		for _, c := range compatible {
			if c.ID == want {
				return c, nil
			}
		}
	}

	sort.Slice(compatible, func(i, j int) bool { return compatible[i].ID < compatible[j].ID })
	return compatible[0], nil
}

// ClientCanRequest reports whether a client at v may request res at all.
// Old clients do not understand the internet resource.
func ClientCanRequest(res domain.Resource, v domain.Version) bool {
	if res.Type == domain.ResourceTypeInternet {
		return v.AtLeast(domain.MinClientVersionInternet)
	}
	return true
}

func gatewayCanServe(res domain.Resource, version string) bool {
	v, err := domain.ParseVersion(version)
	if err != nil {
		return false
	}
	if res.Type == domain.ResourceTypeInternet {
		return v.AtLeast(domain.MinGatewayVersionInternet)
	}
	if res.Type == domain.ResourceTypeDNS && address.RequiresExtendedGlob(res.Address) {
		return v.AtLeast(domain.MinGatewayVersionExtendedGlob)
	}
	return true
}
