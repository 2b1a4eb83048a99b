// Package domain holds the entities the broker mediates access over:
// accounts, clients, resources, sites, gateways, relays, groups and
// policies. These mirror the portal's database rows as they appear on the
// change feed; nothing here touches the network.
package domain

import "time"

type ResourceType string

const (
	ResourceTypeDNS      ResourceType = "dns"
	ResourceTypeCIDR     ResourceType = "cidr"
	ResourceTypeIP       ResourceType = "ip"
	ResourceTypeInternet ResourceType = "internet"
)

type IPStack string

const (
	IPStackIPv4Only IPStack = "ipv4_only"
	IPStackIPv6Only IPStack = "ipv6_only"
	IPStackDual     IPStack = "dual"
)

// Location is a client's or relay's geolocation. Latitude/longitude are
// pointers because geolocation is frequently unavailable.
type Location struct {
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Region string   `json:"region,omitempty"`
	City   string   `json:"city,omitempty"`
}

func (l Location) HasCoordinates() bool {
	return l.Lat != nil && l.Lon != nil
}

type Account struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug,omitempty"`
	UpstreamDNS  []string `json:"upstream_dns,omitempty"`
	UpstreamDoH  []string `json:"upstream_doh,omitempty"`
	SearchDomain string   `json:"search_domain,omitempty"`
}

type Client struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	ActorID    string     `json:"actor_id"`
	PublicKey  string     `json:"public_key"`
	Version    string     `json:"version"`
	ProviderID string     `json:"provider_id,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	IPv4       string     `json:"ipv4,omitempty"`
	IPv6       string     `json:"ipv6,omitempty"`
	Location   Location   `json:"location"`
	RemoteIP   string     `json:"remote_ip,omitempty"`
}

func (c Client) Verified() bool { return c.VerifiedAt != nil }

// PortRange is a single protocol filter entry on a resource.
type PortRange struct {
	Protocol  string `json:"protocol"`
	PortStart int    `json:"port_range_start,omitempty"`
	PortEnd   int    `json:"port_range_end,omitempty"`
}

type Resource struct {
	ID                 string       `json:"id"`
	AccountID          string       `json:"account_id"`
	Type               ResourceType `json:"type"`
	Name               string       `json:"name"`
	Address            string       `json:"address,omitempty"`
	AddressDescription string       `json:"address_description,omitempty"`
	IPStack            IPStack      `json:"ip_stack,omitempty"`
	Filters            []PortRange  `json:"filters,omitempty"`
	SiteID             string       `json:"site_id,omitempty"`
}

// Site is a gateway group. Every resource belongs to exactly one site.
type Site struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

type Gateway struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	SiteID    string `json:"site_id"`
	Name      string `json:"name,omitempty"`
	PublicKey string `json:"public_key"`
	Version   string `json:"version"`
	IPv4      string `json:"ipv4,omitempty"`
	IPv6      string `json:"ipv6,omitempty"`
}

type RelayType string

const (
	RelayTypeSTUN RelayType = "stun"
	RelayTypeTURN RelayType = "turn"
)

type Relay struct {
	ID       string    `json:"id"`
	Type     RelayType `json:"type"`
	Addr     string    `json:"addr"`
	Secret   string    `json:"-"` // shared secret used to mint TURN credentials
	Location Location  `json:"location"`
}

type Group struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
}

// Membership ties an actor to a group. Policies attach to groups, so the
// set of memberships for a client's actor decides which policies apply.
type Membership struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	GroupID string `json:"group_id"`
}

type Policy struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	GroupID    string      `json:"actor_group_id"`
	ResourceID string      `json:"resource_id"`
	Conditions []Condition `json:"conditions,omitempty"`
}

type ConditionProperty string

const (
	ConditionClientVerified ConditionProperty = "client_verified"
	ConditionRegion         ConditionProperty = "remote_ip_location_region"
	ConditionProviderID     ConditionProperty = "provider_id"
	ConditionRemoteIP       ConditionProperty = "remote_ip"
	ConditionUTCDatetime    ConditionProperty = "current_utc_datetime"
)

type ConditionOperator string

const (
	OperatorIs                      ConditionOperator = "is"
	OperatorIsNot                   ConditionOperator = "is_not"
	OperatorIsIn                    ConditionOperator = "is_in"
	OperatorIsNotIn                 ConditionOperator = "is_not_in"
	OperatorIsInCIDR                ConditionOperator = "is_in_cidr"
	OperatorIsNotInCIDR             ConditionOperator = "is_not_in_cidr"
	OperatorIsInDayOfWeekTimeRanges ConditionOperator = "is_in_day_of_week_time_ranges"
)

type Condition struct {
	Property ConditionProperty `json:"property"`
	Operator ConditionOperator `json:"operator"`
	Values   []string          `json:"values"`
}

// Token is the credential a client authenticated its session with. The
// session terminates when its token row is deleted, and negotiation
// authorizations inherit its expiry.
type Token struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	ActorID   string    `json:"actor_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
