package wire

// GatewayGroup is the site sub-payload on resources.
type GatewayGroup struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Filter is one protocol/port restriction on a resource.
type Filter struct {
	Protocol  string `json:"protocol"`
	PortStart int    `json:"port_range_start,omitempty"`
	PortEnd   int    `json:"port_range_end,omitempty"`
}

// Resource is a connectable resource as serialized to one specific client;
// the address is already downgraded to that client's syntax level.
type Resource struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	Address            string         `json:"address,omitempty"`
	AddressDescription string         `json:"address_description,omitempty"`
	IPStack            string         `json:"ip_stack,omitempty"`
	GatewayGroups      []GatewayGroup `json:"gateway_groups"`
	Filters            []Filter       `json:"filters,omitempty"`
	CanBeDisabled      bool           `json:"can_be_disabled,omitempty"`
}

type DNSServer struct {
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

type UpstreamDo53 struct {
	IP string `json:"ip"`
}

type UpstreamDoH struct {
	URL string `json:"url"`
}

type Interface struct {
	IPv4         string         `json:"ipv4"`
	IPv6         string         `json:"ipv6"`
	UpstreamDNS  []DNSServer    `json:"upstream_dns"`
	UpstreamDo53 []UpstreamDo53 `json:"upstream_do53,omitempty"`
	UpstreamDoH  []UpstreamDoH  `json:"upstream_doh,omitempty"`
	SearchDomain string         `json:"search_domain,omitempty"`
}

// Relay is one STUN or TURN server offered to the client. Username,
// password and expiry are only set for TURN.
type Relay struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Addr      string `json:"addr"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type Init struct {
	Resources []Resource `json:"resources"`
	Interface Interface  `json:"interface"`
	Relays    []Relay    `json:"relays"`
}

type ConfigChanged struct {
	Interface Interface `json:"interface"`
}

type ResourceDeleted struct {
	ResourceID string `json:"resource_id"`
}

type RelaysPresence struct {
	Connected       []Relay  `json:"connected"`
	DisconnectedIDs []string `json:"disconnected_ids"`
}

type IceCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type FlowCreated struct {
	ResourceID            string         `json:"resource_id"`
	GatewayID             string         `json:"gateway_id"`
	GatewayPublicKey      string         `json:"gateway_public_key"`
	GatewayIPv4           string         `json:"gateway_ipv4"`
	GatewayIPv6           string         `json:"gateway_ipv6"`
	SiteID                string         `json:"gateway_group_id"`
	PresharedKey          string         `json:"preshared_key"`
	ClientIceCredentials  IceCredentials `json:"client_ice_credentials"`
	GatewayIceCredentials IceCredentials `json:"gateway_ice_credentials"`
}

type FlowCreationFailed struct {
	ResourceID         string   `json:"resource_id"`
	Reason             string   `json:"reason"`
	ViolatedProperties []string `json:"violated_properties,omitempty"`
}

type CreateFlow struct {
	ResourceID          string   `json:"resource_id"`
	ConnectedGatewayIDs []string `json:"connected_gateway_ids"`
}

type PrepareConnection struct {
	ResourceID string `json:"resource_id"`
}

type PrepareConnectionReply struct {
	ResourceID      string `json:"resource_id"`
	GatewayID       string `json:"gateway_id"`
	GatewayRemoteIP string `json:"gateway_remote_ip"`
}

type ReuseConnection struct {
	ResourceID string `json:"resource_id"`
	GatewayID  string `json:"gateway_id"`
	Payload    string `json:"payload"`
}

type RequestConnection struct {
	ResourceID         string `json:"resource_id"`
	GatewayID          string `json:"gateway_id"`
	ClientPayload      string `json:"client_payload"`
	ClientPresharedKey string `json:"client_preshared_key"`
}

// ConnectionReply answers both reuse_connection and request_connection.
type ConnectionReply struct {
	ResourceID          string `json:"resource_id"`
	PersistentKeepalive int    `json:"persistent_keepalive"`
	GatewayPublicKey    string `json:"gateway_public_key"`
	GatewayPayload      string `json:"gateway_payload"`
}

type BroadcastIceCandidates struct {
	Candidates []string `json:"candidates"`
	GatewayIDs []string `json:"gateway_ids"`
}

type IceCandidates struct {
	GatewayID  string   `json:"gateway_id"`
	Candidates []string `json:"candidates"`
}

type ErrorReply struct {
	Reason string `json:"reason"`
}
