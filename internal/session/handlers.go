package session

import (
	"errors"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/flow"
	"github.com/cordonlabs/cordon/internal/gateways"
	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/wire"
)

// handleClient dispatches one inbound envelope. Protocol violations get an
// error reply, never a crash and never a disconnect.
func (s *Session) handleClient(env wire.Envelope) (bool, error) {
	requestsTotal.WithLabelValues(env.Event).Inc()
	switch env.Event {
	case "join", "phx_join":
		// The initial state was pushed when the actor started; a
		// re-join refreshes it.
		return false, s.pushInit()
	case wire.EventCreateFlow:
		return false, s.handleCreateFlow(env)
	case wire.EventPrepareConnection:
		return false, s.handlePrepareConnection(env)
	case wire.EventReuseConnection:
		return false, s.handleForward(env, flow.MessageAllowAccess)
	case wire.EventRequestConnection:
		return false, s.handleForward(env, flow.MessageRequestConnection)
	case wire.EventBroadcastIceCandidates:
		return false, s.handleBroadcast(env, flow.MessageIceCandidates)
	case wire.EventBroadcastInvalidatedIceCandidates:
		return false, s.handleBroadcast(env, flow.MessageInvalidateIceCandidates)
	default:
		s.log.Debug("unknown client message", "event", env.Event)
		return false, s.sendError(env.Ref, wire.ReasonUnknownMessage)
	}
}

// selectGateway gates a negotiation on the connectable set and picks a
// gateway. The not_found/offline split is deliberate: an unknown resource
// id and an unauthorized one must be indistinguishable.
func (s *Session) selectGateway(resourceID string, requestedIDs []string) (gateways.Candidate, domain.Resource, string, bool) {
	if _, ok := s.engine.Connectable(resourceID); !ok {
		return gateways.Candidate{}, domain.Resource{}, wire.ReasonNotFound, false
	}
	res, ok := s.engine.Resource(resourceID)
	if !ok {
		return gateways.Candidate{}, domain.Resource{}, wire.ReasonNotFound, false
	}

	online := make(map[string]presence.GatewayMeta)
	for id, meta := range s.registry.List(presence.GatewayScope(s.engine.Client().AccountID)) {
		if meta.Gateway != nil {
			online[id] = *meta.Gateway
		}
	}
	clientVer, err := domain.ParseVersion(s.engine.Client().Version)
	if err != nil {
		return gateways.Candidate{}, domain.Resource{}, wire.ReasonOffline, false
	}
	gw, err := gateways.Select(res, online, requestedIDs, clientVer)
	if err != nil {
		return gateways.Candidate{}, domain.Resource{}, wire.ReasonOffline, false
	}
	return gw, res, "", true
}

func (s *Session) handleCreateFlow(env wire.Envelope) error {
	req, err := wire.DecodePayload[wire.CreateFlow](env)
	if err != nil {
		return s.sendError(env.Ref, wire.ReasonUnknownMessage)
	}

	gw, _, reason, ok := s.selectGateway(req.ResourceID, req.ConnectedGatewayIDs)
	if !ok {
		return s.pushFlowCreationFailed(req.ResourceID, reason)
	}

	policyID := ""
	if p, ok := s.engine.GrantingPolicy(req.ResourceID); ok {
		policyID = p.ID
	}
	_, err = s.negotiator.Authorize(flow.Request{
		ClientID:       s.engine.Client().ID,
		ResourceID:     req.ResourceID,
		GatewayID:      gw.ID,
		PolicyID:       policyID,
		TokenExpiresAt: s.token.ExpiresAt,
		Reply:          s.replyFunc("flow_created", nil),
	})
	if errors.Is(err, flow.ErrGatewayUnreachable) {
		return s.pushFlowCreationFailed(req.ResourceID, wire.ReasonOffline)
	}
	if err != nil {
		return err
	}
	return nil
}

func (s *Session) handlePrepareConnection(env wire.Envelope) error {
	req, err := wire.DecodePayload[wire.PrepareConnection](env)
	if err != nil {
		return s.sendError(env.Ref, wire.ReasonUnknownMessage)
	}

	gw, _, reason, ok := s.selectGateway(req.ResourceID, nil)
	if !ok {
		return s.sendError(env.Ref, reason)
	}

	remoteIP := gw.Meta.IPv4
	if remoteIP == "" {
		remoteIP = gw.Meta.IPv6
	}
	reply := wire.PrepareConnectionReply{
		ResourceID:      req.ResourceID,
		GatewayID:       gw.ID,
		GatewayRemoteIP: remoteIP,
	}
	out, err := wire.Encode(wire.EventReply, reply, env.Ref)
	if err != nil {
		return err
	}
	return s.transport.Send(out)
}

// handleForward runs the reuse/request paths: the opaque client payload
// goes to the gateway unmodified, the gateway's blob comes back on the
// original ref unmodified.
func (s *Session) handleForward(env wire.Envelope, kind flow.MessageKind) error {
	var (
		resourceID, gatewayID, payload, psk string
	)
	switch kind {
	case flow.MessageAllowAccess:
		req, err := wire.DecodePayload[wire.ReuseConnection](env)
		if err != nil {
			return s.sendError(env.Ref, wire.ReasonUnknownMessage)
		}
		resourceID, gatewayID, payload = req.ResourceID, req.GatewayID, req.Payload
	default:
		req, err := wire.DecodePayload[wire.RequestConnection](env)
		if err != nil {
			return s.sendError(env.Ref, wire.ReasonUnknownMessage)
		}
		resourceID, gatewayID, payload, psk = req.ResourceID, req.GatewayID, req.ClientPayload, req.ClientPresharedKey
	}

	var requested []string
	if gatewayID != "" {
		requested = []string{gatewayID}
	}
	gw, _, reason, ok := s.selectGateway(resourceID, requested)
	if !ok {
		return s.sendError(env.Ref, reason)
	}

	policyID := ""
	if p, ok := s.engine.GrantingPolicy(resourceID); ok {
		policyID = p.ID
	}
	_, err := s.negotiator.Forward(kind, flow.Request{
		ClientID:       s.engine.Client().ID,
		ResourceID:     resourceID,
		GatewayID:      gw.ID,
		PolicyID:       policyID,
		TokenExpiresAt: s.token.ExpiresAt,
		Payload:        payload,
		PresharedKey:   psk,
		Reply:          s.replyFunc("connection", env.Ref),
	})
	if errors.Is(err, flow.ErrGatewayUnreachable) {
		return s.sendError(env.Ref, wire.ReasonOffline)
	}
	return err
}

func (s *Session) handleBroadcast(env wire.Envelope, kind flow.MessageKind) error {
	req, err := wire.DecodePayload[wire.BroadcastIceCandidates](env)
	if err != nil {
		// Fire-and-forget even on garbage: no reply of any kind.
		return nil
	}
	s.negotiator.BroadcastCandidates(kind, s.engine.Client().ID, req.GatewayIDs, req.Candidates)
	return nil
}

// replyFunc builds the callback a gateway's actor invokes to answer. It
// only enqueues into this session's mailbox; the gateway side holds no
// reference to the session and a dead session simply drops the reply.
func (s *Session) replyFunc(variant string, ref *uint64) func(flow.ConnectReply) {
	return func(reply flow.ConnectReply) {
		select {
		case s.replies <- gatewayReply{variant: variant, ref: ref, reply: reply}:
		default:
			repliesDropped.Inc()
		}
	}
}

func (s *Session) sendGatewayReply(gr gatewayReply) error {
	var (
		env wire.Envelope
		err error
	)
	switch gr.variant {
	case "flow_created":
		payload := wire.FlowCreated{
			ResourceID:       gr.reply.ResourceID,
			GatewayID:        gr.reply.GatewayID,
			GatewayPublicKey: gr.reply.GatewayPublicKey,
			GatewayIPv4:      gr.reply.GatewayIPv4,
			GatewayIPv6:      gr.reply.GatewayIPv6,
			SiteID:           gr.reply.SiteID,
			PresharedKey:     gr.reply.PresharedKey,
			ClientIceCredentials: wire.IceCredentials{
				Username: gr.reply.ClientIceCredentials.Username,
				Password: gr.reply.ClientIceCredentials.Password,
			},
			GatewayIceCredentials: wire.IceCredentials{
				Username: gr.reply.GatewayIceCredentials.Username,
				Password: gr.reply.GatewayIceCredentials.Password,
			},
		}
		env, err = wire.Encode(wire.EventFlowCreated, payload, nil)
	default:
		payload := wire.ConnectionReply{
			ResourceID:          gr.reply.ResourceID,
			PersistentKeepalive: flow.PersistentKeepalive,
			GatewayPublicKey:    gr.reply.GatewayPublicKey,
			GatewayPayload:      gr.reply.GatewayPayload,
		}
		env, err = wire.Encode(wire.EventReply, payload, gr.ref)
	}
	if err != nil {
		return err
	}
	if err := s.transport.Send(env); err != nil {
		return err
	}
	pushesTotal.WithLabelValues(env.Event).Inc()
	return nil
}

func (s *Session) pushFlowCreationFailed(resourceID, reason string) error {
	payload := wire.FlowCreationFailed{
		ResourceID: resourceID,
		Reason:     reason,
	}
	if reason == wire.ReasonNotFound {
		payload.ViolatedProperties = s.engine.Violations(resourceID)
	}
	flowsFailed.WithLabelValues(reason).Inc()
	env, err := wire.Encode(wire.EventFlowCreationFailed, payload, nil)
	if err != nil {
		return err
	}
	return s.transport.Send(env)
}

func (s *Session) sendError(ref *uint64, reason string) error {
	env, err := wire.Encode(wire.EventError, wire.ErrorReply{Reason: reason}, ref)
	if err != nil {
		return err
	}
	return s.transport.Send(env)
}
