package session

import (
	"sort"

	"github.com/cordonlabs/cordon/internal/presence"
	"github.com/cordonlabs/cordon/internal/relays"
	"github.com/cordonlabs/cordon/internal/wire"
)

// bufferRelayDiff folds a presence diff into the debounce buffers. A
// participant that left and rejoined under the same identity inside the
// window never reaches the disconnect list; a new identity always does.
func (s *Session) bufferRelayDiff(diff presence.Diff) {
	for id, meta := range diff.Joins {
		if meta.Relay == nil {
			continue
		}
		delete(s.pendingLeaves, id)
		s.pendingJoins[id] = *meta.Relay
	}
	for _, id := range diff.Leaves {
		if _, rejoined := s.pendingJoins[id]; rejoined {
			delete(s.pendingJoins, id)
			continue
		}
		s.pendingLeaves[id] = struct{}{}
	}
}

// flushRelayPresence emits one consolidated relays_presence push for the
// churn collected in the window.
func (s *Session) flushRelayPresence() error {
	if len(s.pendingJoins) == 0 && len(s.pendingLeaves) == 0 {
		return nil
	}
	disconnected := make([]string, 0, len(s.pendingLeaves))
	for id := range s.pendingLeaves {
		disconnected = append(disconnected, id)
	}
	sort.Strings(disconnected)

	s.pendingJoins = make(map[string]presence.RelayMeta)
	s.pendingLeaves = make(map[string]struct{})

	payload := wire.RelaysPresence{
		Connected:       s.selectRelays(),
		DisconnectedIDs: disconnected,
	}
	env, err := wire.Encode(wire.EventRelaysPresence, payload, nil)
	if err != nil {
		return err
	}
	if err := s.transport.Send(env); err != nil {
		return err
	}
	pushesTotal.WithLabelValues(env.Event).Inc()
	return nil
}

// selectRelays re-runs relay selection against the current presence
// snapshot and mints TURN credentials bounded by the session token.
func (s *Session) selectRelays() []wire.Relay {
	online := make(map[string]presence.RelayMeta)
	for id, meta := range s.registry.List(presence.RelayScope) {
		if meta.Relay != nil {
			online[id] = *meta.Relay
		}
	}
	selected := relays.Select(online, s.engine.Client().Location)

	out := make([]wire.Relay, 0, len(selected))
	for _, c := range selected {
		relay := wire.Relay{
			ID:   c.ID,
			Type: c.Meta.Type,
			Addr: c.Meta.Addr,
		}
		if c.Meta.Type == "turn" {
			creds, err := relays.MintCredentials(c.Meta.Secret, s.token.ExpiresAt)
			if err != nil {
				s.log.Error("minting relay credentials", "relay_id", c.ID, "error", err)
				continue
			}
			relay.Username = creds.Username
			relay.Password = creds.Password
			relay.ExpiresAt = creds.ExpiresAt.Unix()
		}
		out = append(out, relay)
	}
	return out
}
