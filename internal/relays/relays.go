// Package relays picks TURN/STUN relays for a client and mints their
// short-lived credentials. Selection prefers geographic proximity when both
// sides know where they are and degrades to a random pick when the client
// has no geolocation.
package relays

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/cordonlabs/cordon/internal/domain"
	"github.com/cordonlabs/cordon/internal/presence"
)

// MaxRelays is the most relays ever handed to a single client.
const MaxRelays = 2

// Candidate is one online relay as seen through the presence registry.
type Candidate struct {
	ID   string
	Meta presence.RelayMeta
}

// Select returns up to MaxRelays candidates for a client at loc. Relays
// with known coordinates win over relays without; among located relays the
// nearest win, with equal distances tie-broken by id so the result is
// stable for a given presence snapshot. A client without coordinates gets
// a random cap-2 subset instead.
func Select(online map[string]presence.RelayMeta, loc domain.Location) []Candidate {
	candidates := make([]Candidate, 0, len(online))
	for id, meta := range online {
		candidates = append(candidates, Candidate{ID: id, Meta: meta})
	}
	if len(candidates) == 0 {
		return nil
	}

	if !loc.HasCoordinates() {
		mrand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		return cap2(candidates)
	}

	sort.Slice(candidates, func(i, j int) bool {
		di, iLocated := distanceTo(candidates[i].Meta, loc)
		dj, jLocated := distanceTo(candidates[j].Meta, loc)
		if iLocated != jLocated {
			return iLocated
		}
		if di != dj {
			return di < dj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return cap2(candidates)
}

func cap2(c []Candidate) []Candidate {
	if len(c) > MaxRelays {
		c = c[:MaxRelays]
	}
	return c
}

func distanceTo(meta presence.RelayMeta, loc domain.Location) (float64, bool) {
	if meta.Lat == nil || meta.Lon == nil {
		return math.MaxFloat64, false
	}
	return haversineKm(*loc.Lat, *loc.Lon, *meta.Lat, *meta.Lon), true
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Credentials is a minted TURN username/password pair.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// MintCredentials derives TURN credentials from the relay's shared secret.
// The username embeds the expiry so the relay can verify it statelessly;
// expiry follows the session token, not a fixed TTL.
func MintCredentials(secret string, expiresAt time.Time) (Credentials, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Credentials{}, fmt.Errorf("generating credential nonce: %w", err)
	}
	salt := base64.RawURLEncoding.EncodeToString(nonce[:])
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), salt)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{Username: username, Password: password, ExpiresAt: expiresAt}, nil
}
