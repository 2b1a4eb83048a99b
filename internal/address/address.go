// Package address rewrites DNS resource addresses for clients that predate
// the extended glob syntax. The rewrite happens at serialization time only;
// stored resources are never mutated.
package address

import (
	"strings"

	"github.com/cordonlabs/cordon/internal/domain"
)

// ForClientVersion maps a DNS address into the representation the given
// client version understands. ok is false when the address has no lossless
// downgrade, in which case the resource is dropped for that client.
//
// Modern clients understand `**` (any number of labels), `?` (single
// character) and mid-label `*`. Older clients only understand a leading
// `*.` label wildcard.
func ForClientVersion(addr string, v domain.Version) (string, bool) {
	if v.AtLeast(domain.MinClientVersionExtendedGlob) {
		return addr, true
	}
	rest, hadRecursive := strings.CutPrefix(addr, "**.")
	if !hadRecursive {
		rest = strings.TrimPrefix(addr, "*.")
	}
	// Anything wildcard-ish left after the leading label cannot be
	// expressed in single-wildcard syntax.
	if strings.ContainsAny(rest, "*?") {
		return "", false
	}
	if hadRecursive || rest != addr {
		return "*." + rest, true
	}
	return addr, true
}

// RequiresExtendedGlob reports whether serving addr needs a gateway that
// understands the extended syntax.
func RequiresExtendedGlob(addr string) bool {
	if strings.Contains(addr, "**") || strings.Contains(addr, "?") {
		return true
	}
	// A `*` anywhere but a leading `*.` label is extended syntax too.
	rest := strings.TrimPrefix(addr, "*.")
	return strings.Contains(rest, "*")
}
