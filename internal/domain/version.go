package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version of a client or gateway. Only the
// numeric major/minor/patch triple matters for compatibility gating;
// prerelease and build metadata are ignored.
type Version struct {
	Major, Minor, Patch int
}

func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(parts[0]); err != nil {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
		return Version{}, fmt.Errorf("malformed version %q", s)
	}
	if len(parts) == 3 {
		if v.Patch, err = strconv.Atoi(parts[2]); err != nil {
			return Version{}, fmt.Errorf("malformed version %q", s)
		}
	}
	return v, nil
}

func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatibility floors. A client below the floor cannot request the
// resource kind; a gateway below the floor cannot serve the syntax.
var (
	// Clients older than this do not understand the internet resource.
	MinClientVersionInternet = Version{Major: 1, Minor: 3}
	// Clients older than this only understand single-wildcard DNS globs
	// and need their addresses downgraded at serialization time.
	MinClientVersionExtendedGlob = Version{Major: 1, Minor: 4}
	// Gateways older than this cannot resolve extended DNS globs.
	MinGatewayVersionExtendedGlob = Version{Major: 1, Minor: 4}
	// Gateways older than this cannot route the internet resource.
	MinGatewayVersionInternet = Version{Major: 1, Minor: 3}
)
