// Package policy evaluates access policies against a client's live
// context. Evaluation is a pure function of (policy, client, now): no I/O,
// no caching, deterministic — the access engine calls it on every relevant
// change event and on timer wake-ups for time-bound conditions.
package policy

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/cordonlabs/cordon/internal/domain"
)

// Result reports whether a policy grants access and, on denial, which
// condition properties failed. Violated properties surface to clients in
// flow_creation_failed payloads.
type Result struct {
	Allowed  bool
	Violated []domain.ConditionProperty
}

// Evaluate checks every condition of p against c at now. Conditions AND
// within a policy; a policy without conditions always grants. Malformed or
// unknown conditions evaluate false: an unparseable rule denies rather
// than silently granting.
func Evaluate(p domain.Policy, c domain.Client, now time.Time) Result {
	res := Result{Allowed: true}
	for _, cond := range p.Conditions {
		if !evaluateCondition(cond, c, now) {
			res.Allowed = false
			res.Violated = append(res.Violated, cond.Property)
		}
	}
	return res
}

func evaluateCondition(cond domain.Condition, c domain.Client, now time.Time) bool {
	switch cond.Property {
	case domain.ConditionClientVerified:
		return evalBool(cond, c.Verified())
	case domain.ConditionRegion:
		return evalMembership(cond, c.Location.Region)
	case domain.ConditionProviderID:
		return evalMembership(cond, c.ProviderID)
	case domain.ConditionRemoteIP:
		return evalCIDR(cond, c.RemoteIP)
	case domain.ConditionUTCDatetime:
		if cond.Operator != domain.OperatorIsInDayOfWeekTimeRanges {
			return false
		}
		return evalTimeRanges(cond.Values, now)
	default:
		return false
	}
}

func evalBool(cond domain.Condition, actual bool) bool {
	if len(cond.Values) != 1 {
		return false
	}
	want := cond.Values[0] == "true"
	switch cond.Operator {
	case domain.OperatorIs:
		return actual == want
	case domain.OperatorIsNot:
		return actual != want
	default:
		return false
	}
}

func evalMembership(cond domain.Condition, actual string) bool {
	switch cond.Operator {
	case domain.OperatorIsIn:
		return actual != "" && slices.Contains(cond.Values, actual)
	case domain.OperatorIsNotIn:
		return actual != "" && !slices.Contains(cond.Values, actual)
	default:
		return false
	}
}

func evalCIDR(cond domain.Condition, remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	inAny := false
	for _, v := range cond.Values {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			// A bare address counts as a /32 or /128.
			single, serr := netip.ParseAddr(v)
			if serr != nil {
				continue
			}
			prefix = netip.PrefixFrom(single, single.BitLen())
		}
		if prefix.Contains(addr) {
			inAny = true
			break
		}
	}
	switch cond.Operator {
	case domain.OperatorIsInCIDR:
		return inAny
	case domain.OperatorIsNotInCIDR:
		return !inAny
	default:
		return false
	}
}

// evalTimeRanges checks now against tokens of the form
// "DAYS/HH:MM:SS-HH:MM:SS[,HH:MM:SS-HH:MM:SS...]/TZ" where DAYS is a run of
// day letters (M T W R F S U, Monday through Sunday). Any matching token
// grants.
func evalTimeRanges(values []string, now time.Time) bool {
	for _, token := range values {
		if tokenMatches(token, now) {
			return true
		}
	}
	return false
}

var dayLetters = map[byte]time.Weekday{
	'M': time.Monday,
	'T': time.Tuesday,
	'W': time.Wednesday,
	'R': time.Thursday,
	'F': time.Friday,
	'S': time.Saturday,
	'U': time.Sunday,
}

func tokenMatches(token string, now time.Time) bool {
	parts := strings.Split(token, "/")
	if len(parts) != 3 {
		return false
	}
	days, ranges, tzName := parts[0], parts[1], parts[2]

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return false
	}
	local := now.In(loc)

	dayOK := false
	for i := 0; i < len(days); i++ {
		d, ok := dayLetters[days[i]]
		if !ok {
			continue
		}
		if local.Weekday() == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	secs := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for _, r := range strings.Split(ranges, ",") {
		bounds := strings.Split(r, "-")
		if len(bounds) != 2 {
			continue
		}
		start, serr := parseClock(bounds[0])
		end, eerr := parseClock(bounds[1])
		if serr != nil || eerr != nil {
			continue
		}
		if secs >= start && secs <= end {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}
