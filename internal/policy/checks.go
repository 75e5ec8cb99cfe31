package policy

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
)

func hasAnyRole(have, allowed []string) bool {
	for _, r := range have {
		if slices.Contains(allowed, r) {
			return true
		}
	}
	return false
}

func inTimeWindow(tr *TimeRestriction, at time.Time) bool {
	if tr.Location != "" {
		if loc, err := time.LoadLocation(tr.Location); err == nil {
			at = at.In(loc)
		}
	} else {
		at = at.UTC()
	}
	if !slices.Contains(tr.Days, int(at.Weekday())) {
		return false
	}
	h := at.Hour()
	if tr.Hours.Start < tr.Hours.End {
		return h >= tr.Hours.Start && h < tr.Hours.End
	}
	return h >= tr.Hours.Start || h < tr.Hours.End
}

// ipPermitted applies deny entries first, then allow entries if any exist.
func ipPermitted(ipr *IPRestriction, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, s := range ipr.Deny {
		if p, err := parsePrefix(s); err == nil && p.Contains(addr) {
			return false
		}
	}
	if len(ipr.Allow) == 0 {
		return true
	}
	for _, s := range ipr.Allow {
		if p, err := parsePrefix(s); err == nil && p.Contains(addr) {
			return true
		}
	}
	return false
}

// conditionName is the label a condition is reported under.
func conditionName(c Condition) string {
	return fmt.Sprintf("condition:%s:%s", c.Type, c.Operator)
}

func attribute(ec EvalContext, typ string) (any, bool) {
	switch typ {
	case "trust_score":
		return float64(ec.TrustScore), true
	case "action":
		return ec.Action, true
	case "resource":
		return ec.Resource, true
	case "ip":
		return ec.IP, true
	case "device":
		return ec.DeviceFingerprint, true
	case "actor":
		return ec.ActorID, true
	case "role":
		return ec.Roles, true
	}
	if key, ok := strings.CutPrefix(typ, "attr:"); ok {
		v, found := ec.Attributes[key]
		return v, found
	}
	return nil, false
}

// evalCondition reports whether c holds for ec. Missing attributes never hold.
func evalCondition(c Condition, ec EvalContext) bool {
	operand, ok := attribute(ec, c.Type)
	if !ok {
		return false
	}
	want := fmt.Sprint(c.Value)

	if roles, isList := operand.([]string); isList {
		found := slices.Contains(roles, want)
		switch c.Operator {
		case OpEquals, OpContains:
			return found
		case OpNotContains:
			return !found
		default:
			return false
		}
	}

	switch c.Operator {
	case OpEquals:
		if a, aok := toFloat(operand); aok {
			if b, bok := toFloat(c.Value); bok {
				return a == b
			}
		}
		return fmt.Sprint(operand) == want
	case OpGreaterThan, OpLessThan:
		a, aok := toFloat(operand)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	case OpContains:
		return strings.Contains(fmt.Sprint(operand), want)
	case OpNotContains:
		return !strings.Contains(fmt.Sprint(operand), want)
	}
	return false
}

func isNumeric(v any) bool {
	_, ok := toFloat(v)
	return ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
