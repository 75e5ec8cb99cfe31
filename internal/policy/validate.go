package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

var validOperators = map[string]bool{
	OpEquals:      true,
	OpGreaterThan: true,
	OpLessThan:    true,
	OpContains:    true,
	OpNotContains: true,
}

var validAttributes = map[string]bool{
	"trust_score": true,
	"action":      true,
	"resource":    true,
	"ip":          true,
	"device":      true,
	"actor":       true,
	"role":        true,
}

// Validate checks a policy for structural problems. CEL expressions are
// compiled separately by the Engine.
func Validate(p *Policy) error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return chain.Structural("id", "policy id is required")
	case strings.TrimSpace(p.Name) == "":
		return chain.Structural("name", "policy name is required")
	case strings.TrimSpace(p.Resource) == "":
		return chain.Structural("resource", "policy resource is required")
	case len(p.AllowedRoles) == 0:
		return chain.Structural("allowedRoles", "at least one allowed role is required")
	case p.MinimumTrustScore < 0 || p.MinimumTrustScore > 100:
		return chain.Structural("minimumTrustScore", "must be within 0..100")
	}
	for i, r := range p.AllowedRoles {
		if strings.TrimSpace(r) == "" {
			return chain.Structural(fmt.Sprintf("allowedRoles[%d]", i), "role must not be empty")
		}
	}

	if tr := p.TimeRestrictions; tr != nil {
		if len(tr.Days) == 0 {
			return chain.Structural("timeRestrictions.days", "at least one day is required")
		}
		for _, d := range tr.Days {
			if d < 0 || d > 6 {
				return chain.Structural("timeRestrictions.days", fmt.Sprintf("day %d outside 0..6", d))
			}
		}
		h := tr.Hours
		if h.Start < 0 || h.Start > 23 || h.End < 1 || h.End > 24 || h.Start == h.End {
			return chain.Structural("timeRestrictions.hours", fmt.Sprintf("invalid range [%d, %d)", h.Start, h.End))
		}
		if tr.Location != "" {
			if _, err := time.LoadLocation(tr.Location); err != nil {
				return chain.Structural("timeRestrictions.location", err.Error())
			}
		}
	}

	if ipr := p.IPRestrictions; ipr != nil {
		for _, list := range [][]string{ipr.Allow, ipr.Deny} {
			for _, s := range list {
				if _, err := parsePrefix(s); err != nil {
					return chain.Structural("ipRestrictions", err.Error())
				}
			}
		}
	}

	for i, c := range p.Conditions {
		field := fmt.Sprintf("conditions[%d]", i)
		if !validOperators[c.Operator] {
			return chain.Structural(field, fmt.Sprintf("unknown operator %q", c.Operator))
		}
		if !validAttributes[c.Type] && !strings.HasPrefix(c.Type, "attr:") {
			return chain.Structural(field, fmt.Sprintf("unknown condition type %q", c.Type))
		}
		if c.Type == "attr:" {
			return chain.Structural(field, "attribute key is required")
		}
		if c.Value == nil {
			return chain.Structural(field, "value is required")
		}
		if (c.Operator == OpGreaterThan || c.Operator == OpLessThan) && !isNumeric(c.Value) {
			return chain.Structural(field, fmt.Sprintf("operator %s needs a numeric value", c.Operator))
		}
	}
	return nil
}

// parsePrefix accepts a CIDR or a bare address, which is treated as a single host.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
