// Package policy evaluates access requests against versioned policies and
// records every verdict on the ledger.
package policy

import (
	"errors"
	"time"
)

var (
	// ErrPolicyNotFound is returned when no policy has the requested ID.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrPolicyExists is returned when deploying an ID that is already in use.
	ErrPolicyExists = errors.New("policy already exists")
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

// Check names reported in Verdict.MatchedConditions and FailedConditions.
const (
	CheckRole           = "role"
	CheckTimeWindow     = "time_window"
	CheckTrustScore     = "trust_score"
	CheckMFA            = "mfa"
	CheckSignature      = "signature"
	CheckIPRestriction  = "ip_restriction"
	CheckExpression     = "expression"
	CheckNoPolicy       = "no_policy"
	CheckPolicyNotFound = "policy_not_found"
	CheckPolicyInactive = "policy_inactive"
	CheckPolicyExpired  = "policy_expired"
	CheckResource       = "resource_mismatch"
)

// Policy is a named, versioned access rule for one resource.
type Policy struct {
	ID                string           `json:"id" yaml:"id"`
	Name              string           `json:"name" yaml:"name"`
	Resource          string           `json:"resource" yaml:"resource"`
	AllowedRoles      []string         `json:"allowedRoles" yaml:"allowedRoles"`
	TimeRestrictions  *TimeRestriction `json:"timeRestrictions,omitempty" yaml:"timeRestrictions,omitempty"`
	IPRestrictions    *IPRestriction   `json:"ipRestrictions,omitempty" yaml:"ipRestrictions,omitempty"`
	SignatureRequired bool             `json:"signatureRequired" yaml:"signatureRequired"`
	MinimumTrustScore int              `json:"minimumTrustScore" yaml:"minimumTrustScore"`
	MFARequired       bool             `json:"mfaRequired" yaml:"mfaRequired"`
	Conditions        []Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Expression        string           `json:"expression,omitempty" yaml:"expression,omitempty"`
	Version           int              `json:"version" yaml:"version"`
	IsActive          bool             `json:"isActive" yaml:"isActive"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time        `json:"updatedAt" yaml:"-"`
}

// TimeRestriction limits access to certain weekdays and hours. Days use
// 0 = Sunday. Hours are [Start, End); Start > End wraps past midnight.
type TimeRestriction struct {
	Days     []int     `json:"days" yaml:"days"`
	Hours    HourRange `json:"hours" yaml:"hours"`
	Location string    `json:"location,omitempty" yaml:"location,omitempty"`
}

// HourRange is a half-open range of hours of the day.
type HourRange struct {
	Start int `json:"start" yaml:"start"`
	End   int `json:"end" yaml:"end"`
}

// IPRestriction lists CIDRs or bare addresses. Deny entries take precedence.
type IPRestriction struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Condition compares a request attribute against Value. Type names the
// attribute: trust_score, action, resource, ip, device, actor, role or
// attr:<key> for EvalContext.Attributes.
type Condition struct {
	Type     string `json:"type" yaml:"type"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
	Required bool   `json:"required" yaml:"required"`
}

// EvalContext is the ephemeral input to an evaluation. It is never persisted.
type EvalContext struct {
	ActorID           string            `json:"actorId"`
	Roles             []string          `json:"roles"`
	Resource          string            `json:"resource"`
	Action            string            `json:"action"`
	Timestamp         time.Time         `json:"timestamp"`
	IP                string            `json:"ip"`
	DeviceFingerprint string            `json:"deviceFingerprint"`
	TrustScore        int               `json:"trustScore"`
	MFAVerified       bool              `json:"mfaVerified"`
	Signature         string            `json:"signature"`
	Attributes        map[string]string `json:"attributes,omitempty"`
}

// Verdict is the outcome of an evaluation. A denial is a Verdict, not an error.
type Verdict struct {
	PolicyID          string   `json:"policyId,omitempty"`
	PolicyVersion     int      `json:"policyVersion,omitempty"`
	Allowed           bool     `json:"allowed"`
	MatchedConditions []string `json:"matchedConditions"`
	FailedConditions  []string `json:"failedConditions"`
	RiskScore         int      `json:"riskScore"`
	RequiresApproval  bool     `json:"requiresApproval"`
}

// needsApproval reports whether risk falls in the escalation band.
func needsApproval(risk int) bool {
	return risk > 50 && risk < 100
}

func (p *Policy) expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *Policy) clone() *Policy {
	c := *p
	c.AllowedRoles = append([]string(nil), p.AllowedRoles...)
	c.Conditions = append([]Condition(nil), p.Conditions...)
	if p.TimeRestrictions != nil {
		tr := *p.TimeRestrictions
		tr.Days = append([]int(nil), p.TimeRestrictions.Days...)
		c.TimeRestrictions = &tr
	}
	if p.IPRestrictions != nil {
		ip := IPRestriction{
			Allow: append([]string(nil), p.IPRestrictions.Allow...),
			Deny:  append([]string(nil), p.IPRestrictions.Deny...),
		}
		c.IPRestrictions = &ip
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
