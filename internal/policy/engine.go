package policy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/chain"
)

// Risk contributed by each failed check.
const (
	riskRole              = 30
	riskTimeWindow        = 20
	riskTrustScore        = 25
	riskMFA               = 20
	riskSignature         = 15
	riskRequiredCondition = 20
	riskOptionalCondition = 10
	riskIPRestriction     = 20
	riskExpression        = 20
	riskMax               = 100
)

// EventSink receives the events the engine produces. *chain.Ledger satisfies it.
type EventSink interface {
	AddPendingEvent(e chain.Event) error
}

// Engine holds the deployed policies and evaluates requests against them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	history  map[string][]*Policy

	exprs  *expressions
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine that writes its events to sink.
func NewEngine(sink EventSink, logger *zap.Logger) (*Engine, error) {
	exprs, err := newExpressions()
	if err != nil {
		return nil, err
	}
	return &Engine{
		policies: make(map[string]*Policy),
		history:  make(map[string][]*Policy),
		exprs:    exprs,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock overrides the engine's wall clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (e *Engine) validate(p *Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	if p.Expression != "" {
		if _, err := e.exprs.program(p.Expression); err != nil {
			return chain.Structural("expression", err.Error())
		}
	}
	return nil
}

// Deploy validates and activates a new policy at version 1.
func (e *Engine) Deploy(_ context.Context, p Policy, actorID string) (*Policy, error) {
	np := p.clone()
	if err := e.validate(np); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	np.Version = 1
	np.IsActive = true
	np.CreatedAt = now
	np.UpdatedAt = now

	e.mu.Lock()
	if _, exists := e.policies[np.ID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPolicyExists, np.ID)
	}
	e.policies[np.ID] = np
	e.history[np.ID] = append(e.history[np.ID], np.clone())
	e.mu.Unlock()

	e.logger.Info("policy deployed", zap.String("policy_id", np.ID), zap.String("resource", np.Resource))
	if err := e.record(chain.KindPolicyDeployed, np, actorID); err != nil {
		return nil, err
	}
	return np.clone(), nil
}

// Update replaces the rules of an existing policy and bumps its version. The
// ID, activation state and creation time are preserved.
func (e *Engine) Update(_ context.Context, id string, p Policy, actorID string) (*Policy, error) {
	np := p.clone()
	np.ID = id
	if err := e.validate(np); err != nil {
		return nil, err
	}

	e.mu.Lock()
	old, ok := e.policies[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	np.Version = old.Version + 1
	np.IsActive = old.IsActive
	np.CreatedAt = old.CreatedAt
	np.UpdatedAt = e.now().UTC()
	e.policies[id] = np
	e.history[id] = append(e.history[id], np.clone())
	e.mu.Unlock()

	e.logger.Info("policy updated", zap.String("policy_id", id), zap.Int("version", np.Version))
	if err := e.record(chain.KindPolicyUpdated, np, actorID); err != nil {
		return nil, err
	}
	return np.clone(), nil
}

// Revoke deactivates a policy. Policies are never deleted.
func (e *Engine) Revoke(_ context.Context, id, actorID string) (*Policy, error) {
	e.mu.Lock()
	old, ok := e.policies[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	np := old.clone()
	np.IsActive = false
	np.UpdatedAt = e.now().UTC()
	e.policies[id] = np
	e.history[id] = append(e.history[id], np.clone())
	e.mu.Unlock()

	e.logger.Info("policy revoked", zap.String("policy_id", id))
	if err := e.record(chain.KindPolicyRevoked, np, actorID); err != nil {
		return nil, err
	}
	return np.clone(), nil
}

// Get returns the current version of a policy.
func (e *Engine) Get(id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p.clone(), nil
}

// History returns every recorded state of a policy, oldest first.
func (e *Engine) History(id string) ([]*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.history[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	out := make([]*Policy, len(h))
	for i, p := range h {
		out[i] = p.clone()
	}
	return out, nil
}

// List returns all policies ordered by ID.
func (e *Engine) List() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) record(kind string, p *Policy, actorID string) error {
	ev := chain.Event{
		Type: kind,
		Payload: &chain.PolicyChange{
			PolicyID: p.ID,
			Name:     p.Name,
			Resource: p.Resource,
			Version:  p.Version,
			IsActive: p.IsActive,
		},
		ActorID:    actorID,
		OccurredAt: e.now().UnixMilli(),
	}
	if err := e.sink.AddPendingEvent(ev); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	return nil
}

// ── Evaluation ───────────────────────────────────────────────────────────────

// Evaluate checks ec against a single policy. A missing, inactive or expired
// policy yields a denial. Every call records an ACCESS_GRANTED or
// ACCESS_DENIED event; the error is non-nil only if that fails.
func (e *Engine) Evaluate(_ context.Context, policyID string, ec EvalContext) (*Verdict, error) {
	at := ec.Timestamp
	if at.IsZero() {
		at = e.now()
	}

	e.mu.RLock()
	p, ok := e.policies[policyID]
	if ok {
		p = p.clone()
	}
	e.mu.RUnlock()

	var v *Verdict
	resource := ec.Resource
	switch {
	case !ok:
		v = rejection(policyID, 0, CheckPolicyNotFound)
	case !p.IsActive:
		v = rejection(p.ID, p.Version, CheckPolicyInactive)
	case p.expired(at):
		v = rejection(p.ID, p.Version, CheckPolicyExpired)
	case ec.Resource != "" && ec.Resource != p.Resource:
		v = rejection(p.ID, p.Version, CheckResource)
	default:
		v = e.check(p, ec, at)
	}
	if resource == "" && ok {
		resource = p.Resource
	}
	if err := e.emit(v, resource, ec); err != nil {
		return v, err
	}
	return v, nil
}

// EvaluateResource checks ec against every active policy for resource. Access
// is denied when no such policy exists, and otherwise granted only if all of
// them allow it.
func (e *Engine) EvaluateResource(_ context.Context, resource string, ec EvalContext) (*Verdict, error) {
	at := ec.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	if ec.Resource == "" {
		ec.Resource = resource
	}

	e.mu.RLock()
	var applicable []*Policy
	for _, p := range e.policies {
		if p.Resource == resource && p.IsActive && !p.expired(at) {
			applicable = append(applicable, p.clone())
		}
	}
	e.mu.RUnlock()
	sort.Slice(applicable, func(i, j int) bool { return applicable[i].ID < applicable[j].ID })

	var v *Verdict
	if len(applicable) == 0 {
		v = rejection("", 0, CheckNoPolicy)
	} else {
		v = &Verdict{Allowed: true, MatchedConditions: []string{}, FailedConditions: []string{}}
		for _, p := range applicable {
			pv := e.check(p, ec, at)
			if len(applicable) > 1 {
				pv.MatchedConditions = prefixed(p.ID, pv.MatchedConditions)
				pv.FailedConditions = prefixed(p.ID, pv.FailedConditions)
			}
			v.MatchedConditions = append(v.MatchedConditions, pv.MatchedConditions...)
			v.FailedConditions = append(v.FailedConditions, pv.FailedConditions...)
			v.Allowed = v.Allowed && pv.Allowed
			if v.PolicyID == "" || pv.RiskScore > v.RiskScore {
				v.PolicyID, v.PolicyVersion, v.RiskScore = p.ID, p.Version, pv.RiskScore
			}
		}
		v.RequiresApproval = needsApproval(v.RiskScore)
	}
	if err := e.emit(v, resource, ec); err != nil {
		return v, err
	}
	return v, nil
}

func prefixed(id string, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = id + "/" + n
	}
	return out
}

func rejection(policyID string, version int, reason string) *Verdict {
	return &Verdict{
		PolicyID:          policyID,
		PolicyVersion:     version,
		Allowed:           false,
		MatchedConditions: []string{},
		FailedConditions:  []string{reason},
		RiskScore:         riskMax,
	}
}

// check runs every rule of p against ec without short-circuiting, so the risk
// score reflects all failures.
func (e *Engine) check(p *Policy, ec EvalContext, at time.Time) *Verdict {
	v := &Verdict{
		PolicyID:          p.ID,
		PolicyVersion:     p.Version,
		MatchedConditions: []string{},
		FailedConditions:  []string{},
	}
	risk := 0
	pass := func(name string) { v.MatchedConditions = append(v.MatchedConditions, name) }
	fail := func(name string, weight int) {
		v.FailedConditions = append(v.FailedConditions, name)
		risk += weight
	}

	if hasAnyRole(ec.Roles, p.AllowedRoles) {
		pass(CheckRole)
	} else {
		fail(CheckRole, riskRole)
	}

	if p.TimeRestrictions != nil {
		if inTimeWindow(p.TimeRestrictions, at) {
			pass(CheckTimeWindow)
		} else {
			fail(CheckTimeWindow, riskTimeWindow)
		}
	}

	if ec.TrustScore >= p.MinimumTrustScore {
		pass(CheckTrustScore)
	} else {
		fail(CheckTrustScore, riskTrustScore)
	}

	if p.MFARequired {
		if ec.MFAVerified {
			pass(CheckMFA)
		} else {
			fail(CheckMFA, riskMFA)
		}
	}

	if p.SignatureRequired {
		if ec.Signature != "" {
			pass(CheckSignature)
		} else {
			fail(CheckSignature, riskSignature)
		}
	}

	if p.IPRestrictions != nil {
		if ipPermitted(p.IPRestrictions, ec.IP) {
			pass(CheckIPRestriction)
		} else {
			fail(CheckIPRestriction, riskIPRestriction)
		}
	}

	optionalFailed := false
	for _, c := range p.Conditions {
		name := conditionName(c)
		switch {
		case evalCondition(c, ec):
			pass(name)
		case c.Required:
			fail(name, riskRequiredCondition)
		default:
			risk += riskOptionalCondition
			optionalFailed = true
		}
	}

	if p.Expression != "" {
		ok, err := e.exprs.eval(p.Expression, ec, at)
		if err != nil {
			e.logger.Warn("policy expression failed", zap.String("policy_id", p.ID), zap.Error(err))
		}
		if ok && err == nil {
			pass(CheckExpression)
		} else {
			fail(CheckExpression, riskExpression)
		}
	}

	v.RiskScore = min(risk, riskMax)
	v.Allowed = len(v.FailedConditions) == 0
	v.RequiresApproval = needsApproval(v.RiskScore)
	if optionalFailed {
		e.logger.Debug("optional conditions failed", zap.String("policy_id", p.ID), zap.Int("risk", v.RiskScore))
	}
	return v
}

func (e *Engine) emit(v *Verdict, resource string, ec EvalContext) error {
	kind := chain.KindAccessDenied
	if v.Allowed {
		kind = chain.KindAccessGranted
	}
	if resource == "" {
		resource = "unknown"
	}
	ev := chain.Event{
		Type: kind,
		Payload: &chain.AccessDecision{
			PolicyID:          v.PolicyID,
			PolicyVersion:     v.PolicyVersion,
			Resource:          resource,
			Action:            ec.Action,
			Allowed:           v.Allowed,
			MatchedConditions: slices.Clone(v.MatchedConditions),
			FailedConditions:  slices.Clone(v.FailedConditions),
			RiskScore:         v.RiskScore,
			RequiresApproval:  v.RequiresApproval,
		},
		ActorID:    ec.ActorID,
		OccurredAt: e.now().UnixMilli(),
	}
	if err := e.sink.AddPendingEvent(ev); err != nil {
		return fmt.Errorf("record %s: %w", kind, err)
	}
	e.logger.Info("access evaluated",
		zap.String("actor", ec.ActorID),
		zap.String("resource", resource),
		zap.String("policy_id", v.PolicyID),
		zap.Bool("allowed", v.Allowed),
		zap.Int("risk", v.RiskScore),
	)
	return nil
}
