package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/runloom/controlplane/internal/ledger"
	"github.com/runloom/controlplane/internal/metrics"
	"github.com/runloom/controlplane/internal/telemetry"
)

// Engine is the Access-Decision Engine: it loads ABAC policies from the
// Ledger, evaluates them against an access request, and falls back to
// role-derived permissions when no policy matches.
type Engine struct {
	store   ledger.Store
	log     logr.Logger
	metrics *metrics.Metrics
}

// NewEngine constructs an Engine backed by store. metrics may be nil.
func NewEngine(store ledger.Store, log logr.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, log: log.WithName("policy"), metrics: m}
}

func decodePolicy(r ledger.PolicyRecord) (Policy, error) {
	p := Policy{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Priority:  r.Priority,
		Effect:    Effect(r.Effect),
		CreatedAt: r.CreatedAt,
	}
	if len(r.SubjectConditions) > 0 {
		if err := json.Unmarshal(r.SubjectConditions, &p.Subject); err != nil {
			return Policy{}, fmt.Errorf("decode subject conditions for policy %s: %w", r.ID, err)
		}
	}
	if len(r.ResourceConditions) > 0 {
		if err := json.Unmarshal(r.ResourceConditions, &p.Resource); err != nil {
			return Policy{}, fmt.Errorf("decode resource conditions for policy %s: %w", r.ID, err)
		}
	}
	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &p.Actions); err != nil {
			return Policy{}, fmt.Errorf("decode actions for policy %s: %w", r.ID, err)
		}
	}
	return p, nil
}

// EncodePolicy converts a domain Policy into its Ledger persistence form.
func EncodePolicy(p Policy) (ledger.PolicyRecord, error) {
	subj, err := json.Marshal(p.Subject)
	if err != nil {
		return ledger.PolicyRecord{}, err
	}
	res, err := json.Marshal(p.Resource)
	if err != nil {
		return ledger.PolicyRecord{}, err
	}
	actions, err := json.Marshal(p.Actions)
	if err != nil {
		return ledger.PolicyRecord{}, err
	}
	return ledger.PolicyRecord{
		ID:                 p.ID,
		TenantID:           p.TenantID,
		Name:               p.Name,
		Priority:           p.Priority,
		Effect:             string(p.Effect),
		SubjectConditions:  subj,
		ResourceConditions: res,
		Actions:            actions,
		CreatedAt:          p.CreatedAt,
	}, nil
}

func actionMatches(p Policy, action string) bool {
	for _, a := range p.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

func policyMatches(p Policy, req Request) bool {
	if !actionMatches(p, req.Action) {
		return false
	}
	if !matchAll(p.Subject, req.Subject) {
		return false
	}
	return matchAll(p.Resource, req.Resource)
}

// Evaluate decides whether req is allowed for tenantID. Policies are
// evaluated in ascending priority order (lowest number first); among
// policies tied at the winning priority, any deny present makes the
// decision deny. A request matching no policy falls through to
// role-derived permissions, then defaults to deny.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, req Request) (Decision, error) {
	ctx, span := telemetry.StartPolicyEvalSpan(ctx, tenantID, req.SubjectID, req.Action)
	var decision Decision
	var evalErr error
	defer func() {
		telemetry.EndPolicyEvalSpan(span, string(decision.Effect), evalErr)
		if e.metrics != nil {
			e.metrics.RecordPolicyDecision(string(decision.Effect))
		}
	}()

	records, err := e.store.ListPolicies(ctx, tenantID)
	if err != nil {
		evalErr = fmt.Errorf("list policies: %w", err)
		decision = Decision{Effect: Deny, Reason: "policy lookup failed"}
		return decision, evalErr
	}

	var matches []Policy
	for _, r := range records {
		p, err := decodePolicy(r)
		if err != nil {
			evalErr = err
			decision = Decision{Effect: Deny, Reason: "policy decode failed"}
			return decision, evalErr
		}
		if policyMatches(p, req) {
			matches = append(matches, p)
		}
	}

	if len(matches) == 0 {
		decision = e.roleDecision(ctx, tenantID, req)
		return decision, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority < matches[j].Priority
		}
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	top := matches[0].Priority
	var denied *Policy
	var firstAllow *Policy
	for i := range matches {
		if matches[i].Priority != top {
			break
		}
		if matches[i].Effect == Deny && denied == nil {
			denied = &matches[i]
		}
		if matches[i].Effect == Allow && firstAllow == nil {
			firstAllow = &matches[i]
		}
	}

	if denied != nil {
		decision = Decision{Effect: Deny, PolicyID: denied.ID, Reason: "explicit deny policy " + denied.Name}
		return decision, nil
	}
	decision = Decision{Effect: Allow, PolicyID: firstAllow.ID, Reason: "allow policy " + firstAllow.Name}
	return decision, nil
}

// roleDecision consults role bindings when no explicit policy matched.
func (e *Engine) roleDecision(ctx context.Context, tenantID string, req Request) Decision {
	bindings, err := e.store.ListRoleBindings(ctx, tenantID, req.SubjectID)
	if err != nil {
		e.log.Error(err, "list role bindings", "tenantId", tenantID, "subject", req.SubjectID)
		return Decision{Effect: Deny, Reason: "no matching policy, role lookup failed"}
	}
	for _, b := range bindings {
		if roleGrants(b.Role, req.ResourceType, req.Action) {
			return Decision{Effect: Allow, Reason: "role " + b.Role + " grants " + req.ResourceType + ":" + req.Action}
		}
	}
	return Decision{Effect: Deny, Reason: "no matching policy or role grant"}
}
