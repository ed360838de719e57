package auth

import (
	"slices"
	"strings"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// Names of the policies in [DefaultPolicies].
const (
	PolicyReadScope = "ReadScope"
	PolicyAdminRole = "AdminRole"
)

// Policy is a named predicate over an identity's claims. Policies never
// perform I/O and must be safe for concurrent use.
type Policy interface {
	Name() string
	Evaluate(identity *Identity) bool
}

// ScopePolicy requires Scope as a whitespace-delimited token of the scp
// claim (or its long form), compared case-insensitively.
type ScopePolicy struct {
	PolicyName string
	Scope      string
}

// NewScopePolicy returns a policy named name requiring scope.
func NewScopePolicy(name, scope string) ScopePolicy {
	return ScopePolicy{PolicyName: name, Scope: scope}
}

func (p ScopePolicy) Name() string { return p.PolicyName }

func (p ScopePolicy) Evaluate(identity *Identity) bool {
	if identity == nil || p.Scope == "" {
		return false
	}
	for _, claimType := range []string{ClaimScope, ClaimScopeURI} {
		for _, value := range identity.ClaimValues(claimType) {
			for _, scope := range strings.Fields(value) {
				if strings.EqualFold(scope, p.Scope) {
					return true
				}
			}
		}
	}
	return false
}

// RolePolicy requires Role among the values of the roles claim (or its
// long form). Roles compare exactly.
type RolePolicy struct {
	PolicyName string
	Role       string
}

// NewRolePolicy returns a policy named name requiring role.
func NewRolePolicy(name, role string) RolePolicy {
	return RolePolicy{PolicyName: name, Role: role}
}

func (p RolePolicy) Name() string { return p.PolicyName }

func (p RolePolicy) Evaluate(identity *Identity) bool {
	if identity == nil || p.Role == "" {
		return false
	}
	return slices.Contains(identity.ClaimValues(ClaimRoles), p.Role) ||
		slices.Contains(identity.ClaimValues(ClaimRoleURI), p.Role)
}

type compositePolicy struct {
	name     string
	policies []Policy
	all      bool
}

// AllOf returns a policy satisfied when every one of policies is. With no
// policies it is never satisfied.
func AllOf(name string, policies ...Policy) Policy {
	return compositePolicy{name: name, policies: slices.Clone(policies), all: true}
}

// AnyOf returns a policy satisfied when at least one of policies is.
func AnyOf(name string, policies ...Policy) Policy {
	return compositePolicy{name: name, policies: slices.Clone(policies)}
}

func (p compositePolicy) Name() string { return p.name }

func (p compositePolicy) Evaluate(identity *Identity) bool {
	if identity == nil || len(p.policies) == 0 {
		return false
	}
	for _, policy := range p.policies {
		if policy.Evaluate(identity) != p.all {
			return !p.all
		}
	}
	return p.all
}

// DefaultPolicies returns the platform policies: [PolicyReadScope]
// requires the "read" scope and [PolicyAdminRole] the "Admin" role.
func DefaultPolicies() []Policy {
	return []Policy{
		NewScopePolicy(PolicyReadScope, "read"),
		NewRolePolicy(PolicyAdminRole, "Admin"),
	}
}

// PolicyEngine evaluates named policies. It is immutable after
// construction.
type PolicyEngine struct {
	policies map[string]Policy
}

// NewPolicyEngine registers policies by name. Empty or duplicate names
// fail with [sserr.CodeInternalConfiguration].
func NewPolicyEngine(policies ...Policy) (*PolicyEngine, error) {
	e := &PolicyEngine{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		if p == nil || p.Name() == "" {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: policy name is required")
		}
		if _, dup := e.policies[p.Name()]; dup {
			return nil, sserr.Newf(sserr.CodeInternalConfiguration, "auth: duplicate policy %q", p.Name())
		}
		e.policies[p.Name()] = p
	}
	return e, nil
}

// Names returns the registered policy names, sorted.
func (e *PolicyEngine) Names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Evaluate reports whether identity satisfies the named policy. Unknown
// names and nil identities deny.
func (e *PolicyEngine) Evaluate(identity *Identity, name string) bool {
	p, ok := e.policies[name]
	return ok && p.Evaluate(identity)
}

// Authorize is Evaluate with a reason: nil on success, otherwise an error
// coded [sserr.CodeAuthorizationInsufficientScope] for scope policies and
// [sserr.CodeAuthorizationDenied] for everything else.
func (e *PolicyEngine) Authorize(identity *Identity, name string) error {
	p, ok := e.policies[name]
	if !ok {
		return sserr.Newf(sserr.CodeAuthorizationDenied, "auth: unknown policy %q", name).
			WithDetail("policy", name)
	}
	if p.Evaluate(identity) {
		return nil
	}
	if scope, isScope := p.(ScopePolicy); isScope {
		return sserr.Newf(sserr.CodeAuthorizationInsufficientScope, "auth: policy %q requires scope %q", name, scope.Scope).
			WithDetail("policy", name)
	}
	return sserr.Newf(sserr.CodeAuthorizationDenied, "auth: policy %q denied", name).
		WithDetail("policy", name)
}
