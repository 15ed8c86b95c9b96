package router

import (
	"slices"
	"strings"

	"github.com/cyberinferno/campusrpc/protocol"
)

const (
	// RoleAnonymous marks a route anyone may call, logged in or not.
	RoleAnonymous = "anonymous"
	// RoleAll marks a route any active session may call, whatever its roles.
	RoleAll = "all"
)

// RuleKind distinguishes the declared role rules.
type RuleKind int

const (
	// RuleDominates: the role satisfies every concrete requirement.
	RuleDominates RuleKind = iota
	// RuleAlias: the requirement is also met by any of the listed roles.
	RuleAlias
	// RuleEquivalent: two roles satisfy each other's requirements.
	RuleEquivalent
)

// Rule is one named, declared role relationship.
type Rule struct {
	Name        string
	Kind        RuleKind
	Role        string
	SatisfiedBy []string
}

// Policy evaluates role requirements. Role compatibility is a partial
// order: exact match, dominance and declared aliases. Aliases are applied
// one level deep; they are not transitive.
//
// A Policy is built once at startup and only read afterwards.
type Policy struct {
	rules      []Rule
	dominators []string
	aliases    map[string][]string
}

// NewPolicy returns a policy with no rules: roles only satisfy themselves.
func NewPolicy() *Policy {
	return &Policy{aliases: map[string][]string{}}
}

// Dominates declares that role satisfies any concrete requirement.
func (p *Policy) Dominates(name, role string) *Policy {
	role = normalizeRole(role)
	p.rules = append(p.rules, Rule{Name: name, Kind: RuleDominates, Role: role})
	p.dominators = append(p.dominators, role)
	return p
}

// Alias declares that requirement role is also met by any of satisfiedBy.
func (p *Policy) Alias(name, role string, satisfiedBy ...string) *Policy {
	role = normalizeRole(role)
	by := make([]string, 0, len(satisfiedBy))
	for _, r := range satisfiedBy {
		by = append(by, normalizeRole(r))
	}

	p.rules = append(p.rules, Rule{Name: name, Kind: RuleAlias, Role: role, SatisfiedBy: by})
	p.aliases[role] = append(p.aliases[role], by...)
	return p
}

// Equivalent declares a and b mutually substitutable.
func (p *Policy) Equivalent(name, a, b string) *Policy {
	a, b = normalizeRole(a), normalizeRole(b)
	p.rules = append(p.rules, Rule{Name: name, Kind: RuleEquivalent, Role: a, SatisfiedBy: []string{b}})
	p.aliases[a] = append(p.aliases[a], b)
	p.aliases[b] = append(p.aliases[b], a)
	return p
}

// Rules returns the declared rules in declaration order.
func (p *Policy) Rules() []Rule {
	return slices.Clone(p.rules)
}

// Satisfies reports whether a holder of roles meets the single concrete
// requirement required.
func (p *Policy) Satisfies(roles []string, required string) bool {
	required = normalizeRole(required)
	for _, held := range roles {
		held = normalizeRole(held)
		if held == "" {
			continue
		}

		if held == required || slices.Contains(p.dominators, held) || slices.Contains(p.aliases[required], held) {
			return true
		}
	}

	return false
}

// Allowed evaluates a parsed requirement list against a session.
func (p *Policy) Allowed(session *protocol.Session, requirement []string) bool {
	if slices.Contains(requirement, RoleAnonymous) {
		return true
	}

	if !session.IsActive() {
		return false
	}

	if slices.Contains(requirement, RoleAll) {
		return true
	}

	for _, role := range requirement {
		if p.Satisfies(session.Roles, role) {
			return true
		}
	}

	return false
}

// ParseRequirement splits a role expression ("student, teacher") into
// normalized tokens. An empty expression means RoleAll.
func ParseRequirement(expr string) []string {
	var out []string
	for _, part := range strings.Split(expr, ",") {
		if role := normalizeRole(part); role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}

	if len(out) == 0 {
		return []string{RoleAll}
	}

	return out
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
