// Package custody holds the custody rules: the status ordering, which role
// may perform each step, and the guards evaluated before any state change.
// Nothing here touches storage.
package custody

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"custody-tracker/internal/models"
)

//go:embed rules.yaml
var defaultRules []byte

// Edge is one normal-path step.
type Edge struct {
	From models.Status
	To   models.Status
}

// Rules is the transition table. It is immutable once built.
type Rules struct {
	order   []models.Status
	rank    map[models.Status]int
	edges   map[Edge]models.Role
	holders map[models.Status]models.Role
}

type rulesFile struct {
	Order []models.Status `yaml:"order"`
	Edges []struct {
		From models.Status `yaml:"from"`
		To   models.Status `yaml:"to"`
		Role models.Role   `yaml:"role"`
	} `yaml:"edges"`
	Holders map[models.Status]models.Role `yaml:"holders"`
}

// DefaultRules returns the built-in table.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("custody: embedded rules: %v", err))
	}
	return r
}

// LoadRules reads a rules file, or returns the built-in table when path is empty.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rules document.
func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(f.Order) == 0 {
		return nil, fmt.Errorf("rules: order is empty")
	}
	r := &Rules{
		order:   f.Order,
		rank:    make(map[models.Status]int, len(f.Order)),
		edges:   make(map[Edge]models.Role, len(f.Edges)),
		holders: make(map[models.Status]models.Role, len(f.Holders)),
	}
	for i, s := range f.Order {
		if !s.Valid() {
			return nil, fmt.Errorf("rules: unknown status %q in order", s)
		}
		if s == models.StatusOnHold || s == models.StatusCancelled {
			return nil, fmt.Errorf("rules: %s cannot be part of the ordering", s)
		}
		if _, dup := r.rank[s]; dup {
			return nil, fmt.Errorf("rules: status %s listed twice in order", s)
		}
		r.rank[s] = i
	}
	for _, e := range f.Edges {
		if !e.From.Valid() || !e.To.Valid() {
			return nil, fmt.Errorf("rules: unknown status in edge %s -> %s", e.From, e.To)
		}
		if !e.Role.Valid() {
			return nil, fmt.Errorf("rules: unknown role %q on edge %s -> %s", e.Role, e.From, e.To)
		}
		key := Edge{From: e.From, To: e.To}
		if _, dup := r.edges[key]; dup {
			return nil, fmt.Errorf("rules: edge %s -> %s listed twice", e.From, e.To)
		}
		r.edges[key] = e.Role
	}
	for _, s := range models.AllStatuses {
		role, ok := f.Holders[s]
		if !ok {
			return nil, fmt.Errorf("rules: no holder for %s", s)
		}
		if !role.Valid() {
			return nil, fmt.Errorf("rules: unknown holder role %q for %s", role, s)
		}
		r.holders[s] = role
	}
	return r, nil
}

// Rank returns the position of s in the happy path.
// Side states are not ranked.
func (r *Rules) Rank(s models.Status) (int, bool) {
	i, ok := r.rank[s]
	return i, ok
}

// AtOrPast reports whether s is floor or later in the happy path.
func (r *Rules) AtOrPast(s, floor models.Status) bool {
	rs, ok := r.rank[s]
	if !ok {
		return false
	}
	rf, ok := r.rank[floor]
	if !ok {
		return false
	}
	return rs >= rf
}

// RequiredRole returns the role that owns the step from -> to.
func (r *Rules) RequiredRole(from, to models.Status) (models.Role, bool) {
	role, ok := r.edges[Edge{From: from, To: to}]
	return role, ok
}

// Holder returns the custodian role for a status.
func (r *Rules) Holder(s models.Status) models.Role {
	return r.holders[s]
}

// Next lists the normal-path successors of s.
func (r *Rules) Next(s models.Status) []models.Status {
	var out []models.Status
	for _, candidate := range models.AllStatuses {
		if _, ok := r.edges[Edge{From: s, To: candidate}]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// SelectRole picks which of the caller's roles acts on a step. The role
// that owns the edge wins; Admin is used for overrides or as a fallback.
func (r *Rules) SelectRole(roles []models.Role, from, to models.Status, override bool) models.Role {
	if len(roles) == 0 {
		return ""
	}
	if override && hasRole(roles, models.RoleAdmin) {
		return models.RoleAdmin
	}
	if required, ok := r.RequiredRole(from, to); ok && hasRole(roles, required) {
		return required
	}
	if hasRole(roles, models.RoleAdmin) {
		return models.RoleAdmin
	}
	return roles[0]
}

func hasRole(roles []models.Role, want models.Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether roles contains any of want.
func HasAnyRole(roles []models.Role, want ...models.Role) bool {
	for _, w := range want {
		if hasRole(roles, w) {
			return true
		}
	}
	return false
}
