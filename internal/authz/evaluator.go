package authz

import (
	"strings"
	"sync/atomic"

	"github.com/rakunlabs/at/internal/config"
)

// Principal is the authenticated user's role and permission sets for the
// current request.
type Principal struct {
	UserID      string
	Roles       Set
	Permissions Set
}

// Policy is attached to a route in the routing table (lookup by route,
// not by reflection/annotation): either an AnyRoleOf or a HasPermission
// check.
type Policy struct {
	anyRoles []string
	permCode string
}

// AnyRoleOf builds a policy satisfied when the principal holds any of
// the listed roles (OR semantics).
func AnyRoleOf(roles ...string) Policy {
	return Policy{anyRoles: roles}
}

// HasPermission builds a policy satisfied when the principal holds the
// given permission code.
func HasPermission(code string) Policy {
	return Policy{permCode: code}
}

// Evaluate reports whether principal satisfies p. Role strings may carry
// a "ROLE_" prefix from the source on either side of the comparison (the
// identity service's raw role list, or an operator-configured policy); the
// prefix is stripped idempotently from both before comparing.
func (p Policy) Evaluate(principal Principal) bool {
	if p.permCode != "" {
		return principal.Permissions.Has(p.permCode)
	}

	for _, want := range p.anyRoles {
		stripped := stripRolePrefix(want)
		if principal.Roles.Has(stripped) || principal.Roles.Has("ROLE_"+stripped) {
			return true
		}
	}

	return false
}

func stripRolePrefix(role string) string {
	return strings.TrimPrefix(role, "ROLE_")
}

// Evaluator holds the dashboard's hot-reloadable allowed-role policy.
// The active Policy is swapped atomically on configuration reload so
// in-flight decisions that already read the pointer are unaffected.
type Evaluator struct {
	dashboardPolicy atomic.Pointer[Policy]
}

// NewEvaluator constructs an Evaluator seeded from the initial
// configuration's dashboard.security.allowed-roles.
func NewEvaluator(cfg config.Dashboard) *Evaluator {
	e := &Evaluator{}
	e.ReloadDashboardPolicy(cfg)
	return e
}

// ReloadDashboardPolicy atomically swaps the dashboard policy. Call this
// whenever the configuration object changes (config hot-reload).
func (e *Evaluator) ReloadDashboardPolicy(cfg config.Dashboard) {
	normalized := make([]string, len(cfg.Security.AllowedRoles))
	for i, r := range cfg.Security.AllowedRoles {
		normalized[i] = stripRolePrefix(r)
	}

	p := AnyRoleOf(normalized...)
	e.dashboardPolicy.Store(&p)
}

// DashboardPolicy returns the currently active dashboard access policy.
func (e *Evaluator) DashboardPolicy() Policy {
	return *e.dashboardPolicy.Load()
}
