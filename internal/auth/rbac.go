package auth

import (
	"strings"

	"github.com/venrok/gateway/internal/httpx"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)

// ParseRole returns the closed-enum role for s, defaulting to guest.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleModerator:
		return RoleModerator
	case RoleUser:
		return RoleUser
	default:
		return RoleGuest
	}
}

type Permission string

const (
	PermCreateUsers      Permission = "create:users"
	PermReadUsers        Permission = "read:users"
	PermUpdateUsers      Permission = "update:users"
	PermDeleteUsers      Permission = "delete:users"
	PermConfigureRoutes  Permission = "configure:routes"
	PermViewMetrics      Permission = "view:metrics"
	PermManageRateLimits Permission = "manage:rate_limits"
	PermViewLogs         Permission = "view:logs"
	PermManageSystem     Permission = "manage:system"
	PermAccessAdmin      Permission = "access:admin"
)

// rolePermissions is the static role → permission table. Admin holds every
// permission; guest holds none.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermCreateUsers, PermReadUsers, PermUpdateUsers, PermDeleteUsers,
		PermConfigureRoutes, PermViewMetrics, PermManageRateLimits,
		PermViewLogs, PermManageSystem, PermAccessAdmin,
	},
	RoleModerator: {
		PermReadUsers, PermUpdateUsers, PermViewMetrics, PermViewLogs,
	},
	RoleUser: {
		PermReadUsers,
	},
	RoleGuest: {},
}

// Logic governs how required permissions combine.
type Logic string

const (
	LogicAny Logic = "ANY"
	LogicAll Logic = "ALL"
)

// Principal is the authenticated identity carried on a request.
type Principal struct {
	Subject     string       `json:"sub"`
	Username    string       `json:"username"`
	Email       string       `json:"email,omitempty"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
}

func (p Principal) HasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (p Principal) hasPermission(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

// EffectivePermissions is the deduplicated union of role-derived permissions
// and direct grants, in stable first-seen order.
func EffectivePermissions(roles []Role, direct []Permission) []Permission {
	seen := make(map[Permission]struct{})
	out := make([]Permission, 0, len(direct)+8)
	add := func(p Permission) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			add(p)
		}
	}
	for _, p := range direct {
		add(p)
	}
	return out
}

// Authorize enforces the role and permission predicates on p. Roles combine
// with ANY semantics; permissions combine per logic (default ANY). When both
// sets are given both predicates must pass. The returned error names the
// failing predicate.
func Authorize(p Principal, roles []Role, perms []Permission, logic Logic) error {
	if len(roles) > 0 {
		ok := false
		for _, r := range roles {
			if p.HasRole(r) {
				ok = true
				break
			}
		}
		if !ok {
			return httpx.NewError(httpx.KindForbidden,
				"Access denied: missing required role")
		}
	}
	if len(perms) > 0 {
		var ok bool
		if logic == LogicAll {
			ok = true
			for _, perm := range perms {
				if !p.hasPermission(perm) {
					ok = false
					break
				}
			}
		} else {
			for _, perm := range perms {
				if p.hasPermission(perm) {
					ok = true
					break
				}
			}
		}
		if !ok {
			return httpx.NewError(httpx.KindForbidden,
				"Access denied: missing required permission")
		}
	}
	return nil
}
