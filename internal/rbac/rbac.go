package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer     Role = "viewer"
	RoleMember     Role = "member"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionWrite     Action = "write"
	ActionReconcile Action = "reconcile"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSupervisor:
		return action == ActionRead || action == ActionWrite || action == ActionReconcile
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleSupervisor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// PositionsIntersect reports whether a caller holding positions may act on an
// item scoped to allowed. An empty allowed set is unrestricted. Comparison
// ignores case and surrounding whitespace.
func PositionsIntersect(allowed, positions []string) bool {
	scoped := false
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		scoped = true
		for _, p := range positions {
			if strings.EqualFold(a, strings.TrimSpace(p)) {
				return true
			}
		}
	}
	return !scoped
}
