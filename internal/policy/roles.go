package policy

import "strings"

// RolePermissions is the static role-to-permission table. A permission has
// the form "resourceType:action"; "*:*" is the superuser grant.
var RolePermissions = map[string][]string{
	"admin":    {"*:*"},
	"operator": {"run:submit", "run:cancel", "run:read", "queueitem:read", "providerjob:read"},
	"viewer":   {"run:read", "queueitem:read", "providerjob:read"},
}

// roleGrants reports whether role carries a permission matching resourceType:action.
func roleGrants(role, resourceType, action string) bool {
	for _, p := range RolePermissions[role] {
		if p == "*:*" {
			return true
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if parts[0] == resourceType && parts[1] == action {
			return true
		}
	}
	return false
}
