package permission

import "fmt"

// Role is a user's level on a site, ordered from weakest to strongest.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleEditor  Role = "editor"
	RoleManager Role = "manager"
	RoleOwner   Role = "owner"
)

// Rank returns the ordering of a role. Unknown roles rank 0, below viewer,
// so they never pass any threshold check.
func Rank(r Role) int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleManager:
		return 3
	case RoleOwner:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether r covers the threshold role.
func (r Role) AtLeast(threshold Role) bool {
	return Rank(r) >= Rank(threshold)
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleViewer, RoleEditor, RoleManager, RoleOwner:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Permission strings granted per role. A role implies everything granted to
// lower-ranked roles.
const (
	PermContentRead  = "content:read"
	PermContentWrite = "content:write"
	PermSiteManage   = "site:manage"
	PermSiteAdmin    = "site:admin"
)

// Expand returns the full permission set a role implies.
func Expand(r Role) []string {
	perms := make([]string, 0, 4)
	if r.AtLeast(RoleViewer) {
		perms = append(perms, PermContentRead)
	}
	if r.AtLeast(RoleEditor) {
		perms = append(perms, PermContentWrite)
	}
	if r.AtLeast(RoleManager) {
		perms = append(perms, PermSiteManage)
	}
	if r.AtLeast(RoleOwner) {
		perms = append(perms, PermSiteAdmin)
	}
	return perms
}

// Covers reports whether every requested permission is implied by the role.
func Covers(r Role, requested []string) bool {
	implied := make(map[string]struct{})
	for _, p := range Expand(r) {
		implied[p] = struct{}{}
	}
	for _, p := range requested {
		if _, ok := implied[p]; !ok {
			return false
		}
	}
	return true
}

// CanWrite reports whether the role authorizes editing content.
func CanWrite(r Role) bool {
	return r.AtLeast(RoleEditor)
}
