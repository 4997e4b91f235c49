package domain

import "time"

// Role is a named permission bundle. TeamID is nil for global built-in roles
// and set for roles defined by a single team. A team-scoped role's stored
// permissions must stay within the team plan's allowed features.
type Role struct {
	ID          string
	TeamID      *string
	Name        string
	Permissions []string
	CreatedAt   time.Time
}

// Assignment records how a member's permissions are granted within one team:
// either through a named role or through direct grants ("custom" mode). The
// two modes are mutually exclusive; constructors keep the other side empty.
type Assignment struct {
	TeamID    string
	UserID    string
	RoleID    *string
	Direct    []string
	UpdatedAt time.Time
}

// NamedRoleAssignment grants permissions through a role.
func NamedRoleAssignment(teamID, userID, roleID string) Assignment {
	return Assignment{TeamID: teamID, UserID: userID, RoleID: &roleID}
}

// DirectGrantAssignment grants permissions directly, bypassing roles.
func DirectGrantAssignment(teamID, userID string, permissions []string) Assignment {
	return Assignment{TeamID: teamID, UserID: userID, Direct: append([]string(nil), permissions...)}
}

// IsDirect reports whether the assignment is in direct-grant mode.
func (a Assignment) IsDirect() bool {
	return a.RoleID == nil
}
