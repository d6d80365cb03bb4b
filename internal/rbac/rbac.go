package rbac

type Role string
type Action string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

// Identity is the acting user as reported by the chat platform.
type Identity struct {
	UserID  string
	Admin   bool
	RoleIDs []string
}

// Resolve maps an identity to a role. Administrators always resolve to
// RoleAdmin. Anyone else is a moderator only when they hold one of the
// community's moderator roles; with no roles configured only administrators
// hold moderator authority.
func Resolve(id Identity, modRoleIDs []string) Role {
	if id.Admin {
		return RoleAdmin
	}
	if len(modRoleIDs) == 0 {
		return RoleMember
	}
	held := make(map[string]struct{}, len(id.RoleIDs))
	for _, r := range id.RoleIDs {
		held[r] = struct{}{}
	}
	for _, r := range modRoleIDs {
		if _, ok := held[r]; ok {
			return RoleModerator
		}
	}
	return RoleMember
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionModerate
	default:
		return false
	}
}
