package models

// Role represents user roles in the system
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTower      Role = "tower"
	RoleDealership Role = "dealership"
	RoleOperator   Role = "operator"
	RoleViewer     Role = "viewer"
)

// Claims represents JWT claims issued by the fleet identity provider
type Claims struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	AccountID    string `json:"account_id"`
	DealershipID string `json:"dealership_id,omitempty"`
	Role         Role   `json:"role"`
	Exp          int64  `json:"exp"`
}

// Actor converts the claims into the actor recorded on history and worklog entries.
func (c *Claims) Actor() Actor {
	return Actor{
		AccountID:    c.AccountID,
		UserID:       c.UserID,
		DealershipID: c.DealershipID,
		IsTower:      c.Role == RoleTower,
	}
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleTower, RoleDealership, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if the role may perform a specific action
func (r Role) HasPermission(action string) bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleTower, RoleOperator:
		return action != "issue_sequence" || r == RoleTower
	case RoleDealership:
		return action == "view_assistances" || action == "advance_step" ||
			action == "add_step" || action == "view_worklog"
	case RoleViewer:
		return action == "view_assistances" || action == "view_worklog"
	default:
		return false
	}
}
