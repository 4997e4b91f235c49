package domain

import "time"

// Team is the billing and collaboration boundary: it owns a plan and, through
// its owner account, the token pool that meters billable actions.
type Team struct {
	ID                    string
	Name                  string
	OwnerID               string
	PlanSlug              string
	SubscriptionExpiresAt *time.Time
	CreatedAt             time.Time
}

// Membership role labels. The label is what the UI displays; enforcement goes
// through the member's Assignment.
const (
	RoleLabelOwner  = "owner"
	RoleLabelAdmin  = "admin"
	RoleLabelMember = "member"
	RoleLabelCustom = "custom"
)

// Membership links a user to a team. TokenLimit, when set, caps the member's
// monthly token spend; nil means unlimited.
type Membership struct {
	TeamID     string
	UserID     string
	RoleLabel  string
	TokenLimit *int64
	CreatedAt  time.Time
}
