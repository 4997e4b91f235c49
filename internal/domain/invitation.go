package domain

import "time"

// Invitation is a pending offer to join a team. The row is deleted on
// acceptance or cancellation; expiry is checked lazily at acceptance time.
type Invitation struct {
	ID        string
	Token     string
	Email     string
	TeamID    string
	RoleName  string
	InvitedBy string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the invitation has lapsed relative to now.
func (i Invitation) Expired(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return now.UTC().After(i.ExpiresAt.UTC())
}
