package domain

import "time"

// User represents a platform account. TokenBalance is only meaningful for
// workspace owners: the owner's balance is the workspace's spendable pool.
// TokensUsed is the member's monthly spend counter checked against their
// per-workspace cap.
type User struct {
	ID           string
	Email        string
	PasswordHash []byte
	IsSuperAdmin bool
	ActiveTeamID *string
	TokenBalance int64
	TokensUsed   int64
	CreatedAt    time.Time
}
