package domain

import "time"

// Plan is the entitlement template a team subscribes to: the permission slugs
// it unlocks plus numeric limits.
type Plan struct {
	Slug            string
	Name            string
	MemberLimit     int
	MaxWorkspaces   int
	MaxTokens       int64
	AllowedFeatures []string
	CreatedAt       time.Time
}

// Allows reports whether the plan entitles the given permission slug.
func (p Plan) Allows(name string) bool {
	for _, slug := range p.AllowedFeatures {
		if slug == name {
			return true
		}
	}
	return false
}
