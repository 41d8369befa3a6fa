package types

import "time"

// GrantStatus is the state of an access grant.
type GrantStatus string

const (
	GrantStatusPending  GrantStatus = "Pending"
	GrantStatusApproved GrantStatus = "Approved"
	GrantStatusRejected GrantStatus = "Rejected"
	GrantStatusRevoked  GrantStatus = "Revoked"
	GrantStatusExpired  GrantStatus = "Expired"
)

// Terminal reports whether no further transition can leave s.
func (s GrantStatus) Terminal() bool {
	switch s {
	case GrantStatusRejected, GrantStatusRevoked, GrantStatusExpired:
		return true
	}
	return false
}

// AccessGrant is one request/decision cycle between a patient and a provider.
type AccessGrant struct {
	GrantID         string      `json:"grant_id"`
	Sequence        int         `json:"sequence"`
	Patient         PrincipalID `json:"patient"`
	Provider        PrincipalID `json:"provider"`
	Purpose         string      `json:"purpose,omitempty"`
	RequestedAt     time.Time   `json:"requested_at"`
	DurationSeconds int64       `json:"duration_seconds"`
	Status          GrantStatus `json:"status"`
	DecidedAt       *time.Time  `json:"decided_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	RevokedAt       *time.Time  `json:"revoked_at,omitempty"`
}

// EffectiveStatus returns the status at now. An Approved grant whose expiry
// has passed is Expired whether or not that was ever written.
func (g *AccessGrant) EffectiveStatus(now time.Time) GrantStatus {
	if g.Status == GrantStatusApproved && g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return GrantStatusExpired
	}
	return g.Status
}

// ActiveAt reports whether the grant authorizes reads at now.
func (g *AccessGrant) ActiveAt(now time.Time) bool {
	return g.EffectiveStatus(now) == GrantStatusApproved
}

// Open reports whether the grant blocks a new request at now.
func (g *AccessGrant) Open(now time.Time) bool {
	switch g.EffectiveStatus(now) {
	case GrantStatusPending, GrantStatusApproved:
		return true
	}
	return false
}
