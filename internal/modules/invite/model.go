// README: Invite link model; status only moves active->used or active->expired.
package invite

import (
	"time"

	"shuttle/internal/access"
	"shuttle/internal/types"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

type Link struct {
	Code      string
	Role      access.Role
	CreatedBy types.ID
	CreatedAt time.Time
	ExpiresAt *time.Time
	UsedAt    *time.Time
	UsedBy    *types.ID
	Status    Status
}

// ExpiredAt reports whether an active link is past its expiry at now.
func (l *Link) ExpiredAt(now time.Time) bool {
	return l.Status == StatusActive && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

type Filter struct {
	Status Status
	Limit  int
}
