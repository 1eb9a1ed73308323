// README: Driver (partner) profile, documents and verification status definitions.
package driver

import (
	"time"

	"shuttle/internal/types"
)

type Status string

const (
	StatusUnverified Status = "unverified"
	StatusPending    Status = "pending"
	StatusVerified   Status = "verified"
	StatusDeclined   Status = "declined"
)

type DocType string

const (
	DocLicense      DocType = "license"
	DocInsurance    DocType = "insurance"
	DocRegistration DocType = "registration"
	DocOther        DocType = "other"
)

// RequiredDocTypes is the document set a driver needs for verification, in
// the order missing types are reported.
var RequiredDocTypes = []DocType{DocLicense, DocInsurance, DocRegistration}

type Driver struct {
	ID            types.ID
	AccountID     types.ID
	Status        Status
	Available     bool
	LicenseNumber string
	DeclineReason *string
	VerifiedAt    *time.Time
	VerifiedBy    *types.ID
	StatusVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Document struct {
	ID           types.ID
	DriverID     types.ID
	Type         DocType
	Location     string
	Verified     bool
	ExpiresAt    *time.Time
	UploadedAt   time.Time
	SupersededAt *time.Time
}

type AvailabilityChange struct {
	ID        int64
	DriverID  types.ID
	Desired   bool
	ActorRole string
	ActorID   types.ID
	Note      string
	CreatedAt time.Time
}

type Filter struct {
	Status    Status
	Available *bool
	Limit     int
}

// AllowedTransitions represents the verification flow as code. Approve may
// also move a declined driver straight back to verified.
var AllowedTransitions = map[Status][]Status{
	StatusUnverified: {StatusPending},
	StatusPending:    {StatusVerified, StatusDeclined},
	StatusVerified:   {StatusDeclined, StatusPending},
	StatusDeclined:   {StatusPending, StatusVerified},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusUnverified, StatusPending, StatusVerified, StatusDeclined:
		return true
	}
	return false
}

func (t DocType) Valid() bool {
	switch t {
	case DocLicense, DocInsurance, DocRegistration, DocOther:
		return true
	}
	return false
}

func (d *Document) Live() bool {
	return d.SupersededAt == nil
}
